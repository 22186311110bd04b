package proxy

import (
	"encoding/json"
	"testing"

	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{
			name:   "http with uri target",
			config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"uri":{"uri":"http://x"}}}]}}}`,
		},
		{
			name:   "http with cargo, redirect and unix targets",
			config: `{"rule":{"http":{"domain":"example.com","network":"Public","locations":[{"path":"/","target":{"cargo":{"key":"web.global","port":80}}},{"path":"/old","target":{"http":{"url":"https://new","redirect":"MovedPermanently"}}},{"path":"/sock","target":{"unix":"/run/app.sock"}}]}}}`,
		},
		{
			name:   "stream",
			config: `{"rule":{"stream":[{"network":"internal","protocol":"Tcp","port":5432,"target":{"cargo":{"key":"db.prod","port":5432}}}]}}`,
		},
		{
			name:   "namespace network",
			config: `{"rule":{"http":{"network":"namespace:prod","locations":[{"path":"/","target":{"uri":{"uri":"http://x"}}}]}}}`,
		},
		{name: "empty", config: ``, wantErr: true},
		{name: "null", config: `null`, wantErr: true},
		{name: "neither http nor stream", config: `{"rule":{}}`, wantErr: true},
		{
			name:    "both http and stream",
			config:  `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"unix":"/s"}}]},"stream":[{"network":"public","protocol":"tcp","port":1,"target":{"unix":"/s"}}]}}`,
			wantErr: true,
		},
		{name: "unknown network", config: `{"rule":{"http":{"network":"mars","locations":[{"path":"/","target":{"unix":"/s"}}]}}}`, wantErr: true},
		{name: "no locations", config: `{"rule":{"http":{"network":"public","locations":[]}}}`, wantErr: true},
		{name: "relative path", config: `{"rule":{"http":{"network":"public","locations":[{"path":"api","target":{"unix":"/s"}}]}}}`, wantErr: true},
		{name: "no target", config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{}}]}}}`, wantErr: true},
		{name: "two targets", config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"unix":"/s","uri":{"uri":"http://x"}}}]}}}`, wantErr: true},
		{name: "bad cargo key", config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"cargo":{"key":"web","port":80}}}]}}}`, wantErr: true},
		{name: "unknown redirect", config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"http":{"url":"http://x","redirect":"Found"}}}]}}}`, wantErr: true},
		{name: "ssl without key", config: `{"rule":{"http":{"network":"public","ssl":{"certificate":"/c.pem"},"locations":[{"path":"/","target":{"unix":"/s"}}]}}}`, wantErr: true},
		{name: "stream bad protocol", config: `{"rule":{"stream":[{"network":"public","protocol":"sctp","port":1,"target":{"unix":"/s"}}]}}`, wantErr: true},
		{name: "stream without port", config: `{"rule":{"stream":[{"network":"public","protocol":"udp","target":{"unix":"/s"}}]}}`, wantErr: true},
		{name: "unknown field", config: `{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"unix":"/s"}}]}},"extra":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := Parse(json.RawMessage(tt.config))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, rule)
		})
	}
}

func TestParse_RejectsDirectiveInjection(t *testing.T) {
	loc := func(path, target string) string {
		return `{"rule":{"http":{"network":"public","locations":[{"path":` + path + `,"target":` + target + `}]}}}`
	}

	tests := []struct {
		name   string
		config string
	}{
		{name: "block in path", config: loc(`"/a {\n  }\n}\nserver {"`, `{"uri":{"uri":"http://x"}}`)},
		{name: "semicolon in path", config: loc(`"/a;return 200"`, `{"uri":{"uri":"http://x"}}`)},
		{name: "space in path", config: loc(`"/a b"`, `{"uri":{"uri":"http://x"}}`)},
		{name: "quote in url", config: loc(`"/"`, `{"http":{"url":"http://x\""}}`)},
		{name: "newline in uri", config: loc(`"/"`, `{"uri":{"uri":"http://x\ndeny all"}}`)},
		{name: "brace in unix", config: loc(`"/"`, `{"unix":"/run/a}.sock"}`)},
		{name: "comment in cargo key", config: loc(`"/"`, `{"cargo":{"key":"web#x.global","port":80}}`)},
		{
			name:   "semicolon in domain",
			config: `{"rule":{"http":{"domain":"a.com; listen 81","network":"public","locations":[{"path":"/","target":{"unix":"/s"}}]}}}`,
		},
		{
			name:   "newline in include",
			config: `{"rule":{"http":{"network":"public","includes":["/x.conf\n}"],"locations":[{"path":"/","target":{"unix":"/s"}}]}}}`,
		},
		{
			name:   "space in ssl certificate",
			config: `{"rule":{"http":{"network":"public","ssl":{"certificate":"/c.pem x","certificateKey":"/k.pem"},"locations":[{"path":"/","target":{"unix":"/s"}}]}}}`,
		},
		{
			name:   "semicolon in stream uri",
			config: `{"rule":{"stream":[{"network":"public","protocol":"tcp","port":1,"target":{"uri":{"uri":"tcp://db:5432;"}}}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(tt.config))
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestParse_NormalisesProtocol(t *testing.T) {
	rule, err := Parse(json.RawMessage(`{"rule":{"stream":[{"network":"public","protocol":"UDP","port":53,"target":{"uri":{"uri":"udp://1.1.1.1:53"}}}]}}`))
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, rule.Rule.Stream[0].Protocol)
	assert.Equal(t, ConfStream, rule.Rule.Kind())
}

func TestFromResource(t *testing.T) {
	proxyRule := &types.Entity{Key: "r1.global", Version: &types.Version{
		Payload: json.RawMessage(`{"kind":"proxyrule","config":{"rule":{"http":{"network":"public","locations":[{"path":"/","target":{"uri":{"uri":"http://x"}}}]}}}}`),
	}}
	rule, err := FromResource(proxyRule)
	require.NoError(t, err)
	assert.Equal(t, ConfSite, rule.Rule.Kind())

	other := &types.Entity{Key: "dns.global", Version: &types.Version{
		Payload: json.RawMessage(`{"kind":"DnsRule","config":{}}`),
	}}
	_, err = FromResource(other)
	assert.ErrorIs(t, err, ErrNotProxyRule)
}

func TestCargoKeys(t *testing.T) {
	rule, err := Parse(json.RawMessage(`{
		"watch": ["worker.global"],
		"rule": {"http": {"network": "public", "locations": [
			{"path": "/", "target": {"cargo": {"key": "web.global", "port": 80}}},
			{"path": "/api", "target": {"cargo": {"key": "api.global", "port": 8080}}},
			{"path": "/v2", "target": {"cargo": {"key": "api.global", "port": 8081}}}
		]}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"api.global", "web.global", "worker.global"}, rule.CargoKeys())
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in        string
		want      Network
		namespace string
		wantErr   bool
	}{
		{in: "Public", want: NetworkPublic},
		{in: "private", want: NetworkPrivate},
		{in: "INTERNAL", want: NetworkInternal},
		{in: "namespace:prod", want: NetworkPrivate, namespace: "prod"},
		{in: "namespace:", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ns, err := ParseNetwork(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.namespace, ns)
		})
	}
}

func TestRedirectCode(t *testing.T) {
	assert.Equal(t, 301, RedirectMovedPermanently.Code())
	assert.Equal(t, 308, RedirectPermanentRedirect.Code())
	assert.Equal(t, 307, RedirectTemporaryRedirect.Code())
	assert.Equal(t, 0, Redirect("Found").Code())
}
