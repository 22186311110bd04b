package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticResolver(addrs map[string]string) Resolver {
	return ResolverFunc(func(_ context.Context, key string) (string, error) {
		if addr, ok := addrs[key]; ok {
			return addr, nil
		}
		return "", errors.New("not found")
	})
}

func mustParse(t *testing.T, config string) *ResourceRule {
	t.Helper()
	rule, err := Parse(json.RawMessage(config))
	require.NoError(t, err)
	return rule
}

func TestRenderer_Site(t *testing.T) {
	renderer := NewRenderer(Listeners{Public: "0.0.0.0", Private: "10.0.0.1", Internal: "127.0.0.1"})

	rule := mustParse(t, `{"rule":{"http":{
		"domain": "example.com",
		"network": "public",
		"ssl": {"certificate": "/certs/c.pem", "certificateKey": "/certs/k.pem", "dhParam": "/certs/dh.pem"},
		"includes": ["/etc/nginx/extra.conf", "/etc/nginx/extra.conf"],
		"locations": [
			{"path": "/", "target": {"cargo": {"key": "web.global", "port": 8080}}},
			{"path": "/old", "target": {"http": {"url": "https://example.org", "redirect": "PermanentRedirect"}}},
			{"path": "/sock", "target": {"unix": "/run/app.sock"}},
			{"path": "/ext", "target": {"uri": {"uri": "http://x"}}}
		]
	}}}`)

	out, err := renderer.Render(context.Background(), "r1", rule, staticResolver(map[string]string{"web.global": "10.0.0.5"}))
	require.NoError(t, err)
	assert.Equal(t, ConfSite, out.Kind)
	assert.Empty(t, out.Unresolved)

	content := string(out.Content)
	for _, want := range []string{
		"listen 0.0.0.0:80;",
		"listen 0.0.0.0:443 ssl;",
		"server_name example.com;",
		"ssl_certificate /certs/c.pem;",
		"ssl_certificate_key /certs/k.pem;",
		"ssl_dhparam /certs/dh.pem;",
		"location / {",
		"proxy_pass http://10.0.0.5:8080;",
		"return 308 https://example.org;",
		"proxy_pass http://unix:/run/app.sock:;",
		"proxy_pass http://x;",
	} {
		assert.Contains(t, content, want)
	}
	assert.Equal(t, 1, strings.Count(content, "include /etc/nginx/extra.conf;"))
}

func TestRenderer_SiteUnresolvedCargo(t *testing.T) {
	renderer := NewRenderer(DefaultListeners())

	rule := mustParse(t, `{"rule":{"http":{"network":"namespace:prod","locations":[
		{"path": "/", "target": {"cargo": {"key": "missing.prod", "port": 80}}},
		{"path": "/ok", "target": {"uri": {"uri": "http://x"}}}
	]}}}`)

	out, err := renderer.Render(context.Background(), "r1", rule, staticResolver(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"missing.prod"}, out.Unresolved)

	content := string(out.Content)
	assert.Contains(t, content, "return 503; # unresolved cargo missing.prod")
	assert.Contains(t, content, "proxy_pass http://x;", "other locations still render")
	assert.Contains(t, content, "listen 127.0.0.1:80;")
	assert.Contains(t, content, "server_name _;")
}

func TestRenderer_Stream(t *testing.T) {
	renderer := NewRenderer(Listeners{Public: "0.0.0.0", Private: "10.0.0.1", Internal: "127.0.0.1"})

	rule := mustParse(t, `{"rule":{"stream":[
		{"network": "public", "protocol": "tcp", "port": 5432, "target": {"cargo": {"key": "db.global", "port": 5432}}},
		{"network": "internal", "protocol": "udp", "port": 53, "target": {"uri": {"uri": "udp://1.1.1.1:53"}}},
		{"network": "private", "protocol": "tcp", "port": 6379, "target": {"cargo": {"key": "cache.global", "port": 6379}}}
	]}}`)

	out, err := renderer.Render(context.Background(), "db", rule, staticResolver(map[string]string{"db.global": "10.0.0.7"}))
	require.NoError(t, err)
	assert.Equal(t, ConfStream, out.Kind)
	assert.Equal(t, []string{"cache.global"}, out.Unresolved)

	content := string(out.Content)
	assert.Contains(t, content, "  listen 0.0.0.0:5432;\n  proxy_pass 10.0.0.7:5432;")
	assert.Contains(t, content, "listen 127.0.0.1:53 udp;")
	assert.Contains(t, content, "proxy_pass 1.1.1.1:53;")
	assert.Contains(t, content, "# unresolved cargo cache.global\n# server {\n#   listen 10.0.0.1:6379;")
}

func TestRenderer_SiteIsOneBalancedBlock(t *testing.T) {
	renderer := NewRenderer(DefaultListeners())

	rule := mustParse(t, `{"rule":{"http":{
		"domain": "example.com",
		"network": "public",
		"locations": [
			{"path": "/api/v1", "target": {"uri": {"uri": "http://10.0.0.2:8080/$request_uri"}}},
			{"path": "/", "target": {"http": {"url": "https://example.org/?a=1&b=2"}}}
		]
	}}}`)

	out, err := renderer.Render(context.Background(), "r1.global", rule, staticResolver(nil))
	require.NoError(t, err)

	content := string(out.Content)
	assert.Equal(t, 1, strings.Count(content, "server {"))
	assert.Equal(t, strings.Count(content, "{"), strings.Count(content, "}"))
}

func TestRenderer_Deterministic(t *testing.T) {
	renderer := NewRenderer(DefaultListeners())
	rule := mustParse(t, `{"rule":{"http":{"network":"public","locations":[
		{"path": "/", "target": {"cargo": {"key": "web.global", "port": 80}}},
		{"path": "/b", "target": {"uri": {"uri": "http://b"}}}
	]}}}`)
	resolver := staticResolver(map[string]string{"web.global": "10.0.0.2"})

	first, err := renderer.Render(context.Background(), "r1", rule, resolver)
	require.NoError(t, err)
	second, err := renderer.Render(context.Background(), "r1", rule, resolver)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
}
