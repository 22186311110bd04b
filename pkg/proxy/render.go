package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// DefaultServerConf is written to conf.d/default.conf and answers requests
// that match no site
const DefaultServerConf = `server {
  listen 80 default_server;
  listen [::]:80 default_server ipv6only=on;
  server_name _ default_server;

  root /usr/share/nginx/html;
  try_files $uri $uri/ /index.html;
  error_page 502 /502.html;
  error_page 403 /403.html;
}
`

// Listeners maps networks to the address nginx listens on
type Listeners struct {
	Public   string `toml:"public"`
	Private  string `toml:"private"`
	Internal string `toml:"internal"`
}

// DefaultListeners listens on every interface for public rules and on
// loopback otherwise
func DefaultListeners() Listeners {
	return Listeners{
		Public:   "0.0.0.0",
		Private:  "127.0.0.1",
		Internal: "127.0.0.1",
	}
}

func (l Listeners) address(network string) (string, error) {
	n, _, err := ParseNetwork(network)
	if err != nil {
		return "", err
	}
	switch n {
	case NetworkPublic:
		return l.Public, nil
	case NetworkInternal:
		return l.Internal, nil
	default:
		return l.Private, nil
	}
}

// Resolver returns the runtime address of a cargo
type Resolver interface {
	ResolveCargo(ctx context.Context, key string) (string, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, key string) (string, error)

// ResolveCargo implements Resolver
func (f ResolverFunc) ResolveCargo(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// Rendered is the output of rendering one resource
type Rendered struct {
	Kind    ConfKind
	Content []byte
	// Unresolved lists cargo keys that were rendered disabled
	Unresolved []string
}

const siteTemplate = `# Managed by nanocl, resource {{ .Resource }}
server {
{{- range .Listen }}
  listen {{ . }};
{{- end }}
  server_name {{ .Domain | trim | default "_" }};
{{- with .SSL }}

  ssl_certificate {{ .Certificate }};
  ssl_certificate_key {{ .CertificateKey }};
{{- if .DHParam }}
  ssl_dhparam {{ .DHParam }};
{{- end }}
{{- end }}
{{- range .Includes }}
  include {{ . }};
{{- end }}
{{- range .Locations }}

  location {{ .Path }} {
{{- if .Unresolved }}
    return 503; # unresolved cargo {{ .Unresolved }}
{{- else if .Redirect }}
    return {{ .Redirect }} {{ .Pass }};
{{- else }}
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_pass {{ .Pass }};
{{- end }}
  }
{{- end }}
}
`

const streamTemplate = `server {
  listen {{ .Listen }}{{ if eq .Protocol "udp" }} udp{{ end }}{{ if .SSL }} ssl{{ end }};
{{- with .SSL }}
  ssl_certificate {{ .Certificate }};
  ssl_certificate_key {{ .CertificateKey }};
{{- if .DHParam }}
  ssl_dhparam {{ .DHParam }};
{{- end }}
{{- end }}
  proxy_pass {{ .Pass }};
}
`

type siteView struct {
	Resource  string
	Domain    string
	Listen    []string
	SSL       *SSLConfig
	Includes  []string
	Locations []locationView
}

type locationView struct {
	Path       string
	Pass       string
	Redirect   int
	Unresolved string
}

type streamView struct {
	Listen   string
	Protocol Protocol
	SSL      *SSLConfig
	Pass     string
}

// Renderer turns proxy rules into nginx configuration
type Renderer struct {
	listeners Listeners
	site      *template.Template
	stream    *template.Template
}

// NewRenderer creates a renderer using the given listen addresses
func NewRenderer(listeners Listeners) *Renderer {
	funcs := sprig.TxtFuncMap()
	return &Renderer{
		listeners: listeners,
		site:      template.Must(template.New("site").Funcs(funcs).Parse(siteTemplate)),
		stream:    template.Must(template.New("stream").Funcs(funcs).Parse(streamTemplate)),
	}
}

// Render renders the rule of one resource. Cargo targets that cannot be
// resolved are rendered disabled instead of failing the whole file.
func (r *Renderer) Render(ctx context.Context, resource string, rule *ResourceRule, resolver Resolver) (*Rendered, error) {
	if rule.Rule.Http != nil {
		return r.renderSite(ctx, resource, rule.Rule.Http, resolver)
	}
	return r.renderStreams(ctx, resource, rule.Rule.Stream, resolver)
}

func (r *Renderer) renderSite(ctx context.Context, resource string, rule *HttpRule, resolver Resolver) (*Rendered, error) {
	addr, err := r.listeners.address(rule.Network)
	if err != nil {
		return nil, err
	}

	view := siteView{
		Resource: resource,
		Domain:   rule.Domain,
		Listen:   []string{hostPort(addr, 80)},
		SSL:      rule.SSL,
		Includes: dedupe(rule.Includes),
	}
	if rule.SSL != nil {
		view.Listen = append(view.Listen, hostPort(addr, 443)+" ssl")
	}

	out := &Rendered{Kind: ConfSite}
	for _, loc := range rule.Locations {
		lv := locationView{Path: loc.Path}
		t := loc.Target
		switch {
		case t.Cargo != nil:
			host, err := resolver.ResolveCargo(ctx, t.Cargo.Key)
			if err != nil || host == "" {
				lv.Unresolved = t.Cargo.Key
				out.Unresolved = append(out.Unresolved, t.Cargo.Key)
				break
			}
			lv.Pass = "http://" + hostPort(host, t.Cargo.Port)
		case t.Http != nil:
			lv.Pass = t.Http.URL
			lv.Redirect = t.Http.Redirect.Code()
		case t.Uri != nil:
			lv.Pass = t.Uri.URI
		default:
			lv.Pass = "http://unix:" + t.Unix + ":"
		}
		view.Locations = append(view.Locations, lv)
	}

	var buf bytes.Buffer
	if err := r.site.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render site %s: %w", resource, err)
	}
	out.Content = buf.Bytes()
	return out, nil
}

func (r *Renderer) renderStreams(ctx context.Context, resource string, rules []StreamRule, resolver Resolver) (*Rendered, error) {
	out := &Rendered{Kind: ConfStream}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Managed by nanocl, resource %s\n", resource)

	for _, rule := range rules {
		addr, err := r.listeners.address(rule.Network)
		if err != nil {
			return nil, err
		}

		view := streamView{
			Listen:   hostPort(addr, rule.Port),
			Protocol: rule.Protocol,
			SSL:      rule.SSL,
		}

		unresolved := ""
		t := rule.Target
		switch {
		case t.Cargo != nil:
			host, err := resolver.ResolveCargo(ctx, t.Cargo.Key)
			if err != nil || host == "" {
				unresolved = t.Cargo.Key
				view.Pass = "0.0.0.0:" + strconv.Itoa(int(t.Cargo.Port))
				break
			}
			view.Pass = hostPort(host, t.Cargo.Port)
		case t.Uri != nil:
			view.Pass = streamAddress(t.Uri.URI)
		default:
			view.Pass = "unix:" + t.Unix
		}

		var block bytes.Buffer
		if err := r.stream.Execute(&block, view); err != nil {
			return nil, fmt.Errorf("failed to render stream %s: %w", resource, err)
		}

		if unresolved != "" {
			out.Unresolved = append(out.Unresolved, unresolved)
			fmt.Fprintf(&buf, "# unresolved cargo %s\n", unresolved)
			buf.WriteString(commentOut(block.String()))
			continue
		}
		buf.Write(block.Bytes())
	}

	out.Content = buf.Bytes()
	return out, nil
}

func hostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// streamAddress strips a scheme such as tcp:// since nginx stream
// proxy_pass expects host:port
func streamAddress(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Host
	}
	return uri
}

func commentOut(block string) string {
	lines := strings.Split(strings.TrimSuffix(block, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "# " + line
	}
	return strings.Join(lines, "\n") + "\n"
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
