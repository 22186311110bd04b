package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/CreepyPvP/nanocl/pkg/types"
)

// ResourceKind is the ResourceSpec kind whose config is a ProxyRule
const ResourceKind = "ProxyRule"

var (
	// ErrInvalidRule is returned when a ProxyRule config does not validate
	ErrInvalidRule = errors.New("invalid proxy rule")

	// ErrNotProxyRule is returned for resources of another kind
	ErrNotProxyRule = errors.New("resource is not a proxy rule")
)

// Network scopes a rule to the listen address of one network
type Network string

const (
	NetworkPublic   Network = "public"
	NetworkPrivate  Network = "private"
	NetworkInternal Network = "internal"

	// namespacePrefix scopes a rule to a namespace network ("namespace:prod")
	namespacePrefix = "namespace:"
)

// ParseNetwork validates a network name. Namespace networks are returned as
// NetworkPrivate together with the namespace they refer to.
func ParseNetwork(s string) (Network, string, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch Network(lower) {
	case NetworkPublic, NetworkPrivate, NetworkInternal:
		return Network(lower), "", nil
	}
	if strings.HasPrefix(lower, namespacePrefix) {
		ns := strings.TrimSpace(s)[len(namespacePrefix):]
		if ns == "" {
			return "", "", fmt.Errorf("network %q: empty namespace: %w", s, ErrInvalidRule)
		}
		return NetworkPrivate, ns, nil
	}
	return "", "", fmt.Errorf("unknown network %q: %w", s, ErrInvalidRule)
}

// SSLConfig points at certificate files readable by the gateway
type SSLConfig struct {
	Certificate    string `json:"certificate" yaml:"certificate"`
	CertificateKey string `json:"certificateKey" yaml:"certificateKey"`
	DHParam        string `json:"dhParam,omitempty" yaml:"dhParam,omitempty"`
}

// CargoTarget routes to a port of a cargo, resolved at projection time
type CargoTarget struct {
	Key  string `json:"key" yaml:"key"`
	Port uint16 `json:"port" yaml:"port"`
}

// Redirect selects the status code of an HTTP redirect
type Redirect string

const (
	RedirectMovedPermanently  Redirect = "MovedPermanently"
	RedirectPermanentRedirect Redirect = "PermanentRedirect"
	RedirectTemporaryRedirect Redirect = "TemporaryRedirect"
)

// Code returns the HTTP status code of the redirect, 0 if unknown
func (r Redirect) Code() int {
	switch Redirect(strings.ToLower(string(r))) {
	case "movedpermanently", "301":
		return 301
	case "permanentredirect", "308":
		return 308
	case "temporaryredirect", "307":
		return 307
	default:
		return 0
	}
}

// HttpTarget proxies or redirects to a URL
type HttpTarget struct {
	URL      string   `json:"url" yaml:"url"`
	Redirect Redirect `json:"redirect,omitempty" yaml:"redirect,omitempty"`
}

// UriTarget proxies to a fixed address
type UriTarget struct {
	URI string `json:"uri" yaml:"uri"`
}

// LocationTarget is the destination of an HTTP location; exactly one field is set
type LocationTarget struct {
	Cargo *CargoTarget `json:"cargo,omitempty" yaml:"cargo,omitempty"`
	Http  *HttpTarget  `json:"http,omitempty" yaml:"http,omitempty"`
	Uri   *UriTarget   `json:"uri,omitempty" yaml:"uri,omitempty"`
	Unix  string       `json:"unix,omitempty" yaml:"unix,omitempty"`
}

func (t LocationTarget) count() int {
	n := 0
	if t.Cargo != nil {
		n++
	}
	if t.Http != nil {
		n++
	}
	if t.Uri != nil {
		n++
	}
	if t.Unix != "" {
		n++
	}
	return n
}

// Location maps a path prefix to a target
type Location struct {
	Path   string         `json:"path" yaml:"path"`
	Target LocationTarget `json:"target" yaml:"target"`
}

// HttpRule renders to one nginx server block in a site file
type HttpRule struct {
	Domain    string     `json:"domain,omitempty" yaml:"domain,omitempty"`
	Network   string     `json:"network" yaml:"network"`
	Locations []Location `json:"locations" yaml:"locations"`
	SSL       *SSLConfig `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	Includes  []string   `json:"includes,omitempty" yaml:"includes,omitempty"`
}

// Protocol of a stream rule
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// StreamTarget is the destination of a stream rule; exactly one field is set
type StreamTarget struct {
	Cargo *CargoTarget `json:"cargo,omitempty" yaml:"cargo,omitempty"`
	Uri   *UriTarget   `json:"uri,omitempty" yaml:"uri,omitempty"`
	Unix  string       `json:"unix,omitempty" yaml:"unix,omitempty"`
}

func (t StreamTarget) count() int {
	n := 0
	if t.Cargo != nil {
		n++
	}
	if t.Uri != nil {
		n++
	}
	if t.Unix != "" {
		n++
	}
	return n
}

// StreamRule renders to one nginx stream server block
type StreamRule struct {
	Network  string       `json:"network" yaml:"network"`
	Protocol Protocol     `json:"protocol" yaml:"protocol"`
	Port     uint16       `json:"port" yaml:"port"`
	SSL      *SSLConfig   `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	Target   StreamTarget `json:"target" yaml:"target"`
}

// Rule is either an HTTP rule or a list of stream rules
type Rule struct {
	Http   *HttpRule    `json:"http,omitempty" yaml:"http,omitempty"`
	Stream []StreamRule `json:"stream,omitempty" yaml:"stream,omitempty"`
}

// ConfKind is the kind of gateway file a rule renders to
type ConfKind string

const (
	ConfSite   ConfKind = "site"
	ConfStream ConfKind = "stream"
)

// Kind returns the gateway file kind of the rule
func (r *Rule) Kind() ConfKind {
	if r.Http != nil {
		return ConfSite
	}
	return ConfStream
}

// ResourceRule is the config of a ProxyRule resource
type ResourceRule struct {
	// Watch lists cargo keys whose changes must re-render this rule in
	// addition to the cargoes targeted by the rule itself
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty"`
	Rule  Rule     `json:"rule" yaml:"rule"`
}

// Parse decodes and validates a ProxyRule resource config
func Parse(config json.RawMessage) (*ResourceRule, error) {
	if len(bytes.TrimSpace(config)) == 0 || bytes.Equal(bytes.TrimSpace(config), []byte("null")) {
		return nil, fmt.Errorf("empty config: %w", ErrInvalidRule)
	}

	dec := json.NewDecoder(bytes.NewReader(config))
	dec.DisallowUnknownFields()

	var rule ResourceRule
	if err := dec.Decode(&rule); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// FromResource extracts the rule of a resource entity's head version
func FromResource(entity *types.Entity) (*ResourceRule, error) {
	spec, err := types.DecodePayload[types.ResourceSpec](entity.Version)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %v: %w", entity.Key, err, ErrInvalidRule)
	}
	if !IsProxyRule(spec) {
		return nil, fmt.Errorf("resource %s has kind %q: %w", entity.Key, spec.Kind, ErrNotProxyRule)
	}
	rule, err := Parse(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", entity.Key, err)
	}
	return rule, nil
}

// IsProxyRule reports whether a resource spec carries a ProxyRule
func IsProxyRule(spec types.ResourceSpec) bool {
	return strings.EqualFold(spec.Kind, ResourceKind)
}

// Validate checks the rule and normalises case-insensitive enums
func (r *ResourceRule) Validate() error {
	for _, key := range r.Watch {
		if _, _, ok := types.SplitKey(key); !ok {
			return fmt.Errorf("watch: invalid cargo key %q: %w", key, ErrInvalidRule)
		}
	}

	rule := &r.Rule
	switch {
	case rule.Http != nil && len(rule.Stream) > 0:
		return fmt.Errorf("rule must be either http or stream, not both: %w", ErrInvalidRule)
	case rule.Http != nil:
		return rule.Http.validate()
	case len(rule.Stream) > 0:
		for i := range rule.Stream {
			if err := rule.Stream[i].validate(); err != nil {
				return fmt.Errorf("stream[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("rule needs an http rule or at least one stream: %w", ErrInvalidRule)
	}
}

// nginxSpecial are characters that end or open a directive or block
const nginxSpecial = "{};\"'\\#"

// checkToken rejects values that would escape the directive they are
// rendered into: whitespace, control characters and nginx block syntax
func checkToken(field, value string) error {
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(nginxSpecial, r) {
			return fmt.Errorf("%s %q contains %q: %w", field, value, r, ErrInvalidRule)
		}
	}
	return nil
}

func (h *HttpRule) validate() error {
	if _, _, err := ParseNetwork(h.Network); err != nil {
		return err
	}
	if err := checkToken("domain", h.Domain); err != nil {
		return err
	}
	for i, inc := range h.Includes {
		if inc == "" {
			return fmt.Errorf("includes[%d]: empty file: %w", i, ErrInvalidRule)
		}
		if err := checkToken(fmt.Sprintf("includes[%d]", i), inc); err != nil {
			return err
		}
	}
	if len(h.Locations) == 0 {
		return fmt.Errorf("http rule needs at least one location: %w", ErrInvalidRule)
	}
	if err := h.SSL.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(h.Locations))
	for i, loc := range h.Locations {
		if !strings.HasPrefix(loc.Path, "/") {
			return fmt.Errorf("location[%d]: path %q must start with /: %w", i, loc.Path, ErrInvalidRule)
		}
		if err := checkToken(fmt.Sprintf("location[%d]: path", i), loc.Path); err != nil {
			return err
		}
		if seen[loc.Path] {
			return fmt.Errorf("location[%d]: duplicate path %q: %w", i, loc.Path, ErrInvalidRule)
		}
		seen[loc.Path] = true

		t := loc.Target
		if t.count() != 1 {
			return fmt.Errorf("location[%d]: exactly one target is required: %w", i, ErrInvalidRule)
		}
		switch {
		case t.Cargo != nil:
			if err := t.Cargo.validate(); err != nil {
				return fmt.Errorf("location[%d]: %w", i, err)
			}
		case t.Http != nil:
			if t.Http.URL == "" {
				return fmt.Errorf("location[%d]: http target needs a url: %w", i, ErrInvalidRule)
			}
			if t.Http.Redirect != "" && t.Http.Redirect.Code() == 0 {
				return fmt.Errorf("location[%d]: unknown redirect %q: %w", i, t.Http.Redirect, ErrInvalidRule)
			}
			if err := checkToken(fmt.Sprintf("location[%d]: url", i), t.Http.URL); err != nil {
				return err
			}
		case t.Uri != nil:
			if t.Uri.URI == "" {
				return fmt.Errorf("location[%d]: uri target needs a uri: %w", i, ErrInvalidRule)
			}
			if err := checkToken(fmt.Sprintf("location[%d]: uri", i), t.Uri.URI); err != nil {
				return err
			}
		default:
			if err := checkToken(fmt.Sprintf("location[%d]: unix", i), t.Unix); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StreamRule) validate() error {
	if _, _, err := ParseNetwork(s.Network); err != nil {
		return err
	}
	s.Protocol = Protocol(strings.ToLower(string(s.Protocol)))
	if s.Protocol != ProtocolTCP && s.Protocol != ProtocolUDP {
		return fmt.Errorf("unknown protocol %q: %w", s.Protocol, ErrInvalidRule)
	}
	if s.Port == 0 {
		return fmt.Errorf("port is required: %w", ErrInvalidRule)
	}
	if err := s.SSL.validate(); err != nil {
		return err
	}
	if s.Target.count() != 1 {
		return fmt.Errorf("exactly one target is required: %w", ErrInvalidRule)
	}
	switch {
	case s.Target.Cargo != nil:
		return s.Target.Cargo.validate()
	case s.Target.Uri != nil:
		if s.Target.Uri.URI == "" {
			return fmt.Errorf("uri target needs a uri: %w", ErrInvalidRule)
		}
		return checkToken("uri", s.Target.Uri.URI)
	default:
		return checkToken("unix", s.Target.Unix)
	}
}

func (c *CargoTarget) validate() error {
	if _, _, ok := types.SplitKey(c.Key); !ok {
		return fmt.Errorf("invalid cargo key %q: %w", c.Key, ErrInvalidRule)
	}
	if c.Port == 0 {
		return fmt.Errorf("cargo %s: port is required: %w", c.Key, ErrInvalidRule)
	}
	return checkToken("cargo key", c.Key)
}

func (s *SSLConfig) validate() error {
	if s == nil {
		return nil
	}
	if s.Certificate == "" || s.CertificateKey == "" {
		return fmt.Errorf("ssl needs certificate and certificateKey: %w", ErrInvalidRule)
	}
	if err := checkToken("ssl certificate", s.Certificate); err != nil {
		return err
	}
	if err := checkToken("ssl certificateKey", s.CertificateKey); err != nil {
		return err
	}
	return checkToken("ssl dhParam", s.DHParam)
}

// CargoKeys returns the sorted set of cargo keys the rule depends on
func (r *ResourceRule) CargoKeys() []string {
	set := make(map[string]struct{})
	for _, key := range r.Watch {
		set[key] = struct{}{}
	}
	if r.Rule.Http != nil {
		for _, loc := range r.Rule.Http.Locations {
			if loc.Target.Cargo != nil {
				set[loc.Target.Cargo.Key] = struct{}{}
			}
		}
	}
	for _, s := range r.Rule.Stream {
		if s.Target.Cargo != nil {
			set[s.Target.Cargo.Key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
