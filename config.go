// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mittens holds the process configuration of the Mittens Wisp relay.
package mittens

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Scaratech/Mittens/pkg/audit"
	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/guard"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the environment configuration.
type Config struct {
	Host        string `env:"HOST"         envDefault:""`
	Port        string `env:"PORT"         envDefault:"8080"`
	Path        string `env:"WISP_PATH"    envDefault:""`
	UpstreamURL string `env:"UPSTREAM_URL" envDefault:"ws://127.0.0.1:6001/"`
	PolicyFile  string `env:"POLICY_FILE"  envDefault:""`
	CertFile    string `env:"CERT_FILE"    envDefault:""`
	KeyFile     string `env:"KEY_FILE"     envDefault:""`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`

	// Upstream
	HandshakeTimeout    time.Duration `env:"HANDSHAKE_TIMEOUT"     envDefault:"10s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Rate Limiting
	UpgradeRate  float64 `env:"UPGRADE_RATE"  envDefault:"0"`
	UpgradeBurst int     `env:"UPGRADE_BURST" envDefault:"10"`
	StreamRate   float64 `env:"STREAM_RATE"   envDefault:"0"`
	StreamBurst  int     `env:"STREAM_BURST"  envDefault:"50"`

	MaxPending      int           `env:"MAX_PENDING"      envDefault:"256"`
	ReadLimit       int64         `env:"READ_LIMIT"       envDefault:"0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the environment with opts, typically
// env.Options{Prefix: "MITTENS_"}, and loads the TLS key pair when one is set.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		c.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	case c.CertFile != "" || c.KeyFile != "":
		return Config{}, errors.New("both CERT_FILE and KEY_FILE must be set for TLS")
	}
	return c, nil
}

// ApplyFile overrides the listen address and upstream with the values set in
// a policy file.
func (c *Config) ApplyFile(f *File) {
	if f.Host != "" {
		c.UpstreamURL = f.Host
	}
	if f.Bind != nil {
		if f.Bind.Host != "" {
			c.Host = f.Bind.Host
		}
		if f.Bind.Port != 0 {
			c.Port = strconv.Itoa(f.Bind.Port)
		}
	}
}

// File is the policy file. JSON files are accepted too.
type File struct {
	// Host is the upstream Wisp server URL.
	Host      string    `yaml:"host"`
	Bind      *Bind     `yaml:"bind"`
	Logging   Logging   `yaml:"logging"`
	Filtering Filtering `yaml:"filtering"`
	WispGuard WispGuard `yaml:"wispguard"`
}

type Bind struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the audit log.
type Logging struct {
	Enabled     bool     `yaml:"enabled"`
	LogIP       bool     `yaml:"log_ip"`
	TrustProxy  bool     `yaml:"trust_proxy"`
	ProxyHeader string   `yaml:"proxy_header"`
	LogType     string   `yaml:"log_type"`
	LogDir      string   `yaml:"log_dir"`
	LogActions  []string `yaml:"log_actions"`
}

// Filtering configures the connection filter. Unset fields keep the
// defaults of filter.DefaultPolicy.
type Filtering struct {
	Enabled    *bool     `yaml:"enabled"`
	TCP        *bool     `yaml:"tcp"`
	UDP        *bool     `yaml:"udp"`
	TLS        *bool     `yaml:"tls"`
	DirectIP   *bool     `yaml:"direct_ip"`
	PrivateIP  *bool     `yaml:"private_ip"`
	LoopbackIP *bool     `yaml:"loopback_ip"`
	Ports      *PortList `yaml:"ports"`
	Hosts      *List     `yaml:"hosts"`
	Timeout    Duration  `yaml:"resolve_timeout"`
}

// List is a whitelist or blacklist of strings.
type List struct {
	Type string   `yaml:"type"`
	List []string `yaml:"list"`
}

// PortList is a whitelist or blacklist of ports and inclusive [start, end]
// ranges.
type PortList struct {
	Type string      `yaml:"type"`
	List []PortEntry `yaml:"list"`
}

// PortEntry is a single port or a range.
type PortEntry struct {
	Start uint16
	End   uint16
}

// UnmarshalYAML accepts `443` and `[8000, 8999]`.
func (p *PortEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		port, err := parsePort(node.Value)
		if err != nil {
			return err
		}
		p.Start, p.End = port, port
		return nil
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: port range needs exactly two ports", node.Line)
		}
		start, err := parsePort(node.Content[0].Value)
		if err != nil {
			return err
		}
		end, err := parsePort(node.Content[1].Value)
		if err != nil {
			return err
		}
		p.Start, p.End = start, end
		return nil
	default:
		return fmt.Errorf("line %d: port must be a number or a [start, end] pair", node.Line)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// Duration reads Go duration strings such as "1500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// WispGuard configures the access guard.
type WispGuard struct {
	Enabled bool  `yaml:"enabled"`
	IP      *List `yaml:"ip"`
	UA      *List `yaml:"ua"`
}

// LoadFile reads a policy file. An empty path returns the defaults.
func LoadFile(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if f.Host != "" {
		if _, err := url.Parse(f.Host); err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", f.Host, err)
		}
	}
	return f, nil
}

// FilterPolicy converts the filtering section.
func (f *File) FilterPolicy() (filter.Policy, error) {
	s := f.Filtering
	p := filter.DefaultPolicy()

	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Enabled, s.Enabled)
	set(&p.AllowTCP, s.TCP)
	set(&p.AllowUDP, s.UDP)
	set(&p.AllowTLS, s.TLS)
	set(&p.AllowDirectIP, s.DirectIP)
	set(&p.AllowPrivateIP, s.PrivateIP)
	set(&p.AllowLoopbackIP, s.LoopbackIP)

	if s.Ports != nil {
		rule := &filter.PortRule{Type: filter.ListType(s.Ports.Type)}
		for _, e := range s.Ports.List {
			if e.Start == e.End {
				rule.Values = append(rule.Values, e.Start)
				continue
			}
			rule.Ranges = append(rule.Ranges, filter.PortRange{Start: e.Start, End: e.End})
		}
		p.Ports = rule
	}
	if s.Hosts != nil {
		p.Hosts = &filter.HostRule{
			Type:     filter.ListType(s.Hosts.Type),
			Patterns: s.Hosts.List,
		}
	}
	if s.Timeout > 0 {
		p.ResolveTimeout = time.Duration(s.Timeout)
	}

	if err := p.Validate(); err != nil {
		return filter.Policy{}, fmt.Errorf("filtering: %w", err)
	}
	return p, nil
}

// GuardPolicy converts the wispguard section.
func (f *File) GuardPolicy() guard.Policy {
	g := f.WispGuard
	p := guard.Policy{Enabled: g.Enabled}
	if g.IP != nil {
		p.IP = &guard.ListRule{Type: filter.ListType(g.IP.Type), Values: g.IP.List}
	}
	if g.UA != nil {
		p.UA = &guard.ListRule{Type: filter.ListType(g.UA.Type), Values: g.UA.List}
	}
	return p
}

// AuditConfig converts the logging section. A disabled section records
// nothing.
func (f *File) AuditConfig() audit.Config {
	if !f.Logging.Enabled {
		return audit.Config{}
	}
	return audit.Config{
		Actions: f.Logging.LogActions,
		LogIP:   f.Logging.LogIP,
	}
}
