// Package config loads the YAML configuration file describing the TUN
// device, the set of intercepted services, and the overlay upstream each
// service bridges through, grounded on the predecessor's internal/config.go
// LoadConfig (same os.ReadFile + yaml.Unmarshal + defaulting-pass idiom,
// generalized from one fixed SOCKS5 listener/set of upstreams to a list of
// intercepted services).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tunneler/internal/addr"
	"tunneler/internal/intercept"
	"tunneler/internal/overlay"
)

// Config is the top-level document. Tun names the device this process owns;
// Intercepts enumerates every service whose traffic should be captured and
// bridged.
type Config struct {
	Tun        TunConfig        `yaml:"tun"`
	Intercepts []InterceptEntry `yaml:"intercepts"`
}

type TunConfig struct {
	Device string `yaml:"device"`
	MTU    int    `yaml:"mtu"`

	// LocalAddresses are assigned to the device before routing begins
	// (spec §4.1 add_local_address).
	LocalAddresses []string `yaml:"local_addresses"`
	// Routes are CIDRs routed onto the device (spec §4.1 add_route).
	Routes []string `yaml:"routes"`
	// ExcludeRoutes are destinations (IP or hostname) passed to
	// Context.ExcludeRoute at startup. The TUN driver only resolves them;
	// no route is installed, so they are not carved out of the device's
	// routes.
	ExcludeRoutes []string `yaml:"exclude_routes"`

	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`

	// Fwmark is applied to every overlay upstream socket unless an intercept
	// entry's own overlay.fwmark overrides it, so the overlay's outbound
	// connection can be routed around the device's own routes (Linux only).
	Fwmark uint32 `yaml:"fwmark"`
}

// InterceptEntry is one (service, match criteria, overlay upstream) tuple.
type InterceptEntry struct {
	ServiceID string   `yaml:"service_id"`
	Protocols []string `yaml:"protocols"`
	Addresses []string `yaml:"addresses"`
	// PortRanges is a list of "port" or "low-high" strings.
	PortRanges []string `yaml:"port_ranges"`

	Overlay overlay.Config `yaml:"overlay"`
}

// Load reads and validates the document at path, applying the same kind of
// defaulting pass the predecessor's LoadConfig performs.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1500
	}
	if c.Tun.Device == "" {
		c.Tun.Device = "tun0"
	}
	if c.Tun.UDPIdleTimeout == 0 {
		c.Tun.UDPIdleTimeout = 60 * time.Second
	}
	for i := range c.Intercepts {
		ic := &c.Intercepts[i]
		if ic.ServiceID == "" {
			// Stable, collision-resistant service_id for ad hoc intercepts
			// that don't name one explicitly, replacing the predecessor's
			// ad hoc string-concatenation identifiers.
			ic.ServiceID = "svc-" + uuid.NewString()
		}
		if len(ic.Protocols) == 0 {
			ic.Protocols = []string{"tcp", "udp"}
		}
		if ic.Overlay.Cipher == "" {
			ic.Overlay.Cipher = "AEAD_CHACHA20_POLY1305"
		}
		if ic.Overlay.DialTimeout == 0 {
			ic.Overlay.DialTimeout = 10 * time.Second
		}
		if ic.Overlay.Mark == 0 {
			ic.Overlay.Mark = c.Tun.Fwmark
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Intercepts))
	for _, ic := range c.Intercepts {
		if seen[ic.ServiceID] {
			return fmt.Errorf("config: duplicate service_id %q", ic.ServiceID)
		}
		seen[ic.ServiceID] = true
		if ic.Overlay.StreamURL == "" {
			return fmt.Errorf("config: service %q: overlay.stream_url is required", ic.ServiceID)
		}
		if ic.Overlay.Secret == "" {
			return fmt.Errorf("config: service %q: overlay.secret is required", ic.ServiceID)
		}
	}
	return nil
}

// InterceptEntries converts every parsed InterceptEntry into an
// intercept.Entry, ready for registration. Handle defaults to ServiceID
// when the caller has no distinct application handle to assign.
func (c *Config) InterceptEntries() ([]intercept.Entry, error) {
	out := make([]intercept.Entry, 0, len(c.Intercepts))
	for _, ic := range c.Intercepts {
		entry, err := ic.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (ic InterceptEntry) toEntry() (intercept.Entry, error) {
	protos := make(map[intercept.Protocol]bool, len(ic.Protocols))
	for _, p := range ic.Protocols {
		switch p {
		case "tcp":
			protos[intercept.TCP] = true
		case "udp":
			protos[intercept.UDP] = true
		default:
			return intercept.Entry{}, fmt.Errorf("config: service %q: unsupported protocol %q", ic.ServiceID, p)
		}
	}

	addrs := make([]addr.Address, 0, len(ic.Addresses))
	for _, a := range ic.Addresses {
		parsed, err := addr.Parse(a)
		if err != nil {
			return intercept.Entry{}, fmt.Errorf("config: service %q: %w", ic.ServiceID, err)
		}
		addrs = append(addrs, parsed)
	}

	ranges := make([]addr.PortRange, 0, len(ic.PortRanges))
	for _, r := range ic.PortRanges {
		pr, err := parsePortRange(r)
		if err != nil {
			return intercept.Entry{}, fmt.Errorf("config: service %q: %w", ic.ServiceID, err)
		}
		ranges = append(ranges, pr)
	}

	return intercept.Entry{
		ServiceID:  ic.ServiceID,
		Handle:     ic.ServiceID,
		Protocols:  protos,
		Addresses:  addrs,
		PortRanges: ranges,
	}, nil
}

func parsePortRange(s string) (addr.PortRange, error) {
	var lo, hi uint16
	if n, err := fmt.Sscanf(s, "%d-%d", &lo, &hi); err == nil && n == 2 {
		return addr.NewPortRange(lo, hi), nil
	}
	var p uint16
	if n, err := fmt.Sscanf(s, "%d", &p); err == nil && n == 1 {
		return addr.NewPortRange(p, p), nil
	}
	return addr.PortRange{}, fmt.Errorf("invalid port range %q", s)
}
