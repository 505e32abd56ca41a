package main

import (
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"rpld-go/internal/kernel"
	"rpld-go/internal/mesh"
)

const (
	defaultRoutesFile   = "/run/rpld/routes.yaml"
	defaultPollInterval = 5 * time.Second
)

type Config struct {
	LogLevel  string `yaml:"loglevel"`
	Interface string `yaml:"interface"`
	Prefix    string `yaml:"prefix"`
	DAGID     string `yaml:"dagid"`
	// Metric is the rank, installed for mesh routes with a zero metric.
	Metric uint32 `yaml:"metric"`

	Protocol           int   `yaml:"protocol"`
	ProtectedProtocols []int `yaml:"protected-protocols"`

	RoutesFile   string        `yaml:"routes-file"`
	MeshCapacity int           `yaml:"mesh-capacity"`
	PollInterval time.Duration `yaml:"poll-interval"`
	Forwarding   bool          `yaml:"forwarding"`
	MetricsAddr  string        `yaml:"metrics-addr"`

	Route    *FilterConfig `yaml:"route"`
	NextHops *FilterConfig `yaml:"nexthops"`

	// Parsed values
	prefix           netip.Addr
	dagID            netip.Addr
	routeAllowed     []*net.IPNet
	routeBlacklisted []*net.IPNet
	hopAllowed       []*net.IPNet
	hopBlacklisted   []*net.IPNet
}

type FilterConfig struct {
	Allow     []string `yaml:"allow"`
	Blacklist []string `yaml:"blacklist"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "normal",
		Protocol:     kernel.ProtoRPL,
		RoutesFile:   defaultRoutesFile,
		MeshCapacity: mesh.DefaultCapacity,
		PollInterval: defaultPollInterval,
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, config.parse()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := config.parse(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return config, nil
}

// parse validates the textual fields and fills the parsed values. It must
// be called again after fields are changed.
func (c *Config) parse() error {
	if c.Protocol == 0 {
		c.Protocol = kernel.ProtoRPL
	}
	if c.Protocol < 0 || c.Protocol > 255 {
		return errors.Errorf("protocol %d out of range", c.Protocol)
	}
	for _, p := range c.ProtectedProtocols {
		if p == c.Protocol {
			return errors.Errorf("protocol %d is both own and protected", p)
		}
	}
	if c.MeshCapacity <= 0 {
		c.MeshCapacity = mesh.DefaultCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	var err error
	if c.prefix, err = parseAddr(c.Prefix); err != nil {
		return errors.Wrap(err, "prefix")
	}
	if c.dagID, err = parseAddr(c.DAGID); err != nil {
		return errors.Wrap(err, "dagid")
	}

	c.routeAllowed, c.routeBlacklisted = nil, nil
	if c.Route != nil {
		if c.routeAllowed, err = parseNets(c.Route.Allow); err != nil {
			return errors.Wrap(err, "route allow")
		}
		if c.routeBlacklisted, err = parseNets(c.Route.Blacklist); err != nil {
			return errors.Wrap(err, "route blacklist")
		}
	}
	c.hopAllowed, c.hopBlacklisted = nil, nil
	if c.NextHops != nil {
		if c.hopAllowed, err = parseNets(c.NextHops.Allow); err != nil {
			return errors.Wrap(err, "nexthops allow")
		}
		if c.hopBlacklisted, err = parseNets(c.NextHops.Blacklist); err != nil {
			return errors.Wrap(err, "nexthops blacklist")
		}
	}
	return nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is6() || a.Is4In6() {
		return netip.Addr{}, errors.Errorf("%s is not an IPv6 address", s)
	}
	return a, nil
}

func parseNets(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, s := range cidrs {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// Check if a route destination matches configured networks
func (c *Config) MatchesRoute(routeNet *net.IPNet) bool {
	// Blacklist wins over allow
	for _, blacklistNet := range c.routeBlacklisted {
		if blacklistNet.Contains(routeNet.IP) || routeNet.Contains(blacklistNet.IP) {
			return false
		}
	}

	// No allowed routes means all
	if len(c.routeAllowed) == 0 {
		return true
	}

	for _, allowedNet := range c.routeAllowed {
		if allowedNet.Contains(routeNet.IP) || routeNet.Contains(allowedNet.IP) {
			return true
		}
	}
	return false
}

// Check if a next hop is allowed
func (c *Config) IsNextHopAllowed(hop net.IP) bool {
	if c.IsNextHopBlacklisted(hop) {
		return false
	}
	if len(c.hopAllowed) == 0 {
		return true
	}
	for _, allowedNet := range c.hopAllowed {
		if allowedNet.Contains(hop) {
			return true
		}
	}
	return false
}

// Check if a next hop is blacklisted
func (c *Config) IsNextHopBlacklisted(hop net.IP) bool {
	for _, blacklistNet := range c.hopBlacklisted {
		if blacklistNet.Contains(hop) {
			return true
		}
	}
	return false
}

// Protect returns the predicate selecting kernel routes left alone, nil for
// the default of every foreign protocol.
func (c *Config) Protect() kernel.ProtectFunc {
	if len(c.ProtectedProtocols) == 0 {
		return nil
	}
	return kernel.Protocols(c.ProtectedProtocols...)
}
