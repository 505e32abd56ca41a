package main

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"rpld-go/internal/kernel"
	"rpld-go/internal/mesh"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func cidr(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
loglevel: verbose
interface: wpan0
prefix: "2001:db8:1::1"
dagid: "2001:db8:1::"
metric: 3
protocol: 99
protected-protocols: [4]
routes-file: /tmp/routes.yaml
mesh-capacity: 32
poll-interval: 2s
forwarding: true
metrics-addr: "127.0.0.1:9464"
route:
  allow: ["2001:db8::/32"]
  blacklist: ["2001:db8:bad::/48"]
nexthops:
  allow: ["fe80::/10"]
  blacklist: ["fe80::666/128"]
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "verbose", c.LogLevel)
	assert.Equal(t, "wpan0", c.Interface)
	assert.Equal(t, netip.MustParseAddr("2001:db8:1::1"), c.prefix)
	assert.Equal(t, netip.MustParseAddr("2001:db8:1::"), c.dagID)
	assert.Equal(t, uint32(3), c.Metric)
	assert.Equal(t, 99, c.Protocol)
	assert.Equal(t, "/tmp/routes.yaml", c.RoutesFile)
	assert.Equal(t, 32, c.MeshCapacity)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.True(t, c.Forwarding)
	assert.Equal(t, "127.0.0.1:9464", c.MetricsAddr)

	protect := c.Protect()
	require.NotNil(t, protect)
	assert.True(t, protect(kernel.Route{Protocol: 4}))
	assert.False(t, protect(kernel.Route{Protocol: unix.RTPROT_BOOT}))
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, "interface: eth0\n"))
	require.NoError(t, err)
	assert.Equal(t, "normal", c.LogLevel)
	assert.Equal(t, kernel.ProtoRPL, c.Protocol)
	assert.Equal(t, defaultRoutesFile, c.RoutesFile)
	assert.Equal(t, mesh.DefaultCapacity, c.MeshCapacity)
	assert.Equal(t, defaultPollInterval, c.PollInterval)
	assert.False(t, c.prefix.IsValid())
	assert.Nil(t, c.Protect())

	c, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().RoutesFile, c.RoutesFile)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":           "interface: [",
		"prefix":           `prefix: "not-an-address"`,
		"ipv4 dagid":       `dagid: "192.0.2.1"`,
		"route cidr":       "route:\n  allow: [\"2001:db8::/200\"]\n",
		"nexthop cidr":     "nexthops:\n  blacklist: [\"fe80::1\"]\n",
		"protocol":         "protocol: 300",
		"own is protected": "protocol: 20\nprotected-protocols: [20]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMatchesRoute(t *testing.T) {
	c := DefaultConfig()
	c.Route = &FilterConfig{
		Allow:     []string{"2001:db8::/32"},
		Blacklist: []string{"2001:db8:bad::/48"},
	}
	require.NoError(t, c.parse())

	tests := []struct {
		route string
		want  bool
	}{
		{"2001:db8:1::/64", true},
		{"2001:db8::1/128", true},
		{"2001::/16", false}, // covers the blacklisted network
		{"2001:db9::/32", false},
		{"2001:db8:bad::/64", false},
		{"2001:db8:bad:1::1/128", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, c.MatchesRoute(cidr(t, tc.route)), tc.route)
	}

	assert.True(t, DefaultConfig().MatchesRoute(cidr(t, "2001:db9::/32")), "no lists accept everything")
}

func TestNextHopFilter(t *testing.T) {
	c := DefaultConfig()
	c.NextHops = &FilterConfig{
		Allow:     []string{"fe80::/10"},
		Blacklist: []string{"fe80::666/128"},
	}
	require.NoError(t, c.parse())

	assert.True(t, c.IsNextHopAllowed(net.ParseIP("fe80::1")))
	assert.False(t, c.IsNextHopAllowed(net.ParseIP("fe80::666")))
	assert.True(t, c.IsNextHopBlacklisted(net.ParseIP("fe80::666")))
	assert.False(t, c.IsNextHopAllowed(net.ParseIP("2001:db8::1")))
}

func TestFlagsOverrideConfig(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
interface: eth0
prefix: "2001:db8:1::1"
routes-file: /tmp/a.yaml
`))
	require.NoError(t, err)

	var f flags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{
		"-i", "wpan0", "-d", "2001:db8:2::", "-r", "7", "-vv",
	}))
	require.NoError(t, f.apply(fs, c))

	assert.Equal(t, "wpan0", c.Interface)
	assert.Equal(t, "verbose", c.LogLevel)
	assert.Equal(t, netip.MustParseAddr("2001:db8:1::1"), c.prefix, "unset flags keep the file value")
	assert.Equal(t, netip.MustParseAddr("2001:db8:2::"), c.dagID)
	assert.Equal(t, uint32(7), c.Metric)
	assert.Equal(t, "/tmp/a.yaml", c.RoutesFile)

	require.NoError(t, fs.Parse([]string{"-p", "bogus"}))
	assert.Error(t, f.apply(fs, c))
}
