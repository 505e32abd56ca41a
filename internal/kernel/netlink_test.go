package kernel

import (
	"net"
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"rpld-go/internal/prefix"
)

type fakeHandle struct {
	dump    []netlink.Route
	dumpErr error
	added   []*netlink.Route
	deleted []*netlink.Route
	err     error
}

func (f *fakeHandle) RouteListFiltered(family int, filter *netlink.Route,
	mask uint64) ([]netlink.Route, error) {

	if family != netlink.FAMILY_V6 || filter.Table != unix.RT_TABLE_MAIN ||
		mask != netlink.RT_FILTER_TABLE {
		return nil, errors.New("unexpected filter")
	}
	return f.dump, f.dumpErr
}

func (f *fakeHandle) RouteAdd(r *netlink.Route) error {
	f.added = append(f.added, r)
	return f.err
}

func (f *fakeHandle) RouteDel(r *netlink.Route) error {
	f.deleted = append(f.deleted, r)
	return f.err
}

func cidr(t *testing.T, s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestNetlinkCreate(t *testing.T) {
	h := &fakeHandle{}
	n := newNetlink(h, 0, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, ProtoRPL, n.Protocol())

	err := n.Create(Route{
		Dst:       prefix.MustParse("2001:db8::1/128"),
		NextHop:   netip.MustParseAddr("fe80::1"),
		LinkIndex: 3,
		Metric:    10,
	})
	require.NoError(t, err)
	require.Len(t, h.added, 1)
	r := h.added[0]
	assert.Equal(t, "2001:db8::1/128", r.Dst.String())
	assert.True(t, r.Gw.Equal(net.ParseIP("fe80::1")))
	assert.Equal(t, 3, r.LinkIndex)
	assert.Equal(t, 10, r.Priority)
	assert.Equal(t, netlink.RouteProtocol(ProtoRPL), r.Protocol)
	assert.Equal(t, unix.RT_TABLE_MAIN, r.Table)
	assert.Equal(t, unix.RTN_UNICAST, r.Type)
}

func TestNetlinkDeleteMasksDestination(t *testing.T) {
	h := &fakeHandle{}
	n := newNetlink(h, 42, zaptest.NewLogger(t).Sugar())

	err := n.Delete(Route{Dst: prefix.MustParse("2001:db8::1/64"), LinkIndex: 3})
	require.NoError(t, err)
	require.Len(t, h.deleted, 1)
	r := h.deleted[0]
	assert.Equal(t, "2001:db8::/64", r.Dst.String())
	assert.Nil(t, r.Gw)
	assert.Zero(t, r.Protocol)

	err = n.Delete(Route{
		Dst:       prefix.MustParse("2001:db8::1/128"),
		NextHop:   netip.MustParseAddr("fe80::1"),
		LinkIndex: 3,
		Metric:    7,
	})
	require.NoError(t, err)
	require.Len(t, h.deleted, 2)
	assert.Equal(t, "fe80::1", h.deleted[1].Gw.String())
	assert.Equal(t, 7, h.deleted[1].Priority)
}

func TestNetlinkErrors(t *testing.T) {
	h := &fakeHandle{err: unix.EEXIST, dumpErr: unix.EPERM}
	n := newNetlink(h, 0, zaptest.NewLogger(t).Sugar())
	dst := prefix.MustParse("2001:db8::/32")

	err := n.Create(Route{Dst: dst})
	assert.ErrorIs(t, err, unix.EEXIST)
	err = n.Delete(Route{Dst: dst})
	assert.ErrorIs(t, err, unix.EEXIST)
	_, err = n.Routes()
	assert.ErrorIs(t, err, unix.EPERM)
}

func TestNetlinkRoutes(t *testing.T) {
	h := &fakeHandle{dump: []netlink.Route{
		{
			Family:    netlink.FAMILY_V6,
			Dst:       cidr(t, "2001:db8:1::/48"),
			Gw:        net.ParseIP("fe80::2"),
			LinkIndex: 3,
			Priority:  1024,
			Protocol:  unix.RTPROT_STATIC,
		},
		{
			// Default route.
			Family:    netlink.FAMILY_V6,
			Gw:        net.ParseIP("fe80::1"),
			LinkIndex: 2,
			Protocol:  unix.RTPROT_RA,
		},
		{
			Family:   netlink.FAMILY_V6,
			Dst:      cidr(t, "2001:db8::5/128"),
			Protocol: ProtoRPL,
			Flags:    unix.RTM_F_CLONED,
		},
		{
			Family: netlink.FAMILY_V4,
			Dst:    cidr(t, "192.0.2.0/24"),
		},
		{
			Family: netlink.FAMILY_V6,
			Dst:    cidr(t, "2001:db8:2::/48"),
			Gw:     net.ParseIP("192.0.2.1").To4(),
		},
	}}
	n := newNetlink(h, 0, zaptest.NewLogger(t).Sugar())

	routes, err := n.Routes()
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, Route{
		Dst:       prefix.MustParse("2001:db8:1::/48"),
		NextHop:   netip.MustParseAddr("fe80::2"),
		LinkIndex: 3,
		Metric:    1024,
		Protocol:  unix.RTPROT_STATIC,
	}, routes[0])
	assert.Equal(t, "::/0", routes[1].Dst.String())
	assert.Equal(t, netip.MustParseAddr("fe80::1"), routes[1].NextHop)
}

func TestProtectFuncs(t *testing.T) {
	static := Route{Protocol: unix.RTPROT_STATIC}
	own := Route{Protocol: ProtoRPL}

	foreign := ForeignProtocol(ProtoRPL)
	assert.True(t, foreign(static))
	assert.False(t, foreign(own))

	only := Protocols(unix.RTPROT_BOOT)
	assert.False(t, only(static))
	assert.True(t, only(Route{Protocol: unix.RTPROT_BOOT}))
}
