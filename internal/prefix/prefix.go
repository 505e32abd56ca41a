// Package prefix implements the IPv6 prefix value type used as the key of
// the routing table.
package prefix

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// MaxByteLen is the size of the address payload.
	MaxByteLen = 16
	// MaxBitLen is the longest valid prefix length.
	MaxBitLen = 128
)

// Family is an address family tag. Only IPv6 is supported.
type Family uint8

// FamilyIPv6 matches the kernel's AF_INET6 so prefixes map onto rtnetlink
// messages without translation.
const FamilyIPv6 Family = unix.AF_INET6

var maskbit = [9]byte{0x00, 0x80, 0xc0, 0xe0, 0xf0, 0xf8, 0xfc, 0xfe, 0xff}

// Prefix is an address plus the number of significant leading bits.
//
// Bits beyond Len are not masked implicitly. Callers building a Prefix from
// an unmasked source must call ApplyMask (or use Masked) before using it as
// a table key.
type Prefix struct {
	Family Family
	Len    uint8
	Bits   [MaxByteLen]byte
}

// New returns an unmasked IPv6 prefix of length l over addr.
func New(addr netip.Addr, l int) (Prefix, error) {
	if !addr.Is6() || addr.Is4In6() {
		return Prefix{}, errors.Errorf("not an IPv6 address: %s", addr)
	}
	if l < 0 || l > MaxBitLen {
		return Prefix{}, errors.Errorf("invalid prefix length %d", l)
	}
	return Prefix{Family: FamilyIPv6, Len: uint8(l), Bits: addr.As16()}, nil
}

// FromAddr returns the host prefix (/128) of addr.
func FromAddr(addr netip.Addr) (Prefix, error) {
	return New(addr, MaxBitLen)
}

// FromIPNet converts a kernel style destination. The netmask is converted
// with MaskLen and the result is left unmasked.
func FromIPNet(n *net.IPNet) (Prefix, error) {
	if n == nil {
		return Prefix{}, errors.New("nil network")
	}
	ip := n.IP.To16()
	if ip == nil || n.IP.To4() != nil {
		return Prefix{}, errors.Errorf("not an IPv6 network: %s", n)
	}
	if len(n.Mask) != net.IPv6len {
		return Prefix{}, errors.Errorf("not an IPv6 netmask: %s", n.Mask)
	}
	addr, _ := netip.AddrFromSlice(ip)
	return New(addr, MaskLen(n.Mask))
}

// Parse parses "addr/len". Host bits are kept.
func Parse(s string) (Prefix, error) {
	np, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, errors.Wrapf(err, "parsing prefix %q", s)
	}
	return New(np.Addr(), np.Bits())
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Prefix {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether n contains p: n is not longer than p and all bits of
// p within n's length equal n's.
func Match(n, p Prefix) bool {
	if n.Len > p.Len {
		return false
	}
	offset := int(n.Len) / 8
	shift := int(n.Len) % 8
	if shift != 0 && maskbit[shift]&(n.Bits[offset]^p.Bits[offset]) != 0 {
		return false
	}
	for i := 0; i < offset; i++ {
		if n.Bits[i] != p.Bits[i] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have the same family, length and bits
// within that length.
func Equal(a, b Prefix) bool {
	if a.Family != b.Family || a.Len != b.Len {
		return false
	}
	return Match(a, b)
}

// Same reports whether a and b are identical including bits beyond the
// prefix length.
func Same(a, b Prefix) bool {
	return a == b
}

// Contains is the method form of Match.
func (p Prefix) Contains(o Prefix) bool {
	return Match(p, o)
}

// ApplyMask zeroes all bits beyond p.Len.
func (p *Prefix) ApplyMask() {
	index := int(p.Len) / 8
	if index >= MaxByteLen {
		return
	}
	p.Bits[index] &= maskbit[p.Len%8]
	for index++; index < MaxByteLen; index++ {
		p.Bits[index] = 0
	}
}

// Masked returns a copy of p with ApplyMask applied.
func (p Prefix) Masked() Prefix {
	p.ApplyMask()
	return p
}

// Bit returns the bit at position i, counted from the most significant bit.
// i must be below MaxBitLen.
func (p Prefix) Bit(i uint8) int {
	if i >= MaxBitLen {
		panic(fmt.Sprintf("prefix: bit %d out of range", i))
	}
	return int(p.Bits[i/8]>>(7-i%8)) & 1
}

// Common returns the longest common prefix of n and p, bounded by the
// shorter of the two lengths. The result is masked and has p's family.
func Common(n, p Prefix) Prefix {
	limit := n.Len
	if p.Len < limit {
		limit = p.Len
	}
	c := Prefix{Family: p.Family}
	i := 0
	for ; i < int(limit)/8; i++ {
		if n.Bits[i] != p.Bits[i] {
			break
		}
		c.Bits[i] = n.Bits[i]
	}
	c.Len = uint8(i * 8)
	if c.Len < limit {
		diff := n.Bits[i] ^ p.Bits[i]
		mask := byte(0x80)
		for c.Len < limit && mask&diff == 0 {
			mask >>= 1
			c.Len++
		}
		c.Bits[i] = n.Bits[i] & maskbit[c.Len%8]
	}
	return c
}

// MaskLen converts a netmask made of contiguous high bits to a prefix length.
// Counting stops at the first zero bit.
func MaskLen(mask []byte) int {
	l := 0
	i := 0
	for i < len(mask) && mask[i] == 0xff {
		l += 8
		i++
	}
	if i < len(mask) {
		for v := mask[i]; v&0x80 != 0; v <<= 1 {
			l++
		}
	}
	return l
}

// LenToMask is the inverse of MaskLen for IPv6.
func LenToMask(l int) net.IPMask {
	return net.CIDRMask(l, MaxBitLen)
}

// Addr returns the address part of p.
func (p Prefix) Addr() netip.Addr {
	return netip.AddrFrom16(p.Bits)
}

// IPNet returns p as a masked *net.IPNet, the form used by netlink.
func (p Prefix) IPNet() *net.IPNet {
	m := p.Masked()
	ip := make(net.IP, net.IPv6len)
	copy(ip, m.Bits[:])
	return &net.IPNet{IP: ip, Mask: LenToMask(int(p.Len))}
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr(), p.Len)
}
