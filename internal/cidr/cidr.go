// Package cidr is the address/prefix value model shared by the IPAM packages.
//
// Prefixes are always kept in their network form; addresses keep their host
// bits together with the mask length they were written with. Both expose
// fixed-width hex keys so that storage layers can express containment as plain
// string range predicates, which behave identically on every SQL dialect.
package cidr

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/netip"
	"strings"
)

type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Bits is the address width of the family.
func (f Family) Bits() int {
	if f == IPv4 {
		return 32
	}
	return 128
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily accepts "4", "6", "ipv4" and "ipv6" (case-insensitive).
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "4", "ipv4", "v4":
		return IPv4, nil
	case "6", "ipv6", "v6":
		return IPv6, nil
	}
	return 0, &ValidationError{Field: "family", Value: s, Reason: "must be ipv4 or ipv6"}
}

func familyOf(a netip.Addr) Family {
	if a.Is4() {
		return IPv4
	}
	return IPv6
}

// ValidationError reports malformed or inconsistent address input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid value %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ── Prefix ─────────────────────────────────────────────

// Prefix is a network in CIDR form. The zero value is invalid.
type Prefix struct {
	p netip.Prefix
}

// ParsePrefix parses a CIDR literal. Host bits are cleared, so
// "10.1.1.5/24" yields 10.1.1.0/24.
func ParsePrefix(s string) (Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Prefix{}, &ValidationError{Field: "prefix", Value: s, Reason: "empty"}
	}
	if !strings.Contains(s, "/") {
		return Prefix{}, &ValidationError{Field: "prefix", Value: s, Reason: "missing prefix length"}
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, &ValidationError{Field: "prefix", Value: s, Reason: err.Error()}
	}
	return FromNetip(p)
}

// MustParsePrefix is ParsePrefix for literals known to be valid.
func MustParsePrefix(s string) Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromNetip validates and normalizes a netip.Prefix.
func FromNetip(p netip.Prefix) (Prefix, error) {
	if !p.IsValid() {
		return Prefix{}, &ValidationError{Field: "prefix", Value: p.String(), Reason: "invalid prefix"}
	}
	if p.Addr().Is4In6() {
		return Prefix{}, &ValidationError{Field: "prefix", Value: p.String(), Reason: "ipv4-mapped ipv6 prefixes are not supported"}
	}
	return Prefix{p: p.Masked()}, nil
}

func (p Prefix) IsValid() bool          { return p.p.IsValid() }
func (p Prefix) Netip() netip.Prefix    { return p.p }
func (p Prefix) Family() Family         { return familyOf(p.p.Addr()) }
func (p Prefix) Bits() int              { return p.p.Bits() }
func (p Prefix) Addr() netip.Addr       { return p.p.Addr() }
func (p Prefix) Last() netip.Addr       { return lastAddr(p.p) }
func (p Prefix) String() string         { return p.p.String() }
func (p Prefix) Equal(o Prefix) bool    { return p.p == o.p }
func (p Prefix) NetworkKey() string     { return Key(p.p.Addr()) }
func (p Prefix) BroadcastKey() string   { return Key(lastAddr(p.p)) }
func (p Prefix) Overlaps(o Prefix) bool { return p.p.Overlaps(o.p) }

// Contains reports whether o lies entirely within p. Equal prefixes contain
// each other; prefixes of different families never do.
func (p Prefix) Contains(o Prefix) bool {
	if p.Family() != o.Family() || o.Bits() < p.Bits() {
		return false
	}
	return p.p.Contains(o.p.Addr())
}

// StrictlyContains is Contains without equality.
func (p Prefix) StrictlyContains(o Prefix) bool {
	return o.Bits() > p.Bits() && p.Contains(o)
}

func (p Prefix) ContainsAddr(a netip.Addr) bool { return p.p.Contains(a) }

// CompareSpecificity orders by prefix length: longer is more specific.
func (p Prefix) CompareSpecificity(o Prefix) int {
	return cmp.Compare(p.Bits(), o.Bits())
}

// SameFamily rejects comparisons across address families.
func (p Prefix) SameFamily(o Prefix) error {
	if p.Family() != o.Family() {
		return &ValidationError{
			Field:  "prefix",
			Value:  o.String(),
			Reason: fmt.Sprintf("address family %s does not match %s", o.Family(), p.Family()),
		}
	}
	return nil
}

// Size is the number of addresses in the prefix.
func (p Prefix) Size() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(p.Family().Bits()-p.Bits()))
}

// ── Address ────────────────────────────────────────────

// Address is a host address together with its mask length.
type Address struct {
	host netip.Addr
	bits int
}

// ParseAddress accepts "10.0.0.1/24" or a bare host, which gets a full-length
// mask.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, &ValidationError{Field: "address", Value: s, Reason: "empty"}
	}
	var (
		host netip.Addr
		bits int
	)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Address{}, &ValidationError{Field: "address", Value: s, Reason: err.Error()}
		}
		host, bits = p.Addr(), p.Bits()
	} else {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return Address{}, &ValidationError{Field: "address", Value: s, Reason: err.Error()}
		}
		if a.Zone() != "" {
			return Address{}, &ValidationError{Field: "address", Value: s, Reason: "zoned addresses are not supported"}
		}
		host, bits = a, a.BitLen()
	}
	if host.Is4In6() {
		return Address{}, &ValidationError{Field: "address", Value: s, Reason: "ipv4-mapped ipv6 addresses are not supported"}
	}
	return Address{host: host, bits: bits}, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFrom builds an Address from a host and mask length.
func AddressFrom(host netip.Addr, bits int) (Address, error) {
	if !host.IsValid() || bits < 0 || bits > host.BitLen() {
		return Address{}, &ValidationError{Field: "address", Value: fmt.Sprintf("%s/%d", host, bits), Reason: "invalid host or mask length"}
	}
	return Address{host: host, bits: bits}, nil
}

func (a Address) IsValid() bool    { return a.host.IsValid() }
func (a Address) Host() netip.Addr { return a.host }
func (a Address) Bits() int        { return a.bits }
func (a Address) Family() Family   { return familyOf(a.host) }
func (a Address) Key() string      { return Key(a.host) }

func (a Address) String() string {
	return netip.PrefixFrom(a.host, a.bits).String()
}

// Network is the prefix described by the address mask.
func (a Address) Network() Prefix {
	return Prefix{p: netip.PrefixFrom(a.host, a.bits).Masked()}
}

// HostPrefix is the single-address prefix of the host (/32 or /128).
func (a Address) HostPrefix() Prefix {
	return Prefix{p: netip.PrefixFrom(a.host, a.host.BitLen())}
}

// ── helpers ────────────────────────────────────────────

// Key renders an address as fixed-width lowercase hex: 8 digits for IPv4,
// 32 for IPv6. Keys of one family sort like the addresses they encode.
func Key(a netip.Addr) string {
	if a.Is4() {
		b := a.As4()
		return hex.EncodeToString(b[:])
	}
	b := a.As16()
	return hex.EncodeToString(b[:])
}

func lastAddr(p netip.Prefix) netip.Addr {
	p = p.Masked()
	bits := p.Bits()
	if p.Addr().Is4() {
		b := p.Addr().As4()
		for i := bits; i < 32; i++ {
			b[i/8] |= 1 << (7 - uint(i%8))
		}
		return netip.AddrFrom4(b)
	}
	b := p.Addr().As16()
	for i := bits; i < 128; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	return netip.AddrFrom16(b)
}

// AlignUp returns the first address >= a that starts a block of the given
// length. ok is false when no such block exists before the end of the family.
func AlignUp(a netip.Addr, bits int) (netip.Addr, bool) {
	block := netip.PrefixFrom(a, bits).Masked()
	if block.Addr() == a {
		return a, true
	}
	next := lastAddr(block).Next()
	return next, next.IsValid()
}

// PrefixAt returns the block of the given length starting at a.
func PrefixAt(a netip.Addr, bits int) Prefix {
	return Prefix{p: netip.PrefixFrom(a, bits).Masked()}
}
