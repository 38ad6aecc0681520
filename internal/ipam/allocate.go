package ipam

import (
	"context"
	"net/netip"
	"sort"
	"strconv"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrExhausted is returned when a parent has no free block or address left.
var ErrExhausted = errors.New("no free space available")

// firstFree returns the lowest block of the given length inside parent that
// does not overlap any of used. used must be pairwise disjoint.
func firstFree(parent cidr.Prefix, used []cidr.Prefix, bits int) (cidr.Prefix, bool) {
	sort.Slice(used, func(i, j int) bool { return used[i].Addr().Less(used[j].Addr()) })
	cur := parent.Addr()
	for _, u := range used {
		if !parent.Contains(u) {
			continue
		}
		cand, ok := cidr.AlignUp(cur, bits)
		if !ok {
			return cidr.Prefix{}, false
		}
		block := cidr.PrefixAt(cand, bits)
		if !parent.Contains(block) {
			return cidr.Prefix{}, false
		}
		if block.Last().Less(u.Addr()) {
			return block, true
		}
		next := u.Last().Next()
		if !next.IsValid() {
			return cidr.Prefix{}, false
		}
		if cur.Less(next) {
			cur = next
		}
	}
	cand, ok := cidr.AlignUp(cur, bits)
	if !ok {
		return cidr.Prefix{}, false
	}
	block := cidr.PrefixAt(cand, bits)
	return block, parent.Contains(block)
}

func checkChildLength(parent cidr.Prefix, bits int) error {
	if bits <= parent.Bits() || bits > parent.Family().Bits() {
		return invalid("new_prefix_len", strconv.Itoa(bits),
			"must be longer than /"+strconv.Itoa(parent.Bits())+" and at most /"+strconv.Itoa(parent.Family().Bits()))
	}
	return nil
}

// nextChildPrefix finds the first free block below a prefix (aggregate false)
// or an aggregate (aggregate true).
func nextChildPrefix(tx *gorm.DB, id uint, aggregate bool, bits int) (uint, cidr.Prefix, error) {
	var (
		nsID   uint
		parent cidr.Prefix
		col    = "parent_id"
	)
	if aggregate {
		var a models.Aggregate
		if err := first(tx, &a, "aggregate", id); err != nil {
			return 0, cidr.Prefix{}, err
		}
		nsID, parent, col = a.NamespaceID, aggregateOf(a), "parent_aggregate_id"
	} else {
		var p models.Prefix
		if err := first(tx, &p, "prefix", id); err != nil {
			return 0, cidr.Prefix{}, err
		}
		nsID, parent = p.NamespaceID, prefixOf(p)
	}
	if err := checkChildLength(parent, bits); err != nil {
		return 0, cidr.Prefix{}, err
	}

	var children []models.Prefix
	if err := tx.Select("id", "cidr").Where(col+" = ?", id).Find(&children).Error; err != nil {
		return 0, cidr.Prefix{}, errors.Wrap(err, "load child prefixes")
	}
	used := make([]cidr.Prefix, 0, len(children))
	for _, c := range children {
		used = append(used, prefixOf(c))
	}
	block, ok := firstFree(parent, used, bits)
	if !ok {
		return 0, cidr.Prefix{}, errors.Wrapf(ErrExhausted, "no free /%d in %s", bits, parent)
	}
	return nsID, block, nil
}

// NextAvailablePrefix returns the first unused block of the given length
// directly below a prefix without reserving it.
func (s *Service) NextAvailablePrefix(ctx context.Context, prefixID uint, bits int) (cidr.Prefix, error) {
	_, p, err := nextChildPrefix(s.db.WithContext(ctx), prefixID, false, bits)
	return p, err
}

// NextAvailableAggregatePrefix is NextAvailablePrefix for an aggregate.
func (s *Service) NextAvailableAggregatePrefix(ctx context.Context, aggregateID uint, bits int) (cidr.Prefix, error) {
	_, p, err := nextChildPrefix(s.db.WithContext(ctx), aggregateID, true, bits)
	return p, err
}

// AllocatePrefix carves the first free block of the given length out of a
// prefix and stores it as a new prefix with the given attributes.
func (s *Service) AllocatePrefix(ctx context.Context, prefixID uint, bits int, attrs PrefixInput) (*models.Prefix, error) {
	return s.allocatePrefix(ctx, prefixID, false, bits, attrs)
}

// AllocateAggregatePrefix is AllocatePrefix for an aggregate.
func (s *Service) AllocateAggregatePrefix(ctx context.Context, aggregateID uint, bits int, attrs PrefixInput) (*models.Prefix, error) {
	return s.allocatePrefix(ctx, aggregateID, true, bits, attrs)
}

func (s *Service) allocatePrefix(ctx context.Context, id uint, aggregate bool, bits int, attrs PrefixInput) (*models.Prefix, error) {
	nsID, _, err := nextChildPrefix(s.db.WithContext(ctx), id, aggregate, bits)
	if err != nil {
		return nil, err
	}
	var out *models.Prefix
	err = s.write(ctx, "allocate_prefix", func(tx *gorm.DB) error {
		// recompute under the namespace lock
		_, block, err := nextChildPrefix(tx, id, aggregate, bits)
		if err != nil {
			return err
		}
		attrs.NamespaceID = nsID
		attrs.CIDR = block.String()
		p, err := newPrefix(attrs)
		if err != nil {
			return err
		}
		if err := s.insertPrefix(tx, p); err != nil {
			return err
		}
		out = p
		return nil
	}, nsID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// usableRange is the span of assignable hosts of a prefix. IPv4 network
// prefixes shorter than /31 lose their network and broadcast addresses;
// pools and IPv6 use every address.
func usableRange(p models.Prefix) (netip.Addr, netip.Addr, bool) {
	pp := prefixOf(p)
	lo, hi := pp.Addr(), pp.Last()
	if pp.Family() == cidr.IPv4 && p.Type != models.PrefixTypePool && pp.Bits() < 31 {
		lo, hi = lo.Next(), hi.Prev()
	}
	return lo, hi, !hi.Less(lo)
}

func nextFreeIP(tx *gorm.DB, prefixID uint) (*models.Prefix, netip.Addr, error) {
	var p models.Prefix
	if err := first(tx, &p, "prefix", prefixID); err != nil {
		return nil, netip.Addr{}, err
	}
	lo, hi, ok := usableRange(p)
	if !ok {
		return nil, netip.Addr{}, errors.Wrapf(ErrExhausted, "prefix %s has no usable addresses", p.CIDR)
	}
	var hosts []string
	err := tx.Model(&models.IPAddress{}).
		Where("namespace_id = ? AND ip_version = ? AND host >= ? AND host <= ?", p.NamespaceID, p.IPVersion, cidr.Key(lo), cidr.Key(hi)).
		Order("host").Pluck("host", &hosts).Error
	if err != nil {
		return nil, netip.Addr{}, errors.Wrap(err, "load used addresses")
	}
	cur := cidr.Key(lo)
	next := lo
	for _, h := range hosts {
		if h != cur {
			break
		}
		next = next.Next()
		if !next.IsValid() || hi.Less(next) {
			return nil, netip.Addr{}, errors.Wrapf(ErrExhausted, "no free ip in %s", p.CIDR)
		}
		cur = cidr.Key(next)
	}
	return &p, next, nil
}

// NextAvailableIP returns the lowest unused host of a prefix without
// reserving it.
func (s *Service) NextAvailableIP(ctx context.Context, prefixID uint) (netip.Addr, error) {
	_, a, err := nextFreeIP(s.db.WithContext(ctx), prefixID)
	return a, err
}

// AllocateIP stores the lowest unused host of a prefix as a new address with
// the prefix's mask length.
func (s *Service) AllocateIP(ctx context.Context, prefixID uint, attrs AddressInput) (*models.IPAddress, error) {
	cur, err := s.GetPrefix(ctx, prefixID)
	if err != nil {
		return nil, err
	}
	var out *models.IPAddress
	err = s.write(ctx, "allocate_ip", func(tx *gorm.DB) error {
		p, host, err := nextFreeIP(tx, prefixID)
		if err != nil {
			return err
		}
		attrs.NamespaceID = p.NamespaceID
		attrs.Address = netip.PrefixFrom(host, p.PrefixLength).String()
		ip, err := newAddress(attrs)
		if err != nil {
			return err
		}
		if err := s.insertAddress(tx, ip); err != nil {
			return err
		}
		out = ip
		return nil
	}, cur.NamespaceID)
	if err != nil {
		return nil, err
	}
	return out, nil
}
