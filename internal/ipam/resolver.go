package ipam

import (
	"net/netip"
	"sort"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const (
	kindPrefix    = "prefix"
	kindAggregate = "aggregate"
	kindAddress   = "ip-address"
)

// candidate is a record whose CIDR encloses the subject being placed.
type candidate struct {
	kind   string
	id     uint
	prefix cidr.Prefix
}

// selectParent returns the most specific candidate. At equal length a prefix
// beats an aggregate, since such a prefix sits directly below the aggregate.
// Remaining ties are broken by the lowest network address and reported.
func selectParent(nsID uint, subject string, cands []candidate) (*candidate, *ConsistencyWarning) {
	if len(cands) == 0 {
		return nil, nil
	}
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.prefix.CompareSpecificity(b.prefix); c != 0 {
			return c > 0
		}
		if a.kind != b.kind {
			return a.kind == kindPrefix
		}
		if a.prefix.Addr() != b.prefix.Addr() {
			return a.prefix.Addr().Less(b.prefix.Addr())
		}
		return a.id < b.id
	})

	best := sorted[0]
	var tied []string
	for _, c := range sorted[1:] {
		if c.prefix.CompareSpecificity(best.prefix) != 0 || c.kind != best.kind {
			break
		}
		tied = append(tied, c.prefix.String())
	}
	if len(tied) == 0 {
		return &best, nil
	}
	return &best, &ConsistencyWarning{
		NamespaceID: nsID,
		Subject:     subject,
		Chosen:      best.prefix.String(),
		Candidates:  append([]string{best.prefix.String()}, tied...),
	}
}

// ── range queries ──────────────────────────────────────
//
// Keys are fixed-width hex per family, so containment is a pair of string
// comparisons plus a length bound.

func prefixesContaining(tx *gorm.DB, nsID uint, p cidr.Prefix, strict bool) ([]models.Prefix, error) {
	q := tx.Where("namespace_id = ? AND ip_version = ? AND network <= ? AND broadcast >= ?",
		nsID, int(p.Family()), p.NetworkKey(), p.BroadcastKey())
	if strict {
		q = q.Where("prefix_length < ?", p.Bits())
	} else {
		q = q.Where("prefix_length <= ?", p.Bits())
	}
	var out []models.Prefix
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query enclosing prefixes")
	}
	return out, nil
}

func aggregatesContaining(tx *gorm.DB, nsID uint, p cidr.Prefix) ([]models.Aggregate, error) {
	var out []models.Aggregate
	err := tx.Where("namespace_id = ? AND ip_version = ? AND network <= ? AND broadcast >= ? AND prefix_length <= ?",
		nsID, int(p.Family()), p.NetworkKey(), p.BroadcastKey(), p.Bits()).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query enclosing aggregates")
	}
	return out, nil
}

// prefixesWithin returns prefixes inside p; strict excludes p's own CIDR.
func prefixesWithin(tx *gorm.DB, nsID uint, p cidr.Prefix, strict bool) ([]models.Prefix, error) {
	q := tx.Where("namespace_id = ? AND ip_version = ? AND network >= ? AND broadcast <= ?",
		nsID, int(p.Family()), p.NetworkKey(), p.BroadcastKey())
	if strict {
		q = q.Where("prefix_length > ?", p.Bits())
	} else {
		q = q.Where("prefix_length >= ?", p.Bits())
	}
	var out []models.Prefix
	if err := q.Order("network, prefix_length").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query enclosed prefixes")
	}
	return out, nil
}

func addressesWithin(tx *gorm.DB, nsID uint, p cidr.Prefix) ([]models.IPAddress, error) {
	var out []models.IPAddress
	err := tx.Where("namespace_id = ? AND ip_version = ? AND host >= ? AND host <= ?",
		nsID, int(p.Family()), p.NetworkKey(), p.BroadcastKey()).Order("host").Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query enclosed addresses")
	}
	return out, nil
}

func prefixOf(p models.Prefix) cidr.Prefix       { return cidr.MustParsePrefix(p.CIDR) }
func aggregateOf(a models.Aggregate) cidr.Prefix { return cidr.MustParsePrefix(a.CIDR) }
func hostOf(ip models.IPAddress) netip.Addr      { return cidr.MustParseAddress(ip.Address).Host() }

func mustFromNetip(p netip.Prefix) cidr.Prefix {
	c, err := cidr.FromNetip(p)
	if err != nil {
		panic(err)
	}
	return c
}

// ── resolution ─────────────────────────────────────────

// resolvePrefixParent derives the nearest enclosing record of p: prefixes
// that strictly contain it and aggregates that contain or equal it.
func (s *Service) resolvePrefixParent(tx *gorm.DB, nsID uint, p cidr.Prefix, selfID uint) (parentID, aggregateID *uint, err error) {
	pfxs, err := prefixesContaining(tx, nsID, p, true)
	if err != nil {
		return nil, nil, err
	}
	aggs, err := aggregatesContaining(tx, nsID, p)
	if err != nil {
		return nil, nil, err
	}
	cands := make([]candidate, 0, len(pfxs)+len(aggs))
	for _, x := range pfxs {
		if x.ID != selfID {
			cands = append(cands, candidate{kind: kindPrefix, id: x.ID, prefix: prefixOf(x)})
		}
	}
	for _, a := range aggs {
		cands = append(cands, candidate{kind: kindAggregate, id: a.ID, prefix: aggregateOf(a)})
	}
	best, w := selectParent(nsID, "prefix "+p.String(), cands)
	if w != nil {
		s.warn(*w)
	}
	if best == nil {
		return nil, nil, nil
	}
	if best.kind == kindPrefix {
		return ptr(best.id), nil, nil
	}
	return nil, ptr(best.id), nil
}

// resolveAddressParent derives the nearest prefix holding host.
func (s *Service) resolveAddressParent(tx *gorm.DB, nsID uint, host netip.Addr) (*uint, error) {
	hp := netip.PrefixFrom(host, host.BitLen())
	p, err := cidr.FromNetip(hp)
	if err != nil {
		return nil, err
	}
	pfxs, err := prefixesContaining(tx, nsID, p, false)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(pfxs))
	for _, x := range pfxs {
		cands = append(cands, candidate{kind: kindPrefix, id: x.ID, prefix: prefixOf(x)})
	}
	best, w := selectParent(nsID, "ip-address "+host.String(), cands)
	if w != nil {
		s.warn(*w)
	}
	if best == nil {
		return nil, nil
	}
	return ptr(best.id), nil
}

// ── attach / detach ────────────────────────────────────

// parentLengths maps the current parents of recs to their prefix lengths.
func parentLengths(tx *gorm.DB, prefixIDs, aggregateIDs []uint) (map[uint]int, map[uint]int, error) {
	pl, al := map[uint]int{}, map[uint]int{}
	if len(prefixIDs) > 0 {
		var ps []models.Prefix
		if err := tx.Select("id", "prefix_length").Where("id IN ?", prefixIDs).Find(&ps).Error; err != nil {
			return nil, nil, errors.Wrap(err, "load parent prefixes")
		}
		for _, p := range ps {
			pl[p.ID] = p.PrefixLength
		}
	}
	if len(aggregateIDs) > 0 {
		var as []models.Aggregate
		if err := tx.Select("id", "prefix_length").Where("id IN ?", aggregateIDs).Find(&as).Error; err != nil {
			return nil, nil, errors.Wrap(err, "load parent aggregates")
		}
		for _, a := range as {
			al[a.ID] = a.PrefixLength
		}
	}
	return pl, al, nil
}

// attachPrefix places a freshly written prefix: it resolves its own parent,
// then takes over every enclosed prefix and address for which it is now the
// nearest enclosing record. Each group is re-pointed with a single UPDATE.
func (s *Service) attachPrefix(tx *gorm.DB, p *models.Prefix) error {
	pp := prefixOf(*p)
	parentID, aggID, err := s.resolvePrefixParent(tx, p.NamespaceID, pp, p.ID)
	if err != nil {
		return err
	}
	if err := tx.Model(&models.Prefix{}).Where("id = ?", p.ID).Updates(map[string]any{
		"parent_id":           nullable(parentID),
		"parent_aggregate_id": nullable(aggID),
	}).Error; err != nil {
		return errors.Wrap(err, "set prefix parent")
	}
	p.ParentID, p.ParentAggregateID = parentID, aggID

	children, err := prefixesWithin(tx, p.NamespaceID, pp, true)
	if err != nil {
		return err
	}
	var pids, aids []uint
	for _, c := range children {
		if c.ParentID != nil {
			pids = append(pids, *c.ParentID)
		}
		if c.ParentAggregateID != nil {
			aids = append(aids, *c.ParentAggregateID)
		}
	}
	pl, al, err := parentLengths(tx, pids, aids)
	if err != nil {
		return err
	}
	var moved []uint
	for _, c := range children {
		switch {
		case c.ParentID != nil:
			n, ok := pl[*c.ParentID]
			if !ok {
				return s.dangling(p.NamespaceID, kindPrefix, c.ID, c.CIDR, "parent prefix", *c.ParentID)
			}
			if n < pp.Bits() {
				moved = append(moved, c.ID)
			}
		case c.ParentAggregateID != nil:
			n, ok := al[*c.ParentAggregateID]
			if !ok {
				return s.dangling(p.NamespaceID, kindPrefix, c.ID, c.CIDR, "parent aggregate", *c.ParentAggregateID)
			}
			if n <= pp.Bits() {
				moved = append(moved, c.ID)
			}
		default:
			moved = append(moved, c.ID)
		}
	}
	if len(moved) > 0 {
		if err := tx.Model(&models.Prefix{}).Where("id IN ?", moved).Updates(map[string]any{
			"parent_id":           p.ID,
			"parent_aggregate_id": nil,
		}).Error; err != nil {
			return errors.Wrap(err, "re-parent child prefixes")
		}
		countRelinks(kindPrefix, len(moved))
	}

	return s.adoptAddresses(tx, p, pp)
}

func (s *Service) adoptAddresses(tx *gorm.DB, p *models.Prefix, pp cidr.Prefix) error {
	addrs, err := addressesWithin(tx, p.NamespaceID, pp)
	if err != nil {
		return err
	}
	var pids []uint
	for _, a := range addrs {
		if a.ParentID != nil {
			pids = append(pids, *a.ParentID)
		}
	}
	pl, _, err := parentLengths(tx, pids, nil)
	if err != nil {
		return err
	}
	var moved []uint
	for _, a := range addrs {
		if a.ParentID == nil {
			moved = append(moved, a.ID)
			continue
		}
		n, ok := pl[*a.ParentID]
		if !ok {
			return s.dangling(p.NamespaceID, kindAddress, a.ID, a.Address, "parent prefix", *a.ParentID)
		}
		if n < pp.Bits() {
			moved = append(moved, a.ID)
		}
	}
	if len(moved) == 0 {
		return nil
	}
	if err := tx.Model(&models.IPAddress{}).Where("id IN ?", moved).Update("parent_id", p.ID).Error; err != nil {
		return errors.Wrap(err, "re-parent addresses")
	}
	countRelinks(kindAddress, len(moved))
	if p.Type == models.PrefixTypeContainer {
		s.log.WithField("prefix", p.CIDR).Warnf("%d ip addresses placed directly in a container prefix", len(moved))
	}
	return nil
}

// detachPrefix hands p's children to p's own parent (skip-level), so p can be
// removed or moved. Addresses get the nearest other prefix holding p.
func (s *Service) detachPrefix(tx *gorm.DB, p *models.Prefix) error {
	res := tx.Model(&models.Prefix{}).Where("parent_id = ?", p.ID).Updates(map[string]any{
		"parent_id":           nullable(p.ParentID),
		"parent_aggregate_id": nullable(p.ParentAggregateID),
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "promote child prefixes")
	}
	countRelinks(kindPrefix, int(res.RowsAffected))

	var n int64
	if err := tx.Model(&models.IPAddress{}).Where("parent_id = ?", p.ID).Count(&n).Error; err != nil {
		return errors.Wrap(err, "count child addresses")
	}
	if n == 0 {
		return nil
	}
	outer, err := s.enclosingPrefix(tx, p.NamespaceID, prefixOf(*p), p.ID)
	if err != nil {
		return err
	}
	res = tx.Model(&models.IPAddress{}).Where("parent_id = ?", p.ID).Update("parent_id", nullable(outer))
	if res.Error != nil {
		return errors.Wrap(res.Error, "promote child addresses")
	}
	countRelinks(kindAddress, int(res.RowsAffected))
	return nil
}

// enclosingPrefix is the nearest prefix other than selfID that strictly
// contains c.
func (s *Service) enclosingPrefix(tx *gorm.DB, nsID uint, c cidr.Prefix, selfID uint) (*uint, error) {
	pfxs, err := prefixesContaining(tx, nsID, c, true)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(pfxs))
	for _, x := range pfxs {
		if x.ID != selfID {
			cands = append(cands, candidate{kind: kindPrefix, id: x.ID, prefix: prefixOf(x)})
		}
	}
	best, w := selectParent(nsID, "records below "+c.String(), cands)
	if w != nil {
		s.warn(*w)
	}
	if best == nil {
		return nil, nil
	}
	return ptr(best.id), nil
}

// attachAggregate makes a the parent of every enclosed prefix whose current
// parent is less specific than a.
func (s *Service) attachAggregate(tx *gorm.DB, a *models.Aggregate) error {
	ap := aggregateOf(*a)
	children, err := prefixesWithin(tx, a.NamespaceID, ap, false)
	if err != nil {
		return err
	}
	var pids []uint
	for _, c := range children {
		if c.ParentID != nil {
			pids = append(pids, *c.ParentID)
		}
	}
	pl, _, err := parentLengths(tx, pids, nil)
	if err != nil {
		return err
	}
	var moved []uint
	for _, c := range children {
		switch {
		case c.ParentID != nil:
			n, ok := pl[*c.ParentID]
			if !ok {
				return s.dangling(a.NamespaceID, kindPrefix, c.ID, c.CIDR, "parent prefix", *c.ParentID)
			}
			if n < ap.Bits() {
				moved = append(moved, c.ID)
			}
		case c.ParentAggregateID != nil:
			// aggregates never overlap, so another aggregate cannot hold c
			return s.dangling(a.NamespaceID, kindPrefix, c.ID, c.CIDR, "overlapping aggregate", *c.ParentAggregateID)
		default:
			moved = append(moved, c.ID)
		}
	}
	if len(moved) == 0 {
		return nil
	}
	if err := tx.Model(&models.Prefix{}).Where("id IN ?", moved).Updates(map[string]any{
		"parent_id":           nil,
		"parent_aggregate_id": a.ID,
	}).Error; err != nil {
		return errors.Wrap(err, "attach prefixes to aggregate")
	}
	countRelinks(kindPrefix, len(moved))
	return nil
}

// detachAggregate promotes a's direct prefixes to the nearest prefix that
// encloses a, or makes them roots.
func (s *Service) detachAggregate(tx *gorm.DB, a *models.Aggregate) error {
	outer, err := s.enclosingPrefix(tx, a.NamespaceID, aggregateOf(*a), 0)
	if err != nil {
		return err
	}
	res := tx.Model(&models.Prefix{}).Where("parent_aggregate_id = ?", a.ID).Updates(map[string]any{
		"parent_id":           nullable(outer),
		"parent_aggregate_id": nil,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "promote aggregate children")
	}
	countRelinks(kindPrefix, int(res.RowsAffected))
	return nil
}

func (s *Service) dangling(nsID uint, kind string, id uint, c, what string, ref uint) error {
	return &HierarchyError{NamespaceID: nsID, Problems: []Inconsistency{{
		Kind:    kind,
		ID:      id,
		CIDR:    c,
		Problem: ProblemDanglingParent,
		Stored:  what + " " + itoa(ref),
	}}}
}
