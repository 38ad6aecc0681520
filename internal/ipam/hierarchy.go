package ipam

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"ipamd/internal/models"

	"github.com/gaissmai/bart"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Problem kinds reported by Verify.
const (
	ProblemWrongParent      = "wrong-parent"
	ProblemDanglingParent   = "dangling-parent"
	ProblemBothParents      = "both-parents"
	ProblemAggregateOverlap = "aggregate-overlap"
	ProblemDanglingNAT      = "dangling-nat"
)

// Inconsistency is one record whose stored state disagrees with the state
// derived from the namespace's CIDRs.
type Inconsistency struct {
	Kind     string `json:"kind"`
	ID       uint   `json:"id"`
	CIDR     string `json:"cidr"`
	Problem  string `json:"problem"`
	Stored   string `json:"stored,omitempty"`
	Expected string `json:"expected,omitempty"`
}

func (i Inconsistency) String() string {
	s := fmt.Sprintf("%s %d (%s): %s", i.Kind, i.ID, i.CIDR, i.Problem)
	if i.Stored != "" || i.Expected != "" {
		s += fmt.Sprintf(" stored=%q expected=%q", i.Stored, i.Expected)
	}
	return s
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

// parentRef is the pair of parent pointers of a prefix.
type parentRef struct {
	prefix    *uint
	aggregate *uint
}

func (r parentRef) equal(o parentRef) bool {
	return eqID(r.prefix, o.prefix) && eqID(r.aggregate, o.aggregate)
}

func (r parentRef) String() string {
	switch {
	case r.prefix != nil && r.aggregate != nil:
		return "prefix " + itoa(*r.prefix) + " and aggregate " + itoa(*r.aggregate)
	case r.prefix != nil:
		return "prefix " + itoa(*r.prefix)
	case r.aggregate != nil:
		return "aggregate " + itoa(*r.aggregate)
	}
	return "none"
}

func eqID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func idString(id *uint) string {
	if id == nil {
		return "none"
	}
	return "prefix " + itoa(*id)
}

// snapshot is the live content of one namespace.
type snapshot struct {
	aggregates []models.Aggregate
	prefixes   []models.Prefix
	addresses  []models.IPAddress
}

func loadSnapshot(tx *gorm.DB, nsID uint) (*snapshot, error) {
	var s snapshot
	if err := tx.Where("namespace_id = ?", nsID).Order("id").Find(&s.aggregates).Error; err != nil {
		return nil, errors.Wrap(err, "load aggregates")
	}
	if err := tx.Where("namespace_id = ?", nsID).Order("id").Find(&s.prefixes).Error; err != nil {
		return nil, errors.Wrap(err, "load prefixes")
	}
	if err := tx.Where("namespace_id = ?", nsID).Order("id").Find(&s.addresses).Error; err != nil {
		return nil, errors.Wrap(err, "load ip addresses")
	}
	return &s, nil
}

// plan is the hierarchy derived from a snapshot, independently of the
// stored parent pointers.
type plan struct {
	prefixParent  map[uint]parentRef
	addressParent map[uint]*uint
	overlaps      []Inconsistency
	warnings      []ConsistencyWarning
}

// derive rebuilds the hierarchy of one namespace in memory. Prefixes and
// aggregates go into two BART tables; a record's candidates are the
// supernets found there, ranked by selectParent exactly like the write path.
func derive(nsID uint, snap *snapshot) *plan {
	pl := &plan{
		prefixParent:  make(map[uint]parentRef, len(snap.prefixes)),
		addressParent: make(map[uint]*uint, len(snap.addresses)),
	}

	aggT := new(bart.Table[uint])
	aggs := append([]models.Aggregate(nil), snap.aggregates...)
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].PrefixLength < aggs[j].PrefixLength })
	for _, a := range aggs {
		np := aggregateOf(a).Netip()
		if aggT.OverlapsPrefix(np) {
			pl.overlaps = append(pl.overlaps, Inconsistency{
				Kind: kindAggregate, ID: a.ID, CIDR: a.CIDR, Problem: ProblemAggregateOverlap,
			})
			continue
		}
		aggT.Insert(np, a.ID)
	}

	pfxT := new(bart.Table[uint])
	for _, p := range snap.prefixes {
		pfxT.Insert(prefixOf(p).Netip(), p.ID)
	}

	for _, p := range snap.prefixes {
		pp := prefixOf(p)
		var cands []candidate
		for sup, id := range pfxT.Supernets(pp.Netip()) {
			if sp := mustFromNetip(sup); sp.StrictlyContains(pp) {
				cands = append(cands, candidate{kind: kindPrefix, id: id, prefix: sp})
			}
		}
		for sup, id := range aggT.Supernets(pp.Netip()) {
			cands = append(cands, candidate{kind: kindAggregate, id: id, prefix: mustFromNetip(sup)})
		}
		best, w := selectParent(nsID, "prefix "+p.CIDR, cands)
		if w != nil {
			pl.warnings = append(pl.warnings, *w)
		}
		var ref parentRef
		if best != nil && best.kind == kindPrefix {
			ref.prefix = ptr(best.id)
		} else if best != nil {
			ref.aggregate = ptr(best.id)
		}
		pl.prefixParent[p.ID] = ref
	}

	for _, ip := range snap.addresses {
		host := netip.PrefixFrom(hostOf(ip), hostOf(ip).BitLen())
		var cands []candidate
		for sup, id := range pfxT.Supernets(host) {
			cands = append(cands, candidate{kind: kindPrefix, id: id, prefix: mustFromNetip(sup)})
		}
		best, w := selectParent(nsID, "ip-address "+ip.Address, cands)
		if w != nil {
			pl.warnings = append(pl.warnings, *w)
		}
		if best != nil {
			pl.addressParent[ip.ID] = ptr(best.id)
		} else {
			pl.addressParent[ip.ID] = nil
		}
	}
	return pl
}

// Verify compares every stored pointer of the namespace with the derived
// hierarchy and returns all disagreements. An empty result means the
// namespace is consistent.
func (s *Service) Verify(ctx context.Context, nsID uint) ([]Inconsistency, error) {
	db := s.db.WithContext(ctx)
	var ns models.Namespace
	if err := first(db, &ns, "namespace", nsID); err != nil {
		return nil, err
	}
	snap, err := loadSnapshot(db, nsID)
	if err != nil {
		return nil, err
	}
	pl := derive(nsID, snap)
	out := append([]Inconsistency(nil), pl.overlaps...)

	pfxIDs := make(map[uint]bool, len(snap.prefixes))
	for _, p := range snap.prefixes {
		pfxIDs[p.ID] = true
	}
	aggIDs := make(map[uint]bool, len(snap.aggregates))
	for _, a := range snap.aggregates {
		aggIDs[a.ID] = true
	}

	for _, p := range snap.prefixes {
		stored := parentRef{prefix: p.ParentID, aggregate: p.ParentAggregateID}
		want := pl.prefixParent[p.ID]
		switch {
		case p.ParentID != nil && p.ParentAggregateID != nil:
			out = append(out, Inconsistency{Kind: kindPrefix, ID: p.ID, CIDR: p.CIDR, Problem: ProblemBothParents,
				Stored: stored.String(), Expected: want.String()})
		case (p.ParentID != nil && !pfxIDs[*p.ParentID]) || (p.ParentAggregateID != nil && !aggIDs[*p.ParentAggregateID]):
			out = append(out, Inconsistency{Kind: kindPrefix, ID: p.ID, CIDR: p.CIDR, Problem: ProblemDanglingParent,
				Stored: stored.String(), Expected: want.String()})
		case !stored.equal(want):
			out = append(out, Inconsistency{Kind: kindPrefix, ID: p.ID, CIDR: p.CIDR, Problem: ProblemWrongParent,
				Stored: stored.String(), Expected: want.String()})
		}
	}

	var natTargets []uint
	for _, ip := range snap.addresses {
		want := pl.addressParent[ip.ID]
		switch {
		case ip.ParentID != nil && !pfxIDs[*ip.ParentID]:
			out = append(out, Inconsistency{Kind: kindAddress, ID: ip.ID, CIDR: ip.Address, Problem: ProblemDanglingParent,
				Stored: idString(ip.ParentID), Expected: idString(want)})
		case !eqID(ip.ParentID, want):
			out = append(out, Inconsistency{Kind: kindAddress, ID: ip.ID, CIDR: ip.Address, Problem: ProblemWrongParent,
				Stored: idString(ip.ParentID), Expected: idString(want)})
		}
		if ip.NATInsideID != nil {
			natTargets = append(natTargets, *ip.NATInsideID)
		}
	}

	if len(natTargets) > 0 {
		var live []uint
		if err := db.Model(&models.IPAddress{}).Where("id IN ?", natTargets).Pluck("id", &live).Error; err != nil {
			return nil, errors.Wrap(err, "load nat partners")
		}
		found := make(map[uint]bool, len(live))
		for _, id := range live {
			found[id] = true
		}
		for _, ip := range snap.addresses {
			if ip.NATInsideID != nil && !found[*ip.NATInsideID] {
				out = append(out, Inconsistency{Kind: kindAddress, ID: ip.ID, CIDR: ip.Address, Problem: ProblemDanglingNAT,
					Stored: "nat inside " + itoa(*ip.NATInsideID)})
			}
		}
	}
	return out, nil
}

// Rebuild rewrites every stored parent pointer of the namespace that differs
// from the derived hierarchy and returns the number of rows changed. On a
// consistent namespace it changes nothing. Overlapping aggregates cannot be
// repaired automatically and abort the rebuild.
func (s *Service) Rebuild(ctx context.Context, nsID uint) (int, error) {
	changed := 0
	err := s.write(ctx, "rebuild", func(tx *gorm.DB) error {
		changed = 0
		snap, err := loadSnapshot(tx, nsID)
		if err != nil {
			return err
		}
		pl := derive(nsID, snap)
		if len(pl.overlaps) > 0 {
			return &HierarchyError{NamespaceID: nsID, Problems: pl.overlaps}
		}
		for _, w := range pl.warnings {
			s.warn(w)
		}

		prefixMoves := map[parentRef][]uint{}
		byKey := map[string]parentRef{}
		for _, p := range snap.prefixes {
			want := pl.prefixParent[p.ID]
			if (parentRef{prefix: p.ParentID, aggregate: p.ParentAggregateID}).equal(want) {
				continue
			}
			k := want.String()
			if _, ok := byKey[k]; !ok {
				byKey[k] = want
			}
			prefixMoves[byKey[k]] = append(prefixMoves[byKey[k]], p.ID)
		}
		for ref, ids := range prefixMoves {
			if err := tx.Model(&models.Prefix{}).Where("id IN ?", ids).Updates(map[string]any{
				"parent_id":           nullable(ref.prefix),
				"parent_aggregate_id": nullable(ref.aggregate),
			}).Error; err != nil {
				return errors.Wrap(err, "rewrite prefix parents")
			}
			changed += len(ids)
			countRelinks(kindPrefix, len(ids))
		}

		addrMoves := map[uint][]uint{}
		var orphans []uint
		for _, ip := range snap.addresses {
			want := pl.addressParent[ip.ID]
			if eqID(ip.ParentID, want) {
				continue
			}
			if want == nil {
				orphans = append(orphans, ip.ID)
			} else {
				addrMoves[*want] = append(addrMoves[*want], ip.ID)
			}
		}
		for parent, ids := range addrMoves {
			if err := tx.Model(&models.IPAddress{}).Where("id IN ?", ids).Update("parent_id", parent).Error; err != nil {
				return errors.Wrap(err, "rewrite address parents")
			}
			changed += len(ids)
			countRelinks(kindAddress, len(ids))
		}
		if len(orphans) > 0 {
			if err := tx.Model(&models.IPAddress{}).Where("id IN ?", orphans).Update("parent_id", nil).Error; err != nil {
				return errors.Wrap(err, "clear address parents")
			}
			changed += len(orphans)
			countRelinks(kindAddress, len(orphans))
		}
		return nil
	}, nsID)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.log.WithFields(logrus.Fields{"namespace": nsID, "changed": changed}).Warn("hierarchy rebuilt")
	}
	return changed, nil
}
