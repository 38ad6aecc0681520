package ipam

import (
	"context"
	"math/big"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
)

type Utilization struct {
	Used    *big.Int `json:"used"`
	Total   *big.Int `json:"total"`
	Percent float64  `json:"percent"`
}

func newUtilization(used, total *big.Int) Utilization {
	u := Utilization{Used: used, Total: total}
	if total.Sign() > 0 {
		r := new(big.Rat).SetFrac(new(big.Int).Mul(used, big.NewInt(100)), total)
		u.Percent, _ = r.Float64()
	}
	return u
}

func sumSizes(ps []models.Prefix) *big.Int {
	sum := new(big.Int)
	for _, p := range ps {
		sum.Add(sum, prefixOf(p).Size())
	}
	return sum
}

// PrefixUtilization reports how much of a prefix is in use. A container
// counts the space of its child prefixes; networks and pools count their
// addresses against the usable host range.
func (s *Service) PrefixUtilization(ctx context.Context, id uint) (Utilization, error) {
	p, err := s.GetPrefix(ctx, id)
	if err != nil {
		return Utilization{}, err
	}
	db := s.db.WithContext(ctx)
	if p.Type == models.PrefixTypeContainer {
		var children []models.Prefix
		if err := db.Select("cidr").Where("parent_id = ?", id).Find(&children).Error; err != nil {
			return Utilization{}, errors.Wrap(err, "load child prefixes")
		}
		return newUtilization(sumSizes(children), prefixOf(*p).Size()), nil
	}

	lo, hi, ok := usableRange(*p)
	if !ok {
		return newUtilization(new(big.Int), new(big.Int)), nil
	}
	var n int64
	err = db.Model(&models.IPAddress{}).
		Where("namespace_id = ? AND ip_version = ? AND host >= ? AND host <= ?", p.NamespaceID, p.IPVersion, cidr.Key(lo), cidr.Key(hi)).
		Count(&n).Error
	if err != nil {
		return Utilization{}, errors.Wrap(err, "count addresses")
	}
	total := prefixOf(*p).Size()
	if lo != prefixOf(*p).Addr() {
		total.Sub(total, big.NewInt(2))
	}
	return newUtilization(big.NewInt(n), total), nil
}

// AggregateUtilization counts the space of the aggregate's direct prefixes.
func (s *Service) AggregateUtilization(ctx context.Context, id uint) (Utilization, error) {
	a, err := s.GetAggregate(ctx, id)
	if err != nil {
		return Utilization{}, err
	}
	var children []models.Prefix
	if err := s.db.WithContext(ctx).Select("cidr").Where("parent_aggregate_id = ?", id).Find(&children).Error; err != nil {
		return Utilization{}, errors.Wrap(err, "load child prefixes")
	}
	return newUtilization(sumSizes(children), aggregateOf(*a).Size()), nil
}
