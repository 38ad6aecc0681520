package ipam

import (
	"context"
	"time"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AggregateInput struct {
	NamespaceID uint       `json:"namespace_id"`
	CIDR        string     `json:"cidr"`
	RIRID       uint       `json:"rir_id"`
	DateAdded   *time.Time `json:"date_added,omitempty"`
	Tenant      string     `json:"tenant"`
	Description string     `json:"description"`
}

// AggregateUpdate carries the fields to change; nil means unchanged.
type AggregateUpdate struct {
	CIDR        *string    `json:"cidr,omitempty"`
	RIRID       *uint      `json:"rir_id,omitempty"`
	DateAdded   *time.Time `json:"date_added,omitempty"`
	Tenant      *string    `json:"tenant,omitempty"`
	Description *string    `json:"description,omitempty"`
}

func setAggregateCIDR(a *models.Aggregate, p cidr.Prefix) {
	a.CIDR = p.String()
	a.IPVersion = int(p.Family())
	a.Network = p.NetworkKey()
	a.Broadcast = p.BroadcastKey()
	a.PrefixLength = p.Bits()
}

// CreateAggregate registers a top-level block. Any shared address with
// another aggregate of the namespace, equality included, is an OverlapError;
// nested space belongs in a Prefix.
func (s *Service) CreateAggregate(ctx context.Context, in AggregateInput) (*models.Aggregate, error) {
	agg, err := newAggregate(in)
	if err != nil {
		return nil, err
	}
	err = s.write(ctx, "create_aggregate", func(tx *gorm.DB) error {
		return s.insertAggregate(tx, agg)
	}, in.NamespaceID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"namespace": agg.NamespaceID, "cidr": agg.CIDR}).Info("aggregate created")
	return agg, nil
}

func newAggregate(in AggregateInput) (*models.Aggregate, error) {
	p, err := cidr.ParsePrefix(in.CIDR)
	if err != nil {
		return nil, err
	}
	agg := &models.Aggregate{
		NamespaceID: in.NamespaceID,
		RIRID:       in.RIRID,
		DateAdded:   in.DateAdded,
		Tenant:      in.Tenant,
		Description: in.Description,
	}
	setAggregateCIDR(agg, p)
	return agg, nil
}

// insertAggregate checks the RIR and the overlap rule, then stores agg and
// adopts the prefixes it covers.
func (s *Service) insertAggregate(tx *gorm.DB, agg *models.Aggregate) error {
	var rir models.RIR
	if err := first(tx, &rir, "rir", agg.RIRID); err != nil {
		return err
	}
	if err := checkAggregateOverlap(tx, agg.NamespaceID, aggregateOf(*agg), 0); err != nil {
		return err
	}
	if err := tx.Create(agg).Error; err != nil {
		return errors.Wrap(err, "create aggregate")
	}
	return s.attachAggregate(tx, agg)
}

func checkAggregateOverlap(tx *gorm.DB, nsID uint, p cidr.Prefix, selfID uint) error {
	var hit models.Aggregate
	err := tx.Where("namespace_id = ? AND ip_version = ? AND network <= ? AND broadcast >= ? AND id <> ?",
		nsID, int(p.Family()), p.BroadcastKey(), p.NetworkKey(), selfID).
		Order("network").First(&hit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "check aggregate overlap")
	}
	return &OverlapError{NamespaceID: nsID, CIDR: p.String(), ConflictID: hit.ID, ConflictCIDR: hit.CIDR}
}

func (s *Service) GetAggregate(ctx context.Context, id uint) (*models.Aggregate, error) {
	var a models.Aggregate
	if err := first(s.db.WithContext(ctx), &a, "aggregate", id); err != nil {
		return nil, err
	}
	return &a, nil
}

// AggregateByKey looks an aggregate up by its natural key.
func (s *Service) AggregateByKey(ctx context.Context, namespace, c string) (*models.Aggregate, error) {
	p, err := cidr.ParsePrefix(c)
	if err != nil {
		return nil, err
	}
	ns, err := s.NamespaceByName(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var a models.Aggregate
	err = s.db.WithContext(ctx).Where("namespace_id = ? AND cidr = ?", ns.ID, p.String()).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("aggregate", namespace+"/"+p.String())
	}
	return &a, errors.Wrap(err, "load aggregate")
}

// UpdateAggregate changes attributes in place. A CIDR change releases the
// aggregate's prefixes and re-attaches whatever the new block encloses.
func (s *Service) UpdateAggregate(ctx context.Context, id uint, in AggregateUpdate) (*models.Aggregate, error) {
	cur, err := s.GetAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	var newCIDR *cidr.Prefix
	if in.CIDR != nil {
		p, err := cidr.ParsePrefix(*in.CIDR)
		if err != nil {
			return nil, err
		}
		if p.String() != cur.CIDR {
			newCIDR = &p
		}
	}

	var agg models.Aggregate
	err = s.write(ctx, "update_aggregate", func(tx *gorm.DB) error {
		if err := first(tx, &agg, "aggregate", id); err != nil {
			return err
		}
		if in.RIRID != nil {
			var rir models.RIR
			if err := first(tx, &rir, "rir", *in.RIRID); err != nil {
				return err
			}
			agg.RIRID = *in.RIRID
		}
		if in.DateAdded != nil {
			agg.DateAdded = in.DateAdded
		}
		if in.Tenant != nil {
			agg.Tenant = *in.Tenant
		}
		if in.Description != nil {
			agg.Description = *in.Description
		}
		if newCIDR == nil {
			return errors.Wrap(tx.Save(&agg).Error, "update aggregate")
		}

		if err := checkAggregateOverlap(tx, agg.NamespaceID, *newCIDR, agg.ID); err != nil {
			return err
		}
		if err := s.detachAggregate(tx, &agg); err != nil {
			return err
		}
		setAggregateCIDR(&agg, *newCIDR)
		if err := tx.Save(&agg).Error; err != nil {
			return errors.Wrap(err, "update aggregate")
		}
		return s.attachAggregate(tx, &agg)
	}, cur.NamespaceID)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// DeleteAggregate removes the aggregate. Its direct prefixes move to the
// nearest prefix enclosing the aggregate, or become roots.
func (s *Service) DeleteAggregate(ctx context.Context, id uint) error {
	cur, err := s.GetAggregate(ctx, id)
	if err != nil {
		return err
	}
	return s.write(ctx, "delete_aggregate", func(tx *gorm.DB) error {
		var agg models.Aggregate
		if err := first(tx, &agg, "aggregate", id); err != nil {
			return err
		}
		if err := s.detachAggregate(tx, &agg); err != nil {
			return err
		}
		if err := tx.Delete(&agg).Error; err != nil {
			return errors.Wrap(err, "delete aggregate")
		}
		s.log.WithFields(logrus.Fields{"namespace": agg.NamespaceID, "cidr": agg.CIDR}).Info("aggregate deleted")
		return nil
	}, cur.NamespaceID)
}

// AggregatePrefixes lists the prefixes directly below the aggregate.
func (s *Service) AggregatePrefixes(ctx context.Context, id uint) ([]models.Prefix, error) {
	if _, err := s.GetAggregate(ctx, id); err != nil {
		return nil, err
	}
	var out []models.Prefix
	err := s.db.WithContext(ctx).Where("parent_aggregate_id = ?", id).Order("network, prefix_length").Find(&out).Error
	return out, errors.Wrap(err, "list aggregate prefixes")
}
