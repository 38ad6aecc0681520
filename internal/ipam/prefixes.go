package ipam

import (
	"context"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type PrefixInput struct {
	NamespaceID uint   `json:"namespace_id"`
	CIDR        string `json:"cidr"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	Tenant      string `json:"tenant"`
	Description string `json:"description"`
}

// PrefixUpdate carries the fields to change; nil means unchanged.
type PrefixUpdate struct {
	NamespaceID *uint   `json:"namespace_id,omitempty"`
	CIDR        *string `json:"cidr,omitempty"`
	Type        *string `json:"type,omitempty"`
	Status      *string `json:"status,omitempty"`
	Role        *string `json:"role,omitempty"`
	Tenant      *string `json:"tenant,omitempty"`
	Description *string `json:"description,omitempty"`
}

func setPrefixCIDR(p *models.Prefix, c cidr.Prefix) {
	p.CIDR = c.String()
	p.IPVersion = int(c.Family())
	p.Network = c.NetworkKey()
	p.Broadcast = c.BroadcastKey()
	p.PrefixLength = c.Bits()
}

func newPrefix(in PrefixInput) (*models.Prefix, error) {
	c, err := cidr.ParsePrefix(in.CIDR)
	if err != nil {
		return nil, err
	}
	typ, err := normPrefixType(in.Type)
	if err != nil {
		return nil, err
	}
	status, err := normPrefixStatus(in.Status)
	if err != nil {
		return nil, err
	}
	p := &models.Prefix{
		NamespaceID: in.NamespaceID,
		Type:        typ,
		Status:      status,
		Role:        in.Role,
		Tenant:      in.Tenant,
		Description: in.Description,
	}
	setPrefixCIDR(p, c)
	return p, nil
}

// CreatePrefix stores the prefix and places it in the hierarchy: below its
// nearest enclosing aggregate or prefix, above everything it now encloses.
func (s *Service) CreatePrefix(ctx context.Context, in PrefixInput) (*models.Prefix, error) {
	p, err := newPrefix(in)
	if err != nil {
		return nil, err
	}
	err = s.write(ctx, "create_prefix", func(tx *gorm.DB) error {
		return s.insertPrefix(tx, p)
	}, p.NamespaceID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"namespace": p.NamespaceID, "cidr": p.CIDR, "parent": p.ParentID, "aggregate": p.ParentAggregateID}).
		Debug("prefix created")
	return p, nil
}

func (s *Service) insertPrefix(tx *gorm.DB, p *models.Prefix) error {
	if err := checkDuplicatePrefix(tx, p.NamespaceID, p.CIDR, 0); err != nil {
		return err
	}
	p.ParentID, p.ParentAggregateID = nil, nil
	if err := tx.Create(p).Error; err != nil {
		return errors.Wrap(err, "create prefix")
	}
	return s.attachPrefix(tx, p)
}

func checkDuplicatePrefix(tx *gorm.DB, nsID uint, c string, selfID uint) error {
	var hit models.Prefix
	err := tx.Where("namespace_id = ? AND cidr = ? AND id <> ?", nsID, c, selfID).First(&hit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "check duplicate prefix")
	}
	return &DuplicateCIDRError{Kind: kindPrefix, NamespaceID: nsID, CIDR: c, ExistingID: hit.ID}
}

func (s *Service) GetPrefix(ctx context.Context, id uint) (*models.Prefix, error) {
	var p models.Prefix
	if err := first(s.db.WithContext(ctx), &p, "prefix", id); err != nil {
		return nil, err
	}
	return &p, nil
}

// PrefixByKey looks a prefix up by its natural key (namespace name, CIDR).
func (s *Service) PrefixByKey(ctx context.Context, namespace, c string) (*models.Prefix, error) {
	pc, err := cidr.ParsePrefix(c)
	if err != nil {
		return nil, err
	}
	ns, err := s.NamespaceByName(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var p models.Prefix
	err = s.db.WithContext(ctx).Where("namespace_id = ? AND cidr = ?", ns.ID, pc.String()).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("prefix", namespace+"/"+pc.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "load prefix")
	}
	return &p, nil
}

// UpdatePrefix changes attributes in place. Moving the prefix (new CIDR or
// namespace) hands its children to its old parent first and then places it
// again from scratch.
func (s *Service) UpdatePrefix(ctx context.Context, id uint, in PrefixUpdate) (*models.Prefix, error) {
	cur, err := s.GetPrefix(ctx, id)
	if err != nil {
		return nil, err
	}
	locks := []uint{cur.NamespaceID}
	if in.NamespaceID != nil {
		locks = append(locks, *in.NamespaceID)
	}

	var p models.Prefix
	err = s.write(ctx, "update_prefix", func(tx *gorm.DB) error {
		if err := first(tx, &p, "prefix", id); err != nil {
			return err
		}
		if in.Type != nil {
			t, err := normPrefixType(*in.Type)
			if err != nil {
				return err
			}
			p.Type = t
		}
		if in.Status != nil {
			st, err := normPrefixStatus(*in.Status)
			if err != nil {
				return err
			}
			p.Status = st
		}
		if in.Role != nil {
			p.Role = *in.Role
		}
		if in.Tenant != nil {
			p.Tenant = *in.Tenant
		}
		if in.Description != nil {
			p.Description = *in.Description
		}

		target, ns := prefixOf(p), p.NamespaceID
		if in.CIDR != nil {
			c, err := cidr.ParsePrefix(*in.CIDR)
			if err != nil {
				return err
			}
			target = c
		}
		if in.NamespaceID != nil {
			ns = *in.NamespaceID
		}
		if target.String() == p.CIDR && ns == p.NamespaceID {
			return errors.Wrap(tx.Save(&p).Error, "update prefix")
		}

		if err := checkDuplicatePrefix(tx, ns, target.String(), p.ID); err != nil {
			return err
		}
		if err := s.detachPrefix(tx, &p); err != nil {
			return err
		}
		setPrefixCIDR(&p, target)
		p.NamespaceID = ns
		p.ParentID, p.ParentAggregateID = nil, nil
		if err := tx.Save(&p).Error; err != nil {
			return errors.Wrap(err, "update prefix")
		}
		return s.attachPrefix(tx, &p)
	}, locks...)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePrefix removes the prefix. Child prefixes move to its parent, child
// addresses to the nearest remaining prefix that holds them.
func (s *Service) DeletePrefix(ctx context.Context, id uint) error {
	cur, err := s.GetPrefix(ctx, id)
	if err != nil {
		return err
	}
	return s.write(ctx, "delete_prefix", func(tx *gorm.DB) error {
		var p models.Prefix
		if err := first(tx, &p, "prefix", id); err != nil {
			return err
		}
		if err := s.detachPrefix(tx, &p); err != nil {
			return err
		}
		if err := tx.Delete(&p).Error; err != nil {
			return errors.Wrap(err, "delete prefix")
		}
		s.log.WithFields(logrus.Fields{"namespace": p.NamespaceID, "cidr": p.CIDR}).Info("prefix deleted")
		return nil
	}, cur.NamespaceID)
}

// PrefixChildren lists the prefixes and addresses directly below a prefix.
func (s *Service) PrefixChildren(ctx context.Context, id uint) ([]models.Prefix, []models.IPAddress, error) {
	if _, err := s.GetPrefix(ctx, id); err != nil {
		return nil, nil, err
	}
	db := s.db.WithContext(ctx)
	var pfxs []models.Prefix
	if err := db.Where("parent_id = ?", id).Order("network, prefix_length").Find(&pfxs).Error; err != nil {
		return nil, nil, errors.Wrap(err, "list child prefixes")
	}
	var addrs []models.IPAddress
	if err := db.Where("parent_id = ?", id).Order("host").Find(&addrs).Error; err != nil {
		return nil, nil, errors.Wrap(err, "list child addresses")
	}
	return pfxs, addrs, nil
}

// Ancestors walks the parent chain of a prefix up to the root; the last
// element may be an aggregate.
func (s *Service) Ancestors(ctx context.Context, id uint) ([]Ref, error) {
	db := s.db.WithContext(ctx)
	var p models.Prefix
	if err := first(db, &p, "prefix", id); err != nil {
		return nil, err
	}
	var out []Ref
	seen := map[uint]bool{p.ID: true}
	for {
		if p.ParentAggregateID != nil {
			var a models.Aggregate
			if err := first(db, &a, "aggregate", *p.ParentAggregateID); err != nil {
				return nil, err
			}
			return append(out, Ref{Kind: kindAggregate, ID: a.ID, CIDR: a.CIDR}), nil
		}
		if p.ParentID == nil {
			return out, nil
		}
		next := *p.ParentID
		if seen[next] {
			return nil, s.dangling(p.NamespaceID, kindPrefix, p.ID, p.CIDR, "parent cycle at prefix", next)
		}
		seen[next] = true
		p = models.Prefix{}
		if err := first(db, &p, "prefix", next); err != nil {
			return nil, err
		}
		out = append(out, Ref{Kind: kindPrefix, ID: p.ID, CIDR: p.CIDR})
	}
}

// Ref names a record of the hierarchy.
type Ref struct {
	Kind string `json:"kind"`
	ID   uint   `json:"id"`
	CIDR string `json:"cidr"`
}
