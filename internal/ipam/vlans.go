package ipam

import (
	"context"
	"strconv"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type VLANInput struct {
	VLANGroupID *uint  `json:"vlan_group_id,omitempty"`
	VID         int    `json:"vid"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	Tenant      string `json:"tenant"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

type VLANUpdate struct {
	VLANGroupID *uint   `json:"vlan_group_id,omitempty"`
	VID         *int    `json:"vid,omitempty"`
	Name        *string `json:"name,omitempty"`
	Status      *string `json:"status,omitempty"`
	Role        *string `json:"role,omitempty"`
	Tenant      *string `json:"tenant,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
}

type VLANFilter struct {
	VLANGroupID *uint
	VID         int
	Status      string
	Tenant      string
	Page
}

// ── groups ─────────────────────────────────────────────

func (s *Service) CreateVLANGroup(ctx context.Context, name, description string) (*models.VLANGroup, error) {
	name, err := trimName("name", name, 100)
	if err != nil {
		return nil, err
	}
	g := &models.VLANGroup{Name: name, Description: description}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.VLANGroup{}).Where("name = ?", name).Count(&n).Error; err != nil {
			return errors.Wrap(err, "check vlan group name")
		}
		if n > 0 {
			return invalid("name", name, "vlan group already exists")
		}
		return errors.Wrap(tx.Create(g).Error, "create vlan group")
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) ListVLANGroups(ctx context.Context) ([]models.VLANGroup, error) {
	var out []models.VLANGroup
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list vlan groups")
}

func (s *Service) DeleteVLANGroup(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g models.VLANGroup
		if err := first(tx, &g, "vlan group", id); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.VLAN{}).Where("vlan_group_id = ?", id).Count(&n).Error; err != nil {
			return errors.Wrap(err, "count vlans")
		}
		if n > 0 {
			return &DependentObjectsError{Object: "vlan group", ID: id, Dependents: map[string]int64{"vlans": n}}
		}
		return errors.Wrap(tx.Delete(&g).Error, "delete vlan group")
	})
}

// ── VLANs ──────────────────────────────────────────────

// checkVLANUnique enforces VID and name uniqueness inside the group. VLANs
// without a group are not constrained.
func checkVLANUnique(tx *gorm.DB, v *models.VLAN) error {
	if v.VLANGroupID == nil {
		return nil
	}
	var g models.VLANGroup
	if err := first(tx, &g, "vlan group", *v.VLANGroupID); err != nil {
		return err
	}
	var hit models.VLAN
	err := tx.Where("vlan_group_id = ? AND vid = ? AND id <> ?", *v.VLANGroupID, v.VID, v.ID).First(&hit).Error
	if err == nil {
		return &DuplicateVLANError{GroupID: *v.VLANGroupID, Field: "vid", Value: strconv.Itoa(v.VID), ExistingID: hit.ID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "check vlan vid")
	}
	err = tx.Where("vlan_group_id = ? AND name = ? AND id <> ?", *v.VLANGroupID, v.Name, v.ID).First(&hit).Error
	if err == nil {
		return &DuplicateVLANError{GroupID: *v.VLANGroupID, Field: "name", Value: v.Name, ExistingID: hit.ID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "check vlan name")
	}
	return nil
}

func (s *Service) CreateVLAN(ctx context.Context, in VLANInput) (*models.VLAN, error) {
	if err := normVID(in.VID); err != nil {
		return nil, err
	}
	name, err := trimName("name", in.Name, 64)
	if err != nil {
		return nil, err
	}
	status, err := normVLANStatus(in.Status)
	if err != nil {
		return nil, err
	}
	v := &models.VLAN{
		VLANGroupID: in.VLANGroupID,
		VID:         in.VID,
		Name:        name,
		Status:      status,
		Role:        in.Role,
		Tenant:      in.Tenant,
		Location:    in.Location,
		Description: in.Description,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkVLANUnique(tx, v); err != nil {
			return err
		}
		return errors.Wrap(tx.Create(v).Error, "create vlan")
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) GetVLAN(ctx context.Context, id uint) (*models.VLAN, error) {
	var v models.VLAN
	if err := first(s.db.WithContext(ctx), &v, "vlan", id); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Service) UpdateVLAN(ctx context.Context, id uint, in VLANUpdate) (*models.VLAN, error) {
	var v models.VLAN
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := first(tx, &v, "vlan", id); err != nil {
			return err
		}
		if in.VLANGroupID != nil {
			v.VLANGroupID = in.VLANGroupID
		}
		if in.VID != nil {
			if err := normVID(*in.VID); err != nil {
				return err
			}
			v.VID = *in.VID
		}
		if in.Name != nil {
			n, err := trimName("name", *in.Name, 64)
			if err != nil {
				return err
			}
			v.Name = n
		}
		if in.Status != nil {
			st, err := normVLANStatus(*in.Status)
			if err != nil {
				return err
			}
			v.Status = st
		}
		if in.Role != nil {
			v.Role = *in.Role
		}
		if in.Tenant != nil {
			v.Tenant = *in.Tenant
		}
		if in.Location != nil {
			v.Location = *in.Location
		}
		if in.Description != nil {
			v.Description = *in.Description
		}
		if err := checkVLANUnique(tx, &v); err != nil {
			return err
		}
		return errors.Wrap(tx.Save(&v).Error, "update vlan")
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Service) DeleteVLAN(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v models.VLAN
		if err := first(tx, &v, "vlan", id); err != nil {
			return err
		}
		return errors.Wrap(tx.Delete(&v).Error, "delete vlan")
	})
}

func (s *Service) ListVLANs(ctx context.Context, f VLANFilter) ([]models.VLAN, error) {
	q := s.db.WithContext(ctx).Model(&models.VLAN{})
	if f.VLANGroupID != nil {
		q = q.Where("vlan_group_id = ?", *f.VLANGroupID)
	}
	if f.VID != 0 {
		q = q.Where("vid = ?", f.VID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Tenant != "" {
		q = q.Where("tenant = ?", f.Tenant)
	}
	var out []models.VLAN
	err := f.Page.apply(q).Order("vlan_group_id, vid").Find(&out).Error
	return out, errors.Wrap(err, "list vlans")
}
