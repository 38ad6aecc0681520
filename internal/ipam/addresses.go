package ipam

import (
	"context"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AddressInput struct {
	NamespaceID uint   `json:"namespace_id"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	DNSName     string `json:"dns_name"`
	Description string `json:"description"`
}

// AddressUpdate carries the fields to change; nil means unchanged.
type AddressUpdate struct {
	NamespaceID *uint   `json:"namespace_id,omitempty"`
	Address     *string `json:"address,omitempty"`
	Status      *string `json:"status,omitempty"`
	Role        *string `json:"role,omitempty"`
	DNSName     *string `json:"dns_name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func setAddress(ip *models.IPAddress, a cidr.Address) {
	ip.Address = a.String()
	ip.IPVersion = int(a.Family())
	ip.Host = a.Key()
	ip.MaskLength = a.Bits()
}

func newAddress(in AddressInput) (*models.IPAddress, error) {
	a, err := cidr.ParseAddress(in.Address)
	if err != nil {
		return nil, err
	}
	status, err := normAddressStatus(in.Status)
	if err != nil {
		return nil, err
	}
	role, err := normAddressRole(in.Role)
	if err != nil {
		return nil, err
	}
	dns, err := normDNSName(in.DNSName)
	if err != nil {
		return nil, err
	}
	ip := &models.IPAddress{
		NamespaceID: in.NamespaceID,
		Status:      status,
		Role:        role,
		DNSName:     dns,
		Description: in.Description,
	}
	setAddress(ip, a)
	return ip, nil
}

// AssignAddress is CreateAddress with default attributes.
func (s *Service) AssignAddress(ctx context.Context, namespaceID uint, address string) (*models.IPAddress, error) {
	return s.CreateAddress(ctx, AddressInput{NamespaceID: namespaceID, Address: address})
}

// CreateAddress stores the address below the most specific prefix of its
// namespace that holds the host. Without such a prefix it stays unparented.
func (s *Service) CreateAddress(ctx context.Context, in AddressInput) (*models.IPAddress, error) {
	ip, err := newAddress(in)
	if err != nil {
		return nil, err
	}
	err = s.write(ctx, "create_address", func(tx *gorm.DB) error {
		return s.insertAddress(tx, ip)
	}, ip.NamespaceID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"namespace": ip.NamespaceID, "address": ip.Address, "parent": ip.ParentID}).Debug("ip address created")
	return ip, nil
}

func (s *Service) insertAddress(tx *gorm.DB, ip *models.IPAddress) error {
	if err := checkDuplicateAddress(tx, ip, 0); err != nil {
		return err
	}
	parent, err := s.resolveAddressParent(tx, ip.NamespaceID, hostOf(*ip))
	if err != nil {
		return err
	}
	ip.ParentID = parent
	return errors.Wrap(tx.Create(ip).Error, "create ip address")
}

func checkDuplicateAddress(tx *gorm.DB, ip *models.IPAddress, selfID uint) error {
	var hit models.IPAddress
	err := tx.Where("namespace_id = ? AND ip_version = ? AND host = ? AND id <> ?",
		ip.NamespaceID, ip.IPVersion, ip.Host, selfID).First(&hit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "check duplicate address")
	}
	return &DuplicateAddressError{NamespaceID: ip.NamespaceID, Address: ip.Address, ExistingID: hit.ID}
}

func (s *Service) GetAddress(ctx context.Context, id uint) (*models.IPAddress, error) {
	var ip models.IPAddress
	if err := first(s.db.WithContext(ctx), &ip, "ip address", id); err != nil {
		return nil, err
	}
	return &ip, nil
}

// AddressByKey looks an address up by namespace name and host.
func (s *Service) AddressByKey(ctx context.Context, namespace, host string) (*models.IPAddress, error) {
	a, err := cidr.ParseAddress(host)
	if err != nil {
		return nil, err
	}
	ns, err := s.NamespaceByName(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var ip models.IPAddress
	err = s.db.WithContext(ctx).Where("namespace_id = ? AND ip_version = ? AND host = ?", ns.ID, int(a.Family()), a.Key()).First(&ip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("ip address", namespace+"/"+a.Host().String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "load ip address")
	}
	return &ip, nil
}

// UpdateAddress changes attributes; a new host or namespace re-resolves the
// parent prefix.
func (s *Service) UpdateAddress(ctx context.Context, id uint, in AddressUpdate) (*models.IPAddress, error) {
	cur, err := s.GetAddress(ctx, id)
	if err != nil {
		return nil, err
	}
	locks := []uint{cur.NamespaceID}
	if in.NamespaceID != nil {
		locks = append(locks, *in.NamespaceID)
	}

	var ip models.IPAddress
	err = s.write(ctx, "update_address", func(tx *gorm.DB) error {
		if err := first(tx, &ip, "ip address", id); err != nil {
			return err
		}
		if in.Status != nil {
			st, err := normAddressStatus(*in.Status)
			if err != nil {
				return err
			}
			ip.Status = st
		}
		if in.Role != nil {
			r, err := normAddressRole(*in.Role)
			if err != nil {
				return err
			}
			ip.Role = r
		}
		if in.DNSName != nil {
			d, err := normDNSName(*in.DNSName)
			if err != nil {
				return err
			}
			ip.DNSName = d
		}
		if in.Description != nil {
			ip.Description = *in.Description
		}

		moved := false
		if in.Address != nil {
			a, err := cidr.ParseAddress(*in.Address)
			if err != nil {
				return err
			}
			moved = a.Key() != ip.Host || int(a.Family()) != ip.IPVersion
			setAddress(&ip, a)
		}
		if in.NamespaceID != nil && *in.NamespaceID != ip.NamespaceID {
			ip.NamespaceID = *in.NamespaceID
			moved = true
		}
		if moved {
			if err := checkDuplicateAddress(tx, &ip, ip.ID); err != nil {
				return err
			}
			parent, err := s.resolveAddressParent(tx, ip.NamespaceID, hostOf(ip))
			if err != nil {
				return err
			}
			ip.ParentID = parent
		}
		return errors.Wrap(tx.Save(&ip).Error, "update ip address")
	}, locks...)
	if err != nil {
		return nil, err
	}
	return &ip, nil
}

// DeleteAddress removes the address with every reference to it: NAT links in
// both directions, interface assignments and device primary pointers.
func (s *Service) DeleteAddress(ctx context.Context, id uint) error {
	cur, err := s.GetAddress(ctx, id)
	if err != nil {
		return err
	}
	return s.write(ctx, "delete_address", func(tx *gorm.DB) error {
		var ip models.IPAddress
		if err := first(tx, &ip, "ip address", id); err != nil {
			return err
		}
		if err := tx.Model(&models.IPAddress{}).Where("nat_inside_id = ?", id).Update("nat_inside_id", nil).Error; err != nil {
			return errors.Wrap(err, "clear nat outside")
		}
		if err := tx.Where("ip_address_id = ?", id).Delete(&models.InterfaceIPAddress{}).Error; err != nil {
			return errors.Wrap(err, "remove interface assignments")
		}
		if err := tx.Model(&models.Device{}).Where("primary_ip4_id = ?", id).Update("primary_ip4_id", nil).Error; err != nil {
			return errors.Wrap(err, "clear primary ipv4")
		}
		if err := tx.Model(&models.Device{}).Where("primary_ip6_id = ?", id).Update("primary_ip6_id", nil).Error; err != nil {
			return errors.Wrap(err, "clear primary ipv6")
		}
		// release the unique nat_inside_id slot before the soft delete
		if ip.NATInsideID != nil {
			if err := tx.Model(&ip).Update("nat_inside_id", nil).Error; err != nil {
				return errors.Wrap(err, "clear nat inside")
			}
		}
		return errors.Wrap(tx.Delete(&ip).Error, "delete ip address")
	}, cur.NamespaceID)
}

// ── NAT ────────────────────────────────────────────────

// SetNATInside records that outside translates to inside. A pair is 1:1:
// neither address may already be part of a different pair.
func (s *Service) SetNATInside(ctx context.Context, outsideID, insideID uint) error {
	if outsideID == insideID {
		return invalid("nat_inside", itoa(insideID), "an address cannot NAT to itself")
	}
	out, err := s.GetAddress(ctx, outsideID)
	if err != nil {
		return err
	}
	in, err := s.GetAddress(ctx, insideID)
	if err != nil {
		return err
	}
	return s.write(ctx, "set_nat_inside", func(tx *gorm.DB) error {
		var a, b models.IPAddress
		if err := first(tx, &a, "ip address", outsideID); err != nil {
			return err
		}
		if err := first(tx, &b, "ip address", insideID); err != nil {
			return err
		}
		if a.NATInsideID != nil {
			if *a.NATInsideID == b.ID {
				return nil
			}
			return natted(tx, &a, *a.NATInsideID)
		}
		if b.NATInsideID != nil {
			return natted(tx, &b, *b.NATInsideID)
		}
		var other models.IPAddress
		err := tx.Where("nat_inside_id IN ?", []uint{a.ID, b.ID}).First(&other).Error
		if err == nil {
			if *other.NATInsideID == a.ID {
				return &AlreadyNattedError{AddressID: a.ID, Address: a.Address, PartnerID: other.ID, PartnerAddress: other.Address}
			}
			return &AlreadyNattedError{AddressID: b.ID, Address: b.Address, PartnerID: other.ID, PartnerAddress: other.Address}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "check nat partner")
		}
		return errors.Wrap(tx.Model(&a).Update("nat_inside_id", b.ID).Error, "set nat inside")
	}, out.NamespaceID, in.NamespaceID)
}

func natted(tx *gorm.DB, ip *models.IPAddress, partnerID uint) error {
	var p models.IPAddress
	if err := first(tx, &p, "ip address", partnerID); err != nil {
		return err
	}
	return &AlreadyNattedError{AddressID: ip.ID, Address: ip.Address, PartnerID: p.ID, PartnerAddress: p.Address}
}

// ClearNATInside removes the pair outside belongs to as the outside half.
func (s *Service) ClearNATInside(ctx context.Context, outsideID uint) error {
	out, err := s.GetAddress(ctx, outsideID)
	if err != nil {
		return err
	}
	return s.write(ctx, "clear_nat_inside", func(tx *gorm.DB) error {
		return errors.Wrap(tx.Model(&models.IPAddress{}).Where("id = ?", outsideID).Update("nat_inside_id", nil).Error, "clear nat inside")
	}, out.NamespaceID)
}

// NATOutside returns the address whose inside half is insideID, or nil.
func (s *Service) NATOutside(ctx context.Context, insideID uint) (*models.IPAddress, error) {
	if _, err := s.GetAddress(ctx, insideID); err != nil {
		return nil, err
	}
	var out models.IPAddress
	err := s.db.WithContext(ctx).Where("nat_inside_id = ?", insideID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load nat outside")
	}
	return &out, nil
}
