package repo

import (
	"context"
	"strings"

	"ipamd/internal/cidr"
	"ipamd/internal/ipam"
	"ipamd/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DeviceStore keeps devices, virtual machines, their interfaces and the
// per-family primary address of each.
type DeviceStore struct {
	db         *gorm.DB
	preferIPv4 bool
}

// NewDeviceStore takes the primary address preference explicitly: with
// preferIPv4 false the IPv6 primary wins when both are set.
func NewDeviceStore(db *gorm.DB, preferIPv4 bool) *DeviceStore {
	return &DeviceStore{db: db, preferIPv4: preferIPv4}
}

func notFound(kind string, key any) error {
	return errors.Wrapf(ipam.ErrNotFound, "%s %v", kind, key)
}

func invalid(field, value, reason string) error {
	return &ipam.ValidationError{Field: field, Value: value, Reason: reason}
}

func (s *DeviceStore) CreateDevice(ctx context.Context, name, kind string) (*models.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", name, "required")
	}
	switch kind {
	case "":
		kind = models.DeviceKindDevice
	case models.DeviceKindDevice, models.DeviceKindVirtualMachine:
	default:
		return nil, invalid("kind", kind, "must be device or virtual-machine")
	}
	d := &models.Device{UUID: uuid.NewString(), Name: name, Kind: kind, Status: models.StatusActive}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return nil, errors.Wrap(err, "create device")
	}
	return d, nil
}

func (s *DeviceStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return deviceByUUID(s.db.WithContext(ctx), id)
}

func deviceByUUID(tx *gorm.DB, id string) (*models.Device, error) {
	var d models.Device
	err := tx.Where("uuid = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("device", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load device %s", id)
	}
	return &d, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list devices")
}

// DeleteDevice removes the device with its interfaces and their address
// assignments. The addresses themselves stay.
func (s *DeviceStore) DeleteDevice(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := deviceByUUID(tx, id)
		if err != nil {
			return err
		}
		var ifIDs []uint
		if err := tx.Model(&models.Interface{}).Where("device_id = ?", d.ID).Pluck("id", &ifIDs).Error; err != nil {
			return errors.Wrap(err, "load interfaces")
		}
		if len(ifIDs) > 0 {
			if err := tx.Where("interface_id IN ?", ifIDs).Delete(&models.InterfaceIPAddress{}).Error; err != nil {
				return errors.Wrap(err, "delete assignments")
			}
			if err := tx.Where("id IN ?", ifIDs).Delete(&models.Interface{}).Error; err != nil {
				return errors.Wrap(err, "delete interfaces")
			}
		}
		return errors.Wrap(tx.Delete(d).Error, "delete device")
	})
}

// ── interfaces ─────────────────────────────────────────

func (s *DeviceStore) AddInterface(ctx context.Context, deviceID, name string) (*models.Interface, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", name, "required")
	}
	var out *models.Interface
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := deviceByUUID(tx, deviceID)
		if err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.Interface{}).Where("device_id = ? AND name = ?", d.ID, name).Count(&n).Error; err != nil {
			return errors.Wrap(err, "check interface name")
		}
		if n > 0 {
			return invalid("name", name, "interface already exists on device")
		}
		out = &models.Interface{DeviceID: d.ID, Name: name}
		return errors.Wrap(tx.Create(out).Error, "create interface")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DeviceStore) Interfaces(ctx context.Context, deviceID string) ([]models.Interface, error) {
	db := s.db.WithContext(ctx)
	d, err := deviceByUUID(db, deviceID)
	if err != nil {
		return nil, err
	}
	var out []models.Interface
	err = db.Where("device_id = ?", d.ID).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list interfaces")
}

// AssignIP puts an address on an interface; assigning twice is a no-op.
func (s *DeviceStore) AssignIP(ctx context.Context, interfaceID, ipID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ifc models.Interface
		if err := first(tx, &ifc, "interface", interfaceID); err != nil {
			return err
		}
		var ip models.IPAddress
		if err := first(tx, &ip, "ip address", ipID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.InterfaceIPAddress{}).
			Where("interface_id = ? AND ip_address_id = ?", interfaceID, ipID).Count(&n).Error; err != nil {
			return errors.Wrap(err, "check assignment")
		}
		if n > 0 {
			return nil
		}
		return errors.Wrap(tx.Create(&models.InterfaceIPAddress{InterfaceID: interfaceID, IPAddressID: ipID}).Error, "assign ip")
	})
}

// UnassignIP takes an address off an interface. When the device no longer
// holds the address anywhere, a primary pointer to it is cleared.
func (s *DeviceStore) UnassignIP(ctx context.Context, interfaceID, ipID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ifc models.Interface
		if err := first(tx, &ifc, "interface", interfaceID); err != nil {
			return err
		}
		res := tx.Where("interface_id = ? AND ip_address_id = ?", interfaceID, ipID).Delete(&models.InterfaceIPAddress{})
		if res.Error != nil {
			return errors.Wrap(res.Error, "unassign ip")
		}
		if res.RowsAffected == 0 {
			return notFound("assignment", ipID)
		}
		onDevice, err := deviceHolds(tx, ifc.DeviceID, ipID)
		if err != nil || onDevice {
			return err
		}
		for _, col := range []string{"primary_ip4_id", "primary_ip6_id"} {
			if err := tx.Model(&models.Device{}).Where("id = ? AND "+col+" = ?", ifc.DeviceID, ipID).Update(col, nil).Error; err != nil {
				return errors.Wrap(err, "clear primary ip")
			}
		}
		return nil
	})
}

func deviceHolds(tx *gorm.DB, deviceID, ipID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.InterfaceIPAddress{}).
		Joins("JOIN interfaces ON interfaces.id = interface_ip_addresses.interface_id AND interfaces.deleted_at IS NULL").
		Where("interfaces.device_id = ? AND interface_ip_addresses.ip_address_id = ?", deviceID, ipID).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "check device addresses")
	}
	return n > 0, nil
}

// DeviceAddresses lists every address assigned to the device's interfaces.
func (s *DeviceStore) DeviceAddresses(ctx context.Context, deviceID string) ([]models.IPAddress, error) {
	db := s.db.WithContext(ctx)
	d, err := deviceByUUID(db, deviceID)
	if err != nil {
		return nil, err
	}
	var out []models.IPAddress
	err = db.Where("id IN (?)",
		db.Model(&models.InterfaceIPAddress{}).Select("interface_ip_addresses.ip_address_id").
			Joins("JOIN interfaces ON interfaces.id = interface_ip_addresses.interface_id AND interfaces.deleted_at IS NULL").
			Where("interfaces.device_id = ?", d.ID)).
		Order("ip_version, host").Find(&out).Error
	return out, errors.Wrap(err, "list device addresses")
}

// ── primary addresses ──────────────────────────────────

func primaryColumn(f cidr.Family) string {
	if f == cidr.IPv4 {
		return "primary_ip4_id"
	}
	return "primary_ip6_id"
}

// SetPrimaryIP makes ipID the device's primary address of its family. The
// address must be of that family, assigned to one of the device's interfaces
// and not primary on any other device.
func (s *DeviceStore) SetPrimaryIP(ctx context.Context, deviceID string, ipID uint, family cidr.Family) error {
	if family != cidr.IPv4 && family != cidr.IPv6 {
		return invalid("family", family.String(), "must be ipv4 or ipv6")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := deviceByUUID(tx, deviceID)
		if err != nil {
			return err
		}
		var ip models.IPAddress
		if err := first(tx, &ip, "ip address", ipID); err != nil {
			return err
		}
		if cidr.Family(ip.IPVersion) != family {
			return invalid("primary_ip", ip.Address, "address is not "+family.String())
		}
		held, err := deviceHolds(tx, d.ID, ip.ID)
		if err != nil {
			return err
		}
		if !held {
			return invalid("primary_ip", ip.Address, "address is not assigned to an interface of "+d.Name)
		}
		var other models.Device
		err = tx.Where(primaryColumn(family)+" = ? AND id <> ?", ip.ID, d.ID).Take(&other).Error
		switch {
		case err == nil:
			return &ipam.PrimaryIPInUseError{AddressID: ip.ID, Address: ip.Address, DeviceID: other.ID, Device: other.Name}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return errors.Wrap(err, "check primary ip owner")
		}
		return errors.Wrap(tx.Model(d).Update(primaryColumn(family), ip.ID).Error, "set primary ip")
	})
}

func (s *DeviceStore) ClearPrimaryIP(ctx context.Context, deviceID string, family cidr.Family) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := deviceByUUID(tx, deviceID)
		if err != nil {
			return err
		}
		return errors.Wrap(tx.Model(d).Update(primaryColumn(family), nil).Error, "clear primary ip")
	})
}

// PrimaryIP returns the device's primary address: the preferred family when
// set, otherwise the other one. Nil when neither is set.
func (s *DeviceStore) PrimaryIP(ctx context.Context, deviceID string) (*models.IPAddress, error) {
	db := s.db.WithContext(ctx)
	d, err := deviceByUUID(db, deviceID)
	if err != nil {
		return nil, err
	}
	order := []*uint{d.PrimaryIP6ID, d.PrimaryIP4ID}
	if s.preferIPv4 {
		order = []*uint{d.PrimaryIP4ID, d.PrimaryIP6ID}
	}
	for _, id := range order {
		if id == nil {
			continue
		}
		var ip models.IPAddress
		if err := first(db, &ip, "ip address", *id); err != nil {
			return nil, err
		}
		return &ip, nil
	}
	return nil, nil
}

func first(tx *gorm.DB, dst any, kind string, id uint) error {
	if err := tx.First(dst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(kind, id)
		}
		return errors.Wrapf(err, "load %s %d", kind, id)
	}
	return nil
}
