package models

import "gorm.io/gorm"

const (
	DeviceKindDevice         = "device"
	DeviceKindVirtualMachine = "virtual-machine"
)

// Device is a physical device or a virtual machine that owns interfaces and
// may designate one primary address per family.
type Device struct {
	gorm.Model
	UUID         string `gorm:"column:uuid;uniqueIndex"`
	Name         string `gorm:"type:varchar(100);index"`
	Kind         string `gorm:"type:varchar(16)"`
	Status       string `gorm:"type:varchar(16)"`
	PrimaryIP4ID *uint  `gorm:"column:primary_ip4_id"`
	PrimaryIP6ID *uint  `gorm:"column:primary_ip6_id"`
}

type Interface struct {
	gorm.Model
	DeviceID uint   `gorm:"column:device_id;index"`
	Name     string `gorm:"type:varchar(64)"`
}

// InterfaceIPAddress assigns an address to an interface.
type InterfaceIPAddress struct {
	gorm.Model
	InterfaceID uint `gorm:"column:interface_id;index"`
	IPAddressID uint `gorm:"column:ip_address_id;index"`
}

func (InterfaceIPAddress) TableName() string { return "interface_ip_addresses" }
