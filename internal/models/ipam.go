package models

import (
	"time"

	"gorm.io/gorm"
)

// Prefix types.
const (
	PrefixTypeNetwork   = "network"
	PrefixTypeContainer = "container"
	PrefixTypePool      = "pool"
)

// Statuses shared by prefixes, addresses and VLANs.
const (
	StatusActive     = "active"
	StatusReserved   = "reserved"
	StatusDeprecated = "deprecated"
	StatusDHCP       = "dhcp"  // addresses only
	StatusSLAAC      = "slaac" // addresses only
)

// Functional roles of an IP address. The set is fixed.
const (
	IPRoleLoopback  = "loopback"
	IPRoleSecondary = "secondary"
	IPRoleAnycast   = "anycast"
	IPRoleVIP       = "vip"
	IPRoleVRRP      = "vrrp"
	IPRoleHSRP      = "hsrp"
	IPRoleGLBP      = "glbp"
)

// Namespace partitions the address space; CIDRs are only compared inside one.
type Namespace struct {
	gorm.Model
	Name        string `gorm:"type:varchar(100);index"`
	Description string `gorm:"type:varchar(255)"`
}

// RIR is the allocating authority of an aggregate.
type RIR struct {
	gorm.Model
	Name        string `gorm:"type:varchar(100);index"`
	IsPrivate   bool   `gorm:"column:is_private"`
	Description string `gorm:"type:varchar(255)"`
}

func (RIR) TableName() string { return "rirs" }

// Aggregate is a top-level block. Aggregates of one namespace never overlap.
type Aggregate struct {
	gorm.Model
	NamespaceID  uint       `gorm:"column:namespace_id;index"`
	RIRID        uint       `gorm:"column:rir_id;index"`
	CIDR         string     `gorm:"column:cidr;type:varchar(64)"`
	IPVersion    int        `gorm:"column:ip_version;index:idx_agg_range,priority:1"`
	Network      string     `gorm:"column:network;type:varchar(32);index:idx_agg_range,priority:2"`
	Broadcast    string     `gorm:"column:broadcast;type:varchar(32)"`
	PrefixLength int        `gorm:"column:prefix_length"`
	DateAdded    *time.Time `gorm:"column:date_added"`
	Tenant       string     `gorm:"type:varchar(100)"`
	Description  string     `gorm:"type:varchar(255)"`
}

// Prefix is any block that is not an aggregate. At most one of ParentID and
// ParentAggregateID is set: the nearest enclosing record in the namespace.
type Prefix struct {
	gorm.Model
	NamespaceID       uint   `gorm:"column:namespace_id;index"`
	CIDR              string `gorm:"column:cidr;type:varchar(64)"`
	IPVersion         int    `gorm:"column:ip_version;index:idx_pfx_range,priority:1"`
	Network           string `gorm:"column:network;type:varchar(32);index:idx_pfx_range,priority:2"`
	Broadcast         string `gorm:"column:broadcast;type:varchar(32)"`
	PrefixLength      int    `gorm:"column:prefix_length"`
	Type              string `gorm:"type:varchar(16)"`
	Status            string `gorm:"type:varchar(16)"`
	Role              string `gorm:"type:varchar(64)"`
	Tenant            string `gorm:"type:varchar(100);index"`
	Description       string `gorm:"type:varchar(255)"`
	ParentID          *uint  `gorm:"column:parent_id;index"`
	ParentAggregateID *uint  `gorm:"column:parent_aggregate_id;index"`
}

// IPAddress is a host address with its mask. ParentID is the nearest
// enclosing prefix; NATInsideID points at the inside address when this one is
// the outside half of a NAT pair.
type IPAddress struct {
	gorm.Model
	NamespaceID uint   `gorm:"column:namespace_id;index:idx_ip_host,priority:1"`
	Address     string `gorm:"column:address;type:varchar(64)"`
	IPVersion   int    `gorm:"column:ip_version;index:idx_ip_host,priority:2"`
	Host        string `gorm:"column:host;type:varchar(32);index:idx_ip_host,priority:3"`
	MaskLength  int    `gorm:"column:mask_length"`
	Status      string `gorm:"type:varchar(16)"`
	Role        string `gorm:"type:varchar(16)"`
	DNSName     string `gorm:"column:dns_name;type:varchar(255)"`
	Description string `gorm:"type:varchar(255)"`
	ParentID    *uint  `gorm:"column:parent_id;index"`
	NATInsideID *uint  `gorm:"column:nat_inside_id;uniqueIndex"`
}

func (IPAddress) TableName() string { return "ip_addresses" }

type VLANGroup struct {
	gorm.Model
	Name        string `gorm:"type:varchar(100);index"`
	Description string `gorm:"type:varchar(255)"`
}

func (VLANGroup) TableName() string { return "vlan_groups" }

// VLAN ids and names are unique inside a group only.
type VLAN struct {
	gorm.Model
	VLANGroupID *uint  `gorm:"column:vlan_group_id;index"`
	VID         int    `gorm:"column:vid"`
	Name        string `gorm:"type:varchar(64)"`
	Status      string `gorm:"type:varchar(16)"`
	Role        string `gorm:"type:varchar(64)"`
	Tenant      string `gorm:"type:varchar(100)"`
	Location    string `gorm:"type:varchar(100)"`
	Description string `gorm:"type:varchar(255)"`
}

func (VLAN) TableName() string { return "vlans" }
