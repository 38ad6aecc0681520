package ipam

import (
	"context"
	"strings"

	"ipamd/internal/cidr"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Page bounds a list; zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(q *gorm.DB) *gorm.DB {
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	return q
}

type AggregateFilter struct {
	NamespaceID *uint
	RIRID       *uint
	Family      cidr.Family
	Tenant      string
	Within      string // strictly inside this CIDR
	Page
}

type PrefixFilter struct {
	NamespaceID   *uint
	Family        cidr.Family
	Type          string
	Status        string
	Role          string
	Tenant        string
	ParentID      *uint
	Within        string // strictly inside this CIDR
	WithinInclude string // inside or equal
	Contains      string // address or CIDR the prefix must hold
	Page
}

type AddressFilter struct {
	NamespaceID *uint
	Family      cidr.Family
	Status      string
	Role        string
	DNSName     string
	ParentID    *uint
	Within      string
	Page
}

// withinRange restricts q to records inside p; strict drops p itself.
func withinRange(q *gorm.DB, p cidr.Prefix, strict bool) *gorm.DB {
	q = q.Where("ip_version = ? AND network >= ? AND broadcast <= ?", int(p.Family()), p.NetworkKey(), p.BroadcastKey())
	if strict {
		return q.Where("prefix_length > ?", p.Bits())
	}
	return q.Where("prefix_length >= ?", p.Bits())
}

// rangeArgs parses the non-empty range filters of one query. They must share
// an address family, and match family when it is set; a mix would silently
// match nothing.
func rangeArgs(family cidr.Family, raw ...string) ([]cidr.Prefix, error) {
	out := make([]cidr.Prefix, len(raw))
	var first *cidr.Prefix
	for i, v := range raw {
		if v == "" {
			continue
		}
		p, err := parseRange(v)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = &p
		} else if err := first.SameFamily(p); err != nil {
			return nil, err
		}
		if family != 0 && p.Family() != family {
			return nil, invalid("family", family.String(), "does not match "+p.String())
		}
		out[i] = p
	}
	return out, nil
}

// parseRange accepts a CIDR or a bare address, read as its host prefix.
func parseRange(v string) (cidr.Prefix, error) {
	if strings.Contains(v, "/") {
		return cidr.ParsePrefix(v)
	}
	a, err := cidr.ParseAddress(v)
	if err != nil {
		return cidr.Prefix{}, err
	}
	return a.HostPrefix(), nil
}

func (s *Service) ListAggregates(ctx context.Context, f AggregateFilter) ([]models.Aggregate, error) {
	q := s.db.WithContext(ctx).Model(&models.Aggregate{})
	if f.NamespaceID != nil {
		q = q.Where("namespace_id = ?", *f.NamespaceID)
	}
	if f.RIRID != nil {
		q = q.Where("rir_id = ?", *f.RIRID)
	}
	if f.Family != 0 {
		q = q.Where("ip_version = ?", int(f.Family))
	}
	if f.Tenant != "" {
		q = q.Where("tenant = ?", f.Tenant)
	}
	ranges, err := rangeArgs(f.Family, f.Within)
	if err != nil {
		return nil, err
	}
	if f.Within != "" {
		q = withinRange(q, ranges[0], true)
	}
	var out []models.Aggregate
	err = f.Page.apply(q).Order("namespace_id, ip_version, network").Find(&out).Error
	return out, errors.Wrap(err, "list aggregates")
}

func (s *Service) ListPrefixes(ctx context.Context, f PrefixFilter) ([]models.Prefix, error) {
	q := s.db.WithContext(ctx).Model(&models.Prefix{})
	if f.NamespaceID != nil {
		q = q.Where("namespace_id = ?", *f.NamespaceID)
	}
	if f.Family != 0 {
		q = q.Where("ip_version = ?", int(f.Family))
	}
	for col, v := range map[string]string{"type": f.Type, "status": f.Status} {
		if v != "" {
			q = q.Where(col+" = ?", strings.ToLower(v))
		}
	}
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}
	if f.Tenant != "" {
		q = q.Where("tenant = ?", f.Tenant)
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", *f.ParentID)
	}
	ranges, err := rangeArgs(f.Family, f.Within, f.WithinInclude, f.Contains)
	if err != nil {
		return nil, err
	}
	if f.Within != "" {
		q = withinRange(q, ranges[0], true)
	}
	if f.WithinInclude != "" {
		q = withinRange(q, ranges[1], false)
	}
	if f.Contains != "" {
		p := ranges[2]
		q = q.Where("ip_version = ? AND network <= ? AND broadcast >= ? AND prefix_length <= ?",
			int(p.Family()), p.NetworkKey(), p.BroadcastKey(), p.Bits())
	}
	var out []models.Prefix
	err = f.Page.apply(q).Order("namespace_id, ip_version, network, prefix_length").Find(&out).Error
	return out, errors.Wrap(err, "list prefixes")
}

func (s *Service) ListAddresses(ctx context.Context, f AddressFilter) ([]models.IPAddress, error) {
	q := s.db.WithContext(ctx).Model(&models.IPAddress{})
	if f.NamespaceID != nil {
		q = q.Where("namespace_id = ?", *f.NamespaceID)
	}
	if f.Family != 0 {
		q = q.Where("ip_version = ?", int(f.Family))
	}
	for col, v := range map[string]string{"status": f.Status, "role": f.Role, "dns_name": f.DNSName} {
		if v != "" {
			q = q.Where(col+" = ?", strings.ToLower(v))
		}
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", *f.ParentID)
	}
	ranges, err := rangeArgs(f.Family, f.Within)
	if err != nil {
		return nil, err
	}
	if f.Within != "" {
		p := ranges[0]
		q = q.Where("ip_version = ? AND host >= ? AND host <= ?", int(p.Family()), p.NetworkKey(), p.BroadcastKey())
	}
	var out []models.IPAddress
	err = f.Page.apply(q).Order("namespace_id, ip_version, host").Find(&out).Error
	return out, errors.Wrap(err, "list ip addresses")
}
