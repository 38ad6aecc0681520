package ipam

import (
	"fmt"
	"sort"
	"strings"

	"ipamd/internal/cidr"

	"github.com/pkg/errors"
)

// ErrNotFound is wrapped by every lookup that finds no live record.
var ErrNotFound = errors.New("not found")

func notFound(kind string, key any) error {
	return errors.Wrapf(ErrNotFound, "%s %v", kind, key)
}

// ValidationError reports malformed input. It is never auto-corrected.
type ValidationError = cidr.ValidationError

func invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// OverlapError rejects an aggregate that shares addresses with another
// aggregate of the same namespace.
type OverlapError struct {
	NamespaceID  uint
	CIDR         string
	ConflictID   uint
	ConflictCIDR string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("aggregate %s overlaps aggregate %s (id %d) in namespace %d",
		e.CIDR, e.ConflictCIDR, e.ConflictID, e.NamespaceID)
}

// DuplicateCIDRError rejects a second prefix (or aggregate) with the same
// CIDR in one namespace.
type DuplicateCIDRError struct {
	Kind        string
	NamespaceID uint
	CIDR        string
	ExistingID  uint
}

func (e *DuplicateCIDRError) Error() string {
	return fmt.Sprintf("%s %s already exists in namespace %d (id %d)", e.Kind, e.CIDR, e.NamespaceID, e.ExistingID)
}

// DuplicateAddressError rejects a second address with the same host in one
// namespace.
type DuplicateAddressError struct {
	NamespaceID uint
	Address     string
	ExistingID  uint
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("ip address %s already exists in namespace %d (id %d)", e.Address, e.NamespaceID, e.ExistingID)
}

// AlreadyNattedError rejects a NAT assignment to an address that already takes
// part in a different NAT pair.
type AlreadyNattedError struct {
	AddressID      uint
	Address        string
	PartnerID      uint
	PartnerAddress string
}

func (e *AlreadyNattedError) Error() string {
	return fmt.Sprintf("ip address %s (id %d) is already NATed with %s (id %d)",
		e.Address, e.AddressID, e.PartnerAddress, e.PartnerID)
}

// DuplicateVLANError rejects a VID or name already used inside a VLAN group.
type DuplicateVLANError struct {
	GroupID    uint
	Field      string
	Value      string
	ExistingID uint
}

func (e *DuplicateVLANError) Error() string {
	return fmt.Sprintf("vlan %s %q already used in group %d (id %d)", e.Field, e.Value, e.GroupID, e.ExistingID)
}

// PrimaryIPInUseError rejects making an address primary on a device while it
// is already the primary address of another device.
type PrimaryIPInUseError struct {
	AddressID uint
	Address   string
	DeviceID  uint
	Device    string
}

func (e *PrimaryIPInUseError) Error() string {
	return fmt.Sprintf("ip address %s (id %d) is already primary on device %s (id %d)",
		e.Address, e.AddressID, e.Device, e.DeviceID)
}

// DependentObjectsError rejects a delete or change while other records still
// reference the object.
type DependentObjectsError struct {
	Object     string
	ID         uint
	Dependents map[string]int64
}

func (e *DependentObjectsError) Error() string {
	parts := make([]string, 0, len(e.Dependents))
	for k, n := range e.Dependents {
		parts = append(parts, fmt.Sprintf("%d %s", n, k))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s %d is referenced by %s", e.Object, e.ID, strings.Join(parts, ", "))
}

// HierarchyError is an internal inconsistency of the stored hierarchy, such
// as a parent pointer to a record that no longer exists.
type HierarchyError struct {
	NamespaceID uint
	Problems    []Inconsistency
}

func (e *HierarchyError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("namespace %d: %s", e.NamespaceID, e.Problems[0])
	}
	return fmt.Sprintf("namespace %d: %d hierarchy problems, first: %s", e.NamespaceID, len(e.Problems), e.Problems[0])
}

// ConsistencyWarning records an ambiguous parent choice. The resolver picks
// the candidate with the lowest network address and reports the rest.
type ConsistencyWarning struct {
	NamespaceID uint
	Subject     string
	Chosen      string
	Candidates  []string
}

func (w ConsistencyWarning) String() string {
	return fmt.Sprintf("namespace %d: %s has %d equally specific parents %v, chose %s",
		w.NamespaceID, w.Subject, len(w.Candidates), w.Candidates, w.Chosen)
}
