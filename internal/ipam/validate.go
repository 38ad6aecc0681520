package ipam

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"ipamd/internal/models"
)

/* ——— validators ——— */

var reDNSName = regexp.MustCompile(`^(?i:\*\.)?(?i:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9])?)(?:\.(?i:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9])?))*\.?$`)

var (
	prefixStatuses  = []string{models.StatusActive, models.StatusReserved, models.StatusDeprecated}
	addressStatuses = []string{models.StatusActive, models.StatusReserved, models.StatusDeprecated, models.StatusDHCP, models.StatusSLAAC}
	vlanStatuses    = []string{models.StatusActive, models.StatusReserved, models.StatusDeprecated}
	prefixTypes     = []string{models.PrefixTypeNetwork, models.PrefixTypeContainer, models.PrefixTypePool}
	addressRoles    = []string{
		models.IPRoleLoopback, models.IPRoleSecondary, models.IPRoleAnycast, models.IPRoleVIP,
		models.IPRoleVRRP, models.IPRoleHSRP, models.IPRoleGLBP,
	}
)

// normDNSName lowercases and checks a DNS name; empty is allowed.
func normDNSName(v string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return "", nil
	}
	if len(s) > 255 || !reDNSName.MatchString(s) {
		return "", invalid("dns_name", v, "not a valid DNS name")
	}
	return s, nil
}

// normChoice lowercases v and checks it against allowed; empty yields def.
func normChoice(field, v, def string, allowed []string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return def, nil
	}
	if !slices.Contains(allowed, s) {
		return "", invalid(field, v, "must be one of "+strings.Join(allowed, ", "))
	}
	return s, nil
}

func normPrefixStatus(v string) (string, error) {
	return normChoice("status", v, models.StatusActive, prefixStatuses)
}

func normAddressStatus(v string) (string, error) {
	return normChoice("status", v, models.StatusActive, addressStatuses)
}

func normVLANStatus(v string) (string, error) {
	return normChoice("status", v, models.StatusActive, vlanStatuses)
}

func normPrefixType(v string) (string, error) {
	return normChoice("type", v, models.PrefixTypeNetwork, prefixTypes)
}

// normAddressRole allows only the fixed role set; empty means no role.
func normAddressRole(v string) (string, error) {
	return normChoice("role", v, "", addressRoles)
}

func normVID(vid int) error {
	if vid < 1 || vid > 4094 {
		return invalid("vid", strconv.Itoa(vid), "must be in range 1..4094")
	}
	return nil
}

// parseBool accepts the usual spellings found in spreadsheets.
func parseBool(field, v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, invalid(field, v, "not a boolean")
}

func trimName(field, v string, max int) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", invalid(field, v, "required")
	}
	if len(s) > max {
		return "", invalid(field, v, "too long")
	}
	return s, nil
}
