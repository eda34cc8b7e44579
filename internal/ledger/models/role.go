package models

import (
	"strings"

	dErrors "halalledger/pkg/domain-errors"
)

// Role is an organizational permission. A principal holds a set of roles.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProducer       Role = "producer"
	RoleHalalAuthority Role = "halal_authority"
	RoleDistributor    Role = "distributor"
	RoleRetailer       Role = "retailer"
)

// AllRoles lists every role in canonical order.
var AllRoles = []Role{RoleAdmin, RoleProducer, RoleHalalAuthority, RoleDistributor, RoleRetailer}

var validRoles = map[Role]bool{
	RoleAdmin:          true,
	RoleProducer:       true,
	RoleHalalAuthority: true,
	RoleDistributor:    true,
	RoleRetailer:       true,
}

// IsValid reports whether r is one of the five ledger roles.
func (r Role) IsValid() bool {
	return validRoles[r]
}

func (r Role) String() string { return string(r) }

// ParseRole accepts "producer", "PRODUCER", "PRODUCER_ROLE" and "DEFAULT_ADMIN_ROLE"
// spellings so role names exported by older tooling keep working.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimSuffix(norm, "_role")
	norm = strings.TrimPrefix(norm, "default_")
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	}
	r := Role(norm)
	if !r.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown role %q", s)
	}
	return r, nil
}

// RoleSet is an immutable-by-convention set of roles.
type RoleSet map[Role]struct{}

// Has reports membership.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Sorted returns the roles in canonical order.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for _, r := range AllRoles {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}
