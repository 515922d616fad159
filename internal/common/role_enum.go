package common

import "strings"

// Role is the closed set of participant kinds that can hold a conversation
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// String returns the string representation
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the known participant kinds
func (r Role) IsValid() bool {
	return r == RolePatient || r == RoleDoctor
}

// ParseRole is lenient about case and surrounding whitespace
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", Validation("parse role", "unknown role %q", s)
	}
	return r, nil
}
