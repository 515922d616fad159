package common

import (
	"fmt"
	"strings"
)

// Identity is a participant as yielded by the authentication collaborator
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func NewIdentity(id string, role Role) Identity {
	return Identity{ID: id, Role: role}
}

// Key renders the identity as "role.id", used for map keys and storage prefixes
func (i Identity) Key() string {
	return i.Role.String() + "." + i.ID
}

func (i Identity) String() string {
	return i.Key()
}

func (i Identity) IsZero() bool {
	return i.ID == "" && i.Role == ""
}

// ParseIdentityKey is the inverse of Identity.Key
func ParseIdentityKey(key string) (Identity, error) {
	rolePart, id, ok := strings.Cut(key, ".")
	if !ok {
		return Identity{}, Validation("parse identity", "malformed identity %q", key)
	}
	role, err := ParseRole(rolePart)
	if err != nil {
		return Identity{}, err
	}
	ident := Identity{ID: id, Role: role}
	if err := ValidateIdentity(ident); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// Page describes an ascending, oldest-first page window
type Page struct {
	Number int `json:"page"`
	Size   int `json:"pageSize"`
}

func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

func (p Page) String() string {
	return fmt.Sprintf("page=%d size=%d", p.Number, p.Size)
}
