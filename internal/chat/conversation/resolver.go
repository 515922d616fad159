// Package conversation derives conversation ids from the two participants.
//
// An id is "<role>.<id>~<role>.<id>" with both halves sorted, so it is the
// same whoever initiates and can be parsed back without a lookup.
package conversation

import (
	"strings"

	"clinicchat/internal/common"
)

const separator = "~"

// Resolve is pure and order independent: Resolve(a, b) == Resolve(b, a)
func Resolve(a, b common.Identity) (string, error) {
	if err := common.ValidateIdentity(a); err != nil {
		return "", err
	}
	if err := common.ValidateIdentity(b); err != nil {
		return "", err
	}
	if a == b {
		return "", common.Validation("resolve conversation", "a participant cannot converse with itself")
	}
	ka, kb := a.Key(), b.Key()
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + separator + kb, nil
}

// Parse splits a conversation id back into its two participants
func Parse(conversationID string) (common.Identity, common.Identity, error) {
	left, right, ok := strings.Cut(conversationID, separator)
	if !ok || strings.Contains(right, separator) {
		return common.Identity{}, common.Identity{}, common.Validation("parse conversation", "malformed conversation id %q", conversationID)
	}
	a, err := common.ParseIdentityKey(left)
	if err != nil {
		return common.Identity{}, common.Identity{}, err
	}
	b, err := common.ParseIdentityKey(right)
	if err != nil {
		return common.Identity{}, common.Identity{}, err
	}
	// only the canonical spelling is accepted
	canonical, err := Resolve(a, b)
	if err != nil {
		return common.Identity{}, common.Identity{}, err
	}
	if canonical != conversationID {
		return common.Identity{}, common.Identity{}, common.Validation("parse conversation", "non-canonical conversation id %q", conversationID)
	}
	return a, b, nil
}

// Peer returns the other participant, or ErrForbidden when self is not part of the conversation
func Peer(conversationID string, self common.Identity) (common.Identity, error) {
	a, b, err := Parse(conversationID)
	if err != nil {
		return common.Identity{}, err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return common.Identity{}, common.Forbidden("conversation peer", "not a participant of this conversation")
	}
}

// Authorize checks that ident may act within the conversation
func Authorize(conversationID string, ident common.Identity) error {
	_, err := Peer(conversationID, ident)
	return err
}
