package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the addressable entity classes.
type Kind string

const (
	KindUser       Kind = "user"
	KindCompany    Kind = "company"
	KindProject    Kind = "project"
	KindPermission Kind = "permission"
	KindRole       Kind = "role"
)

var ErrUnknownKind = errors.New("unknown entity kind")

// ParseKind normalizes a kind string. Accepts any casing.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindUser:
		return KindUser, nil
	case KindCompany:
		return KindCompany, nil
	case KindProject:
		return KindProject, nil
	case KindPermission:
		return KindPermission, nil
	case KindRole:
		return KindRole, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Ref is a typed handle to any addressable entity. It replaces polymorphic
// type+id columns: business logic compares and routes on Kind, never on raw
// class-name strings.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// NewRef builds a Ref without validation; use ParseRef for external input.
func NewRef(kind Kind, id string) Ref {
	return Ref{Kind: kind, ID: id}
}

// ParseRef validates a (kind, id) pair coming from the transport layer.
func ParseRef(kind, id string) (Ref, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Ref{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Ref{}, errors.New("entity id is required")
	}
	return Ref{Kind: k, ID: id}, nil
}

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool { return r.Kind == "" && r.ID == "" }

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

// Equal compares by (kind, id).
func (r Ref) Equal(other Ref) bool { return r.Kind == other.Kind && r.ID == other.ID }
