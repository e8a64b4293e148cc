// Package id provides prefixed, sortable identifiers for engine entities.
//
// Identifiers are TypeIDs ("call_01h2xcejqtf2nbrexx3vqjhp41"): the prefix
// names the entity kind so a session id can never be passed where a user id
// is expected without the mismatch being caught at parse time.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Kind is the TypeID prefix naming an entity kind.
type Kind string

const (
	KindUser    Kind = "usr"
	KindExpert  Kind = "exp"
	KindSession Kind = "call"
	KindEntry   Kind = "txn"
)

// ID is an entity identifier. The zero value is Nil and stores as NULL.
type ID struct {
	tid   typeid.TypeID
	valid bool
}

// Nil is the empty identifier.
var Nil ID

// New generates a fresh identifier of the given kind.
func New(kind Kind) ID {
	tid, err := typeid.Generate(string(kind))
	if err != nil {
		panic(fmt.Sprintf("id: bad kind %q: %v", kind, err))
	}
	return ID{tid: tid, valid: true}
}

func NewUser() ID    { return New(KindUser) }
func NewExpert() ID  { return New(KindExpert) }
func NewSession() ID { return New(KindSession) }
func NewEntry() ID   { return New(KindEntry) }

// Parse parses any identifier regardless of kind.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: empty identifier")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, valid: true}, nil
}

// ParseKind parses s and checks that it carries the expected prefix.
func ParseKind(s string, want Kind) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if v.Kind() != want {
		return Nil, fmt.Errorf("id: %q is a %q id, want %q", s, v.Kind(), want)
	}
	return v, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) ID {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.tid.String()
}

// Kind returns the prefix, or "" for Nil.
func (i ID) Kind() Kind {
	if !i.valid {
		return ""
	}
	return Kind(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Value stores Nil as NULL so optional references stay nullable.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil
	}
	return i.tid.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

// Equal reports whether both identifiers name the same entity.
func (i ID) Equal(o ID) bool { return i.String() == o.String() }
