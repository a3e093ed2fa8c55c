// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package msg

import (
	"errors"
	"fmt"
	"strings"
)

// TypeID is the DBus style type code of an argument.
type TypeID byte

// Argument type codes.
const (
	TypeInvalid TypeID = 0
	TypeByte    TypeID = 'y'
	TypeUint16  TypeID = 'q'
	TypeUint32  TypeID = 'u'
	TypeUint64  TypeID = 't'
	TypeString  TypeID = 's'
	TypeArray   TypeID = 'a'
	TypeVariant TypeID = 'v'
	TypeStruct  TypeID = 'r'
)

// ErrTypeMismatch is returned when an accessor does not match the argument
// type.
var ErrTypeMismatch = errors.New("msg: argument type mismatch")

// Arg is a single message argument.  Scalars live in Uint, byte and uint32
// arrays in Bytes and Uint32s, other arrays and struct members in Items.
type Arg struct {
	Type    TypeID   `cbor:"1,keyasint"`
	Elem    TypeID   `cbor:"2,keyasint,omitempty"`
	Uint    uint64   `cbor:"3,keyasint,omitempty"`
	Str     string   `cbor:"4,keyasint,omitempty"`
	Bytes   []byte   `cbor:"5,keyasint,omitempty"`
	Uint32s []uint32 `cbor:"6,keyasint,omitempty"`
	Items   []Arg    `cbor:"7,keyasint,omitempty"`
	Variant *Arg     `cbor:"8,keyasint,omitempty"`
}

// NewByte returns a 'y' argument.
func NewByte(v uint8) Arg { return Arg{Type: TypeByte, Uint: uint64(v)} }

// NewUint16 returns a 'q' argument.
func NewUint16(v uint16) Arg { return Arg{Type: TypeUint16, Uint: uint64(v)} }

// NewUint32 returns a 'u' argument.
func NewUint32(v uint32) Arg { return Arg{Type: TypeUint32, Uint: uint64(v)} }

// NewUint64 returns a 't' argument.
func NewUint64(v uint64) Arg { return Arg{Type: TypeUint64, Uint: v} }

// NewString returns an 's' argument.
func NewString(v string) Arg { return Arg{Type: TypeString, Str: v} }

// NewByteArray returns an 'ay' argument holding a copy of v.
func NewByteArray(v []byte) Arg {
	return Arg{Type: TypeArray, Elem: TypeByte, Bytes: append([]byte{}, v...)}
}

// NewUint32Array returns an 'au' argument holding a copy of v.
func NewUint32Array(v []uint32) Arg {
	return Arg{Type: TypeArray, Elem: TypeUint32, Uint32s: append([]uint32{}, v...)}
}

// NewArray returns an array of arbitrary elements, which must all share the
// signature of the first one.
func NewArray(items ...Arg) Arg {
	a := Arg{Type: TypeArray, Items: items}
	if len(items) > 0 {
		a.Elem = items[0].Type
	}
	return a
}

// NewStruct returns a struct argument.
func NewStruct(fields ...Arg) Arg { return Arg{Type: TypeStruct, Items: fields} }

// NewVariant wraps v in a variant.
func NewVariant(v Arg) Arg { return Arg{Type: TypeVariant, Variant: &v} }

// Signature returns the DBus signature of the argument.
func (a Arg) Signature() string {
	switch a.Type {
	case TypeArray:
		switch a.Elem {
		case TypeByte, TypeUint32:
			return "a" + string(rune(a.Elem))
		}
		if len(a.Items) > 0 {
			return "a" + a.Items[0].Signature()
		}
		return "a" + string(rune(a.Elem))
	case TypeStruct:
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range a.Items {
			b.WriteString(f.Signature())
		}
		b.WriteByte(')')
		return b.String()
	case TypeInvalid:
		return ""
	default:
		return string(rune(a.Type))
	}
}

// Uint16 returns the value of a 'q' argument.
func (a Arg) Uint16() (uint16, error) {
	if a.Type != TypeUint16 {
		return 0, a.mismatch(TypeUint16)
	}
	return uint16(a.Uint), nil
}

// Uint32 returns the value of a 'u' argument.
func (a Arg) Uint32() (uint32, error) {
	if a.Type != TypeUint32 {
		return 0, a.mismatch(TypeUint32)
	}
	return uint32(a.Uint), nil
}

// Uint64 returns the value of a 't' argument.
func (a Arg) Uint64() (uint64, error) {
	if a.Type != TypeUint64 {
		return 0, a.mismatch(TypeUint64)
	}
	return a.Uint, nil
}

// StringValue returns the value of an 's' argument.
func (a Arg) StringValue() (string, error) {
	if a.Type != TypeString {
		return "", a.mismatch(TypeString)
	}
	return a.Str, nil
}

// ByteArray returns the value of an 'ay' argument.
func (a Arg) ByteArray() ([]byte, error) {
	if a.Type != TypeArray || a.Elem != TypeByte {
		return nil, fmt.Errorf("%w: want ay, have %s", ErrTypeMismatch, a.Signature())
	}
	return a.Bytes, nil
}

// Uint32Array returns the value of an 'au' argument.
func (a Arg) Uint32Array() ([]uint32, error) {
	if a.Type != TypeArray || a.Elem != TypeUint32 {
		return nil, fmt.Errorf("%w: want au, have %s", ErrTypeMismatch, a.Signature())
	}
	return a.Uint32s, nil
}

// Value returns the argument wrapped by a variant.
func (a Arg) Value() (Arg, error) {
	if a.Type != TypeVariant || a.Variant == nil {
		return Arg{}, a.mismatch(TypeVariant)
	}
	return *a.Variant, nil
}

// Fields returns the members of a struct argument.
func (a Arg) Fields() ([]Arg, error) {
	if a.Type != TypeStruct {
		return nil, a.mismatch(TypeStruct)
	}
	return a.Items, nil
}

func (a Arg) mismatch(want TypeID) error {
	return fmt.Errorf("%w: want %c, have %s", ErrTypeMismatch, want, a.Signature())
}

// Signature returns the concatenated signature of args.
func Signature(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.Signature())
	}
	return b.String()
}
