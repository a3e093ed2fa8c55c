// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package msg models the bus messages handed to the peer security
// subsystem by the message layer, and their framing on a byte stream.
package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds an encoded message.
const MaxFrameSize = 1 << 20

// MessageType is the bus message type tag.
type MessageType uint8

// Message types.  MessageInvalid is never authorized.
const (
	MessageInvalid MessageType = iota
	MethodCall
	MethodReturn
	Error
	Signal
)

// NumMessageTypes is the number of valid message types.
const NumMessageTypes = 4

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "METHOD_CALL"
	case MethodReturn:
		return "METHOD_RETURN"
	case Error:
		return "ERROR"
	case Signal:
		return "SIGNAL"
	default:
		return "INVALID"
	}
}

// Flags are the message header flags.
type Flags uint8

const (
	// FlagNoReplyExpected marks calls that do not want a reply.
	FlagNoReplyExpected Flags = 0x01

	// FlagUnreliable marks messages that may be dropped but never reordered.
	FlagUnreliable Flags = 0x40

	// FlagEncrypted marks messages protected by a session key.
	FlagEncrypted Flags = 0x80
)

var (
	errFrameSize = errors.New("msg: invalid frame size")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

// Message is a bus message.  Only the body arguments take part in the
// conversation hash; the header changes under retransmission.
type Message struct {
	Type        MessageType `cbor:"1,keyasint"`
	Flags       Flags       `cbor:"2,keyasint,omitempty"`
	Serial      uint32      `cbor:"3,keyasint"`
	ReplySerial uint32      `cbor:"4,keyasint,omitempty"`
	Timestamp   uint32      `cbor:"5,keyasint,omitempty"`
	Sender      string      `cbor:"6,keyasint,omitempty"`
	Destination string      `cbor:"7,keyasint,omitempty"`
	Path        string      `cbor:"8,keyasint,omitempty"`
	Interface   string      `cbor:"9,keyasint,omitempty"`
	Member      string      `cbor:"10,keyasint,omitempty"`
	ErrorName   string      `cbor:"11,keyasint,omitempty"`
	Args        []Arg       `cbor:"12,keyasint,omitempty"`
}

// IsEncrypted returns true if the message is flagged as encrypted.
func (m *Message) IsEncrypted() bool { return m.Flags&FlagEncrypted != 0 }

// IsUnreliable returns true if the message is flagged as unreliable.
func (m *Message) IsUnreliable() bool { return m.Flags&FlagUnreliable != 0 }

// Signature returns the signature of the body.
func (m *Message) Signature() string { return Signature(m.Args) }

// Description is a short human readable summary for logs.
func (m *Message) Description() string {
	switch m.Type {
	case MethodCall, Signal:
		return fmt.Sprintf("%s %s.%s(%s) serial %d from %q", m.Type, m.Interface, m.Member, m.Signature(), m.Serial, m.Sender)
	case Error:
		return fmt.Sprintf("%s %s reply to %d from %q", m.Type, m.ErrorName, m.ReplySerial, m.Sender)
	default:
		return fmt.Sprintf("%s reply to %d from %q", m.Type, m.ReplySerial, m.Sender)
	}
}

// Marshal encodes m with deterministic CBOR.
func Marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (*Message, error) {
	m := new(Message)
	if err := decMode.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("msg: malformed message: %w", err)
	}
	return m, nil
}

// WriteFrame writes m prefixed by its 32 bit big endian length.
func WriteFrame(w io.Writer, m *Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return errFrameSize
	}
	frame := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	frame = append(frame, b...)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads a single length prefixed message.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, errFrameSize
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 65536}).DecMode(); err != nil {
		panic(err)
	}
}
