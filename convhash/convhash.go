// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package convhash implements the conversation hash: a SHA-256 transcript of
// every field either side commits to during peer authentication.
//
// Each update carries the conversation version it belongs to.  Updates
// tagged CONVERSATION_V4 are skipped when the negotiated version is V1, so
// that a V1 peer and a V4 peer talking at version 1 produce identical
// transcripts.
package convhash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/msg"
)

// Conversation versions.
const (
	V1 uint32 = 0x0000
	V4 uint32 = 0x0004
)

// Hash headers prefixed to each handshake field.
const (
	HeaderExchangeGuidsRequest  uint8 = 0
	HeaderExchangeGuidsReply    uint8 = 1
	HeaderGenSessionKeyRequest  uint8 = 2
	HeaderGenSessionKeyReply    uint8 = 3
	HeaderExchangeSuitesRequest uint8 = 4
	HeaderExchangeSuitesReply   uint8 = 5
	HeaderKeyExchangeRequest    uint8 = 6
	HeaderKeyExchangeReply      uint8 = 7
	HeaderVerifier              uint8 = 8
	HeaderPSK                   uint8 = 9
	HeaderECDSA                 uint8 = 10
)

var (
	// ErrNotInitialized is returned when the hash is used before Initialize
	// or after it was freed.
	ErrNotInitialized = errors.New("convhash: hash not initialized")

	// ErrUnsupportedInput is returned for arguments that have no canonical
	// hash encoding.
	ErrUnsupportedInput = errors.New("convhash: unsupported hash input")
)

// ForAuthVersion maps a negotiated authentication version onto the
// conversation version selecting which fields are hashed.
func ForAuthVersion(authVersion uint32) uint32 {
	if authVersion>>16 >= V4 {
		return V4
	}
	return V1
}

// Hash is a conversation hash.  It is driven by a single handshake at a
// time, the mutex only guards against misuse.
type Hash struct {
	mu sync.Mutex

	ctx       hash.Hash
	version   uint32
	sensitive bool
	log       *logging.Logger
}

// New returns an uninitialized Hash.  log may be nil.
func New(log *logging.Logger) *Hash {
	return &Hash{log: log}
}

// Initialize resets the hash to an empty SHA-256 context.
func (h *Hash) Initialize() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ctx = primitives.NewHash()
	h.sensitive = false
}

// IsAlive returns true between Initialize and Free.
func (h *Hash) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx != nil
}

// SetVersion installs the negotiated conversation version.
func (h *Hash) SetVersion(conversationVersion uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = conversationVersion
}

// Version returns the installed conversation version.
func (h *Hash) Version() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetSensitive toggles sensitive mode, which suppresses logging of the
// hashed bytes while secrets flow through the transcript.
func (h *Hash) SetSensitive(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sensitive = on
}

// Update appends in to the transcript if conversationVersion is not newer
// than the installed version.
func (h *Hash) Update(conversationVersion uint32, in Input) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx == nil {
		return ErrNotInitialized
	}
	if conversationVersion > h.version {
		return nil
	}
	b, err := in.appendTo(nil, h.version)
	if err != nil {
		return err
	}
	h.write(b)
	return nil
}

// Digest returns the digest of the transcript so far.  Unless keepAlive is
// set the hash is freed afterwards.
func (h *Hash) Digest(keepAlive bool) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx == nil {
		return nil, ErrNotInitialized
	}
	d := h.ctx.Sum(nil)
	if !keepAlive {
		h.free()
	}
	return d, nil
}

// Free resets and drops the context.  The next Update must be preceded by
// Initialize.
func (h *Hash) Free() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free()
}

func (h *Hash) free() {
	if h.ctx != nil {
		// Reset restores the initial chaining values but leaves the
		// buffered partial block in place; crypto/sha256 has no way to
		// clear it.
		h.ctx.Reset()
	}
	h.ctx = nil
	h.sensitive = false
}

func (h *Hash) write(b []byte) {
	h.ctx.Write(b)
	if h.log == nil {
		return
	}
	if h.sensitive {
		h.log.Debugf("conversation hash: %d sensitive bytes", len(b))
	} else {
		h.log.Debugf("conversation hash: %x", b)
	}
}

// Input is a value that can be appended to the transcript.
type Input interface {
	appendTo(b []byte, version uint32) ([]byte, error)
}

// Byte is a single byte, usually a hash header.
type Byte uint8

func (v Byte) appendTo(b []byte, _ uint32) ([]byte, error) {
	return append(b, byte(v)), nil
}

// Bytes is raw bytes, appended without a length.
type Bytes []byte

func (v Bytes) appendTo(b []byte, _ uint32) ([]byte, error) {
	return append(b, v...), nil
}

// String is appended as its UTF-8 bytes without a length.
type String string

func (v String) appendTo(b []byte, _ uint32) ([]byte, error) {
	return append(b, v...), nil
}

// Arg is a message argument: its one byte type tag followed by its
// canonical encoding.
type Arg msg.Arg

func (v Arg) appendTo(b []byte, version uint32) ([]byte, error) {
	a := msg.Arg(v)
	switch a.Type {
	case msg.TypeUint16:
		b = append(b, byte(a.Type))
		return binary.BigEndian.AppendUint16(b, uint16(a.Uint)), nil
	case msg.TypeUint32:
		b = append(b, byte(a.Type))
		return binary.BigEndian.AppendUint32(b, uint32(a.Uint)), nil
	case msg.TypeUint64:
		b = append(b, byte(a.Type))
		return binary.BigEndian.AppendUint64(b, a.Uint), nil
	case msg.TypeString:
		b = append(b, byte(a.Type))
		if version >= V4 {
			b = binary.BigEndian.AppendUint32(b, uint32(len(a.Str)))
		}
		return append(b, a.Str...), nil
	case msg.TypeArray:
		if a.Elem != msg.TypeUint32 {
			break
		}
		b = append(b, byte(a.Type))
		b = binary.BigEndian.AppendUint32(b, uint32(len(a.Uint32s)))
		for _, e := range a.Uint32s {
			b = binary.BigEndian.AppendUint32(b, e)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedInput, a.Signature())
}

// Args is a list of arguments, hashed one after another.
type Args []msg.Arg

func (v Args) appendTo(b []byte, version uint32) ([]byte, error) {
	var err error
	for _, a := range v {
		if b, err = Arg(a).appendTo(b, version); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Message hashes the body arguments of a message; headers are excluded.
type Message struct {
	*msg.Message
}

func (v Message) appendTo(b []byte, version uint32) ([]byte, error) {
	if v.Message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnsupportedInput)
	}
	return Args(v.Args).appendTo(b, version)
}
