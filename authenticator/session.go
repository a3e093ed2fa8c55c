// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/keyblob"
	"github.com/katzenpost/peerbus/core/msg"
)

const (
	nonceSize       = 28
	sessionKeySize  = 16
	sessionHMACSize = 32

	sessionKeyLabel      = "session_key"
	sessionHMACLabel     = "session_hmac"
	sessionVerifierLabel = "session verifier"
	groupKeyLabel        = "group key"
)

// sessionKeys is the output of GenSessionKey.
type sessionKeys struct {
	unicast []byte
	hmac    []byte
}

// deriveSessionKeys expands the master secret extracted from the shared
// secret and the authenticated transcript digest.
func deriveSessionKeys(secret, digest, nonceI, nonceR []byte) (*sessionKeys, error) {
	master := primitives.HKDFExtract(secret, digest)
	defer primitives.Zeroize(master)

	info := func(label string) []byte {
		b := make([]byte, 0, len(label)+len(nonceI)+len(nonceR))
		b = append(b, label...)
		b = append(b, nonceI...)
		return append(b, nonceR...)
	}

	unicast, err := primitives.HKDFExpand(master, info(sessionKeyLabel), sessionKeySize)
	if err != nil {
		return nil, err
	}
	mac, err := primitives.HKDFExpand(master, info(sessionHMACLabel), sessionHMACSize)
	if err != nil {
		primitives.Zeroize(unicast)
		return nil, err
	}
	return &sessionKeys{unicast: unicast, hmac: mac}, nil
}

func (k *sessionKeys) verifier(nonceI, nonceR []byte) []byte {
	return primitives.HMAC(k.hmac, []byte(sessionVerifierLabel), nonceI, nonceR)
}

func (k *sessionKeys) wipe() {
	primitives.Zeroize(k.unicast)
	primitives.Zeroize(k.hmac)
}

type groupKeyPayload struct {
	Key      []byte `cbor:"1,keyasint"`
	ExpiryMs int64  `cbor:"2,keyasint"`
}

func groupKeyAD(sender, receiver guid.GUID128) []byte {
	ad := make([]byte, 0, len(groupKeyLabel)+2*guid.Size)
	ad = append(ad, groupKeyLabel...)
	ad = append(ad, sender.Bytes()...)
	return append(ad, receiver.Bytes()...)
}

// sealGroupKey encrypts the local broadcast key for the peer under the
// session key.
func sealGroupKey(session, group *keyblob.KeyBlob, sender, receiver guid.GUID128) ([]byte, error) {
	b, err := cbor.Marshal(&groupKeyPayload{
		Key:      group.Bytes,
		ExpiryMs: group.Expiry.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	defer primitives.Zeroize(b)
	return primitives.Seal(session.Bytes, b, groupKeyAD(sender, receiver))
}

// openGroupKey decrypts the peer's broadcast key.
func openGroupKey(session *keyblob.KeyBlob, sealed []byte, sender, receiver guid.GUID128) (*keyblob.KeyBlob, error) {
	b, err := primitives.Open(session.Bytes, sealed, groupKeyAD(sender, receiver))
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrProtocol, err)
	}
	defer primitives.Zeroize(b)

	var p groupKeyPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrProtocol, err)
	}
	defer primitives.Zeroize(p.Key)
	k, err := keyblob.New(p.Key, keyblob.RoleAES, time.UnixMilli(p.ExpiryMs), "group")
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrProtocol, err)
	}
	return k, nil
}

func newNonce() ([]byte, error) {
	return primitives.RandomBytes(nonceSize)
}

// Argument helpers.  Every failure is a protocol error.

func checkSignature(args []msg.Arg, sig string) error {
	if got := msg.Signature(args); got != sig {
		return fmt.Errorf("%w: signature %q, expected %q", ErrProtocol, got, sig)
	}
	return nil
}

func argGUID(a msg.Arg) (guid.GUID128, error) {
	s, err := a.StringValue()
	if err != nil {
		return guid.GUID128{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	g, err := guid.Parse(s)
	if err != nil {
		return guid.GUID128{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return g, nil
}

func argHex(a msg.Arg) ([]byte, error) {
	s, err := a.StringValue()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return b, nil
}

func argVariantBytes(a msg.Arg) ([]byte, error) {
	v, err := a.Value()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	b, err := v.ByteArray()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return b, nil
}

func bytesVariant(b []byte) msg.Arg {
	return msg.NewVariant(msg.NewByteArray(b))
}

// keyExchangeArgs builds the (uv) KeyExchange arguments.
func keyExchangeArgs(suite, authVersion uint32, pub []byte) []msg.Arg {
	return []msg.Arg{
		msg.NewUint32(suite),
		msg.NewVariant(msg.NewStruct(msg.NewUint32(authVersion), msg.NewByteArray(pub))),
	}
}

// parseKeyExchange takes apart the (uv) KeyExchange arguments.
func parseKeyExchange(args []msg.Arg) (suite, authVersion uint32, pub []byte, err error) {
	if err = checkSignature(args, "uv"); err != nil {
		return
	}
	suite, _ = args[0].Uint32()
	v, err := args[1].Value()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	fields, err := v.Fields()
	if err != nil || len(fields) != 2 {
		return 0, 0, nil, fmt.Errorf("%w: malformed key exchange payload", ErrProtocol)
	}
	if authVersion, err = fields[0].Uint32(); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if pub, err = fields[1].ByteArray(); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(pub) != primitives.PublicKeySize {
		return 0, 0, nil, fmt.Errorf("%w: public key is %d bytes", ErrProtocol, len(pub))
	}
	return suite, authVersion, pub, nil
}
