// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"fmt"

	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
)

const (
	pskLabel   = "PSK"
	spekeLabel = "SPEKE"
)

func secretVerifier(label string, secret []byte) verifierFunc {
	return func(shared, digest []byte) ([]byte, error) {
		info := make([]byte, 0, len(label)+len(secret))
		info = append(info, label...)
		info = append(info, secret...)
		defer primitives.Zeroize(info)
		return primitives.HKDF(shared, digest, info, primitives.DigestSize)
	}
}

func newPSK(p *Params) (KeyExchanger, error) {
	if p.Credentials == nil {
		return nil, ErrNoCredentials
	}
	psk, err := p.Credentials.PSK(p.Peer)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", SuitePSK, err)
	}
	psk = append([]byte(nil), psk...)

	k, err := primitives.GenerateECDHKey()
	if err != nil {
		return nil, err
	}
	return &macExchanger{
		ecdhe:    ecdhe{suite: SuitePSK, key: k},
		verifier: secretVerifier(pskLabel, psk),
		extra: func(h *convhash.Hash) error {
			h.SetSensitive(true)
			defer h.SetSensitive(false)
			if err := h.Update(convhash.V4, convhash.Byte(convhash.HeaderPSK)); err != nil {
				return err
			}
			return h.Update(convhash.V4, convhash.Bytes(psk))
		},
		wipe: func() { primitives.Zeroize(psk) },
	}, nil
}

func newSPEKE(p *Params) (KeyExchanger, error) {
	if p.Credentials == nil {
		return nil, ErrNoCredentials
	}
	pw, err := p.Credentials.Password(p.Peer)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", SuiteSPEKE, err)
	}
	k, err := primitives.GenerateSPEKEKey(pw, p.InitiatorGUID.Bytes(), p.ResponderGUID.Bytes())
	if err != nil {
		return nil, err
	}
	return &macExchanger{
		ecdhe:    ecdhe{suite: SuiteSPEKE, key: k},
		verifier: secretVerifier(spekeLabel, nil),
	}, nil
}
