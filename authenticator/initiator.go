// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/peerstate"
)

// outbound is one run of the initiator side of the handshake.
type outbound struct {
	a    *Authenticator
	s    *peerstate.State
	peer string

	hash *convhash.Hash
	kx   auth.KeyExchanger

	step        string
	remoteGUID  guid.GUID128
	authVersion uint32
	suite       auth.Suite
	digest      []byte
}

func (a *Authenticator) call(ctx context.Context, peer, member string, args ...msg.Arg) ([]msg.Arg, error) {
	reply, err := a.conduit.Call(ctx, peer, ObjectPath, InterfaceName, member, args...)
	if err != nil {
		return nil, fromCallError(err)
	}
	return reply, nil
}

// initiate runs one handshake attempt against peer.
func (a *Authenticator) initiate(ctx context.Context, s *peerstate.State, peer string) (err error) {
	o := &outbound{
		a:    a,
		s:    s,
		peer: peer,
		hash: convhash.New(a.log),
	}
	defer o.close()
	defer func() {
		if err != nil {
			err = &HandshakeError{
				State:           s.Phase(),
				Step:            o.step,
				Peer:            peer,
				Suite:           o.suite,
				IsInitiator:     true,
				UnderlyingError: err,
			}
		}
	}()

	for _, step := range []func(context.Context) error{
		o.exchangeGuids,
		o.exchangeSuites,
		o.keyExchange,
		o.keyAuthentication,
		o.genSessionKey,
		o.exchangeGroupKeys,
	} {
		if err = step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *outbound) close() {
	if o.kx != nil {
		o.kx.Destroy()
	}
	o.s.FreeConversationHash(o.hash)
	primitives.Zeroize(o.digest)
}

func (o *outbound) update(version uint32, in ...convhash.Input) error {
	for _, v := range in {
		if err := o.hash.Update(version, v); err != nil {
			return err
		}
	}
	return nil
}

func (o *outbound) exchangeGuids(ctx context.Context) error {
	o.step = StepExchangeGuids
	a := o.a

	req := []msg.Arg{msg.NewString(a.guid.String()), msg.NewUint32(a.cfg.AuthVersion)}
	reply, err := a.call(ctx, o.peer, o.step, req...)
	if err != nil {
		return err
	}
	if err = checkSignature(reply, "su"); err != nil {
		return err
	}
	if o.remoteGUID, err = argGUID(reply[0]); err != nil {
		return err
	}
	if o.remoteGUID == a.guid {
		return fmt.Errorf("%w: peer has the local GUID", ErrProtocol)
	}
	o.authVersion, _ = reply[1].Uint32()
	if o.authVersion>>16 == 0 || o.authVersion > a.cfg.AuthVersion {
		return fmt.Errorf("%w: negotiated auth version 0x%08x", ErrProtocol, o.authVersion)
	}

	o.s.InitializeConversationHash(o.hash, convhash.ForAuthVersion(o.authVersion))
	if err = o.update(convhash.V4,
		convhash.Byte(convhash.HeaderExchangeGuidsRequest), convhash.Args(req),
		convhash.Byte(convhash.HeaderExchangeGuidsReply), convhash.Args(reply),
	); err != nil {
		return err
	}
	o.s.SetGUIDAndAuthVersion(o.remoteGUID, o.authVersion)
	o.s.SetPhase(peerstate.PhaseGuidsExchanged)
	a.log.Debugf("ExchangeGuids with %q: GUID %v auth version 0x%08x", o.peer, o.remoteGUID, o.authVersion)
	return nil
}

func (o *outbound) exchangeSuites(ctx context.Context) error {
	o.step = StepExchangeSuites
	a := o.a

	proposal := auth.Masks(a.cfg.EnabledMechanisms)
	req := msg.NewUint32Array(proposal)
	reply, err := a.call(ctx, o.peer, o.step, req)
	if err != nil {
		return err
	}
	if err = checkSignature(reply, "au"); err != nil {
		return err
	}
	accepted, _ := reply[0].Uint32Array()
	if len(accepted) == 0 {
		return ErrNoCommonAuth
	}
	if len(accepted) > len(proposal) {
		return fmt.Errorf("%w: more suites accepted than proposed", ErrProtocol)
	}
	for _, s := range accepted {
		if !a.suite(auth.Suite(s)) {
			return fmt.Errorf("%w: suite 0x%04x was not proposed", ErrProtocol, s)
		}
	}
	o.suite = auth.Suite(accepted[0])

	if err = o.update(convhash.V4,
		convhash.Byte(convhash.HeaderExchangeSuitesRequest), convhash.Arg(req),
		convhash.Byte(convhash.HeaderExchangeSuitesReply), convhash.Arg(reply[0]),
	); err != nil {
		return err
	}
	o.s.SetPhase(peerstate.PhaseSuitesExchanged)
	return nil
}

func (o *outbound) keyExchange(ctx context.Context) error {
	o.step = StepKeyExchange
	a := o.a

	kx, err := auth.New(o.suite, &auth.Params{
		Peer:          o.peer,
		InitiatorGUID: a.guid,
		ResponderGUID: o.remoteGUID,
		Credentials:   a.cfg.Credentials,
		Now:           a.cfg.Clock,
	})
	if err != nil {
		return fromMechanismError(err)
	}
	o.kx = kx

	pub := kx.PublicKey()
	req := keyExchangeArgs(uint32(o.suite), o.authVersion, pub)
	reply, err := a.call(ctx, o.peer, o.step, req...)
	if err != nil {
		return err
	}
	suite, version, remotePub, err := parseKeyExchange(reply)
	if err != nil {
		return err
	}
	if auth.Suite(suite) != o.suite {
		return fmt.Errorf("%w: responder switched to suite 0x%04x", ErrProtocol, suite)
	}
	if version != o.authVersion {
		return fmt.Errorf("%w: key exchange auth version 0x%08x, negotiated 0x%08x", ErrProtocol, version, o.authVersion)
	}
	if err = kx.ComputeSharedSecret(remotePub); err != nil {
		return fromMechanismError(err)
	}

	if err = o.update(convhash.V1,
		convhash.Byte(convhash.HeaderKeyExchangeRequest), convhash.Arg(req[0]), convhash.Bytes(pub),
		convhash.Byte(convhash.HeaderKeyExchangeReply), convhash.Arg(reply[0]), convhash.Bytes(remotePub),
	); err != nil {
		return err
	}
	if err = kx.HashSecrets(o.hash); err != nil {
		return err
	}
	o.s.SetPhase(peerstate.PhaseKeyExchanged)
	return nil
}

func (o *outbound) keyAuthentication(ctx context.Context) error {
	o.step = StepKeyAuthentication
	a := o.a

	payload, verifier, err := o.kx.Prove(o.hash)
	if err != nil {
		return fromMechanismError(err)
	}
	reply, err := a.call(ctx, o.peer, o.step, bytesVariant(payload))
	if err != nil {
		return err
	}
	if err = checkSignature(reply, "v"); err != nil {
		return err
	}
	remote, err := argVariantBytes(reply[0])
	if err != nil {
		return err
	}

	if err = o.update(convhash.V1, convhash.Byte(convhash.HeaderVerifier), convhash.Bytes(verifier)); err != nil {
		return err
	}
	if _, err = o.kx.Check(o.hash, remote); err != nil {
		return fromMechanismError(err)
	}
	o.digest, err = o.hash.Digest(true)
	return err
}

func (o *outbound) genSessionKey(ctx context.Context) error {
	o.step = StepGenSessionKey
	a := o.a

	nonceI, err := newNonce()
	if err != nil {
		return err
	}
	req := []msg.Arg{
		msg.NewString(a.guid.String()),
		msg.NewString(o.remoteGUID.String()),
		msg.NewString(hex.EncodeToString(nonceI)),
	}
	reply, err := a.call(ctx, o.peer, o.step, req...)
	if err != nil {
		return err
	}
	if err = checkSignature(reply, "sss"); err != nil {
		return err
	}
	nonceR, err := argHex(reply[0])
	if err != nil {
		return err
	}
	remoteVerifier, err := argHex(reply[1])
	if err != nil {
		return err
	}

	keys, err := deriveSessionKeys(o.kx.SharedSecret(), o.digest, nonceI, nonceR)
	if err != nil {
		return err
	}
	defer keys.wipe()
	if !primitives.Equal(keys.verifier(nonceI, nonceR), remoteVerifier) {
		return fmt.Errorf("%w: session verifier mismatch", ErrAuthFail)
	}

	if err = o.update(convhash.V4,
		convhash.Byte(convhash.HeaderGenSessionKeyRequest), convhash.Args(req),
		convhash.Byte(convhash.HeaderGenSessionKeyReply), convhash.Args(reply),
	); err != nil {
		return err
	}
	o.s.FreeConversationHash(o.hash)
	o.kx.Destroy()

	return a.installSessionKey(o.s, &PeerInfo{
		Name:        o.peer,
		GUID:        o.remoteGUID,
		AuthVersion: o.authVersion,
		Suite:       o.suite,
	}, keys.unicast, o.digest)
}

func (o *outbound) exchangeGroupKeys(ctx context.Context) error {
	o.step = StepExchangeGroupKeys
	a := o.a

	session, err := o.s.GetKey(peerstate.SessionKey)
	if err != nil {
		return err
	}
	defer session.Erase()
	group, err := a.table.GetGroupKey()
	if err != nil {
		return err
	}
	defer group.Erase()

	sealed, err := sealGroupKey(session, group, a.guid, o.remoteGUID)
	if err != nil {
		return err
	}
	reply, err := a.call(ctx, o.peer, o.step, bytesVariant(sealed))
	if err != nil {
		return err
	}
	if err = checkSignature(reply, "v"); err != nil {
		return err
	}
	remote, err := argVariantBytes(reply[0])
	if err != nil {
		return err
	}
	gk, err := openGroupKey(session, remote, o.remoteGUID, a.guid)
	if err != nil {
		return err
	}
	defer gk.Erase()
	return o.s.SetKey(gk, peerstate.GroupKey)
}
