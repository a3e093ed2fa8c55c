// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/instrument"
	"github.com/katzenpost/peerbus/peerstate"
)

var stepOrder = []string{
	StepExchangeGuids,
	StepExchangeSuites,
	StepKeyExchange,
	StepKeyAuthentication,
	StepGenSessionKey,
	StepExchangeGroupKeys,
}

// conversation is the responder side of one handshake with a peer.
type conversation struct {
	sync.Mutex

	next int

	hash        *convhash.Hash
	remoteGUID  guid.GUID128
	authVersion uint32
	accepted    []uint32
	suite       auth.Suite
	kx          auth.KeyExchanger
	digest      []byte
}

func (c *conversation) destroy() {
	c.Lock()
	defer c.Unlock()

	if c.kx != nil {
		c.kx.Destroy()
		c.kx = nil
	}
	c.hash.Free()
	primitives.Zeroize(c.digest)
	c.digest = nil
}

func (c *conversation) update(version uint32, in ...convhash.Input) error {
	for _, v := range in {
		if err := c.hash.Update(version, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *Authenticator) newConversation(peer string) *conversation {
	conv := &conversation{hash: convhash.New(a.log)}

	a.convLock.Lock()
	defer a.convLock.Unlock()
	if old, ok := a.conversations[peer]; ok {
		old.destroy()
	}
	a.conversations[peer] = conv
	return conv
}

func (a *Authenticator) lookupConversation(peer string) *conversation {
	a.convLock.Lock()
	defer a.convLock.Unlock()
	return a.conversations[peer]
}

func (a *Authenticator) dropConversation(peer string) {
	a.convLock.Lock()
	conv, ok := a.conversations[peer]
	delete(a.conversations, peer)
	a.convLock.Unlock()

	if ok {
		conv.destroy()
	}
}

// HandleCall implements transport.Handler for the handshake interface.
func (a *Authenticator) HandleCall(ctx context.Context, peer string, call *msg.Message) ([]msg.Arg, error) {
	if call.Path != ObjectPath || call.Interface != InterfaceName {
		return nil, newBusError(errUnknownMethod, "%s.%s on %s", call.Interface, call.Member, call.Path)
	}
	return a.OnHandshakeMessage(peer, call.Member, call.Args)
}

// OnHandshakeMessage serves one inbound handshake step from peer and
// returns the reply arguments.
func (a *Authenticator) OnHandshakeMessage(peer, step string, args []msg.Arg) ([]msg.Arg, error) {
	idx := -1
	for i, s := range stepOrder {
		if s == step {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, newBusError(errUnknownMethod, "%s", step)
	}

	h := a.table.GetPeerState(peer, true)
	defer h.Release()

	var (
		conv  *conversation
		reply []msg.Arg
		err   error
	)
	if idx == 0 {
		if err = a.admit(h.State, peer, args); err != nil {
			return nil, toBusError(err)
		}
		conv = a.newConversation(peer)
	} else if conv = a.lookupConversation(peer); conv == nil {
		err = fmt.Errorf("%w: %s without a handshake in progress", ErrProtocol, step)
		return nil, toBusError(a.respondFailure(h.State, peer, step, 0, err))
	}

	conv.Lock()
	if conv.next != idx {
		err = fmt.Errorf("%w: unexpected %s", ErrProtocol, step)
	} else {
		switch idx {
		case 0:
			reply, err = a.onExchangeGuids(h.State, conv, args)
		case 1:
			reply, err = a.onExchangeSuites(h.State, conv, args)
		case 2:
			reply, err = a.onKeyExchange(h.State, conv, peer, args)
		case 3:
			reply, err = a.onKeyAuthentication(conv, args)
		case 4:
			reply, err = a.onGenSessionKey(h.State, conv, peer, args)
		case 5:
			reply, err = a.onExchangeGroupKeys(h.State, conv, args)
		}
		conv.next++
	}
	suite := conv.suite
	conv.Unlock()

	switch {
	case err != nil:
		a.dropConversation(peer)
		return nil, toBusError(a.respondFailure(h.State, peer, step, suite, err))
	case idx == 1 && len(reply[0].Uint32s) == 0:
		a.dropConversation(peer)
		a.log.Infof("No common mechanism with %q", peer)
	case idx == len(stepOrder)-1:
		a.dropConversation(peer)
		instrument.Handshake(roleResponder, "ok")
	}
	return reply, nil
}

// admit decides if a new handshake from peer is accepted.
func (a *Authenticator) admit(s *peerstate.State, peer string, args []msg.Arg) error {
	if err := checkSignature(args, "su"); err != nil {
		return err
	}
	remote, err := argGUID(args[0])
	if err != nil {
		return err
	}

	// Simultaneous mutual initiation: the larger GUID keeps initiating.
	if s.AuthEvent() != nil && a.guid.Compare(remote) > 0 {
		a.log.Debugf("Handshake with %q already in progress, deferring", peer)
		return newBusError(ErrBusy, "initiator GUID %v yields", remote)
	}
	if !s.AllowAuthAttempt(a.cfg.MaxAuthAttempts, a.cfg.AuthAttemptWindow) {
		instrument.Handshake(roleResponder, "limited")
		return newBusError(ErrAuthFail, "too many failed attempts")
	}
	return nil
}

func (a *Authenticator) respondFailure(s *peerstate.State, peer, step string, suite auth.Suite, err error) error {
	instrument.Handshake(roleResponder, "fail")
	return a.onHandshakeFailure(s, peer, false, &HandshakeError{
		State:           s.Phase(),
		Step:            step,
		Peer:            peer,
		Suite:           suite,
		UnderlyingError: err,
	})
}

func (a *Authenticator) onExchangeGuids(s *peerstate.State, conv *conversation, args []msg.Arg) ([]msg.Arg, error) {
	remote, err := argGUID(args[0])
	if err != nil {
		return nil, err
	}
	if remote == a.guid {
		return nil, fmt.Errorf("%w: peer has the local GUID", ErrProtocol)
	}
	remoteVersion, _ := args[1].Uint32()
	version, err := negotiateAuthVersion(a.cfg.AuthVersion, remoteVersion)
	if err != nil {
		return nil, err
	}

	conv.remoteGUID = remote
	conv.authVersion = version
	conv.hash.Initialize()
	conv.hash.SetVersion(convhash.ForAuthVersion(version))

	reply := []msg.Arg{msg.NewString(a.guid.String()), msg.NewUint32(version)}
	if err = conv.update(convhash.V4,
		convhash.Byte(convhash.HeaderExchangeGuidsRequest), convhash.Args(args),
		convhash.Byte(convhash.HeaderExchangeGuidsReply), convhash.Args(reply),
	); err != nil {
		return nil, err
	}
	s.SetGUIDAndAuthVersion(remote, version)
	s.SetPhase(peerstate.PhaseGuidsExchanged)
	return reply, nil
}

func (a *Authenticator) onExchangeSuites(s *peerstate.State, conv *conversation, args []msg.Arg) ([]msg.Arg, error) {
	if err := checkSignature(args, "au"); err != nil {
		return nil, err
	}
	proposed, _ := args[0].Uint32Array()
	conv.accepted = auth.Intersect(proposed, a.cfg.EnabledMechanisms)

	reply := msg.NewUint32Array(conv.accepted)
	if err := conv.update(convhash.V4,
		convhash.Byte(convhash.HeaderExchangeSuitesRequest), convhash.Arg(args[0]),
		convhash.Byte(convhash.HeaderExchangeSuitesReply), convhash.Arg(reply),
	); err != nil {
		return nil, err
	}
	s.SetPhase(peerstate.PhaseSuitesExchanged)
	return []msg.Arg{reply}, nil
}

func (a *Authenticator) onKeyExchange(s *peerstate.State, conv *conversation, peer string, args []msg.Arg) ([]msg.Arg, error) {
	suite, version, remotePub, err := parseKeyExchange(args)
	if err != nil {
		return nil, err
	}
	ok := false
	for _, v := range conv.accepted {
		ok = ok || v == suite
	}
	if !ok {
		return nil, fmt.Errorf("%w: suite 0x%04x was not accepted", ErrProtocol, suite)
	}
	if version != conv.authVersion {
		return nil, fmt.Errorf("%w: key exchange auth version 0x%08x, negotiated 0x%08x", ErrProtocol, version, conv.authVersion)
	}
	conv.suite = auth.Suite(suite)

	kx, err := auth.New(conv.suite, &auth.Params{
		Peer:          peer,
		InitiatorGUID: conv.remoteGUID,
		ResponderGUID: a.guid,
		Credentials:   a.cfg.Credentials,
		Now:           a.cfg.Clock,
	})
	if err != nil {
		return nil, fromMechanismError(err)
	}
	conv.kx = kx
	pub := kx.PublicKey()
	if err = kx.ComputeSharedSecret(remotePub); err != nil {
		return nil, fromMechanismError(err)
	}

	reply := keyExchangeArgs(suite, conv.authVersion, pub)
	if err = conv.update(convhash.V1,
		convhash.Byte(convhash.HeaderKeyExchangeRequest), convhash.Arg(args[0]), convhash.Bytes(remotePub),
		convhash.Byte(convhash.HeaderKeyExchangeReply), convhash.Arg(reply[0]), convhash.Bytes(pub),
	); err != nil {
		return nil, err
	}
	if err = kx.HashSecrets(conv.hash); err != nil {
		return nil, err
	}
	s.SetPhase(peerstate.PhaseKeyExchanged)
	return reply, nil
}

func (a *Authenticator) onKeyAuthentication(conv *conversation, args []msg.Arg) ([]msg.Arg, error) {
	if err := checkSignature(args, "v"); err != nil {
		return nil, err
	}
	payload, err := argVariantBytes(args[0])
	if err != nil {
		return nil, err
	}
	verifier, err := conv.kx.Check(conv.hash, payload)
	if err != nil {
		return nil, fromMechanismError(err)
	}
	if err = conv.update(convhash.V1, convhash.Byte(convhash.HeaderVerifier), convhash.Bytes(verifier)); err != nil {
		return nil, err
	}
	proof, _, err := conv.kx.Prove(conv.hash)
	if err != nil {
		return nil, fromMechanismError(err)
	}
	if conv.digest, err = conv.hash.Digest(true); err != nil {
		return nil, err
	}
	return []msg.Arg{bytesVariant(proof)}, nil
}

func (a *Authenticator) onGenSessionKey(s *peerstate.State, conv *conversation, peer string, args []msg.Arg) ([]msg.Arg, error) {
	if err := checkSignature(args, "sss"); err != nil {
		return nil, err
	}
	initGUID, err := argGUID(args[0])
	if err != nil {
		return nil, err
	}
	respGUID, err := argGUID(args[1])
	if err != nil {
		return nil, err
	}
	if initGUID != conv.remoteGUID || respGUID != a.guid {
		return nil, fmt.Errorf("%w: GUIDs do not match the conversation", ErrProtocol)
	}
	nonceI, err := argHex(args[2])
	if err != nil {
		return nil, err
	}
	if len(nonceI) != nonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrProtocol, len(nonceI))
	}
	nonceR, err := newNonce()
	if err != nil {
		return nil, err
	}

	keys, err := deriveSessionKeys(conv.kx.SharedSecret(), conv.digest, nonceI, nonceR)
	if err != nil {
		return nil, err
	}
	defer keys.wipe()

	reply := []msg.Arg{
		msg.NewString(hex.EncodeToString(nonceR)),
		msg.NewString(hex.EncodeToString(keys.verifier(nonceI, nonceR))),
		msg.NewString(""),
	}
	if err = conv.update(convhash.V4,
		convhash.Byte(convhash.HeaderGenSessionKeyRequest), convhash.Args(args),
		convhash.Byte(convhash.HeaderGenSessionKeyReply), convhash.Args(reply),
	); err != nil {
		return nil, err
	}
	conv.hash.Free()
	conv.kx.Destroy()

	if err = a.installSessionKey(s, &PeerInfo{
		Name:        peer,
		GUID:        conv.remoteGUID,
		AuthVersion: conv.authVersion,
		Suite:       conv.suite,
	}, keys.unicast, conv.digest); err != nil {
		return nil, err
	}
	return reply, nil
}

func (a *Authenticator) onExchangeGroupKeys(s *peerstate.State, conv *conversation, args []msg.Arg) ([]msg.Arg, error) {
	if err := checkSignature(args, "v"); err != nil {
		return nil, err
	}
	sealed, err := argVariantBytes(args[0])
	if err != nil {
		return nil, err
	}
	session, err := s.GetKey(peerstate.SessionKey)
	if err != nil {
		return nil, err
	}
	defer session.Erase()

	remote, err := openGroupKey(session, sealed, conv.remoteGUID, a.guid)
	if err != nil {
		return nil, err
	}
	defer remote.Erase()
	if err = s.SetKey(remote, peerstate.GroupKey); err != nil {
		return nil, err
	}

	group, err := a.table.GetGroupKey()
	if err != nil {
		return nil, err
	}
	defer group.Erase()
	out, err := sealGroupKey(session, group, a.guid, conv.remoteGUID)
	if err != nil {
		return nil, err
	}
	return []msg.Arg{bytesVariant(out)}, nil
}
