package domain

import "errors"

var (
	ErrUnknownSignalKind = errors.New("unknown signal kind")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrInvalidGameCode   = errors.New("invalid game code")
	ErrGameCodeNotFound  = errors.New("game code not found")
	ErrPeerNotConnected  = errors.New("peer not connected")
	ErrNotHost           = errors.New("not the session host")
	ErrNoSession         = errors.New("no active session")
	ErrSessionActive     = errors.New("session already active")
	ErrAlreadyJoining    = errors.New("join already in progress")
	ErrNodeClosed        = errors.New("node closed")
	ErrStoreUnavailable  = errors.New("signal store unavailable")
	ErrJoinTimeout       = errors.New("join timed out")
)
