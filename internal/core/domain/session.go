package domain

import (
	"encoding/json"
	"math"
	"time"
)

// PlayerState is one participant's replicated state.
type PlayerState struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	Health int     `json:"health"`
	Score  int     `json:"score"`
	Flags  uint32  `json:"flags"`
}

// WorldObject is one shared world entity, replicated wholesale. Data is an
// opaque blob owned by the game layer.
type WorldObject struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	X    float64         `json:"x"`
	Y    float64         `json:"y"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionState is the canonical shared game state. Exactly one host at any
// time; only the host produces authoritative version increments. Version is
// monotonically increasing and restarts from 0 on host migration.
type SessionState struct {
	HostID  PeerID                 `json:"host_id"`
	Version uint64                 `json:"version"`
	Players map[PeerID]PlayerState `json:"players"`
	Objects map[string]WorldObject `json:"objects,omitempty"`
}

func NewSessionState(host PeerID) *SessionState {
	return &SessionState{
		HostID:  host,
		Players: make(map[PeerID]PlayerState),
		Objects: make(map[string]WorldObject),
	}
}

// Clone deep-copies the state. Snapshots handed to event consumers and
// per-peer send baselines must never alias the live maps.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := &SessionState{
		HostID:  s.HostID,
		Version: s.Version,
		Players: make(map[PeerID]PlayerState, len(s.Players)),
		Objects: make(map[string]WorldObject, len(s.Objects)),
	}
	for id, p := range s.Players {
		out.Players[id] = p
	}
	for id, o := range s.Objects {
		if o.Data != nil {
			data := make(json.RawMessage, len(o.Data))
			copy(data, o.Data)
			o.Data = data
		}
		out.Objects[id] = o
	}
	return out
}

// Input is a local player intent: a movement vector with magnitude <= 1
// plus held action bits. Anything beyond that bound is implausible.
type Input struct {
	MoveX   float64
	MoveY   float64
	Actions uint32
}

// ClampMove normalizes the movement vector to unit magnitude. Used by the
// deterministic step so host and predicting client derive identical state.
func (in Input) ClampMove() (float64, float64) {
	mag := math.Hypot(in.MoveX, in.MoveY)
	if mag <= 1 {
		return in.MoveX, in.MoveY
	}
	return in.MoveX / mag, in.MoveY / mag
}

// ApplyInput advances one player by one input over dt seconds. The same
// function runs on the host (authoritative) and on predicting clients, so
// a no-conflict prediction matches the authoritative result exactly.
func ApplyInput(p *PlayerState, in Input, dt, maxSpeed float64) {
	mx, my := in.ClampMove()
	p.VX = mx * maxSpeed
	p.VY = my * maxSpeed
	p.X += p.VX * dt
	p.Y += p.VY * dt
	p.Flags = in.Actions
}

// PendingPrediction is a non-host speculative mutation applied before host
// confirmation. Seq is the causal id (input sequence); Before snapshots the
// local player pre-mutation for rollback.
type PendingPrediction struct {
	Seq    uint64
	Input  Input
	Before PlayerState
	At     time.Time
}
