package domain

// NegotiationPhase is the per-remote-peer state machine position:
// idle -> offer-sent | offer-received -> answer-exchanged ->
// candidates-exchanging -> open -> closed, with failed reachable from any
// non-open phase on timeout or remote close.
type NegotiationPhase uint8

const (
	PhaseIdle NegotiationPhase = iota
	PhaseOfferSent
	PhaseOfferReceived
	PhaseAnswerExchanged
	PhaseCandidatesExchanging
	PhaseOpen
	PhaseClosed
	PhaseFailed
)

func (p NegotiationPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseOfferReceived:
		return "offer-received"
	case PhaseAnswerExchanged:
		return "answer-exchanged"
	case PhaseCandidatesExchanging:
		return "candidates-exchanging"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the phase ends the session's life.
func (p NegotiationPhase) Terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

// AcceptsCandidates reports whether remote candidates are meaningful in
// this phase. Candidates never advance the phase by themselves.
func (p NegotiationPhase) AcceptsCandidates() bool {
	switch p {
	case PhaseOfferSent, PhaseOfferReceived, PhaseAnswerExchanged, PhaseCandidatesExchanging:
		return true
	}
	return false
}
