package model

// Phase is the per-stream protocol state driven by the reconciler.
type Phase string

const (
	PhaseDisconnected Phase = "DISCONNECTED"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseCatchingUp   Phase = "CATCHING_UP"
	PhaseLive         Phase = "LIVE"
	PhaseGapRepair    Phase = "GAP_REPAIR"
	PhaseFaulted      Phase = "FAULTED"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether the phase requires explicit operator action
// (reset or resume) to leave.
func (p Phase) Terminal() bool { return p == PhaseFaulted }
