package domain

import "strings"

// Phase is one stage of a production's lifecycle.
type Phase string

const (
	PhasePrep     Phase = "PREP"
	PhaseStaffing Phase = "STAFFING"
	PhasePreShow  Phase = "PRE_SHOW"
	PhaseActive   Phase = "ACTIVE"
	PhasePostShow Phase = "POST_SHOW"
	PhaseComplete Phase = "COMPLETE"
	PhaseArchived Phase = "ARCHIVED"
)

// phaseOrder is the only transition graph: each phase may move to the next one.
var phaseOrder = []Phase{
	PhasePrep,
	PhaseStaffing,
	PhasePreShow,
	PhaseActive,
	PhasePostShow,
	PhaseComplete,
	PhaseArchived,
}

// Phases returns the lifecycle in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ParsePhase canonicalizes a phase label. Lower case and dashes are accepted.
func ParsePhase(value string) (Phase, bool) {
	label := strings.ToUpper(strings.TrimSpace(value))
	label = strings.ReplaceAll(label, "-", "_")
	for _, p := range phaseOrder {
		if string(p) == label {
			return p, true
		}
	}
	return "", false
}

// Index returns the position of p in the lifecycle, or -1 when unknown.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Index() >= 0 }

// Terminal reports whether no phase follows p.
func (p Phase) Terminal() bool { return p == PhaseArchived }

// Next returns the single phase reachable from p.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[i+1], true
}

// Previous returns the phase a revert from p lands on.
func (p Phase) Previous() (Phase, bool) {
	i := p.Index()
	if i <= 0 {
		return "", false
	}
	return phaseOrder[i-1], true
}

// PreActivation reports whether p comes before ACTIVE.
func (p Phase) PreActivation() bool {
	i := p.Index()
	return i >= 0 && i < PhaseActive.Index()
}

// TimeDriven reports whether entering p is triggered by elapsed time rather
// than by an administrator.
func (p Phase) TimeDriven() bool {
	switch p {
	case PhaseActive, PhasePostShow, PhaseComplete, PhaseArchived:
		return true
	default:
		return false
	}
}
