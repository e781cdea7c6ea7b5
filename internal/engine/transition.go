package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"showline/internal/cache"
	"showline/internal/domain"
	"showline/internal/engine/auth"
	"showline/internal/events"
	"showline/internal/repo"
)

// TransitionRequest asks for a move out of the current phase. An empty
// TargetPhase means the next phase (or the previous one when Revert is set).
type TransitionRequest struct {
	ProjectID        string
	TargetPhase      domain.Phase
	Trigger          domain.Trigger
	Reason           string
	ActorID          string
	OverrideBlockers bool
	Revert           bool
	// Permissions already granted to the caller by its credentials.
	Permissions []string
}

// TransitionOutcome reports what Execute did. Applied is false when the
// project was already in the requested phase.
type TransitionOutcome struct {
	Success       bool
	Applied       bool
	PreviousPhase domain.Phase
	NewPhase      domain.Phase
	History       *domain.PhaseTransitionHistory
	Evaluation    domain.TransitionResult
	State         domain.PhaseState
}

// GetTransitionStatus evaluates the next transition of a project. When the
// project opted into automatic transitions, due time-driven transitions are
// applied first so the reported phase is current.
func (e Engine) GetTransitionStatus(ctx context.Context, projectID string) (domain.TransitionStatus, error) {
	st, err := e.phaseState(ctx, projectID)
	if err != nil {
		return domain.TransitionStatus{}, err
	}
	if st.AutoTransitionsEnabled && !st.CurrentPhase.Terminal() {
		applied, err := e.advanceDue(ctx, projectID)
		if err != nil {
			e.Logf("automatic transition of %s on read: %v", projectID, err)
		}
		if len(applied) > 0 {
			if st, err = e.phaseState(ctx, projectID); err != nil {
				return domain.TransitionStatus{}, err
			}
		}
	}
	snap, err := e.GetReadiness(ctx, projectID, false)
	if err != nil {
		return domain.TransitionStatus{}, err
	}
	return domain.TransitionStatus{
		ProjectID:        projectID,
		CurrentPhase:     st.CurrentPhase,
		PhaseUpdatedAt:   st.PhaseUpdatedAt,
		TransitionResult: e.Rules.Evaluate(st, e.now(), snap),
	}, nil
}

// Execute validates and applies a phase transition. The state, the readiness
// and the evaluation are re-read under the project lock; nothing from an
// earlier GetTransitionStatus is trusted.
func (e Engine) Execute(ctx context.Context, req TransitionRequest) (TransitionOutcome, error) {
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	switch req.Trigger {
	case domain.TriggerManual:
		if strings.TrimSpace(req.ActorID) == "" {
			return TransitionOutcome{}, domain.Validation("actor id is required for manual transitions")
		}
	case domain.TriggerAutomatic:
		if req.ActorID == "" {
			req.ActorID = domain.SystemActor
		}
	default:
		return TransitionOutcome{}, domain.Validation("unknown trigger %q", req.Trigger)
	}
	if req.TargetPhase != "" && !req.TargetPhase.Valid() {
		return TransitionOutcome{}, domain.Validation("unknown phase %q", req.TargetPhase)
	}

	unlock := e.lock(req.ProjectID)
	defer unlock()

	gen := e.cacheGeneration(ctx, req.ProjectID)
	st, err := e.phaseState(ctx, req.ProjectID)
	if err != nil {
		return TransitionOutcome{}, err
	}
	current := st.CurrentPhase
	if req.Revert {
		return e.revert(ctx, st, req)
	}

	target := req.TargetPhase
	if target == "" {
		next, ok := current.Next()
		if !ok {
			return TransitionOutcome{}, e.rejectTransition(req, current, current, "phase is terminal")
		}
		target = next
	}
	if target == current {
		return TransitionOutcome{Success: true, PreviousPhase: current, NewPhase: current, State: st}, nil
	}
	if target.Index() < current.Index() {
		return TransitionOutcome{}, e.rejectTransition(req, current, target, "backward moves require a revert")
	}
	if target.Index() > current.Index()+1 {
		return TransitionOutcome{}, e.rejectTransition(req, current, target, "phases cannot be skipped")
	}
	if req.Trigger == domain.TriggerAutomatic && !target.TimeDriven() {
		return TransitionOutcome{}, e.rejectTransition(req, current, target, "only time-driven phases are entered automatically")
	}

	snap, err := e.calculate(ctx, st, gen)
	if err != nil {
		return TransitionOutcome{}, err
	}
	now := e.now()
	eval := e.Rules.Evaluate(st, now, snap)
	meta := map[string]any{}
	if !eval.CanTransition {
		if !req.OverrideBlockers || req.Trigger != domain.TriggerManual {
			return TransitionOutcome{Evaluation: eval}, domain.TransitionBlocked(current, target, eval.Blockers, eval.ScheduledAt)
		}
		if err := e.Auth.Require(ctx, nil, st.ProjectID, req.ActorID, auth.PermPhaseOverride, req.Permissions...); err != nil {
			return TransitionOutcome{Evaluation: eval}, err
		}
		meta["override"] = true
		meta["bypassed_blockers"] = append([]string{}, eval.Blockers...)
		if eval.ScheduledAt != nil {
			meta["scheduled_at"] = eval.ScheduledAt.UTC().Format(time.RFC3339)
		}
	}
	meta["readiness_status"] = string(snap.Status)

	out, err := e.apply(ctx, st, target, req, meta, events.PhaseTransitioned)
	if err != nil {
		return TransitionOutcome{}, err
	}
	out.Evaluation = eval
	return out, nil
}

// revert steps back exactly one phase. Reverts skip gating but need the
// revert permission and are recorded as such.
func (e Engine) revert(ctx context.Context, st domain.PhaseState, req TransitionRequest) (TransitionOutcome, error) {
	current := st.CurrentPhase
	prev, ok := current.Previous()
	target := req.TargetPhase
	if target == "" {
		target = prev
	}
	if req.Trigger != domain.TriggerManual {
		return TransitionOutcome{}, e.rejectTransition(req, current, target, "reverts are manual only")
	}
	if !ok {
		return TransitionOutcome{}, e.rejectTransition(req, current, current, "no previous phase")
	}
	if target != prev {
		return TransitionOutcome{}, e.rejectTransition(req, current, target, fmt.Sprintf("a revert may only return to %s", prev))
	}
	if err := e.Auth.Require(ctx, nil, st.ProjectID, req.ActorID, auth.PermPhaseRevert, req.Permissions...); err != nil {
		return TransitionOutcome{}, err
	}
	return e.apply(ctx, st, target, req, map[string]any{"revert": true}, events.PhaseReverted)
}

// apply persists the new phase, its history row and the audit event in one
// transaction guarded by the phase state version.
func (e Engine) apply(ctx context.Context, st domain.PhaseState, target domain.Phase, req TransitionRequest, meta map[string]any, eventType string) (TransitionOutcome, error) {
	now := e.now().UTC()
	next := st
	next.CurrentPhase = target
	next.PhaseUpdatedAt = now
	h := domain.PhaseTransitionHistory{
		ID:             uuid.NewString(),
		ProjectID:      st.ProjectID,
		TransitionedAt: now,
		TransitionedBy: req.ActorID,
		FromPhase:      st.CurrentPhase,
		ToPhase:        target,
		Trigger:        req.Trigger,
		Reason:         req.Reason,
		Metadata:       meta,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionOutcome{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.UpdatePhaseStateTx(ctx, tx, next, st.Version)
	if errors.Is(err, repo.ErrConflict) {
		return TransitionOutcome{}, domain.Conflict(st.ProjectID)
	}
	if err != nil {
		return TransitionOutcome{}, err
	}
	next.Version = version
	if err := e.Repo.InsertHistoryTx(ctx, tx, h); err != nil {
		return TransitionOutcome{}, err
	}
	payload := events.Payload{
		"from_phase": string(h.FromPhase),
		"to_phase":   string(h.ToPhase),
		"trigger":    string(h.Trigger),
		"history_id": h.ID,
	}
	if h.Reason != "" {
		payload["reason"] = h.Reason
	}
	if v, ok := meta["bypassed_blockers"]; ok {
		payload["bypassed_blockers"] = v
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       eventType,
		ProjectID:  st.ProjectID,
		EntityKind: "phase_state",
		EntityID:   st.ProjectID,
		ActorID:    req.ActorID,
		Payload:    payload,
	}); err != nil {
		return TransitionOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionOutcome{}, err
	}
	e.invalidate(ctx, st.ProjectID, cache.ReasonPhaseChange)
	e.Logf("project %s moved %s -> %s (%s by %s)", st.ProjectID, h.FromPhase, h.ToPhase, h.Trigger, h.TransitionedBy)
	return TransitionOutcome{
		Success:       true,
		Applied:       true,
		PreviousPhase: h.FromPhase,
		NewPhase:      h.ToPhase,
		History:       &h,
		State:         next,
	}, nil
}

func (e Engine) rejectTransition(req TransitionRequest, from, to domain.Phase, why string) error {
	err := domain.InvalidTransition(from, to, why)
	e.Logf("project %s: %v (%s by %s)", req.ProjectID, err, req.Trigger, req.ActorID)
	return err
}

// advanceDue applies every due time-driven transition in order, stopping at
// the first one that is still blocked.
func (e Engine) advanceDue(ctx context.Context, projectID string) ([]domain.PhaseTransitionHistory, error) {
	var applied []domain.PhaseTransitionHistory
	for range domain.Phases() {
		st, err := e.phaseState(ctx, projectID)
		if err != nil {
			return applied, err
		}
		next, ok := st.CurrentPhase.Next()
		if !ok || !next.TimeDriven() || !st.AutoTransitionsEnabled {
			return applied, nil
		}
		out, err := e.Execute(ctx, TransitionRequest{
			ProjectID:   projectID,
			TargetPhase: next,
			Trigger:     domain.TriggerAutomatic,
			ActorID:     domain.SystemActor,
			Reason:      "scheduled transition",
		})
		if errors.Is(err, domain.ErrTransitionBlocked) {
			return applied, nil
		}
		if err != nil {
			return applied, err
		}
		if !out.Applied || out.History == nil {
			return applied, nil
		}
		applied = append(applied, *out.History)
	}
	return applied, nil
}

// GetTransitionHistory lists a project's transitions oldest first.
func (e Engine) GetTransitionHistory(ctx context.Context, projectID string) ([]domain.PhaseTransitionHistory, error) {
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, projectID)
}
