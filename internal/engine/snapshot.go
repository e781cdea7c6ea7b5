package engine

import (
	"context"
	"errors"

	"showline/internal/cache"
	"showline/internal/domain"
	"showline/internal/engine/readiness"
	"showline/internal/events"
)

// GetReadiness returns the project's readiness snapshot. With cachedOnly set
// it never calculates: a missing entry is READINESS_NOT_CALCULATED and a
// recorded failure is READINESS_FETCH_ERROR.
func (e Engine) GetReadiness(ctx context.Context, projectID string, cachedOnly bool) (domain.ReadinessSnapshot, error) {
	if projectID == "" {
		return domain.ReadinessSnapshot{}, domain.Validation("project id is required")
	}
	entry, ok, err := e.Cache.Get(ctx, projectID)
	if err != nil {
		if cachedOnly {
			return domain.ReadinessSnapshot{}, domain.ReadinessFetchError(projectID, err)
		}
		e.Logf("readiness cache read for %s: %v", projectID, err)
		ok = false
	}
	if ok && entry.Snapshot != nil {
		return *entry.Snapshot, nil
	}
	if cachedOnly {
		if ok && entry.Failed() {
			return domain.ReadinessSnapshot{}, domain.ReadinessFetchError(projectID, errors.New(entry.Failure))
		}
		return domain.ReadinessSnapshot{}, domain.ReadinessNotCalculated(projectID)
	}
	st, err := e.phaseState(ctx, projectID)
	if err != nil {
		if _, typed := domain.CodeOf(err); typed {
			return domain.ReadinessSnapshot{}, err
		}
		return domain.ReadinessSnapshot{}, e.recordFailure(ctx, projectID, entry.Generation, err)
	}
	return e.calculate(ctx, st, entry.Generation)
}

// cacheGeneration reports the project's invalidation count before a
// calculation starts. An unreadable cache yields zero, which the store
// treats as stale once anything was invalidated.
func (e Engine) cacheGeneration(ctx context.Context, projectID string) uint64 {
	entry, _, err := e.Cache.Get(ctx, projectID)
	if err != nil {
		e.Logf("readiness cache read for %s: %v", projectID, err)
		return 0
	}
	return entry.Generation
}

// calculate always reads the collaborators and stores the outcome, success or
// failure, in the cache. gen must have been read before st; the store drops
// the outcome if the project was invalidated since.
func (e Engine) calculate(ctx context.Context, st domain.PhaseState, gen uint64) (domain.ReadinessSnapshot, error) {
	src := e.setup()
	counts, err := src.SetupCounts(ctx, st.ProjectID)
	if err != nil {
		return domain.ReadinessSnapshot{}, e.recordFailure(ctx, st.ProjectID, gen, err)
	}
	flags, err := src.FinalizationFlags(ctx, st.ProjectID)
	if err != nil {
		return domain.ReadinessSnapshot{}, e.recordFailure(ctx, st.ProjectID, gen, err)
	}
	snap := readiness.Compute(readiness.Input{
		ProjectID: st.ProjectID,
		Counts:    counts,
		Flags:     flags,
		Phase:     st.CurrentPhase,
	}, e.now().UTC())
	if err := e.Cache.Set(ctx, st.ProjectID, cache.Entry{Snapshot: &snap, RecordedAt: snap.CalculatedAt, Generation: gen}); err != nil {
		e.Logf("readiness cache write for %s: %v", st.ProjectID, err)
	}
	return snap, nil
}

func (e Engine) recordFailure(ctx context.Context, projectID string, gen uint64, cause error) error {
	e.Logf("readiness calculation for %s failed: %v", projectID, cause)
	if err := e.Cache.Set(ctx, projectID, cache.Entry{Failure: cause.Error(), RecordedAt: e.now().UTC(), Generation: gen}); err != nil {
		e.Logf("readiness cache write for %s: %v", projectID, err)
	}
	return domain.ReadinessFetchError(projectID, cause)
}

// invalidate drops the cached snapshot after a committed mutation. A cache
// failure is logged; the mutation already happened.
func (e Engine) invalidate(ctx context.Context, projectID, reason string) {
	if err := e.Cache.Invalidate(ctx, projectID, reason); err != nil {
		e.Logf("invalidate readiness for %s (%s): %v", projectID, reason, err)
	}
}

// InvalidateReadiness discards the cached snapshot so the next read
// recalculates. Invalidating an uncached project is not an error.
func (e Engine) InvalidateReadiness(ctx context.Context, projectID, reason, actorID string) error {
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return err
	}
	if reason == "" {
		reason = cache.ReasonManual
	}
	if err := e.Cache.Invalidate(ctx, projectID, reason); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.ReadinessInvalidated,
		ProjectID:  projectID,
		EntityKind: "readiness",
		EntityID:   projectID,
		ActorID:    actorID,
		Payload:    events.Payload{"reason": reason},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
