package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showline/internal/domain"
	"showline/internal/engine/readiness"
)

func day(s string) *string { return &s }

func snapshot(phase domain.Phase, counts domain.SetupCounts, flags domain.FinalizationFlags) domain.ReadinessSnapshot {
	return readiness.Compute(readiness.Input{ProjectID: "p", Phase: phase, Counts: counts, Flags: flags}, time.Time{})
}

func state(phase domain.Phase) domain.PhaseState {
	return domain.PhaseState{
		ProjectID:              "p",
		CurrentPhase:           phase,
		Timezone:               "UTC",
		PostShowTransitionHour: 6,
		ArchiveMonth:           1,
		ArchiveDay:             15,
	}
}

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestPrepRequiresRolesAndLocations(t *testing.T) {
	res := Evaluate(state(domain.PhasePrep), now, snapshot(domain.PhasePrep, domain.SetupCounts{}, domain.FinalizationFlags{}))
	assert.False(t, res.CanTransition)
	assert.Equal(t, []string{"missing_role_templates", "missing_locations"}, res.Blockers)
	require.NotNil(t, res.TargetPhase)
	assert.Equal(t, domain.PhaseStaffing, *res.TargetPhase)
	assert.Nil(t, res.ScheduledAt)
}

func TestPrepRequiresFinalization(t *testing.T) {
	counts := domain.SetupCounts{RoleTemplates: 3, Locations: 1}
	res := Evaluate(state(domain.PhasePrep), now, snapshot(domain.PhasePrep, counts, domain.FinalizationFlags{Locations: true}))
	assert.Equal(t, []string{"missing_role_templates"}, res.Blockers, "items without finalization keep the missing code")

	res = Evaluate(state(domain.PhasePrep), now, snapshot(domain.PhasePrep, counts, domain.FinalizationFlags{Roles: true, Locations: true}))
	assert.True(t, res.CanTransition)
	assert.Empty(t, res.Blockers)
	assert.NotNil(t, res.Blockers)
}

func TestBlockersAreMonotonic(t *testing.T) {
	type setup struct {
		counts domain.SetupCounts
		flags  domain.FinalizationFlags
	}
	var grid []setup
	for mask := 0; mask < 1<<8; mask++ {
		bit := func(i int) bool { return mask&(1<<i) != 0 }
		n := func(i int) int {
			if bit(i) {
				return 1
			}
			return 0
		}
		grid = append(grid, setup{
			counts: domain.SetupCounts{RoleTemplates: n(0), Locations: n(1), TeamAssignments: n(2), Talent: n(3)},
			flags:  domain.FinalizationFlags{Roles: bit(4), Locations: bit(5), Team: bit(6), Talent: bit(7)},
		})
	}
	grow := func(c domain.SetupCounts, area domain.SetupArea) domain.SetupCounts {
		switch area {
		case domain.AreaRoles:
			c.RoleTemplates++
		case domain.AreaLocations:
			c.Locations++
		case domain.AreaTeam:
			c.TeamAssignments++
		case domain.AreaTalent:
			c.Talent++
		}
		return c
	}
	for _, phase := range []domain.Phase{domain.PhasePrep, domain.PhaseStaffing} {
		st := state(phase)
		for _, before := range grid {
			base := Evaluate(st, now, snapshot(phase, before.counts, before.flags))
			for _, area := range domain.SetupAreas() {
				for _, after := range []setup{
					{counts: grow(before.counts, area), flags: before.flags},
					{counts: before.counts, flags: before.flags.With(area, true)},
				} {
					next := Evaluate(st, now, snapshot(phase, after.counts, after.flags))
					for _, b := range next.Blockers {
						if !assert.Contains(t, base.Blockers, b, "%s: improving %s added %q (%v -> %v)", phase, area, b, base.Blockers, next.Blockers) {
							return
						}
					}
					if base.CanTransition {
						assert.True(t, next.CanTransition, "%s: improving %s blocked a ready project", phase, area)
					}
				}
			}
		}
	}
}

func TestStaffingNeedsTeamAndTalent(t *testing.T) {
	res := Evaluate(state(domain.PhaseStaffing), now, snapshot(domain.PhaseStaffing, domain.SetupCounts{}, domain.FinalizationFlags{}))
	assert.Equal(t, []string{"missing_team_assignments", "missing_talent"}, res.Blockers)

	res = Evaluate(state(domain.PhaseStaffing), now, snapshot(domain.PhaseStaffing,
		domain.SetupCounts{TeamAssignments: 1, Talent: 1}, domain.FinalizationFlags{Roles: true, Locations: true}))
	assert.True(t, res.CanTransition)
	assert.Equal(t, domain.PhasePreShow, *res.TargetPhase)
}

func TestActivationSchedule(t *testing.T) {
	snap := snapshot(domain.PhasePreShow, domain.SetupCounts{}, domain.FinalizationFlags{})

	st := state(domain.PhasePreShow)
	res := Evaluate(st, now, snap)
	assert.Equal(t, []string{BlockerMissingRehearsalStart}, res.Blockers)

	st.Timezone = "Asia/Tokyo"
	st.RehearsalStartDate = day("2024-03-02")
	res = Evaluate(st, now, snap)
	assert.False(t, res.CanTransition)
	assert.Equal(t, []string{"Scheduled to activate at 2024-03-02"}, res.Blockers)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	require.NotNil(t, res.ScheduledAt)
	assert.True(t, res.ScheduledAt.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, tokyo)))

	// Midnight in Tokyo is 15:00 UTC the day before.
	res = Evaluate(st, time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC), snap)
	assert.True(t, res.CanTransition)
}

func TestInvalidTimezoneFallsBackToUTC(t *testing.T) {
	st := state(domain.PhasePreShow)
	st.Timezone = "Nowhere/Land"
	st.RehearsalStartDate = day("2024-03-02")
	res := Evaluate(st, now, snapshot(domain.PhasePreShow, domain.SetupCounts{}, domain.FinalizationFlags{}))
	require.NotNil(t, res.ScheduledAt)
	assert.True(t, res.ScheduledAt.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)))
}

func TestWrapAndCompletion(t *testing.T) {
	snap := snapshot(domain.PhaseActive, domain.SetupCounts{}, domain.FinalizationFlags{})
	st := state(domain.PhaseActive)
	assert.Equal(t, []string{BlockerMissingShowEnd}, Evaluate(st, now, snap).Blockers)

	st.ShowEndDate = day("2024-03-01")
	res := Evaluate(st, time.Date(2024, 3, 1, 5, 59, 0, 0, time.UTC), snap)
	assert.Equal(t, []string{"Scheduled to wrap at 2024-03-01T06:00:00Z"}, res.Blockers)
	assert.True(t, Evaluate(st, time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), snap).CanTransition)

	st.CurrentPhase = domain.PhasePostShow
	res = Rules{CompletionGrace: 24 * time.Hour}.Evaluate(st, time.Date(2024, 3, 2, 5, 0, 0, 0, time.UTC), snap)
	assert.Equal(t, []string{"Scheduled to complete at 2024-03-02T06:00:00Z"}, res.Blockers)
	assert.Equal(t, domain.PhaseComplete, *res.TargetPhase)

	res = Evaluate(st, time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), snap)
	assert.True(t, res.CanTransition, "default grace is 72h")
}

func TestArchiveAnniversary(t *testing.T) {
	snap := snapshot(domain.PhaseComplete, domain.SetupCounts{}, domain.FinalizationFlags{})
	st := state(domain.PhaseComplete)
	st.PhaseUpdatedAt = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	res := Evaluate(st, st.PhaseUpdatedAt, snap)
	assert.True(t, res.CanTransition, "anniversary on the completion day is due at its midnight")

	st.PhaseUpdatedAt = time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	res = Evaluate(st, now, snap)
	assert.Equal(t, []string{"Scheduled to archive at 2025-01-15"}, res.Blockers)
	assert.Equal(t, domain.PhaseArchived, *res.TargetPhase)

	st.ArchiveMonth, st.ArchiveDay = 0, 0
	assert.Equal(t, []string{BlockerMissingArchiveDate}, Evaluate(st, now, snap).Blockers)
}

func TestAnniversaryClampsLeapDay(t *testing.T) {
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), Anniversary(2025, time.February, 29, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), Anniversary(2024, time.February, 29, time.UTC))
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 31, DaysIn(2023, time.December))
}

func TestTerminalPhase(t *testing.T) {
	res := Evaluate(state(domain.PhaseArchived), now, snapshot(domain.PhaseArchived, domain.SetupCounts{}, domain.FinalizationFlags{}))
	assert.False(t, res.CanTransition)
	assert.Nil(t, res.TargetPhase)
	assert.Empty(t, res.Blockers)
}

func TestEvaluateIgnoresWallClock(t *testing.T) {
	st := state(domain.PhasePreShow)
	st.RehearsalStartDate = day("2024-03-02")
	snap := snapshot(domain.PhasePreShow, domain.SetupCounts{}, domain.FinalizationFlags{})
	first := Evaluate(st, now, snap)
	second := Evaluate(st, now, snap)
	assert.Equal(t, first, second)
}
