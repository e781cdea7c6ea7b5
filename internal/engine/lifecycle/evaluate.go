// Package lifecycle decides whether a production may leave its current phase.
// Evaluation is pure: the clock and the readiness snapshot are parameters.
package lifecycle

import (
	"fmt"
	"time"

	"showline/internal/domain"
	"showline/internal/engine/readiness"
)

// DefaultCompletionGrace separates the post-show wrap from completion.
const DefaultCompletionGrace = 72 * time.Hour

// Hard blocker codes; time-based blockers are rendered sentences instead.
const (
	BlockerMissingRehearsalStart = "missing_rehearsal_start_date"
	BlockerMissingShowEnd        = "missing_show_end_date"
	BlockerMissingArchiveDate    = "missing_archive_date"
)

// Rules holds the tunables of the transition graph.
type Rules struct {
	CompletionGrace time.Duration
}

// DefaultRules is used by the package-level Evaluate.
var DefaultRules = Rules{CompletionGrace: DefaultCompletionGrace}

// Evaluate applies DefaultRules.
func Evaluate(state domain.PhaseState, now time.Time, snap domain.ReadinessSnapshot) domain.TransitionResult {
	return DefaultRules.Evaluate(state, now, snap)
}

type verdict struct {
	blockers    []string
	scheduledAt *time.Time
}

func (v *verdict) block(reason string) {
	v.blockers = append(v.blockers, reason)
}

func (v *verdict) schedule(reason string, at time.Time) {
	v.blockers = append(v.blockers, reason)
	if v.scheduledAt == nil {
		v.scheduledAt = &at
	}
}

// Evaluate reports whether state may move to its next phase at now.
func (r Rules) Evaluate(state domain.PhaseState, now time.Time, snap domain.ReadinessSnapshot) domain.TransitionResult {
	current := state.CurrentPhase
	if current.Terminal() {
		return domain.TransitionResult{
			Blockers: []string{},
			Reason:   fmt.Sprintf("%s is terminal", current),
		}
	}
	target, ok := current.Next()
	if !ok {
		return domain.TransitionResult{
			Blockers: []string{fmt.Sprintf("unknown phase %q", current)},
			Reason:   "unknown phase",
		}
	}

	loc := location(state.Timezone)
	var v verdict
	switch target {
	case domain.PhaseStaffing:
		// Unfinalized areas block with the missing code whatever their count.
		for _, area := range []domain.SetupArea{domain.AreaRoles, domain.AreaLocations} {
			if !snap.Finalization.Of(area) {
				v.block(readiness.MissingIssue(area))
			}
		}
	case domain.PhasePreShow:
		if snap.Counts.TeamAssignments == 0 {
			v.block(readiness.IssueMissingTeamAssignments)
		}
		if snap.Counts.Talent == 0 {
			v.block(readiness.IssueMissingTalent)
		}
	case domain.PhaseActive:
		day, ok := parseDate(state.RehearsalStartDate, loc)
		if !ok {
			v.block(BlockerMissingRehearsalStart)
			break
		}
		if now.Before(day) {
			v.schedule("Scheduled to activate at "+day.Format(domain.DateLayout), day)
		}
	case domain.PhasePostShow:
		due, ok := wrapTime(state, loc)
		if !ok {
			v.block(BlockerMissingShowEnd)
			break
		}
		if now.Before(due) {
			v.schedule("Scheduled to wrap at "+due.Format(time.RFC3339), due)
		}
	case domain.PhaseComplete:
		wrap, ok := wrapTime(state, loc)
		if !ok {
			v.block(BlockerMissingShowEnd)
			break
		}
		due := wrap.Add(r.grace())
		if now.Before(due) {
			v.schedule("Scheduled to complete at "+due.Format(time.RFC3339), due)
		}
	case domain.PhaseArchived:
		due, ok := archiveTime(state, loc)
		if !ok {
			v.block(BlockerMissingArchiveDate)
			break
		}
		if now.Before(due) {
			v.schedule("Scheduled to archive at "+due.Format(domain.DateLayout), due)
		}
	}

	res := domain.TransitionResult{
		CanTransition: len(v.blockers) == 0,
		TargetPhase:   &target,
		Blockers:      []string{},
		ScheduledAt:   v.scheduledAt,
	}
	res.Blockers = append(res.Blockers, v.blockers...)
	switch {
	case res.CanTransition:
		res.Reason = fmt.Sprintf("ready to move to %s", target)
	case v.scheduledAt != nil && len(v.blockers) == 1:
		res.Reason = fmt.Sprintf("move to %s scheduled", target)
	default:
		res.Reason = fmt.Sprintf("%d blocker(s) prevent moving to %s", len(v.blockers), target)
	}
	return res
}

func (r Rules) grace() time.Duration {
	if r.CompletionGrace <= 0 {
		return DefaultCompletionGrace
	}
	return r.CompletionGrace
}

// location resolves an IANA name; unknown or empty names evaluate in UTC.
func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseDate returns local midnight of a YYYY-MM-DD date.
func parseDate(value *string, loc *time.Location) (time.Time, bool) {
	if value == nil || *value == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(domain.DateLayout, *value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// wrapTime is when an ACTIVE show moves to POST_SHOW.
func wrapTime(state domain.PhaseState, loc *time.Location) (time.Time, bool) {
	day, ok := parseDate(state.ShowEndDate, loc)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), state.PostShowTransitionHour, 0, 0, 0, loc), true
}

// archiveTime is the first archive anniversary on or after the day the
// project entered COMPLETE.
func archiveTime(state domain.PhaseState, loc *time.Location) (time.Time, bool) {
	if state.ArchiveMonth < 1 || state.ArchiveMonth > 12 || state.ArchiveDay < 1 {
		return time.Time{}, false
	}
	entered := state.PhaseUpdatedAt.In(loc)
	enteredDay := time.Date(entered.Year(), entered.Month(), entered.Day(), 0, 0, 0, 0, loc)
	candidate := Anniversary(entered.Year(), time.Month(state.ArchiveMonth), state.ArchiveDay, loc)
	if candidate.Before(enteredDay) {
		candidate = Anniversary(entered.Year()+1, time.Month(state.ArchiveMonth), state.ArchiveDay, loc)
	}
	return candidate, true
}

// Anniversary returns local midnight of month/day in year, clamping days past
// the end of the month (Feb 29 in common years) to the month's last day.
func Anniversary(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := DaysIn(year, month)
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// DaysIn returns the number of days in month of year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
