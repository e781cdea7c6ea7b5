package config

import (
	"time"

	"showline/internal/domain"
)

// Schedule is the user-editable part of a project's phase state.
type Schedule struct {
	Location               string
	Timezone               string
	RehearsalStartDate     *string
	ShowEndDate            *string
	ArchiveMonth           int
	ArchiveDay             int
	PostShowTransitionHour int
}

// maxArchiveDay allows Feb 29; common years clamp it when computing anniversaries.
func maxArchiveDay(month time.Month) int {
	return time.Date(2000, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ValidateSchedule rejects malformed lifecycle configuration with a
// VALIDATION_ERROR before anything is written.
func ValidateSchedule(s Schedule) error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return domain.Validation("timezone %q is not a valid IANA name", s.Timezone)
		}
	}
	if s.PostShowTransitionHour < 0 || s.PostShowTransitionHour > 23 {
		return domain.Validation("post_show_transition_hour must be between 0 and 23, got %d", s.PostShowTransitionHour)
	}
	if s.ArchiveMonth != 0 || s.ArchiveDay != 0 {
		if s.ArchiveMonth < 1 || s.ArchiveMonth > 12 {
			return domain.Validation("archive_month must be between 1 and 12, got %d", s.ArchiveMonth)
		}
		if limit := maxArchiveDay(time.Month(s.ArchiveMonth)); s.ArchiveDay < 1 || s.ArchiveDay > limit {
			return domain.Validation("archive_day %d is not valid for month %d (1-%d)", s.ArchiveDay, s.ArchiveMonth, limit)
		}
	}
	var start, end time.Time
	if s.RehearsalStartDate != nil && *s.RehearsalStartDate != "" {
		t, err := time.Parse(domain.DateLayout, *s.RehearsalStartDate)
		if err != nil {
			return domain.Validation("rehearsal_start_date %q must be YYYY-MM-DD", *s.RehearsalStartDate)
		}
		start = t
	}
	if s.ShowEndDate != nil && *s.ShowEndDate != "" {
		t, err := time.Parse(domain.DateLayout, *s.ShowEndDate)
		if err != nil {
			return domain.Validation("show_end_date %q must be YYYY-MM-DD", *s.ShowEndDate)
		}
		end = t
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return domain.Validation("show_end_date %s is before rehearsal_start_date %s", *s.ShowEndDate, *s.RehearsalStartDate)
	}
	return nil
}

// ScheduleOf extracts the editable schedule from a phase state.
func ScheduleOf(st domain.PhaseState) Schedule {
	return Schedule{
		Location:               st.Location,
		Timezone:               st.Timezone,
		RehearsalStartDate:     st.RehearsalStartDate,
		ShowEndDate:            st.ShowEndDate,
		ArchiveMonth:           st.ArchiveMonth,
		ArchiveDay:             st.ArchiveDay,
		PostShowTransitionHour: st.PostShowTransitionHour,
	}
}

// DefaultSchedule seeds a new project from the lifecycle section.
func (c *Config) DefaultSchedule() Schedule {
	return Schedule{
		Timezone:               c.Lifecycle.Timezone,
		ArchiveMonth:           c.Lifecycle.ArchiveMonth,
		ArchiveDay:             c.Lifecycle.ArchiveDay,
		PostShowTransitionHour: c.Lifecycle.PostShowTransitionHour,
	}
}
