package server

import (
	"encoding/json"
	"time"

	"showline/internal/domain"
	"showline/internal/engine"
)

// Request payloads

// ScheduleRequest carries the schedule fields of a project. Omitted fields are
// left unchanged; an empty date string clears the date.
type ScheduleRequest struct {
	Location               *string `json:"location,omitempty"`
	Timezone               *string `json:"timezone,omitempty" example:"America/New_York"`
	RehearsalStartDate     *string `json:"rehearsal_start_date,omitempty" example:"2024-03-10"`
	ShowEndDate            *string `json:"show_end_date,omitempty" example:"2024-03-20"`
	ArchiveMonth           *int    `json:"archive_month,omitempty" minimum:"1" maximum:"12"`
	ArchiveDay             *int    `json:"archive_day,omitempty" minimum:"1" maximum:"31"`
	PostShowTransitionHour *int    `json:"post_show_transition_hour,omitempty" minimum:"0" maximum:"23"`
	AutoTransitionsEnabled *bool   `json:"auto_transitions_enabled,omitempty"`
}

func (r *ScheduleRequest) patch() engine.SchedulePatch {
	if r == nil {
		return engine.SchedulePatch{}
	}
	return engine.SchedulePatch{
		Location:               r.Location,
		Timezone:               r.Timezone,
		RehearsalStartDate:     r.RehearsalStartDate,
		ShowEndDate:            r.ShowEndDate,
		ArchiveMonth:           r.ArchiveMonth,
		ArchiveDay:             r.ArchiveDay,
		PostShowTransitionHour: r.PostShowTransitionHour,
		AutoTransitionsEnabled: r.AutoTransitionsEnabled,
	}
}

type CreateProjectRequest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Schedule    *ScheduleRequest `json:"schedule,omitempty"`
}

type TransitionRequest struct {
	TargetPhase      string `json:"target_phase,omitempty" enum:"PREP,STAFFING,PRE_SHOW,ACTIVE,POST_SHOW,COMPLETE,ARCHIVED"`
	Reason           string `json:"reason,omitempty"`
	OverrideBlockers bool   `json:"override_blockers,omitempty"`
	Revert           bool   `json:"revert,omitempty"`
}

type SetupItemRequest struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Active bool   `json:"active,omitempty"`
	Escort bool   `json:"escort,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	Project    domain.Project    `json:"project"`
	PhaseState domain.PhaseState `json:"phase_state"`
}

type TransitionResponse struct {
	Success       bool                           `json:"success"`
	Applied       bool                           `json:"applied"`
	PreviousPhase domain.Phase                   `json:"previous_phase"`
	NewPhase      domain.Phase                   `json:"new_phase"`
	History       *domain.PhaseTransitionHistory `json:"history,omitempty"`
	Evaluation    domain.TransitionResult        `json:"evaluation"`
	PhaseState    domain.PhaseState              `json:"phase_state"`
}

func transitionResponse(out engine.TransitionOutcome) TransitionResponse {
	eval := out.Evaluation
	eval.Blockers = nonNilSlice(eval.Blockers)
	return TransitionResponse{
		Success:       out.Success,
		Applied:       out.Applied,
		PreviousPhase: out.PreviousPhase,
		NewPhase:      out.NewPhase,
		History:       out.History,
		Evaluation:    eval,
		PhaseState:    out.State,
	}
}

type PhaseStatusResponse struct {
	ProjectID        string                  `json:"project_id"`
	CurrentPhase     domain.Phase            `json:"current_phase"`
	PhaseUpdatedAt   time.Time               `json:"phase_updated_at"`
	TransitionResult domain.TransitionResult `json:"transition_result"`
}

func phaseStatusResponse(s domain.TransitionStatus) PhaseStatusResponse {
	res := s.TransitionResult
	res.Blockers = nonNilSlice(res.Blockers)
	return PhaseStatusResponse{
		ProjectID:        s.ProjectID,
		CurrentPhase:     s.CurrentPhase,
		PhaseUpdatedAt:   s.PhaseUpdatedAt,
		TransitionResult: res,
	}
}

type HistoryResponse struct {
	Items []domain.PhaseTransitionHistory `json:"items"`
}

type SetupAreasResponse struct {
	Items []domain.SetupAreaFinalization `json:"items"`
}

type SetupItemsResponse struct {
	Items []domain.SetupItem `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type InvalidateResponse struct {
	ProjectID     string    `json:"project_id"`
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidated_at"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func snapshotResponse(s domain.ReadinessSnapshot) domain.ReadinessSnapshot {
	s.BlockingIssues = nonNilSlice(s.BlockingIssues)
	s.AvailableFeatures = nonNilSlice(s.AvailableFeatures)
	if s.Features == nil {
		s.Features = map[string]bool{}
	}
	return s
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
