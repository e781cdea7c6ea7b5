package domain

import "time"

// DateLayout is the wire form of civil dates (rehearsal start, show end).
const DateLayout = "2006-01-02"

// SystemActor identifies transitions applied without a human request.
const SystemActor = "system"

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PhaseState is the single authoritative lifecycle record of a project.
// Version increments on every write and guards concurrent updates.
type PhaseState struct {
	ProjectID              string    `json:"project_id"`
	CurrentPhase           Phase     `json:"current_phase" enum:"PREP,STAFFING,PRE_SHOW,ACTIVE,POST_SHOW,COMPLETE,ARCHIVED"`
	PhaseUpdatedAt         time.Time `json:"phase_updated_at"`
	AutoTransitionsEnabled bool      `json:"auto_transitions_enabled"`
	Location               string    `json:"location,omitempty"`
	Timezone               string    `json:"timezone"`
	RehearsalStartDate     *string   `json:"rehearsal_start_date,omitempty" format:"date"`
	ShowEndDate            *string   `json:"show_end_date,omitempty" format:"date"`
	ArchiveMonth           int       `json:"archive_month,omitempty" minimum:"0" maximum:"12"`
	ArchiveDay             int       `json:"archive_day,omitempty" minimum:"0" maximum:"31"`
	PostShowTransitionHour int       `json:"post_show_transition_hour" minimum:"0" maximum:"23"`
	Version                int64     `json:"version"`
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
)

// PhaseTransitionHistory is an append-only audit row. FromPhase always equals
// the phase the project was in when the row was written.
type PhaseTransitionHistory struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	TransitionedAt time.Time      `json:"transitioned_at"`
	TransitionedBy string         `json:"transitioned_by"`
	FromPhase      Phase          `json:"from_phase"`
	ToPhase        Phase          `json:"to_phase"`
	Trigger        Trigger        `json:"trigger" enum:"manual,automatic"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SetupArea names one independently configured part of a production.
type SetupArea string

const (
	AreaRoles     SetupArea = "roles"
	AreaLocations SetupArea = "locations"
	AreaTeam      SetupArea = "team"
	AreaTalent    SetupArea = "talent"
)

// SetupAreas lists areas in setup order; blocking issues follow this order.
func SetupAreas() []SetupArea {
	return []SetupArea{AreaRoles, AreaLocations, AreaTeam, AreaTalent}
}

func ParseSetupArea(value string) (SetupArea, bool) {
	for _, a := range SetupAreas() {
		if string(a) == value {
			return a, true
		}
	}
	return "", false
}

type SetupAreaFinalization struct {
	ProjectID   string     `json:"project_id"`
	Area        SetupArea  `json:"area" enum:"roles,locations,team,talent"`
	Finalized   bool       `json:"finalized"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	FinalizedBy string     `json:"finalized_by,omitempty"`
}

// SetupItem is the thin record behind the setup counters.
type SetupItem struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Area      SetupArea `json:"area"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Escort    bool      `json:"escort"`
	CreatedAt time.Time `json:"created_at"`
}

// SetupCounts are the counters the readiness engine reads.
type SetupCounts struct {
	RoleTemplates         int `json:"role_templates"`
	Locations             int `json:"locations"`
	TeamAssignments       int `json:"team_assignments"`
	ActiveTeamAssignments int `json:"active_team_assignments"`
	TeamEscorts           int `json:"team_escorts"`
	Talent                int `json:"talent"`
}

type FinalizationFlags struct {
	Roles     bool `json:"roles"`
	Locations bool `json:"locations"`
	Team      bool `json:"team"`
	Talent    bool `json:"talent"`
}

// Of reports the flag for one area.
func (f FinalizationFlags) Of(area SetupArea) bool {
	switch area {
	case AreaRoles:
		return f.Roles
	case AreaLocations:
		return f.Locations
	case AreaTeam:
		return f.Team
	case AreaTalent:
		return f.Talent
	default:
		return false
	}
}

// With returns a copy of f with area set to finalized.
func (f FinalizationFlags) With(area SetupArea, finalized bool) FinalizationFlags {
	switch area {
	case AreaRoles:
		f.Roles = finalized
	case AreaLocations:
		f.Locations = finalized
	case AreaTeam:
		f.Team = finalized
	case AreaTalent:
		f.Talent = finalized
	}
	return f
}

func (f FinalizationFlags) All() bool {
	return f.Roles && f.Locations && f.Team && f.Talent
}

type ReadinessStatus string

const (
	StatusSetupRequired      ReadinessStatus = "setup_required"
	StatusReadyForActivation ReadinessStatus = "ready_for_activation"
	StatusActive             ReadinessStatus = "active"
	StatusOperational        ReadinessStatus = "operational"
	StatusProductionReady    ReadinessStatus = "production_ready"
)

// ReadinessSnapshot is derived from counters, flags and phase; never stored
// as the source of truth.
type ReadinessSnapshot struct {
	ProjectID         string            `json:"project_id"`
	Phase             Phase             `json:"phase"`
	Status            ReadinessStatus   `json:"status" enum:"setup_required,ready_for_activation,active,operational,production_ready"`
	Features          map[string]bool   `json:"features"`
	BlockingIssues    []string          `json:"blocking_issues"`
	AvailableFeatures []string          `json:"available_features"`
	Counts            SetupCounts       `json:"counts"`
	Finalization      FinalizationFlags `json:"finalization"`
	CalculatedAt      time.Time         `json:"calculated_at"`
}

// TransitionResult is the evaluator's verdict; it is never persisted.
type TransitionResult struct {
	CanTransition bool       `json:"can_transition"`
	TargetPhase   *Phase     `json:"target_phase,omitempty"`
	Blockers      []string   `json:"blockers"`
	Reason        string     `json:"reason"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
}

type TransitionStatus struct {
	ProjectID        string           `json:"project_id"`
	CurrentPhase     Phase            `json:"current_phase"`
	PhaseUpdatedAt   time.Time        `json:"phase_updated_at"`
	TransitionResult `json:"transition_result"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
