// Package readiness derives which product features a production may use and
// why the rest are unavailable. Everything here is pure: identical inputs give
// identical snapshots apart from CalculatedAt.
package readiness

import (
	"time"

	"showline/internal/domain"
)

// Input is everything a snapshot depends on.
type Input struct {
	ProjectID string
	Counts    domain.SetupCounts
	Flags     domain.FinalizationFlags
	Phase     domain.Phase
}

// Feature identifies a product feature gated on setup progress.
type Feature int

const (
	FeatureTeamManagement Feature = iota
	FeatureLocationTracking
	FeatureTalentTracking
	FeatureScheduling
	FeatureTimeTracking
	FeatureAssignments

	featureCount
)

type featureRule struct {
	name     string
	requires func(domain.SetupCounts) bool
}

// featureRules is indexed by Feature.
var featureRules = [...]featureRule{
	FeatureTeamManagement: {
		name:     "team_management",
		requires: func(c domain.SetupCounts) bool { return c.RoleTemplates > 0 },
	},
	FeatureLocationTracking: {
		name:     "location_tracking",
		requires: func(c domain.SetupCounts) bool { return c.Locations > 0 },
	},
	FeatureTalentTracking: {
		name:     "talent_tracking",
		requires: func(c domain.SetupCounts) bool { return c.Talent > 0 },
	},
	FeatureScheduling: {
		name:     "scheduling",
		requires: func(c domain.SetupCounts) bool { return c.TeamAssignments > 0 && c.Talent > 0 },
	},
	FeatureTimeTracking: {
		name:     "time_tracking",
		requires: func(c domain.SetupCounts) bool { return c.ActiveTeamAssignments > 0 },
	},
	FeatureAssignments: {
		name:     "assignments",
		requires: func(c domain.SetupCounts) bool { return c.Talent > 0 && c.TeamEscorts > 0 },
	},
}

// A new Feature constant without a rule (or the reverse) fails to compile.
var (
	_ [int(featureCount) - len(featureRules)]struct{}
	_ [len(featureRules) - int(featureCount)]struct{}
)

func (f Feature) String() string {
	if f < 0 || f >= featureCount {
		return "unknown"
	}
	return featureRules[f].name
}

// Features returns every feature in display order.
func Features() []Feature {
	out := make([]Feature, featureCount)
	for i := range out {
		out[i] = Feature(i)
	}
	return out
}

// Blocking issue codes, shared with the transition evaluator.
const (
	IssueMissingRoleTemplates   = "missing_role_templates"
	IssueMissingLocations       = "missing_locations"
	IssueMissingTeamAssignments = "missing_team_assignments"
	IssueMissingTalent          = "missing_talent"
)

// MissingIssue returns the code reported when area has nothing configured.
func MissingIssue(area domain.SetupArea) string {
	switch area {
	case domain.AreaRoles:
		return IssueMissingRoleTemplates
	case domain.AreaLocations:
		return IssueMissingLocations
	case domain.AreaTeam:
		return IssueMissingTeamAssignments
	case domain.AreaTalent:
		return IssueMissingTalent
	default:
		return "missing_" + string(area)
	}
}

// AreaCount returns the counter that backs area.
func AreaCount(c domain.SetupCounts, area domain.SetupArea) int {
	switch area {
	case domain.AreaRoles:
		return c.RoleTemplates
	case domain.AreaLocations:
		return c.Locations
	case domain.AreaTeam:
		return c.TeamAssignments
	case domain.AreaTalent:
		return c.Talent
	default:
		return 0
	}
}

// AreaSatisfied reports whether area has items or was deliberately finalized
// empty. An empty finalized area is a valid terminal state.
func AreaSatisfied(c domain.SetupCounts, f domain.FinalizationFlags, area domain.SetupArea) bool {
	return AreaCount(c, area) > 0 || f.Of(area)
}

// minimumAreas must be satisfied before the project can operate at all.
var minimumAreas = []domain.SetupArea{domain.AreaRoles, domain.AreaLocations}

type evaluation struct {
	in       Input
	features [featureCount]bool
	issues   []string
}

func (e evaluation) allFeatures() bool {
	for _, ok := range e.features {
		if !ok {
			return false
		}
	}
	return true
}

func (e evaluation) minimumMet() bool {
	for _, area := range minimumAreas {
		if !AreaSatisfied(e.in.Counts, e.in.Flags, area) {
			return false
		}
	}
	return true
}

type statusRule struct {
	status  domain.ReadinessStatus
	matches func(evaluation) bool
}

// statusPrecedence is evaluated top to bottom; the first match wins and the
// last rule always matches.
var statusPrecedence = []statusRule{
	{
		status:  domain.StatusSetupRequired,
		matches: func(e evaluation) bool { return !e.minimumMet() },
	},
	{
		status:  domain.StatusReadyForActivation,
		matches: func(e evaluation) bool { return e.in.Flags.All() && e.in.Phase.PreActivation() },
	},
	{
		status:  domain.StatusProductionReady,
		matches: func(e evaluation) bool { return e.in.Phase == domain.PhaseActive && e.allFeatures() },
	},
	{
		status:  domain.StatusOperational,
		matches: func(e evaluation) bool { return e.in.Phase == domain.PhaseActive },
	},
	{
		status:  domain.StatusActive,
		matches: func(evaluation) bool { return true },
	},
}

// Compute builds the readiness snapshot for in. It never fails: absent data
// only produces more blocking issues.
func Compute(in Input, now time.Time) domain.ReadinessSnapshot {
	ev := evaluation{in: in}
	for i, rule := range featureRules {
		ev.features[i] = rule.requires(in.Counts)
	}
	for _, area := range domain.SetupAreas() {
		if !AreaSatisfied(in.Counts, in.Flags, area) {
			ev.issues = append(ev.issues, MissingIssue(area))
		}
	}

	snap := domain.ReadinessSnapshot{
		ProjectID:         in.ProjectID,
		Phase:             in.Phase,
		Features:          make(map[string]bool, featureCount),
		BlockingIssues:    []string{},
		AvailableFeatures: []string{},
		Counts:            in.Counts,
		Finalization:      in.Flags,
		CalculatedAt:      now.UTC(),
	}
	for i, ok := range ev.features {
		name := featureRules[i].name
		snap.Features[name] = ok
		if ok {
			snap.AvailableFeatures = append(snap.AvailableFeatures, name)
		}
	}
	snap.BlockingIssues = append(snap.BlockingIssues, ev.issues...)
	snap.Status = deriveStatus(ev)
	return snap
}

func deriveStatus(ev evaluation) domain.ReadinessStatus {
	for _, rule := range statusPrecedence {
		if rule.matches(ev) {
			return rule.status
		}
	}
	return domain.StatusActive
}

// HasFeature reports whether snap grants f.
func HasFeature(snap domain.ReadinessSnapshot, f Feature) bool {
	return snap.Features[f.String()]
}
