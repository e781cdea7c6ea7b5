package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"showline/internal/cache"
	"showline/internal/domain"
	"showline/internal/events"
	"showline/internal/repo"
)

func parseArea(value string) (domain.SetupArea, error) {
	area, ok := domain.ParseSetupArea(value)
	if !ok {
		return "", domain.Validation("unknown setup area %q (want roles, locations, team or talent)", value)
	}
	return area, nil
}

// Finalize marks a setup area complete. Finalizing an empty area is allowed
// and satisfies its readiness requirement.
func (e Engine) Finalize(ctx context.Context, projectID, area, actorID string) (domain.SetupAreaFinalization, error) {
	return e.setFinalized(ctx, projectID, area, actorID, true)
}

// Unfinalize reopens a setup area.
func (e Engine) Unfinalize(ctx context.Context, projectID, area, actorID string) (domain.SetupAreaFinalization, error) {
	return e.setFinalized(ctx, projectID, area, actorID, false)
}

func (e Engine) setFinalized(ctx context.Context, projectID, areaName, actorID string, finalized bool) (domain.SetupAreaFinalization, error) {
	area, err := parseArea(areaName)
	if err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	now := e.now().UTC()
	rec := domain.SetupAreaFinalization{ProjectID: projectID, Area: area, Finalized: finalized}
	eventType := events.SetupUnfinalized
	if finalized {
		rec.FinalizedAt = &now
		rec.FinalizedBy = actorID
		eventType = events.SetupFinalized
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetFinalizedTx(ctx, tx, projectID, area, finalized, now, actorID); err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       eventType,
		ProjectID:  projectID,
		EntityKind: "setup_area",
		EntityID:   string(area),
		ActorID:    actorID,
		Payload:    events.Payload{"area": string(area)},
	}); err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SetupAreaFinalization{}, err
	}
	e.invalidate(ctx, projectID, cache.ReasonFinalizationChange)
	return rec, nil
}

// GetSetupAreas returns the finalization record of every area.
func (e Engine) GetSetupAreas(ctx context.Context, projectID string) ([]domain.SetupAreaFinalization, error) {
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.GetSetupAreas(ctx, projectID)
}

// SetupItemInput describes a role template, location, team assignment or
// talent entry.
type SetupItemInput struct {
	ProjectID string
	Area      string
	ID        string
	Name      string
	// Active and Escort only apply to team assignments.
	Active  bool
	Escort  bool
	ActorID string
}

func (e Engine) AddSetupItem(ctx context.Context, in SetupItemInput) (domain.SetupItem, error) {
	area, err := parseArea(in.Area)
	if err != nil {
		return domain.SetupItem{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.SetupItem{}, domain.Validation("name is required")
	}
	if area != domain.AreaTeam && (in.Active || in.Escort) {
		return domain.SetupItem{}, domain.Validation("active and escort only apply to team assignments")
	}
	if _, err := e.phaseState(ctx, in.ProjectID); err != nil {
		return domain.SetupItem{}, err
	}
	item := domain.SetupItem{
		ID:        in.ID,
		ProjectID: in.ProjectID,
		Area:      area,
		Name:      name,
		Active:    in.Active,
		Escort:    in.Escort,
		CreatedAt: e.now().UTC(),
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SetupItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetSetupItemTx(ctx, tx, item.ProjectID, item.ID); err == nil {
		return domain.SetupItem{}, domain.Validation("setup item %s already exists", item.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.SetupItem{}, err
	}
	if err := e.Repo.InsertSetupItemTx(ctx, tx, item); err != nil {
		return domain.SetupItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.SetupItemAdded,
		ProjectID:  item.ProjectID,
		EntityKind: "setup_item",
		EntityID:   item.ID,
		ActorID:    in.ActorID,
		Payload:    events.Payload{"area": string(area), "name": name, "active": item.Active, "escort": item.Escort},
	}); err != nil {
		return domain.SetupItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SetupItem{}, err
	}
	e.invalidate(ctx, item.ProjectID, cache.ReasonForArea(area))
	return item, nil
}

func (e Engine) RemoveSetupItem(ctx context.Context, projectID, itemID, actorID string) error {
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	item, err := e.Repo.GetSetupItemTx(ctx, tx, projectID, itemID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFound("setup item %s not found in project %s", itemID, projectID)
	}
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteSetupItemTx(ctx, tx, projectID, itemID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.SetupItemRemoved,
		ProjectID:  projectID,
		EntityKind: "setup_item",
		EntityID:   itemID,
		ActorID:    actorID,
		Payload:    events.Payload{"area": string(item.Area), "name": item.Name},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidate(ctx, projectID, cache.ReasonForArea(item.Area))
	return nil
}

// ListSetupItems lists items of one area, or all areas when area is empty.
func (e Engine) ListSetupItems(ctx context.Context, projectID, area string) ([]domain.SetupItem, error) {
	var a domain.SetupArea
	if area != "" {
		var err error
		if a, err = parseArea(area); err != nil {
			return nil, err
		}
	}
	if _, err := e.phaseState(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListSetupItems(ctx, projectID, a)
}
