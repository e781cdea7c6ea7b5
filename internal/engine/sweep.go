package engine

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"showline/internal/domain"
)

// ProjectSweep is the outcome of one project within a sweep.
type ProjectSweep struct {
	ProjectID   string                          `json:"project_id"`
	Transitions []domain.PhaseTransitionHistory `json:"transitions"`
	Phase       domain.Phase                    `json:"phase"`
	Skipped     bool                            `json:"skipped,omitempty"`
	Error       string                          `json:"error,omitempty"`
}

// SweepReport summarizes a sweep pass.
type SweepReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Candidates int            `json:"candidates"`
	Applied    int            `json:"applied"`
	Failed     int            `json:"failed"`
	Projects   []ProjectSweep `json:"projects"`
}

// Sweep applies due automatic transitions to every project that opted in.
// Projects are processed concurrently; each project is chained forward until
// its next transition is blocked. A project already being swept is skipped.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{StartedAt: e.now().UTC(), Projects: []ProjectSweep{}}
	ids, err := e.Repo.ListAutoTransitionCandidates(ctx)
	if err != nil {
		return report, err
	}
	report.Candidates = len(ids)

	workers := 1
	if e.Config != nil && e.Config.Sweep.Concurrency > 0 {
		workers = e.Config.Sweep.Concurrency
	}
	p := pool.NewWithResults[ProjectSweep]().WithMaxGoroutines(workers)
	for _, id := range ids {
		id := id
		p.Go(func() ProjectSweep {
			return e.sweepProject(ctx, id)
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].ProjectID < results[j].ProjectID })
	for _, r := range results {
		report.Applied += len(r.Transitions)
		if r.Error != "" {
			report.Failed++
		}
	}
	report.Projects = results
	report.FinishedAt = e.now().UTC()
	if report.Applied > 0 || report.Failed > 0 {
		e.Logf("sweep: %d candidate(s), %d transition(s), %d failure(s)", report.Candidates, report.Applied, report.Failed)
	}
	return report, ctx.Err()
}

func (e Engine) sweepProject(ctx context.Context, projectID string) ProjectSweep {
	res := ProjectSweep{ProjectID: projectID, Transitions: []domain.PhaseTransitionHistory{}}
	if ctx.Err() != nil {
		res.Skipped = true
		return res
	}
	release, ok := e.claimSweep(projectID)
	if !ok {
		res.Skipped = true
		return res
	}
	defer release()

	applied, err := e.advanceDue(ctx, projectID)
	res.Transitions = append(res.Transitions, applied...)
	if err != nil {
		res.Error = err.Error()
		e.Logf("sweep %s: %v", projectID, err)
	}
	if st, err := e.Repo.GetPhaseState(ctx, projectID); err == nil {
		res.Phase = st.CurrentPhase
	}
	return res
}
