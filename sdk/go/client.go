package showlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Showline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set; servers accept
	// it only with --allow-legacy-actor-header.
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type PhaseState struct {
	ProjectID              string  `json:"project_id"`
	CurrentPhase           string  `json:"current_phase"`
	PhaseUpdatedAt         string  `json:"phase_updated_at"`
	AutoTransitionsEnabled bool    `json:"auto_transitions_enabled"`
	Location               string  `json:"location,omitempty"`
	Timezone               string  `json:"timezone"`
	RehearsalStartDate     *string `json:"rehearsal_start_date,omitempty"`
	ShowEndDate            *string `json:"show_end_date,omitempty"`
	ArchiveMonth           int     `json:"archive_month,omitempty"`
	ArchiveDay             int     `json:"archive_day,omitempty"`
	PostShowTransitionHour int     `json:"post_show_transition_hour"`
	Version                int64   `json:"version"`
}

type ProjectWithState struct {
	Project    Project    `json:"project"`
	PhaseState PhaseState `json:"phase_state"`
}

// Schedule holds optional schedule fields; nil fields are left unchanged.
type Schedule struct {
	Location               *string `json:"location,omitempty"`
	Timezone               *string `json:"timezone,omitempty"`
	RehearsalStartDate     *string `json:"rehearsal_start_date,omitempty"`
	ShowEndDate            *string `json:"show_end_date,omitempty"`
	ArchiveMonth           *int    `json:"archive_month,omitempty"`
	ArchiveDay             *int    `json:"archive_day,omitempty"`
	PostShowTransitionHour *int    `json:"post_show_transition_hour,omitempty"`
	AutoTransitionsEnabled *bool   `json:"auto_transitions_enabled,omitempty"`
}

type Readiness struct {
	ProjectID         string          `json:"project_id"`
	Phase             string          `json:"phase"`
	Status            string          `json:"status"`
	Features          map[string]bool `json:"features"`
	BlockingIssues    []string        `json:"blocking_issues"`
	AvailableFeatures []string        `json:"available_features"`
	Counts            map[string]int  `json:"counts"`
	Finalization      map[string]bool `json:"finalization"`
	CalculatedAt      string          `json:"calculated_at"`
}

type TransitionResult struct {
	CanTransition bool     `json:"can_transition"`
	TargetPhase   *string  `json:"target_phase,omitempty"`
	Blockers      []string `json:"blockers"`
	Reason        string   `json:"reason"`
	ScheduledAt   *string  `json:"scheduled_at,omitempty"`
}

type PhaseStatus struct {
	ProjectID        string           `json:"project_id"`
	CurrentPhase     string           `json:"current_phase"`
	PhaseUpdatedAt   string           `json:"phase_updated_at"`
	TransitionResult TransitionResult `json:"transition_result"`
}

type HistoryEntry struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	TransitionedAt string         `json:"transitioned_at"`
	TransitionedBy string         `json:"transitioned_by"`
	FromPhase      string         `json:"from_phase"`
	ToPhase        string         `json:"to_phase"`
	Trigger        string         `json:"trigger"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TransitionInput requests a move; an empty TargetPhase means the next phase.
type TransitionInput struct {
	TargetPhase      string `json:"target_phase,omitempty"`
	Reason           string `json:"reason,omitempty"`
	OverrideBlockers bool   `json:"override_blockers,omitempty"`
	Revert           bool   `json:"revert,omitempty"`
}

type Transition struct {
	Success       bool             `json:"success"`
	Applied       bool             `json:"applied"`
	PreviousPhase string           `json:"previous_phase"`
	NewPhase      string           `json:"new_phase"`
	History       *HistoryEntry    `json:"history,omitempty"`
	Evaluation    TransitionResult `json:"evaluation"`
	PhaseState    PhaseState       `json:"phase_state"`
}

type SetupArea struct {
	Area        string `json:"area"`
	Finalized   bool   `json:"finalized"`
	FinalizedAt string `json:"finalized_at,omitempty"`
	FinalizedBy string `json:"finalized_by,omitempty"`
}

type SetupItem struct {
	ID     string `json:"id,omitempty"`
	Area   string `json:"area,omitempty"`
	Name   string `json:"name"`
	Active bool   `json:"active,omitempty"`
	Escort bool   `json:"escort,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type SweepReport struct {
	Candidates int `json:"candidates"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Projects   []struct {
		ProjectID   string         `json:"project_id"`
		Phase       string         `json:"phase"`
		Transitions []HistoryEntry `json:"transitions"`
		Skipped     bool           `json:"skipped,omitempty"`
		Error       string         `json:"error,omitempty"`
	} `json:"projects"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project in PREP; the caller becomes its owner.
func (c *Client) CreateProject(ctx context.Context, id, name string, schedule *Schedule) (ProjectWithState, error) {
	body := map[string]any{"id": id, "name": name}
	if schedule != nil {
		body["schedule"] = schedule
	}
	var resp ProjectWithState
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	if err == nil && c.ProjectID == "" {
		c.ProjectID = resp.Project.ID
	}
	return resp, err
}

func (c *Client) Project(ctx context.Context) (ProjectWithState, error) {
	var resp ProjectWithState
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

func (c *Client) UpdateSchedule(ctx context.Context, s Schedule) (PhaseState, error) {
	var resp PhaseState
	err := c.do(ctx, http.MethodPatch, c.projectPath("schedule"), s, &resp)
	return resp, err
}

// Readiness returns the snapshot; cachedOnly never triggers a calculation.
func (c *Client) Readiness(ctx context.Context, cachedOnly bool) (Readiness, error) {
	endpoint := c.projectPath("readiness")
	if cachedOnly {
		endpoint += "?cached=true"
	}
	var resp Readiness
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) InvalidateReadiness(ctx context.Context, reason string) error {
	endpoint := c.projectPath("readiness/invalidate")
	if reason != "" {
		endpoint += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

func (c *Client) PhaseStatus(ctx context.Context) (PhaseStatus, error) {
	var resp PhaseStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("phase"), nil, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, in TransitionInput) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath("phase/transitions"), in, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("phase/history"), nil, &resp)
	return resp.Items, err
}

func (c *Client) SetupAreas(ctx context.Context) ([]SetupArea, error) {
	var resp struct {
		Items []SetupArea `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("setup"), nil, &resp)
	return resp.Items, err
}

// Finalize marks an area complete; finalized=false reopens it.
func (c *Client) Finalize(ctx context.Context, area string, finalized bool) (SetupArea, error) {
	method := http.MethodPost
	if !finalized {
		method = http.MethodDelete
	}
	var resp SetupArea
	err := c.do(ctx, method, c.projectPath(fmt.Sprintf("setup/%s/finalize", url.PathEscape(area))), nil, &resp)
	return resp, err
}

func (c *Client) AddSetupItem(ctx context.Context, area string, item SetupItem) (SetupItem, error) {
	var resp SetupItem
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("setup/%s/items", url.PathEscape(area))), item, &resp)
	return resp, err
}

func (c *Client) RemoveSetupItem(ctx context.Context, area, itemID string) error {
	endpoint := c.projectPath(fmt.Sprintf("setup/%s/items/%s", url.PathEscape(area), url.PathEscape(itemID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "v0/sweep", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
