package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"showline/internal/domain"
	"showline/internal/engine"
	"showline/internal/engine/auth"
	"showline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"TRANSITION_BLOCKED"`
	Message string         `json:"message" example:"transition PREP -> STAFFING blocked: missing_role_templates"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blockers\":[\"missing_role_templates\"]}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body.
type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

type projectPath struct {
	ProjectID string `path:"project_id"`
}

// New returns an HTTP handler exposing the Showline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are reported as 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Showline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerReadiness(group, cfg.Engine)
	registerPhase(group, cfg.Engine)
	registerSetup(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// statusForCode maps domain error codes onto HTTP statuses.
func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeNotFound, domain.CodeReadinessNotCalculated:
		return http.StatusNotFound
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case domain.CodeTransitionBlocked, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeReadinessFetchError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return newAPIError(statusForCode(de.Code), string(de.Code), de.Error(), de.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, string(domain.CodeNotFound), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(domain.CodeValidation)
	case http.StatusNotFound:
		return string(domain.CodeNotFound)
	case http.StatusConflict:
		return string(domain.CodeConflict)
	case http.StatusForbidden:
		return string(domain.CodeForbidden)
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission resolves the caller and checks perm on an existing
// project. An unknown project is reported as NOT_FOUND before any RBAC check.
func requirePermission(ctx context.Context, e engine.Engine, projectID, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if _, err := e.Repo.GetProject(ctx, projectID); errors.Is(err, repo.ErrNotFound) {
		return Principal{}, domain.NotFound("project %s not found", projectID)
	} else if err != nil {
		return Principal{}, err
	}
	if err := e.Auth.Require(ctx, nil, projectID, principal.ActorID, perm, principal.Permissions...); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// requireWorkspacePermission accepts a token grant or the permission held on
// any project.
func requireWorkspacePermission(ctx context.Context, e engine.Engine, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal, nil
	}
	ok, err := e.Auth.HasPermissionAnywhere(ctx, principal.ActorID, perm)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, domain.Forbidden(perm)
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Showline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a production in PREP",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[ProjectResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// Token-scoped callers need the grant; the creator becomes owner.
		if len(principal.Permissions) > 0 && !hasPermission(principal.Permissions, auth.PermProjectCreate) {
			return nil, handleError(domain.Forbidden(auth.PermProjectCreate))
		}
		p, st, err := e.InitProject(ctx, engine.ProjectInit{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Schedule:    input.Body.Schedule.patch(),
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectResponse{Project: p, PhaseState: st}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project and phase state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[ProjectResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		p, st, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectResponse{Project: p, PhaseState: st}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-schedule",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/schedule",
		Summary:     "Update the lifecycle schedule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      ScheduleRequest `json:"body"`
	}) (*output[domain.PhaseState], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermScheduleUpdate)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.UpdateSchedule(ctx, input.ProjectID, input.Body.patch(), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})
}

func registerReadiness(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/readiness",
		Summary:     "Readiness snapshot",
		Description: "With cached=true the snapshot is never calculated; an empty cache answers READINESS_NOT_CALCULATED.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Cached    bool   `query:"cached"`
	}) (*output[domain.ReadinessSnapshot], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermReadinessRead); err != nil {
			return nil, handleError(err)
		}
		snap, err := e.GetReadiness(ctx, input.ProjectID, input.Cached)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(snapshotResponse(snap)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-readiness",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/readiness/invalidate",
		Summary:     "Discard the cached readiness snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Reason    string `query:"reason"`
	}) (*output[InvalidateResponse], error) {
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermReadinessInvalidate)
		if err != nil {
			return nil, handleError(err)
		}
		reason := input.Reason
		if reason == "" {
			reason = "manual"
		}
		if err := e.InvalidateReadiness(ctx, input.ProjectID, reason, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return respond(InvalidateResponse{ProjectID: input.ProjectID, Reason: reason, InvalidatedAt: e.Clock()}), nil
	})
}

func registerPhase(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase",
		Summary:     "Current phase and next transition",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*output[PhaseStatusResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		status, err := e.GetTransitionStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(phaseStatusResponse(status)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase/transitions",
		Summary:     "Request a phase transition",
		Description: "An empty target moves to the next phase. Blocked transitions answer 409 with the blocker list.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*output[TransitionResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermPhaseTransition)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.Execute(ctx, engine.TransitionRequest{
			ProjectID:        input.ProjectID,
			TargetPhase:      domain.Phase(input.Body.TargetPhase),
			Trigger:          domain.TriggerManual,
			Reason:           input.Body.Reason,
			ActorID:          principal.ActorID,
			OverrideBlockers: input.Body.OverrideBlockers,
			Revert:           input.Body.Revert,
			Permissions:      principal.Permissions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(transitionResponse(out)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/history",
		Summary:     "Phase transition history, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[HistoryResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.GetTransitionHistory(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(HistoryResponse{Items: nonNilSlice(items)}), nil
	})
}

type areaPath struct {
	ProjectID string `path:"project_id"`
	Area      string `path:"area" enum:"roles,locations,team,talent"`
}

func registerSetup(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-setup-areas",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/setup",
		Summary:     "Finalization state of every setup area",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[SetupAreasResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		areas, err := e.GetSetupAreas(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(SetupAreasResponse{Items: nonNilSlice(areas)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-setup-area",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/setup/{area}/finalize",
		Summary:     "Finalize a setup area",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *areaPath) (*output[domain.SetupAreaFinalization], error) {
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermSetupFinalize)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Finalize(ctx, input.ProjectID, input.Area, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unfinalize-setup-area",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/setup/{area}/finalize",
		Summary:     "Reopen a setup area",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *areaPath) (*output[domain.SetupAreaFinalization], error) {
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermSetupFinalize)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Unfinalize(ctx, input.ProjectID, input.Area, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-setup-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/setup/{area}/items",
		Summary:     "List setup items of an area",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *areaPath) (*output[SetupItemsResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSetupItems(ctx, input.ProjectID, input.Area)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(SetupItemsResponse{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-setup-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/setup/{area}/items",
		Summary:       "Add a role template, location, team assignment or talent entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Area      string           `path:"area" enum:"roles,locations,team,talent"`
		Body      SetupItemRequest `json:"body"`
	}) (*output[domain.SetupItem], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermSetupUpdate)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.AddSetupItem(ctx, engine.SetupItemInput{
			ProjectID: input.ProjectID,
			Area:      input.Area,
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			Active:    input.Body.Active,
			Escort:    input.Body.Escort,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-setup-item",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/setup/{area}/items/{item_id}",
		Summary:     "Remove a setup item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Area      string `path:"area" enum:"roles,locations,team,talent"`
		ItemID    string `path:"item_id"`
	}) (*struct{}, error) {
		principal, err := requirePermission(ctx, e, input.ProjectID, auth.PermSetupUpdate)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveSetupItem(ctx, input.ProjectID, input.ItemID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,phase_state,setup_area,setup_item,readiness"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Apply due automatic transitions to every opted-in project",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.SweepReport], error) {
		if _, err := requireWorkspacePermission(ctx, e, auth.PermSweepRun); err != nil {
			return nil, handleError(err)
		}
		report, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/me/permissions",
		Summary:     "Roles and permissions of the caller on a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Auth.ActorRoles(ctx, nil, input.ProjectID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.ActorPermissions(ctx, nil, input.ProjectID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, p := range principal.Permissions {
			if !hasPermission(perms, p) {
				perms = append(perms, p)
			}
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(append(roles, principal.Roles...)),
			Permissions: nonNilSlice(perms),
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Permissions, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 500:
		return 500
	default:
		return in
	}
}
