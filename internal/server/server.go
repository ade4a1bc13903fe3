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
	"github.com/google/uuid"

	"remedy/internal/domain"
	"remedy/internal/engine"
	"remedy/internal/engine/auth"
	"remedy/internal/query"
	"remedy/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Query    *query.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"remediation is QUEUED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":\"3f6b\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the remediation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Query == nil {
		cfg.Query = query.New(cfg.Engine.Repo, cfg.Engine.Config)
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Remedy API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRemediations(group, cfg.Engine, cfg.Query)
	registerView(group, cfg.Engine, cfg.Query)
	registerSavedViews(group, cfg.Engine, cfg.Query)
	registerCatalogs(group, cfg.Engine)
	registerHistoryFeed(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidStateForDelete) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid remediation status transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "lease"):
		return newAPIError(http.StatusConflict, "lease_conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	return auth.Service{DB: e.DB}.Require(ctx, principal.ActorID, perm)
}

// sessionOrNew returns the caller's view session id, minting one when the
// header was absent. The id is echoed back so the client can stick to it.
func sessionOrNew(header string) string {
	if s := strings.TrimSpace(header); s != "" {
		return s
	}
	return uuid.NewString()
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

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Remedy API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Request counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status": "ok",
			"counts": counts,
		}}, nil
	})
}

func registerRemediations(api huma.API, e engine.Engine, q *query.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-remediation",
		Method:        http.MethodPost,
		Path:          "/remediations",
		Summary:       "Create remediation request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRemediationRequest `json:"body"`
	}) (*struct {
		Body CreateRemediationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "remediation.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.Create(ctx, engine.CreateOptions{
			Type:       input.Body.Type,
			Value:      input.Body.Value,
			Action:     input.Body.Action,
			RestoreKey: strPtrValue(input.Body.RestoreKey),
			ActorID:    actorID,
			Detail:     strPtrValue(input.Body.Comment),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := CreateRemediationResponse{
			RemediationResponse: remediationResponse(r),
			Queued:              r.Status == domain.StatusQueued,
		}
		if r.Status == domain.StatusNew {
			resp.Warning = fmt.Sprintf("no remediator available for type %s", r.Type)
		}
		return &struct {
			Body CreateRemediationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bulk-create-remediations",
		Method:        http.MethodPost,
		Path:          "/remediations/bulk",
		Summary:       "Create one request per value",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkCreateRequest `json:"body"`
	}) (*struct {
		Body BulkCreateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "remediation.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		values := append(domain.SplitValues(input.Body.Text), input.Body.Values...)
		res, err := e.BulkCreate(ctx, input.Body.Type, input.Body.Action, values, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := BulkCreateResponse{
			Created:  res.Created,
			Queued:   res.Queued,
			Failures: res.Failures,
		}
		if res.Created > 0 && res.Queued == 0 {
			resp.Warning = fmt.Sprintf("no remediator available for type %s", input.Body.Type)
		}
		return &struct {
			Body BulkCreateResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-remediations",
		Method:      http.MethodGet,
		Path:        "/remediations",
		Summary:     "List remediation requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID         string `query:"id"`
		Type       string `query:"type"`
		Value      string `query:"value"`
		Action     string `query:"action"`
		Status     string `query:"status"`
		Remediator string `query:"remediator"`
		CreatedBy  string `query:"created_by"`
		Result     string `query:"result"`
		Sort       string `query:"sort" default:"created_at"`
		Dir        string `query:"dir" default:"desc" enum:"asc,desc"`
		Limit      int    `query:"limit" default:"50"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body paginatedRemediations `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		if _, ok := repo.SortColumn(input.Sort); !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown sort field %s", input.Sort), nil)
		}
		f := repo.ListFilters{
			ID:         input.ID,
			Type:       input.Type,
			Value:      input.Value,
			Action:     input.Action,
			Status:     input.Status,
			Remediator: input.Remediator,
			CreatedBy:  input.CreatedBy,
			Result:     input.Result,
			SortField:  input.Sort,
			SortDir:    input.Dir,
			Limit:      normalizeLimit(input.Limit),
			Offset:     input.Offset,
		}
		total, err := e.Repo.CountRemediations(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRemediations(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRemediations `json:"body"`
		}{Body: paginatedRemediations{Items: mapRemediations(items), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-remediation",
		Method:      http.MethodGet,
		Path:        "/remediations/{id}",
		Summary:     "Get remediation request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RemediationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		r, err := e.Repo.GetRemediation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemediationResponse `json:"body"`
		}{Body: remediationResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-remediations",
		Method:      http.MethodPost,
		Path:        "/remediations/cancel",
		Summary:     "Cancel requests that have not finished",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*struct {
		Body AffectedResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.cancel"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, fails := e.CancelMany(ctx, input.Body.IDs, actorID, strPtrValue(input.Body.Comment))
		return &struct {
			Body AffectedResponse `json:"body"`
		}{Body: AffectedResponse{Affected: n, Failures: fails}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-remediations",
		Method:      http.MethodPost,
		Path:        "/remediations/retry",
		Summary:     "Requeue failed or cancelled requests",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*struct {
		Body AffectedResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.retry"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, fails := e.RetryMany(ctx, input.Body.IDs, actorID)
		return &struct {
			Body AffectedResponse `json:"body"`
		}{Body: AffectedResponse{Affected: n, Failures: fails}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-remediations",
		Method:      http.MethodPost,
		Path:        "/remediations/restore",
		Summary:     "Issue inverse requests for completed removals",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*struct {
		Body AffectedResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.restore"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, fails := e.RestoreMany(ctx, input.Body.IDs, actorID)
		return &struct {
			Body AffectedResponse `json:"body"`
		}{Body: AffectedResponse{Affected: n, Failures: fails}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-remediations",
		Method:      http.MethodPost,
		Path:        "/remediations/delete",
		Summary:     "Delete requests that never queued or already finished",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*struct {
		Body DeleteManyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.delete"); err != nil {
			return nil, handleError(err)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, fails := e.DeleteMany(ctx, input.Body.IDs)
		if len(fails) > 0 {
			// Deletable siblings are already gone; report the rest.
			return nil, newAPIError(http.StatusConflict, "invalid_state", "some requests could not be deleted", map[string]any{
				"deleted": n,
				"failed":  fails,
			})
		}
		return &struct {
			Body DeleteManyResponse `json:"body"`
		}{Body: DeleteManyResponse{Deleted: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remediation-history",
		Method:      http.MethodGet,
		Path:        "/remediations/{id}/history",
		Summary:     "Page through a request's audit trail",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Session string `header:"X-Session-Id"`
		Token   string `query:"token" enum:"start,backward,forward,end"`
		Size    int    `query:"size"`
	}) (*struct {
		SessionID string                `header:"X-Session-Id"`
		Body      HistoryWindowResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "history.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetRemediation(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		session := sessionOrNew(input.Session)
		w, err := q.History(ctx, session, input.ID, input.Token, input.Size)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SessionID string                `header:"X-Session-Id"`
			Body      HistoryWindowResponse `json:"body"`
		}{SessionID: session, Body: historyWindowResponse(w)}, nil
	})
}

type viewOutput struct {
	SessionID string         `header:"X-Session-Id"`
	Body      WindowResponse `json:"body"`
}

func viewWindow(ctx context.Context, q *query.Service, session, token string) (*viewOutput, error) {
	w, err := q.List(ctx, session, token)
	if err != nil {
		return nil, handleError(err)
	}
	return &viewOutput{SessionID: session, Body: windowResponse(w)}, nil
}

func registerView(api huma.API, e engine.Engine, q *query.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "view",
		Method:      http.MethodGet,
		Path:        "/view",
		Summary:     "Current window of the session's list view",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Session string `header:"X-Session-Id"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		return viewWindow(ctx, q, sessionOrNew(input.Session), "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-page",
		Method:      http.MethodPost,
		Path:        "/view/page",
		Summary:     "Move the window by a navigation token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Session string          `header:"X-Session-Id"`
		Body    ViewPageRequest `json:"body"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		return viewWindow(ctx, q, sessionOrNew(input.Session), input.Body.Token)
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-filter",
		Method:      http.MethodPost,
		Path:        "/view/filter",
		Summary:     "Set or clear one filter, rewinding to the start",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Session string            `header:"X-Session-Id"`
		Body    ViewFilterRequest `json:"body"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		session := sessionOrNew(input.Session)
		if err := q.SetFilter(session, input.Body.Field, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		return viewWindow(ctx, q, session, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-reset",
		Method:      http.MethodPost,
		Path:        "/view/reset",
		Summary:     "Clear every filter, rewinding to the start",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Session string `header:"X-Session-Id"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		session := sessionOrNew(input.Session)
		q.ClearFilters(session)
		return viewWindow(ctx, q, session, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-sort",
		Method:      http.MethodPost,
		Path:        "/view/sort",
		Summary:     "Change the sort order, rewinding to the start",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Session string          `header:"X-Session-Id"`
		Body    ViewSortRequest `json:"body"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		session := sessionOrNew(input.Session)
		if err := q.SetSort(session, input.Body.Field, input.Body.Dir); err != nil {
			return nil, handleError(err)
		}
		return viewWindow(ctx, q, session, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-size",
		Method:      http.MethodPost,
		Path:        "/view/size",
		Summary:     "Change the window size",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Session string          `header:"X-Session-Id"`
		Body    ViewSizeRequest `json:"body"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		session := sessionOrNew(input.Session)
		q.SetSize(session, input.Body.Size)
		return viewWindow(ctx, q, session, "")
	})
}

func registerSavedViews(api huma.API, e engine.Engine, q *query.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-views",
		Method:      http.MethodGet,
		Path:        "/views",
		Summary:     "List the actor's saved views",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SavedViewResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "view.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSavedViews(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SavedViewResponse, 0, len(items))
		for _, v := range items {
			res = append(res, savedViewResponse(v))
		}
		return &struct {
			Body []SavedViewResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-view",
		Method:        http.MethodPost,
		Path:          "/views",
		Summary:       "Save the session's current filters and sort",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Session string          `header:"X-Session-Id"`
		Body    SaveViewRequest `json:"body"`
	}) (*struct {
		Body SavedViewResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "view.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := q.SaveView(ctx, sessionOrNew(input.Session), actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SavedViewResponse `json:"body"`
		}{Body: savedViewResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-view",
		Method:      http.MethodPost,
		Path:        "/views/{name}/apply",
		Summary:     "Load a saved view into the session",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Session string `header:"X-Session-Id"`
		Name    string `path:"name"`
	}) (*viewOutput, error) {
		if err := requirePermission(ctx, e, "view.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session := sessionOrNew(input.Session)
		if _, err := q.ApplyView(ctx, session, actorID, input.Name); err != nil {
			return nil, handleError(err)
		}
		return viewWindow(ctx, q, session, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-view",
		Method:      http.MethodDelete,
		Path:        "/views/{name}",
		Summary:     "Delete a saved view",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "view.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteSavedView(ctx, actorID, input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCatalogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "observable-types",
		Method:      http.MethodGet,
		Path:        "/observables/types",
		Summary:     "Observable type catalog",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: map[string][]string{"types": nonNilSlice(e.Config.Observables.Types)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-remediators",
		Method:      http.MethodGet,
		Path:        "/remediators",
		Summary:     "Registered remediators",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RemediatorResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		all := e.Registry.All()
		res := make([]RemediatorResponse, 0, len(all))
		for _, rem := range all {
			res = append(res, RemediatorResponse{Name: rem.Name(), Type: rem.ObservableType()})
		}
		return &struct {
			Body []RemediatorResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "distinct-values",
		Method:      http.MethodGet,
		Path:        "/values/{field}",
		Summary:     "Distinct stored values of a field, for filter dropdowns",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Field string `path:"field"`
	}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "remediation.read"); err != nil {
			return nil, handleError(err)
		}
		values, err := e.Repo.DistinctValues(ctx, input.Field)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: map[string][]string{"values": nonNilSlice(values)}}, nil
	})
}

func registerHistoryFeed(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "history-feed",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Global transition feed, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RequestID string `query:"request_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "history.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestHistory(ctx, limit+1, cursorID, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedHistory{Items: []HistoryEntryResponse{}}
		if len(items) > limit {
			// The cursor is exclusive, so hand back the last served id.
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = mapHistory(items)
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		svc := auth.Service{DB: e.DB}
		if len(roles) == 0 {
			if stored, err := svc.ActorRoles(ctx, principal.ActorID); err == nil {
				roles = stored
			}
		}
		if len(perms) == 0 {
			if stored, err := svc.ActorPermissions(ctx, principal.ActorID); err == nil {
				perms = stored
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Scopes)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
