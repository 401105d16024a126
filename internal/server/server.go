package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"internline/internal/app"
	"internline/internal/config"
	"internline/internal/domain"
	"internline/internal/indexer"
	"internline/internal/quota"
)

// Config for the HTTP API handler.
type Config struct {
	Service  *app.Service
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Metrics is mounted at /metrics, outside the base path, when set.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"quota_exceeded"`
	Message string         `json:"message" example:"org 1 exceeded 50 records per 10m0s for performance"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"limit\":50}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the string index.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil || cfg.Service.Strings == nil {
		return nil, errors.New("server: service required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Service.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Internline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStrings(group, cfg.Service)
	registerQuota(group, cfg.Service)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	return router, nil
}

// requestLogger tags each response with an X-Request-Id and logs it once done.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", id,
			)
		})
	}
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
	var qe *quota.ExceededError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", err.Error(), map[string]any{
			"limit":          qe.Limit.Limit,
			"window_seconds": int64(qe.Limit.Window.Seconds()),
		})
	}
	var be *indexer.BatchError
	if errors.As(err, &be) {
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", err.Error(), map[string]any{"size": be.Size})
	}
	switch {
	case errors.Is(err, indexer.ErrInvalidUseCase):
		return newAPIError(http.StatusBadRequest, "invalid_use_case", err.Error(), nil)
	case errors.Is(err, indexer.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, indexer.ErrUnsupported):
		return newAPIError(http.StatusNotImplemented, "unsupported", err.Error(), nil)
	case indexer.IsSystemic(err):
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseUseCase(svc *app.Service, raw string) (domain.UseCaseKey, huma.StatusError) {
	uc, err := domain.ParseUseCase(raw, svc.Config.UseCases()...)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "invalid_use_case", err.Error(), map[string]any{"use_case": raw})
	}
	return uc, nil
}

// allow charges n records against the org's quota when enforcement is on.
func allow(ctx context.Context, svc *app.Service, uc domain.UseCaseKey, orgID int64, n int) error {
	if svc.Enforcer == nil || n == 0 {
		return nil
	}
	_, err := svc.Enforcer.Allow(ctx, uc, orgID, n)
	return err
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
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Internline API Docs</title>
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

func registerStrings(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "record-string",
		Method:      http.MethodPost,
		Path:        "/use-cases/{use_case}/record",
		Summary:     "Record a string and return its id",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UseCase string        `path:"use_case"`
		Body    RecordRequest `json:"body"`
	}) (*struct {
		Body domain.KeyResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, config.PermWrite); err != nil {
			return nil, err
		}
		uc, perr := parseUseCase(svc, input.UseCase)
		if perr != nil {
			return nil, perr
		}
		if err := allow(ctx, svc, uc, input.Body.OrgID, 1); err != nil {
			return nil, handleError(err)
		}
		res, err := svc.Strings.Record(ctx, uc, input.Body.OrgID, input.Body.String)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KeyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-string",
		Method:      http.MethodPost,
		Path:        "/use-cases/{use_case}/resolve",
		Summary:     "Look up the id of a string without recording it",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UseCase string        `path:"use_case"`
		Body    RecordRequest `json:"body"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, config.PermRead); err != nil {
			return nil, err
		}
		uc, perr := parseUseCase(svc, input.UseCase)
		if perr != nil {
			return nil, perr
		}
		id, ok, err := svc.Strings.Resolve(ctx, uc, input.Body.OrgID, input.Body.String)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "string not recorded", map[string]any{"org_id": input.Body.OrgID})
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: ResolveResponse{OrgID: input.Body.OrgID, String: input.Body.String, ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reverse-resolve",
		Method:      http.MethodGet,
		Path:        "/use-cases/{use_case}/ids/{id}",
		Summary:     "Return the string behind an id",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UseCase string `path:"use_case"`
		ID      uint64 `path:"id"`
	}) (*struct {
		Body ReverseResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, config.PermRead); err != nil {
			return nil, err
		}
		uc, perr := parseUseCase(svc, input.UseCase)
		if perr != nil {
			return nil, perr
		}
		id := domain.DecodedID(input.ID)
		s, ok, err := svc.Strings.ReverseResolve(ctx, uc, id)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "id not found", map[string]any{"id": input.ID})
		}
		return &struct {
			Body ReverseResponse `json:"body"`
		}{Body: ReverseResponse{UseCase: uc, ID: id, String: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-record",
		Method:      http.MethodPost,
		Path:        "/use-cases/{use_case}/bulk-record",
		Summary:     "Record strings for many organizations at once",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UseCase string            `path:"use_case"`
		Body    BulkRecordRequest `json:"body"`
	}) (*struct {
		Body BulkRecordResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, config.PermWrite); err != nil {
			return nil, err
		}
		uc, perr := parseUseCase(svc, input.UseCase)
		if perr != nil {
			return nil, perr
		}
		items := make(domain.OrgStrings, len(input.Body.Items))
		for rawOrg, strs := range input.Body.Items {
			org, err := strconv.ParseInt(rawOrg, 10, 64)
			if err != nil || org < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "item keys must be org ids", map[string]any{"field": "items", "key": rawOrg})
			}
			items[org] = append(items[org], strs...)
		}
		items = items.Normalize()
		if svc.Enforcer != nil {
			counts := make(map[int64]int, len(items))
			for org, strs := range items {
				counts[org] = len(strs)
			}
			if err := svc.Enforcer.AllowBatch(ctx, uc, counts); err != nil {
				return nil, handleError(err)
			}
		}
		res, err := svc.Strings.BulkRecord(ctx, uc, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BulkRecordResponse `json:"body"`
		}{Body: bulkResponse(res)}, nil
	})
}

func registerQuota(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "org-quota",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/quota",
		Summary:     "Current record limit for an organization",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotImplemented,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID   int64  `path:"org_id"`
		UseCase string `query:"use_case" required:"true"`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, config.PermQuota); err != nil {
			return nil, err
		}
		uc, perr := parseUseCase(svc, input.UseCase)
		if perr != nil {
			return nil, perr
		}
		if svc.Quota == nil {
			return nil, newAPIError(http.StatusNotImplemented, "unsupported", "storage backend cannot count strings", nil)
		}
		lim, err := svc.Quota.Limit(ctx, uc, input.OrgID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: quotaResponse(lim, svc.Enforcer != nil)}, nil
	})
}
