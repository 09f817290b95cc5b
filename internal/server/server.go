package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"layerqa/internal/domain"
	"layerqa/internal/engine"
	"layerqa/internal/feature"
	"layerqa/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the layerqa API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("layerqa API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerFindings(group, cfg.Engine)
	registerLayers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var schemaErr *engine.SchemaError
	if errors.As(err, &schemaErr) {
		return newAPIError(http.StatusUnprocessableEntity, "schema_error", err.Error(), nil)
	}
	var apiErr *feature.APIError
	if errors.As(err, &apiErr) {
		return newAPIError(http.StatusBadGateway, "fetch_error", err.Error(), map[string]any{"upstream_status": apiErr.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not specified"), strings.Contains(lowered, "unknown check"), strings.Contains(lowered, "required"):
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
	case http.StatusUnprocessableEntity:
		return "schema_error"
	case http.StatusBadGateway:
		return "fetch_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

// TriggerRunRequest asks for a QA run over one layer.
type TriggerRunRequest struct {
	Layer      string   `json:"layer,omitempty" doc:"Configured layer name or literal layer id"`
	Checks     []string `json:"checks,omitempty" doc:"Subset of checks to run (null, duplicate, domain, geometry)"`
	SkipReport bool     `json:"skip_report,omitempty" doc:"Do not write a CSV report"`
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Run QA checks on a layer",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body TriggerRunRequest `json:"body"`
	}) (*struct {
		Body engine.RunResult `json:"body"`
	}, error) {
		for _, chk := range input.Body.Checks {
			if !validCheck(chk) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown check "+chk, nil)
			}
		}
		res, err := e.Run(ctx, engine.RunOptions{
			Layer:      input.Body.Layer,
			Checks:     input.Body.Checks,
			SkipReport: input.Body.SkipReport,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List QA runs",
	}, func(ctx context.Context, input *struct {
		Layer string `query:"layer" doc:"Filter by layer id"`
		Limit int    `query:"limit" doc:"Maximum runs returned"`
	}) (*struct {
		Body struct {
			Items []domain.Run `json:"items"`
		} `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, input.Layer, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Run `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get one QA run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerFindings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/findings",
		Summary:     "List findings of a run",
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		IssueType string `query:"issue_type" doc:"Filter by issue type"`
		Field     string `query:"field" doc:"Filter by field name"`
	}) (*struct {
		Body struct {
			Items []domain.Finding `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Repo.ListFindings(ctx, repo.FindingFilters{
			RunID:     input.RunID,
			IssueType: input.IssueType,
			Field:     input.Field,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Finding `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = findings
		return out, nil
	})
}

func registerLayers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "layer-fields",
		Method:      http.MethodGet,
		Path:        "/layers/{layer}/fields",
		Summary:     "Resolved field policies for a layer",
	}, func(ctx context.Context, input *struct {
		Layer string `path:"layer"`
	}) (*struct {
		Body struct {
			LayerName string               `json:"layer_name"`
			Fields    []domain.FieldPolicy `json:"fields"`
		} `json:"body"`
	}, error) {
		schema, policies, err := e.ResolveLayerPolicies(ctx, input.Layer)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				LayerName string               `json:"layer_name"`
				Fields    []domain.FieldPolicy `json:"fields"`
			} `json:"body"`
		}{}
		out.Body.LayerName = schema.LayerName
		out.Body.Fields = policies.Fields()
		return out, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the run event log",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit"`
		RunID string `query:"run_id"`
		Type  string `query:"type"`
	}) (*struct {
		Body struct {
			Items []domain.Event `json:"items"`
		} `json:"body"`
	}, error) {
		evts, err := e.Repo.LatestEvents(ctx, input.Limit, input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Event `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = evts
		return out, nil
	})
}

func validCheck(name string) bool {
	switch name {
	case "null", "duplicate", "domain", "geometry":
		return true
	}
	return false
}
