package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime/debug"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missiongate/internal/app"
	"missiongate/internal/domain"
	"missiongate/internal/pipeline"
	"missiongate/internal/policy"
	"missiongate/internal/replay"
	"missiongate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Core     *app.Core
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_rejected"`
	Message string         `json:"message" example:"audit score 85 below required 90"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missiongate API.
func New(cfg Config) (http.Handler, error) {
	core := cfg.Core
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(recoverMiddleware(core))
	hcfg := huma.DefaultConfig("Missiongate API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, core)
	registerExecution(group, core)
	registerReplay(group, core)
	registerTelemetry(group, core)
	registerSimulatedGateway(router, core)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// recoverMiddleware converts a handler panic into a logged 500 so one
// crashed mission cannot take down the process.
func recoverMiddleware(core *app.Core) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				core.Log.Error("handler panic recovered",
					"path", r.URL.Path, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{
					"error": apiErrorBody{Code: "internal_error", Message: "internal error"},
				})
			}()
			next.ServeHTTP(w, r)
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

// handleError maps component errors to the status codes of the error
// taxonomy: upstream failures, budget blocks, quality rejections,
// policy rejections, gateway unavailability, and crashes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}

	var pf *pipeline.Failure
	if errors.As(err, &pf) {
		details := map[string]any{"job_id": pf.JobID, "status": pf.Status, "phase": pf.Phase}
		switch pf.Class {
		case pipeline.ClassBudget:
			details["cost_usd"] = pf.CostUSD
			return newAPIError(http.StatusPaymentRequired, "budget_exceeded", pf.Message, details)
		case pipeline.ClassQuality:
			details["score"] = pf.Score
			details["tamper_detected"] = pf.Tamper
			if fb := rawFeedback(pf.Feedback); fb != nil {
				details["feedback"] = fb
			}
			return newAPIError(http.StatusNotAcceptable, "quality_rejected", pf.Message, details)
		default:
			status := http.StatusInternalServerError
			if pf.Phase == "architect" {
				status = http.StatusBadGateway
			}
			return newAPIError(status, "upstream_failure", pf.Message, details)
		}
	}

	var rej *policy.Rejection
	if errors.As(err, &rej) {
		details := map[string]any{"reason": rej.Reason}
		if rej.MissionStatus != "" {
			details["status"] = rej.MissionStatus
		}
		switch rej.Reason {
		case policy.ReasonInvalidState:
			return newAPIError(http.StatusBadRequest, "invalid_state", rej.Detail, details)
		case policy.ReasonCircuitBreaker:
			return newAPIError(http.StatusServiceUnavailable, "gateway_degraded", rej.Detail, details)
		case policy.ReasonKillSwitch:
			return newAPIError(http.StatusForbidden, "kill_switch", rej.Detail, details)
		case policy.ReasonCanaryLimit, policy.ReasonExpansionFrozen,
			policy.ReasonRateLimit, policy.ReasonFastFailRate:
			return newAPIError(http.StatusTooManyRequests, "policy_throttled", rej.Detail, details)
		default:
			details["score"] = rej.Score
			return newAPIError(http.StatusNotAcceptable, "policy_rejected", rej.Detail, details)
		}
	}

	var ge *policy.GatewayError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusBadGateway, "gateway_unavailable", ge.Detail,
			map[string]any{"status": ge.MissionStatus})
	}

	var ie *replay.IneligibleError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "replay_ineligible", ie.Detail, nil)
	}
	var ce *replay.CooldownError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusTooManyRequests, "replay_cooldown", ce.Error(),
			map[string]any{"retry_after_minutes": ce.RetryAfterMinutes})
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusPaymentRequired:
		return "budget_exceeded"
	case http.StatusNotAcceptable:
		return "quality_rejected"
	case http.StatusTooManyRequests:
		return "policy_throttled"
	case http.StatusForbidden:
		return "kill_switch"
	case http.StatusServiceUnavailable:
		return "gateway_degraded"
	case http.StatusBadGateway:
		return "gateway_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missiongate API Docs</title>
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

func registerMissions(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Submit a mission",
		Description:   "Runs the architect, builder and auditor phases and returns the outcome.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotAcceptable,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitMissionRequest `json:"body"`
	}) (*struct {
		Body MissionOutcome `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Prompt) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		res, err := core.Pipeline.Run(ctx, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionOutcome `json:"body"`
		}{Body: MissionOutcome{
			JobID:           res.JobID,
			Status:          res.Status,
			Score:           res.Score,
			Feedback:        rawFeedback(res.Feedback),
			ArtifactsPath:   res.ArtifactsPath,
			Cached:          res.Cached,
			Note:            res.Note,
			ExecutionTimeMs: res.ExecutionTimeMs,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{job_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := core.Repo.GetMission(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" example:"READY_FOR_EXECUTION"`
	}) (*struct {
		Body []MissionListItem `json:"body"`
	}, error) {
		items, err := core.Repo.ListByStatus(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionListItem `json:"body"`
		}{Body: missionListItems(items)}, nil
	})
}

func registerExecution(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{job_id}/execute",
		Summary:     "Trigger production execution",
		Description: "Runs the policy gate sequence and dispatches the signed payload to the gateway.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusNotAcceptable,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		receipt, err := core.Policy.Execute(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: ExecutionResponse{
			JobID:           receipt.JobID,
			Status:          domain.StatusExecutionTriggered,
			SignatureHash:   receipt.SignatureHash,
			CanaryCount:     receipt.CanaryCount,
			GatewayResponse: receipt.GatewayResponse,
		}}, nil
	})
}

func registerReplay(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{job_id}/replay",
		Summary:     "Re-arm a mission for execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body ReplayResponse `json:"body"`
	}, error) {
		out, err := core.Replay.Replay(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayResponse `json:"body"`
		}{Body: ReplayResponse{
			JobID:       out.JobID,
			Status:      out.Status,
			ReplayCount: out.ReplayCount,
		}}, nil
	})
}
