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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"trailhead/internal/app"
	"trailhead/internal/domain"
	"trailhead/internal/engine"
	"trailhead/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.Runtime
	BasePath string
	Auth     AuthConfig
	// DevTokens exposes POST /auth/dev/token for local testing.
	DevTokens bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_response"`
	Message string         `json:"message" example:"event 1f0c already auto_resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"auto_resolved\"}"`
}

// maxBodyBytes caps request bodies; every request body here is a small JSON object.
const maxBodyBytes = 1 << 20

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trailhead API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: runtime required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Trailhead API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	rt := cfg.App
	registerDocs(router, basePath)
	registerHealth(group)
	registerExpeditions(group, rt)
	registerInterventions(group, rt)
	registerStream(group, rt)
	registerResults(group, rt)
	registerEvents(group, rt)
	if cfg.DevTokens {
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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"expedition_id": fe.ExpeditionID})
	}
	var se *engine.StaleResponseError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "stale_response", err.Error(), map[string]any{"event_id": se.EventID, "status": se.Status})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrDuplicateStart):
		return newAPIError(http.StatusConflict, "duplicate_start", msg, nil)
	case errors.Is(err, engine.ErrAlreadyStopped):
		return newAPIError(http.StatusConflict, "already_stopped", msg, nil)
	case errors.Is(err, engine.ErrInvalidOption):
		return newAPIError(http.StatusBadRequest, "invalid_option", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Trailhead API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type expeditionPath struct {
	ID string `path:"id"`
}

// ownedExpedition returns a running expedition after checking the caller owns it.
func ownedExpedition(ctx context.Context, rt *app.Runtime, id string) (domain.Expedition, error) {
	exp, err := rt.Engine.Progress(ctx, id)
	if err != nil {
		return domain.Expedition{}, err
	}
	if err := authorize(ctx, exp.ID, exp.TrainerID); err != nil {
		return domain.Expedition{}, err
	}
	return exp, nil
}

func registerExpeditions(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-expedition",
		Method:        http.MethodPost,
		Path:          "/expeditions",
		Summary:       "Start an expedition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateExpeditionRequest `json:"body"`
	}) (*struct {
		Body domain.Expedition `json:"body"`
	}, error) {
		requested := strings.TrimSpace(input.Body.TrainerID)
		trainer := callerTrainer(ctx, requested)
		if requested != "" && requested != trainer {
			return nil, handleError(ForbiddenError{ExpeditionID: input.Body.ID})
		}
		if trainer == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trainer_id is required", nil)
		}
		exp, err := rt.StartExpedition(ctx, app.CreateExpedition{
			ID:              input.Body.ID,
			TrainerID:       trainer,
			DurationMinutes: input.Body.DurationMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Expedition `json:"body"`
		}{Body: exp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expeditions",
		Method:      http.MethodGet,
		Path:        "/expeditions",
		Summary:     "List running expeditions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpeditionList `json:"body"`
	}, error) {
		all, err := rt.Engine.ListActive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ExpeditionList{Items: []domain.Expedition{}}
		for _, exp := range all {
			if authorize(ctx, exp.ID, exp.TrainerID) == nil {
				resp.Items = append(resp.Items, exp)
			}
		}
		return &struct {
			Body ExpeditionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-expedition",
		Method:      http.MethodGet,
		Path:        "/expeditions/{id}",
		Summary:     "Expedition snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *expeditionPath) (*struct {
		Body domain.Expedition `json:"body"`
	}, error) {
		exp, err := ownedExpedition(ctx, rt, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Expedition `json:"body"`
		}{Body: exp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "stop-expedition",
		Method:        http.MethodDelete,
		Path:          "/expeditions/{id}",
		Summary:       "Stop an expedition",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *expeditionPath) (*struct{}, error) {
		if _, err := ownedExpedition(ctx, rt, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := rt.StopExpedition(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerInterventions(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-event",
		Method:        http.MethodPost,
		Path:          "/expeditions/{id}/events",
		Summary:       "Raise an event on an expedition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RaiseEventRequest `json:"body"`
	}) (*struct {
		Body domain.ExpeditionEvent `json:"body"`
	}, error) {
		if _, err := ownedExpedition(ctx, rt, input.ID); err != nil {
			return nil, handleError(err)
		}
		ev, err := rt.Engine.RaiseEvent(ctx, input.ID, input.Body.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExpeditionEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/respond",
		Summary:     "Respond to a pending event",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string         `path:"event_id"`
		Body    RespondRequest `json:"body"`
	}) (*struct {
		Body domain.ResponseResult `json:"body"`
	}, error) {
		exp, err := rt.Engine.ExpeditionForEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := authorize(ctx, exp.ID, exp.TrainerID); err != nil {
			return nil, handleError(err)
		}
		res, err := rt.Engine.Respond(ctx, domain.PlayerResponse{
			EventID:  input.EventID,
			OptionID: input.Body.OptionID,
			Latency:  time.Duration(input.Body.LatencyMs) * time.Millisecond,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResponseResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerStream(api huma.API, rt *app.Runtime) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-expedition",
		Method:      http.MethodGet,
		Path:        "/expeditions/{id}/stream",
		Summary:     "Stream expedition notifications",
	}, streamMessages, func(ctx context.Context, input *expeditionPath, send sse.Sender) {
		if _, err := ownedExpedition(ctx, rt, input.ID); err != nil {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := make(chan domain.Notification)
		unsubscribe, finished, err := rt.Engine.Follow(ctx, input.ID, "stream", func(n domain.Notification) error {
			select {
			case ch <- n:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return
		}
		defer unsubscribe()

		// Delivery through ch is synchronous, so once finished is closed every
		// message of the run has already been received here.
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-ch:
				if err := send(sse.Message{ID: int(n.Seq), Data: streamMessage(n)}); err != nil {
					return
				}
				if n.Kind == domain.KindExpeditionComplete {
					return
				}
			case <-finished:
				return
			}
		}
	})
}

func registerResults(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/results",
		Summary:     "Completed expedition results",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TrainerID string `query:"trainer_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body ResultList `json:"body"`
	}, error) {
		trainer := callerTrainer(ctx, input.TrainerID)
		if input.TrainerID != "" && input.TrainerID != trainer {
			return nil, handleError(ForbiddenError{})
		}
		items, err := rt.Repo.ListResults(ctx, trainer, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := ResultList{Items: []domain.ExpeditionResult{}}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body ResultList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trainer-balance",
		Method:      http.MethodGet,
		Path:        "/trainers/{id}/balance",
		Summary:     "Reward balance of a trainer",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if callerTrainer(ctx, input.ID) != input.ID {
			return nil, handleError(ForbiddenError{})
		}
		balance, err := rt.Repo.TrainerBalance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{TrainerID: input.ID, Balance: balance}}, nil
	})
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recorded notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type         string `query:"type" enum:"progress_update,intervention_required,response_result,auto_resolved,expedition_complete"`
		ExpeditionID string `query:"expedition_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		filters := repo.EventFilters{
			Type:         input.Type,
			ExpeditionID: input.ExpeditionID,
			TrainerID:    callerTrainer(ctx, ""),
		}
		items, err := rt.Repo.LatestEventsFrom(ctx, limit+1, cursorID, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		trainer := strings.TrimSpace(input.Body.TrainerID)
		if trainer == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trainer_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, trainer, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
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
