package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tradepost/internal/domain"
	"tradepost/internal/engine"
	"tradepost/internal/engine/reward"
	"tradepost/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"role_not_open"`
	Message string         `json:"message" example:"role r1 is filled, not open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tradepost API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tradepost API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCollaborations(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerTrades(group, cfg.Engine)
	registerProgression(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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

// handleError maps the engine's error taxonomy onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var inv reward.InvalidInputError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), map[string]any{"field": inv.Field, "reason": inv.Reason})
	}
	var rno engine.RoleNotOpenError
	if errors.As(err, &rno) {
		return newAPIError(http.StatusConflict, "role_not_open", err.Error(), map[string]any{"role_id": rno.RoleID, "status": rno.Status})
	}
	var tno engine.TradeNotOpenError
	if errors.As(err, &tno) {
		return newAPIError(http.StatusConflict, "trade_not_open", err.Error(), map[string]any{"trade_id": tno.TradeID, "status": tno.Status})
	}
	var dap engine.DuplicateApplicationError
	if errors.As(err, &dap) {
		return newAPIError(http.StatusConflict, "duplicate_application", err.Error(), map[string]any{"role_id": dap.RoleID, "applicant_id": dap.ApplicantID})
	}
	var dpr engine.DuplicateProposalError
	if errors.As(err, &dpr) {
		return newAPIError(http.StatusConflict, "duplicate_proposal", err.Error(), map[string]any{"trade_id": dpr.TradeID, "proposer_id": dpr.ProposerID})
	}
	var ut engine.UnauthorizedTransitionError
	if errors.As(err, &ut) {
		return newAPIError(http.StatusForbidden, "unauthorized_transition", err.Error(), map[string]any{
			"entity_kind": ut.EntityKind, "entity_id": ut.EntityID, "action": ut.Action,
		})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity_kind": it.EntityKind, "entity_id": it.EntityID, "from": it.From, "action": it.Action,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"entity_kind": ce.EntityKind, "entity_id": ce.EntityID})
	}
	var pce engine.ProgressionConflictError
	if errors.As(err, &pce) {
		return newAPIError(http.StatusConflict, "progression_conflict", err.Error(), map[string]any{"actor_id": pce.ActorID, "attempts": pce.Attempts})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
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
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Tradepost API Docs</title>
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

func registerCollaborations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-collaboration",
		Method:        http.MethodPost,
		Path:          "/collaborations",
		Summary:       "Create collaboration",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateCollaborationRequest `json:"body"`
	}) (*struct {
		Body domain.Collaboration `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CollaborationCreateOptions{
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCollaboration(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Collaboration `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-collaborations",
		Method:      http.MethodGet,
		Path:        "/collaborations",
		Summary:     "List collaborations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Collaboration `json:"body"`
	}, error) {
		items, err := e.Repo.ListCollaborations(ctx, e.Config.Market.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Collaboration `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collaboration",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collaboration_id}",
		Summary:     "Get collaboration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollaborationID string `path:"collaboration_id"`
	}) (*struct {
		Body domain.Collaboration `json:"body"`
	}, error) {
		c, err := e.Repo.GetCollaboration(ctx, input.CollaborationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Collaboration `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-collaboration",
		Method:      http.MethodPost,
		Path:        "/collaborations/{collaboration_id}/cancel",
		Summary:     "Cancel collaboration",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CollaborationID string `path:"collaboration_id"`
	}) (*struct {
		Body domain.Collaboration `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelCollaboration(ctx, actor, input.CollaborationID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCollaboration(ctx, input.CollaborationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Collaboration `json:"body"`
		}{Body: c}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/collaborations/{collaboration_id}/roles",
		Summary:       "Define role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollaborationID string            `path:"collaboration_id"`
		Body            CreateRoleRequest `json:"body"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RoleCreateOptions{
			CollaborationID: input.CollaborationID,
			Title:           input.Body.Title,
			RequiredSkills:  input.Body.RequiredSkills,
			Difficulty:      input.Body.Difficulty,
			EstimatedHours:  input.Body.EstimatedHours,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		role, err := e.CreateRole(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
	}, func(ctx context.Context, input *struct {
		CollaborationID string `query:"collaboration_id"`
		Status          string `query:"status" enum:"open,filled,completed,closed,"`
		Limit           int    `query:"limit"`
	}) (*struct {
		Body []domain.Role `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoles(ctx, repo.RoleFilters{
			MarketID:        e.Config.Market.ID,
			CollaborationID: input.CollaborationID,
			Status:          input.Status,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Role `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/roles/{role_id}",
		Summary:     "Get role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID string `path:"role_id"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		role, err := e.Repo.GetRole(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-application",
		Method:        http.MethodPost,
		Path:          "/roles/{role_id}/applications",
		Summary:       "Apply to role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID string                   `path:"role_id"`
		Body   SubmitApplicationRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.SubmitApplication(ctx, actor, input.RoleID, stringOrEmpty(input.Body.Message))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/roles/{role_id}/applications",
		Summary:     "List applications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID string `path:"role_id"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		items, err := e.Repo.ListApplications(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-application",
		Method:      http.MethodPost,
		Path:        "/roles/{role_id}/applications/{application_id}/accept",
		Summary:     "Accept application",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RoleID        string `path:"role_id"`
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, err := e.AcceptApplication(ctx, actor, input.RoleID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-application",
		Method:      http.MethodPost,
		Path:        "/roles/{role_id}/applications/{application_id}/reject",
		Summary:     "Reject application",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RoleID        string `path:"role_id"`
		ApplicationID string `path:"application_id"`
	}) (*struct{}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RejectApplication(ctx, actor, input.RoleID, input.ApplicationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-role",
		Method:      http.MethodPost,
		Path:        "/roles/{role_id}/complete",
		Summary:     "Complete role",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RoleID string              `path:"role_id"`
		Body   CompleteRoleRequest `json:"body"`
	}) (*struct {
		Body RoleCompletionResponse `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, progression, err := e.CompleteRole(ctx, actor, input.RoleID, engine.RoleCompleteOptions{
			QualityScore: input.Body.QualityScore,
			FirstAttempt: input.Body.FirstAttempt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleCompletionResponse `json:"body"`
		}{Body: RoleCompletionResponse{Role: role, Progression: progression}}, nil
	})
}

func registerTrades(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trade",
		Method:        http.MethodPost,
		Path:          "/trades",
		Summary:       "Open trade",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTradeRequest `json:"body"`
	}) (*struct {
		Body domain.Trade `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TradeCreateOptions{
			OfferedSkill:   input.Body.OfferedSkill,
			RequestedSkill: input.Body.RequestedSkill,
			Difficulty:     input.Body.Difficulty,
			EstimatedHours: input.Body.EstimatedHours,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateTrade(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trade `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trades",
		Method:      http.MethodGet,
		Path:        "/trades",
		Summary:     "List trades",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Trade `json:"body"`
	}, error) {
		items, err := e.Repo.ListTrades(ctx, repo.TradeFilters{
			MarketID: e.Config.Market.ID,
			Status:   input.Status,
			ActorID:  input.ActorID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Trade `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trade",
		Method:      http.MethodGet,
		Path:        "/trades/{trade_id}",
		Summary:     "Get trade",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TradeID string `path:"trade_id"`
	}) (*struct {
		Body domain.Trade `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrade(ctx, input.TradeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trade `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/trades/{trade_id}/proposals",
		Summary:       "Propose on trade",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TradeID string                `path:"trade_id"`
		Body    SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitProposal(ctx, actor, input.TradeID, stringOrEmpty(input.Body.Message))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/trades/{trade_id}/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TradeID string `path:"trade_id"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, input.TradeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-proposal",
		Method:      http.MethodPost,
		Path:        "/trades/{trade_id}/proposals/{proposal_id}/accept",
		Summary:     "Accept proposal",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TradeID    string `path:"trade_id"`
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Trade `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AcceptProposal(ctx, actor, input.TradeID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trade `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/trades/{trade_id}/proposals/{proposal_id}/reject",
		Summary:     "Reject proposal",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TradeID    string `path:"trade_id"`
		ProposalID string `path:"proposal_id"`
	}) (*struct{}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RejectProposal(ctx, actor, input.TradeID, input.ProposalID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-completion",
		Method:      http.MethodPost,
		Path:        "/trades/{trade_id}/complete",
		Summary:     "Confirm trade completion",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TradeID string                   `path:"trade_id"`
		Body    RequestCompletionRequest `json:"body"`
	}) (*struct {
		Body TradeCompletionResponse `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestCompletion(ctx, actor, input.TradeID, input.Body.QualityScore)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TradeCompletionResponse `json:"body"`
		}{Body: TradeCompletionResponse{
			Trade:       res.Trade,
			Completed:   res.Completed,
			Progression: res.Progression,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-trade",
		Method:      http.MethodPost,
		Path:        "/trades/{trade_id}/dispute",
		Summary:     "Dispute trade",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TradeID string `path:"trade_id"`
	}) (*struct {
		Body domain.Trade `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Dispute(ctx, actor, input.TradeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trade `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-trade",
		Method:      http.MethodPost,
		Path:        "/trades/{trade_id}/cancel",
		Summary:     "Cancel trade",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TradeID string `path:"trade_id"`
	}) (*struct {
		Body domain.Trade `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTrade(ctx, actor, input.TradeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trade `json:"body"`
		}{Body: t}, nil
	})
}

func registerProgression(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-completion",
		Method:      http.MethodPost,
		Path:        "/progression/completions",
		Summary:     "Record completion",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CompletionRequest `json:"body"`
	}) (*struct {
		Body engine.ProgressionResult `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.OnCompletion(ctx, actor.ID, engine.CompletionEvent{
			Kind:            input.Body.Kind,
			EntityKind:      input.Body.Kind,
			EntityID:        input.Body.EntityID,
			Difficulty:      input.Body.Difficulty,
			QualityScore:    input.Body.QualityScore,
			EarlyCompletion: input.Body.EarlyCompletion,
			FirstAttempt:    input.Body.FirstAttempt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProgressionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-activity",
		Method:      http.MethodPost,
		Path:        "/progression/activity",
		Summary:     "Record streak activity",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RecordActivityRequest `json:"body"`
	}) (*struct {
		Body StreakResultResponse `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var at time.Time
		if input.Body.At != nil {
			parsed, err := time.Parse(time.RFC3339, *input.Body.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_input", "at must be RFC3339", nil)
			}
			at = parsed
		}
		res, err := e.RecordActivity(ctx, actor, input.Body.Category, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreakResultResponse `json:"body"`
		}{Body: StreakResultResponse{
			State:            res.State,
			Changed:          res.Changed,
			FreezeConsumed:   res.FreezeConsumed,
			MilestoneReached: res.MilestoneReached,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-freezes",
		Method:      http.MethodPost,
		Path:        "/progression/freezes",
		Summary:     "Grant streak freezes",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantFreezesRequest `json:"body"`
	}) (*struct {
		Body domain.StreakState `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.GrantFreezes(ctx, actor, input.Body.ActorID, input.Body.Category, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StreakState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/progress",
		Summary:     "Get progression",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body domain.UserProgress `json:"body"`
	}, error) {
		p, err := e.GetProgress(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UserProgress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-streaks",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/streaks",
		Summary:     "List streaks",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []domain.StreakState `json:"body"`
	}, error) {
		items, err := e.ListStreaks(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StreakState `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-achievements",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/achievements",
		Summary:     "List achievement unlocks",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []domain.AchievementUnlock `json:"body"`
	}, error) {
		items, err := e.ListAchievements(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AchievementUnlock `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tier-access",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/access/{tier}",
		Summary:     "Tier access check",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Tier    string `path:"tier" enum:"solo,trade,collaboration"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		d, err := e.CanAccessTier(ctx, input.ActorID, input.Tier)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"allowed": d.Allowed}
		if d.Reason != "" {
			body["reason"] = d.Reason
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		From       int64  `query:"from"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.From, e.Config.Market.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actingActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if input.Body.ActorID != actor.ID && !actor.HasRole("admin") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "may only create keys for yourself", nil)
		}
		rawKey := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    stringOrEmpty(input.Body.Name),
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        stored.ID,
			ActorID:   stored.ActorID,
			Name:      stored.Name,
			Key:       rawKey,
			CreatedAt: stored.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
