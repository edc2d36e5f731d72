package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
	"escrowline/internal/signer"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Keyring holds the signing keys the server may use on behalf of each
	// user. Users without a key get a disconnected signing context.
	Keyring *signer.Keyring
	// Metrics serves GET <base>/metrics when set.
	Metrics http.Handler
	// RateLimit is requests per second per user; zero disables limiting.
	RateLimit float64
	RateBurst int
	Log       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ledger_rejected"`
	Message string         `json:"message" example:"finalize rejected by ledger: Work not completed yet"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"not_completed\"}"`
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

// New returns an HTTP handler exposing the escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newRateLimitMiddleware(newUserLimiter(cfg.RateLimit, cfg.RateBurst)))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle(path.Join(basePath, "metrics"), cfg.Metrics)
	}
	registerHealth(group)
	registerUsers(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine, cfg.Keyring)
	registerIdentity(group, cfg.Engine, cfg.Keyring)
	registerDrift(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
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
	var de *engine.DriftError
	if errors.As(err, &de) {
		return newAPIError(http.StatusInternalServerError, "state_drift", err.Error(), map[string]any{
			"operation":  string(de.Op),
			"project_id": de.ProjectID,
			"ledger_id":  de.LedgerID,
			"tx_hash":    de.TxHash,
		})
	}
	var te *ledger.TimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "confirmation_timeout", err.Error(), map[string]any{
			"operation": te.Op,
			"tx_hash":   te.TxHash,
			"hint":      "the transaction may still confirm; reconcile the project before retrying",
		})
	}
	var re *ledger.RejectedError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnprocessableEntity, "ledger_rejected", err.Error(), map[string]any{
			"operation": re.Op,
			"reason":    re.Reason,
			"kind":      string(re.Kind),
		})
	}
	var me *identity.MismatchError
	if errors.As(err, &me) {
		return newAPIError(http.StatusConflict, "identity_mismatch", err.Error(), map[string]any{
			"expected": identity.Checksum(me.Expected),
			"actual":   identity.Checksum(me.Actual),
		})
	}
	if errors.Is(err, identity.ErrNoSigner) {
		return newAPIError(http.StatusPreconditionRequired, "no_signer", err.Error(), nil)
	}
	if errors.Is(err, identity.ErrNoStoredAddress) {
		return newAPIError(http.StatusConflict, "guard_violation", err.Error(), nil)
	}
	var ge *engine.GuardError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusConflict, "guard_violation", err.Error(), map[string]any{
			"operation":    string(ge.Op),
			"precondition": ge.Precondition,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot post"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "decimals"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func forbidden(msg string) huma.StatusError {
	return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
}

func requireAdmin(ctx context.Context) (Principal, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return p, authErr
	}
	if p.Role != domain.RoleAdmin {
		return p, forbidden("admin role required")
	}
	return p, nil
}

// requireParty loads a project and fails unless the caller owns it, is
// assigned to it, or is an admin.
func requireParty(ctx context.Context, e engine.Engine, projectID string) (Principal, domain.Project, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return p, domain.Project{}, authErr
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, project, handleError(err)
	}
	if p.Role != domain.RoleAdmin && domain.PartyOf(project, p.UserID) == "" {
		return p, project, forbidden("not a party to project " + project.ID)
	}
	return p, project, nil
}

func actorFor(p Principal, keys *signer.Keyring) engine.Actor {
	return engine.Actor{UserID: p.UserID, Signer: keys.For(p.UserID)}
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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
    <title>Escrowline API Docs</title>
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

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user (admin)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			ID:            input.Body.ID,
			Email:         input.Body.Email,
			Username:      input.Body.Username,
			Role:          input.Body.Role,
			WalletAddress: input.Body.WalletAddress,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-wallet",
		Method:      http.MethodPatch,
		Path:        "/me/wallet",
		Summary:     "Replace the caller's stored wallet address",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body SetWalletRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.SetWallet(ctx, principal.UserID, input.Body.WalletAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Post a project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			OwnerID:     principal.UserID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Budget:      input.Body.Budget,
			BudgetWei:   input.Body.BudgetWei,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		OwnerID      string `query:"owner_id"`
		FreelancerID string `query:"freelancer_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if input.Status != "" && !domain.State(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			Status:       input.Status,
			OwnerID:      input.OwnerID,
			FreelancerID: input.FreelancerID,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Withdraw an open project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.OwnerID != principal.UserID {
			return nil, forbidden("only the project owner can withdraw it")
		}
		if err := e.Repo.DeleteProject(ctx, p.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/applications",
		Summary:       "Apply to an open project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      ApplyRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Apply(ctx, input.ProjectID, principal.UserID, input.Body.CoverLetter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/applications",
		Summary:     "List applications (owner)",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Applications(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

var lifecycleErrors = []int{
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusPreconditionRequired,
	http.StatusInternalServerError,
	http.StatusGatewayTimeout,
}

func registerLifecycle(api huma.API, e engine.Engine, keys *signer.Keyring) {
	type projectOutput struct {
		Body ProjectResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "hire",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hire",
		Summary:     "Hire an applicant and lock the budget in escrow",
		Errors:      append([]int{http.StatusBadRequest}, lifecycleErrors...),
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      HireRequest `json:"body"`
	}) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Hire(ctx, input.ProjectID, input.Body.ApplicationID, actorFor(principal, keys))
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-complete",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/complete",
		Summary:     "Mark the work complete (assigned freelancer)",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.MarkComplete(ctx, input.ProjectID, actorFor(principal, keys))
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/finalize",
		Summary:     "Release escrowed funds to the freelancer (owner)",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*projectOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Finalize(ctx, input.ProjectID, actorFor(principal, keys))
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/lifecycle",
		Summary:     "Project record next to its live ledger record",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body engine.LifecycleView `json:"body"`
	}, error) {
		if _, _, authErr := requireParty(ctx, e, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		view, err := e.Lifecycle(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		view.Applications = nonNilSlice(view.Applications)
		return &struct {
			Body engine.LifecycleView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reconcile",
		Summary:     "Re-derive project state from the ledger",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      ReconcileRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.ReconcileReport `json:"body"`
	}, error) {
		principal, _, authErr := requireParty(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Reconcile(ctx, input.ProjectID, engine.ReconcileOptions{
			Apply:   input.Body.Apply,
			ActorID: principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReconcileReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerIdentity(api huma.API, e engine.Engine, keys *signer.Keyring) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-identity",
		Method:      http.MethodPost,
		Path:        "/identity/verify",
		Summary:     "Check the caller's active signing key against an address",
		Errors: []int{
			http.StatusConflict,
			http.StatusPreconditionRequired,
		},
	}, func(ctx context.Context, input *struct {
		Body VerifyIdentityRequest `json:"body" required:"false"`
	}) (*struct {
		Body identity.Result `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expected := strings.TrimSpace(input.Body.ExpectedAddress)
		if expected == "" {
			u, err := e.Repo.GetUser(ctx, principal.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			expected = u.WalletAddress
		}
		res, err := e.VerifyIdentity(ctx, expected, keys.For(principal.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body identity.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerDrift(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drift",
		Method:      http.MethodGet,
		Path:        "/drift",
		Summary:     "Journaled ledger/record disagreements",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		All       bool   `query:"all" doc:"Include resolved entries"`
	}) (*struct {
		Body []domain.Drift `json:"body"`
	}, error) {
		if err := requireEventScope(ctx, e, input.ProjectID); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListDrift(ctx, input.ProjectID, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Drift `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requireEventScope(ctx, e, input.ProjectID); err != nil {
			return nil, err
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// requireEventScope lets admins read everything and parties read their own
// project.
func requireEventScope(ctx context.Context, e engine.Engine, projectID string) huma.StatusError {
	if projectID == "" {
		_, authErr := requireAdmin(ctx)
		return authErr
	}
	_, _, authErr := requireParty(ctx, e, projectID)
	return authErr
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
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
		var (
			u   domain.User
			err error
		)
		switch {
		case strings.TrimSpace(input.Body.UserID) != "":
			u, err = e.Repo.GetUser(ctx, strings.TrimSpace(input.Body.UserID))
		case strings.TrimSpace(input.Body.Email) != "":
			u, err = e.Repo.GetUserByEmail(ctx, input.Body.Email)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id or email is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, u, defaultDevTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Warn("issued dev token", "user_id", u.ID)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, UserID: u.ID, ExpiresIn: int64(defaultDevTokenTTL.Seconds())}}, nil
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
