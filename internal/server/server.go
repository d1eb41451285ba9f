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
	"go.uber.org/zap"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/identity"
	"taskdesk/internal/logging"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
	"taskdesk/internal/stats"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// MetricsPath is where Prometheus metrics are served; empty means /metrics.
	MetricsPath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not allowed to edit task task-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"edit task task-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// server carries what the handlers share. Identity never persists a session
// here: every request is resolved from its token.
type server struct {
	app      *app.App
	identity identity.Service
	auth     AuthConfig
	log      *zap.Logger
}

func (s *server) now() time.Time { return s.auth.now() }

// New returns an HTTP handler exposing the taskdesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
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

	ids := cfg.App.Identity
	ids.PersistSession = false
	s := &server{app: cfg.App, identity: ids, auth: cfg.Auth, log: log}

	router := chi.NewRouter()
	router.Use(logging.Middleware(log.Named("http")))
	router.Use(metrics.HTTPMetricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, ids, log))
	hcfg := huma.DefaultConfig("Taskdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle(metricsPath, metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, s)
	registerMe(group, s)
	registerDirectory(group, s)
	registerUsers(group, s)
	registerTasks(group, s)
	registerStats(group, s)
	registerEvents(group, s)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, identity.ErrUserNotFound):
		return newAPIError(http.StatusNotFound, "user_not_found", identity.UserMessage(err), nil)
	case errors.Is(err, identity.ErrAccountPending):
		return newAPIError(http.StatusForbidden, "account_pending", identity.UserMessage(err), nil)
	case errors.Is(err, identity.ErrNotLoggedIn):
		return newAPIError(http.StatusUnauthorized, "unauthorized", identity.UserMessage(err), nil)
	case errors.Is(err, identity.ErrEmailAlreadyRegistered), errors.Is(err, identity.ErrEmailInUse):
		return newAPIError(http.StatusConflict, "email_conflict", identity.UserMessage(err), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, identity.ErrInvalidRole), errors.Is(err, identity.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", identity.UserMessage(err), map[string]any{"error": err.Error()})
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// mutate runs fn under the application writer lock.
func mutate[T any](a *app.App, fn func() (T, error)) (T, error) {
	var out T
	err := a.Do(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{}
	for _, p := range []string{"health", "auth/login", "auth/signup", "departments"} {
		open[path.Join("/", basePath, p)] = true
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
    <title>Taskdesk API Docs</title>
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
      Log in with POST /auth/login and send Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in by email and receive a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		sess, err := mutate(s.app, func() (domain.Session, error) {
			return s.identity.Login(ctx, input.Body.Email, input.Body.Password)
		})
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", identity.UserMessage(err), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		token, exp, err := signToken(s.auth, sess.UserID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339), Session: sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Request an account; it stays pending until approved",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		role, _ := domain.ParseRole(input.Body.Role)
		u, err := mutate(s.app, func() (domain.User, error) {
			return s.identity.Signup(ctx, identity.SignupRequest{
				Name:         input.Body.Name,
				Email:        input.Body.Email,
				DepartmentID: input.Body.DepartmentID,
				Role:         role,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerMe(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update own name or email",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ProfileUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := mutate(s.app, func() (domain.Session, error) {
			return s.identity.UpdateProfile(ctx, &sess, identity.ProfileUpdate{
				Name:  input.Body.Name,
				Email: input.Body.Email,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: out}, nil
	})
}

func registerDirectory(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "List departments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Department `json:"body"`
	}, error) {
		// The first read seeds the collection, so it takes the writer lock.
		depts, err := mutate(s.app, func() ([]domain.Department, error) {
			return s.app.Repo.Departments(ctx)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Department `json:"body"`
		}{Body: nonNilSlice(depts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team",
		Method:      http.MethodGet,
		Path:        "/team",
		Summary:     "Approved members of a department",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DepartmentID string `query:"department_id" doc:"Defaults to the caller's department"`
		Assignable   bool   `query:"assignable" doc:"Only users that tasks can be assigned to"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dept := input.DepartmentID
		if dept == "" {
			dept = sess.DepartmentID
		}
		if dept != sess.DepartmentID {
			if err := auth.RequireSuperAdmin(sess, "view department "+dept); err != nil {
				return nil, handleError(err)
			}
		}
		list := s.app.Engine.DepartmentMembers
		if input.Assignable {
			list = s.app.Engine.AssignableUsers
		}
		users, err := list(ctx, dept)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})
}

func registerUsers(api huma.API, s *server) {
	type userList struct {
		Body []domain.User `json:"body"`
	}
	type userBody struct {
		Body domain.User `json:"body"`
	}
	list := func(op, route, summary string, fetch func(context.Context) ([]domain.User, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op,
			Method:      http.MethodGet,
			Path:        route,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden},
		}, func(ctx context.Context, _ *struct{}) (*userList, error) {
			sess, authErr := sessionFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := auth.RequireSuperAdmin(sess, "manage users"); err != nil {
				return nil, handleError(err)
			}
			users, err := fetch(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &userList{Body: nonNilSlice(users)}, nil
		})
	}
	list("list-users", "/users", "All users", s.identity.Users)
	list("list-pending-users", "/users/pending", "Users awaiting approval", s.identity.PendingUsers)

	huma.Register(api, huma.Operation{
		OperationID: "approve-user",
		Method:      http.MethodPost,
		Path:        "/users/{id}/approve",
		Summary:     "Approve a pending user, optionally changing role or department",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *ApproveUserRequest `json:"body" required:"false"`
	}) (*userBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireSuperAdmin(sess, "approve users"); err != nil {
			return nil, handleError(err)
		}
		var opts identity.ApproveOptions
		if input.Body != nil {
			opts.Role = parseRolePtr(input.Body.Role)
			opts.DepartmentID = input.Body.DepartmentID
		}
		u, err := mutate(s.app, func() (domain.User, error) {
			return s.identity.ApproveUser(ctx, sess.UserID, input.ID, opts)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Change a user's department or role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*userBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireSuperAdmin(sess, "manage users"); err != nil {
			return nil, handleError(err)
		}
		u, err := mutate(s.app, func() (domain.User, error) {
			return s.identity.UpdateUserDepartmentRole(ctx, sess.UserID, input.ID, identity.DepartmentRoleUpdate{
				DepartmentID: input.Body.DepartmentID,
				Role:         parseRolePtr(input.Body.Role),
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})
}

func registerTasks(api huma.API, s *server) {
	type taskBody struct {
		Body TaskResponse `json:"body"`
	}
	respond := func(ctx context.Context, sess domain.Session, t domain.Task, err error) (*taskBody, error) {
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := s.taskResponse(ctx, sess, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Tasks visible to the caller, most recently updated first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"PENDING,IN_PROGRESS,PENDING_APPROVAL,COMPLETED"`
		Priority     string `query:"priority" enum:"LOW,MEDIUM,HIGH"`
		AssignedToID string `query:"assigned_to_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := s.app.Engine.TasksForSession(ctx, sess)
		if err != nil {
			return nil, handleError(err)
		}
		items := []TaskResponse{}
		for _, t := range tasks {
			if input.Status != "" && string(t.Status) != input.Status {
				continue
			}
			if input.Priority != "" && string(t.Priority) != input.Priority {
				continue
			}
			if input.AssignedToID != "" && !t.AssignedTo(input.AssignedToID) {
				continue
			}
			resp, err := s.taskResponse(ctx, sess, t)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, resp)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Title:        input.Body.Title,
			Description:  derefString(input.Body.Description),
			DepartmentID: derefString(input.Body.DepartmentID),
			AssignedToID: derefString(input.Body.AssignedToID),
		}
		if input.Body.Priority != nil {
			opts.Priority = domain.Priority(*input.Body.Priority)
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.CreateTaskAs(ctx, sess, opts)
		})
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := s.app.Engine.TaskFor(ctx, sess, input.ID)
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Edit title, description, priority or assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		upd := engine.TaskUpdate{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			AssignedToID: input.Body.AssignedToID,
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			upd.Priority = &p
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.EditTask(ctx, sess, input.ID, upd)
		})
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "forward-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/forward",
		Summary:     "Hand the task to another user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ForwardTaskRequest `json:"body"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.ForwardTask(ctx, sess, input.ID, input.Body.AssignedToID)
		})
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/status",
		Summary:     "Move the task through its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, ok := domain.ParseTaskStatus(input.Body.Status)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Body.Status})
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.SetTaskStatus(ctx, sess, input.ID, status, input.Body.Remark)
		})
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete the task, or request approval when the last reassigner must sign off",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *CompleteTaskRequest `json:"body" required:"false"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var remark string
		if input.Body != nil {
			remark = input.Body.Remark
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.CompleteTask(ctx, sess, input.ID, remark)
		})
		return respond(ctx, sess, t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a pending completion",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := mutate(s.app, func() (domain.Task, error) {
			return s.app.Engine.ApproveCompletion(ctx, sess, input.ID)
		})
		return respond(ctx, sess, t, err)
	})
}

func registerStats(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "stats-breakdown",
		Method:      http.MethodGet,
		Path:        "/stats/breakdown",
		Summary:     "Status breakdown of visible tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BreakdownResponse `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := s.app.Engine.TasksForSession(ctx, sess)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakdownResponse `json:"body"`
		}{Body: BreakdownResponse{Total: len(tasks), Items: stats.Breakdown(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats-productivity",
		Method:      http.MethodGet,
		Path:        "/stats/productivity",
		Summary:     "Completed tasks per period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Period string `query:"period" default:"week" enum:"day,week,month,year"`
	}) (*struct {
		Body ProductivityResponse `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		period, err := stats.ParsePeriod(input.Period)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		tasks, err := s.app.Engine.TasksForSession(ctx, sess)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductivityResponse `json:"body"`
		}{Body: ProductivityResponse{
			Period: string(period),
			Points: nonNilSlice(stats.Productivity(tasks, period, s.now())),
		}}, nil
	})
}

func registerEvents(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,user,session"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Return events older than this id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireSuperAdmin(sess, "read the event log"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.app.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
			Before:     input.Cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *server) taskResponse(ctx context.Context, sess domain.Session, t domain.Task) (TaskResponse, error) {
	needs, err := s.app.Engine.NeedsCompletionApproval(ctx, t)
	if err != nil {
		return TaskResponse{}, err
	}
	if t.AssignmentHistory == nil {
		t.AssignmentHistory = []domain.AssignmentHistoryEntry{}
	}
	return TaskResponse{
		Task:          t,
		NeedsApproval: needs,
		CanEdit:       auth.CanEditTask(sess, t),
		CanForward:    auth.CanForwardTask(sess, t),
		CanApprove:    auth.CanApproveTaskCompletion(sess, t),
	}, nil
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

func parseRolePtr(s *string) *domain.Role {
	if s == nil {
		return nil
	}
	r := domain.Role(strings.ToUpper(strings.TrimSpace(*s)))
	return &r
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
