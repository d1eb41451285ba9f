package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskdesk/internal/app"
	"taskdesk/internal/config"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/identity"
	"taskdesk/internal/kv"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	app    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	a := app.New(kv.NewMemory(), cfg, nil)
	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = testSecret
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		app:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func login(t *testing.T, srv *testServer, email string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"email": email}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return out.Token
}

// addUser signs a user up over HTTP and approves them as the super admin.
func addUser(t *testing.T, srv *testServer, adminToken, name, email, dept, role string) domain.User {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/signup", map[string]any{
		"name": name, "email": email, "department_id": dept, "role": role,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: %d %s", email, res.StatusCode, string(data))
	}
	var u domain.User
	_ = json.Unmarshal(data, &u)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/"+u.ID+"/approve", map[string]any{}, bearer(adminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve %s: %d %s", email, res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &u)
	return u
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %q", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/departments", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("departments should be public: %d %s", res.StatusCode, string(data))
	}
	var depts []domain.Department
	_ = json.Unmarshal(data, &depts)
	if len(depts) != 5 {
		t.Fatalf("expected 5 seeded departments, got %d", len(depts))
	}
}

func TestSignupApproveLogin(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/signup", map[string]any{
		"name": "Dana", "email": "dana@x.test", "department_id": "dept-hr", "role": "USER",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signup: %d %s", res.StatusCode, string(data))
	}
	var pending domain.User
	_ = json.Unmarshal(data, &pending)
	if pending.Status != domain.UserPending {
		t.Fatalf("expected pending user, got %s", pending.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"email": "DANA@x.test"}, nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "account_pending" {
		t.Fatalf("expected pending login to be refused, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"email": "nobody@x.test"}, nil)
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(string(data), "User not found") {
		t.Fatalf("expected unknown user to be refused, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/signup", map[string]any{
		"name": "Dup", "email": "dana@X.test", "department_id": "dept-hr", "role": "ADMIN",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate email conflict, got %d %s", res.StatusCode, string(data))
	}

	admin := login(t, srv, "superadmin@tms.demo")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/pending", nil, bearer(admin))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), pending.ID) {
		t.Fatalf("pending list: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/"+pending.ID+"/approve", map[string]any{
		"department_id": "dept-tech",
	}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	token := login(t, srv, "dana@x.test")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var sess domain.Session
	_ = json.Unmarshal(data, &sess)
	if sess.DepartmentID != "dept-tech" || sess.Role != domain.RoleUser {
		t.Fatalf("unexpected session %+v", sess)
	}

	// role changes apply to an existing token
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/users/"+pending.ID, map[string]any{"role": "ADMIN"}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update user: %d %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	_ = json.Unmarshal(data, &sess)
	if sess.Role != domain.RoleAdmin {
		t.Fatalf("expected refreshed role ADMIN, got %s", sess.Role)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users", nil, bearer(token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected non super admin to be forbidden, got %d %s", res.StatusCode, string(data))
	}
}

func TestCompletionApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	admin := login(t, srv, "superadmin@tms.demo")
	addUser(t, srv, admin, "Alice", "alice@x.test", "dept-sales", "USER")
	bob := addUser(t, srv, admin, "Bob", "bob@x.test", "dept-sales", "USER")
	lead := addUser(t, srv, admin, "Lena", "lena@x.test", "dept-sales", "ADMIN")
	alice := login(t, srv, "alice@x.test")
	bobToken := login(t, srv, "bob@x.test")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Call client",
		"priority":       "HIGH",
		"assigned_to_id": bob.ID,
	}, bearer(alice))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)
	if created.DepartmentID != "dept-sales" || !created.NeedsApproval {
		t.Fatalf("unexpected created task %+v", created)
	}
	taskURL := srv.URL + "/v0/tasks/" + created.ID

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/forward", map[string]any{"assigned_to_id": lead.ID}, bearer(bobToken))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("forwarding to an admin must be rejected, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/complete", map[string]any{"remark": "done"}, bearer(bobToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var requested TaskResponse
	_ = json.Unmarshal(data, &requested)
	if requested.Status != domain.TaskPendingApproval || requested.CompletionRequestedBy != bob.ID {
		t.Fatalf("expected pending approval, got %+v", requested.Task)
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/approve", nil, bearer(bobToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("assignee must not approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, taskURL, nil, bearer(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reassigner should see pending task: %d %s", res.StatusCode, string(data))
	}
	var seen TaskResponse
	_ = json.Unmarshal(data, &seen)
	if !seen.CanApprove {
		t.Fatalf("expected can_approve for the reassigner")
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/approve", nil, bearer(alice))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved TaskResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != domain.TaskCompleted || approved.CompletionRequestedBy != "" || approved.CompletedRemark != "done" {
		t.Fatalf("unexpected approved task %+v", approved.Task)
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/approve", nil, bearer(admin))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected conflict on second approval, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, taskURL+"/forward", map[string]any{"assigned_to_id": bob.ID}, bearer(admin))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected completed task forward to conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats/breakdown", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakdown: %d %s", res.StatusCode, string(data))
	}
	var breakdown BreakdownResponse
	_ = json.Unmarshal(data, &breakdown)
	if breakdown.Total != 1 || len(breakdown.Items) == 0 || breakdown.Items[0].Name != "Completed" {
		t.Fatalf("unexpected breakdown %+v", breakdown)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=task.completion_approved", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].EntityID != created.ID || evts.Items[0].ActorID != approved.AssignmentHistory[0].AssignedByID {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func TestVisibilityAndEditRules(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	admin := login(t, srv, "superadmin@tms.demo")
	addUser(t, srv, admin, "Mia", "mia@x.test", "dept-sales", "ADMIN")
	carl := addUser(t, srv, admin, "Carl", "carl@x.test", "dept-sales", "USER")
	addUser(t, srv, admin, "Tara", "tara@x.test", "dept-tech", "USER")
	mia := login(t, srv, "mia@x.test")
	carlToken := login(t, srv, "carl@x.test")
	tara := login(t, srv, "tara@x.test")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"title": "Quarterly report"}, bearer(mia))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	taskURL := srv.URL + "/v0/tasks/" + task.ID

	res, _ = doJSON(t, client, http.MethodGet, taskURL, nil, bearer(tara))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other department must not see the task, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPatch, taskURL, map[string]any{"title": "hijack"}, bearer(carlToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("user must not edit, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, taskURL, map[string]any{
		"title":          "Quarterly report v2",
		"assigned_to_id": carl.ID,
	}, bearer(mia))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin edit: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &task)
	if task.Title != "Quarterly report v2" || len(task.AssignmentHistory) != 1 {
		t.Fatalf("unexpected edited task %+v", task.Task)
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL+"/status", map[string]any{"status": "IN_PROGRESS"}, bearer(carlToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, taskURL+"/status", map[string]any{"status": "PENDING_APPROVAL"}, bearer(carlToken))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("pending approval must not be settable, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=IN_PROGRESS", nil, bearer(carlToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list []TaskResponse
	_ = json.Unmarshal(data, &list)
	if len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("unexpected list %+v", list)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, bearer(tara))
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list) != 0 {
		t.Fatalf("expected empty list for other department, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/team?assignable=true", nil, bearer(mia))
	var team []domain.User
	_ = json.Unmarshal(data, &team)
	if res.StatusCode != http.StatusOK || len(team) != 1 || team[0].ID != carl.ID {
		t.Fatalf("unexpected assignable team %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/team?department_id=dept-tech", nil, bearer(mia))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin must not list other departments, got %d", res.StatusCode)
	}
}

func TestProfileUpdateConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	admin := login(t, srv, "superadmin@tms.demo")
	addUser(t, srv, admin, "Eve", "eve@x.test", "dept-hr", "USER")
	eve := login(t, srv, "eve@x.test")

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/me", map[string]any{"email": "SUPERADMIN@tms.demo"}, bearer(eve))
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(data), identity.ErrEmailInUse.Error()) {
		t.Fatalf("expected email conflict, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/me", map[string]any{"name": "Eve Adams"}, bearer(eve))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Eve Adams") {
		t.Fatalf("profile update: %d %s", res.StatusCode, string(data))
	}
}

func TestExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	srv, cleanup := newTestServer(t, AuthConfig{TokenTTL: time.Hour, Now: clock})
	defer cleanup()
	token := login(t, srv, "superadmin@tms.demo")

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fresh token rejected: %d", res.StatusCode)
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", res.StatusCode)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "taskdesk_http_requests_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/tasks/{id}/approve") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	type delivery struct {
		header http.Header
		event  domain.Event
	}
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt domain.Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), event: evt})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	a := app.New(kv.NewMemory(), config.Default(), nil)
	if err := a.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	d := NewWebhookDispatcher(a.Repo, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"task.created"}, Secret: "s3cret"},
	}, nil)
	// first pass pins the cursor past the seed events
	d.DispatchAll(ctx)

	sa, err := a.Identity.SessionForUser(ctx, "sa-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	task, err := a.Engine.CreateTaskAs(ctx, sa, engine.TaskCreateOptions{Title: "Webhook me"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].event.EntityID != task.ID || got[0].header.Get("X-Taskdesk-Event") != "task.created" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if got[0].header.Get("X-Taskdesk-Secret") != "s3cret" || got[0].header.Get("X-Taskdesk-Delivery") != got[0].event.ID {
		t.Fatalf("unexpected headers %v", got[0].header)
	}
}
