package taskdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal taskdesk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session is the authenticated user's projection.
type Session struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID string `json:"department_id"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                    string  `json:"id"`
	Title                 string  `json:"title"`
	Description           string  `json:"description"`
	Status                string  `json:"status"`
	Priority              string  `json:"priority"`
	DepartmentID          string  `json:"department_id"`
	AssignedToID          *string `json:"assigned_to_id"`
	CreatedByID           string  `json:"created_by_id"`
	UpdatedAt             string  `json:"updated_at"`
	CompletedRemark       string  `json:"completed_remark,omitempty"`
	CompletionRequestedBy string  `json:"completion_requested_by,omitempty"`
	NeedsApproval         bool    `json:"needs_approval"`
	CanApprove            bool    `json:"can_approve"`
}

// NewTask holds the fields accepted on creation. Empty fields are omitted.
type NewTask struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Priority     string `json:"priority,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	AssignedToID string `json:"assigned_to_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges an email for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, email string) (Session, error) {
	var resp struct {
		Token   string  `json:"token"`
		Session Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email}, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp.Session, nil
}

// Signup requests a new account. It stays pending until approved.
func (c *Client) Signup(ctx context.Context, name, email, departmentID, role string) (User, error) {
	body := map[string]any{
		"name":          name,
		"email":         email,
		"department_id": departmentID,
		"role":          role,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "auth/signup", body, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) Departments(ctx context.Context) ([]Department, error) {
	var resp []Department
	err := c.do(ctx, http.MethodGet, "departments", nil, &resp)
	return resp, err
}

func (c *Client) PendingUsers(ctx context.Context) ([]User, error) {
	var resp []User
	err := c.do(ctx, http.MethodGet, "users/pending", nil, &resp)
	return resp, err
}

// ApproveUser approves a pending user. Empty role or department keep the
// requested values.
func (c *Client) ApproveUser(ctx context.Context, userID, role, departmentID string) (User, error) {
	body := map[string]any{}
	if role != "" {
		body["role"] = role
	}
	if departmentID != "" {
		body["department_id"] = departmentID
	}
	var resp User
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("users/%s/approve", url.PathEscape(userID)), body, &resp)
	return resp, err
}

// Tasks lists tasks visible to the caller, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ForwardTask(ctx context.Context, id, assigneeID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "forward"), map[string]any{"assigned_to_id": assigneeID}, &resp)
	return resp, err
}

func (c *Client) SetTaskStatus(ctx context.Context, id, status, remark string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "status"), map[string]any{"status": status, "remark": remark}, &resp)
	return resp, err
}

// CompleteTask completes the task or requests approval, depending on who
// last reassigned it.
func (c *Client) CompleteTask(ctx context.Context, id, remark string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "complete"), map[string]any{"remark": remark}, &resp)
	return resp, err
}

func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "approve"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
