package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/kv"
)

const (
	KeyUsers       = "tms_users"
	KeyDepartments = "tms_departments"
	KeyTasks       = "tms_tasks"
	KeySession     = "tms_session"
	KeyEvents      = "tms_events"
)

var ErrNotFound = errors.New("not found")

// DefaultDepartments is written on first read of an empty departments key.
var DefaultDepartments = []domain.Department{
	{ID: "dept-bde", Name: "BDE"},
	{ID: "dept-marketing", Name: "Marketing"},
	{ID: "dept-sales", Name: "Sales"},
	{ID: "dept-hr", Name: "HR"},
	{ID: "dept-tech", Name: "Tech"},
}

// Repo reads and writes whole collections as JSON values in a kv.Store.
type Repo struct {
	Store  kv.Store
	Prefix string
	Logger *zap.Logger
	// Seed overrides DefaultDepartments when non-empty.
	Seed []domain.Department
}

func New(store kv.Store, prefix string, logger *zap.Logger) Repo {
	return Repo{Store: store, Prefix: prefix, Logger: logger}
}

func (r Repo) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// Key returns the storage key for name with the configured prefix.
func (r Repo) Key(name string) string {
	return r.Prefix + name
}

// read decodes key into dst. It reports false when the key is absent or holds
// a value that does not decode, in which case dst is left untouched.
func (r Repo) read(ctx context.Context, name string, dst any) (bool, error) {
	data, err := r.Store.Get(ctx, r.Key(name))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		r.logger().Warn("discarding unreadable value", zap.String("key", r.Key(name)), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (r Repo) write(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := r.Store.Set(ctx, r.Key(name), data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (r Repo) Users(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if _, err := r.read(ctx, KeyUsers, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (r Repo) SetUsers(ctx context.Context, users []domain.User) error {
	if users == nil {
		users = []domain.User{}
	}
	return r.write(ctx, KeyUsers, users)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

// FindUserByEmail matches case-insensitively.
func (r Repo) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return domain.User{}, err
	}
	want := strings.ToLower(strings.TrimSpace(email))
	for _, u := range users {
		if strings.ToLower(u.Email) == want {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

// SaveUser replaces the user with the same id, or appends it.
func (r Repo) SaveUser(ctx context.Context, u domain.User) error {
	users, err := r.Users(ctx)
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].ID == u.ID {
			users[i] = u
			return r.SetUsers(ctx, users)
		}
	}
	return r.SetUsers(ctx, append(users, u))
}

// Departments returns the stored departments, writing the seed set first
// when none are stored.
func (r Repo) Departments(ctx context.Context) ([]domain.Department, error) {
	var depts []domain.Department
	ok, err := r.read(ctx, KeyDepartments, &depts)
	if err != nil {
		return nil, err
	}
	if ok && len(depts) > 0 {
		return depts, nil
	}
	seed := r.Seed
	if len(seed) == 0 {
		seed = DefaultDepartments
	}
	depts = append([]domain.Department(nil), seed...)
	if err := r.SetDepartments(ctx, depts); err != nil {
		return nil, err
	}
	r.logger().Info("seeded departments", zap.Int("count", len(depts)))
	return depts, nil
}

func (r Repo) SetDepartments(ctx context.Context, depts []domain.Department) error {
	if depts == nil {
		depts = []domain.Department{}
	}
	return r.write(ctx, KeyDepartments, depts)
}

func (r Repo) GetDepartment(ctx context.Context, id string) (domain.Department, error) {
	depts, err := r.Departments(ctx)
	if err != nil {
		return domain.Department{}, err
	}
	for _, d := range depts {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Department{}, ErrNotFound
}

func (r Repo) Tasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if _, err := r.read(ctx, KeyTasks, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r Repo) SetTasks(ctx context.Context, tasks []domain.Task) error {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return r.write(ctx, KeyTasks, tasks)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := r.Tasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, ErrNotFound
}

// Session returns the persisted session, or ErrNotFound when nobody is logged in.
func (r Repo) Session(ctx context.Context) (domain.Session, error) {
	var s domain.Session
	ok, err := r.read(ctx, KeySession, &s)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok || s.UserID == "" {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (r Repo) SetSession(ctx context.Context, s domain.Session) error {
	return r.write(ctx, KeySession, s)
}

func (r Repo) ClearSession(ctx context.Context) error {
	if err := r.Store.Delete(ctx, r.Key(KeySession)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Events returns the stored activity log, oldest first.
func (r Repo) Events(ctx context.Context) ([]domain.Event, error) {
	var evts []domain.Event
	if _, err := r.read(ctx, KeyEvents, &evts); err != nil {
		return nil, err
	}
	return evts, nil
}

func (r Repo) SetEvents(ctx context.Context, evts []domain.Event) error {
	if evts == nil {
		evts = []domain.Event{}
	}
	return r.write(ctx, KeyEvents, evts)
}

// EventFilters narrows LatestEvents. Empty fields match everything.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	// Before excludes events whose id is not lower than it.
	Before string
	Limit  int
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	evts, err := r.Events(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for i := len(evts) - 1; i >= 0; i-- {
		e := evts[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.EntityKind != "" && e.EntityKind != f.EntityKind {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Before != "" && e.ID >= f.Before {
			continue
		}
		res = append(res, e)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	evts, err := r.Events(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for _, e := range evts {
		if cursor != "" && e.ID <= cursor {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

// LatestEventID returns the id of the newest event, or "" when there are none.
func (r Repo) LatestEventID(ctx context.Context) (string, error) {
	evts, err := r.Events(ctx)
	if err != nil || len(evts) == 0 {
		return "", err
	}
	return evts[len(evts)-1].ID, nil
}
