// Package identity manages users and the logged-in session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/events"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
)

// The messages double as the user-facing text.
var (
	ErrUserNotFound           = errors.New("User not found")
	ErrAccountPending         = errors.New("Account pending approval")
	ErrEmailAlreadyRegistered = errors.New("Email already registered")
	ErrNotLoggedIn            = errors.New("Not logged in")
	ErrEmailInUse             = errors.New("Email already in use")
	ErrInvalidRole            = errors.New("Invalid role")
	ErrInvalidInput           = errors.New("Invalid input")
)

var userErrors = []error{
	ErrUserNotFound,
	ErrAccountPending,
	ErrEmailAlreadyRegistered,
	ErrNotLoggedIn,
	ErrEmailInUse,
	ErrInvalidRole,
	ErrInvalidInput,
}

// UserMessage returns the short text shown to a user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "Something went wrong"
}

// Result is the {ok, error} shape returned to form-style callers.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func ResultOf(err error) Result {
	if err != nil {
		return Result{OK: false, Error: UserMessage(err)}
	}
	return Result{OK: true}
}

type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
	// PersistSession stores the session on Login and refreshes it when the
	// logged-in user changes. Stateless callers leave it off.
	PersistSession bool
}

func New(r repo.Repo, logger *zap.Logger) Service {
	return Service{
		Repo:   r,
		Events: events.Writer{Repo: r},
		Logger: logger,
		Now:    time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s Service) newUserID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return "u-" + uuid.NewString()
}

// appendEvent runs after the change is saved. A failed append is logged and
// counted without failing the operation.
func (s Service) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	s.Events.Now = s.Now
	if _, err := s.Events.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		metrics.ObserveEventWriteFailure(entityKind)
		s.logger().Error("append event failed", zap.String("type", evtType), zap.String("entity_id", entityID), zap.Error(err))
	}
}

// Login matches email case-insensitively. The password is accepted and
// never checked.
func (s Service) Login(ctx context.Context, email, _ string) (sess domain.Session, err error) {
	defer func() { metrics.ObserveIdentity("login", err) }()
	u, err := s.Repo.FindUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, ErrUserNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	if u.Status != domain.UserApproved {
		return domain.Session{}, ErrAccountPending
	}
	sess = domain.SessionFor(u)
	if s.PersistSession {
		if err := s.Repo.SetSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
	}
	s.appendEvent(ctx, events.SessionLogin, "user", u.ID, u.ID, nil)
	s.logger().Info("user logged in", zap.String("user_id", u.ID))
	return sess, nil
}

func (s Service) Logout(ctx context.Context) error {
	sess, err := s.Repo.Session(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.Repo.ClearSession(ctx); err != nil {
		return err
	}
	s.appendEvent(ctx, events.SessionLogout, "user", sess.UserID, sess.UserID, nil)
	return nil
}

// CurrentSession returns the persisted session or ErrNotLoggedIn.
func (s Service) CurrentSession(ctx context.Context) (domain.Session, error) {
	sess, err := s.Repo.Session(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, ErrNotLoggedIn
	}
	return sess, err
}

// SessionForUser re-projects a session from the stored user. Pending users
// have no session.
func (s Service) SessionForUser(ctx context.Context, userID string) (domain.Session, error) {
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return domain.Session{}, err
	}
	if u.Status != domain.UserApproved {
		return domain.Session{}, ErrAccountPending
	}
	return domain.SessionFor(u), nil
}

type SignupRequest struct {
	Name         string
	Email        string
	DepartmentID string
	Role         domain.Role
}

// Signup registers a PENDING user. It does not log in.
func (s Service) Signup(ctx context.Context, req SignupRequest) (u domain.User, err error) {
	defer func() { metrics.ObserveIdentity("signup", err) }()
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" {
		return domain.User{}, fmt.Errorf("%w: name and email are required", ErrInvalidInput)
	}
	switch req.Role {
	case domain.RoleAdmin, domain.RoleUser:
	case domain.RoleSuperAdmin:
		return domain.User{}, fmt.Errorf("%w: %s cannot self-register", ErrInvalidRole, req.Role)
	default:
		return domain.User{}, fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}
	if err := s.requireDepartment(ctx, req.DepartmentID); err != nil {
		return domain.User{}, err
	}
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if findByEmail(users, req.Email, "") >= 0 {
		return domain.User{}, ErrEmailAlreadyRegistered
	}
	u = domain.User{
		ID:           s.newUserID(),
		Name:         req.Name,
		Email:        req.Email,
		DepartmentID: req.DepartmentID,
		Role:         req.Role,
		Status:       domain.UserPending,
		CreatedAt:    domain.FormatTime(s.now()),
	}
	users = append(users, u)
	if err := s.Repo.SetUsers(ctx, users); err != nil {
		return domain.User{}, err
	}
	metrics.SetPendingUsers(countPending(users))
	s.appendEvent(ctx, events.UserSignedUp, "user", u.ID, u.ID, events.EventPayload{
		"role":          u.Role,
		"department_id": u.DepartmentID,
	})
	return u, nil
}

type ProfileUpdate struct {
	Name  *string
	Email *string
}

// UpdateProfile edits the session user's own name and email and returns the
// refreshed session.
func (s Service) UpdateProfile(ctx context.Context, sess *domain.Session, upd ProfileUpdate) (out domain.Session, err error) {
	defer func() { metrics.ObserveIdentity("update_profile", err) }()
	if sess == nil || sess.UserID == "" {
		return domain.Session{}, ErrNotLoggedIn
	}
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	idx := findByID(users, sess.UserID)
	if idx < 0 {
		return domain.Session{}, ErrUserNotFound
	}
	u := users[idx]
	if upd.Email != nil {
		email := strings.TrimSpace(*upd.Email)
		if email == "" {
			return domain.Session{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
		}
		if findByEmail(users, email, u.ID) >= 0 {
			return domain.Session{}, ErrEmailInUse
		}
		u.Email = email
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return domain.Session{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		u.Name = name
	}
	users[idx] = u
	if err := s.Repo.SetUsers(ctx, users); err != nil {
		return domain.Session{}, err
	}
	out = *sess
	out.Name = u.Name
	out.Email = u.Email
	if err := s.refreshSession(ctx, u); err != nil {
		return out, err
	}
	s.appendEvent(ctx, events.ProfileUpdated, "user", u.ID, u.ID, events.EventPayload{
		"name":  u.Name,
		"email": u.Email,
	})
	return out, nil
}

// ApproveOptions override the requested role or department at approval time.
type ApproveOptions struct {
	Role         *domain.Role
	DepartmentID *string
}

func (s Service) ApproveUser(ctx context.Context, actorID, userID string, opts ApproveOptions) (u domain.User, err error) {
	defer func() { metrics.ObserveIdentity("approve_user", err) }()
	u, err = s.mutateUser(ctx, userID, func(u *domain.User) error {
		if err := s.applyOverrides(ctx, u, opts.Role, opts.DepartmentID); err != nil {
			return err
		}
		u.Status = domain.UserApproved
		return nil
	})
	if err != nil {
		return u, err
	}
	s.appendEvent(ctx, events.UserApproved, "user", u.ID, actorID, events.EventPayload{
		"role":          u.Role,
		"department_id": u.DepartmentID,
	})
	s.logger().Info("user approved", zap.String("user_id", u.ID), zap.String("by", actorID))
	return u, nil
}

type DepartmentRoleUpdate struct {
	DepartmentID *string
	Role         *domain.Role
}

// UpdateUserDepartmentRole changes any user's department or role regardless
// of approval state.
func (s Service) UpdateUserDepartmentRole(ctx context.Context, actorID, userID string, upd DepartmentRoleUpdate) (u domain.User, err error) {
	defer func() { metrics.ObserveIdentity("update_user", err) }()
	u, err = s.mutateUser(ctx, userID, func(u *domain.User) error {
		return s.applyOverrides(ctx, u, upd.Role, upd.DepartmentID)
	})
	if err != nil {
		return u, err
	}
	s.appendEvent(ctx, events.UserUpdated, "user", u.ID, actorID, events.EventPayload{
		"role":          u.Role,
		"department_id": u.DepartmentID,
	})
	return u, nil
}

func (s Service) applyOverrides(ctx context.Context, u *domain.User, role *domain.Role, departmentID *string) error {
	if role != nil {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, *role)
		}
		u.Role = *role
	}
	if departmentID != nil {
		if err := s.requireDepartment(ctx, *departmentID); err != nil {
			return err
		}
		u.DepartmentID = *departmentID
	}
	return nil
}

func (s Service) mutateUser(ctx context.Context, userID string, fn func(*domain.User) error) (domain.User, error) {
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return domain.User{}, err
	}
	idx := findByID(users, userID)
	if idx < 0 {
		return domain.User{}, ErrUserNotFound
	}
	u := users[idx]
	if err := fn(&u); err != nil {
		return users[idx], err
	}
	users[idx] = u
	if err := s.Repo.SetUsers(ctx, users); err != nil {
		return domain.User{}, err
	}
	metrics.SetPendingUsers(countPending(users))
	if err := s.refreshSession(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// refreshSession keeps the persisted session in step with its user.
func (s Service) refreshSession(ctx context.Context, u domain.User) error {
	sess, err := s.Repo.Session(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.UserID != u.ID {
		return nil
	}
	return s.Repo.SetSession(ctx, domain.SessionFor(u))
}

func (s Service) requireDepartment(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: department is required", ErrInvalidInput)
	}
	if _, err := s.Repo.GetDepartment(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: unknown department %s", ErrInvalidInput, id)
		}
		return err
	}
	return nil
}

func (s Service) Users(ctx context.Context) ([]domain.User, error) {
	return s.Repo.Users(ctx)
}

func (s Service) PendingUsers(ctx context.Context) ([]domain.User, error) {
	return s.usersWithStatus(ctx, domain.UserPending)
}

func (s Service) ApprovedUsers(ctx context.Context) ([]domain.User, error) {
	return s.usersWithStatus(ctx, domain.UserApproved)
}

func (s Service) usersWithStatus(ctx context.Context, status domain.UserStatus) ([]domain.User, error) {
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return nil, err
	}
	res := []domain.User{}
	for _, u := range users {
		if u.Status == status {
			res = append(res, u)
		}
	}
	return res, nil
}

func (s Service) UserByID(ctx context.Context, id string) (domain.User, error) {
	u, err := s.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	return u, err
}

// SuperAdminSeed describes the account created when no super admin exists.
type SuperAdminSeed struct {
	ID           string
	Name         string
	Email        string
	DepartmentID string
}

func DefaultSuperAdmin() SuperAdminSeed {
	return SuperAdminSeed{
		ID:           "sa-1",
		Name:         "Super Admin",
		Email:        "superadmin@tms.demo",
		DepartmentID: repo.DefaultDepartments[0].ID,
	}
}

// SeedSuperAdmin adds an approved super admin unless one exists. It reports
// whether a user was created.
func (s Service) SeedSuperAdmin(ctx context.Context, seed SuperAdminSeed) (bool, error) {
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Role == domain.RoleSuperAdmin {
			return false, nil
		}
	}
	def := DefaultSuperAdmin()
	if seed.ID == "" {
		seed.ID = def.ID
	}
	if seed.Name == "" {
		seed.Name = def.Name
	}
	if seed.Email == "" {
		seed.Email = def.Email
	}
	if seed.DepartmentID == "" {
		depts, err := s.Repo.Departments(ctx)
		if err != nil {
			return false, err
		}
		seed.DepartmentID = def.DepartmentID
		if len(depts) > 0 {
			seed.DepartmentID = depts[0].ID
		}
	}
	u := domain.User{
		ID:           seed.ID,
		Name:         seed.Name,
		Email:        seed.Email,
		DepartmentID: seed.DepartmentID,
		Role:         domain.RoleSuperAdmin,
		Status:       domain.UserApproved,
		CreatedAt:    domain.FormatTime(s.now()),
	}
	if err := s.Repo.SetUsers(ctx, append(users, u)); err != nil {
		return false, err
	}
	s.logger().Info("seeded super admin", zap.String("user_id", u.ID), zap.String("email", u.Email))
	return true, nil
}

func findByID(users []domain.User, id string) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

// findByEmail matches case-insensitively, skipping the user with id except.
func findByEmail(users []domain.User, email, except string) int {
	want := strings.ToLower(strings.TrimSpace(email))
	for i := range users {
		if users[i].ID != except && strings.ToLower(users[i].Email) == want {
			return i
		}
	}
	return -1
}

func countPending(users []domain.User) int {
	n := 0
	for _, u := range users {
		if u.Status == domain.UserPending {
			n++
		}
	}
	return n
}
