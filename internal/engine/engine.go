package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
)

var (
	// ErrInvalidTransition is returned when the task's status does not allow
	// the requested step. The task is left unchanged.
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidInput      = errors.New("invalid input")
)

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(r repo.Repo, logger *zap.Logger) Engine {
	return Engine{
		Repo:   r,
		Events: events.Writer{Repo: r},
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) newTaskID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return "task-" + uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// appendEvent records evtType for a task whose change is already saved. The
// store has no transactions, so a failed append is logged and counted but
// does not fail the mutation.
func (e Engine) appendEvent(ctx context.Context, evtType, taskID, actorID string, payload events.EventPayload) {
	e.Events.Now = e.Now
	if _, err := e.Events.Append(ctx, evtType, "task", taskID, actorID, payload); err != nil {
		metrics.ObserveEventWriteFailure("task")
		e.logger().Error("append event failed", zap.String("type", evtType), zap.String("task_id", taskID), zap.Error(err))
	}
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title        string
	Description  string
	Priority     domain.Priority
	DepartmentID string
	// AssignedToID is empty for an unassigned task.
	AssignedToID string
	CreatedByID  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if opts.DepartmentID == "" {
		return domain.Task{}, fmt.Errorf("%w: department is required", ErrInvalidInput)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("%w: priority %q", ErrInvalidInput, opts.Priority)
	}
	tasks, err := e.Repo.Tasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		ID:                e.newTaskID(),
		Title:             opts.Title,
		Description:       opts.Description,
		Status:            domain.TaskPending,
		Priority:          opts.Priority,
		DepartmentID:      opts.DepartmentID,
		CreatedByID:       opts.CreatedByID,
		CreatedAt:         now,
		UpdatedAt:         now,
		AssignmentHistory: []domain.AssignmentHistoryEntry{},
	}
	if opts.AssignedToID != "" {
		assignee := opts.AssignedToID
		t.AssignedToID = &assignee
		t.AssignmentHistory = append(t.AssignmentHistory, domain.AssignmentHistoryEntry{
			AssignedByID: opts.CreatedByID,
			AssignedToID: optionalString(assignee),
			AssignedAt:   now,
		})
	}
	if err := e.Repo.SetTasks(ctx, append(tasks, t)); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent(ctx, events.TaskCreated, t.ID, opts.CreatedByID, events.EventPayload{
		"title":         t.Title,
		"status":        t.Status,
		"department_id": t.DepartmentID,
		"assigned_to":   opts.AssignedToID,
	})
	metrics.ObserveTaskTransition("create", string(t.Status))
	e.logger().Debug("task created", zap.String("task_id", t.ID), zap.String("created_by", opts.CreatedByID))
	return t, nil
}

// TaskUpdate is a partial update; nil fields are left untouched.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *domain.TaskStatus
	Priority    *domain.Priority
	// AssignedToID set to "" unassigns the task.
	AssignedToID    *string
	CompletedRemark *string
}

// UpdateOptions carries who performed an update. An assignee change is only
// recorded in the history when PerformedByUserID is set.
type UpdateOptions struct {
	PerformedByUserID string
}

func (e Engine) UpdateTask(ctx context.Context, id string, upd TaskUpdate, opts UpdateOptions) (domain.Task, error) {
	tasks, err := e.Repo.Tasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	idx := indexOf(tasks, id)
	if idx < 0 {
		return domain.Task{}, repo.ErrNotFound
	}
	original := tasks[idx]
	t := original
	t.AssignmentHistory = append([]domain.AssignmentHistoryEntry(nil), original.AssignmentHistory...)

	if upd.Status != nil && *upd.Status != t.Status {
		if !upd.Status.Valid() {
			return original, fmt.Errorf("%w: status %q", ErrInvalidInput, *upd.Status)
		}
		if *upd.Status == domain.TaskPendingApproval {
			return original, fmt.Errorf("%w: %s can only be reached through a completion request", ErrInvalidTransition, domain.TaskPendingApproval)
		}
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return original, fmt.Errorf("%w: priority %q", ErrInvalidInput, *upd.Priority)
	}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return original, fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
		t.Title = title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.CompletedRemark != nil {
		t.CompletedRemark = *upd.CompletedRemark
	}
	if upd.Status != nil {
		if t.Status == domain.TaskPendingApproval && *upd.Status != domain.TaskPendingApproval {
			t.CompletionRequestedBy = ""
		}
		t.Status = *upd.Status
	}

	now := e.timestamp()
	reassigned := false
	if upd.AssignedToID != nil {
		next := optionalString(*upd.AssignedToID)
		if !sameAssignee(next, original.AssignedToID) {
			if opts.PerformedByUserID != "" {
				t.AssignmentHistory = append(t.AssignmentHistory, domain.AssignmentHistoryEntry{
					AssignedByID:         opts.PerformedByUserID,
					AssignedToID:         copyString(next),
					PreviousAssignedToID: copyString(original.AssignedToID),
					AssignedAt:           now,
				})
			}
			reassigned = true
		}
		t.AssignedToID = next
	}
	t.UpdatedAt = now
	tasks[idx] = t
	if err := e.Repo.SetTasks(ctx, tasks); err != nil {
		return original, err
	}

	if reassigned {
		e.appendEvent(ctx, events.TaskAssigned, t.ID, opts.PerformedByUserID, events.EventPayload{
			"from": derefString(original.AssignedToID),
			"to":   derefString(t.AssignedToID),
		})
	}
	e.appendEvent(ctx, events.TaskUpdated, t.ID, opts.PerformedByUserID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	})
	metrics.ObserveTaskTransition("update", string(t.Status))
	return t, nil
}

// LastReassignerUserID returns who made the latest assignee change, or "".
func (e Engine) LastReassignerUserID(t domain.Task) string {
	return t.LastReassignerID()
}

// NeedsCompletionApproval reports whether completing t must first be
// confirmed by its last reassigner. Only USER reassigners impose approval.
func (e Engine) NeedsCompletionApproval(ctx context.Context, t domain.Task) (bool, error) {
	last := t.LastReassignerID()
	if last == "" {
		return false, nil
	}
	u, err := e.Repo.GetUser(ctx, last)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == domain.RoleUser, nil
}

// RequestTaskCompletion either completes the task or parks it in
// PENDING_APPROVAL for its last reassigner. An empty remark keeps the
// previous one.
func (e Engine) RequestTaskCompletion(ctx context.Context, id, completedByUserID, remark string) (domain.Task, error) {
	tasks, err := e.Repo.Tasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	idx := indexOf(tasks, id)
	if idx < 0 {
		return domain.Task{}, repo.ErrNotFound
	}
	original := tasks[idx]
	needsApproval, err := e.NeedsCompletionApproval(ctx, original)
	if err != nil {
		return original, err
	}
	t := original
	if remark != "" {
		t.CompletedRemark = remark
	}
	if needsApproval {
		t.Status = domain.TaskPendingApproval
		t.CompletionRequestedBy = completedByUserID
	} else {
		t.Status = domain.TaskCompleted
		t.CompletionRequestedBy = ""
	}
	t.UpdatedAt = e.timestamp()
	tasks[idx] = t
	if err := e.Repo.SetTasks(ctx, tasks); err != nil {
		return original, err
	}

	evtType := events.TaskCompleted
	if needsApproval {
		evtType = events.TaskCompletionRequested
	}
	e.appendEvent(ctx, evtType, t.ID, completedByUserID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
		"approver":    t.LastReassignerID(),
		"remark":      t.CompletedRemark,
	})
	metrics.ObserveTaskTransition("complete", string(t.Status))
	return t, nil
}

// ApproveTaskCompletion moves a PENDING_APPROVAL task to COMPLETED.
func (e Engine) ApproveTaskCompletion(ctx context.Context, id string) (domain.Task, error) {
	return e.approve(ctx, id, "")
}

func (e Engine) approve(ctx context.Context, id, actorID string) (domain.Task, error) {
	tasks, err := e.Repo.Tasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	idx := indexOf(tasks, id)
	if idx < 0 {
		return domain.Task{}, repo.ErrNotFound
	}
	t := tasks[idx]
	if t.Status != domain.TaskPendingApproval {
		return t, fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, t.ID, t.Status, domain.TaskPendingApproval)
	}
	requestedBy := t.CompletionRequestedBy
	t.Status = domain.TaskCompleted
	t.CompletionRequestedBy = ""
	t.UpdatedAt = e.timestamp()
	tasks[idx] = t
	if err := e.Repo.SetTasks(ctx, tasks); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent(ctx, events.TaskCompletionApproved, t.ID, actorID, events.EventPayload{
		"requested_by": requestedBy,
	})
	metrics.ObserveTaskTransition("approve", string(t.Status))
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// TasksForSession returns the tasks visible to s, most recently updated first.
// Equal timestamps keep the later stored task first.
func (e Engine) TasksForSession(ctx context.Context, s domain.Session) ([]domain.Task, error) {
	tasks, err := e.Repo.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	visible := auth.VisibleTasks(s, tasks)
	slices.Reverse(visible)
	sort.SliceStable(visible, func(i, j int) bool {
		return parseTS(visible[i].UpdatedAt).After(parseTS(visible[j].UpdatedAt))
	})
	return visible, nil
}

// TaskFor returns the task when s can see it. Invisible tasks report ErrNotFound.
func (e Engine) TaskFor(ctx context.Context, s domain.Session, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if !auth.CanViewTask(s, t) {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

// CreateTaskAs creates a task on behalf of s. The department defaults to the
// session's own and the assignee, when given, must be an approved user.
func (e Engine) CreateTaskAs(ctx context.Context, s domain.Session, opts TaskCreateOptions) (domain.Task, error) {
	if opts.DepartmentID == "" {
		opts.DepartmentID = s.DepartmentID
	}
	if err := auth.Require(auth.CanCreateTask(s, opts.DepartmentID), "create tasks in department "+opts.DepartmentID); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetDepartment(ctx, opts.DepartmentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("%w: unknown department %s", ErrInvalidInput, opts.DepartmentID)
		}
		return domain.Task{}, err
	}
	if opts.AssignedToID != "" {
		if err := e.requireApprovedUser(ctx, opts.AssignedToID); err != nil {
			return domain.Task{}, err
		}
	}
	opts.CreatedByID = s.UserID
	return e.CreateTask(ctx, opts)
}

// EditTask applies an edit-form update. Assignee changes are attributed to s.
func (e Engine) EditTask(ctx context.Context, s domain.Session, id string, upd TaskUpdate) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := auth.Require(auth.CanEditTask(s, t), "edit task "+id); err != nil {
		return t, err
	}
	if upd.AssignedToID != nil && *upd.AssignedToID != "" && !t.AssignedTo(*upd.AssignedToID) {
		if err := e.requireApprovedUser(ctx, *upd.AssignedToID); err != nil {
			return t, err
		}
	}
	return e.UpdateTask(ctx, id, upd, UpdateOptions{PerformedByUserID: s.UserID})
}

// ForwardTask hands the task to another approved USER, recording s as the
// reassigner. ADMIN and SUPER_ADMIN accounts are never forward targets.
func (e Engine) ForwardTask(ctx context.Context, s domain.Session, id, assigneeID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := auth.Require(auth.CanForwardTask(s, t), "forward task "+id); err != nil {
		return t, err
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	if assigneeID == "" {
		return t, fmt.Errorf("%w: assignee is required", ErrInvalidInput)
	}
	if err := e.requireApprovedUser(ctx, assigneeID, domain.RoleUser); err != nil {
		return t, err
	}
	return e.UpdateTask(ctx, id, TaskUpdate{AssignedToID: &assigneeID}, UpdateOptions{PerformedByUserID: s.UserID})
}

// SetTaskStatus is the status picker. COMPLETED goes through the completion
// request so approval rules still apply.
func (e Engine) SetTaskStatus(ctx context.Context, s domain.Session, id string, status domain.TaskStatus, remark string) (domain.Task, error) {
	if status == domain.TaskCompleted {
		return e.CompleteTask(ctx, s, id, remark)
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := auth.Require(auth.CanCompleteTask(s, t), "change status of task "+id); err != nil {
		return t, err
	}
	upd := TaskUpdate{Status: &status}
	if remark != "" {
		upd.CompletedRemark = &remark
	}
	return e.UpdateTask(ctx, id, upd, UpdateOptions{PerformedByUserID: s.UserID})
}

// CompleteTask requests completion on behalf of s. Completed tasks are rejected.
func (e Engine) CompleteTask(ctx context.Context, s domain.Session, id, remark string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := auth.Require(auth.CanCompleteTask(s, t), "complete task "+id); err != nil {
		return t, err
	}
	if t.Status == domain.TaskCompleted {
		return t, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, t.ID, t.Status)
	}
	return e.RequestTaskCompletion(ctx, id, s.UserID, strings.TrimSpace(remark))
}

// ApproveCompletion approves on behalf of s, who must be the last reassigner.
func (e Engine) ApproveCompletion(ctx context.Context, s domain.Session, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPendingApproval {
		return t, fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, t.ID, t.Status, domain.TaskPendingApproval)
	}
	if err := auth.Require(auth.CanApproveTaskCompletion(s, t), "approve completion of task "+id); err != nil {
		return t, err
	}
	return e.approve(ctx, id, s.UserID)
}

// AssignableUsers lists approved USER-role members of a department, the
// candidates offered when assigning or forwarding.
func (e Engine) AssignableUsers(ctx context.Context, departmentID string) ([]domain.User, error) {
	return e.members(ctx, departmentID, func(u domain.User) bool { return u.Role == domain.RoleUser })
}

// DepartmentMembers lists approved members of any role.
func (e Engine) DepartmentMembers(ctx context.Context, departmentID string) ([]domain.User, error) {
	return e.members(ctx, departmentID, func(domain.User) bool { return true })
}

func (e Engine) members(ctx context.Context, departmentID string, keep func(domain.User) bool) ([]domain.User, error) {
	users, err := e.Repo.Users(ctx)
	if err != nil {
		return nil, err
	}
	res := []domain.User{}
	for _, u := range users {
		if u.Status != domain.UserApproved || (departmentID != "" && u.DepartmentID != departmentID) {
			continue
		}
		if keep(u) {
			res = append(res, u)
		}
	}
	return res, nil
}

// requireApprovedUser checks that id names an approved user, holding one of
// roles when any are given.
func (e Engine) requireApprovedUser(ctx context.Context, id string, roles ...domain.Role) error {
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: unknown user %s", ErrInvalidInput, id)
	}
	if err != nil {
		return err
	}
	if u.Status != domain.UserApproved {
		return fmt.Errorf("%w: user %s is not approved", ErrInvalidInput, id)
	}
	if len(roles) > 0 && !slices.Contains(roles, u.Role) {
		return fmt.Errorf("%w: user %s has role %s", ErrInvalidInput, id, u.Role)
	}
	return nil
}

func indexOf(tasks []domain.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func parseTS(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
