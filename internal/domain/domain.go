package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleUser       Role = "USER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// Label is the human readable role name used by table output.
func (r Role) Label() string {
	switch r {
	case RoleSuperAdmin:
		return "Super Admin"
	case RoleAdmin:
		return "Admin"
	case RoleUser:
		return "User"
	}
	return string(r)
}

type UserStatus string

const (
	UserPending  UserStatus = "PENDING"
	UserApproved UserStatus = "APPROVED"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserPending, UserApproved:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskInProgress      TaskStatus = "IN_PROGRESS"
	TaskPendingApproval TaskStatus = "PENDING_APPROVAL"
	TaskCompleted       TaskStatus = "COMPLETED"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskPending, TaskInProgress, TaskPendingApproval, TaskCompleted}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskPendingApproval, TaskCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle step is expected.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted:
		return true
	case TaskPending, TaskInProgress, TaskPendingApproval:
		return false
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParseRole accepts any casing ("admin", "Super_Admin").
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.Valid()
}

// TimeLayout is the stored timestamp format: UTC with millisecond precision.
// Fixed-width fractions keep the strings sortable.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	DepartmentID string     `json:"department_id"`
	Role         Role       `json:"role" enum:"SUPER_ADMIN,ADMIN,USER"`
	Status       UserStatus `json:"status" enum:"PENDING,APPROVED"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
}

type AssignmentHistoryEntry struct {
	AssignedByID         string  `json:"assigned_by_id"`
	AssignedToID         *string `json:"assigned_to_id"`
	PreviousAssignedToID *string `json:"previous_assigned_to_id"`
	AssignedAt           string  `json:"assigned_at" format:"date-time"`
}

type Task struct {
	ID                    string                   `json:"id"`
	Title                 string                   `json:"title"`
	Description           string                   `json:"description"`
	Status                TaskStatus               `json:"status" enum:"PENDING,IN_PROGRESS,PENDING_APPROVAL,COMPLETED"`
	Priority              Priority                 `json:"priority" enum:"LOW,MEDIUM,HIGH"`
	DepartmentID          string                   `json:"department_id"`
	AssignedToID          *string                  `json:"assigned_to_id"`
	CreatedByID           string                   `json:"created_by_id"`
	CreatedAt             string                   `json:"created_at" format:"date-time"`
	UpdatedAt             string                   `json:"updated_at" format:"date-time"`
	CompletedRemark       string                   `json:"completed_remark,omitempty"`
	CompletionRequestedBy string                   `json:"completion_requested_by,omitempty"`
	AssignmentHistory     []AssignmentHistoryEntry `json:"assignment_history"`
}

// LastReassignerID returns who performed the most recent assignee change.
// The last entry is the highest index; timestamps are never compared.
func (t Task) LastReassignerID() string {
	if len(t.AssignmentHistory) == 0 {
		return ""
	}
	return t.AssignmentHistory[len(t.AssignmentHistory)-1].AssignedByID
}

// AssignedTo reports whether userID is the current assignee.
func (t Task) AssignedTo(userID string) bool {
	return t.AssignedToID != nil && userID != "" && *t.AssignedToID == userID
}

type Session struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Role         Role   `json:"role"`
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
}

// SessionFor projects a user into a session.
func SessionFor(u User) Session {
	return Session{
		UserID:       u.ID,
		Email:        u.Email,
		Role:         u.Role,
		DepartmentID: u.DepartmentID,
		Name:         u.Name,
	}
}

type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
