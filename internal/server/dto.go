package server

import (
	"taskdesk/internal/domain"
	"taskdesk/internal/stats"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email" minLength:"1"`
	Password string `json:"password,omitempty"`
}

type SignupRequest struct {
	Name         string `json:"name" minLength:"1"`
	Email        string `json:"email" minLength:"1"`
	DepartmentID string `json:"department_id" minLength:"1"`
	Role         string `json:"role" enum:"ADMIN,USER"`
}

type ProfileUpdateRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

type ApproveUserRequest struct {
	Role         *string `json:"role,omitempty" enum:"SUPER_ADMIN,ADMIN,USER"`
	DepartmentID *string `json:"department_id,omitempty"`
}

type UpdateUserRequest struct {
	Role         *string `json:"role,omitempty" enum:"SUPER_ADMIN,ADMIN,USER"`
	DepartmentID *string `json:"department_id,omitempty"`
}

type CreateTaskRequest struct {
	Title        string  `json:"title" minLength:"1"`
	Description  *string `json:"description,omitempty"`
	Priority     *string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH"`
	DepartmentID *string `json:"department_id,omitempty"`
	AssignedToID *string `json:"assigned_to_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Priority     *string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH"`
	AssignedToID *string `json:"assigned_to_id,omitempty" doc:"Empty string unassigns the task"`
}

type ForwardTaskRequest struct {
	AssignedToID string `json:"assigned_to_id" minLength:"1"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	Remark string `json:"remark,omitempty"`
}

type CompleteTaskRequest struct {
	Remark string `json:"remark,omitempty"`
}

// Responses

type LoginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt string         `json:"expires_at" format:"date-time"`
	Session   domain.Session `json:"session"`
}

type TaskResponse struct {
	domain.Task
	NeedsApproval bool `json:"needs_approval"`
	CanEdit       bool `json:"can_edit"`
	CanForward    bool `json:"can_forward"`
	CanApprove    bool `json:"can_approve"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type BreakdownResponse struct {
	Total int                   `json:"total"`
	Items []stats.BreakdownItem `json:"items"`
}

type ProductivityResponse struct {
	Period string       `json:"period"`
	Points []stats.Point `json:"points"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
