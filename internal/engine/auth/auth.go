// Package auth holds the role-scoped task policy. Predicates are pure and
// never touch storage; callers that need an error use the Require helpers.
package auth

import (
	"fmt"

	"taskdesk/internal/domain"
)

// ForbiddenError indicates the session may not perform Action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// CanEditTask: super admins everywhere, admins inside their department.
func CanEditTask(s domain.Session, t domain.Task) bool {
	switch s.Role {
	case domain.RoleSuperAdmin:
		return true
	case domain.RoleAdmin:
		return s.DepartmentID == t.DepartmentID
	case domain.RoleUser:
		return false
	}
	return false
}

// CanForwardTask extends CanEditTask to the current assignee.
func CanForwardTask(s domain.Session, t domain.Task) bool {
	switch s.Role {
	case domain.RoleSuperAdmin:
		return true
	case domain.RoleAdmin:
		return s.DepartmentID == t.DepartmentID
	case domain.RoleUser:
		return t.AssignedTo(s.UserID)
	}
	return false
}

// CanApproveTaskCompletion is granted only to whoever last reassigned the
// task, and only while it awaits approval. Role is irrelevant.
func CanApproveTaskCompletion(s domain.Session, t domain.Task) bool {
	if t.Status != domain.TaskPendingApproval {
		return false
	}
	last := t.LastReassignerID()
	return last != "" && last == s.UserID
}

func CanViewTask(s domain.Session, t domain.Task) bool {
	switch s.Role {
	case domain.RoleSuperAdmin:
		return true
	case domain.RoleAdmin:
		return s.DepartmentID == t.DepartmentID
	case domain.RoleUser:
		if t.AssignedTo(s.UserID) {
			return true
		}
		return CanApproveTaskCompletion(s, t)
	}
	return false
}

// VisibleTasks filters tasks down to the ones the session can see, keeping order.
func VisibleTasks(s domain.Session, tasks []domain.Task) []domain.Task {
	res := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if CanViewTask(s, t) {
			res = append(res, t)
		}
	}
	return res
}

// CanCompleteTask: the assignee or an editor, provided the task is visible.
func CanCompleteTask(s domain.Session, t domain.Task) bool {
	if !CanViewTask(s, t) {
		return false
	}
	return t.AssignedTo(s.UserID) || CanEditTask(s, t)
}

// CanCreateTask lets every role create tasks; only super admins may target
// another department.
func CanCreateTask(s domain.Session, departmentID string) bool {
	switch s.Role {
	case domain.RoleSuperAdmin:
		return true
	case domain.RoleAdmin, domain.RoleUser:
		return departmentID == "" || departmentID == s.DepartmentID
	}
	return false
}

func RequireSuperAdmin(s domain.Session, action string) error {
	if s.Role != domain.RoleSuperAdmin {
		return ForbiddenError{Action: action}
	}
	return nil
}

// Require turns a predicate result into a ForbiddenError.
func Require(ok bool, action string) error {
	if !ok {
		return ForbiddenError{Action: action}
	}
	return nil
}
