package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"taskdesk/internal/app"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/identity"
)

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in by email",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sess, err := a.Identity.Login(ctx, email, password)
				if err != nil {
					return userError(err)
				}
				return printSession(cmd.OutOrStdout(), sess)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "password (accepted, not verified)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Identity.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func signupCmd() *cobra.Command {
	var req identity.SignupRequest
	var role string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Request an account (pending until approved)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role, _ = domain.ParseRole(role)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Identity.Signup(ctx, req)
				if err != nil {
					return userError(err)
				}
				return printUsers(cmd.OutOrStdout(), []domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "full name")
	cmd.Flags().StringVar(&req.Email, "email", "", "email")
	cmd.Flags().StringVar(&req.DepartmentID, "dept", "", "department id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "ADMIN or USER")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("dept")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				return printSession(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Own profile"}
	var name, email string
	update := &cobra.Command{
		Use:   "update",
		Short: "Change your name or email",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var sess *domain.Session
				if cur, err := a.Identity.CurrentSession(ctx); err == nil {
					sess = &cur
				}
				out, err := a.Identity.UpdateProfile(ctx, sess, identity.ProfileUpdate{
					Name:  changedString(cmd, "name", name),
					Email: changedString(cmd, "email", email),
				})
				if err != nil {
					return userError(err)
				}
				return printSession(cmd.OutOrStdout(), out)
			})
		},
	}
	update.Flags().StringVar(&name, "name", "", "new name")
	update.Flags().StringVar(&email, "email", "", "new email")
	cmd.AddCommand(update)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users (super admin)"}
	cmd.AddCommand(userListCmd("list", "All users", func(ctx context.Context, a *app.App) ([]domain.User, error) {
		return a.Identity.Users(ctx)
	}))
	cmd.AddCommand(userListCmd("pending", "Users awaiting approval", func(ctx context.Context, a *app.App) ([]domain.User, error) {
		return a.Identity.PendingUsers(ctx)
	}))
	cmd.AddCommand(userApproveCmd())
	cmd.AddCommand(userSetCmd())
	return cmd
}

func userListCmd(use, short string, fetch func(context.Context, *app.App) ([]domain.User, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				if err := auth.RequireSuperAdmin(sess, "manage users"); err != nil {
					return err
				}
				users, err := fetch(ctx, a)
				if err != nil {
					return err
				}
				return printUsers(cmd.OutOrStdout(), users)
			})
		},
	}
}

func userApproveCmd() *cobra.Command {
	var role, dept string
	cmd := &cobra.Command{
		Use:   "approve <user-id>",
		Short: "Approve a pending user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				if err := auth.RequireSuperAdmin(sess, "approve users"); err != nil {
					return err
				}
				u, err := a.Identity.ApproveUser(ctx, sess.UserID, args[0], identity.ApproveOptions{
					Role:         roleFlag(role),
					DepartmentID: optionalString(dept),
				})
				if err != nil {
					return userError(err)
				}
				return printUsers(cmd.OutOrStdout(), []domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "override the requested role")
	cmd.Flags().StringVar(&dept, "dept", "", "override the requested department")
	return cmd
}

func userSetCmd() *cobra.Command {
	var role, dept string
	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Change a user's department or role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				if err := auth.RequireSuperAdmin(sess, "manage users"); err != nil {
					return err
				}
				u, err := a.Identity.UpdateUserDepartmentRole(ctx, sess.UserID, args[0], identity.DepartmentRoleUpdate{
					DepartmentID: optionalString(dept),
					Role:         roleFlag(role),
				})
				if err != nil {
					return userError(err)
				}
				return printUsers(cmd.OutOrStdout(), []domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "new role")
	cmd.Flags().StringVar(&dept, "dept", "", "new department")
	return cmd
}

func deptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dept", Short: "Departments"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				depts, err := a.Repo.Departments(ctx)
				if err != nil {
					return err
				}
				return printDepartments(cmd.OutOrStdout(), depts)
			})
		},
	})
	return cmd
}

func teamCmd() *cobra.Command {
	var dept string
	var assignable bool
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Approved members of your department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, sess domain.Session) error {
				if dept == "" {
					dept = sess.DepartmentID
				}
				if dept != sess.DepartmentID {
					if err := auth.RequireSuperAdmin(sess, "view department "+dept); err != nil {
						return err
					}
				}
				list := a.Engine.DepartmentMembers
				if assignable {
					list = a.Engine.AssignableUsers
				}
				users, err := list(ctx, dept)
				if err != nil {
					return err
				}
				return printUsers(cmd.OutOrStdout(), users)
			})
		},
	}
	cmd.Flags().StringVar(&dept, "dept", "", "department id (super admin only for other departments)")
	cmd.Flags().BoolVar(&assignable, "assignable", false, "only users tasks can be assigned to")
	return cmd
}

func roleFlag(s string) *domain.Role {
	if s == "" {
		return nil
	}
	r, _ := domain.ParseRole(s)
	return &r
}

// userError swaps identity sentinels for their user-facing text.
func userError(err error) error {
	if err == nil {
		return nil
	}
	msg := identity.UserMessage(err)
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s (%w)", msg, err)
}
