package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/app"
	"taskdesk/internal/config"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/identity"
	"taskdesk/internal/metrics"
)

func TestOpenSeedsSQLiteWorkspace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := app.Open(ctx, config.Default(), dir, nil)
	require.NoError(t, err)

	depts, err := a.Repo.Departments(ctx)
	require.NoError(t, err)
	assert.Len(t, depts, 5)
	sa, err := a.Identity.UserByID(ctx, "sa-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSuperAdmin, sa.Role)
	require.NoError(t, a.Close())

	// reopening does not seed a second super admin
	a, err = app.Open(ctx, config.Default(), dir, nil)
	require.NoError(t, err)
	defer a.Close()
	users, err := a.Identity.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestConfiguredSeedAndPrefix(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.FromYAML([]byte(`storage:
  driver: memory
  key_prefix: "acme:"
seed:
  departments:
    - { id: d-ops, name: Ops }
  super_admin:
    id: root
    email: root@acme.test
    department_id: d-ops
`))
	require.NoError(t, err)
	a, err := app.Open(ctx, cfg, "", nil)
	require.NoError(t, err)
	defer a.Close()

	root, err := a.Identity.UserByID(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "d-ops", root.DepartmentID)
	_, err = a.Store.Get(ctx, "acme:tms_users")
	assert.NoError(t, err)
}

func TestDoSerialisesWriters(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	a, err := app.Open(ctx, cfg, "", nil)
	require.NoError(t, err)
	defer a.Close()
	sa, err := a.Identity.SessionForUser(ctx, "sa-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Do(func() error {
				_, err := a.Engine.CreateTaskAs(ctx, sa, engine.TaskCreateOptions{Title: "parallel"})
				return err
			})
		}()
	}
	wg.Wait()
	tasks, err := a.Engine.TasksForSession(ctx, sa)
	require.NoError(t, err)
	assert.Len(t, tasks, 20, "no write may be lost")
}

func TestBootstrapRestoresPendingUsersGauge(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := app.Open(ctx, config.Default(), dir, nil)
	require.NoError(t, err)
	for _, email := range []string{"ivy@tms.demo", "joe@tms.demo"} {
		_, err := a.Identity.Signup(ctx, identity.SignupRequest{Name: "New", Email: email, DepartmentID: "dept-tech", Role: domain.RoleUser})
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())

	// a fresh process starts with the gauge at zero
	metrics.SetPendingUsers(0)
	a, err = app.Open(ctx, config.Default(), dir, nil)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "taskdesk_pending_users 2")
}
