package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/domain"
)

func run(t *testing.T, workspace string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--workspace", workspace, "--json"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, workspace string, args ...string) string {
	t.Helper()
	out, err := run(t, workspace, args...)
	require.NoError(t, err, "taskdesk %s", strings.Join(args, " "))
	return out
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v), raw)
	return v
}

func TestInitWritesConfigAndSecret(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, ws, "init")

	assert.FileExists(t, filepath.Join(ws, "taskdesk.yml"))
	env, err := godotenv.Read(filepath.Join(ws, ".env"))
	require.NoError(t, err)
	secret := env["TASKDESK_JWT_SECRET"]
	assert.Len(t, secret, 64)

	// a second init keeps the existing secret
	mustRun(t, ws, "init")
	env, err = godotenv.Read(filepath.Join(ws, ".env"))
	require.NoError(t, err)
	assert.Equal(t, secret, env["TASKDESK_JWT_SECRET"])

	depts := decode[[]domain.Department](t, mustRun(t, ws, "dept", "list"))
	assert.Len(t, depts, 5)
}

func TestCommandsRequireLogin(t *testing.T) {
	ws := t.TempDir()
	_, err := run(t, ws, "task", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not logged in")

	_, err = run(t, ws, "login", "--email", "ghost@x.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User not found")
}

func TestTaskWorkflow(t *testing.T) {
	ws := t.TempDir()
	mustRun(t, ws, "login", "--email", "superadmin@tms.demo")

	u := decode[[]domain.User](t, mustRun(t, ws, "signup", "--name", "Rae", "--email", "rae@x.test", "--dept", "dept-sales", "--role", "user"))
	require.Len(t, u, 1)
	rae := u[0]
	assert.Equal(t, domain.UserPending, rae.Status)

	pending := decode[[]domain.User](t, mustRun(t, ws, "user", "pending"))
	require.Len(t, pending, 1)
	mustRun(t, ws, "user", "approve", rae.ID)

	created := decode[[]domain.Task](t, mustRun(t, ws, "task", "create",
		"--title", "Prepare offer", "--dept", "dept-sales", "--assign", rae.ID, "--priority", "high"))
	require.Len(t, created, 1)
	task := created[0]
	assert.Equal(t, domain.PriorityHigh, task.Priority)

	mustRun(t, ws, "login", "--email", "RAE@x.test")
	who := decode[domain.Session](t, mustRun(t, ws, "whoami"))
	assert.Equal(t, rae.ID, who.UserID)

	_, err := run(t, ws, "user", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	mustRun(t, ws, "task", "status", task.ID, "in_progress")
	done := decode[[]domain.Task](t, mustRun(t, ws, "task", "complete", task.ID, "--remark", "sent"))
	assert.Equal(t, domain.TaskCompleted, done[0].Status)
	assert.Equal(t, "sent", done[0].CompletedRemark)

	_, err = run(t, ws, "task", "complete", task.ID)
	require.Error(t, err)

	breakdown := decode[map[string]any](t, mustRun(t, ws, "stats", "breakdown"))
	assert.EqualValues(t, 1, breakdown["total"])

	mustRun(t, ws, "profile", "update", "--name", "Rae Lee")
	who = decode[domain.Session](t, mustRun(t, ws, "whoami"))
	assert.Equal(t, "Rae Lee", who.Name)

	evts := decode[[]domain.Event](t, mustRun(t, ws, "log", "tail", "--entity-id", task.ID))
	require.NotEmpty(t, evts)
	assert.Equal(t, "task.completed", evts[0].Type)

	mustRun(t, ws, "logout")
	_, err = run(t, ws, "whoami")
	require.Error(t, err)
}

func TestStorageOverrideFromEnv(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("TASKDESK_STORAGE_DRIVER", "memory")
	mustRun(t, ws, "dept", "list")
	_, err := os.Stat(filepath.Join(ws, ".taskdesk", "taskdesk.db"))
	assert.True(t, os.IsNotExist(err), "memory driver must not create the sqlite file")
}
