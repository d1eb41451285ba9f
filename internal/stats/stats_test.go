package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/domain"
	"taskdesk/internal/stats"
)

func ptr(s string) *string { return &s }

func completedAt(ts string) domain.Task {
	return domain.Task{Status: domain.TaskCompleted, UpdatedAt: ts}
}

func TestBreakdown(t *testing.T) {
	tasks := []domain.Task{
		{Status: domain.TaskPending, CreatedByID: "a", AssignedToID: ptr("a")},
		{Status: domain.TaskPending, CreatedByID: "a", AssignedToID: ptr("b")},
		{Status: domain.TaskCompleted, CreatedByID: "a"},
		{Status: domain.TaskPendingApproval, CreatedByID: "a", AssignedToID: ptr("c")},
	}
	assert.Equal(t, []stats.BreakdownItem{
		{Name: "Pending", Value: 2},
		{Name: "Completed", Value: 1},
		{Name: "Re-assigned", Value: 2},
	}, stats.Breakdown(tasks))
	assert.Empty(t, stats.Breakdown(nil))
}

func TestParsePeriod(t *testing.T) {
	p, err := stats.ParsePeriod(" Month ")
	require.NoError(t, err)
	assert.Equal(t, stats.PeriodMonth, p)
	_, err = stats.ParsePeriod("decade")
	assert.Error(t, err)
}

// Wednesday 2024-03-13.
var now = time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

func TestProductivityDay(t *testing.T) {
	tasks := []domain.Task{
		completedAt("2024-03-13T01:00:00Z"),
		completedAt("2024-03-12T23:00:00Z"),
		{Status: domain.TaskInProgress, UpdatedAt: "2024-03-13T02:00:00Z"},
	}
	assert.Equal(t, []stats.Point{{Label: "Today", Completed: 1, Date: "2024-03-13"}},
		stats.Productivity(tasks, stats.PeriodDay, now))
}

func TestProductivityWeek(t *testing.T) {
	// The last 7 days (Mar 7..13) touch the weeks starting Sun Mar 3 and Sun Mar 10.
	tasks := []domain.Task{
		completedAt("2024-03-07T10:00:00Z"),
		completedAt("2024-03-10T10:00:00Z"),
		completedAt("2024-03-13T10:00:00Z"),
		completedAt("2024-02-20T10:00:00Z"),
	}
	assert.Equal(t, []stats.Point{
		{Label: "03-03", Completed: 1, Date: "2024-03-03"},
		{Label: "03-10", Completed: 2, Date: "2024-03-10"},
	}, stats.Productivity(tasks, stats.PeriodWeek, now))
}

func TestProductivityMonth(t *testing.T) {
	tasks := []domain.Task{
		completedAt("2023-04-02T00:00:00Z"),
		completedAt("2023-03-31T00:00:00Z"),
		completedAt("2024-03-01T00:00:00Z"),
	}
	points := stats.Productivity(tasks, stats.PeriodMonth, now)
	require.Len(t, points, 12)
	assert.Equal(t, stats.Point{Label: "2023-04", Completed: 1, Date: "2023-04"}, points[0])
	assert.Equal(t, stats.Point{Label: "2024-03", Completed: 1, Date: "2024-03"}, points[11])
}

func TestProductivityYear(t *testing.T) {
	tasks := []domain.Task{
		completedAt("2020-06-01T00:00:00Z"),
		completedAt("2019-06-01T00:00:00Z"),
		completedAt("2024-01-01T00:00:00Z"),
		{Status: domain.TaskCompleted, UpdatedAt: "garbage"},
	}
	points := stats.Productivity(tasks, stats.PeriodYear, now)
	require.Len(t, points, 5)
	assert.Equal(t, "2020", points[0].Date)
	assert.Equal(t, 1, points[0].Completed)
	assert.Equal(t, "2024", points[4].Label)
	assert.Equal(t, 1, points[4].Completed)
}
