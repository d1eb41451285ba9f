// Package stats computes dashboard figures over the tasks a session can see.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"taskdesk/internal/domain"
)

type BreakdownItem struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Breakdown counts tasks per status plus re-assigned tasks (assignee differs
// from creator). Zero entries are omitted.
func Breakdown(tasks []domain.Task) []BreakdownItem {
	var pending, inProgress, completed, reassigned int
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending:
			pending++
		case domain.TaskInProgress:
			inProgress++
		case domain.TaskCompleted:
			completed++
		case domain.TaskPendingApproval:
		}
		if t.AssignedToID != nil && *t.AssignedToID != t.CreatedByID {
			reassigned++
		}
	}
	all := []BreakdownItem{
		{Name: "Pending", Value: pending},
		{Name: "In Progress", Value: inProgress},
		{Name: "Completed", Value: completed},
		{Name: "Re-assigned", Value: reassigned},
	}
	res := []BreakdownItem{}
	for _, item := range all {
		if item.Value > 0 {
			res = append(res, item)
		}
	}
	return res
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return p, nil
	}
	return "", fmt.Errorf("invalid period %q (want day, week, month or year)", s)
}

type Point struct {
	Label     string `json:"label"`
	Completed int    `json:"completed"`
	Date      string `json:"date"`
}

// Productivity buckets COMPLETED tasks by their updated_at within a window
// ending at now: today, the weeks touching the last 7 days, the last 12
// months, or the last 5 years. Buckets are keyed in now's location and
// returned in ascending key order.
func Productivity(tasks []domain.Task, period Period, now time.Time) []Point {
	loc := now.Location()
	buckets := map[string]int{}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch period {
	case PeriodDay:
		buckets[bucketKey(today, PeriodDay)] = 0
	case PeriodWeek:
		start := today.AddDate(0, 0, -6)
		for i := 0; i < 7; i++ {
			buckets[bucketKey(start.AddDate(0, 0, i), PeriodWeek)] = 0
		}
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month()-11, 1, 0, 0, 0, 0, loc)
		for i := 0; i < 12; i++ {
			buckets[bucketKey(start.AddDate(0, i, 0), PeriodMonth)] = 0
		}
	case PeriodYear:
		for i := 0; i < 5; i++ {
			buckets[strconv.Itoa(now.Year()-4+i)] = 0
		}
	}

	for _, t := range tasks {
		if t.Status != domain.TaskCompleted {
			continue
		}
		ts, err := time.Parse(time.RFC3339, t.UpdatedAt)
		if err != nil {
			continue
		}
		key := bucketKey(ts.In(loc), period)
		if _, ok := buckets[key]; ok {
			buckets[key]++
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]Point, 0, len(keys))
	for _, k := range keys {
		res = append(res, Point{Label: label(k, period), Completed: buckets[k], Date: k})
	}
	return res
}

func bucketKey(d time.Time, period Period) string {
	switch period {
	case PeriodDay:
		return d.Format("2006-01-02")
	case PeriodWeek:
		// weeks start on Sunday
		start := d.AddDate(0, 0, -int(d.Weekday()))
		return start.Format("2006-01-02")
	case PeriodMonth:
		return d.Format("2006-01")
	case PeriodYear:
		return d.Format("2006")
	}
	return ""
}

func label(key string, period Period) string {
	switch period {
	case PeriodDay:
		return "Today"
	case PeriodWeek:
		return key[5:]
	case PeriodMonth, PeriodYear:
		return key
	}
	return key
}
