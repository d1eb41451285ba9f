package main

import (
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"taskdesk/internal/domain"
	"taskdesk/internal/stats"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printSession(w io.Writer, s domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(w, s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"User", s.UserID},
		{"Name", s.Name},
		{"Email", s.Email},
		{"Role", s.Role.Label()},
		{"Department", s.DepartmentID},
	})
	tw.Render()
	return nil
}

func printUsers(w io.Writer, users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(w, nonNil(users))
	}
	tw := newTable(w, "ID", "Name", "Email", "Department", "Role", "Status")
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.DepartmentID, u.Role.Label(), u.Status})
	}
	tw.Render()
	return nil
}

func printDepartments(w io.Writer, depts []domain.Department) error {
	if viper.GetBool("json") {
		return printJSON(w, nonNil(depts))
	}
	tw := newTable(w, "ID", "Name")
	for _, d := range depts {
		tw.AppendRow(table.Row{d.ID, d.Name})
	}
	tw.Render()
	return nil
}

func printTasks(w io.Writer, tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(w, nonNil(tasks))
	}
	tw := newTable(w, "ID", "Title", "Status", "Priority", "Department", "Assignee", "Updated")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.DepartmentID, assigneeLabel(t.AssignedToID), t.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printTaskDetail(w io.Writer, t domain.Task, needsApproval bool) error {
	if viper.GetBool("json") {
		return printJSON(w, struct {
			domain.Task
			NeedsApproval bool `json:"needs_approval"`
		}{t, needsApproval})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(t.Title)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Status", t.Status},
		{"Priority", t.Priority},
		{"Department", t.DepartmentID},
		{"Assignee", assigneeLabel(t.AssignedToID)},
		{"Created by", t.CreatedByID},
		{"Created", t.CreatedAt},
		{"Updated", t.UpdatedAt},
		{"Needs approval", needsApproval},
	})
	if t.Description != "" {
		tw.AppendRow(table.Row{"Description", t.Description})
	}
	if t.CompletedRemark != "" {
		tw.AppendRow(table.Row{"Remark", t.CompletedRemark})
	}
	if t.CompletionRequestedBy != "" {
		tw.AppendRow(table.Row{"Requested by", t.CompletionRequestedBy})
	}
	tw.Render()
	if len(t.AssignmentHistory) == 0 {
		return nil
	}
	hw := newTable(w, "#", "By", "From", "To", "At")
	for i, h := range t.AssignmentHistory {
		hw.AppendRow(table.Row{i + 1, h.AssignedByID, assigneeLabel(h.PreviousAssignedToID), assigneeLabel(h.AssignedToID), h.AssignedAt})
	}
	hw.Render()
	return nil
}

func printEvents(w io.Writer, evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(w, nonNil(evts))
	}
	tw := newTable(w, "TS", "Type", "Entity", "Actor")
	for _, e := range evts {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.TS, e.Type, entity, e.ActorID})
	}
	tw.Render()
	return nil
}

func printBreakdown(w io.Writer, total int, items []stats.BreakdownItem) error {
	if viper.GetBool("json") {
		return printJSON(w, map[string]any{"total": total, "items": nonNil(items)})
	}
	tw := newTable(w, "Status", "Tasks")
	for _, item := range items {
		tw.AppendRow(table.Row{item.Name, item.Value})
	}
	tw.AppendFooter(table.Row{"Total", total})
	tw.Render()
	return nil
}

func printProductivity(w io.Writer, points []stats.Point) error {
	if viper.GetBool("json") {
		return printJSON(w, nonNil(points))
	}
	tw := newTable(w, "Period", "Completed")
	for _, p := range points {
		tw.AppendRow(table.Row{p.Label, p.Completed})
	}
	tw.Render()
	return nil
}

func assigneeLabel(id *string) string {
	if id == nil || *id == "" {
		return "-"
	}
	return *id
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
