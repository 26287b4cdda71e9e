package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/schema"
)

// ManualResolution holds the values chosen for a MANUAL resolution.
type ManualResolution struct {
	Title       string
	Description string
	DueDate     string
	Status      string
}

// ResolutionDefaults starts from the task's side of the analysis.
func ResolutionDefaults(a *calsync.ConflictAnalysis, status schema.TaskStatus) ManualResolution {
	r := ManualResolution{Status: string(status)}
	for _, f := range a.Fields {
		switch f.Field {
		case calsync.FieldTitle:
			r.Title = f.TaskValue
		case calsync.FieldDescription:
			r.Description = f.TaskValue
		case calsync.FieldDueDate:
			r.DueDate = f.TaskValue
		}
	}
	return r
}

// CustomFields converts the resolution into ResolveRequest.Custom.
func (r ManualResolution) CustomFields() map[string]string {
	fields := map[string]string{
		"title":       r.Title,
		"description": r.Description,
		"duedate":     r.DueDate,
	}
	if r.Status != "" {
		fields["status"] = r.Status
	}
	return fields
}

// PromptManualResolution asks for the final value of every tracked field,
// showing both sides of the conflict. It needs an interactive terminal.
func PromptManualResolution(a *calsync.ConflictAnalysis, status schema.TaskStatus) (map[string]string, error) {
	r := ResolutionDefaults(a, status)

	statuses := make([]huh.Option[string], 0, 4)
	for _, s := range []schema.TaskStatus{schema.TaskPending, schema.TaskInProgress, schema.TaskCompleted, schema.TaskArchived} {
		statuses = append(statuses, huh.NewOption(string(s), string(s)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Description(sides(a, calsync.FieldTitle)).
				Value(&r.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("title cannot be empty")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Description(sides(a, calsync.FieldDescription)).
				Value(&r.Description),
			huh.NewInput().
				Title("Due date").
				Description(sides(a, calsync.FieldDueDate)).
				Placeholder("YYYY-MM-DD or RFC 3339, empty to clear").
				Value(&r.DueDate).
				Validate(func(s string) error {
					_, err := calsync.ParseDueDate(s)
					return err
				}),
			huh.NewSelect[string]().
				Title("Status").
				Options(statuses...).
				Value(&r.Status),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}
	return r.CustomFields(), nil
}

// sides describes both values of a field for the form.
func sides(a *calsync.ConflictAnalysis, field string) string {
	for _, f := range a.Fields {
		if f.Field != field {
			continue
		}
		if !f.Differs {
			return "unchanged"
		}
		return fmt.Sprintf("task: %q  calendar: %q", f.TaskValue, f.CalendarValue)
	}
	return ""
}
