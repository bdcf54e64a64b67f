package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/szaher/dcfsync/internal/mapping"
)

// FormatText produces a human-readable sweep plan.
func FormatText(p *Plan) string {
	deletes := len(p.Deletes())
	skipped := len(p.Skipped())

	var sb strings.Builder
	if !p.HasChanges && skipped == 0 {
		sb.WriteString("No changes. Nothing to sweep.\n")
	} else {
		fmt.Fprintf(&sb, "Sweep: %d to delete, %d skipped\n", deletes, skipped)
	}

	var last mapping.Category = -1
	for _, a := range p.Actions {
		if a.Category != last {
			fmt.Fprintf(&sb, "\n%s:\n", a.Category)
			last = a.Category
		}
		switch a.Type {
		case ActionDelete:
			fmt.Fprintf(&sb, "  - %s\n", a.Ref())
		case ActionSkip:
			fmt.Fprintf(&sb, "  ! %s (%s)\n", a.Ref(), a.Reason)
		}
	}

	var kept []string
	for _, cat := range mapping.Categories {
		if n := p.Kept[cat]; n > 0 {
			kept = append(kept, fmt.Sprintf("%s %d (%d fixed)", cat, n, p.Fixed[cat]))
		}
	}
	if len(kept) > 0 {
		fmt.Fprintf(&sb, "\nKept: %s\n", strings.Join(kept, ", "))
	}
	return sb.String()
}

// FormatJSON produces a JSON sweep plan.
func FormatJSON(p *Plan) (string, error) {
	type jsonAction struct {
		Category string `json:"category"`
		Owner    string `json:"owner"`
		ID       int    `json:"id"`
		Action   string `json:"action"`
		Reason   string `json:"reason,omitempty"`
	}
	type jsonKept struct {
		Category string `json:"category"`
		Kept     int    `json:"kept"`
		Fixed    int    `json:"fixed"`
	}
	type jsonPlan struct {
		HasChanges bool         `json:"has_changes"`
		Actions    []jsonAction `json:"actions"`
		Kept       []jsonKept   `json:"kept"`
	}

	jp := jsonPlan{HasChanges: p.HasChanges, Actions: []jsonAction{}, Kept: []jsonKept{}}
	for _, a := range p.Actions {
		jp.Actions = append(jp.Actions, jsonAction{
			Category: a.Category.String(),
			Owner:    a.Owner.String(),
			ID:       a.ID,
			Action:   string(a.Type),
			Reason:   a.Reason,
		})
	}
	for _, cat := range mapping.Categories {
		if n := p.Kept[cat]; n > 0 {
			jp.Kept = append(jp.Kept, jsonKept{Category: cat.String(), Kept: n, Fixed: p.Fixed[cat]})
		}
	}

	data, err := json.MarshalIndent(jp, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
