package events

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// ExportLog writes events to path as a JSON array ordered by timestamp.
// Events collected from concurrent saves may arrive out of order.
func ExportLog(events []*Event, path string) error {
	sorted := slices.Clone(events)
	if sorted == nil {
		sorted = []*Event{}
	}
	slices.SortStableFunc(sorted, func(a, b *Event) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}
