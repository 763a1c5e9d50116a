package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crmbot/internal/crm"
)

// Column positions in the CRM work-queue table.
const (
	colSchedule = 1
	colCity     = 4
)

// Row-level class tags marking a task currently claimed by an operator.
var processingClasses = []string{"bg-is_processing_by", "bg-is_processing_by_me"}

// ErrBadRow marks a row that cannot be normalized. Callers log and skip the
// row; a bad row never aborts the rest of the page.
type ErrBadRow struct {
	Reason string
}

func (e *ErrBadRow) Error() string { return "bad row: " + e.Reason }

// Normalize converts one scraped row into a canonical Task.
func Normalize(row crm.RawRow, now time.Time) (Task, error) {
	id, err := extractID(row.LinkLabel)
	if err != nil {
		return Task{}, err
	}
	if len(row.Cells) <= colSchedule {
		return Task{}, &ErrBadRow{Reason: fmt.Sprintf("only %d cells", len(row.Cells))}
	}

	city := ""
	if len(row.Cells) > colCity {
		city = row.Cells[colCity]
	}

	scheduled, _ := ResolveSchedule(row.Cells[colSchedule], row.ScheduleTitle, city, now)

	return Task{
		ID:            id,
		ScheduledTime: scheduled,
		City:          city,
		IsUrgent:      row.Urgent,
		IsProcessing:  isProcessing(row.RowClasses),
		Link:          row.LinkHref,
	}, nil
}

func extractID(linkLabel string) (int, error) {
	fields := strings.Fields(linkLabel)
	if len(fields) == 0 {
		return 0, &ErrBadRow{Reason: "empty link label"}
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, &ErrBadRow{Reason: fmt.Sprintf("non-numeric id %q", fields[0])}
	}
	return id, nil
}

func isProcessing(classes []string) bool {
	for _, c := range classes {
		for _, p := range processingClasses {
			if c == p {
				return true
			}
		}
	}
	return false
}
