package crm

// RawRow is one work-queue table row as scraped, before normalization.
// It is consumed once per cycle and never stored.
type RawRow struct {
	// Cells holds the visible text of every <td> in document order.
	Cells []string

	// ScheduleTitle is the title attribute of the span inside the schedule
	// cell (the CRM renders the UTC dispatch time there).
	ScheduleTitle string

	// LinkLabel and LinkHref come from the work-item edit link. The label's
	// first token is the external item id.
	LinkLabel string
	LinkHref  string

	// RowClasses are the class tags on the <tr> itself.
	RowClasses []string

	// Urgent is set when the row carries the time-warning marker.
	Urgent bool
}
