package crm

import (
	"strings"

	"golang.org/x/net/html"
)

// Class markers used by the CRM's work-queue table.
const (
	classAwaiting   = "bg-status-awaitOnly"
	classUrgent     = "time-warning"
	linkHrefMarker  = "customer-request/update"
	scheduleCellIdx = 1
)

// ParseRows extracts awaiting-call rows from a work-queue page.
// Rows it cannot make sense of are simply absent from the result; a broken
// row never fails the page.
func ParseRows(page string) ([]RawRow, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, err
	}
	var rows []RawRow
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" && hasClass(n, classAwaiting) {
			rows = append(rows, parseRow(n))
		}
	})
	return rows, nil
}

func parseRow(tr *html.Node) RawRow {
	row := RawRow{RowClasses: strings.Fields(attr(tr, "class"))}

	for td := tr.FirstChild; td != nil; td = td.NextSibling {
		if td.Type != html.ElementNode || td.Data != "td" {
			continue
		}
		row.Cells = append(row.Cells, nodeText(td))

		if len(row.Cells)-1 == scheduleCellIdx {
			walk(td, func(n *html.Node) {
				if row.ScheduleTitle == "" && n.Type == html.ElementNode && n.Data == "span" {
					if t := attr(n, "title"); t != "" {
						row.ScheduleTitle = t
					}
				}
			})
		}
	}

	walk(tr, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "a":
			if row.LinkHref == "" && strings.Contains(attr(n, "href"), linkHrefMarker) {
				row.LinkHref = attr(n, "href")
				row.LinkLabel = strings.TrimSpace(nodeText(n))
			}
		case "div":
			if hasClass(n, classUrgent) {
				row.Urgent = true
			}
		}
	})

	return row
}

// csrfToken finds the hidden _csrf-frontend input on the login page.
func csrfToken(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var token string
	walk(doc, func(n *html.Node) {
		if token == "" && n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == "_csrf-frontend" {
			token = attr(n, "value")
		}
	})
	return token
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// nodeText is the space-joined visible text of a subtree, trimmed.
func nodeText(n *html.Node) string {
	var parts []string
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			if t := strings.TrimSpace(c.Data); t != "" {
				parts = append(parts, t)
			}
		}
	})
	return strings.Join(parts, " ")
}
