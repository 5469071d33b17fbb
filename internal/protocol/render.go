package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// RenderText renders blocks for a plain terminal. Prose is copied verbatim and
// each widget becomes a small text table.
func RenderText(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind == KindText {
			sb.WriteString(b.Source)
			continue
		}
		sb.WriteString(renderWidget(b.Widget))
	}
	return sb.String()
}

func renderWidget(w Widget) string {
	var sb strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, format+"\n", args...)
	}

	switch w := w.(type) {
	case *TaskList:
		line("[tasks] %s", w.Title)
		for _, t := range w.Items {
			extra := joinNonEmpty(", ", t.Priority, t.DueDate, t.Assignee, t.ClientName)
			line("  - #%s %s (%s) %s", t.ID, t.Title, t.Status, extra)
		}
	case *UserList:
		line("[users] %s", w.Title)
		for _, u := range w.Items {
			line("  - %s (%s) %s", u.Name, u.Role, u.LastAccess)
		}
	case *AccessList:
		line("[access] %s", w.Title)
		for _, a := range w.Items {
			line("  - %s: %d %s", a.Name, *a.TotalAccesses, a.LastAccess)
		}
	case *Report:
		line("[report] %s: %s %s", w.Title, w.Value, w.Trend)
	case *Chart:
		line("[%s chart] %s (x=%s)", w.ChartType, w.Title, w.XAxis)
		for _, row := range w.Data {
			var cols []string
			for _, s := range w.Series {
				cols = append(cols, fmt.Sprintf("%s=%v", firstNonEmpty(s.Name, s.Key), row[s.Key]))
			}
			line("  %v: %s", row[w.XAxis], strings.Join(cols, " "))
		}
	case *ImageGrid:
		line("[images] %s", w.Title)
		for _, img := range w.Items {
			line("  - %s %s", img.URL, img.Caption)
		}
	case *ProposalList:
		line("[proposals] %s", w.Title)
		for _, p := range w.Items {
			line("  - #%s %s / %s setup=%s monthly=%s", p.ID, p.CompanyName, p.ResponsibleName, p.SetupFee, p.MonthlyFee)
		}
	case *ProjectList:
		line("[projects] %s", w.Title)
		for _, p := range w.Items {
			line("  - #%s %s (%s) %s", p.ID, p.DisplayName(), p.Client(), p.Status)
		}
	case *ClientList:
		line("[clients] %s", w.Title)
		for _, c := range w.Items {
			var services []string
			if c.HasTraffic {
				services = append(services, "traffic")
			}
			if c.HasWebsite {
				services = append(services, "website")
			}
			if c.HasLandingPage {
				services = append(services, "landing page")
			}
			sort.Strings(services)
			line("  - %s %s [%s]", c.DisplayName(), c.ResponsibleName, strings.Join(services, ", "))
		}
	case *Unknown:
		if w.Err != nil {
			line("[widget %q not rendered: %v]", w.RawType, w.Err)
		}
		line("%s", w.Payload)
	default:
		panic(fmt.Sprintf("protocol: unhandled widget %T", w))
	}
	return sb.String()
}

func joinNonEmpty(sep string, values ...string) string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, sep)
}
