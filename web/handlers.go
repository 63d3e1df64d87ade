package web

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/logger"
)

// sourceSummary is the JSON shape of one source.
type sourceSummary struct {
	Name     string             `json:"name"`
	Endpoint string             `json:"endpoint"`
	Database string             `json:"database"`
	Status   string             `json:"status"` // waiting|ok|failing
	Error    string             `json:"error,omitempty"`
	Failures int                `json:"consecutive_failures"`
	Samples  int                `json:"samples"`
	Updated  *time.Time         `json:"updated_at,omitempty"`
	Latest   []collector.Sample `json:"latest"`
}

type sourceDetail struct {
	sourceSummary
	History []collector.Sample `json:"history"`
}

func (s *Server) summary(sl *slot) sourceSummary {
	out := sourceSummary{
		Name:     sl.target.Name,
		Endpoint: sl.target.Endpoint,
		Database: sl.target.Database,
		Status:   "waiting",
		Failures: sl.failures,
		Samples:  len(sl.history),
		Latest:   collector.Latest(sl.history),
	}
	if out.Latest == nil {
		out.Latest = []collector.Sample{}
	}
	switch {
	case sl.err != nil:
		out.Status = "failing"
		out.Error = sl.err.Error()
	case sl.rendered:
		out.Status = "ok"
	}
	if !sl.updated.IsZero() {
		t := sl.updated
		out.Updated = &t
	}
	return out
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]sourceSummary, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.summary(s.slots[name]))
	}
	s.mu.RUnlock()

	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.RLock()
	sl, ok := s.slots[name]
	var out sourceDetail
	if ok {
		out = sourceDetail{sourceSummary: s.summary(sl), History: sl.history}
		if out.History == nil {
			out.History = []collector.Sample{}
		}
	}
	s.mu.RUnlock()

	if !ok {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown source %q", name)})
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	failing := 0
	for _, sl := range s.slots {
		if sl.err != nil {
			failing++
		}
	}
	s.mu.RUnlock()

	body := map[string]any{
		"status":  "ok",
		"sources": len(s.order),
		"failing": failing,
	}
	if s.opts.Stats != nil {
		st := s.opts.Stats()
		body["state"] = st.State.String()
		body["cycles"] = st.Cycles
		body["last_failed"] = st.LastFailed
		body["last_skipped"] = st.LastSkipped
		if !st.LastCycleAt.IsZero() {
			body["last_cycle_at"] = st.LastCycleAt
		}
	}
	writeJSON(w, r, http.StatusOK, body)
}

// tableView is one external table row of the HTML overview.
type tableView struct {
	Name    string
	Pending string
	Percent float64
	Points  string
}

type cardView struct {
	sourceSummary
	Captured string
	Tables   []tableView
}

type indexView struct {
	Refresh int
	Now     string
	Cards   []cardView
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := indexView{
		Refresh: int(s.opts.Refresh / time.Second),
		Now:     s.now().UTC().Format(time.RFC3339),
	}

	s.mu.RLock()
	for _, name := range s.order {
		sl := s.slots[name]
		card := cardView{sourceSummary: s.summary(sl)}
		if len(card.Latest) > 0 {
			card.Captured = humanize.Time(card.Latest[0].CapturedAt)
		}
		for _, smp := range card.Latest {
			card.Tables = append(card.Tables, tableView{
				Name:    smp.Table(),
				Pending: humanize.Comma(smp.PendingFiles()),
				Percent: smp.AccelerationPercent(),
				Points:  polyline(series(sl.history, smp.Table()), svgWidth, svgHeight),
			})
		}
		view.Cards = append(view.Cards, card)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, view); err != nil {
		logger.FromContext(r.Context(), s.log).Error("render index", zap.Error(err))
	}
}

const (
	svgWidth  = 240
	svgHeight = 40
)

// series returns the acceleration percentage of every capture of table.
func series(history []collector.Sample, table string) []float64 {
	var out []float64
	for _, smp := range history {
		if smp.Table() == table {
			out = append(out, smp.AccelerationPercent())
		}
	}
	return out
}

// polyline maps percentages (0-100) onto SVG points in a w x h box, oldest
// on the left.
func polyline(data []float64, w, h int) string {
	if len(data) == 0 {
		return ""
	}
	pts := make([]string, len(data))
	for i, v := range data {
		v = max(0, min(v, 100))
		x := float64(w)
		if len(data) > 1 {
			x = float64(i) * float64(w) / float64(len(data)-1)
		}
		y := float64(h) - v/100*float64(h)
		pts[i] = fmt.Sprintf("%.1f,%.1f", x, y)
	}
	return strings.Join(pts, " ")
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>Kusto query acceleration</title>
<style>
body { font-family: system-ui, sans-serif; background: #14161f; color: #f5f7fa; margin: 2rem; }
.card { border: 1px solid #3a3f58; border-radius: 8px; padding: 1rem; margin-bottom: 1rem; }
.failing { border-color: #ff4d6d; }
.error { color: #ff4d6d; }
.muted { color: #6c7390; }
table { border-collapse: collapse; }
td, th { padding: 0.2rem 0.8rem; text-align: left; }
polyline { fill: none; stroke: #4cc9f0; stroke-width: 1.5; }
</style>
</head>
<body>
<h1>Kusto query acceleration</h1>
<p class="muted">Rendered {{.Now}}</p>
{{range .Cards}}
<div class="card {{.Status}}" id="source-{{.Name}}">
<h2>{{.Name}} <span class="muted">{{.Endpoint}} / {{.Database}}</span></h2>
{{if .Error}}<p class="error">error ({{.Failures}} in a row): {{.Error}}</p>{{end}}
{{if .Tables}}
<table>
<tr><th>table</th><th>pending files</th><th>acceleration</th><th>history</th></tr>
{{range .Tables}}
<tr>
<td>{{.Name}}</td>
<td>{{.Pending}}</td>
<td>{{printf "%.1f" .Percent}}%</td>
<td><svg width="240" height="40" viewBox="0 0 240 40"><polyline points="{{.Points}}"/></svg></td>
</tr>
{{end}}
</table>
<p class="muted">{{.Samples}} samples, captured {{.Captured}}</p>
{{else if eq .Status "waiting"}}
<p class="muted">waiting for data</p>
{{else if not .Error}}
<p class="muted">no external tables reported</p>
{{end}}
</div>
{{end}}
</body>
</html>
`))
