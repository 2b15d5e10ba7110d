// Package receipt renders usage summaries into deliverable receipts.
package receipt

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/billfrog/billfrog/internal/summary"
	"github.com/google/uuid"
)

// Formatter renders a period summary into a subject line and body for one
// agent. Implementations must be side-effect free so dispatch retries can
// re-render safely.
type Formatter interface {
	Render(agentID string, cadence schedule.Cadence, s *summary.Summary) (subject, body string, err error)
}

// HTMLRenderer produces a self-contained HTML receipt, in the style of a
// payment-provider invoice: totals up top, then cost-by-model and the daily
// series.
type HTMLRenderer struct {
	tmpl *template.Template

	// now is swappable for tests
	now func() time.Time
}

// NewHTMLRenderer creates the renderer with its built-in template.
func NewHTMLRenderer() (*HTMLRenderer, error) {
	tmpl, err := template.New("receipt").Funcs(template.FuncMap{
		"usd": func(v float64) string { return fmt.Sprintf("$%.4f", v) },
		"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	}).Parse(receiptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse receipt template: %w", err)
	}
	return &HTMLRenderer{tmpl: tmpl, now: time.Now}, nil
}

type receiptData struct {
	AgentID     string
	ReceiptID   string
	Generated   string
	PeriodStart string
	PeriodEnd   string
	Cadence     string
	NextReceipt string
	Summary     *summary.Summary
}

// Render implements Formatter.
func (r *HTMLRenderer) Render(agentID string, cadence schedule.Cadence, s *summary.Summary) (string, string, error) {
	now := r.now().UTC()
	data := receiptData{
		AgentID:     agentID,
		ReceiptID:   "rcpt-" + uuid.NewString()[:8],
		Generated:   now.Format("January 2, 2006"),
		PeriodStart: s.PeriodStart.Format("Jan 2, 2006"),
		PeriodEnd:   s.PeriodEnd.Format("Jan 2, 2006"),
		Cadence:     title(string(cadence)),
		NextReceipt: now.Add(cadence.Interval()).Format("January 2, 2006"),
		Summary:     s,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render receipt for %s: %w", agentID, err)
	}

	subject := fmt.Sprintf("AI Usage Receipt for %s - %s", agentID, now.Format("January 2006"))
	return subject, buf.String(), nil
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

const receiptTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>AI Usage Receipt - {{.AgentID}}</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #374151; background: #f9fafb; padding: 20px; }
.receipt { max-width: 700px; margin: 0 auto; background: #fff; border-radius: 12px; overflow: hidden; }
.header { background: #059669; color: #fff; padding: 32px 40px; }
.section { padding: 24px 40px; border-top: 1px solid #e5e7eb; }
.total { font-size: 28px; font-weight: 600; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 6px 4px; border-bottom: 1px solid #f3f4f6; font-size: 14px; }
.muted { color: #6b7280; font-size: 13px; }
</style>
</head>
<body>
<div class="receipt">
  <div class="header">
    <h1>Usage Receipt</h1>
    <p>{{.AgentID}} &middot; {{.ReceiptID}} &middot; {{.Generated}}</p>
  </div>
  <div class="section">
    <p class="muted">{{.Cadence}} period {{.PeriodStart}} &ndash; {{.PeriodEnd}}</p>
    <p class="total">{{usd .Summary.TotalCostUSD}}</p>
    <p class="muted">{{.Summary.TotalEvents}} requests &middot; {{.Summary.TotalUnits}} tokens</p>
  </div>
  {{if .Summary.Categories}}
  <div class="section">
    <h3>Cost by model</h3>
    <table>
      <tr><th>Model</th><th>Requests</th><th>Tokens</th><th>Share</th><th>Cost</th></tr>
      {{range .Summary.Categories}}
      <tr><td>{{.Category}}</td><td>{{.Events}}</td><td>{{.Units}}</td><td>{{pct .SharePercent}}</td><td>{{usd .CostUSD}}</td></tr>
      {{end}}
    </table>
  </div>
  {{end}}
  <div class="section">
    <h3>Daily usage</h3>
    <table>
      <tr><th>Date</th><th>Requests</th><th>Tokens</th><th>Cost</th></tr>
      {{range .Summary.Days}}
      <tr><td>{{.Date}}</td><td>{{.Events}}</td><td>{{.Units}}</td><td>{{usd .CostUSD}}</td></tr>
      {{end}}
    </table>
  </div>
  <div class="section muted">
    <p>Next receipt: {{.NextReceipt}}</p>
  </div>
</div>
</body>
</html>
`
