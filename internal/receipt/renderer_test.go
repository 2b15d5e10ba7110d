package receipt

import (
	"strings"
	"testing"
	"time"

	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/billfrog/billfrog/internal/summary"
)

func testSummary() *summary.Summary {
	return &summary.Summary{
		AgentID:      "prod-bot",
		PeriodStart:  time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		PeriodEnd:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		TotalEvents:  42,
		TotalUnits:   15000,
		TotalCostUSD: 1.2345,
		Categories: []summary.CategoryShare{
			{Category: "gpt-4", Events: 30, Units: 10000, SharePercent: 66.7, CostUSD: 0.8230},
			{Category: "gpt-3.5-turbo", Events: 12, Units: 5000, SharePercent: 33.3, CostUSD: 0.4115},
		},
		Days: []summary.DayTotal{
			{Date: "2026-03-03", Events: 20, Units: 7000, CostUSD: 0.6},
			{Date: "2026-03-04", Events: 22, Units: 8000, CostUSD: 0.6345},
		},
	}
}

func TestRenderReceipt(t *testing.T) {
	r, err := NewHTMLRenderer()
	if err != nil {
		t.Fatalf("NewHTMLRenderer: %v", err)
	}
	r.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

	subject, body, err := r.Render("prod-bot", schedule.CadenceWeekly, testSummary())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if want := "AI Usage Receipt for prod-bot - March 2026"; subject != want {
		t.Errorf("subject = %q, want %q", subject, want)
	}
	for _, needle := range []string{
		"prod-bot",
		"$1.2345",
		"gpt-4",
		"gpt-3.5-turbo",
		"2026-03-03",
		"Weekly period",
		"42 requests",
	} {
		if !strings.Contains(body, needle) {
			t.Errorf("body missing %q", needle)
		}
	}
}

func TestRenderZeroUsageReceipt(t *testing.T) {
	r, err := NewHTMLRenderer()
	if err != nil {
		t.Fatalf("NewHTMLRenderer: %v", err)
	}

	s := &summary.Summary{
		AgentID:     "idle-bot",
		PeriodStart: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Categories:  []summary.CategoryShare{},
		Days:        []summary.DayTotal{{Date: "2026-03-09"}},
	}
	_, body, err := r.Render("idle-bot", schedule.CadenceDaily, s)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "$0.0000") {
		t.Error("zero-usage receipt should show a zero total")
	}
	if strings.Contains(body, "Cost by model") {
		t.Error("empty breakdown should omit the cost-by-model section")
	}
}

func TestRenderEscapesAgentID(t *testing.T) {
	r, err := NewHTMLRenderer()
	if err != nil {
		t.Fatalf("NewHTMLRenderer: %v", err)
	}

	s := testSummary()
	_, body, err := r.Render("<script>alert(1)</script>", schedule.CadenceDaily, s)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("agent ID must be HTML-escaped in the receipt body")
	}
}
