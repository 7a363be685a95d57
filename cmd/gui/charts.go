package main

import (
	"context"
	"html/template"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/render"
)

// maxPoints caps the series length on the adaptive windows.
const maxPoints = 200

type window struct {
	span     time.Duration
	title    string
	subtitle string
	// stride 0 means pick one from the sample count
	stride int
}

var windows = map[string]window{
	"1h":  {time.Hour, "Credits - last hour", "All data points", 1},
	"4h":  {4 * time.Hour, "Credits - last 4 hours", "Every second data point", 2},
	"24h": {24 * time.Hour, "Credits - last 24 hours", "Every tenth data point", 10},
	"7d":  {7 * 24 * time.Hour, "Credits - last 7 days", "Adaptive down-sampling", 0},
}

// mergeAgents splits comma separated agent lists and returns the
// distinct, upper-cased symbols sorted.
func mergeAgents(lists ...string) []string {
	seen := make(map[string]bool)
	for _, l := range lists {
		for _, part := range strings.Split(l, ",") {
			if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
				seen[s] = true
			}
		}
	}
	merged := make([]string, 0, len(seen))
	for s := range seen {
		merged = append(merged, s)
	}
	sort.Strings(merged)
	return merged
}

// CreditChart plots each agent's credits over period (1h, 4h, 24h or 7d;
// anything else is 1h).
func (a *App) CreditChart(ctx context.Context, agents []string, period string) *charts.Line {
	win, ok := windows[period]
	if !ok {
		win = windows["1h"]
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{
			Title:    win.title,
			Subtitle: win.subtitle,
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "credits"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type: "time",
			Min:  int(time.Now().Add(-win.span).UnixMilli()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	for _, symbol := range agents {
		hist, err := a.history.AgentHistory(ctx, symbol, win.span)
		if err != nil {
			slog.Error("error getting agent records from DB", "agent", symbol, "error", err)
			continue
		}

		stride := win.stride
		if stride == 0 {
			stride = len(hist)/maxPoints + 1
		}
		items := make([]opts.LineData, 0, len(hist)/stride+1)
		for i, r := range hist {
			// always keep the newest sample
			if i%stride == 0 || i == len(hist)-1 {
				items = append(items, opts.LineData{Value: []interface{}{r.Timestamp, r.Credits}})
			}
		}
		line.AddSeries(symbol, items)
	}
	return line
}

// RenderChartFragment renders a go-echarts chart as a fragment (div + script) to the ResponseWriter.
func (a *App) RenderChartFragment(w io.Writer, chart render.Renderer) error {
	snippet := chart.RenderSnippet()

	data := struct {
		Element template.HTML
		Script  template.HTML
	}{
		Element: template.HTML(snippet.Element),
		Script:  template.HTML(snippet.Script),
	}

	return a.t.ExecuteTemplate(w, "chart.html", data)
}
