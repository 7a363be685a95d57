package main

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/papaburgs/spacetraders-zero/internal/api"
	"github.com/papaburgs/spacetraders-zero/internal/logging"
	"github.com/papaburgs/spacetraders-zero/internal/trader"
	"github.com/papaburgs/spacetraders-zero/internal/types"
)

//go:embed templates
var templateFiles embed.FS

// Agent is the trading loop the dashboard controls.
type Agent interface {
	Start(ctx context.Context) error
	Stop() error
	Status() trader.Status
}

// CacheInfo reports on the API client's response cache.
type CacheInfo interface {
	Stats() api.Stats
	CacheLen() int
	ClearCache()
}

// History serves the credit samples behind the chart.
type History interface {
	AgentHistory(ctx context.Context, symbol string, duration time.Duration) ([]types.AgentRecord, error)
}

type LogSource interface {
	Lines() []logging.Line
}

// App is our main application
type App struct {
	// ctx outlives requests; the trading loop runs under it
	ctx       context.Context
	agent     Agent
	cache     CacheInfo
	history   History
	logs      LogSource
	tokenHint string
	t         *template.Template
}

// NewApp returns an app that contains all the handlers for the ui.
// history may be nil when no database is configured.
func NewApp(ctx context.Context, agent Agent, cache CacheInfo, history History, logs LogSource, tokenHint string) (*App, error) {
	funcMap := template.FuncMap{
		"credits": func(v int64) string { return humanize.Comma(v) },
		"count":   func(v int64) string { return humanize.Comma(v) },
		"ago": func(t time.Time) string {
			if t.IsZero() {
				return "never"
			}
			return humanize.Time(t)
		},
		"pct": func(part, whole int64) string {
			if whole == 0 {
				return "0%"
			}
			return fmt.Sprintf("%.0f%%", 100*float64(part)/float64(whole))
		},
		"add": func(a, b int64) int64 { return a + b },
	}

	t, err := template.New("").Funcs(funcMap).ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &App{
		ctx:       ctx,
		agent:     agent,
		cache:     cache,
		history:   history,
		logs:      logs,
		tokenHint: tokenHint,
		t:         t,
	}, nil
}

type statusView struct {
	trader.Status
	Flash string
}

type cacheView struct {
	api.Stats
	Entries int
}

type indexView struct {
	Status statusView
	Cache  cacheView
	Logs   []logging.Line
	Token  string
}

func (a *App) cacheView() cacheView {
	return cacheView{Stats: a.cache.Stats(), Entries: a.cache.CacheLen()}
}
