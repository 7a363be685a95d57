package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/papaburgs/spacetraders-zero/internal/trader"
)

// Routes registers every dashboard endpoint on mux.
func (a *App) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", a.RootHandler)
	mux.HandleFunc("/status", a.StatusHandler)
	mux.HandleFunc("/logs", a.LogsHandler)
	mux.HandleFunc("/start", a.StartHandler)
	mux.HandleFunc("/stop", a.StopHandler)
	mux.HandleFunc("/chart", a.LoadChartHandler)
	mux.HandleFunc("/export", a.ExportHandler)
	mux.HandleFunc("/cache", a.CacheHandler)
}

func (a *App) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.t.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
	}
}

func (a *App) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	slog.Debug("Incoming request", "endpoint", "index")
	a.render(w, "index.html", indexView{
		Status: statusView{Status: a.agent.Status()},
		Cache:  a.cacheView(),
		Logs:   a.logs.Lines(),
		Token:  a.tokenHint,
	})
}

func (a *App) StatusHandler(w http.ResponseWriter, r *http.Request) {
	a.render(w, "status.html", statusView{Status: a.agent.Status()})
}

func (a *App) LogsHandler(w http.ResponseWriter, r *http.Request) {
	a.render(w, "logs.html", a.logs.Lines())
}

// htmx marks its requests; plain form posts get redirected home instead
// of receiving a fragment.
func partial(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func (a *App) StartHandler(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, "start", func() error { return a.agent.Start(a.ctx) })
}

func (a *App) StopHandler(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, "stop", a.agent.Stop)
}

func (a *App) control(w http.ResponseWriter, r *http.Request, action string, do func() error) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slog.Info("Incoming request", "endpoint", action)

	err := do()
	view := statusView{Status: a.agent.Status()}
	code := http.StatusOK
	switch {
	case errors.Is(err, trader.ErrAlreadyRunning):
		view.Flash, code = "The agent is already running.", http.StatusConflict
	case errors.Is(err, trader.ErrNotRunning):
		view.Flash, code = "The agent is not running.", http.StatusConflict
	case err != nil:
		slog.Error("agent control failed", "action", action, "error", err)
		view.Flash, code = "Could not "+action+" the agent: "+err.Error(), http.StatusInternalServerError
	}

	if !partial(r) && err == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := a.t.ExecuteTemplate(w, "status.html", view); err != nil {
		slog.Error("failed to render template", "template", "status.html", "error", err)
	}
}

func (a *App) LoadChartHandler(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		http.Error(w, "no history store configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	// the running agent plus any others asked for, e.g. ?agents=A,B
	agents := mergeAgents(a.agent.Status().Agent.Symbol, q.Get("agents"))
	period := q.Get("period")
	slog.Debug("Incoming request", "endpoint", "chart", "period", period, "agents", agents)

	line := a.CreditChart(r.Context(), agents, period)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.RenderChartFragment(w, line); err != nil {
		slog.Error("failed to render chart", "error", err)
	}
}

// ExportHandler downloads the trader's state and last status as JSON.
func (a *App) ExportHandler(w http.ResponseWriter, r *http.Request) {
	s := a.agent.Status()
	data := map[string]any{
		"exported": time.Now().UTC(),
		"agent":    s.Agent,
		"phase":    s.Phase,
		"contract": s.Contract,
		"ships":    s.Ships,
		"state":    s.State,
		"cache":    a.cache.Stats(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		http.Error(w, "failed to marshal export data", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="agent-state.json"`)
	_, _ = w.Write(b)
}

// CacheHandler shows the response cache counters; a POST empties it.
func (a *App) CacheHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		a.cache.ClearCache()
		slog.Info("response cache cleared")
		if !partial(r) {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.render(w, "cache.html", a.cacheView())
}
