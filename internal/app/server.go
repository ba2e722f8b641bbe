package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"dydx-pairs-bot/internal/exec"
	"dydx-pairs-bot/internal/liquidation"
	"dydx-pairs-bot/internal/state"
	"dydx-pairs-bot/internal/strategy"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxSignalBody = 64 << 10

type orderView struct {
	OrderID      string `json:"order_id"`
	ClientID     uint32 `json:"client_id"`
	ClobPairID   int    `json:"clob_pair_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	Price        string `json:"price"`
	ReduceOnly   bool   `json:"reduce_only"`
	Status       string `json:"status"`
	GoodTilBlock int64  `json:"good_til_block"`
}

type cancelView struct {
	OrderID string `json:"order_id"`
	Market  string `json:"market,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type cancelAllView struct {
	Outcome string       `json:"outcome"`
	Results []cancelView `json:"results"`
	Error   string       `json:"error,omitempty"`
}

type failureView struct {
	Market string `json:"market"`
	Error  string `json:"error"`
}

type runView struct {
	ID            string        `json:"id"`
	State         string        `json:"state"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Positions     int           `json:"positions"`
	Closed        []orderView   `json:"closed"`
	Failures      []failureView `json:"failures"`
	CancelOutcome string        `json:"cancel_outcome"`
	Partial       bool          `json:"partial"`
	Checkpointed  bool          `json:"checkpointed"`
	Error         string        `json:"error,omitempty"`
}

type errorView struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) startServer(ctx context.Context) error {
	if !a.cfg.Metrics.EnabledValue() && !a.cfg.Admin.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return err
	}
	a.server = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server stopped", zap.Error(err))
		}
	}()
	a.log.Info("http server listening",
		zap.String("address", ln.Addr().String()),
		zap.Bool("admin", a.cfg.Admin.Enabled),
	)
	return nil
}

// Router serves metrics and, when enabled, the token-protected admin API.
func (a *App) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestLogging)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.prom != nil {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.prom.Handler())
	}
	if !a.cfg.Admin.Enabled {
		return r
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(a.requireToken)
		r.Get("/orders", a.handleOrders)
		r.Get("/agents", a.handleAgents)
		r.Get("/liquidation", a.handleLastRun)
		r.Post("/orders/{order_id}/cancel", a.handleCancel)
		r.Post("/cancel-all", a.handleCancelAll)
		r.Post("/liquidate", a.handleLiquidate)
		r.Post("/signals", a.handleSignal)
		r.Post("/pause", a.handlePause(true))
		r.Post("/resume", a.handlePause(false))
	})
	return r
}

func (a *App) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		if r.URL.Path == a.cfg.Metrics.Path {
			return
		}
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (a *App) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := strings.TrimSpace(a.cfg.Admin.Token)
		if want == "" {
			writeError(w, http.StatusForbidden, "forbidden", "admin token not configured")
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := a.engine.Registry().Snapshot()
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := state.LoadTrackedAgents(r.Context(), a.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if agents == nil {
		agents = []state.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *App) handleLastRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.liquidator.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no liquidation has run")
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run))
}

func (a *App) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	outcome, err := a.Cancel(r.Context(), orderID)
	view := cancelView{OrderID: orderID, Outcome: outcome.String()}
	status := http.StatusOK
	if err != nil {
		view.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, view)
}

func (a *App) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	summary, err := a.CancelAll(r.Context())
	view := newCancelAllView(summary)
	status := http.StatusOK
	if err != nil {
		view.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, view)
}

func (a *App) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	run, err := a.Liquidate(r.Context())
	if run == nil {
		writeError(w, http.StatusInternalServerError, "liquidation_error", errString(err))
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, newRunView(run))
}

func (a *App) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig strategy.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	orders, err := a.ExecuteSignal(r.Context(), sig)
	if err != nil {
		writeError(w, signalStatus(err), signalErrorCode(err), err.Error())
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *App) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"paused": a.setPaused(paused)})
	}
}

func signalStatus(err error) int {
	switch {
	case errors.Is(err, ErrPaused):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, strategy.ErrNotionalLimit), errors.Is(err, strategy.ErrOpenOrdersLimit), errors.Is(err, exec.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exec.ErrUnresolved), errors.Is(err, exec.ErrTransient):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func signalErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, strategy.ErrInvalidSignal):
		return "invalid_signal"
	case errors.Is(err, strategy.ErrNotionalLimit), errors.Is(err, strategy.ErrOpenOrdersLimit):
		return "risk_limit"
	case errors.Is(err, exec.ErrRejected):
		return "rejected"
	case errors.Is(err, exec.ErrUnresolved):
		return "unresolved"
	case errors.Is(err, exec.ErrTransient):
		return "indexer_unavailable"
	}
	return "execution_error"
}

func newOrderView(o exec.ReconciledOrder) orderView {
	return orderView{
		OrderID:      o.OrderID,
		ClientID:     o.ClientID,
		ClobPairID:   o.ClobPairID,
		Market:       o.Market,
		Side:         string(o.Side),
		Size:         o.Size.String(),
		Price:        o.Price.String(),
		ReduceOnly:   o.ReduceOnly,
		Status:       string(o.Status),
		GoodTilBlock: o.GoodTilBlock,
	}
}

func newCancelAllView(summary exec.CancelSummary) cancelAllView {
	view := cancelAllView{Outcome: summary.Outcome.String(), Results: make([]cancelView, 0, len(summary.Results))}
	for _, res := range summary.Results {
		view.Results = append(view.Results, cancelView{
			OrderID: res.OrderID,
			Market:  res.Market,
			Outcome: res.Outcome.String(),
			Error:   errString(res.Err),
		})
	}
	return view
}

func newRunView(run *liquidation.Run) runView {
	view := runView{
		ID:            run.ID,
		State:         string(run.State),
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Positions:     len(run.Positions),
		Closed:        make([]orderView, 0, len(run.Closed)),
		Failures:      make([]failureView, 0, len(run.Failures)),
		CancelOutcome: run.Cancel.Outcome.String(),
		Partial:       run.Partial,
		Checkpointed:  run.Checkpointed,
		Error:         errString(run.Err),
	}
	for _, o := range run.Closed {
		view.Closed = append(view.Closed, newOrderView(o))
	}
	for _, f := range run.Failures {
		view.Failures = append(view.Failures, failureView{Market: f.Market, Error: errString(f.Err)})
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorView{Error: code, Message: message})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
