package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dydx-pairs-bot/internal/alerts"
	"dydx-pairs-bot/internal/config"
	"dydx-pairs-bot/internal/exec"
	"dydx-pairs-bot/internal/state"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	operatorCursorKey   = "telegram:operator:last_update_id"
	defaultOperatorPoll = 3 * time.Second
	maxOperatorBackoff  = time.Minute
)

// opRequest is one parsed operator message.
type opRequest struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Text     string
	Args     []string
}

type opAudit struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
	Result       string             `json:"result,omitempty"`
}

type opCommand struct {
	name  string
	usage string
	help  string
	run   func(a *App, ctx context.Context, req opRequest) (string, error)
}

var opCommands = []opCommand{
	{name: "status", help: "current bot status", run: func(a *App, ctx context.Context, _ opRequest) (string, error) {
		return a.operatorStatus(ctx), nil
	}},
	{name: "orders", help: "tracked orders", run: func(a *App, _ context.Context, _ opRequest) (string, error) {
		return a.operatorOrders(), nil
	}},
	{name: "pause", help: "reject new signals", run: func(a *App, ctx context.Context, req opRequest) (string, error) {
		return a.opSetPaused(ctx, req, true), nil
	}},
	{name: "resume", help: "accept signals again", run: func(a *App, ctx context.Context, req opRequest) (string, error) {
		return a.opSetPaused(ctx, req, false), nil
	}},
	{name: "cancel", usage: "<order_id>", help: "cancel one order", run: (*App).opCancel},
	{name: "cancelall", help: "cancel every open order", run: (*App).opCancelAll},
	{name: "liquidate", usage: "confirm", help: "cancel all orders and close all positions", run: (*App).opLiquidate},
	{name: "risk", usage: "show|set key=value ...|reset", help: "inspect or override risk limits", run: (*App).opRisk},
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || !a.alerts.Enabled() || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	poll := a.cfg.Telegram.OperatorPollInterval
	if poll <= 0 {
		poll = defaultOperatorPoll
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowed, poll)
}

// operatorLoop long-polls Telegram until ctx ends. Poll failures back off
// exponentially and are logged once per outage.
func (a *App) operatorLoop(ctx context.Context, chatID int64, allowed map[int64]struct{}, poll time.Duration) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = poll
	bo.MaxInterval = maxOperatorBackoff
	bo.MaxElapsedTime = 0

	cursor := state.LoadCursor(ctx, a.store, operatorCursorKey)
	failing := false
	for ctx.Err() == nil {
		updates, err := a.alerts.GetUpdates(ctx, cursor, poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !failing {
				a.log.Warn("telegram operator failed", zap.Error(err))
				failing = true
			}
			if sleepCtx(ctx, bo.NextBackOff()) != nil {
				return
			}
			continue
		}
		if failing {
			a.log.Info("telegram operator recovered")
			failing = false
		}
		bo.Reset()
		for _, upd := range updates {
			if upd.UpdateID >= cursor {
				cursor = upd.UpdateID + 1
				if err := state.SaveCursor(ctx, a.store, operatorCursorKey, cursor); err != nil {
					a.log.Warn("operator cursor not saved", zap.Error(err))
				}
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowed)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowed map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != chatID {
		return
	}
	if _, ok := allowed[msg.From.ID]; len(allowed) > 0 && !ok {
		return
	}
	name, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	reply, err := a.handleOperatorCommand(ctx, name, opRequest{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Text:     msg.Text,
		Args:     args,
	})
	if err != nil {
		reply = "command failed: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := a.alerts.Send(ctx, reply); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/name@bot arg ..." into a lower-cased name
// and its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name, _, _ := strings.Cut(strings.ToLower(fields[0][1:]), "@")
	return name, fields[1:], name != ""
}

func (a *App) handleOperatorCommand(ctx context.Context, name string, req opRequest) (string, error) {
	for _, cmd := range opCommands {
		if cmd.name == name {
			return cmd.run(a, ctx, req)
		}
	}
	return operatorHelpText(), nil
}

func (a *App) opSetPaused(ctx context.Context, req opRequest, want bool) string {
	before := a.isPaused()
	after := a.setPaused(want)
	action := "resume"
	if want {
		action = "pause"
	}
	a.audit(ctx, req, action, func(ev *opAudit) { ev.PausedBefore, ev.PausedAfter = before, after })
	switch {
	case before == after && after:
		return "trading already paused"
	case before == after:
		return "trading already active"
	case after:
		return "trading paused"
	}
	return "trading resumed"
}

func (a *App) opCancel(ctx context.Context, req opRequest) (string, error) {
	if len(req.Args) != 1 {
		return "", errors.New("usage: /cancel <order_id>")
	}
	id := req.Args[0]
	outcome, err := a.Cancel(ctx, id)
	a.audit(ctx, req, "cancel", func(ev *opAudit) { ev.Result = outcome.String() })
	if err != nil {
		return fmt.Sprintf("cancel %s: %s (%v)", id, outcome, err), nil
	}
	return fmt.Sprintf("cancel %s: %s", id, outcome), nil
}

func (a *App) opCancelAll(ctx context.Context, req opRequest) (string, error) {
	summary, err := a.CancelAll(ctx)
	a.audit(ctx, req, "cancel_all", func(ev *opAudit) { ev.Result = summary.Outcome.String() })
	return cancelSummaryText(summary, err), nil
}

func (a *App) opLiquidate(ctx context.Context, req opRequest) (string, error) {
	if len(req.Args) != 1 || !strings.EqualFold(req.Args[0], "confirm") {
		return "liquidation closes every position; send /liquidate confirm", nil
	}
	run, err := a.Liquidate(ctx)
	a.audit(ctx, req, "liquidate", func(ev *opAudit) {
		if run != nil {
			ev.Result = string(run.State)
		}
	})
	if run == nil {
		return "", err
	}
	// The orchestrator alerts with the run summary.
	return "", nil
}

func (a *App) opRisk(ctx context.Context, req opRequest) (string, error) {
	sub := "show"
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
	}
	switch sub {
	case "show":
		return a.riskStatus(), nil
	case "reset":
		before := a.riskOverrideSnapshot()
		a.clearRiskOverride()
		a.audit(ctx, req, "risk_reset", func(ev *opAudit) { ev.RiskBefore = before })
		return "risk override cleared", nil
	case "set":
		before := a.riskOverrideSnapshot()
		next, err := applyRiskArgs(a.riskConfig(), req.Args[1:])
		if err != nil {
			return "", err
		}
		if next == a.cfg.Risk {
			a.clearRiskOverride()
		} else {
			a.setRiskOverride(next)
		}
		after := a.riskOverrideSnapshot()
		a.audit(ctx, req, "risk_set", func(ev *opAudit) { ev.RiskBefore, ev.RiskAfter = before, after })
		return "risk override updated", nil
	}
	return "", errors.New("unknown risk command: use /risk show|set|reset")
}

var riskSetters = map[string]func(*config.RiskConfig, string) error{
	"max_notional_usd": func(r *config.RiskConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f < 0 {
			return errors.New("must be >= 0")
		}
		r.MaxNotionalUSD = f
		return nil
	},
	"max_open_orders": func(r *config.RiskConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.New("must be >= 0")
		}
		r.MaxOpenOrders = n
		return nil
	},
}

// applyRiskArgs applies key=value pairs to base. Any bad pair rejects the
// whole set.
func applyRiskArgs(base config.RiskConfig, args []string) (config.RiskConfig, error) {
	if len(args) == 0 {
		return base, errors.New("risk set requires key=value pairs")
	}
	next := base
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key, val = strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return base, fmt.Errorf("invalid risk setting: %s", arg)
		}
		set, known := riskSetters[key]
		if !known {
			return base, fmt.Errorf("unknown risk key: %s", key)
		}
		if err := set(&next, val); err != nil {
			return base, fmt.Errorf("%s: %w", key, err)
		}
	}
	return next, nil
}

func (a *App) audit(ctx context.Context, req opRequest, action string, fill func(*opAudit)) {
	ev := opAudit{
		UpdateID: req.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  req.Text,
		UserID:   req.UserID,
		Username: req.Username,
		ChatID:   req.ChatID,
	}
	if fill != nil {
		fill(&ev)
	}
	if err := state.AppendAudit(ctx, a.store, ev.Time, a.auditSeq.Add(1), ev); err != nil && a.log != nil {
		a.log.Warn("operator audit not saved", zap.String("action", ev.Action), zap.Error(err))
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil {
		return "status unavailable"
	}
	tracked := "unavailable"
	if agents, err := state.LoadTrackedAgents(ctx, a.store); err == nil {
		tracked = strconv.Itoa(len(agents))
	}
	height := "n/a"
	if a.heights != nil {
		if h, ok := a.heights.Height(a.cfg.Indexer.HeightMaxAge); ok {
			height = strconv.FormatInt(h, 10)
		}
	}
	lastRun := "none"
	if run, ok := a.liquidator.LastRun(); ok {
		lastRun = fmt.Sprintf("%s at %s", run.State, run.FinishedAt.Format(time.RFC3339))
	}
	marketsAt := "never"
	if t := a.markets.LastRefresh(); !t.IsZero() {
		marketsAt = t.UTC().Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "paused: %t\n", a.isPaused())
	fmt.Fprintf(&b, "open_orders: %d\n", a.openOrders())
	fmt.Fprintf(&b, "tracked_orders: %d\n", a.engine.Registry().Len())
	fmt.Fprintf(&b, "tracked_agents: %s\n", tracked)
	fmt.Fprintf(&b, "block_height: %s\n", height)
	fmt.Fprintf(&b, "liquidation_state: %s\n", a.liquidator.State())
	fmt.Fprintf(&b, "last_liquidation: %s\n", lastRun)
	fmt.Fprintf(&b, "markets_refreshed: %s\n", marketsAt)
	fmt.Fprintf(&b, "risk_override_active: %t", a.riskOverrideSnapshot() != nil)
	return b.String()
}

func (a *App) operatorOrders() string {
	orders := a.engine.Registry().Snapshot()
	if len(orders) == 0 {
		return "no tracked orders"
	}
	lines := make([]string, 0, len(orders))
	for _, o := range orders {
		lines = append(lines, fmt.Sprintf("%s %s %s %s@%s %s", shortID(o.OrderID), o.Market, o.Side, o.Size, o.Price, o.Status))
	}
	return strings.Join(lines, "\n")
}

func cancelSummaryText(summary exec.CancelSummary, err error) string {
	if err != nil {
		return fmt.Sprintf("cancel all failed: %v", err)
	}
	lines := []string{fmt.Sprintf("cancel all: %s (%d orders)", summary.Outcome, len(summary.Results))}
	for _, res := range summary.Failed() {
		lines = append(lines, fmt.Sprintf("failed %s %s: %v", shortID(res.OrderID), res.Market, res.Err))
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus() string {
	format := func(label string, r config.RiskConfig) string {
		return fmt.Sprintf("risk %s: max_notional_usd=%.2f max_open_orders=%d", label, r.MaxNotionalUSD, r.MaxOpenOrders)
	}
	out := format("effective", a.riskConfig())
	if override := a.riskOverrideSnapshot(); override != nil {
		return out + "\n" + format("override", *override)
	}
	return out + "\nrisk override: none"
}

func operatorHelpText() string {
	var b strings.Builder
	b.WriteString("commands:")
	for _, cmd := range opCommands {
		b.WriteString("\n/" + cmd.name)
		if cmd.usage != "" {
			b.WriteString(" " + cmd.usage)
		}
		b.WriteString(" - " + cmd.help)
	}
	return b.String()
}

func (a *App) isPaused() bool {
	return a.paused.Load()
}

func (a *App) setPaused(paused bool) bool {
	a.paused.Store(paused)
	return paused
}

// riskConfig is the operator override when one is set, else the configured
// limits.
func (a *App) riskConfig() config.RiskConfig {
	if override := a.riskOverride.Load(); override != nil {
		return *override
	}
	return a.cfg.Risk
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	override := a.riskOverride.Load()
	if override == nil {
		return nil
	}
	cp := *override
	return &cp
}

func (a *App) setRiskOverride(risk config.RiskConfig) {
	a.riskOverride.Store(&risk)
}

func (a *App) clearRiskOverride() {
	a.riskOverride.Store(nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
