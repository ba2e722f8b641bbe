package strategy

import (
	"errors"
	"fmt"

	"dydx-pairs-bot/internal/config"
	"dydx-pairs-bot/internal/exec"

	"github.com/shopspring/decimal"
)

var (
	ErrNotionalLimit   = errors.New("notional exceeds configured maximum")
	ErrOpenOrdersLimit = errors.New("open orders exceed configured maximum")
)

// CheckIntent applies pre-trade limits. Reduce-only intents bypass the
// notional cap so positions can always be closed.
func CheckIntent(cfg config.RiskConfig, intent exec.OrderIntent, openOrders int) error {
	if !intent.ReduceOnly && cfg.MaxNotionalUSD > 0 {
		limit := decimal.NewFromFloat(cfg.MaxNotionalUSD)
		if n := intent.Notional(); n.GreaterThan(limit) {
			return fmt.Errorf("%s notional %s above %s: %w", intent.Market, n.StringFixed(2), limit.StringFixed(2), ErrNotionalLimit)
		}
	}
	if cfg.MaxOpenOrders > 0 && openOrders >= cfg.MaxOpenOrders {
		return fmt.Errorf("%d open orders, max %d: %w", openOrders, cfg.MaxOpenOrders, ErrOpenOrdersLimit)
	}
	return nil
}

// CheckSignal validates both legs against the limits, counting the first
// leg toward the open order cap of the second.
func CheckSignal(cfg config.RiskConfig, legs [2]exec.OrderIntent, openOrders int) error {
	for i, leg := range legs {
		if err := CheckIntent(cfg, leg, openOrders+i); err != nil {
			return err
		}
	}
	return nil
}
