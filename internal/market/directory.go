package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dydx-pairs-bot/internal/dydx/indexer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownMarket  = errors.New("unknown market")
	ErrMarketInactive = errors.New("market is not active")
)

const StatusActive = "ACTIVE"

// Market is the trading metadata needed to build a valid order.
type Market struct {
	Ticker      string
	ClobPairID  int
	Status      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	OraclePrice decimal.Decimal
}

func (m Market) Active() bool {
	return m.Status == "" || strings.EqualFold(m.Status, StatusActive)
}

// RoundPrice rounds to the nearest multiple of the tick size.
func (m Market) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return RoundToIncrement(price, m.TickSize)
}

// RoundSize rounds down to a multiple of the step size so a close never
// exceeds the position it reduces.
func (m Market) RoundSize(size decimal.Decimal) decimal.Decimal {
	return FloorToIncrement(size, m.StepSize)
}

func RoundToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if inc.Sign() <= 0 {
		return v
	}
	return v.Div(inc).Round(0).Mul(inc)
}

func FloorToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if inc.Sign() <= 0 {
		return v
	}
	return v.Div(inc).Floor().Mul(inc)
}

type Source interface {
	GetPerpetualMarkets(ctx context.Context, ticker string) (map[string]indexer.PerpetualMarket, error)
}

// Directory caches perpetual market metadata keyed by ticker.
type Directory struct {
	source Source
	log    *zap.Logger

	mu          sync.RWMutex
	markets     map[string]Market
	lastRefresh time.Time
}

func NewDirectory(source Source, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{source: source, log: log, markets: make(map[string]Market)}
}

// Refresh replaces the snapshot with every market the indexer reports.
func (d *Directory) Refresh(ctx context.Context) error {
	raw, err := d.source.GetPerpetualMarkets(ctx, "")
	if err != nil {
		return err
	}
	next := make(map[string]Market, len(raw))
	for key, pm := range raw {
		m, err := fromIndexer(key, pm)
		if err != nil {
			d.log.Warn("skipping market", zap.String("ticker", key), zap.Error(err))
			continue
		}
		next[m.Ticker] = m
	}
	d.mu.Lock()
	d.markets = next
	d.lastRefresh = time.Now().UTC()
	d.mu.Unlock()
	return nil
}

// Lookup returns cached metadata, fetching the single market on a miss.
func (d *Directory) Lookup(ctx context.Context, ticker string) (Market, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Market{}, ErrUnknownMarket
	}
	d.mu.RLock()
	m, ok := d.markets[ticker]
	d.mu.RUnlock()
	if ok {
		return m, nil
	}
	raw, err := d.source.GetPerpetualMarkets(ctx, ticker)
	if err != nil {
		return Market{}, fmt.Errorf("lookup %s: %w", ticker, err)
	}
	pm, ok := raw[ticker]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, ticker)
	}
	m, err = fromIndexer(ticker, pm)
	if err != nil {
		return Market{}, err
	}
	d.mu.Lock()
	d.markets[ticker] = m
	d.mu.Unlock()
	return m, nil
}

func (d *Directory) Tickers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.markets))
	for t := range d.markets {
		out = append(out, t)
	}
	return out
}

func (d *Directory) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}

func fromIndexer(key string, pm indexer.PerpetualMarket) (Market, error) {
	ticker := pm.Ticker
	if ticker == "" {
		ticker = key
	}
	clob, err := strconv.Atoi(strings.TrimSpace(pm.ClobPairID))
	if err != nil {
		return Market{}, fmt.Errorf("invalid clob pair id %q", pm.ClobPairID)
	}
	if pm.TickSize.Sign() <= 0 || pm.StepSize.Sign() <= 0 {
		return Market{}, errors.New("tick size and step size must be positive")
	}
	return Market{
		Ticker:      strings.ToUpper(ticker),
		ClobPairID:  clob,
		Status:      pm.Status,
		TickSize:    pm.TickSize,
		StepSize:    pm.StepSize,
		OraclePrice: pm.OraclePrice,
	}, nil
}
