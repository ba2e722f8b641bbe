package market

import (
	"context"
	"errors"
	"testing"

	"dydx-pairs-bot/internal/dydx/indexer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeSource struct {
	markets map[string]indexer.PerpetualMarket
	calls   []string
	err     error
}

func (f *fakeSource) GetPerpetualMarkets(_ context.Context, ticker string) (map[string]indexer.PerpetualMarket, error) {
	f.calls = append(f.calls, ticker)
	if f.err != nil {
		return nil, f.err
	}
	if ticker == "" {
		return f.markets, nil
	}
	out := map[string]indexer.PerpetualMarket{}
	if m, ok := f.markets[ticker]; ok {
		out[ticker] = m
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ethMarket() indexer.PerpetualMarket {
	return indexer.PerpetualMarket{
		Ticker:     "ETH-USD",
		ClobPairID: "1",
		Status:     "ACTIVE",
		TickSize:   dec("0.1"),
		StepSize:   dec("0.001"),
	}
}

func TestRoundPriceToTick(t *testing.T) {
	m := Market{TickSize: dec("0.1"), StepSize: dec("0.001")}
	got := m.RoundPrice(dec("2000").Mul(dec("0.3")))
	if !got.Equal(dec("600.0")) {
		t.Fatalf("expected 600.0, got %s", got)
	}
	got = m.RoundPrice(dec("1234.56"))
	if !got.Equal(dec("1234.6")) {
		t.Fatalf("expected 1234.6, got %s", got)
	}
}

func TestRoundSizeFloorsToStep(t *testing.T) {
	m := Market{TickSize: dec("0.1"), StepSize: dec("0.001")}
	got := m.RoundSize(dec("1.23489"))
	if !got.Equal(dec("1.234")) {
		t.Fatalf("expected 1.234, got %s", got)
	}
	m.StepSize = dec("10")
	got = m.RoundSize(dec("9"))
	if !got.IsZero() {
		t.Fatalf("expected size below one step to floor to zero, got %s", got)
	}
}

func TestRoundingWithoutIncrementIsIdentity(t *testing.T) {
	m := Market{}
	if got := m.RoundPrice(dec("1.2345")); !got.Equal(dec("1.2345")) {
		t.Fatalf("expected unchanged price, got %s", got)
	}
}

func TestDirectoryRefreshAndLookup(t *testing.T) {
	src := &fakeSource{markets: map[string]indexer.PerpetualMarket{
		"ETH-USD": ethMarket(),
		"BAD-USD": {Ticker: "BAD-USD", ClobPairID: "x", TickSize: dec("1"), StepSize: dec("1")},
	}}
	dir := NewDirectory(src, zap.NewNop())
	if err := dir.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(dir.Tickers()) != 1 {
		t.Fatalf("expected malformed market skipped, got %v", dir.Tickers())
	}
	m, err := dir.Lookup(context.Background(), "eth-usd")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.ClobPairID != 1 || !m.TickSize.Equal(dec("0.1")) || !m.Active() {
		t.Fatalf("unexpected market: %+v", m)
	}
	if len(src.calls) != 1 {
		t.Fatalf("expected cached lookup, got calls %v", src.calls)
	}
}

func TestDirectoryLookupFetchesOnMiss(t *testing.T) {
	src := &fakeSource{markets: map[string]indexer.PerpetualMarket{"ETH-USD": ethMarket()}}
	dir := NewDirectory(src, zap.NewNop())
	if _, err := dir.Lookup(context.Background(), "ETH-USD"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := dir.Lookup(context.Background(), "ETH-USD"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if len(src.calls) != 1 || src.calls[0] != "ETH-USD" {
		t.Fatalf("expected single targeted fetch, got %v", src.calls)
	}
	if _, err := dir.Lookup(context.Background(), "DOGE-USD"); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestDirectoryRefreshError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	dir := NewDirectory(src, zap.NewNop())
	if err := dir.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if !dir.LastRefresh().IsZero() {
		t.Fatalf("expected last refresh untouched on error")
	}
}
