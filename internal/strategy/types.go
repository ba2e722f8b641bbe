package strategy

import (
	"errors"
	"fmt"
	"strings"

	"dydx-pairs-bot/internal/exec"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	// DirectionLongSpread buys market 1 and sells market 2.
	DirectionLongSpread Direction = "LONG_SPREAD"
	// DirectionShortSpread sells market 1 and buys market 2.
	DirectionShortSpread Direction = "SHORT_SPREAD"
)

// DirectionFromZScore trades toward the mean: a negative spread z-score
// means market 1 is cheap relative to market 2.
func DirectionFromZScore(z float64) Direction {
	if z < 0 {
		return DirectionLongSpread
	}
	return DirectionShortSpread
}

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is an externally generated pair trade.
type Signal struct {
	Market1    string          `json:"market_1"`
	Market2    string          `json:"market_2"`
	HedgeRatio float64         `json:"hedge_ratio"`
	ZScore     float64         `json:"z_score"`
	Direction  Direction       `json:"direction"`
	Price1     decimal.Decimal `json:"price_1"`
	Price2     decimal.Decimal `json:"price_2"`
	Size1      decimal.Decimal `json:"size_1"`
	Size2      decimal.Decimal `json:"size_2"`
}

func (s *Signal) Normalize() error {
	s.Market1 = strings.ToUpper(strings.TrimSpace(s.Market1))
	s.Market2 = strings.ToUpper(strings.TrimSpace(s.Market2))
	s.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(s.Direction))))
	if s.Direction == "" {
		s.Direction = DirectionFromZScore(s.ZScore)
	}
	switch {
	case s.Market1 == "" || s.Market2 == "":
		return fmt.Errorf("%w: both markets are required", ErrInvalidSignal)
	case s.Market1 == s.Market2:
		return fmt.Errorf("%w: markets must differ", ErrInvalidSignal)
	case s.Direction != DirectionLongSpread && s.Direction != DirectionShortSpread:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSignal, s.Direction)
	case s.Price1.Sign() <= 0 || s.Price2.Sign() <= 0:
		return fmt.Errorf("%w: prices must be positive", ErrInvalidSignal)
	case s.Size1.Sign() <= 0 || s.Size2.Sign() <= 0:
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidSignal)
	}
	return nil
}

// Legs returns the two order intents of the signal, market 1 first.
func (s Signal) Legs(tif exec.TimeInForce) [2]exec.OrderIntent {
	side1, side2 := exec.SideBuy, exec.SideSell
	if s.Direction == DirectionShortSpread {
		side1, side2 = exec.SideSell, exec.SideBuy
	}
	return [2]exec.OrderIntent{
		{Market: s.Market1, Side: side1, Size: s.Size1, Price: s.Price1, TimeInForce: tif},
		{Market: s.Market2, Side: side2, Size: s.Size2, Price: s.Price2, TimeInForce: tif},
	}
}
