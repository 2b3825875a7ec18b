// Package journal records arbitrage trade outcomes and fans them out to
// external sinks.
package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegResult is the outcome of one arbitrage leg
type LegResult struct {
	Venue   string `json:"venue"`
	Symbol  string `json:"symbol"`
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// TradeRecord is one executed (or simulated) arbitrage
type TradeRecord struct {
	ID              string          `json:"id"`
	Strategy        string          `json:"strategy"`
	Mode            string          `json:"mode"`
	Symbol          string          `json:"symbol"`
	Size            decimal.Decimal `json:"size"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	DeltaPercentage decimal.Decimal `json:"delta_percentage"`
	ExpectedProfit  decimal.Decimal `json:"expected_profit"`
	Buy             LegResult       `json:"buy"`
	Sell            LegResult       `json:"sell"`
	ExecutionTime   time.Duration   `json:"execution_time"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Profitable reports whether both legs succeeded
func (r TradeRecord) Profitable() bool {
	return r.Buy.Success && r.Sell.Success
}

// Partial reports exactly one successful leg
func (r TradeRecord) Partial() bool {
	return r.Buy.Success != r.Sell.Success
}

// Fill is one execution reported by a venue, with the realized pnl it closed
type Fill struct {
	Size      decimal.Decimal `json:"sz"`
	Price     decimal.Decimal `json:"px"`
	ClosedPnl decimal.Decimal `json:"closedPnl"`
}

// PnLSummary aggregates fills
type PnLSummary struct {
	TotalTrades int             `json:"total_trades"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	WinCount    int             `json:"win_count"`
	LossCount   int             `json:"loss_count"`
	WinRate     float64         `json:"win_rate"`
	AvgWin      decimal.Decimal `json:"avg_win"`
	AvgLoss     decimal.Decimal `json:"avg_loss"`
}

// CalculatePnL summarizes fills. Win rate is a percentage of all fills;
// fills with zero pnl count as neither win nor loss.
func CalculatePnL(fills []Fill) PnLSummary {
	s := PnLSummary{TotalVolume: decimal.Zero, TotalPnL: decimal.Zero, AvgWin: decimal.Zero, AvgLoss: decimal.Zero}
	if len(fills) == 0 {
		return s
	}

	wins, losses := decimal.Zero, decimal.Zero
	for _, f := range fills {
		s.TotalVolume = s.TotalVolume.Add(f.Size.Mul(f.Price))
		s.TotalPnL = s.TotalPnL.Add(f.ClosedPnl)
		switch {
		case f.ClosedPnl.IsPositive():
			s.WinCount++
			wins = wins.Add(f.ClosedPnl)
		case f.ClosedPnl.IsNegative():
			s.LossCount++
			losses = losses.Add(f.ClosedPnl)
		}
	}
	s.TotalTrades = len(fills)
	s.WinRate = float64(s.WinCount) / float64(s.TotalTrades) * 100
	if s.WinCount > 0 {
		s.AvgWin = wins.Div(decimal.NewFromInt(int64(s.WinCount)))
	}
	if s.LossCount > 0 {
		s.AvgLoss = losses.Div(decimal.NewFromInt(int64(s.LossCount)))
	}
	return s
}

// TradeStats aggregates trade records the way the arbitrage strategy reports them
type TradeStats struct {
	Profitable   int             `json:"profitable_trades"`
	Unprofitable int             `json:"unprofitable_trades"`
	WinRate      float64         `json:"win_rate"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
}

// Stats computes TradeStats; only fully executed trades add expected profit
func Stats(records []TradeRecord) TradeStats {
	st := TradeStats{TotalProfit: decimal.Zero}
	for _, r := range records {
		if r.Profitable() {
			st.Profitable++
			st.TotalProfit = st.TotalProfit.Add(r.ExpectedProfit)
		} else {
			st.Unprofitable++
		}
	}
	if n := st.Profitable + st.Unprofitable; n > 0 {
		st.WinRate = float64(st.Profitable) / float64(n) * 100
	}
	return st
}
