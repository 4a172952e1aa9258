package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"core.ktrdr.dev/db"
)

const backtestSchemaVersion = 1

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

const (
	equitySampleEvery   = 1000
	progressReportEvery = 100
	fallbackBarTick     = 1000
)

// BacktestState is the checkpoint state of a backtest. BarIndex counts
// bars already processed; a resumed run regenerates the price series,
// recomputes its indicators over the full range and continues at
// BarIndex.
type BacktestState struct {
	SchemaVersion int            `json:"schema_version"`
	OperationType string         `json:"operation_type"`
	BarIndex      int            `json:"bar_index"`
	CurrentDate   string         `json:"current_date"`
	Cash          float64        `json:"cash"`
	Positions     []Position     `json:"positions"`
	Trades        []Trade        `json:"trades"`
	EquitySamples []EquitySample `json:"equity_samples"`
	PayloadRef    string         `json:"request_payload_ref,omitempty"`
}

// Position is an open holding.
type Position struct {
	Symbol     string  `json:"symbol"`
	Units      float64 `json:"units"`
	EntryPrice float64 `json:"entry_price"`
	EntryBar   int     `json:"entry_bar"`
}

// Trade is one executed order.
type Trade struct {
	Bar   int     `json:"bar"`
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Units float64 `json:"units"`
	PnL   float64 `json:"pnl,omitempty"`
}

// EquitySample is a periodic equity curve point.
type EquitySample struct {
	Bar    int     `json:"bar"`
	Equity float64 `json:"equity"`
}

type backtestRequest struct {
	Symbol      string  `json:"symbol"`
	Strategy    string  `json:"strategy"`
	Bars        int     `json:"bars"`
	Seed        int64   `json:"seed"`
	InitialCash float64 `json:"initial_cash"`
	FastPeriod  int     `json:"fast_period"`
	SlowPeriod  int     `json:"slow_period"`
	StartDate   string  `json:"start_date"`
}

func defaultBacktestRequest() backtestRequest {
	return backtestRequest{
		Symbol:      "EURUSD",
		Bars:        10000,
		Seed:        42,
		InitialCash: 100000,
		FastPeriod:  10,
		SlowPeriod:  30,
		StartDate:   "2024-01-02",
	}
}

// Backtester runs a moving-average crossover simulation over a
// synthetic price walk generated from the request seed. Every quantity
// is a deterministic function of (seed, bar), which is what makes a
// cancelled-then-resumed run land on the same final equity and trade
// count as an uninterrupted one.
type Backtester struct{}

// NewBacktester creates a backtesting executor.
func NewBacktester() *Backtester {
	return &Backtester{}
}

// Type returns the operation type tag this executor serves.
func (b *Backtester) Type() string {
	return db.TypeBacktesting
}

// Run simulates from bar 0, or seeks to the checkpointed bar when a
// resume context is given. Cancellation is observed at every
// checkpoint-policy tick.
func (b *Backtester) Run(ctx context.Context, session Session, payload json.RawMessage, resume *ResumeContext) (json.RawMessage, error) {
	req := defaultBacktestRequest()
	if resume != nil && len(resume.RequestPayload) > 0 {
		payload = resume.RequestPayload
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("unreadable backtest payload: %w", err)
		}
	}
	if req.Bars <= 0 {
		return nil, fmt.Errorf("backtest payload requests %d bars", req.Bars)
	}
	if req.FastPeriod <= 0 || req.SlowPeriod <= req.FastPeriod {
		return nil, fmt.Errorf("backtest periods invalid: fast=%d slow=%d", req.FastPeriod, req.SlowPeriod)
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("unreadable backtest start_date: %w", err)
	}

	state := &BacktestState{
		SchemaVersion: backtestSchemaVersion,
		OperationType: db.TypeBacktesting,
		Cash:          req.InitialCash,
		PayloadRef:    req.Symbol,
	}
	if resume != nil && len(resume.State) > 0 {
		if err := json.Unmarshal(resume.State, state); err != nil {
			return nil, fmt.Errorf("unreadable backtest checkpoint state: %w", err)
		}
		if state.BarIndex > req.Bars {
			return nil, fmt.Errorf("checkpoint bar %d beyond requested range %d", state.BarIndex, req.Bars)
		}
	}

	session.OnBuildCheckpoint(func() (interface{}, map[string][]byte, error) {
		snapshot := *state
		snapshot.CurrentDate = barDate(start, snapshot.BarIndex)
		return &snapshot, nil, nil
	})

	prices := priceSeries(req.Seed, req.Bars)
	fast := newRollingMean(req.FastPeriod)
	slow := newRollingMean(req.SlowPeriod)
	for i := 0; i < state.BarIndex; i++ {
		fast.push(prices[i])
		slow.push(prices[i])
	}

	tick := session.Policy().UnitInterval
	if tick <= 0 {
		tick = fallbackBarTick
	}

	lastPrice := 0.0
	if state.BarIndex > 0 {
		lastPrice = prices[state.BarIndex-1]
	}

	for bar := state.BarIndex; bar < req.Bars; bar++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		price := prices[bar]
		fastPrev, fastReady := fast.mean()
		slowPrev, slowReady := slow.mean()
		fast.push(price)
		slow.push(price)
		fastNow, _ := fast.mean()
		slowNow, _ := slow.mean()

		if fastReady && slowReady {
			crossedUp := fastPrev <= slowPrev && fastNow > slowNow
			crossedDown := fastPrev >= slowPrev && fastNow < slowNow

			if crossedUp && len(state.Positions) == 0 {
				units := state.Cash * 0.95 / price
				state.Cash -= units * price
				state.Positions = []Position{{Symbol: req.Symbol, Units: units, EntryPrice: price, EntryBar: bar}}
				state.Trades = append(state.Trades, Trade{Bar: bar, Side: SideBuy, Price: price, Units: units})
			} else if crossedDown && len(state.Positions) == 1 {
				pos := state.Positions[0]
				state.Cash += pos.Units * price
				state.Positions = nil
				state.Trades = append(state.Trades, Trade{
					Bar: bar, Side: SideSell, Price: price, Units: pos.Units,
					PnL: (price - pos.EntryPrice) * pos.Units,
				})
			}
		}

		state.BarIndex = bar + 1
		lastPrice = price

		if state.BarIndex%equitySampleEvery == 0 {
			state.EquitySamples = append(state.EquitySamples, EquitySample{
				Bar:    state.BarIndex,
				Equity: equity(state, price),
			})
		}
		if state.BarIndex%progressReportEvery == 0 || state.BarIndex == req.Bars {
			session.UpdateProgress(state.BarIndex, req.Bars,
				fmt.Sprintf("bar %d/%d", state.BarIndex, req.Bars),
				map[string]interface{}{
					"bar_index":    state.BarIndex,
					"equity":       equity(state, price),
					"total_trades": len(state.Trades),
				})
		}

		if state.BarIndex%tick == 0 {
			if session.IsCancelRequested() {
				return nil, ErrCancelled
			}
			if err := session.MaybeCheckpoint(ctx, state.BarIndex); err != nil {
				return nil, err
			}
		}
	}

	finalEquity := equity(state, lastPrice)
	result := map[string]interface{}{
		"symbol":           req.Symbol,
		"strategy":         req.Strategy,
		"bars_processed":   state.BarIndex,
		"total_trades":     len(state.Trades),
		"final_equity":     finalEquity,
		"final_cash":       state.Cash,
		"open_positions":   len(state.Positions),
		"total_return_pct": (finalEquity - req.InitialCash) / req.InitialCash * 100,
		"end_date":         barDate(start, state.BarIndex),
	}
	return json.Marshal(result)
}

// priceSeries generates the synthetic walk for a seed. Regenerating it
// on resume is what lets indicators be recomputed over the full range.
func priceSeries(seed int64, bars int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	prices := make([]float64, bars)
	price := 1.1000
	for i := range prices {
		price *= 1 + 0.0004*(rng.Float64()-0.5)
		prices[i] = price
	}
	return prices
}

func equity(state *BacktestState, price float64) float64 {
	total := state.Cash
	for _, pos := range state.Positions {
		total += pos.Units * price
	}
	return total
}

// barDate maps a bar index to its timestamp: one bar per minute from
// the start date.
func barDate(start time.Time, bar int) string {
	return start.Add(time.Duration(bar) * time.Minute).UTC().Format(time.RFC3339)
}

// rollingMean is a fixed-window moving average over a stream.
type rollingMean struct {
	window []float64
	size   int
	next   int
	filled bool
	sum    float64
}

func newRollingMean(size int) *rollingMean {
	return &rollingMean{window: make([]float64, size), size: size}
}

func (m *rollingMean) push(v float64) {
	if m.filled {
		m.sum -= m.window[m.next]
	}
	m.window[m.next] = v
	m.sum += v
	m.next++
	if m.next == m.size {
		m.next = 0
		m.filled = true
	}
}

// mean returns the window average and whether the window is full.
func (m *rollingMean) mean() (float64, bool) {
	if !m.filled {
		return 0, false
	}
	return m.sum / float64(m.size), true
}
