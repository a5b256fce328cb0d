package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var equityHeader = []string{"ts", "tag", "equity", "peak", "drawdown_pct"}

var hundred = decimal.NewFromInt(100)

// EquityCurve appends balance samples with a running peak and the drawdown
// from that peak.
type EquityCurve struct {
	mu   sync.Mutex
	path string
	peak decimal.Decimal
}

// NewEquityCurve opens (or creates) the curve at path and restores the
// running peak from the last recorded row.
func NewEquityCurve(path string) (*EquityCurve, error) {
	e := &EquityCurve{path: path}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *EquityCurve) restore() error {
	f, err := os.Open(e.path)
	if os.IsNotExist(err) {
		return e.writeHeader()
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("read equity curve %s: %w", e.path, err)
	}
	if len(rows) < 2 {
		return nil
	}
	last := rows[len(rows)-1]
	if len(last) >= 4 {
		if peak, err := decimal.NewFromString(last[3]); err == nil {
			e.peak = peak
		}
	}
	return nil
}

func (e *EquityCurve) writeHeader() error {
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.path, err)
	}
	defer func() { _ = f.Close() }()
	w := csv.NewWriter(f)
	if err := w.Write(equityHeader); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Sample records one tagged equity reading and returns the drawdown from
// the running peak as a percentage, zero or negative.
func (e *EquityCurve) Sample(tag string, equity decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if equity.GreaterThan(e.peak) {
		e.peak = equity
	}
	var drawdown decimal.Decimal
	if e.peak.Sign() > 0 {
		drawdown = equity.Sub(e.peak).Div(e.peak).Mul(hundred)
		if drawdown.Sign() > 0 {
			drawdown = decimal.Zero
		}
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return drawdown, fmt.Errorf("open %s: %w", e.path, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		at.UTC().Format(time.RFC3339),
		tag,
		equity.String(),
		e.peak.String(),
		drawdown.StringFixed(4),
	}); err != nil {
		return drawdown, err
	}
	w.Flush()
	return drawdown, w.Error()
}

// Peak returns the running equity peak.
func (e *EquityCurve) Peak() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}
