// Package sink holds the append-only outputs of the bot: the trade
// lifecycle CSV, the equity curve, and the Discord alert channel with
// duplicate suppression.
package sink

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

var lifecycleHeader = []string{
	"ts", "symbol", "side", "event", "price", "qty", "entry", "pnl", "sl", "tp", "reason", "source",
}

// LifecycleLog appends one CSV row per lifecycle event.
type LifecycleLog struct {
	mu     sync.Mutex
	path   string
	logger *log.Logger
}

// NewLifecycleLog creates the log at path, writing the header if the file
// does not exist yet.
func NewLifecycleLog(path string, logger *log.Logger) (*LifecycleLog, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "sink: ", log.LstdFlags)
	}
	l := &LifecycleLog{path: path, logger: logger}
	if err := l.ensureHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LifecycleLog) ensureHeader() error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	if _, err := os.Stat(l.path); err == nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()
	w := csv.NewWriter(f)
	if err := w.Write(lifecycleHeader); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Record appends one event row.
func (l *LifecycleLog) Record(ev models.LifecycleEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	row := []string{
		ts.UTC().Format(time.RFC3339),
		ev.Symbol,
		string(ev.Side),
		string(ev.Type),
		ev.Price.String(),
		ev.Qty.String(),
		ev.EntryPrice.String(),
		ev.Pnl.String(),
		ev.StopLoss.String(),
		ev.TakeProfit.String(),
		ev.Reason,
		ev.Source,
	}
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
