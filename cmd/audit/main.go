// audit compares the local position store against the exchange and prints
// every divergence, so an operator can reconcile by hand instead of letting
// the bot guess.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

// Finding is one divergence between the store and the exchange.
type Finding struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Kind     string `json:"kind"` // local_only, exchange_only, size_mismatch
	LocalQty string `json:"local_qty,omitempty"`
	LiveQty  string `json:"live_qty,omitempty"`
}

// Report is the full audit output.
type Report struct {
	At       time.Time `json:"at"`
	Local    int       `json:"local_positions"`
	Live     int       `json:"exchange_positions"`
	Findings []Finding `json:"findings"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
	)
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := log.New(os.Stderr, "[AUDIT] ", log.LstdFlags)

	client := broker.NewBinanceClient(broker.ClientConfig{
		APIKey:     cfg.Binance.APIKey,
		APISecret:  cfg.Binance.APISecret,
		BaseURL:    cfg.Binance.BaseURL,
		RecvWindow: cfg.Binance.RecvWindow,
		Logger:     logger,
	})

	store, err := storage.NewJSONStore(storage.Config{
		Path:             cfg.Storage.PositionsPath,
		MinSlDistancePct: decimal.NewFromFloat(cfg.Scalper.MinSlDistancePct),
		FallbackSlPct:    decimal.NewFromFloat(cfg.Scalper.FallbackSlPct),
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("Failed to open position store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := client.Positions(ctx, "")
	if err != nil {
		log.Fatalf("Failed to fetch exchange positions: %v", err)
	}

	report := buildReport(store.All(), rows, time.Now().UTC())

	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal report: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	printReport(report)
}

func buildReport(local []*models.Position, live []broker.PositionRisk, at time.Time) *Report {
	liveQty := make(map[string]decimal.Decimal, len(live))
	for _, row := range live {
		if row.PositionAmt.IsZero() {
			continue
		}
		liveQty[row.Symbol+"|"+string(row.Side())] = row.PositionAmt.Abs()
	}

	report := &Report{At: at, Local: len(local), Live: len(liveQty)}
	seen := make(map[string]bool, len(local))
	for _, pos := range local {
		key := pos.Symbol + "|" + string(pos.Side)
		seen[key] = true
		qty, ok := liveQty[key]
		switch {
		case !ok:
			report.Findings = append(report.Findings, Finding{
				Symbol: pos.Symbol, Side: string(pos.Side), Kind: "local_only",
				LocalQty: pos.Size.String(),
			})
		case !qty.Equal(pos.Size):
			report.Findings = append(report.Findings, Finding{
				Symbol: pos.Symbol, Side: string(pos.Side), Kind: "size_mismatch",
				LocalQty: pos.Size.String(), LiveQty: qty.String(),
			})
		}
	}
	for _, row := range live {
		if row.PositionAmt.IsZero() {
			continue
		}
		key := row.Symbol + "|" + string(row.Side())
		if seen[key] {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Symbol: row.Symbol, Side: string(row.Side()), Kind: "exchange_only",
			LiveQty: row.PositionAmt.Abs().String(),
		})
	}
	return report
}

func printReport(r *Report) {
	fmt.Printf("Audit at %s\n", r.At.Format(time.RFC3339))
	fmt.Printf("Local positions: %d, exchange positions: %d\n\n", r.Local, r.Live)
	if len(r.Findings) == 0 {
		fmt.Println("Store and exchange agree.")
		return
	}
	for i, f := range r.Findings {
		switch f.Kind {
		case "local_only":
			fmt.Printf("%d. %s %s tracked locally (%s) but flat on the exchange\n", i+1, f.Symbol, f.Side, f.LocalQty)
		case "exchange_only":
			fmt.Printf("%d. %s %s open on the exchange (%s) but untracked locally\n", i+1, f.Symbol, f.Side, f.LiveQty)
		case "size_mismatch":
			fmt.Printf("%d. %s %s size mismatch: local %s vs exchange %s\n", i+1, f.Symbol, f.Side, f.LocalQty, f.LiveQty)
		}
	}
	fmt.Println("\nRun the bot to let reconciliation adopt or retire these, or fix the store by hand.")
}
