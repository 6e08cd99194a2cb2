package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/database"
	"github.com/ksred/trade-engine/internal/execution"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/risk"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/signals"
	"github.com/ksred/trade-engine/internal/types"
)

const (
	minCandidates = 15
	maxCandidates = 150
	numWorkers    = 5
)

var (
	symbols    = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	strategies = []string{"orb_breakout", "momentum_rsi", "vwap_reversion"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// opStats tracks latency statistics for one lifecycle operation
type opStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (s *opStats) add(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
	s.totalCalls++
	if failed {
		s.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (s *opStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(s.durations, func(i, j int) bool {
		return s.durations[i] < s.durations[j]
	})

	min = s.durations[0]
	max = s.durations[len(s.durations)-1]

	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	mean = sum / time.Duration(len(s.durations))
	median = s.durations[len(s.durations)/2]

	p95idx := int(math.Ceil(float64(len(s.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(s.durations))*0.99)) - 1
	p95 = s.durations[p95idx]
	p99 = s.durations[p99idx]

	return
}

// randomCandidate builds a plausible intraday candidate around the simulated
// broker's current price level.
func randomCandidate() *types.Candidate {
	symbol := symbols[rand.Intn(len(symbols))]
	entry := 100 + rand.Float64()*900

	candidate := &types.Candidate{
		Symbol:     symbol,
		EntryPrice: entry,
		Confidence: 0.5 + rand.Float64()*0.5,
		Strategy:   strategies[rand.Intn(len(strategies))],
	}
	if rand.Intn(2) == 0 {
		candidate.Direction = types.DirectionBuy
		candidate.StopLoss = entry * 0.98
		candidate.TargetPrice = entry * 1.04
	} else {
		candidate.Direction = types.DirectionSell
		candidate.StopLoss = entry * 1.02
		candidate.TargetPrice = entry * 0.96
	}
	return candidate
}

// main drives the full signal lifecycle in dry-run mode: candidates flow
// through sizing, risk evaluation, persistence and simulated execution, then
// any stragglers are approved manually and the expiry sweep mops up.
func main() {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	store := settings.NewStore(db)
	if err := store.Seed(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed settings")
	}
	// Half the run exercises auto-trade, the other half manual approval.
	autoTrade := rand.Intn(2) == 0
	if err := store.Set(settings.KeyAutoTrade, fmt.Sprintf("%t", autoTrade)); err != nil {
		log.Fatal().Err(err).Msg("Failed to set auto_trade")
	}

	ctx := context.Background()
	client := broker.NewSimulated(1_000_000)
	for _, symbol := range symbols {
		client.SeedPrice(symbol, 100+rand.Float64()*900)
	}

	market := marketdata.NewService(client, marketdata.DefaultTTLs())
	notifier := notify.LogNotifier{}
	engine := risk.NewEngine(db, market, client, store, notifier, false)
	sizer := risk.NewSizer(client, store, false)
	if err := engine.InitializeDailyBaseline(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize risk baseline")
	}

	signalStore := signals.NewDatabase(db)
	gateway := execution.NewGateway(signalStore, client, market, notifier, false, 10*time.Second)
	service := signals.NewService(db, engine, sizer, gateway, market, store, notifier, false)

	targetCandidates := rand.Intn(maxCandidates-minCandidates) + minCandidates
	log.Info().
		Int("target_candidates", targetCandidates).
		Bool("auto_trade", autoTrade).
		Msg("Starting simulation")

	stats := map[string]*opStats{
		"ingest":  {name: "Ingest Candidate"},
		"approve": {name: "Approve Signal"},
	}

	// Feed candidates through concurrent workers
	idsChan := make(chan string, targetCandidates)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < targetCandidates/numWorkers; j++ {
				start := time.Now()
				signal, err := service.Ingest(ctx, randomCandidate())
				stats["ingest"].add(time.Since(start), err != nil)
				if err != nil {
					log.Warn().Err(err).Int("worker", workerID).Msg("candidate rejected")
					continue
				}
				idsChan <- signal.SignalID
			}
		}(i)
	}
	wg.Wait()
	close(idsChan)

	var signalIDs []string
	for id := range idsChan {
		signalIDs = append(signalIDs, id)
	}
	log.Info().Int("signals_created", len(signalIDs)).Msg("All candidates ingested")

	// Approve whatever is still pending (no-ops in auto-trade mode)
	for _, id := range signalIDs {
		start := time.Now()
		_, err := service.Approve(ctx, id)
		failed := err != nil && !errors.Is(err, types.ErrNotPending)
		stats["approve"].add(time.Since(start), failed)
	}

	// One expiry sweep for anything that slipped past its deadline
	expired := service.ExpireDue(ctx)

	// Tally terminal statuses
	outcome := map[string]int{}
	for _, id := range signalIDs {
		signal, err := service.Get(id)
		if err != nil || signal == nil {
			continue
		}
		outcome[signal.Status]++
	}

	summary, err := engine.Summary(ctx)
	if err != nil {
		log.Error().Err(err).Msg("risk summary unavailable")
	} else {
		log.Info().
			Bool("halted", summary.Halted).
			Float64("current_equity", summary.CurrentEquity).
			Int("open_positions", summary.OpenPositions).
			Msg("Final risk state")
	}

	log.Info().
		Int("executed", outcome[types.StatusExecuted]).
		Int("rejected", outcome[types.StatusRejected]).
		Int("failed", outcome[types.StatusFailed]).
		Int("expired", expired).
		Msg("Simulation complete")

	printPerformanceStats(stats)
}

// printPerformanceStats outputs formatted latency statistics per operation
func printPerformanceStats(stats map[string]*opStats) {
	fmt.Println("\nLifecycle Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, s := range stats {
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			s.name,
			s.totalCalls,
			s.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
