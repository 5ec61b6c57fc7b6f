package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/logger"
)

type options struct {
	url        string
	workers    int
	duration   time.Duration
	workload   string
	accounts   int
	amount     string
	replayRate float64
	verify     bool
	out        string
}

// tally counts responses by the class the API assigns them.
type tally struct {
	sent      atomic.Uint64
	created   atomic.Uint64 // 201
	replayed  atomic.Uint64 // 200
	rejected  atomic.Uint64 // 400, 404, 422
	conflicts atomic.Uint64 // 409
	transient atomic.Uint64 // 503
	failed    atomic.Uint64 // transport errors and anything else
}

func (t *tally) record(status int) {
	switch status {
	case http.StatusCreated:
		t.created.Add(1)
	case http.StatusOK:
		t.replayed.Add(1)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		t.rejected.Add(1)
	case http.StatusConflict:
		t.conflicts.Add(1)
	case http.StatusServiceUnavailable:
		t.transient.Add(1)
	default:
		t.failed.Add(1)
	}
}

type transferPayload struct {
	OriginAccountID      int64  `json:"origin_account_id"`
	DestinationAccountID int64  `json:"destination_account_id"`
	Amount               string `json:"amount"`
}

type runner struct {
	opts   options
	client *http.Client
	lg     *zap.Logger
	stats  tally
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "http://localhost:8080", "API base URL")
	flag.IntVar(&opts.workers, "workers", 10, "Concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "How long to generate load")
	flag.StringVar(&opts.workload, "workload", "uniform", "Account selection: uniform | hotspot")
	flag.IntVar(&opts.accounts, "accounts", 1000, "Seeded accounts, ids 1..N")
	flag.StringVar(&opts.amount, "amount", "1.00", "Amount moved by each transfer")
	flag.Float64Var(&opts.replayRate, "replay", 0.1, "Share of requests that resend the previous idempotency token")
	flag.BoolVar(&opts.verify, "verify", true, "Compare the balance sum before and after the run")
	flag.StringVar(&opts.out, "out", "", "Report file (default results_<workload>.json)")
	flag.Parse()

	lg, err := logger.New("production", os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer lg.Sync()

	if err := opts.validate(); err != nil {
		lg.Fatal("Invalid flags", zap.Error(err))
	}
	if opts.out == "" {
		opts.out = fmt.Sprintf("results_%s.json", opts.workload)
	}

	r := &runner{opts: opts, client: &http.Client{Timeout: 5 * time.Second}, lg: lg}
	report, err := r.run(context.Background())
	if err != nil {
		lg.Fatal("Benchmark failed", zap.Error(err))
	}
	if err := writeReport(report, opts.out); err != nil {
		lg.Error("Could not write report", zap.String("file", opts.out), zap.Error(err))
	}
}

// validate rejects flag combinations the load loop cannot run with.
// pickAccounts needs two distinct ids to draw from.
func (o options) validate() error {
	if o.accounts < 2 {
		return fmt.Errorf("-accounts must be at least 2, got %d", o.accounts)
	}
	if o.workers < 1 {
		return fmt.Errorf("-workers must be at least 1, got %d", o.workers)
	}
	if o.duration <= 0 {
		return fmt.Errorf("-duration must be positive, got %s", o.duration)
	}
	if o.replayRate < 0 || o.replayRate > 1 {
		return fmt.Errorf("-replay must be within [0, 1], got %g", o.replayRate)
	}
	if o.workload != "uniform" && o.workload != "hotspot" {
		return fmt.Errorf("-workload must be uniform or hotspot, got %q", o.workload)
	}
	amount, err := decimal.NewFromString(o.amount)
	if err != nil {
		return fmt.Errorf("-amount: %w", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("-amount must be positive, got %s", o.amount)
	}
	return nil
}

func (r *runner) run(ctx context.Context) (map[string]any, error) {
	r.lg.Info("Starting benchmark",
		zap.String("workload", r.opts.workload),
		zap.Int("workers", r.opts.workers),
		zap.Duration("duration", r.opts.duration),
		zap.Float64("replay_rate", r.opts.replayRate),
	)

	var before decimal.Decimal
	if r.opts.verify {
		var err error
		if before, err = r.sumBalances(ctx); err != nil {
			return nil, fmt.Errorf("balance sum before run: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < r.opts.workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r.worker(ctx, rand.New(rand.NewSource(seed)))
		}(start.UnixNano() + int64(i))
	}
	wg.Wait()
	report := r.report(time.Since(start))

	if r.opts.verify {
		after, err := r.sumBalances(context.Background())
		if err != nil {
			return nil, fmt.Errorf("balance sum after run: %w", err)
		}
		report["balance_sum_before"] = before.StringFixed(2)
		report["balance_sum_after"] = after.StringFixed(2)
		report["conserved"] = before.Equal(after)
		if !before.Equal(after) {
			r.lg.Error("Balance sum drifted",
				zap.String("before", before.StringFixed(2)),
				zap.String("after", after.StringFixed(2)),
			)
		}
	}
	return report, nil
}

// worker sends transfers until ctx ends. With probability replayRate it
// resends its previous request unchanged, token included.
func (r *runner) worker(ctx context.Context, rng *rand.Rand) {
	var key string
	var body []byte
	for ctx.Err() == nil {
		if key == "" || rng.Float64() >= r.opts.replayRate {
			from, to := r.pickAccounts(rng)
			key = uuid.NewString()
			body, _ = json.Marshal(transferPayload{OriginAccountID: from, DestinationAccountID: to, Amount: r.opts.amount})
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.url+"/api/v1/transfers", bytes.NewReader(body))
		if err != nil {
			r.stats.failed.Add(1)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				r.stats.failed.Add(1)
			}
			continue
		}
		r.stats.sent.Add(1)
		r.stats.record(resp.StatusCode)
		resp.Body.Close()
	}
}

func (r *runner) pickAccounts(rng *rand.Rand) (int64, int64) {
	// hotspot: 90% of traffic moves between accounts 1 and 2.
	if r.opts.workload == "hotspot" && rng.Float32() < 0.90 {
		if rng.Intn(2) == 0 {
			return 1, 2
		}
		return 2, 1
	}

	a := rng.Intn(r.opts.accounts) + 1
	b := rng.Intn(r.opts.accounts) + 1
	for a == b {
		b = rng.Intn(r.opts.accounts) + 1
	}
	return int64(a), int64(b)
}

func (r *runner) sumBalances(ctx context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	for id := 1; id <= r.opts.accounts; id++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/accounts/%d", r.opts.url, id), nil)
		if err != nil {
			return decimal.Zero, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return decimal.Zero, err
		}

		var acc struct {
			Balance decimal.Decimal `json:"balance"`
		}
		err = json.NewDecoder(resp.Body).Decode(&acc)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			continue
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("account %d: %w", id, err)
		}
		sum = sum.Add(acc.Balance)
	}
	return sum, nil
}

func (r *runner) report(elapsed time.Duration) map[string]any {
	sent := r.stats.sent.Load()
	transient := r.stats.transient.Load()

	var transientPct float64
	if sent > 0 {
		transientPct = float64(transient) / float64(sent) * 100
	}

	return map[string]any{
		"workload":           r.opts.workload,
		"duration_sec":       elapsed.Seconds(),
		"total_requests":     sent,
		"throughput_tps":     float64(sent) / elapsed.Seconds(),
		"success_created":    r.stats.created.Load(),
		"success_replay":     r.stats.replayed.Load(),
		"rejected":           r.stats.rejected.Load(),
		"token_conflict_409": r.stats.conflicts.Load(),
		"transient_503":      transient,
		"transient_rate_pct": transientPct,
		"errors":             r.stats.failed.Load(),
	}
}

// writeReport prints the report to stdout for the plotting scripts and
// keeps a copy on disk.
func writeReport(report map[string]any, path string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(report)
}
