package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/config"
	"github.com/punchamoorthee/transferledger/internal/logger"
	"github.com/punchamoorthee/transferledger/internal/store"
)

func main() {
	total := flag.Int("accounts", 1000, "Number of accounts to open")
	opening := flag.String("balance", "100.00", "Opening balance of every seeded account")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		log.Fatalf("seeder needs STORE_DRIVER=%s, got %s", config.DriverPostgres, cfg.StoreDriver)
	}

	lg, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	balance, err := decimal.NewFromString(*opening)
	if err != nil || balance.IsNegative() {
		lg.Fatal("Invalid opening balance", zap.String("balance", *opening))
	}

	ctx := context.Background()
	pg, err := store.NewPostgresStore(ctx, cfg.DBSource, cfg.DBMaxConns, cfg.LockTimeout)
	if err != nil {
		lg.Fatal("Unable to connect to database", zap.Error(err))
	}
	defer pg.Close()
	pool := pg.Db

	if err := store.Migrate(pool); err != nil {
		lg.Fatal("Migration failed", zap.Error(err))
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM accounts").Scan(&count); err != nil {
		lg.Fatal("Count failed", zap.Error(err))
	}
	if count >= *total {
		lg.Info("Accounts already seeded, skipping", zap.Int("existing", count))
		return
	}

	missing := *total - count
	lg.Info("Seeding accounts", zap.Int("count", missing), zap.String("balance", balance.StringFixed(2)))

	// COPY uses the binary protocol, which wants pgx's own numeric type.
	var numeric pgtype.Numeric
	if err := numeric.Scan(balance.StringFixed(2)); err != nil {
		lg.Fatal("Invalid opening balance", zap.Error(err))
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, missing)
	for i := 0; i < missing; i++ {
		owner := fmt.Sprintf("seed-%05d", count+i+1)
		rows = append(rows, []any{owner, numeric, numeric, now})
	}

	copied, err := pool.CopyFrom(
		ctx,
		pgx.Identifier{"accounts"},
		[]string{"owner", "opening_balance", "balance", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		lg.Fatal("Bulk insert failed", zap.Error(err))
	}

	lg.Info("Seeded accounts", zap.Int64("count", copied))
}
