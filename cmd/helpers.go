package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// connectPostgres initializes the PostgreSQL backend. The returned func closes the pool.
func connectPostgres(cfg *config.Config) (func(), error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return func() {
		if err := postgres.GetGlobalPool().Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}, nil
}

// newLedger builds the attendance ledger from the configured time zone, late cutoff
// and departure gap.
func newLedger(cfg *config.Config, store ledger.Store) (*ledger.Ledger, error) {
	loc, err := cfg.Attendance.Location()
	if err != nil {
		return nil, err
	}
	policy, err := ledger.NewCutoffPolicy(cfg.Attendance.LateAfter, loc)
	if err != nil {
		return nil, err
	}
	return ledger.New(store, ledger.Options{
		Location:        loc,
		Policy:          policy,
		MinDepartureGap: cfg.Attendance.MinDepartureGap,
	}), nil
}

// pruneLedger periodically drops ledger state older than yesterday until ctx is done.
// Yesterday stays open so events queued around midnight still land.
func pruneLedger(ctx context.Context, l *ledger.Ledger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(l.Today().AddDays(-1)); n > 0 {
				log.Printf("ledger: forgot %d idle identities", n)
			}
		}
	}
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
