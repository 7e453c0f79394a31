package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/ledger"
)

// resolveChain picks the store a node with this environment would use:
// explicit flags win, then DATABASE_URL, then a lite-mode sqlite file if one
// exists, then LEDGER_PATH.
func resolveChain(ledgerPath, dbURL string) (kind, source string) {
	if ledgerPath != "" {
		return "file", ledgerPath
	}
	if dbURL != "" {
		return "db", dbURL
	}
	cfg := config.Load()
	if cfg.DatabaseURL != "" {
		return "db", cfg.DatabaseURL
	}
	if _, err := os.Stat(liteDBPath); err == nil {
		return "db", liteDBPath
	}
	return "file", cfg.LedgerPath
}

// openChainStore opens the resolved store without a running kernel, for
// offline verification and export.
func openChainStore(ctx context.Context, kind, source string) (ledger.Store, error) {
	if kind == "db" {
		driver := "sqlite"
		if strings.HasPrefix(source, "postgres://") || strings.HasPrefix(source, "postgresql://") {
			driver = "postgres"
		}
		db, err := sql.Open(driver, source)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database unreachable: %w", err)
		}
		store := ledger.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	}

	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("no chain file at %s", source)
	}
	return ledger.OpenFileStore(source)
}
