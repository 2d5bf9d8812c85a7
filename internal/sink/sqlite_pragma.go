package sink

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strings"
)

// basePragmas apply to every archive connection.
var basePragmas = []string{
	"PRAGMA busy_timeout=5000;",
	"PRAGMA synchronous=NORMAL;",
}

// tuningPragmas are added when CHATDIR_SQLITE_TUNING is set.
var tuningPragmas = []string{
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

func sqliteTuningEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CHATDIR_SQLITE_TUNING"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ApplySQLitePragmas applies the archive pragmas and returns the value SQLite
// reported for each one. Failures are logged and skipped.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) map[string]any {
	pragmas := append([]string(nil), basePragmas...)
	tuning := sqliteTuningEnabled()
	if tuning {
		pragmas = append(pragmas, tuningPragmas...)
	}

	results := make(map[string]any, len(pragmas))
	for _, pragma := range pragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			log.Printf("sink: sqlite pragma %s failed: %v", pragma, err)
			continue
		}
		results[pragma] = value
		if tuning {
			log.Printf("sink: sqlite pragma %s => %v", pragma, value)
		}
	}
	return results
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
