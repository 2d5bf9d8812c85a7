package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schemaVersion is stored in PRAGMA user_version once migration completes.
const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// addedColumns lists columns introduced after the first archive layout, which
// only carried id, session_id, author, text, published_at and message_json.
var addedColumns = []struct {
	name string
	ddl  string
}{
	{"trace_id", `ALTER TABLE messages ADD COLUMN trace_id TEXT NOT NULL DEFAULT '';`},
	{"kind", `ALTER TABLE messages ADD COLUMN kind TEXT NOT NULL DEFAULT 'regular';`},
	{"author_channel_id", `ALTER TABLE messages ADD COLUMN author_channel_id TEXT NOT NULL DEFAULT '';`},
	{"is_moderator", `ALTER TABLE messages ADD COLUMN is_moderator INTEGER NOT NULL DEFAULT 0;`},
	{"is_member", `ALTER TABLE messages ADD COLUMN is_member INTEGER NOT NULL DEFAULT 0;`},
	{"is_verified", `ALTER TABLE messages ADD COLUMN is_verified INTEGER NOT NULL DEFAULT 0;`},
	{"superchat_amount", `ALTER TABLE messages ADD COLUMN superchat_amount TEXT NOT NULL DEFAULT '';`},
	{"superchat_currency", `ALTER TABLE messages ADD COLUMN superchat_currency TEXT NOT NULL DEFAULT '';`},
	{"archived_at", `ALTER TABLE messages ADD COLUMN archived_at TEXT NOT NULL DEFAULT '';`},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: messages table missing")
	}

	added := 0
	for _, col := range addedColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: add %s column: %w", col.name, err)
		}
		added++
	}

	res, err := db.ExecContext(ctx, `UPDATE messages SET message_json='{}' WHERE message_json IS NULL;`)
	if err != nil {
		return fmt.Errorf("sqlite: normalize message_json: %w", err)
	}
	nulls, _ := res.RowsAffected()

	indices := []struct {
		name string
		ddl  string
	}{
		{"messages_by_author", `CREATE INDEX IF NOT EXISTS messages_by_author ON messages(session_id, author_channel_id);`},
		{"messages_by_kind", `CREATE INDEX IF NOT EXISTS messages_by_kind ON messages(session_id, kind);`},
	}
	for _, idx := range indices {
		if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s: %w", idx.name, err)
		}
	}

	if userVersion != schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	if added > 0 || nulls > 0 || userVersion != schemaVersion {
		log.Printf("sink: sqlite migrated path=%s user_version=%d->%d added_columns=%d normalized_nulls=%d",
			path, userVersion, schemaVersion, added, nulls)
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
