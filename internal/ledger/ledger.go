// Package ledger keeps the durable record of migrated messages that
// makes re-runs idempotent.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var createTableSQL = []string{
	// The migrated table records one row per message successfully
	// appended to the target.
	//
	// Field: folder
	//
	//   The resolved target folder path, in the target account's
	//   separator convention.
	//
	// Field: uid
	//
	//   The source server's UID for the message within its source
	//   folder.
	//
	// The primary key is the pair: the same source UID may map
	// into different target folders across configuration changes,
	// so the UID alone is not a valid dedup key. Rows are written
	// only after a confirmed append and never updated or deleted.
	`
CREATE TABLE IF NOT EXISTS migrated (
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
PRIMARY KEY (folder, uid)
);`,
}

// Ledger is a durable (target folder, source uid) -> migrated map
// backed by SQLite. Single writer, single reader within one run;
// concurrent runs against the same file are not supported.
type Ledger struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if absent) the ledger at path and initializes
// the schema. Safe to call on an existing store.
func Open(ctx context.Context, path string) (*Ledger, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up. The default of 5
	// seconds is too short in practice; go with 5 minutes.
	busyTimeout := int(5*time.Minute) / int(time.Millisecond)

	// synchronous=FULL makes each MarkSeen survive a crash at the
	// moment the call returns, which is what the engine's
	// append-then-mark ordering relies on.
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_synchronous":  {"FULL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &Ledger{db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

// IsSeen reports whether the (folder, uid) pair was recorded by any
// prior run against this store.
func (l *Ledger) IsSeen(ctx context.Context, folder string, uid uint32) (bool, error) {
	const q = `SELECT 1 FROM migrated WHERE folder = $1 AND uid = $2`
	row := l.db.QueryRowContext(ctx, q, folder, uid)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrap(err, "ledger lookup failed")
	}
	return true, nil
}

// MarkSeen records the pair. Durable before return. Re-marking an
// already recorded pair is harmless.
func (l *Ledger) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	const q = `INSERT OR IGNORE INTO migrated (folder, uid) values ($1, $2)`
	if _, err := l.db.ExecContext(ctx, q, folder, uid); err != nil {
		return errors.Wrapf(err, "ledger insert failed for (%s, %d)", folder, uid)
	}
	return nil
}
