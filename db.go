package mediascribe

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// ErrNoProgress is returned by LoadProgress when no run has been recorded.
var ErrNoProgress = errors.New("no recorded progress")

// DB persists item statuses, descriptions, run progress and the geocode
// cache. Mutations are serialized.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func (db *DB) Path() string { return db.filepath }

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One connection: writers are serialized anyway and ":memory:" is
	// private to its connection.
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// OpenDB opens fname, and if the file cannot be used as a database moves it
// aside and starts a fresh one. Losing prior progress only means
// re-describing items.
func OpenDB(ctx context.Context, fname string, logger *slog.Logger) (*DB, error) {
	db, err := NewDB(ctx, fname)
	if err == nil {
		return db, nil
	}
	if _, serr := os.Stat(fname); serr != nil {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", fname, time.Now().Unix())
	if logger != nil {
		logger.Warn("unusable state database, starting fresh", "path", fname, "moved_to", aside, "error", err)
	}
	if rerr := os.Rename(fname, aside); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		return nil, fmt.Errorf("moving aside %s: %w", fname, rerr)
	}
	return NewDB(ctx, fname)
}

// batchInsert runs prefix VALUES (...),(...) suffix over rows in batches
// of batchSize and returns the total rows affected.
func batchInsert(ctx context.Context, txn *sql.Tx, prefix, suffix string, rows [][]any, batchSize int) (int, error) {
	start := 0
	affected := 0
	for start < len(rows) {
		end := min(start+batchSize, len(rows))

		qsb := strings.Builder{}
		qsb.WriteString(prefix)
		qsb.WriteString(" VALUES")
		var values []any
		for _, row := range rows[start:end] {
			qsb.WriteString(" (")
			for i, v := range row {
				if i > 0 {
					qsb.WriteString(",")
				}
				values = append(values, v)
				qsb.WriteString("$")
				qsb.WriteString(strconv.Itoa(len(values)))
			}
			qsb.WriteString("),")
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0:len(queryString)-1] + " " + suffix

		res, err := txn.ExecContext(ctx, queryString, values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, nil
}

// RegisterItems records the collected items, creating or refreshing their
// rows. Status is only written for new rows.
func (db *DB) RegisterItems(ctx context.Context, items []*WorkItem, batchSize int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	now := time.Now()
	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{it.Path, string(it.Kind), nullString(it.SourceVideoPath), it.CaptureTimestamp, string(it.Status), now}
	}
	affected, err := batchInsert(ctx, txn,
		"INSERT INTO items (path, kind, source_video, capture_ts, status, updated_at)",
		`ON CONFLICT(path) DO UPDATE SET kind=excluded.kind, source_video=excluded.source_video, capture_ts=excluded.capture_ts`,
		rows, batchSize)
	if err != nil {
		return 0, err
	}

	return affected, txn.Commit()
}

// SaveProgress writes a progress snapshot in one transaction.
func (db *DB) SaveProgress(ctx context.Context, snap ProgressSnapshot, attempts map[string]int) error {
	const batchSize = 100

	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	rows := make([][]any, 0, len(snap.Items))
	for path, status := range snap.Items {
		rows = append(rows, []any{path, "", string(status), nullString(snap.Errors[path]), attempts[path], snap.LastUpdated})
	}
	_, err = batchInsert(ctx, txn,
		"INSERT INTO items (path, kind, status, error, attempts, updated_at)",
		`ON CONFLICT(path) DO UPDATE SET status=excluded.status, error=excluded.error,
			attempts=MAX(items.attempts, excluded.attempts), updated_at=excluded.updated_at`,
		rows, batchSize)
	if err != nil {
		return err
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO progress (id, run_id, total_items, completed_items, failed_items, skipped_items, last_updated)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET run_id=excluded.run_id, total_items=excluded.total_items,
			completed_items=excluded.completed_items, failed_items=excluded.failed_items,
			skipped_items=excluded.skipped_items, last_updated=excluded.last_updated`,
		snap.RunID, snap.TotalItems, snap.CompletedItems, snap.FailedItems, snap.SkippedItems, snap.LastUpdated)
	if err != nil {
		return err
	}

	return txn.Commit()
}

// LoadProgress reads the last saved run. It returns ErrNoProgress when
// nothing was saved and an error for rows it does not understand.
func (db *DB) LoadProgress(ctx context.Context) (*ProgressState, error) {
	snap, err := db.ProgressSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return progressFromSnapshot(snap), nil
}

// ProgressSnapshot reads the persisted progress without building a
// ProgressState. Status monitors use it.
func (db *DB) ProgressSnapshot(ctx context.Context) (ProgressSnapshot, error) {
	var snap ProgressSnapshot
	row := db.db.QueryRowContext(ctx, `
		SELECT run_id, total_items, completed_items, failed_items, skipped_items, last_updated
		FROM progress WHERE id=1`)
	err := row.Scan(&snap.RunID, &snap.TotalItems, &snap.CompletedItems, &snap.FailedItems, &snap.SkippedItems, &snap.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNoProgress
	}
	if err != nil {
		return snap, err
	}

	rows, err := db.db.QueryContext(ctx, "SELECT path, status, error FROM items")
	if err != nil {
		return snap, err
	}
	defer rows.Close()

	snap.Items = make(map[string]Status)
	snap.Errors = make(map[string]string)
	for rows.Next() {
		var (
			path, status string
			reason       sql.NullString
		)
		if err := rows.Scan(&path, &status, &reason); err != nil {
			return snap, err
		}
		switch s := Status(status); s {
		case StatusPending, StatusInProgress, StatusDescribed, StatusFailed, StatusSkipped:
			snap.Items[path] = s
		default:
			return snap, fmt.Errorf("item %s has unknown status %q", path, status)
		}
		if reason.Valid {
			snap.Errors[path] = reason.String
		}
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	return snap, nil
}

// InsertDescription stores d and sets its Id.
func (db *DB) InsertDescription(ctx context.Context, d *Description) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.db.ExecContext(ctx, `
		INSERT INTO descriptions
		(item_path, provider, model, prompt_style, description, token_count, location_prefix, date_prefix, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ItemPath, d.Provider, d.Model, nullString(d.PromptStyle), d.Text, d.TokenCount,
		nullString(d.LocationPrefix), nullString(d.DatePrefix), d.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.Id = int(id)
	return nil
}

// Descriptions returns every description of path, newest first.
func (db *DB) Descriptions(ctx context.Context, path string) ([]*Description, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, item_path, provider, model, prompt_style, description, token_count,
			   location_prefix, date_prefix, created_at
		FROM descriptions
		WHERE item_path=?
		ORDER BY created_at DESC, id DESC`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var descs []*Description
	for rows.Next() {
		d := &Description{}
		var style, loc, date sql.NullString
		var tokens sql.NullInt64
		err := rows.Scan(&d.Id, &d.ItemPath, &d.Provider, &d.Model, &style, &d.Text, &tokens, &loc, &date, &d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning descriptions: %w", err)
		}
		d.PromptStyle = style.String
		d.TokenCount = int(tokens.Int64)
		d.LocationPrefix = loc.String
		d.DatePrefix = date.String
		descs = append(descs, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating descriptions: %w", err)
	}

	return descs, nil
}

// DescriptionCounts returns the number of descriptions per item path.
func (db *DB) DescriptionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT item_path, COUNT(*) FROM descriptions GROUP BY item_path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			path string
			n    int
		)
		if err := rows.Scan(&path, &n); err != nil {
			return nil, err
		}
		counts[path] = n
	}
	return counts, rows.Err()
}

// GeocodeLookup returns the cached place for key.
func (db *DB) GeocodeLookup(ctx context.Context, key string) (string, bool, error) {
	var place string
	err := db.db.QueryRowContext(ctx, "SELECT place FROM geocode_cache WHERE coord_key=?", key).Scan(&place)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return place, true, nil
}

// GeocodeStore caches place for key. Entries never expire.
func (db *DB) GeocodeStore(ctx context.Context, key, place string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO geocode_cache (coord_key, place, created_at) VALUES (?,?,?)",
		key, place, time.Now())
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
