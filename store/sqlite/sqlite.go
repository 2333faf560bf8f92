/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Durable storage for learner progress. Each CommitDiff runs inside one SQL
  transaction: the version check, the progress row update, the appended
  transactions and attempt record, and the receipt insert all commit
  together or not at all.

KEY TABLES:
  progress:     One row per learner; the aggregate as JSON plus its version
  transactions: Append-only currency log, ordered by insertion
  attempts:     Append-only attempt history per (user, exercise)
  receipts:     Stored RewardResult per (user, token); the primary key is the
                idempotency guard

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on transactions, attempts or receipts
  - The only UPDATE is the progress row, guarded by its version

CONCURRENCY:
  No lock in the process. Transactions begin IMMEDIATE, so a commit takes
  SQLite's write lock before it reads the version and waits at most the
  busy timeout for it. The version predicate on the progress UPDATE and
  the receipts primary key are the correctness guards, for this process
  and for any other process sharing the file.

WAL MODE:
  Opened with WAL and a busy timeout so readers do not block the writer.

USAGE:
  st, err := sqlite.New("./data/progression.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - ledger/store.go: Store contract
  - ledger/diff.go: Apply, called inside the SQL transaction
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"github.com/warp/progression-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: open %s", dbPath)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	st := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: migrate")
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS progress (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		progress_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Currency log (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		item_id TEXT,
		quantity INTEGER,
		reference_id TEXT,
		memo TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(user_id, reference_id) WHERE reference_id IS NOT NULL;

	-- Attempt history (append-only)
	CREATE TABLE IF NOT EXISTS attempts (
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		token TEXT NOT NULL,
		record_json TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (user_id, exercise_id, attempt_number)
	);

	-- Idempotency receipts
	CREATE TABLE IF NOT EXISTS receipts (
		user_id TEXT NOT NULL,
		token TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, token)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Get(ctx context.Context, userID ledger.UserID) (ledger.UserProgress, error) {
	p, err := loadProgress(ctx, s.db, userID)
	if err != nil {
		return ledger.UserProgress{}, eris.Wrapf(err, "sqlite: load progress for %s", userID)
	}
	return p, nil
}

func loadProgress(ctx context.Context, q queryer, userID ledger.UserID) (ledger.UserProgress, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT progress_json FROM progress WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewUserProgress(userID), nil
	}
	if err != nil {
		return ledger.UserProgress{}, err
	}

	p := ledger.NewUserProgress(userID)
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ledger.UserProgress{}, err
	}
	normalize(&p)
	return p, nil
}

// normalize restores empty maps that JSON may carry as null.
func normalize(p *ledger.UserProgress) {
	if p.Achievements == nil {
		p.Achievements = make(map[ledger.AchievementID]ledger.AchievementProgress)
	}
	if p.Attempts == nil {
		p.Attempts = make(map[ledger.ExerciseID]ledger.AttemptSummary)
	}
	if p.Inventory == nil {
		p.Inventory = make(map[ledger.ItemID]int)
	}
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, balance_after, item_id, quantity, reference_id, memo, timestamp
		FROM transactions WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query transactions")
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		itemID      sql.NullString
		quantity    sql.NullInt64
		referenceID sql.NullString
		memo        sql.NullString
		timestamp   string
	)
	err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason, &tx.BalanceAfter,
		&itemID, &quantity, &referenceID, &memo, &timestamp)
	if err != nil {
		return tx, eris.Wrap(err, "sqlite: scan transaction")
	}
	tx.ItemID = ledger.ItemID(itemID.String)
	tx.Quantity = int(quantity.Int64)
	tx.ReferenceID = referenceID.String
	tx.Memo = memo.String
	if tx.Timestamp, err = parseTime(timestamp); err != nil {
		return tx, eris.Wrapf(err, "sqlite: transaction %s timestamp", tx.ID)
	}
	return tx, nil
}

func (s *Store) Attempts(ctx context.Context, userID ledger.UserID, exerciseID ledger.ExerciseID) ([]ledger.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_json FROM attempts
		WHERE user_id = ? AND exercise_id = ? ORDER BY attempt_number`, userID, exerciseID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query attempts")
	}
	defer rows.Close()

	recs := []ledger.AttemptRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		var rec ledger.AttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode attempt")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

func (s *Store) Receipt(ctx context.Context, userID ledger.UserID, token string) (ledger.RewardResult, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM receipts WHERE user_id = ? AND token = ?`, userID, token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RewardResult{}, false, nil
	}
	if err != nil {
		return ledger.RewardResult{}, false, eris.Wrap(err, "sqlite: load receipt")
	}
	var r ledger.RewardResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ledger.RewardResult{}, false, eris.Wrap(err, "sqlite: decode receipt")
	}
	return r, true, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// CommitDiff applies diff if the stored version equals expectedVersion.
// Everything is written in one SQL transaction.
func (s *Store) CommitDiff(ctx context.Context, userID ledger.UserID, expectedVersion int64, diff ledger.Diff) (ledger.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UserProgress{}, err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ledger.UserProgress{}, ctx.Err()
		}
		return ledger.UserProgress{}, eris.Wrap(err, "sqlite: begin")
	}
	defer sqlTx.Rollback()

	current, err := loadProgress(ctx, sqlTx, userID)
	if err != nil {
		return ledger.UserProgress{}, eris.Wrap(err, "sqlite: load progress")
	}

	if diff.Receipt != nil {
		var exists int
		err := sqlTx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM receipts WHERE user_id = ? AND token = ?`, userID, diff.Token).Scan(&exists)
		if err != nil {
			return ledger.UserProgress{}, eris.Wrap(err, "sqlite: check receipt")
		}
		if exists > 0 {
			return ledger.UserProgress{}, ledger.ErrDuplicateToken
		}
	}
	if current.Version != expectedVersion {
		return ledger.UserProgress{}, ledger.ErrVersionConflict
	}

	now := s.now()
	next, err := ledger.Apply(current, diff, now)
	if err != nil {
		return ledger.UserProgress{}, err
	}

	if err := writeProgress(ctx, sqlTx, next, expectedVersion, now); err != nil {
		return ledger.UserProgress{}, err
	}
	for _, tx := range diff.Transactions {
		if err := insertTransaction(ctx, sqlTx, tx); err != nil {
			return ledger.UserProgress{}, err
		}
	}
	if diff.Attempt != nil {
		if err := insertAttempt(ctx, sqlTx, *diff.Attempt); err != nil {
			return ledger.UserProgress{}, err
		}
	}
	if diff.Receipt != nil {
		if err := insertReceipt(ctx, sqlTx, userID, diff.Token, *diff.Receipt, now); err != nil {
			return ledger.UserProgress{}, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.UserProgress{}, eris.Wrap(err, "sqlite: commit")
	}
	return next, nil
}

func writeProgress(ctx context.Context, tx *sql.Tx, p ledger.UserProgress, expectedVersion int64, now time.Time) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode progress")
	}

	if expectedVersion == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO progress (user_id, version, progress_json, updated_at) VALUES (?, ?, ?, ?)`,
			p.UserID, p.Version, string(raw), formatTime(now))
		if isUniqueConstraintError(err) {
			return ledger.ErrVersionConflict
		}
		return eris.Wrap(err, "sqlite: insert progress")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE progress SET version = ?, progress_json = ?, updated_at = ? WHERE user_id = ? AND version = ?`,
		p.Version, string(raw), formatTime(now), p.UserID, expectedVersion)
	if err != nil {
		return eris.Wrap(err, "sqlite: update progress")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return ledger.ErrVersionConflict
	}
	return nil
}

func insertTransaction(ctx context.Context, sqlTx *sql.Tx, tx ledger.Transaction) error {
	_, err := sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, amount, reason, balance_after, item_id, quantity, reference_id, memo, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Amount, tx.Reason, tx.BalanceAfter,
		nullString(string(tx.ItemID)), nullInt(tx.Quantity), nullString(tx.ReferenceID), nullString(tx.Memo),
		formatTime(tx.Timestamp))
	return eris.Wrapf(err, "sqlite: insert transaction %s", tx.ID)
}

func insertAttempt(ctx context.Context, tx *sql.Tx, rec ledger.AttemptRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode attempt")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (user_id, exercise_id, attempt_number, token, record_json, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ExerciseID, rec.AttemptNumber, rec.Token, string(raw), formatTime(rec.CompletedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrVersionConflict
	}
	return eris.Wrap(err, "sqlite: insert attempt")
}

func insertReceipt(ctx context.Context, tx *sql.Tx, userID ledger.UserID, token string, r ledger.RewardResult, now time.Time) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode receipt")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO receipts (user_id, token, result_json, created_at) VALUES (?, ?, ?, ?)`,
		userID, token, string(raw), formatTime(now))
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateToken
	}
	return eris.Wrap(err, "sqlite: insert receipt")
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t.UTC(), err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time check
var _ ledger.Store = (*Store)(nil)
