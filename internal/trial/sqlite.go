package trial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trials (
	study         TEXT NOT NULL,
	number        INTEGER NOT NULL,
	state         TEXT NOT NULL,
	error         TEXT,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	PRIMARY KEY (study, number)
);

CREATE TABLE IF NOT EXISTS trial_params (
	study   TEXT NOT NULL,
	number  INTEGER NOT NULL,
	key     TEXT NOT NULL,
	value   REAL NOT NULL,
	PRIMARY KEY (study, number, key),
	FOREIGN KEY (study, number) REFERENCES trials(study, number)
);

CREATE TABLE IF NOT EXISTS trial_attrs (
	study   TEXT NOT NULL,
	number  INTEGER NOT NULL,
	key     TEXT NOT NULL,
	value   REAL NOT NULL,
	PRIMARY KEY (study, number, key),
	FOREIGN KEY (study, number) REFERENCES trials(study, number)
);

CREATE TABLE IF NOT EXISTS trial_labels (
	study   TEXT NOT NULL,
	number  INTEGER NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (study, number, key),
	FOREIGN KEY (study, number) REFERENCES trials(study, number)
);

CREATE TABLE IF NOT EXISTS study_attrs (
	study   TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (study, key)
);
`

// SQLiteStore persists trials of one study in a SQLite database.
// Several studies may share a database file.
type SQLiteStore struct {
	db    *sql.DB
	study string
}

// NewSQLiteStore opens a SQLite database and runs migrations
func NewSQLiteStore(dbPath, study string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the loop and status readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, study: study}, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}

func (s *SQLiteStore) Create(ctx context.Context) (*Trial, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), -1) + 1 FROM trials WHERE study = ?`, s.study,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("next trial number: %w", err)
	}

	t := newTrial(next)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trials (study, number, state, created_at) VALUES (?, ?, ?, ?)`,
		s.study, t.Number, string(t.State), formatTime(t.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert trial: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) state(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, number int) (State, error) {
	var st string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM trials WHERE study = ? AND number = ?`, s.study, number,
	).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrTrialNotFound, number)
	}
	if err != nil {
		return "", fmt.Errorf("get trial state: %w", err)
	}
	return State(st), nil
}

// transition moves a trial to state `to` inside tx after checking legality
func (s *SQLiteStore) transition(ctx context.Context, tx *sql.Tx, number int, to State, errMsg string) error {
	from, err := s.state(ctx, tx, number)
	if err != nil {
		return err
	}
	if from.Terminal() {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialTerminal, number, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := formatTime(time.Now())
	switch to {
	case StateRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE trials SET state = ?, started_at = ? WHERE study = ? AND number = ?`,
			string(to), now, s.study, number)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE trials SET state = ?, error = ?, completed_at = ? WHERE study = ? AND number = ?`,
			string(to), nullIfEmpty(errMsg), now, s.study, number)
	}
	if err != nil {
		return fmt.Errorf("update trial state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetParams(ctx context.Context, number int, params map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := s.state(ctx, tx, number)
	if err != nil {
		return err
	}
	if st != StatePending {
		return fmt.Errorf("%w: trial %d is %s", ErrInvalidTransition, number, st)
	}
	for k, v := range params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_params (study, number, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(study, number, key) DO UPDATE SET value = excluded.value`,
			s.study, number, k, v,
		); err != nil {
			return fmt.Errorf("insert param %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Start(ctx context.Context, number int, labels map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.transition(ctx, tx, number, StateRunning, ""); err != nil {
		return err
	}
	for k, v := range labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_labels (study, number, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(study, number, key) DO UPDATE SET value = excluded.value`,
			s.study, number, k, v,
		); err != nil {
			return fmt.Errorf("insert label %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Complete records the outcome attributes and the COMPLETED state in one transaction
func (s *SQLiteStore) Complete(ctx context.Context, number int, attrs map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.transition(ctx, tx, number, StateCompleted, ""); err != nil {
		return err
	}
	for k, v := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_attrs (study, number, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(study, number, key) DO UPDATE SET value = excluded.value`,
			s.study, number, k, v,
		); err != nil {
			return fmt.Errorf("insert attr %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Fail(ctx context.Context, number int, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.transition(ctx, tx, number, StateFailed, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, number int) (*Trial, error) {
	trials, err := s.query(ctx, `AND number = ?`, number)
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrialNotFound, number)
	}
	return trials[0], nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Trial, error) {
	return s.query(ctx, "")
}

func (s *SQLiteStore) Completed(ctx context.Context) ([]*Trial, error) {
	return s.query(ctx, `AND state = ?`, string(StateCompleted))
}

// query loads trials matching an extra WHERE fragment along with their maps
func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]*Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, state, error, created_at, started_at, completed_at
		 FROM trials WHERE study = ? `+where+` ORDER BY number`,
		append([]any{s.study}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}

	var out []*Trial
	index := make(map[int]*Trial)
	for rows.Next() {
		var (
			number                      int
			st                          string
			errMsg                      sql.NullString
			created, started, completed sql.NullString
		)
		if err := rows.Scan(&number, &st, &errMsg, &created, &started, &completed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		t := newTrial(number)
		t.State = State(st)
		t.Error = errMsg.String
		t.CreatedAt = parseTime(created)
		t.StartedAt = parseTime(started)
		t.CompletedAt = parseTime(completed)
		out = append(out, t)
		index[number] = t
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	if err := s.loadFloats(ctx, "trial_params", index, func(t *Trial) map[string]float64 { return t.Params }); err != nil {
		return nil, err
	}
	if err := s.loadFloats(ctx, "trial_attrs", index, func(t *Trial) map[string]float64 { return t.Attrs }); err != nil {
		return nil, err
	}
	if err := s.loadLabels(ctx, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) loadFloats(ctx context.Context, table string, index map[int]*Trial, target func(*Trial) map[string]float64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT number, key, value FROM `+table+` WHERE study = ?`, s.study)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			number int
			key    string
			value  float64
		)
		if err := rows.Scan(&number, &key, &value); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if t, ok := index[number]; ok {
			target(t)[key] = value
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadLabels(ctx context.Context, index map[int]*Trial) error {
	rows, err := s.db.QueryContext(ctx, `SELECT number, key, value FROM trial_labels WHERE study = ?`, s.study)
	if err != nil {
		return fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			number     int
			key, value string
		)
		if err := rows.Scan(&number, &key, &value); err != nil {
			return fmt.Errorf("scan label: %w", err)
		}
		if t, ok := index[number]; ok {
			t.Labels[key] = value
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) StudyAttr(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM study_attrs WHERE study = ? AND key = ?`, s.study, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get study attr %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetStudyAttr(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO study_attrs (study, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(study, key) DO UPDATE SET value = excluded.value`,
		s.study, key, value)
	if err != nil {
		return fmt.Errorf("set study attr %s: %w", key, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
