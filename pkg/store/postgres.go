package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loomci/loom/pkg/results"
)

// PostgresStore persists build history to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builds (
    builder TEXT NOT NULL,
    number INTEGER NOT NULL,
    branch TEXT,
    revision TEXT,
    reason TEXT,
    result INTEGER,
    text JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    PRIMARY KEY (builder, number)
);
CREATE TABLE IF NOT EXISTS build_steps (
    id BIGSERIAL PRIMARY KEY,
    builder TEXT NOT NULL,
    number INTEGER NOT NULL,
    name TEXT NOT NULL,
    result INTEGER,
    text JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    FOREIGN KEY (builder, number) REFERENCES builds(builder, number) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS build_logs (
    id BIGSERIAL PRIMARY KEY,
    builder TEXT NOT NULL,
    number INTEGER NOT NULL,
    step TEXT NOT NULL,
    stream TEXT NOT NULL,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS build_logs_build ON build_logs (builder, number);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encodeText(text []string) ([]byte, error) {
	if text == nil {
		text = []string{}
	}
	return json.Marshal(text)
}

func (s *PostgresStore) StartBuild(rec BuildRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	query := `INSERT INTO builds (builder, number, branch, revision, reason, started_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (builder, number) DO UPDATE SET
    branch = EXCLUDED.branch,
    revision = EXCLUDED.revision,
    reason = EXCLUDED.reason,
    started_at = EXCLUDED.started_at,
    result = NULL,
    finished_at = NULL`
	_, err := s.db.Exec(query, rec.Builder, rec.Number, rec.Branch, rec.Revision, rec.Reason, rec.StartedAt)
	return err
}

func (s *PostgresStore) FinishBuild(builder string, number int, result results.Code, text []string, finishedAt time.Time) error {
	encoded, err := encodeText(text)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE builds SET result=$1, text=$2, finished_at=$3 WHERE builder=$4 AND number=$5`,
		int(result), encoded, finishedAt, builder, number)
	return err
}

func (s *PostgresStore) StartStep(builder string, number int, step string) error {
	_, err := s.db.Exec(`INSERT INTO build_steps (builder, number, name, started_at) VALUES ($1,$2,$3,$4)`,
		builder, number, step, time.Now().UTC())
	return err
}

func (s *PostgresStore) FinishStep(builder string, number int, step string, result results.Code, text []string) error {
	encoded, err := encodeText(text)
	if err != nil {
		return err
	}
	query := `UPDATE build_steps SET result=$1, text=$2, finished_at=$3
WHERE id = (SELECT id FROM build_steps WHERE builder=$4 AND number=$5 AND name=$6 ORDER BY id DESC LIMIT 1)`
	_, err = s.db.Exec(query, int(result), encoded, time.Now().UTC(), builder, number, step)
	return err
}

func (s *PostgresStore) AppendLog(builder string, number int, step, stream, text string) error {
	_, err := s.db.Exec(`INSERT INTO build_logs (builder, number, step, stream, line) VALUES ($1,$2,$3,$4,$5)`,
		builder, number, step, stream, text)
	return err
}

func (s *PostgresStore) Build(builder string, number int) (BuildRecord, error) {
	query := `SELECT builder, number, branch, revision, reason, result, text, started_at, finished_at
FROM builds WHERE builder=$1 AND number=$2`
	rec, err := scanBuild(s.db.QueryRow(query, builder, number))
	if err == sql.ErrNoRows {
		return BuildRecord{}, fmt.Errorf("%s #%d: %w", builder, number, ErrNotFound)
	}
	if err != nil {
		return BuildRecord{}, err
	}

	steps, err := s.steps(builder, number)
	if err != nil {
		return BuildRecord{}, err
	}
	rec.Steps = steps
	return rec, nil
}

func (s *PostgresStore) steps(builder string, number int) ([]StepRecord, error) {
	rows, err := s.db.Query(`SELECT name, result, text, started_at, finished_at
FROM build_steps WHERE builder=$1 AND number=$2 ORDER BY id ASC`, builder, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var result sql.NullInt64
		var text []byte
		var finished sql.NullTime
		if err := rows.Scan(&step.Name, &result, &text, &step.StartedAt, &finished); err != nil {
			return nil, err
		}
		if result.Valid {
			code := int(result.Int64)
			step.Result = &code
		}
		if len(text) > 0 {
			if err := json.Unmarshal(text, &step.Text); err != nil {
				return nil, fmt.Errorf("decode step text: %w", err)
			}
		}
		if finished.Valid {
			step.FinishedAt = finished.Time
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (BuildRecord, error) {
	var rec BuildRecord
	var branch, revision, reason sql.NullString
	var result sql.NullInt64
	var text []byte
	var finished sql.NullTime
	if err := row.Scan(&rec.Builder, &rec.Number, &branch, &revision, &reason, &result, &text, &rec.StartedAt, &finished); err != nil {
		return BuildRecord{}, err
	}
	rec.Branch = branch.String
	rec.Revision = revision.String
	rec.Reason = reason.String
	if result.Valid {
		code := int(result.Int64)
		rec.Result = &code
	}
	if len(text) > 0 {
		if err := json.Unmarshal(text, &rec.Text); err != nil {
			return BuildRecord{}, fmt.Errorf("decode build text: %w", err)
		}
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}

func (s *PostgresStore) Builds(builder string, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT builder, number, branch, revision, reason, result, text, started_at, finished_at
FROM builds WHERE builder=$1 ORDER BY number DESC LIMIT $2`, builder, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []BuildRecord
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, rec)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) Logs(builder string, number int) ([]LogLine, error) {
	rows, err := s.db.Query(`SELECT step, stream, line FROM build_logs WHERE builder=$1 AND number=$2 ORDER BY id ASC`,
		builder, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		if err := rows.Scan(&line.Step, &line.Stream, &line.Text); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
