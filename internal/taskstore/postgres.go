package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the task_definitions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS task_definitions (
    id           TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    instructions TEXT NOT NULL DEFAULT '',
    criteria     JSONB NOT NULL DEFAULT '[]',
    max_score    DOUBLE PRECISION NOT NULL DEFAULT 5,
    pass_score   DOUBLE PRECISION NOT NULL DEFAULT 3,
    voice        TEXT NOT NULL DEFAULT '',
    examples     JSONB NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_task_definitions_title ON task_definitions(title);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Criteria and
// examples are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// task_definitions table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("taskstore: migrate: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, id string) (*TaskDefinition, error) {
	const query = `
		SELECT id, title, instructions, criteria, max_score, pass_score,
		       voice, examples, created_at, updated_at
		FROM task_definitions WHERE id = $1`

	var (
		def            TaskDefinition
		criteriaJSON   []byte
		examplesJSON   []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&def.ID, &def.Title, &def.Instructions, &criteriaJSON, &def.MaxScore,
		&def.PassScore, &def.Voice, &examplesJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("taskstore: get %q: %w", id, err)
	}
	if err := unmarshalFields(&def, criteriaJSON, examplesJSON); err != nil {
		return nil, err
	}
	return &def, nil
}

// List implements [Store.List]. Results are ordered by ID.
func (s *PostgresStore) List(ctx context.Context) ([]TaskDefinition, error) {
	const query = `
		SELECT id, title, instructions, criteria, max_score, pass_score,
		       voice, examples, created_at, updated_at
		FROM task_definitions ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list: %w", err)
	}
	defer rows.Close()

	var result []TaskDefinition
	for rows.Next() {
		var (
			def          TaskDefinition
			criteriaJSON []byte
			examplesJSON []byte
		)
		if err := rows.Scan(
			&def.ID, &def.Title, &def.Instructions, &criteriaJSON, &def.MaxScore,
			&def.PassScore, &def.Voice, &examplesJSON, &def.CreatedAt, &def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("taskstore: list scan: %w", err)
		}
		if err := unmarshalFields(&def, criteriaJSON, examplesJSON); err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskstore: list rows: %w", err)
	}
	return result, nil
}

// Upsert implements [Store.Upsert].
func (s *PostgresStore) Upsert(ctx context.Context, def *TaskDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	criteriaJSON, err := json.Marshal(emptySlice(def.Criteria))
	if err != nil {
		return fmt.Errorf("taskstore: marshal criteria: %w", err)
	}
	examplesJSON, err := json.Marshal(emptyExamples(def.Examples))
	if err != nil {
		return fmt.Errorf("taskstore: marshal examples: %w", err)
	}

	const query = `
		INSERT INTO task_definitions (
			id, title, instructions, criteria, max_score, pass_score, voice, examples
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			instructions = EXCLUDED.instructions,
			criteria = EXCLUDED.criteria,
			max_score = EXCLUDED.max_score,
			pass_score = EXCLUDED.pass_score,
			voice = EXCLUDED.voice,
			examples = EXCLUDED.examples,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Title, def.Instructions, criteriaJSON,
		def.MaxScore, def.PassScore, def.Voice, examplesJSON,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("taskstore: upsert %q: %w", def.ID, err)
	}
	return nil
}

// Delete implements [Store.Delete].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM task_definitions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("taskstore: delete %q: %w", id, err)
	}
	return nil
}

// unmarshalFields decodes the JSONB columns into def.
func unmarshalFields(def *TaskDefinition, criteria, examples []byte) error {
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &def.Criteria); err != nil {
			return fmt.Errorf("taskstore: unmarshal criteria for %q: %w", def.ID, err)
		}
	}
	if len(examples) > 0 {
		if err := json.Unmarshal(examples, &def.Examples); err != nil {
			return fmt.Errorf("taskstore: unmarshal examples for %q: %w", def.ID, err)
		}
	}
	return nil
}

// emptySlice substitutes an empty slice for nil so JSONB columns store '[]'
// rather than 'null'.
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyExamples(s []ExampleDefinition) []ExampleDefinition {
	if s == nil {
		return []ExampleDefinition{}
	}
	return s
}
