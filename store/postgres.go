package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"vending-svc/config"
)

// PostgresStore keeps documents in a single key-path table. The jsonb
// concatenation operator gives the shallow merge and INSERT ... ON CONFLICT
// DO NOTHING gives the atomic create-if-absent reservation.
type PostgresStore struct {
	db *sql.DB
}

func InitPostgresStore(cfg *config.Config, logger *zap.Logger) (*PostgresStore, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	createTableQuery := `
	CREATE TABLE IF NOT EXISTS vending_documents (
		path TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	logger.Info("Postgres store connection established")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing connection, used by tests.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, path string, dest any) (bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM vending_documents WHERE path = $1", path,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s: %w", path, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode document at %s: %w", path, err)
	}
	return true, nil
}

func (s *PostgresStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vending_documents (path, doc, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (path) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		path, data,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vending_documents (path, doc, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (path) DO UPDATE SET doc = vending_documents.doc || EXCLUDED.doc, updated_at = NOW()`,
		path, data,
	)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, path string, value any) (bool, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, nil, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO vending_documents (path, doc, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (path) DO NOTHING`,
		path, data,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert %s: %w", path, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if affected > 0 {
		return true, nil, nil
	}

	var existing []byte
	err = s.db.QueryRowContext(ctx,
		"SELECT doc FROM vending_documents WHERE path = $1", path,
	).Scan(&existing)
	if err != nil {
		return false, nil, fmt.Errorf("select %s: %w", path, err)
	}
	return false, existing, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, doc FROM vending_documents WHERE path LIKE $1", prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var path string
		var data []byte
		if err := rows.Scan(&path, &data); err != nil {
			return nil, err
		}
		result[path] = data
	}
	return result, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
