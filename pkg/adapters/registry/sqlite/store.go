// Package sqlite provides a SQLite-backed system of record for committed
// entities.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aescanero/regorch/pkg/adapters/registry/sqlite/migrations"
	"github.com/aescanero/regorch/pkg/adapters/sqlitemigrate"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

// Entity is one stored registry record.
type Entity struct {
	ID         string
	EntityType string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Store persists entities in SQLite and implements ports.RegistryClient.
type Store struct {
	sqlDB *sql.DB
	clock ports.Clock
}

// Open opens a SQLite registry and applies embedded migrations.
func Open(path string, clock ports.Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: clock}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateEntity inserts one entity and returns its generated id.
func (s *Store) CreateEntity(ctx context.Context, entityType string, payload map[string]any) (string, error) {
	if strings.TrimSpace(entityType) == "" {
		return "", domain.Validation("entity type is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", domain.Validation("entity payload is not serializable: %v", err)
	}

	id := uuid.NewString()
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO entities (id, entity_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, entityType, string(data), s.clock.Now().UTC().UnixMilli(),
	); err != nil {
		return "", domain.ExternalService(err, "create %s", entityType)
	}
	return id, nil
}

// DeleteEntity removes an entity. Deleting a missing entity is a no-op.
func (s *Store) DeleteEntity(ctx context.Context, entityType, id string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM entities WHERE id = ? AND entity_type = ?`, id, entityType,
	); err != nil {
		return domain.ExternalService(err, "delete %s %s", entityType, id)
	}
	return nil
}

// FindByNaturalKey returns the id of the oldest entity whose payload field
// key equals value, or "" when there is none.
func (s *Store) FindByNaturalKey(ctx context.Context, entityType, key, value string) (string, error) {
	var id string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id FROM entities
		  WHERE entity_type = ? AND json_extract(payload, '$.' || ?) = ?
		  ORDER BY created_at, id LIMIT 1`,
		entityType, key, value,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", domain.ExternalService(err, "find %s by %s", entityType, key)
	}
	return id, nil
}

// GetEntity loads one entity.
func (s *Store) GetEntity(ctx context.Context, id string) (Entity, error) {
	var (
		e       Entity
		payload string
		created int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, entity_type, payload, created_at FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.EntityType, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, domain.NotFound("entity not found: %s", id)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get entity: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return Entity{}, fmt.Errorf("decode entity payload: %w", err)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}

// CountEntities returns how many entities of a type exist.
func (s *Store) CountEntities(ctx context.Context, entityType string) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_type = ?`, entityType,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

var _ ports.RegistryClient = (*Store)(nil)
