package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"salon/salon-service/internal/models"
	"salon/salon-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("salon-service/store/postgres")

type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	pending store.Pending
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, record models.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Add(store.OpInsert, record)
	return nil
}

func (s *Store) Update(ctx context.Context, record models.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Add(store.OpUpdate, record)
	return nil
}

func (s *Store) Delete(ctx context.Context, record models.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Add(store.OpDelete, record)
	return nil
}

func (s *Store) QueryAll(ctx context.Context) ([]models.ServiceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, technician_name, service_name, customer_name, price::text, created_at, completed_at
		FROM service_records
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ServiceRecord
	for rows.Next() {
		var record models.ServiceRecord
		var price string
		var completedAtNull sql.NullTime
		if err := rows.Scan(&record.ID, &record.TechnicianName, &record.ServiceName, &record.CustomerName, &price, &record.Date, &completedAtNull); err != nil {
			return nil, err
		}
		record.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("record %s price %q: %w", record.ID, price, err)
		}
		if completedAtNull.Valid {
			completedAt := completedAtNull.Time
			record.CompletedAt = &completedAt
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Save writes every staged operation in a single transaction. An operation
// the database refuses for good is taken out and the transaction retried
// without it.
func (s *Store) Save(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.pending.Ops()
	if len(staged) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "postgres.Save")
	span.SetAttributes(attribute.Int("ops", len(staged)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	ops := staged
	rejected := make(map[string]error)
	for {
		failed, err := commit(ctx, s.pool, ops)
		if err == nil {
			break
		}
		if failed < 0 || !permanent(err) {
			return err
		}
		rejected[ops[failed].Record.ID] = err
		ops = append(ops[:failed:failed], ops[failed+1:]...)
	}

	s.pending.Drop(len(staged))
	if len(rejected) > 0 {
		span.SetAttributes(attribute.Int("rejected", len(rejected)))
		return &store.RejectedError{Records: rejected}
	}
	return nil
}

// commit applies ops in one transaction. On failure it returns the index of
// the op that failed, or -1 when the transaction itself failed.
func commit(ctx context.Context, pool *pgxpool.Pool, ops []store.Op) (failed int, err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return -1, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, op := range ops {
		if err = applyOp(ctx, tx, op); err != nil {
			return i, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return -1, err
	}
	return 0, nil
}

// permanent reports errors that replaying the same op will hit again:
// missing rows, bad data (SQLSTATE class 22) and constraint violations
// (class 23).
func permanent(err error) bool {
	if errors.Is(err, store.ErrRecordNotFound) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

func applyOp(ctx context.Context, tx pgx.Tx, op store.Op) error {
	record := op.Record
	switch op.Kind {
	case store.OpInsert:
		_, err := tx.Exec(ctx, `
			INSERT INTO service_records (
				id, technician_name, service_name, customer_name, price, created_at, completed_at
			) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				technician_name = EXCLUDED.technician_name,
				service_name = EXCLUDED.service_name,
				customer_name = EXCLUDED.customer_name,
				price = EXCLUDED.price,
				created_at = EXCLUDED.created_at,
				completed_at = EXCLUDED.completed_at
		`, record.ID, record.TechnicianName, record.ServiceName, record.CustomerName, record.Price.String(), record.Date, nullTime(record))
		if err != nil {
			return fmt.Errorf("insert %s: %w", record.ID, err)
		}
	case store.OpUpdate:
		tag, err := tx.Exec(ctx, `
			UPDATE service_records
			SET technician_name = $2,
				service_name = $3,
				customer_name = $4,
				price = $5::numeric,
				completed_at = $6
			WHERE id = $1
		`, record.ID, record.TechnicianName, record.ServiceName, record.CustomerName, record.Price.String(), nullTime(record))
		if err != nil {
			return fmt.Errorf("update %s: %w", record.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update %s: %w", record.ID, store.ErrRecordNotFound)
		}
	case store.OpDelete:
		if _, err := tx.Exec(ctx, `DELETE FROM service_records WHERE id = $1`, record.ID); err != nil {
			return fmt.Errorf("delete %s: %w", record.ID, err)
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

func nullTime(record models.ServiceRecord) sql.NullTime {
	if record.CompletedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *record.CompletedAt, Valid: true}
}
