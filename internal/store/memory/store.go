// Package memory is an in-process RecordStore. Records live only as long as
// the process; it backs tests and deployments without DB_DSN.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"salon/salon-service/internal/models"
	"salon/salon-service/internal/store"
)

type Store struct {
	mu      sync.Mutex
	records map[string]models.ServiceRecord
	pending store.Pending
}

func NewStore() *Store {
	return &Store{records: make(map[string]models.ServiceRecord)}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]models.ServiceRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].ID < records[j].ID
		}
		return records[i].Date.After(records[j].Date)
	})
	return records, nil
}

// Save applies staged operations atomically. Operations the stored data can
// never accept are dropped and reported in a *store.RejectedError.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]models.ServiceRecord, len(s.records))
	for id, record := range s.records {
		next[id] = record
	}
	ops := s.pending.Ops()
	rejected := make(map[string]error)
	for _, op := range ops {
		if err := apply(next, op); err != nil {
			rejected[op.Record.ID] = err
		}
	}
	s.records = next
	s.pending.Drop(len(ops))
	if len(rejected) > 0 {
		return &store.RejectedError{Records: rejected}
	}
	return nil
}

// apply mirrors the constraints of the service_records table.
func apply(records map[string]models.ServiceRecord, op store.Op) error {
	id := op.Record.ID
	switch op.Kind {
	case store.OpInsert:
		if err := models.CheckPrice(op.Record.Price); err != nil {
			return fmt.Errorf("insert %s: %w", id, err)
		}
		records[id] = op.Record
	case store.OpUpdate:
		if _, ok := records[id]; !ok {
			return fmt.Errorf("update %s: %w", id, store.ErrRecordNotFound)
		}
		if err := models.CheckPrice(op.Record.Price); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		records[id] = op.Record
	case store.OpDelete:
		delete(records, id)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// Pending reports how many operations are waiting for Save.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}
