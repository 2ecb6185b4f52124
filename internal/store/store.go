package store

import (
	"context"

	"salon/salon-service/internal/models"
)

// RecordStore is a unit of work over service records. Insert, Update and
// Delete stage changes; Save commits everything staged so far.
//
// Replaying a staged operation that already reached storage is harmless: an
// insert of an existing id overwrites it and a delete of a missing id is a
// no-op. A Save that fails for a transient reason leaves every staged change
// in place for the next Save. Operations that can never succeed are dropped,
// the rest is committed, and Save returns a *RejectedError naming them.
type RecordStore interface {
	Insert(ctx context.Context, record models.ServiceRecord) error
	Update(ctx context.Context, record models.ServiceRecord) error
	Delete(ctx context.Context, record models.ServiceRecord) error
	// QueryAll returns every record, newest Date first.
	QueryAll(ctx context.Context) ([]models.ServiceRecord, error)
	Save(ctx context.Context) error
}

type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

type Op struct {
	Kind   OpKind
	Record models.ServiceRecord
}

// Pending accumulates staged operations for RecordStore implementations.
type Pending struct {
	ops []Op
}

func (p *Pending) Add(kind OpKind, record models.ServiceRecord) {
	p.ops = append(p.ops, Op{Kind: kind, Record: record})
}

func (p *Pending) Ops() []Op {
	out := make([]Op, len(p.ops))
	copy(out, p.ops)
	return out
}

// Drop removes the first n operations after they have been committed.
func (p *Pending) Drop(n int) {
	if n >= len(p.ops) {
		p.ops = nil
		return
	}
	p.ops = append([]Op(nil), p.ops[n:]...)
}

func (p *Pending) Len() int {
	return len(p.ops)
}
