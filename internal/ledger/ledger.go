// Package ledger owns the active and historical service records and drives
// the technician rotation. A technician is busy exactly while one of their
// records is active; there is no separate availability flag.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"salon/salon-service/internal/models"
	"salon/salon-service/internal/queuestore"
	"salon/salon-service/internal/rotation"
	"salon/salon-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("salon-service/ledger")

type Options struct {
	// Location defines calendar days for sales totals. Defaults to time.Local.
	Location *time.Location
	// QueueStore persists the rotation order; nil keeps it in memory only.
	QueueStore queuestore.QueueStore
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

type AddServiceInput struct {
	Technician   string
	ServiceName  string
	CustomerName string
	Price        decimal.Decimal
	// Date defaults to the current time.
	Date time.Time
}

// Ledger serialises every call behind one mutex so that two concurrent adds
// can never pick the same idle technician.
type Ledger struct {
	mu       sync.Mutex
	store    store.RecordStore
	rotation *rotation.Rotation
	queues   queuestore.QueueStore
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	active     map[string]models.ServiceRecord
	history    []models.ServiceRecord
	unsaved    map[string]struct{}
	rejected   map[string]error
	restage    []stagedChange
	queueDirty bool
}

// stagedChange is a record change the store refused to stage. It is staged
// again, in order, before the next save.
type stagedChange struct {
	id    string
	stage func(context.Context) error
}

func New(recordStore store.RecordStore, rot *rotation.Rotation, options Options) *Ledger {
	l := &Ledger{
		store:    recordStore,
		rotation: rot,
		queues:   options.QueueStore,
		loc:      options.Location,
		logger:   options.Logger,
		now:      options.Now,
		newID:    options.NewID,
		active:   make(map[string]models.ServiceRecord),
		unsaved:  make(map[string]struct{}),
		rejected: make(map[string]error),
	}
	if l.loc == nil {
		l.loc = time.Local
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

// Load replaces the in-memory state with what the stores hold.
func (l *Ledger) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ledger.Load")
	defer span.End()

	records, err := l.store.QueryAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load records: %v", ErrPersistence, err)
	}

	var saved []string
	if l.queues != nil {
		saved, err = l.queues.LoadQueue(ctx)
		if err != nil {
			return fmt.Errorf("%w: load rotation: %v", ErrPersistence, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = make(map[string]models.ServiceRecord)
	l.history = nil
	for _, record := range records {
		if record.Status() == models.StatusActive {
			l.active[record.ID] = record
			continue
		}
		l.history = append(l.history, record)
	}
	sort.SliceStable(l.history, func(i, j int) bool {
		a, b := l.history[i], l.history[j]
		if a.CompletedAt.Equal(*b.CompletedAt) {
			return a.Date.Before(b.Date)
		}
		return a.CompletedAt.Before(*b.CompletedAt)
	})
	l.rotation.Restore(saved)

	span.SetAttributes(attribute.Int("active", len(l.active)), attribute.Int("history", len(l.history)))
	l.logger.Info("ledger loaded",
		zap.Int("active", len(l.active)),
		zap.Int("history", len(l.history)),
		zap.Strings("queue", l.rotation.Queue()),
	)
	return nil
}

func (l *Ledger) NextAvailable() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotation.NextAvailable(l.busyLocked())
}

func (l *Ledger) AvailableTechnicians() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotation.Available(l.busyLocked())
}

func (l *Ledger) Queue() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotation.Queue()
}

// AddService records a new active service for input.Technician, who must be
// on the roster and idle. When the technician is the one the rotation would
// have picked, the rotation advances; a manual pick leaves turn order alone.
//
// An error wrapping ErrPersistence comes with a valid record: the service is
// active in memory and will be written by a later save.
func (l *Ledger) AddService(ctx context.Context, input AddServiceInput) (models.ServiceRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.AddService")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(ctx, input)
}

// AssignNext is AddService with the technician chosen by the rotation.
func (l *Ledger) AssignNext(ctx context.Context, input AddServiceInput) (models.ServiceRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.AssignNext")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	next, ok := l.rotation.NextAvailable(l.busyLocked())
	if !ok {
		return models.ServiceRecord{}, ErrNoTechnicianAvailable
	}
	input.Technician = next
	return l.addLocked(ctx, input)
}

func (l *Ledger) addLocked(ctx context.Context, input AddServiceInput) (models.ServiceRecord, error) {
	technician := strings.TrimSpace(input.Technician)
	busy := l.busyLocked()
	switch {
	case technician == "":
		return models.ServiceRecord{}, fmt.Errorf("%w: technician is required", ErrInvalidTechnician)
	case !l.rotation.Known(technician):
		return models.ServiceRecord{}, fmt.Errorf("%w: %q is not on the roster", ErrInvalidTechnician, technician)
	case busy[technician]:
		return models.ServiceRecord{}, fmt.Errorf("%w: %q is busy", ErrInvalidTechnician, technician)
	}
	if err := models.CheckPrice(input.Price); err != nil {
		return models.ServiceRecord{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}

	date := input.Date
	if date.IsZero() {
		date = l.now()
	}
	record := models.ServiceRecord{
		ID:             l.newID(),
		TechnicianName: technician,
		ServiceName:    strings.TrimSpace(input.ServiceName),
		CustomerName:   strings.TrimSpace(input.CustomerName),
		Price:          input.Price,
		Date:           date,
	}

	next, _ := l.rotation.NextAvailable(busy)
	autoSelected := next == technician

	l.active[record.ID] = record
	if autoSelected {
		l.rotation.Rotate(technician)
		l.queueDirty = true
	}

	l.logger.Info("service added",
		zap.String("service_id", record.ID),
		zap.String("technician", technician),
		zap.String("price", record.Price.StringFixed(2)),
		zap.Bool("auto_selected", autoSelected),
	)

	return record, l.persistLocked(ctx, record.ID, func(ctx context.Context) error {
		return l.store.Insert(ctx, record)
	})
}

// CompleteService moves an active record to history, which frees its
// technician. Completing an id that is not active fails with
// ErrServiceNotFound, including a second completion of the same id.
func (l *Ledger) CompleteService(ctx context.Context, id string) (models.ServiceRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.CompleteService")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.active[id]
	if !ok {
		l.logger.Warn("complete unknown service", zap.String("service_id", id))
		return models.ServiceRecord{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}

	completedAt := l.now()
	record.CompletedAt = &completedAt
	delete(l.active, id)
	l.history = append(l.history, record)

	l.logger.Info("service completed",
		zap.String("service_id", id),
		zap.String("technician", record.TechnicianName),
	)

	return record, l.persistLocked(ctx, id, func(ctx context.Context) error {
		return l.store.Update(ctx, record)
	})
}

// DiscardService deletes an active record outright, as if it never happened.
// The technician becomes available and nothing is added to history.
func (l *Ledger) DiscardService(ctx context.Context, id string) (models.ServiceRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.DiscardService")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.active[id]
	if !ok {
		l.logger.Warn("discard unknown service", zap.String("service_id", id))
		return models.ServiceRecord{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	delete(l.active, id)

	l.logger.Info("service discarded",
		zap.String("service_id", id),
		zap.String("technician", record.TechnicianName),
	)

	return record, l.persistLocked(ctx, id, func(ctx context.Context) error {
		return l.store.Delete(ctx, record)
	})
}

// TotalSales sums prices of active and historical records for technician
// dated on the same calendar day as day.
func (l *Ledger) TotalSales(technician string, day time.Time) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	l.eachRecordLocked(func(record models.ServiceRecord) {
		if record.TechnicianName == technician && l.sameDay(record.Date, day) {
			total = total.Add(record.Price)
		}
	})
	return total
}

// DailySales reports every roster technician for day, plus anyone off the
// roster who still has records on that day.
func (l *Ledger) DailySales(day time.Time) []models.TechnicianSales {
	l.mu.Lock()
	defer l.mu.Unlock()

	byName := make(map[string]*models.TechnicianSales)
	var rows []*models.TechnicianSales
	for _, name := range l.rotation.Roster() {
		row := &models.TechnicianSales{TechnicianName: name, Total: decimal.Zero}
		byName[name] = row
		rows = append(rows, row)
	}

	var extra []*models.TechnicianSales
	l.eachRecordLocked(func(record models.ServiceRecord) {
		if !l.sameDay(record.Date, day) {
			return
		}
		row, ok := byName[record.TechnicianName]
		if !ok {
			row = &models.TechnicianSales{TechnicianName: record.TechnicianName, Total: decimal.Zero}
			byName[record.TechnicianName] = row
			extra = append(extra, row)
		}
		row.Services++
		row.Total = row.Total.Add(record.Price)
	})
	sort.Slice(extra, func(i, j int) bool { return extra[i].TechnicianName < extra[j].TechnicianName })

	out := make([]models.TechnicianSales, 0, len(rows)+len(extra))
	for _, row := range append(rows, extra...) {
		out = append(out, *row)
	}
	return out
}

// ActiveServices returns the active records newest first.
func (l *Ledger) ActiveServices() []models.ServiceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]models.ServiceRecord, 0, len(l.active))
	for _, record := range l.active {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].ID < records[j].ID
		}
		return records[i].Date.After(records[j].Date)
	})
	return records
}

// HistoricalServices returns completed records in completion order.
func (l *Ledger) HistoricalServices() []models.ServiceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.ServiceRecord, len(l.history))
	copy(out, l.history)
	return out
}

// Unsaved lists ids whose latest change has not reached the record store,
// including rejected ones.
func (l *Ledger) Unsaved() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.unsaved))
	for id := range l.unsaved {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) IsUnsaved(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.unsaved[id]
	return ok
}

// Rejected maps ids whose change the record store refused for good to the
// reason. Retrying cannot write them; they stay in memory only.
func (l *Ledger) Rejected() map[string]error {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]error, len(l.rejected))
	for id, err := range l.rejected {
		out[id] = err
	}
	return out
}

func (l *Ledger) IsRejected(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rejected[id]
	return ok
}

// HasUnsaved reports whether a retry could still write something.
func (l *Ledger) HasUnsaved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queueDirty || len(l.restage) > 0 {
		return true
	}
	for id := range l.unsaved {
		if _, ok := l.rejected[id]; !ok {
			return true
		}
	}
	return false
}

// Flush retries any save that failed earlier.
func (l *Ledger) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ledger.Flush")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(ctx)
}

func (l *Ledger) persistLocked(ctx context.Context, id string, stage func(context.Context) error) error {
	l.unsaved[id] = struct{}{}
	delete(l.rejected, id)
	l.restage = append(l.restage, stagedChange{id: id, stage: stage})
	return l.saveLocked(ctx)
}

// stageLocked hands queued changes to the store in order, stopping at the
// first one it refuses so later changes to the same id cannot overtake it.
func (l *Ledger) stageLocked(ctx context.Context) error {
	for len(l.restage) > 0 {
		change := l.restage[0]
		if err := change.stage(ctx); err != nil {
			l.logger.Error("stage record change", zap.String("service_id", change.id), zap.Error(err))
			return fmt.Errorf("%w: stage %s: %v", ErrPersistence, change.id, err)
		}
		l.restage = l.restage[1:]
	}
	return nil
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	var errs []error
	if err := l.stageLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	err := l.store.Save(ctx)
	var rejected *store.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		for id, cause := range rejected.Records {
			l.rejected[id] = cause
			l.logger.Error("record rejected by store", zap.String("service_id", id), zap.Error(cause))
		}
		errs = append(errs, fmt.Errorf("%w: %w", ErrPersistence, err))
	default:
		l.logger.Error("save records", zap.Int("unsaved", len(l.unsaved)), zap.Error(err))
		errs = append(errs, fmt.Errorf("%w: save records: %v", ErrPersistence, err))
	}
	if err == nil || rejected != nil {
		l.markSavedLocked()
	}

	if l.queueDirty && l.queues != nil {
		if err := l.queues.SaveQueue(ctx, l.rotation.Queue()); err != nil {
			l.logger.Error("save rotation", zap.Error(err))
			errs = append(errs, fmt.Errorf("%w: save rotation: %v", ErrPersistence, err))
		} else {
			l.queueDirty = false
		}
	} else {
		l.queueDirty = false
	}
	return errors.Join(errs...)
}

// markSavedLocked clears the unsaved mark of every id the store committed,
// which is every id that is neither rejected nor still waiting to be staged.
func (l *Ledger) markSavedLocked() {
	waiting := make(map[string]struct{}, len(l.restage))
	for _, change := range l.restage {
		waiting[change.id] = struct{}{}
	}
	for id := range l.unsaved {
		if _, ok := waiting[id]; ok {
			continue
		}
		if _, ok := l.rejected[id]; ok {
			continue
		}
		delete(l.unsaved, id)
	}
}

func (l *Ledger) busyLocked() map[string]bool {
	busy := make(map[string]bool, len(l.active))
	for _, record := range l.active {
		busy[record.TechnicianName] = true
	}
	return busy
}

func (l *Ledger) eachRecordLocked(fn func(models.ServiceRecord)) {
	for _, record := range l.active {
		fn(record)
	}
	for _, record := range l.history {
		fn(record)
	}
}

func (l *Ledger) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(l.loc).Date()
	by, bm, bd := b.In(l.loc).Date()
	return ay == by && am == bm && ad == bd
}
