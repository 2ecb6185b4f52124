package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"salon/salon-service/internal/models"
	"salon/salon-service/internal/rotation"
	"salon/salon-service/internal/store"
	"salon/salon-service/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecordStore struct {
	insertFn   func(ctx context.Context, record models.ServiceRecord) error
	updateFn   func(ctx context.Context, record models.ServiceRecord) error
	deleteFn   func(ctx context.Context, record models.ServiceRecord) error
	queryAllFn func(ctx context.Context) ([]models.ServiceRecord, error)
	saveFn     func(ctx context.Context) error
}

func (f fakeRecordStore) Insert(ctx context.Context, record models.ServiceRecord) error {
	if f.insertFn == nil {
		return nil
	}
	return f.insertFn(ctx, record)
}

func (f fakeRecordStore) Update(ctx context.Context, record models.ServiceRecord) error {
	if f.updateFn == nil {
		return nil
	}
	return f.updateFn(ctx, record)
}

func (f fakeRecordStore) Delete(ctx context.Context, record models.ServiceRecord) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, record)
}

func (f fakeRecordStore) QueryAll(ctx context.Context) ([]models.ServiceRecord, error) {
	if f.queryAllFn == nil {
		return nil, nil
	}
	return f.queryAllFn(ctx)
}

func (f fakeRecordStore) Save(ctx context.Context) error {
	if f.saveFn == nil {
		return nil
	}
	return f.saveFn(ctx)
}

type fakeQueueStore struct {
	mu      sync.Mutex
	saved   []string
	loaded  []string
	saveErr error
	saves   int
}

func (f *fakeQueueStore) LoadQueue(ctx context.Context) ([]string, error) {
	return f.loaded, nil
}

func (f *fakeQueueStore) SaveQueue(ctx context.Context, queue []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = queue
	return nil
}

var testDay = time.Date(2024, 9, 4, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, roster ...string) *Ledger {
	t.Helper()
	seq := 0
	return New(memory.NewStore(), rotation.New(roster), Options{
		Location: time.UTC,
		Now:      func() time.Time { return testDay },
		NewID: func() string {
			seq++
			return fmt.Sprintf("svc-%03d", seq)
		},
	})
}

func price(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func auto(t *testing.T, l *Ledger, service string, amount string) models.ServiceRecord {
	t.Helper()
	record, err := l.AssignNext(context.Background(), AddServiceInput{ServiceName: service, Price: price(amount)})
	require.NoError(t, err)
	return record
}

func TestRotationScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B")
	assert.Equal(t, []string{"A", "B"}, l.Queue())

	first := auto(t, l, "cut", "10")
	assert.Equal(t, "A", first.TechnicianName)
	assert.Equal(t, []string{"B", "A"}, l.Queue())

	second := auto(t, l, "cut", "10")
	assert.Equal(t, "B", second.TechnicianName)
	assert.Equal(t, []string{"A", "B"}, l.Queue())

	_, ok := l.NextAvailable()
	assert.False(t, ok)
	_, err := l.AssignNext(ctx, AddServiceInput{ServiceName: "cut", Price: price("10")})
	assert.ErrorIs(t, err, ErrNoTechnicianAvailable)
	assert.ErrorIs(t, err, ErrInvalidTechnician)

	_, err = l.CompleteService(ctx, first.ID)
	require.NoError(t, err)
	next, ok := l.NextAvailable()
	assert.True(t, ok)
	assert.Equal(t, "A", next)
}

func TestAddServiceAutoSelectedRotates(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "Trang", "Al", "Cindy")

	next, ok := l.NextAvailable()
	require.True(t, ok)
	record, err := l.AddService(ctx, AddServiceInput{Technician: next, ServiceName: "gel", Price: price("30")})
	require.NoError(t, err)

	assert.Equal(t, "Trang", record.TechnicianName)
	assert.Equal(t, []string{"Al", "Cindy", "Trang"}, l.Queue())
	assert.NotContains(t, l.AvailableTechnicians(), "Trang")
	assert.Equal(t, models.StatusActive, record.Status())
	assert.Equal(t, testDay, record.Date)
}

func TestAddServiceManualSelectionKeepsQueue(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "Trang", "Al", "Cindy")

	record, err := l.AddService(ctx, AddServiceInput{Technician: "Cindy", ServiceName: "acrylic", Price: price("45")})
	require.NoError(t, err)
	assert.Equal(t, "Cindy", record.TechnicianName)
	assert.Equal(t, []string{"Trang", "Al", "Cindy"}, l.Queue())
	assert.Equal(t, []string{"Trang", "Al"}, l.AvailableTechnicians())

	next, _ := l.NextAvailable()
	assert.Equal(t, "Trang", next)
}

func TestAutoSelectPastBusyFront(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B", "C")

	_, err := l.AddService(ctx, AddServiceInput{Technician: "B", Price: price("10")})
	require.NoError(t, err)
	_, err = l.AddService(ctx, AddServiceInput{Technician: "A", Price: price("10")})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, l.Queue())

	record := auto(t, l, "polish", "12")
	assert.Equal(t, "C", record.TechnicianName)
	assert.Equal(t, []string{"B", "A", "C"}, l.Queue())
}

func TestAddServiceValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B")
	_, err := l.AddService(ctx, AddServiceInput{Technician: "B", Price: price("10")})
	require.NoError(t, err)

	cases := []struct {
		name       string
		technician string
		price      decimal.Decimal
		want       error
	}{
		{"empty technician", "", price("10.0"), ErrInvalidTechnician},
		{"blank technician", "   ", price("10.0"), ErrInvalidTechnician},
		{"unknown technician", "Zed", price("10.0"), ErrInvalidTechnician},
		{"busy technician", "B", price("10.0"), ErrInvalidTechnician},
		{"negative price", "A", price("-5.0"), ErrInvalidPrice},
		{"zero price", "A", decimal.Zero, ErrInvalidPrice},
		{"sub-cent price", "A", price("0.001"), ErrInvalidPrice},
		{"three decimal places", "A", price("12.345"), ErrInvalidPrice},
		{"price overflows column", "A", price("10000000000"), ErrInvalidPrice},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.AddService(ctx, AddServiceInput{Technician: tt.technician, ServiceName: "cut", Price: tt.price})
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
		})
	}

	assert.Len(t, l.ActiveServices(), 1)
	assert.Equal(t, []string{"A", "B"}, l.Queue())
	assert.Empty(t, l.Unsaved())
}

func TestAtMostOneActiveServicePerTechnician(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B", "C")

	for i := 0; i < 10; i++ {
		_, _ = l.AssignNext(ctx, AddServiceInput{Price: price("5")})
		_, _ = l.AddService(ctx, AddServiceInput{Technician: "B", Price: price("5")})
	}

	seen := make(map[string]bool)
	for _, record := range l.ActiveServices() {
		assert.False(t, seen[record.TechnicianName], "duplicate active service for %s", record.TechnicianName)
		seen[record.TechnicianName] = true
	}
	assert.Len(t, seen, 3)
}

func TestConcurrentAssignNextNeverDoubleAssigns(t *testing.T) {
	ctx := context.Background()
	roster := []string{"T1", "T2", "T3", "T4", "T5"}
	l := New(memory.NewStore(), rotation.New(roster), Options{})

	var wg sync.WaitGroup
	results := make(chan models.ServiceRecord, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := l.AssignNext(ctx, AddServiceInput{Price: price("15")})
			if err == nil {
				results <- record
			}
		}()
	}
	wg.Wait()
	close(results)

	assigned := make(map[string]int)
	for record := range results {
		assigned[record.TechnicianName]++
	}
	assert.Len(t, assigned, len(roster))
	for name, count := range assigned {
		assert.Equal(t, 1, count, name)
	}
}

func TestCompleteServiceMovesToHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B")
	record := auto(t, l, "manicure", "20")

	completed, err := l.CompleteService(ctx, record.ID)
	require.NoError(t, err)

	assert.Empty(t, l.ActiveServices())
	history := l.HistoricalServices()
	require.Len(t, history, 1)
	assert.Equal(t, record.ID, history[0].ID)
	assert.Equal(t, record.TechnicianName, history[0].TechnicianName)
	assert.Equal(t, record.ServiceName, history[0].ServiceName)
	assert.True(t, record.Price.Equal(history[0].Price))
	assert.Equal(t, record.Date, history[0].Date)
	assert.Equal(t, models.StatusHistorical, completed.Status())
	assert.Contains(t, l.AvailableTechnicians(), "A")

	_, err = l.CompleteService(ctx, record.ID)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Len(t, l.HistoricalServices(), 1)
}

func TestCompleteServiceUnknownID(t *testing.T) {
	l := newTestLedger(t, "A")
	_, err := l.CompleteService(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.False(t, IsValidation(err))
}

func TestHistoryKeepsCompletionOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B", "C")
	a := auto(t, l, "cut", "10")
	b := auto(t, l, "cut", "10")
	c := auto(t, l, "cut", "10")

	for _, id := range []string{c.ID, a.ID, b.ID} {
		_, err := l.CompleteService(ctx, id)
		require.NoError(t, err)
	}

	history := l.HistoricalServices()
	require.Len(t, history, 3)
	assert.Equal(t, c.ID, history[0].ID)
	assert.Equal(t, a.ID, history[1].ID)
	assert.Equal(t, b.ID, history[2].ID)
}

func TestActiveServicesNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B", "C")
	for i, name := range []string{"A", "B", "C"} {
		_, err := l.AddService(ctx, AddServiceInput{
			Technician: name,
			Price:      price("10"),
			Date:       testDay.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	active := l.ActiveServices()
	require.Len(t, active, 3)
	assert.Equal(t, "C", active[0].TechnicianName)
	assert.Equal(t, "B", active[1].TechnicianName)
	assert.Equal(t, "A", active[2].TechnicianName)
}

func TestDiscardService(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	l := New(st, rotation.New([]string{"A", "B"}), Options{})
	record := auto(t, l, "cut", "10")

	_, err := l.DiscardService(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, l.ActiveServices())
	assert.Empty(t, l.HistoricalServices())
	assert.Contains(t, l.AvailableTechnicians(), "A")

	records, err := st.QueryAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = l.DiscardService(ctx, record.ID)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestTotalSales(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A", "B")

	assert.True(t, l.TotalSales("A", testDay).IsZero())

	first := auto(t, l, "cut", "20.0")
	_, err := l.CompleteService(ctx, first.ID)
	require.NoError(t, err)
	_, err = l.AddService(ctx, AddServiceInput{Technician: "A", Price: price("35.5")})
	require.NoError(t, err)
	_, err = l.AddService(ctx, AddServiceInput{Technician: "B", Price: price("99")})
	require.NoError(t, err)

	assert.Equal(t, "55.5", l.TotalSales("A", testDay).String())
	assert.Equal(t, "55.5", l.TotalSales("A", testDay.Add(-9*time.Hour)).String())
	assert.True(t, l.TotalSales("A", testDay.AddDate(0, 0, 1)).IsZero())
	assert.True(t, l.TotalSales("nobody", testDay).IsZero())
}

func TestTotalSalesExcludesOtherDays(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "A")

	yesterday, err := l.AddService(ctx, AddServiceInput{Technician: "A", Price: price("40"), Date: testDay.AddDate(0, 0, -1)})
	require.NoError(t, err)
	_, err = l.CompleteService(ctx, yesterday.ID)
	require.NoError(t, err)
	_, err = l.AddService(ctx, AddServiceInput{Technician: "A", Price: price("20")})
	require.NoError(t, err)

	assert.Equal(t, "20", l.TotalSales("A", testDay).String())
}

func TestTotalSalesUsesConfiguredLocation(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC-7", -7*60*60)
	l := New(memory.NewStore(), rotation.New([]string{"A"}), Options{Location: loc})

	// 02:00 UTC on the 5th is still the evening of the 4th at UTC-7.
	late := time.Date(2024, 9, 5, 2, 0, 0, 0, time.UTC)
	_, err := l.AddService(ctx, AddServiceInput{Technician: "A", Price: price("30"), Date: late})
	require.NoError(t, err)

	assert.Equal(t, "30", l.TotalSales("A", time.Date(2024, 9, 4, 12, 0, 0, 0, loc)).String())
	assert.True(t, l.TotalSales("A", time.Date(2024, 9, 5, 12, 0, 0, 0, loc)).IsZero())
}

func TestDailySales(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	retired := models.ServiceRecord{ID: "old", TechnicianName: "Kathy", Price: price("12"), Date: testDay}
	completedAt := testDay.Add(time.Hour)
	retired.CompletedAt = &completedAt
	require.NoError(t, st.Insert(ctx, retired))
	require.NoError(t, st.Save(ctx))

	l := New(st, rotation.New([]string{"Trang", "Al"}), Options{Location: time.UTC, Now: func() time.Time { return testDay }})
	require.NoError(t, l.Load(ctx))
	_, err := l.AddService(ctx, AddServiceInput{Technician: "Al", Price: price("25.25")})
	require.NoError(t, err)

	rows := l.DailySales(testDay)
	require.Len(t, rows, 3)
	assert.Equal(t, "Trang", rows[0].TechnicianName)
	assert.Equal(t, 0, rows[0].Services)
	assert.True(t, rows[0].Total.IsZero())
	assert.Equal(t, "Al", rows[1].TechnicianName)
	assert.Equal(t, "25.25", rows[1].Total.String())
	assert.Equal(t, "Kathy", rows[2].TechnicianName)
	assert.Equal(t, 1, rows[2].Services)
}

func TestLoadRebuildsState(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	queues := &fakeQueueStore{}

	first := New(st, rotation.New([]string{"A", "B", "C"}), Options{QueueStore: queues})
	a := auto(t, first, "cut", "10")
	b := auto(t, first, "cut", "20")
	_, err := first.CompleteService(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, queues.saved)

	queues.loaded = queues.saved
	second := New(st, rotation.New([]string{"A", "B", "C"}), Options{QueueStore: queues})
	require.NoError(t, second.Load(ctx))

	active := second.ActiveServices()
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
	history := second.HistoricalServices()
	require.Len(t, history, 1)
	assert.Equal(t, b.ID, history[0].ID)
	assert.Equal(t, []string{"C", "A", "B"}, second.Queue())
	assert.Equal(t, []string{"C", "B"}, second.AvailableTechnicians())
}

func TestLoadFailure(t *testing.T) {
	st := fakeRecordStore{
		queryAllFn: func(ctx context.Context) ([]models.ServiceRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	l := New(st, rotation.New([]string{"A"}), Options{})
	assert.ErrorIs(t, l.Load(context.Background()), ErrPersistence)
}

func TestSaveFailureKeepsChangeAndRetries(t *testing.T) {
	ctx := context.Background()
	failing := true
	saves := 0
	st := fakeRecordStore{
		saveFn: func(ctx context.Context) error {
			saves++
			if failing {
				return errors.New("disk full")
			}
			return nil
		},
	}
	l := New(st, rotation.New([]string{"A", "B"}), Options{})

	record, err := l.AssignNext(ctx, AddServiceInput{ServiceName: "cut", Price: price("10")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, IsValidation(err))
	assert.Equal(t, "A", record.TechnicianName)
	assert.Len(t, l.ActiveServices(), 1)
	assert.Equal(t, []string{record.ID}, l.Unsaved())
	assert.True(t, l.IsUnsaved(record.ID))
	assert.True(t, l.HasUnsaved())
	assert.Equal(t, []string{"B", "A"}, l.Queue())

	assert.ErrorIs(t, l.Flush(ctx), ErrPersistence)
	assert.True(t, l.HasUnsaved())

	failing = false
	require.NoError(t, l.Flush(ctx))
	assert.Empty(t, l.Unsaved())
	assert.False(t, l.HasUnsaved())
	assert.Equal(t, 3, saves)
}

// stagingStore records what reaches Save and rejects ids listed in refuse.
type stagingStore struct {
	fakeRecordStore
	staged    []string
	committed []string
	refuse    map[string]bool
	stageErr  error
}

func (s *stagingStore) stage(kind string, record models.ServiceRecord) error {
	if s.stageErr != nil {
		return s.stageErr
	}
	s.staged = append(s.staged, kind+" "+record.ID)
	return nil
}

func (s *stagingStore) Insert(ctx context.Context, record models.ServiceRecord) error {
	return s.stage("insert", record)
}

func (s *stagingStore) Update(ctx context.Context, record models.ServiceRecord) error {
	return s.stage("update", record)
}

func (s *stagingStore) Save(ctx context.Context) error {
	rejected := make(map[string]error)
	for _, op := range s.staged {
		id := op[strings.Index(op, " ")+1:]
		if s.refuse[id] {
			rejected[id] = errors.New("violates check constraint")
			continue
		}
		s.committed = append(s.committed, op)
	}
	s.staged = nil
	if len(rejected) > 0 {
		return &store.RejectedError{Records: rejected}
	}
	return nil
}

func TestRejectedChangeDoesNotBlockLaterSaves(t *testing.T) {
	ctx := context.Background()
	st := &stagingStore{refuse: map[string]bool{"svc-001": true}}
	seq := 0
	l := New(st, rotation.New([]string{"A", "B"}), Options{NewID: func() string {
		seq++
		return fmt.Sprintf("svc-%03d", seq)
	}})

	first, err := l.AssignNext(ctx, AddServiceInput{ServiceName: "cut", Price: price("10")})
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, store.ErrRejected)
	assert.Equal(t, "A", first.TechnicianName)
	assert.True(t, l.IsRejected(first.ID))
	assert.True(t, l.IsUnsaved(first.ID))
	assert.Contains(t, l.Rejected(), first.ID)
	assert.False(t, l.HasUnsaved())

	second, err := l.AssignNext(ctx, AddServiceInput{ServiceName: "nails", Price: price("20")})
	require.NoError(t, err)
	assert.False(t, l.IsUnsaved(second.ID))
	assert.Equal(t, []string{"insert svc-002"}, st.committed)
	assert.Equal(t, []string{first.ID}, l.Unsaved())

	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, []string{"insert svc-002"}, st.committed)
}

func TestStageFailureIsStagedAgainInOrder(t *testing.T) {
	ctx := context.Background()
	st := &stagingStore{stageErr: errors.New("staging unavailable")}
	l := New(st, rotation.New([]string{"A", "B"}), Options{NewID: func() string { return "svc-001" }})

	record, err := l.AssignNext(ctx, AddServiceInput{ServiceName: "cut", Price: price("10")})
	require.ErrorIs(t, err, ErrPersistence)
	_, err = l.CompleteService(ctx, record.ID)
	require.ErrorIs(t, err, ErrPersistence)

	assert.True(t, l.IsUnsaved(record.ID))
	assert.True(t, l.HasUnsaved())
	assert.Empty(t, st.committed)

	st.stageErr = nil
	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, []string{"insert svc-001", "update svc-001"}, st.committed)
	assert.Empty(t, l.Unsaved())
	assert.False(t, l.HasUnsaved())
}

func TestQueueSaveFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	queues := &fakeQueueStore{saveErr: errors.New("redis down")}
	l := New(memory.NewStore(), rotation.New([]string{"A", "B"}), Options{QueueStore: queues})

	record, err := l.AssignNext(ctx, AddServiceInput{Price: price("10")})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, l.Unsaved())
	assert.True(t, l.HasUnsaved())

	queues.saveErr = nil
	require.NoError(t, l.Flush(ctx))
	assert.False(t, l.HasUnsaved())
	assert.Equal(t, []string{"B", "A"}, queues.saved)

	_, err = l.CompleteService(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, queues.saves)
}

func TestManualSelectionDoesNotSaveQueue(t *testing.T) {
	ctx := context.Background()
	queues := &fakeQueueStore{}
	l := New(memory.NewStore(), rotation.New([]string{"A", "B"}), Options{QueueStore: queues})

	_, err := l.AddService(ctx, AddServiceInput{Technician: "B", Price: price("10")})
	require.NoError(t, err)
	assert.Equal(t, 0, queues.saves)
}
