package execution

import (
	"cmp"
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/dreamware/batchgrid/internal/partition"
)

// MemoryRepository implements Repository, Reporter and Finder in memory
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[ID]*Record
	nextID  ID
	clock   clockwork.Clock
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock sets the clock used to stamp create, start and end times.
func WithClock(c clockwork.Clock) MemoryOption {
	return func(m *MemoryRepository) { m.clock = c }
}

// NewMemoryRepository creates an empty repository. The first ID handed out is 1.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	m := &MemoryRepository{
		records: make(map[ID]*Record),
		nextID:  1,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryRepository) Create(ctx context.Context, parentID ID, stepName string, desc *partition.Descriptor) (ID, error) {
	return m.create(ctx, parentID, stepName, "", desc)
}

// CreateKeyed creates a root record identified by key.
func (m *MemoryRepository) CreateKeyed(ctx context.Context, stepName, key string) (ID, error) {
	return m.create(ctx, 0, stepName, key, nil)
}

func (m *MemoryRepository) create(ctx context.Context, parentID ID, stepName, key string, desc *partition.Descriptor) (ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != 0 {
		if _, ok := m.records[parentID]; !ok {
			return 0, fmt.Errorf("parent %d: %w", parentID, ErrNotFound)
		}
	}

	id := m.nextID
	m.nextID++
	rec := &Record{
		ID:         id,
		ParentID:   parentID,
		StepName:   stepName,
		Key:        key,
		Status:     StatusStarting,
		CreateTime: m.clock.Now(),
	}
	if desc != nil {
		rec.Partitioned = true
		rec.PartitionIndex = desc.Index
		rec.RangeMin = desc.Min
		rec.RangeMax = desc.Max
	}
	m.records[id] = rec
	return id, nil
}

// UpdateStatus applies the monotonic rule; late or duplicate updates return nil.
func (m *MemoryRepository) UpdateStatus(ctx context.Context, id ID, status Status, cause string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	transition(rec, status, cause, m.clock.Now())
	return nil
}

// RecordCounts stores counters on a record that is not yet terminal.
func (m *MemoryRepository) RecordCounts(ctx context.Context, id ID, counts Counts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Counts = counts
	return nil
}

// Get returns a copy of the record.
func (m *MemoryRepository) Get(ctx context.Context, id ID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) ListChildren(ctx context.Context, parentID ID) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range m.records {
		if rec.ParentID == parentID && parentID != 0 {
			out = append(out, copyRecord(rec))
		}
	}
	sortChildren(out)
	return out, nil
}

// FindLatest returns the highest-ID root record matching stepName and key.
func (m *MemoryRepository) FindLatest(ctx context.Context, stepName, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Record
	for _, rec := range m.records {
		if rec.ParentID != 0 || rec.StepName != stepName || rec.Key != key {
			continue
		}
		if latest == nil || rec.ID > latest.ID {
			latest = rec
		}
	}
	if latest == nil {
		return Record{}, fmt.Errorf("step %q key %q: %w", stepName, key, ErrNotFound)
	}
	return copyRecord(latest), nil
}

// Len returns the number of stored records.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// copyRecord detaches the time pointers so callers cannot mutate stored state
func copyRecord(rec *Record) Record {
	out := *rec
	if rec.StartTime != nil {
		t := *rec.StartTime
		out.StartTime = &t
	}
	if rec.EndTime != nil {
		t := *rec.EndTime
		out.EndTime = &t
	}
	return out
}

func sortChildren(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := cmp.Compare(a.PartitionIndex, b.PartitionIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
