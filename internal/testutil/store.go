// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/repo"
)

// Op names an operation on MemoryStore for fault injection.
type Op string

const (
	OpGet        Op = "get"
	OpQuery      Op = "query"
	OpUpdateMany Op = "update_many"
	OpUpdateOne  Op = "update_one"
)

// FaultFunc decides whether a call fails. ids are the records the call
// touches; p is the zero Patch for reads.
type FaultFunc func(op Op, ids []string, p repo.Patch) error

// MemoryStore is a RecordStore and CursorStore backed by a map.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.Message
	cursors map[string]time.Time
	faults  []FaultFunc
	calls   map[Op]int
	writes  map[string]int
	now     func() time.Time
}

var (
	_ repo.RecordStore = (*MemoryStore)(nil)
	_ repo.CursorStore = (*MemoryStore)(nil)
)

func NewMemoryStore(records ...model.Message) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]model.Message),
		cursors: make(map[string]time.Time),
		calls:   make(map[Op]int),
		writes:  make(map[string]int),
		now:     time.Now,
	}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a copy of m, replacing any record with the same id.
func (s *MemoryStore) Put(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.ID] = cloneMessage(m)
}

// Record returns a copy of the stored record and panics on unknown ids.
func (s *MemoryStore) Record(id string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		panic(fmt.Sprintf("testutil: no record %q", id))
	}
	return cloneMessage(m)
}

func (s *MemoryStore) AddFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *MemoryStore) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// FailIDs makes writes touching one of ids fail with err. Bookkeeping
// writes that move a record to error or back to pending still succeed.
func (s *MemoryStore) FailIDs(err error, ids ...string) {
	s.AddFault(func(op Op, touched []string, p repo.Patch) error {
		if op != OpUpdateMany && op != OpUpdateOne {
			return nil
		}
		if p.ProcessingState != nil && (*p.ProcessingState == model.Error || *p.ProcessingState == model.Pending) {
			return nil
		}
		for _, t := range touched {
			for _, id := range ids {
				if t == id {
					return err
				}
			}
		}
		return nil
	})
}

// FailOp makes the next n calls of op fail with err.
func (s *MemoryStore) FailOp(op Op, n int, err error) {
	remaining := n
	s.AddFault(func(got Op, _ []string, _ repo.Patch) error {
		if got != op || remaining <= 0 {
			return nil
		}
		remaining--
		return err
	})
}

func (s *MemoryStore) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes counts successful writes that touched id.
func (s *MemoryStore) Writes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

func (s *MemoryStore) fault(op Op, ids []string, p repo.Patch) error {
	s.calls[op]++
	for _, f := range s.faults {
		if err := f(op, ids, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpGet, []string{id}, repo.Patch{}); err != nil {
		return model.Message{}, err
	}
	m, ok := s.records[id]
	if !ok {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, repo.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) Query(ctx context.Context, f repo.Filter) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpQuery, f.IDs, repo.Patch{}); err != nil {
		return nil, err
	}

	var out []model.Message
	for _, m := range s.records {
		if f.Matches(m) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMany(ctx context.Context, f repo.Filter, p repo.Patch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, m := range s.records {
		if f.Matches(m) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if err := s.fault(OpUpdateMany, ids, p); err != nil {
		return 0, err
	}

	now := s.now()
	for _, id := range ids {
		m := s.records[id]
		p.Apply(&m, now)
		s.records[id] = m
		s.writes[id]++
	}
	return int64(len(ids)), nil
}

func (s *MemoryStore) UpdateOne(ctx context.Context, id string, p repo.Patch) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpUpdateOne, []string{id}, p); err != nil {
		return model.Message{}, err
	}
	m, ok := s.records[id]
	if !ok {
		return model.Message{}, fmt.Errorf("update message %s: %w", id, repo.ErrNotFound)
	}
	p.Apply(&m, s.now())
	s.records[id] = m
	s.writes[id]++
	return cloneMessage(m), nil
}

func (s *MemoryStore) LoadCursor(_ context.Context, name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = at
	return nil
}

func cloneMessage(m model.Message) model.Message {
	out := m
	out.AnalyzedContent = m.AnalyzedContent.Clone()
	out.MediaGroupID = clonePtr(m.MediaGroupID)
	out.Caption = clonePtr(m.Caption)
	out.ErrorMessage = clonePtr(m.ErrorMessage)
	out.ProcessingStartedAt = clonePtr(m.ProcessingStartedAt)
	out.ProcessingCompletedAt = clonePtr(m.ProcessingCompletedAt)
	out.LastErrorAt = clonePtr(m.LastErrorAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
