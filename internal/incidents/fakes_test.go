package incidents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/idempotency"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// fakeTx stages writes and applies them on Commit. Only Commit and Rollback
// are implemented; any other pgx.Tx method panics on the nil embedded value.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	ops        []func()
	onEnd      []func()
	committed  bool
	rolledBack bool
}

func (t *fakeTx) stage(op func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

func (t *fakeTx) deferEnd(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = append(t.onEnd, fn)
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.committed = true
	ops, onEnd := t.ops, t.onEnd
	t.ops, t.onEnd = nil, nil
	t.mu.Unlock()

	for _, op := range ops {
		op()
	}
	for _, fn := range onEnd {
		fn()
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	onEnd := t.onEnd
	t.ops, t.onEnd = nil, nil
	t.mu.Unlock()

	for _, fn := range onEnd {
		fn()
	}
	return nil
}

// fakeStore implements Repository, EventLog and UserReader in memory.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	incidents map[string]*domain.Incident
	events    []*domain.IncidentEvent
	rowLocks  map[string]*sync.Mutex
	txs       []*fakeTx
	clock     time.Time

	appendErr   error
	userErr     error
	detailLoads int
	// afterDetailsLoad runs after GetIncidentDetails took its snapshot.
	afterDetailsLoad func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*domain.User),
		incidents: make(map[string]*domain.Incident),
		rowLocks:  make(map[string]*sync.Mutex),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp. Callers hold s.mu.
func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) addUser(name, email string) *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &domain.User{ID: uuid.NewString(), Name: name, Email: email, CreatedAt: s.tick()}
	s.users[u.ID] = u
	return u
}

func (s *fakeStore) incidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incidents)
}

func (s *fakeStore) eventsFor(incidentID string) []*domain.IncidentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.IncidentEvent
	for _, e := range s.events {
		if e.IncidentID == incidentID {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) incident(id string) *domain.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil
	}
	cp := *inc
	return &cp
}

// seedIncident commits an incident with its CREATED event directly.
func (s *fakeStore) seedIncident(input CreateInput) *domain.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	inc := &domain.Incident{
		ID:          uuid.NewString(),
		Title:       input.Title,
		Description: input.Description,
		Severity:    input.Severity,
		Status:      domain.StatusOpen,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.incidents[inc.ID] = inc
	s.events = append(s.events, &domain.IncidentEvent{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		Type:       domain.EventTypeCreated,
		Payload:    domain.CreatedPayload{Title: input.Title, Description: input.Description, Severity: input.Severity, CreatedBy: input.CreatedBy},
		CreatedAt:  now,
	})
	cp := *inc
	return &cp
}

func (s *fakeStore) BeginTx(context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &fakeTx{}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *fakeStore) CreateIncidentTx(_ context.Context, tx pgx.Tx, incident *domain.Incident) error {
	s.mu.Lock()
	now := s.tick()
	s.mu.Unlock()

	incident.ID = uuid.NewString()
	incident.CreatedAt = now
	incident.UpdatedAt = now

	cp := *incident
	tx.(*fakeTx).stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.incidents[cp.ID] = &cp
	})
	return nil
}

func (s *fakeStore) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	if inc := s.incident(id); inc != nil {
		return inc, nil
	}
	return nil, ErrIncidentNotFound
}

func (s *fakeStore) GetIncidentForUpdateTx(_ context.Context, tx pgx.Tx, id string) (*domain.Incident, error) {
	s.mu.Lock()
	lock, ok := s.rowLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.rowLocks[id] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	tx.(*fakeTx).deferEnd(lock.Unlock)

	if inc := s.incident(id); inc != nil {
		return inc, nil
	}
	return nil, ErrIncidentNotFound
}

func (s *fakeStore) UpdateIncidentStatusTx(_ context.Context, tx pgx.Tx, incident *domain.Incident) error {
	s.mu.Lock()
	incident.UpdatedAt = s.tick()
	s.mu.Unlock()

	id, status, updatedAt := incident.ID, incident.Status, incident.UpdatedAt
	tx.(*fakeTx).stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.incidents[id].Status = status
		s.incidents[id].UpdatedAt = updatedAt
	})
	return nil
}

func (s *fakeStore) GetIncidentDetails(_ context.Context, id string, eventLimit int) (*domain.IncidentDetails, error) {
	s.mu.Lock()
	s.detailLoads++
	inc, ok := s.incidents[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrIncidentNotFound
	}
	details := &domain.IncidentDetails{Incident: *inc, Events: []*domain.IncidentEvent{}}
	if u, ok := s.users[inc.CreatedBy]; ok {
		details.Creator = u.Summary()
	}
	for i := len(s.events) - 1; i >= 0 && len(details.Events) < eventLimit; i-- {
		if s.events[i].IncidentID == id {
			cp := *s.events[i]
			details.Events = append(details.Events, &cp)
		}
	}
	hook := s.afterDetailsLoad
	s.afterDetailsLoad = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return details, nil
}

func (s *fakeStore) ListIncidents(_ context.Context, filter ListFilter) ([]*domain.Incident, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Incident
	for _, inc := range s.incidents {
		if filter.Status != nil && inc.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && inc.Severity != *filter.Severity {
			continue
		}
		if filter.CreatedFrom != nil && inc.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && inc.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		cp := *inc
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if filter.Offset >= total {
		return []*domain.Incident{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, event *domain.IncidentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if _, ok := s.incidents[event.IncidentID]; !ok {
		return ErrIncidentNotFound
	}
	event.ID = uuid.NewString()
	event.CreatedAt = s.tick()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *fakeStore) AppendEventTx(_ context.Context, tx pgx.Tx, event *domain.IncidentEvent) error {
	s.mu.Lock()
	if s.appendErr != nil {
		s.mu.Unlock()
		return s.appendErr
	}
	event.ID = uuid.NewString()
	event.CreatedAt = s.tick()
	s.mu.Unlock()

	cp := *event
	tx.(*fakeTx).stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, &cp)
	})
	return nil
}

func (s *fakeStore) ListRecentEvents(_ context.Context, incidentID string, limit int) ([]*domain.IncidentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.IncidentEvent, 0)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].IncidentID == incidentID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UserExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return false, s.userErr
	}
	_, ok := s.users[id]
	return ok, nil
}

// fakeLedgerRepo implements idempotency.Repository. A transactional insert
// reserves its key until the transaction ends, and a competing insert waits
// for that outcome the way a unique index makes a second writer wait.
type fakeLedgerRepo struct {
	mu       sync.Mutex
	records  map[string]*domain.IdempotencyRecord
	reserved map[string]chan struct{}

	insertErr error
	// beforeInsert runs once, before the next insert looks at the key.
	beforeInsert func()
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		records:  make(map[string]*domain.IdempotencyRecord),
		reserved: make(map[string]chan struct{}),
	}
}

func (r *fakeLedgerRepo) seed(rec *domain.IdempotencyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.Key] = &cp
}

func (r *fakeLedgerRepo) record(key string) *domain.IdempotencyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (r *fakeLedgerRepo) GetRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	if rec := r.record(key); rec != nil {
		return rec, nil
	}
	return nil, idempotency.ErrRecordNotFound
}

func (r *fakeLedgerRepo) DeleteExpired(_ context.Context, key string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok && !rec.IsLive(now) {
		delete(r.records, key)
	}
	return nil
}

func (r *fakeLedgerRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rec := range r.records {
		if !rec.IsLive(now) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeLedgerRepo) InsertRecord(_ context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.Key]; ok && existing.IsLive(now) {
		return false, nil
	}
	cp := *rec
	r.records[rec.Key] = &cp
	return true, nil
}

func (r *fakeLedgerRepo) InsertRecordTx(_ context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	r.mu.Lock()
	hook := r.beforeInsert
	r.beforeInsert = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	for {
		r.mu.Lock()
		if r.insertErr != nil {
			r.mu.Unlock()
			return false, r.insertErr
		}
		if existing, ok := r.records[rec.Key]; ok && existing.IsLive(now) {
			r.mu.Unlock()
			return false, nil
		}
		if wait, ok := r.reserved[rec.Key]; ok {
			r.mu.Unlock()
			<-wait
			continue
		}

		done := make(chan struct{})
		r.reserved[rec.Key] = done
		r.mu.Unlock()

		cp := *rec
		ftx := tx.(*fakeTx)
		ftx.stage(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.records[cp.Key] = &cp
		})
		ftx.deferEnd(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.reserved, cp.Key)
			close(done)
		})
		return true, nil
	}
}

// failingStore is a cache backend that is always down.
type failingStore struct{}

var errCacheDown = errors.New("cache unavailable")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (failingStore) Delete(context.Context, ...string) error       { return errCacheDown }
func (failingStore) Keys(context.Context, string) ([]string, error) { return nil, errCacheDown }
func (failingStore) Ping(context.Context) error                     { return errCacheDown }
