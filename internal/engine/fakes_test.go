package engine_test

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ramiqadoumi/taskflow-master/internal/ack"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
)

// fakeStore is an in-memory InstanceStore.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[int]*domain.TaskInstance
	upserts   int
	failTimes int // fail the next n upserts with a transient error
	// failStatus rejects every upsert that writes this status.
	failStatus domain.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int]*domain.TaskInstance)}
}

func (s *fakeStore) Create(_ context.Context, ti *domain.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[ti.ID]; ok {
		return errors.New("duplicate task instance")
	}
	cp := *ti
	s.rows[ti.ID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, id int) (*domain.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.rows[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskInstanceID: id}
	}
	cp := *ti
	return &cp, nil
}

func (s *fakeStore) Upsert(_ context.Context, u *domain.TaskInstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTimes > 0 {
		s.failTimes--
		return errors.New("connection reset")
	}
	if s.failStatus != "" && u.Status == s.failStatus {
		return errors.New("connection reset")
	}
	ti, ok := s.rows[u.TaskInstanceID]
	if !ok {
		return &domain.TaskNotFoundError{TaskInstanceID: u.TaskInstanceID}
	}
	u.ApplyTo(ti)
	s.upserts++
	return nil
}

func (s *fakeStore) ListByProcess(_ context.Context, pid int) ([]*domain.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TaskInstance
	for _, ti := range s.rows {
		if ti.ProcessInstanceID == pid {
			cp := *ti
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) put(ti *domain.TaskInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ti
	s.rows[ti.ID] = &cp
}

func (s *fakeStore) get(id int) domain.TaskInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// fakePublisher records dispatch commands.
type fakePublisher struct {
	mu   sync.Mutex
	cmds []domain.DispatchCommand
	err  error
	// onSend runs after a command is recorded, before SendDispatch returns.
	onSend func(cmd domain.DispatchCommand)
}

func (p *fakePublisher) SendDispatch(_ context.Context, cmd domain.DispatchCommand) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.cmds = append(p.cmds, cmd)
	hook := p.onSend
	p.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (p *fakePublisher) sent() []domain.DispatchCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DispatchCommand(nil), p.cmds...)
}

// fakeNotifier records terminal notices.
type fakeNotifier struct {
	mu      sync.Mutex
	notices []domain.TerminalNotice
}

func (n *fakeNotifier) OnTaskTerminal(_ context.Context, tn domain.TerminalNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, tn)
	return nil
}

func (n *fakeNotifier) all() []domain.TerminalNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.TerminalNotice(nil), n.notices...)
}

// fakeCache is an in-memory CacheStore.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]int)} }

func (c *fakeCache) Lookup(_ context.Context, sig string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[sig]
	return id, ok, nil
}

func (c *fakeCache) Record(_ context.Context, sig string, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sig] = id
	return nil
}

func (c *fakeCache) Evict(_ context.Context, sig string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sig)
	return nil
}

func (c *fakeCache) has(sig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sig]
	return ok
}

// fakeVarPool records propagations.
type fakeVarPool struct {
	mu     sync.Mutex
	calls  []string
	scopes map[int]map[int]string
}

func (v *fakeVarPool) Propagate(_ context.Context, pid, tid int, varPool string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, varPool)
	if v.scopes == nil {
		v.scopes = make(map[int]map[int]string)
	}
	if v.scopes[pid] == nil {
		v.scopes[pid] = make(map[int]string)
	}
	v.scopes[pid][tid] = varPool
	return nil
}

func (v *fakeVarPool) Get(_ context.Context, pid int) (map[int]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[int]string, len(v.scopes[pid]))
	for k, val := range v.scopes[pid] {
		out[k] = val
	}
	return out, nil
}

func (v *fakeVarPool) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// fakeAcks records acks per connection.
type fakeAcks struct {
	mu   sync.Mutex
	acks map[string][]ack.Ack
}

func newFakeAcks() *fakeAcks { return &fakeAcks{acks: make(map[string][]ack.Ack)} }

func (a *fakeAcks) Send(_ context.Context, connectionID string, x ack.Ack) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks[connectionID] = append(a.acks[connectionID], x)
	return nil
}

func (a *fakeAcks) count(connectionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks[connectionID])
}
