package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/redcoll/internal/store"
)

// Store is an in-process stand-in for the remote store. Each set carries a
// version that bumps on every effective write, which is what WATCH checks.
type Store struct {
	mu       sync.RWMutex
	sets     map[string]map[string]struct{}
	versions map[string]uint64

	queues   map[string][][]byte
	pushed   chan struct{}
	subs     map[string]map[*subscription]struct{}
	closed   bool
	closedCh chan struct{}
}

var (
	_ store.SetStore = (*Store)(nil)
	_ store.Broker   = (*Store)(nil)
)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		sets:     make(map[string]map[string]struct{}),
		versions: make(map[string]uint64),
		queues:   make(map[string][][]byte),
		pushed:   make(chan struct{}),
		subs:     make(map[string]map[*subscription]struct{}),
		closedCh: make(chan struct{}),
	}
}

func (s *Store) SAdd(ctx context.Context, name string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	set, ok := s.sets[name]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[name] = set
	}
	var added int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			continue
		}
		set[m] = struct{}{}
		added++
	}
	if len(set) == 0 {
		delete(s.sets, name)
	}
	if added > 0 {
		s.versions[name]++
	}
	return added, nil
}

func (s *Store) SRem(ctx context.Context, name string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return s.sremLocked(name, members...), nil
}

func (s *Store) SIsMember(ctx context.Context, name, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, store.ErrClosed
	}
	_, ok := s.sets[name][member]
	return ok, nil
}

func (s *Store) SMembers(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	set := s.sets[name]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SCard(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return int64(len(s.sets[name])), nil
}

func (s *Store) Del(ctx context.Context, names ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	var n int64
	for _, name := range names {
		if _, ok := s.sets[name]; ok {
			delete(s.sets, name)
			s.versions[name]++
			n++
		}
		if _, ok := s.queues[name]; ok {
			delete(s.queues, name)
			n++
		}
	}
	return n, nil
}

// Watch snapshots the version of name; a transaction begun in fn aborts if the
// version moved by Exec time.
func (s *Store) Watch(ctx context.Context, name string, fn func(store.Watched) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	version := s.versions[name]
	s.mu.RUnlock()
	return fn(&watched{s: s, name: name, version: version})
}

// Close fails later calls and ends every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedCh)
	var subs []*subscription
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (s *Store) sremLocked(name string, members ...string) int64 {
	set, ok := s.sets[name]
	if !ok {
		return 0
	}
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; !ok {
			continue
		}
		delete(set, m)
		removed++
	}
	if len(set) == 0 {
		delete(s.sets, name)
	}
	if removed > 0 {
		s.versions[name]++
	}
	return removed
}

type watched struct {
	s       *Store
	name    string
	version uint64
}

func (w *watched) SMembers(ctx context.Context, name string) ([]string, error) {
	return w.s.SMembers(ctx, name)
}

func (w *watched) Multi() store.Tx {
	return &tx{w: w}
}

type queuedRem struct {
	name   string
	member string
}

type tx struct {
	w    *watched
	ops  []queuedRem
	done bool
}

func (t *tx) SRem(ctx context.Context, name, member string) {
	if t.done {
		return
	}
	t.ops = append(t.ops, queuedRem{name: name, member: member})
}

func (t *tx) Exec(ctx context.Context) (int, error) {
	if t.done {
		return 0, store.ErrTxAborted
	}
	t.done = true
	s := t.w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	if s.versions[t.w.name] != t.w.version {
		return 0, store.ErrTxAborted
	}
	applied := 0
	for _, op := range t.ops {
		applied += int(s.sremLocked(op.name, op.member))
	}
	return applied, nil
}

func (t *tx) Discard() error {
	t.done = true
	t.ops = nil
	return nil
}
