package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/redcoll/internal/store"
)

var (
	ErrCodec       = errors.New("collection: codec failure")
	ErrInvalidName = errors.New("collection: invalid set name")
)

// Set is a named remote set of V.
type Set[V any] struct {
	name    string
	store   store.SetStore
	codec   Codec[V]
	mutator *Mutator
}

// NewSet binds name in st. A nil mutator gets the default conflict backoff.
func NewSet[V any](name string, st store.SetStore, codec Codec[V], mutator *Mutator) (*Set[V], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if mutator == nil {
		mutator = NewMutator(st, DefaultMutatorConfig())
	}
	return &Set[V]{name: name, store: st, codec: codec, mutator: mutator}, nil
}

func NewStringSet(name string, st store.SetStore, mutator *Mutator) (*Set[string], error) {
	return NewSet[string](name, st, StringCodec{}, mutator)
}

func (s *Set[V]) Name() string {
	return s.name
}

// Add reports whether v was not already a member.
func (s *Set[V]) Add(ctx context.Context, v V) (bool, error) {
	member, err := s.codec.Encode(v)
	if err != nil {
		return false, err
	}
	n, err := s.store.SAdd(ctx, s.name, member)
	return n > 0, err
}

// AddAll reports whether at least one value was added.
func (s *Set[V]) AddAll(ctx context.Context, values ...V) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	members, err := s.encodeAll(values)
	if err != nil {
		return false, err
	}
	n, err := s.store.SAdd(ctx, s.name, members...)
	return n > 0, err
}

func (s *Set[V]) Remove(ctx context.Context, v V) (bool, error) {
	member, err := s.codec.Encode(v)
	if err != nil {
		return false, err
	}
	n, err := s.store.SRem(ctx, s.name, member)
	return n > 0, err
}

// RemoveAll reports whether at least one value was removed.
func (s *Set[V]) RemoveAll(ctx context.Context, values ...V) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	members, err := s.encodeAll(values)
	if err != nil {
		return false, err
	}
	n, err := s.store.SRem(ctx, s.name, members...)
	return n > 0, err
}

func (s *Set[V]) Contains(ctx context.Context, v V) (bool, error) {
	member, err := s.codec.Encode(v)
	if err != nil {
		return false, err
	}
	return s.store.SIsMember(ctx, s.name, member)
}

func (s *Set[V]) ContainsAll(ctx context.Context, values ...V) (bool, error) {
	for _, v := range values {
		ok, err := s.Contains(ctx, v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Set[V]) Size(ctx context.Context) (int, error) {
	n, err := s.store.SCard(ctx, s.name)
	return int(n), err
}

func (s *Set[V]) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.Size(ctx)
	return n == 0, err
}

// Members decodes a snapshot of the set.
func (s *Set[V]) Members(ctx context.Context) ([]V, error) {
	raw, err := s.store.SMembers(ctx, s.name)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(raw))
	for _, member := range raw {
		v, err := s.codec.Decode(member)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Set[V]) Clear(ctx context.Context) error {
	_, err := s.store.Del(ctx, s.name)
	return err
}

// RetainAll keeps only members that are also in values and reports whether
// the set changed.
func (s *Set[V]) RetainAll(ctx context.Context, values ...V) (bool, error) {
	keep := make(map[string]struct{}, len(values))
	for _, v := range values {
		member, err := s.codec.Encode(v)
		if err != nil {
			return false, err
		}
		keep[member] = struct{}{}
	}
	return s.mutator.RetainOnly(ctx, s.name, keep)
}

func (s *Set[V]) encodeAll(values []V) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		member, err := s.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, member)
	}
	return out, nil
}
