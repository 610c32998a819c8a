package collection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/redcoll/internal/observability"
	"github.com/danmuck/redcoll/internal/retry"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errAppliedMismatch = errors.New("collection: applied count mismatch")

// MutatorConfig tunes the conflict retry loop. Retries are never capped; bound
// the call with a context deadline when latency matters.
type MutatorConfig struct {
	Backoff retry.BackoffConfig
	Logger  *zerolog.Logger
}

func DefaultMutatorConfig() MutatorConfig {
	return MutatorConfig{Backoff: retry.DefaultConflictBackoff()}
}

// Mutator applies set updates the store has no atomic primitive for, using
// WATCH/MULTI/EXEC and retrying when another writer gets in first.
type Mutator struct {
	store   store.SetStore
	backoff retry.BackoffConfig
	log     zerolog.Logger
}

func NewMutator(st store.SetStore, cfg MutatorConfig) *Mutator {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Mutator{
		store:   st,
		backoff: cfg.Backoff,
		log:     logger.With().Str("component", "retain").Logger(),
	}
}

// RetainOnly removes every member of the named set that is not in keep and
// reports whether anything was removed. Transaction conflicts are retried from
// a fresh snapshot; transport failures are returned as is.
func (m *Mutator) RetainOnly(ctx context.Context, name string, keep map[string]struct{}) (bool, error) {
	var rng *rand.Rand
	// Removals committed by attempts whose count did not match still changed the set.
	committed := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return committed > 0, err
		}
		applied, err := m.attempt(ctx, name, keep)
		committed += applied
		if err == nil {
			return committed > 0, nil
		}
		if !errors.Is(err, store.ErrTxAborted) && !errors.Is(err, errAppliedMismatch) {
			observability.RecordRetainAttempt(observability.RetainError)
			return committed > 0, fmt.Errorf("retain %s: %w", name, err)
		}

		m.log.Debug().Str("set", name).Int("attempt", attempt).Err(err).Msg("retain conflict, retrying")
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		if err := retry.Sleep(ctx, retry.NextDelay(m.backoff, attempt, rng)); err != nil {
			return committed > 0, err
		}
	}
}

// attempt runs one watched pass and returns how many removals it committed.
func (m *Mutator) attempt(ctx context.Context, name string, keep map[string]struct{}) (int, error) {
	applied := 0
	err := m.store.Watch(ctx, name, func(w store.Watched) error {
		members, err := w.SMembers(ctx, name)
		if err != nil {
			return err
		}

		tx := w.Multi()
		expected := 0
		for _, member := range members {
			if _, ok := keep[member]; ok {
				continue
			}
			tx.SRem(ctx, name, member)
			expected++
		}
		if expected == 0 {
			observability.RecordRetainAttempt(observability.RetainNoop)
			return tx.Discard()
		}

		n, err := tx.Exec(ctx)
		if err != nil {
			if errors.Is(err, store.ErrTxAborted) {
				observability.RecordRetainAttempt(observability.RetainConflict)
			}
			return err
		}
		applied = n
		if n != expected {
			observability.RecordRetainAttempt(observability.RetainMismatch)
			return fmt.Errorf("%w: applied %d of %d", errAppliedMismatch, n, expected)
		}
		observability.RecordRetainAttempt(observability.RetainCommitted)
		return nil
	})
	return applied, err
}
