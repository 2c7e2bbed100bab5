package rewardd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"keeprewards/core/rewards"
	"keeprewards/observability"
)

// FactKind names a keep lifecycle transition.
type FactKind string

const (
	FactOpened     FactKind = "opened"
	FactClosed     FactKind = "closed"
	FactTerminated FactKind = "terminated"
)

// ParseFactKind normalises a transition name.
func ParseFactKind(raw string) (FactKind, error) {
	switch kind := FactKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case FactOpened, FactClosed, FactTerminated:
		return kind, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownFact, raw)
	}
}

// Fact is one lifecycle notification reported by the keep factory.
type Fact struct {
	ID        uuid.UUID
	Kind      FactKind
	Keep      common.Address
	Members   []common.Address
	Timestamp uint64
}

// Notifier applies lifecycle facts. *rewards.Ledger satisfies it.
type Notifier interface {
	NotifyOpened(ctx context.Context, id common.Address, members []common.Address, ts uint64) (rewards.Outcome, error)
	NotifyClosed(ctx context.Context, id common.Address, members []common.Address, ts uint64) (rewards.Outcome, error)
	NotifyTerminated(ctx context.Context, id common.Address, ts uint64) (rewards.Outcome, error)
}

var (
	// ErrQueueFull is returned when the ingest buffer has no room.
	ErrQueueFull   = errors.New("ingest queue full")
	ErrUnknownFact = errors.New("unknown lifecycle kind")
)

// Queue buffers lifecycle facts and applies them in arrival order. Facts that
// fail with an internal error are retried; semantic rejections are dropped.
type Queue struct {
	notifier    Notifier
	facts       chan Fact
	maxAttempts int
	retryDelay  time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewQueue constructs an ingest queue.
func NewQueue(notifier Notifier, cfg IngestConfig, clock clockwork.Clock, logger *slog.Logger) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		notifier:    notifier,
		facts:       make(chan Fact, size),
		maxAttempts: attempts,
		retryDelay:  cfg.RetryDelay.Duration,
		clock:       clock,
		logger:      logger,
	}
}

// Enqueue buffers fact and returns the id assigned to it.
func (q *Queue) Enqueue(fact Fact) (uuid.UUID, error) {
	kind, err := ParseFactKind(string(fact.Kind))
	if err != nil {
		return uuid.Nil, err
	}
	fact.Kind = kind
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	select {
	case q.facts <- fact:
		observability.Events().SetQueueDepth(len(q.facts))
		return fact.ID, nil
	default:
		observability.Events().RecordFact(string(fact.Kind), "overflow")
		return uuid.Nil, ErrQueueFull
	}
}

// Depth returns the number of buffered facts.
func (q *Queue) Depth() int {
	return len(q.facts)
}

// Run applies facts until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fact := <-q.facts:
			observability.Events().SetQueueDepth(len(q.facts))
			if err := q.process(ctx, fact); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, fact Fact) error {
	log := q.logger.With(
		slog.String("fact", fact.ID.String()),
		slog.String("kind", string(fact.Kind)),
		slog.String("keep", fact.Keep.Hex()))
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		outcome, err := q.apply(ctx, fact)
		if err == nil {
			observability.Events().RecordFact(string(fact.Kind), outcome.String())
			log.Debug("lifecycle fact applied", slog.String("outcome", outcome.String()))
			return nil
		}
		lastErr = err
		if kind := rewards.Kind(err); kind != rewards.KindInternal || errors.Is(err, ErrUnknownFact) {
			observability.Events().RecordFact(string(fact.Kind), "rejected")
			log.Warn("lifecycle fact rejected", slog.String("reason", string(kind)), slog.Any("error", err))
			return err
		}
		log.Warn("lifecycle fact failed", slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt == q.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.clock.After(q.retryDelay):
		}
	}
	observability.Events().RecordFact(string(fact.Kind), "failed")
	log.Error("lifecycle fact abandoned", slog.Int("attempts", q.maxAttempts), slog.Any("error", lastErr))
	return lastErr
}

func (q *Queue) apply(ctx context.Context, fact Fact) (rewards.Outcome, error) {
	switch fact.Kind {
	case FactOpened:
		return q.notifier.NotifyOpened(ctx, fact.Keep, fact.Members, fact.Timestamp)
	case FactClosed:
		return q.notifier.NotifyClosed(ctx, fact.Keep, fact.Members, fact.Timestamp)
	case FactTerminated:
		return q.notifier.NotifyTerminated(ctx, fact.Keep, fact.Timestamp)
	default:
		return rewards.Applied, fmt.Errorf("%w %q", ErrUnknownFact, fact.Kind)
	}
}
