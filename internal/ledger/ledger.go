package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ledger records every pipeline outcome. It owns id and timestamp
// assignment and fans appended decisions out to subscribers.
type Ledger struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	subs    map[int]chan *Decision
	nextSub int
	dropped int64
}

// New wraps a Store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
		subs:  make(map[int]chan *Decision),
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Record appends d. ID and Timestamp are filled in when empty. The stored
// copy is independent of d.
func (l *Ledger) Record(ctx context.Context, d *Decision) (*Decision, error) {
	if d == nil {
		return nil, errors.New("nil decision")
	}
	rec := d.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = KindEvaluation
	}
	if rec.Reasoning == nil {
		rec.Reasoning = make(map[string]string)
	}
	if err := l.store.Append(ctx, rec); err != nil {
		log.Error().Err(err).Str("decision_id", rec.ID).Str("strategy", rec.StrategyID).
			Str("asset", rec.Asset).Msg("Failed to record decision")
		return nil, fmt.Errorf("record decision %s: %w", rec.ID, err)
	}

	log.Info().
		Str("decision_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("strategy", rec.StrategyID).
		Str("asset", rec.Asset).
		Str("decision", string(rec.Decision)).
		Str("final_action", string(rec.FinalAction)).
		Float64("confidence", rec.Confidence).
		Msg("Decision recorded")

	l.publish(rec)
	return rec.Clone(), nil
}

// Correct appends d as a correction of priorID. The prior record is left
// untouched.
func (l *Ledger) Correct(ctx context.Context, priorID string, d *Decision) (*Decision, error) {
	prior, err := l.store.Get(ctx, priorID)
	if err != nil {
		return nil, err
	}
	c := d.Clone()
	c.ID = ""
	c.Kind = KindCorrection
	c.PriorDecisionID = prior.ID
	if c.StrategyID == "" {
		c.StrategyID = prior.StrategyID
	}
	if c.Asset == "" {
		c.Asset = prior.Asset
	}
	return l.Record(ctx, c)
}

func (l *Ledger) Get(ctx context.Context, id string) (*Decision, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, f Filter) ([]*Decision, error) {
	return l.store.List(ctx, f)
}

// Blocked lists decisions stopped by the event gate, the risk gate or the
// broker.
func (l *Ledger) Blocked(ctx context.Context, f Filter) ([]*Decision, error) {
	f.BlockedOnly = true
	return l.store.List(ctx, f)
}

// Explain renders one decision as text.
func (l *Ledger) Explain(ctx context.Context, id string) (string, error) {
	d, err := l.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return Explain(d), nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe returns a channel receiving every decision recorded after the
// call, and a cancel func. Slow subscribers miss decisions rather than
// stall recording.
func (l *Ledger) Subscribe(buffer int) (<-chan *Decision, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Decision, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (l *Ledger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Ledger) publish(d *Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- d.Clone():
		default:
			l.dropped++
		}
	}
}
