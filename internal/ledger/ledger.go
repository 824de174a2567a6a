// Package ledger tracks consumption events against fixed quotas.
//
// A Ledger owns one window kind and keeps, per subject, the timestamps of
// debited events plus the number of in-flight reservations. Admission for
// operations that may fail goes through Reserve: the slot is held while the
// operation runs and only a Commit debits it.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhaobenny/haikugate/internal/observability"
)

// Window identifies how events expire
type Window string

const (
	// WindowSession events never expire; the subject is a session id
	WindowSession Window = "session"
	// WindowDaily events expire at the next UTC midnight
	WindowDaily Window = "daily"
	// WindowPerCaller events expire after a rolling duration
	WindowPerCaller Window = "per_caller"
)

// DefaultPerCallerWindow is the rolling window used when none is configured
const DefaultPerCallerWindow = 24 * time.Hour

// Unlimited is reported as remaining by disabled ledgers
const Unlimited = -1

// EventStore persists debited events so windows survive restarts.
// Implementations must be safe for concurrent use.
type EventStore interface {
	Load(ctx context.Context, window Window, subject string, since time.Time) ([]time.Time, error)
	Append(ctx context.Context, window Window, subject string, at time.Time) error
	Prune(ctx context.Context, window Window, before time.Time) error
	Clear(ctx context.Context, window Window, subject string) error
}

// Options configures a Ledger
type Options struct {
	Window Window
	// Limit <= 0 disables the ledger
	Limit int
	// Duration is only used by WindowPerCaller
	Duration time.Duration
	Store    EventStore
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

type subjectState struct {
	events  []time.Time // ascending
	pending int
	loaded  bool
}

// Ledger is a quota tracker for one window kind
type Ledger struct {
	mu       sync.Mutex
	window   Window
	limit    int
	duration time.Duration
	subjects map[string]*subjectState

	store   EventStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Ledger
func New(opts Options) *Ledger {
	l := &Ledger{
		window:   opts.Window,
		limit:    opts.Limit,
		duration: opts.Duration,
		subjects: make(map[string]*subjectState),
		store:    opts.Store,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if l.window == "" {
		l.window = WindowSession
	}
	if l.window == WindowPerCaller && l.duration <= 0 {
		l.duration = DefaultPerCallerWindow
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Window returns the window kind
func (l *Ledger) Window() Window { return l.window }

// Limit returns the configured limit (<= 0 means disabled)
func (l *Ledger) Limit() int { return l.limit }

func (l *Ledger) disabled() bool { return l.limit <= 0 }

// cutoff returns the instant before which events are expired.
// The zero time means nothing expires.
func (l *Ledger) cutoff(now time.Time) time.Time {
	switch l.window {
	case WindowDaily:
		u := now.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	case WindowPerCaller:
		return now.Add(-l.duration)
	default:
		return time.Time{}
	}
}

func (l *Ledger) live(at, cutoff time.Time) bool {
	if cutoff.IsZero() {
		return true
	}
	if l.window == WindowDaily {
		return !at.Before(cutoff)
	}
	return at.After(cutoff)
}

// state returns the swept state for subject. Caller holds l.mu.
func (l *Ledger) state(subject string, now time.Time) *subjectState {
	st, ok := l.subjects[subject]
	if !ok {
		st = &subjectState{}
		l.subjects[subject] = st
	}
	cutoff := l.cutoff(now)

	if !st.loaded {
		st.loaded = true
		if l.store != nil {
			events, err := l.store.Load(context.Background(), l.window, subject, cutoff)
			if err != nil {
				// Unreadable history counts as no usage
				l.logger.Warn("quota store load failed", "window", l.window, "subject", subject, "error", err)
			} else {
				st.events = append(events, st.events...)
			}
		}
	}

	i := 0
	for i < len(st.events) && !l.live(st.events[i], cutoff) {
		i++
	}
	if i > 0 {
		st.events = append(st.events[:0], st.events[i:]...)
	}
	return st
}

// Check reports whether subject is under its limit and how many slots remain.
// It does not reserve anything.
func (l *Ledger) Check(subject string) (bool, int) {
	if l.disabled() {
		return true, Unlimited
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(subject, l.now())
	live := len(st.events)
	return live < l.limit, max(0, l.limit-live)
}

// Remaining returns max(0, limit - live events)
func (l *Ledger) Remaining(subject string) int {
	_, remaining := l.Check(subject)
	return remaining
}

// Record appends a consumption event at the current time without a limit check
func (l *Ledger) Record(subject string) {
	if l.disabled() {
		return
	}
	l.mu.Lock()
	now := l.now()
	st := l.state(subject, now)
	st.events = append(st.events, now)
	l.mu.Unlock()

	l.persist(subject, now)
}

func (l *Ledger) persist(subject string, at time.Time) {
	l.metrics.QuotaDebit(string(l.window))
	if l.store == nil {
		return
	}
	if err := l.store.Append(context.Background(), l.window, subject, at); err != nil {
		l.logger.Warn("quota store append failed", "window", l.window, "subject", subject, "error", err)
	}
}

// Reset clears all events of subject. In-flight reservations are kept.
func (l *Ledger) Reset(subject string) {
	l.mu.Lock()
	if st, ok := l.subjects[subject]; ok {
		st.events = nil
		st.loaded = true
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Clear(context.Background(), l.window, subject); err != nil {
			l.logger.Warn("quota store clear failed", "window", l.window, "subject", subject, "error", err)
		}
	}
	l.logger.Info("quota reset", "window", l.window, "subject", subject)
}

// ResetAt returns when the next slot frees up for subject.
// The zero time means never (session windows) or nothing to free.
func (l *Ledger) ResetAt(subject string) time.Time {
	if l.disabled() {
		return time.Time{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(subject, now)
	return l.resetAt(st, now)
}

func (l *Ledger) resetAt(st *subjectState, now time.Time) time.Time {
	switch l.window {
	case WindowDaily:
		return l.cutoff(now).Add(24 * time.Hour)
	case WindowPerCaller:
		if len(st.events) == 0 {
			return time.Time{}
		}
		return st.events[0].Add(l.duration)
	default:
		return time.Time{}
	}
}

// Prune drops persisted events that can no longer count toward any window
func (l *Ledger) Prune(ctx context.Context) error {
	if l.store == nil || l.window == WindowSession {
		return nil
	}
	return l.store.Prune(ctx, l.window, l.cutoff(l.now()))
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
	Window    Window
}

// Reservation holds one admitted slot until Commit or Release
type Reservation struct {
	ledger  *Ledger
	subject string
	done    bool
}

// Reserve atomically checks the limit and holds a slot for subject.
// In-flight reservations count against the limit, so concurrent callers
// cannot both take the last slot. The reservation is nil when denied.
func (l *Ledger) Reserve(subject string) (*Reservation, Decision) {
	if l.disabled() {
		return &Reservation{}, Decision{Allowed: true, Remaining: Unlimited, Window: l.window}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(subject, now)
	used := len(st.events) + st.pending
	d := Decision{
		Limit:   l.limit,
		Window:  l.window,
		ResetAt: l.resetAt(st, now),
	}
	if used >= l.limit {
		d.Remaining = max(0, l.limit-len(st.events))
		l.metrics.QuotaDecision(string(l.window), false)
		l.logger.Info("quota denied", "window", l.window, "subject", subject, "limit", l.limit)
		return nil, d
	}

	st.pending++
	d.Allowed = true
	d.Remaining = l.limit - used - 1
	l.metrics.QuotaDecision(string(l.window), true)
	return &Reservation{ledger: l, subject: subject}, d
}

// Commit debits the reserved slot. Calling it more than once, or after
// Release, has no effect.
func (r *Reservation) Commit() {
	if r == nil || r.ledger == nil {
		return
	}
	l := r.ledger
	l.mu.Lock()
	if r.done {
		l.mu.Unlock()
		return
	}
	r.done = true
	now := l.now()
	st := l.state(r.subject, now)
	st.pending--
	st.events = append(st.events, now)
	l.mu.Unlock()

	l.persist(r.subject, now)
}

// Release frees the reserved slot without a debit
func (r *Reservation) Release() {
	if r == nil || r.ledger == nil {
		return
	}
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if st, ok := l.subjects[r.subject]; ok && st.pending > 0 {
		st.pending--
	}
}
