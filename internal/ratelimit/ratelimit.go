package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 64

// Result is the outcome of a quota check for one request.
type Result struct {
	Limited bool
	Count   int
}

// window tracks a single client's counter and last activity.
type window struct {
	count    int
	start    time.Time
	lastSeen time.Time
	// burst is the optional short-burst bucket layered under the quota
	burst *rate.Limiter
	// logged tracks whether we have already emitted the first-denial
	// callback; resets when the entry is evicted and re-created
	logged bool
}

type shard struct {
	mu      sync.Mutex
	clients map[string]*window
}

// Limiter holds per-client fixed windows across hashed shards.
type Limiter struct {
	shards [shardCount]shard

	quota  int
	window time.Duration

	// exempt methods never count and are never limited
	exempt map[string]struct{}

	// burst controls; zero perSecond disables the burst bucket
	burstPerSecond rate.Limit
	burstSize      int

	// OnFirstDenied is called once per client when they first go over
	// quota; resets when the entry is evicted
	OnFirstDenied func(clientID string)

	// OnDenied is called on every denied request, used for incrementing
	// prometheus counters
	OnDenied func(clientID string)

	now func() time.Time
}

type Option func(*Limiter)

// WithQuota sets the maximum number of counted requests per window.
func WithQuota(quota int) Option {
	return func(l *Limiter) { l.quota = quota }
}

// WithWindow sets the fixed window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithExemptMethods replaces the set of methods excluded from counting.
func WithExemptMethods(methods ...string) Option {
	return func(l *Limiter) {
		l.exempt = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			l.exempt[m] = struct{}{}
		}
	}
}

// WithBurst layers a token bucket under the window quota. A client
// staying under quota can still be denied for sending too fast.
func WithBurst(perSecond float64, size int) Option {
	return func(l *Limiter) {
		l.burstPerSecond = rate.Limit(perSecond)
		l.burstSize = size
	}
}

func WithOnFirstDenied(fn func(clientID string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(clientID string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter and starts the background eviction goroutine,
// which stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		quota:  1000,
		window: 60 * time.Minute,
		exempt: map[string]struct{}{"HEAD": {}, "OPTIONS": {}},
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i].clients = make(map[string]*window)
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Quota returns the configured per-window quota.
func (l *Limiter) Quota() int { return l.quota }

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &l.shards[h.Sum32()%shardCount]
}

// Check counts this request against the client's window and reports
// whether it is over quota. Exempt methods never count. In-memory only,
// never blocks on I/O.
func (l *Limiter) Check(clientID, method string) Result {
	if _, ok := l.exempt[method]; ok {
		return Result{Limited: false, Count: 0}
	}

	now := l.now()
	s := l.shardFor(clientID)

	s.mu.Lock()
	w, exists := s.clients[clientID]
	if !exists {
		w = &window{}
		if l.burstPerSecond > 0 {
			w.burst = rate.NewLimiter(l.burstPerSecond, l.burstSize)
		}
		s.clients[clientID] = w
	}
	w.lastSeen = now

	if !exists || now.Sub(w.start) > l.window {
		// first request or rolled-over window; a fresh window gets a
		// fresh first-denial callback
		w.count = 1
		w.start = now
		w.logged = false
	} else {
		w.count++
	}

	res := Result{Limited: w.count > l.quota, Count: w.count}
	if !res.Limited && w.burst != nil && !w.burst.Allow() {
		res.Limited = true
	}

	if res.Limited && !w.logged {
		w.logged = true
		// release the lock before calling hooks, they may do slow work
		s.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(clientID)
		}
		if l.OnDenied != nil {
			l.OnDenied(clientID)
		}
		return res
	}
	s.mu.Unlock()

	if res.Limited && l.OnDenied != nil {
		l.OnDenied(clientID)
	}

	return res
}

// cleanup periodically evicts clients idle longer than one window.
// Runs every window/2 to avoid holding stale entries much longer than
// intended.
func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.now()
			for i := range l.shards {
				s := &l.shards[i]
				s.mu.Lock()
				for id, w := range s.clients {
					if now.Sub(w.lastSeen) > l.window {
						delete(s.clients, id)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
