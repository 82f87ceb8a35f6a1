// Package limiter implements tag-based concurrency slots shared by every
// flow run of an engine.
package limiter

import (
	"context"
	"sort"
	"sync"

	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Unlimited is reported as the limit of tags without a configured capacity.
const Unlimited = -1

type tagPool struct {
	limit   int // Unlimited when not configured
	held    int
	waiters []*waiter
}

type waiter struct {
	all     []string // every requested tag, held counts apply to all of them
	queued  []string // limited tags whose queue holds this waiter
	granted chan struct{}
	done    bool
}

// TagStatus is a point-in-time view of one tag.
type TagStatus struct {
	Limit   int `json:"limit"`
	Held    int `json:"held"`
	Waiting int `json:"waiting"`
}

// Lease is a set of held slots. Release is idempotent.
type Lease struct {
	l    *Limiter
	tags []string
	once sync.Once
}

// Tags returns the tags this lease holds a slot for.
func (ls *Lease) Tags() []string {
	if ls == nil {
		return nil
	}
	return append([]string(nil), ls.tags...)
}

// Release returns every slot held by the lease.
func (ls *Lease) Release() {
	if ls == nil || ls.l == nil {
		return
	}
	ls.once.Do(func() { ls.l.release(ls.tags) })
}

// Limiter hands out slots per tag. A request naming several tags is granted
// all of them at once or waits; waiters on a tag are served in arrival order.
type Limiter struct {
	mu    sync.Mutex
	tags  map[string]*tagPool
	log   fclog.Logger
	held  *prometheus.GaugeVec
	limit *prometheus.GaugeVec
}

// New creates a limiter with no configured limits.
func New(log fclog.Logger) *Limiter {
	if log == nil {
		panic("limiter.New requires a non-nil logger")
	}
	return &Limiter{
		tags: make(map[string]*tagPool),
		log:  log.With("component", "ConcurrencyLimiter"),
	}
}

// RegisterMetrics exports held slots and limits per tag.
func (l *Limiter) RegisterMetrics(reg prometheus.Registerer) error {
	held := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowcore_concurrency_slots_held",
		Help: "Concurrency slots currently held per tag.",
	}, []string{"tag"})
	limit := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowcore_concurrency_slots_limit",
		Help: "Configured concurrency limit per tag.",
	}, []string{"tag"})
	for _, c := range []*prometheus.GaugeVec{held, limit} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held, l.limit = held, limit
	for tag, p := range l.tags {
		l.observe(tag, p)
	}
	return nil
}

func (l *Limiter) pool(tag string) *tagPool {
	p, ok := l.tags[tag]
	if !ok {
		p = &tagPool{limit: Unlimited}
		l.tags[tag] = p
	}
	return p
}

// SetLimit creates or updates a tag's capacity. Lowering it never revokes
// held slots; the new value governs the next grant.
func (l *Limiter) SetLimit(tag string, n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pool(tag)
	p.limit = n
	l.log.Debugf("Concurrency limit for tag '%s' set to %d (held %d)", tag, n, p.held)
	l.observe(tag, p)
	l.dispatch()
}

// RemoveLimit makes a tag unbounded again.
func (l *Limiter) RemoveLimit(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.tags[tag]
	if !ok {
		return
	}
	p.limit = Unlimited
	orphans := p.waiters
	p.waiters = nil
	for _, w := range orphans {
		w.queued = removeTag(w.queued, tag)
	}
	// A waiter queued on no other tag is reachable from no queue head, so
	// it is granted here or queued again on the limited tags it names.
	for _, w := range orphans {
		if len(w.queued) > 0 {
			continue
		}
		if l.grantable(w) {
			l.grant(w)
			continue
		}
		for _, t := range w.all {
			if tp := l.tags[t]; tp.limit != Unlimited {
				tp.waiters = append(tp.waiters, w)
				w.queued = append(w.queued, t)
			}
		}
	}
	l.observe(tag, p)
	l.dispatch()
}

// Limit returns the tag's capacity or Unlimited.
func (l *Limiter) Limit(tag string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.tags[tag]; ok {
		return p.limit
	}
	return Unlimited
}

// Held returns the number of slots held for tag.
func (l *Limiter) Held(tag string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.tags[tag]; ok {
		return p.held
	}
	return 0
}

// Snapshot returns the status of every known tag.
func (l *Limiter) Snapshot() map[string]TagStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]TagStatus, len(l.tags))
	for tag, p := range l.tags {
		out[tag] = TagStatus{Limit: p.limit, Held: p.held, Waiting: len(p.waiters)}
	}
	return out
}

// Acquire blocks until a slot for every tag is available, or ctx is done.
// An empty tag list succeeds immediately.
func (l *Limiter) Acquire(ctx context.Context, tags []string) (*Lease, error) {
	tags = normalize(tags)
	if len(tags) == 0 {
		return &Lease{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &waiter{all: tags, granted: make(chan struct{})}
	l.mu.Lock()
	for _, tag := range tags {
		p := l.pool(tag)
		if p.limit != Unlimited {
			p.waiters = append(p.waiters, w)
			w.queued = append(w.queued, tag)
		}
	}
	if len(w.queued) == 0 {
		l.grant(w)
	} else {
		l.dispatch()
	}
	granted := w.done
	l.mu.Unlock()

	if granted {
		return &Lease{l: l, tags: tags}, nil
	}
	l.log.Debugf("Waiting for concurrency slots on tags %v", tags)

	select {
	case <-w.granted:
		return &Lease{l: l, tags: tags}, nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.done {
			// Granted concurrently with cancellation: hand the slots back.
			l.releaseLocked(tags)
			return nil, ctx.Err()
		}
		l.dequeue(w)
		l.dispatch()
		return nil, ctx.Err()
	}
}

// grant must be called with l.mu held.
func (l *Limiter) grant(w *waiter) {
	for _, tag := range w.all {
		p := l.pool(tag)
		p.held++
		l.observe(tag, p)
	}
	w.done = true
	close(w.granted)
}

// dispatch grants every waiter that is at the head of all its queues and
// fits under every limit. Must be called with l.mu held.
func (l *Limiter) dispatch() {
	for progressed := true; progressed; {
		progressed = false
		for _, tag := range l.sortedTags() {
			p := l.tags[tag]
			if len(p.waiters) == 0 {
				continue
			}
			w := p.waiters[0]
			if !l.grantable(w) {
				continue
			}
			l.dequeue(w)
			l.grant(w)
			progressed = true
		}
	}
}

func (l *Limiter) grantable(w *waiter) bool {
	for _, tag := range w.all {
		p := l.tags[tag]
		if p.limit == Unlimited {
			continue
		}
		if p.held >= p.limit {
			return false
		}
		if contains(w.queued, tag) && p.waiters[0] != w {
			return false
		}
	}
	return true
}

func (l *Limiter) sortedTags() []string {
	tags := make([]string, 0, len(l.tags))
	for tag := range l.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (l *Limiter) release(tags []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(tags)
}

func (l *Limiter) releaseLocked(tags []string) {
	for _, tag := range tags {
		p, ok := l.tags[tag]
		if !ok || p.held == 0 {
			continue
		}
		p.held--
		l.observe(tag, p)
	}
	l.dispatch()
}

func (l *Limiter) observe(tag string, p *tagPool) {
	if l.held != nil {
		l.held.WithLabelValues(tag).Set(float64(p.held))
	}
	if l.limit != nil {
		l.limit.WithLabelValues(tag).Set(float64(p.limit))
	}
}

func normalize(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (l *Limiter) dequeue(w *waiter) {
	for _, tag := range w.queued {
		p := l.tags[tag]
		p.waiters = removeWaiter(p.waiters, w)
	}
	w.queued = nil
}

func removeWaiter(ws []*waiter, w *waiter) []*waiter {
	for i, cur := range ws {
		if cur == w {
			return append(ws[:i:i], ws[i+1:]...)
		}
	}
	return ws
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func removeTag(tags []string, tag string) []string {
	out := tags[:0:0]
	for _, t := range tags {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}
