// Package monitor polls on-chain values (prices, health factors) and notifies observers
// when they change. Each resource id has at most one poller regardless of how many
// observers subscribe to it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultInterval is used when Subscribe is given a non-positive interval
	DefaultInterval = 60 * time.Second
	// DefaultReadTimeout bounds a single source read
	DefaultReadTimeout = 10 * time.Second
)

// ErrClosed is returned by Subscribe after Close
var ErrClosed = errors.New("monitor registry closed")

// Source reads the current value of a monitored resource
type Source interface {
	Read(ctx context.Context) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (decimal.Decimal, error)

func (f SourceFunc) Read(ctx context.Context) (decimal.Decimal, error) { return f(ctx) }

// Observation is delivered to observers when a resource's value changes
type Observation struct {
	ResourceID string          `json:"resourceId"`
	Value      decimal.Decimal `json:"value"`
	Previous   decimal.Decimal `json:"previous"`
	ObservedAt time.Time       `json:"observedAt"`
}

// PercentChange is (Value - Previous) / Previous * 100, or zero when Previous is zero
func (o Observation) PercentChange() decimal.Decimal {
	if o.Previous.IsZero() {
		return decimal.Zero
	}
	return o.Value.Sub(o.Previous).Div(o.Previous).Mul(decimal.NewFromInt(100))
}

// Observer receives change notifications. Observers of one resource are called in
// subscription order from the resource's poller goroutine.
type Observer func(Observation)

// Registry owns the pollers
type Registry struct {
	mu          sync.Mutex
	pollers     map[string]*poller
	nextID      uint64
	readTimeout time.Duration
	closed      bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pollers:     make(map[string]*poller),
		readTimeout: DefaultReadTimeout,
	}
}

// WithReadTimeout sets the per-read timeout and returns the registry
func (r *Registry) WithReadTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.readTimeout = d
	}
	return r
}

// Subscribe registers observer for resourceID. The first subscription for a resource starts
// its poller with source and interval; later subscriptions join the running poller and
// their source and interval are ignored.
func (r *Registry) Subscribe(resourceID string, source Source, interval time.Duration, observer Observer) (*Subscription, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	if source == nil || observer == nil {
		return nil, fmt.Errorf("source and observer are required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	r.nextID++
	id := r.nextID

	p, ok := r.pollers[resourceID]
	if !ok {
		p = newPoller(resourceID, source, interval, r.readTimeout)
		r.pollers[resourceID] = p
		go p.run()
		logrus.WithFields(logrus.Fields{
			"resource": resourceID,
			"interval": interval,
		}).Info("Monitor started")
	}
	p.add(id, observer)

	return &Subscription{id: id, resourceID: resourceID, registry: r}, nil
}

// Resources lists the resource ids currently polled
func (r *Registry) Resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every poller. Subscribe fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	pollers := r.pollers
	r.pollers = make(map[string]*poller)
	r.closed = true
	r.mu.Unlock()

	for _, p := range pollers {
		p.stop()
	}
}

func (r *Registry) unsubscribe(resourceID string, id uint64) {
	r.mu.Lock()
	p, ok := r.pollers[resourceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	empty := p.remove(id)
	if empty {
		delete(r.pollers, resourceID)
	}
	r.mu.Unlock()

	// cancel without waiting: observers may unsubscribe from inside a notification
	if empty {
		p.cancel()
		logrus.WithField("resource", resourceID).Info("Monitor stopped")
	}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id         uint64
	resourceID string
	registry   *Registry
	once       sync.Once
}

// ResourceID returns the monitored resource
func (s *Subscription) ResourceID() string { return s.resourceID }

// Unsubscribe removes the observer. The resource's poller stops with its last observer.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.unsubscribe(s.resourceID, s.id)
	})
}

type subscriber struct {
	id       uint64
	observer Observer
}

type poller struct {
	resourceID  string
	source      Source
	interval    time.Duration
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	observers []subscriber

	inFlight atomic.Bool
	last     decimal.Decimal
	hasLast  bool
}

func newPoller(resourceID string, source Source, interval, readTimeout time.Duration) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		resourceID:  resourceID,
		source:      source,
		interval:    interval,
		readTimeout: readTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (p *poller) add(id uint64, observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, subscriber{id: id, observer: observer})
}

// remove reports whether no observers remain
func (p *poller) remove(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.observers {
		if s.id == id {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
	return len(p.observers) == 0
}

func (p *poller) stop() {
	p.cancel()
	<-p.done
}

func (p *poller) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		if !p.inFlight.CompareAndSwap(false, true) {
			logrus.WithField("resource", p.resourceID).Debug("Previous read still in flight, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.inFlight.Store(false)
			p.poll()
		}()
	}

	tick()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// poll reads the source once. The first successful read sets the baseline; later reads
// notify observers only when the value differs from the previous one.
func (p *poller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.readTimeout)
	defer cancel()

	value, err := p.source.Read(ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			logrus.WithField("resource", p.resourceID).Warnf("Monitor read failed: %v", err)
		}
		return
	}

	if !p.hasLast {
		p.last, p.hasLast = value, true
		return
	}
	if value.Equal(p.last) {
		return
	}

	obs := Observation{
		ResourceID: p.resourceID,
		Value:      value,
		Previous:   p.last,
		ObservedAt: time.Now(),
	}
	p.last = value

	p.mu.Lock()
	observers := make([]subscriber, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, s := range observers {
		s.observer(obs)
	}
}
