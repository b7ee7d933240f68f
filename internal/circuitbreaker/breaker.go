// Package circuitbreaker keeps venues that keep failing out of the quoting fan-out until
// they have had time to recover.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while a venue's circuit is open
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of a venue's circuit
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, venue is skipped
	StateHalfOpen              // Probing whether the venue has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds defines the limits that will trip a venue's circuit
type Thresholds struct {
	// Consecutive failures before the circuit opens
	FailureThreshold int `json:"failure_threshold"`
}

type venueState struct {
	state     State
	failures  int
	successes int
	lastTrip  time.Time
	lastError string
}

// CircuitBreaker tracks one circuit per venue id
type CircuitBreaker struct {
	thresholds Thresholds

	// Duration before a tripped venue is tried again
	resetDelay time.Duration

	// Number of successful trial calls required to close a half-open circuit
	successThreshold int

	onTripCallback func(venue, reason string)

	mu     sync.RWMutex
	venues map[string]*venueState
	now    func() time.Time
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.FailureThreshold < 1 {
		t.FailureThreshold = 1
	}
	return &CircuitBreaker{
		thresholds:       t,
		resetDelay:       time.Minute,
		successThreshold: 1,
		venues:           make(map[string]*venueState),
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful trial calls needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when a circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(venue, reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether venue may be queried. An open circuit whose reset delay has
// elapsed moves to half-open and lets the call through as a trial.
func (cb *CircuitBreaker) Allow(venue string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	vs := cb.venue(venue)
	if vs.state != StateOpen {
		return nil
	}
	if cb.now().Sub(vs.lastTrip) < cb.resetDelay {
		return fmt.Errorf("%w for %s: %s", ErrOpen, venue, vs.lastError)
	}

	vs.state = StateHalfOpen
	vs.successes = 0
	logrus.WithField("venue", venue).Info("Circuit breaker half-open: probing venue")
	return nil
}

// RecordSuccess notes a successful call to venue
func (cb *CircuitBreaker) RecordSuccess(venue string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	vs := cb.venue(venue)
	vs.failures = 0
	if vs.state == StateHalfOpen {
		vs.successes++
		if vs.successes >= cb.successThreshold {
			vs.state = StateClosed
			vs.successes = 0
			logrus.WithField("venue", venue).Info("Circuit breaker closed: venue has recovered")
		}
	}
}

// RecordFailure notes a failed call to venue and trips the circuit when warranted
func (cb *CircuitBreaker) RecordFailure(venue string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	vs := cb.venue(venue)
	vs.failures++
	if err != nil {
		vs.lastError = err.Error()
	}

	switch {
	case vs.state == StateHalfOpen:
		cb.trip(venue, vs, "trial call failed: "+vs.lastError)
	case vs.state == StateClosed && vs.failures >= cb.thresholds.FailureThreshold:
		cb.trip(venue, vs, fmt.Sprintf("%d consecutive failures: %s", vs.failures, vs.lastError))
	}
}

// GetState returns the current state of venue's circuit
func (cb *CircuitBreaker) GetState(venue string) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if vs, ok := cb.venues[venue]; ok {
		return vs.state
	}
	return StateClosed
}

// States returns a snapshot of every tracked venue, sorted by venue id
func (cb *CircuitBreaker) States() map[string]State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	ids := make([]string, 0, len(cb.venues))
	for id := range cb.venues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]State, len(ids))
	for _, id := range ids {
		out[id] = cb.venues[id].state
	}
	return out
}

// Reset forcibly closes every circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.venues = make(map[string]*venueState)
	logrus.Info("Circuit breaker manually reset to closed state")
}

// venue returns the state for id, creating it closed. Callers hold the write lock.
func (cb *CircuitBreaker) venue(id string) *venueState {
	vs, ok := cb.venues[id]
	if !ok {
		vs = &venueState{state: StateClosed}
		cb.venues[id] = vs
	}
	return vs
}

// trip opens the circuit for venue with the current time
func (cb *CircuitBreaker) trip(venue string, vs *venueState, reason string) {
	vs.state = StateOpen
	vs.lastTrip = cb.now()
	vs.successes = 0
	logrus.WithField("venue", venue).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(venue, reason)
	}
}
