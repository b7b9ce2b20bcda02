// Package consent mediates timeout-bounded user consent decisions.
//
// When a server blocks a resolution with a consent-required error, the
// coordinator registers a pending entry keyed by the server's request id,
// surfaces the prompt to the UI collaborator, and blocks the resolution
// goroutine on a decision channel. The external UI posts the user's decision
// back through Resolve with the same request id; a timer races the channel
// read. A timeout counts as denial — the flow fails closed.
//
// A pending entry moves through NONE → REQUESTED → {APPROVED, DENIED,
// TIMED_OUT}; every outcome removes the entry and a request id is never
// reused. Multiple entries may be pending concurrently when several servers
// raise consent needs at once.
package consent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/protocol"
)

// ErrTimeout reports that no user decision arrived before the deadline.
// Callers treat it exactly like an explicit denial.
var ErrTimeout = errors.New("consent timed out")

// ErrDenied reports an explicit user denial.
var ErrDenied = errors.New("consent denied")

// Decision is the user's answer to a consent prompt.
type Decision struct {
	Approved       bool
	RememberChoice bool
}

// Prompt surfaces a consent request to the user. Implementations must not
// block: they hand the prompt to the UI and return, and the UI later posts
// the user's decision via Coordinator.Resolve.
type Prompt func(req protocol.ConsentRequest)

type pendingConsent struct {
	request  protocol.ConsentRequest
	decision chan Decision
}

type cacheKey struct {
	destination string
	usage       protocol.DataUsage
}

type cacheEntry struct {
	until time.Time // zero means rest of session
}

// Coordinator owns the pending-consent table and the remember-choice cache.
// Both are session-scoped and never survive a Reset.
type Coordinator struct {
	mu             sync.Mutex
	pending        map[string]*pendingConsent
	cache          map[cacheKey]cacheEntry
	prompt         Prompt
	defaultTimeout time.Duration
	log            *slog.Logger
	now            func() time.Time
}

// NewCoordinator creates a coordinator. defaultTimeout bounds prompts whose
// consent request carries no timeout of its own.
func NewCoordinator(prompt Prompt, defaultTimeout time.Duration) *Coordinator {
	return &Coordinator{
		pending:        make(map[string]*pendingConsent),
		cache:          make(map[cacheKey]cacheEntry),
		prompt:         prompt,
		defaultTimeout: defaultTimeout,
		log:            logger.WithComponent("consent"),
		now:            time.Now,
	}
}

// Await runs one consent flow to a terminal state. It returns the user's
// decision, ErrTimeout if the timer won the race, or ctx's error if the
// caller gave up. destination and usage key the remember-choice cache: a
// previously remembered approval short-circuits the prompt entirely.
//
// Only affirmative decisions are cached. Denials and timeouts never poison
// the cache — one mis-click must not lock the user out for a whole session.
func (c *Coordinator) Await(ctx context.Context, req protocol.ConsentRequest, destination string, usage protocol.DataUsage) (Decision, error) {
	if c.rememberedApproval(destination, usage) {
		c.log.Debug("consent satisfied from cache", "destination", destination, "usage", usage)
		return Decision{Approved: true}, nil
	}

	pc := &pendingConsent{
		request:  req,
		decision: make(chan Decision, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[req.RequestID]; exists {
		c.mu.Unlock()
		return Decision{}, errors.New("consent request id already pending: " + req.RequestID)
	}
	c.pending[req.RequestID] = pc
	c.mu.Unlock()

	defer c.remove(req.RequestID)

	c.log.Info("consent requested", "requestID", req.RequestID, "timeoutSeconds", req.TimeoutSeconds)
	c.prompt(req)

	timeout := c.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-pc.decision:
		if decision.Approved {
			c.log.Info("consent approved", "requestID", req.RequestID, "remember", decision.RememberChoice)
			if decision.RememberChoice && req.AllowRemember {
				c.remember(destination, usage, time.Time{})
			}
		} else {
			c.log.Info("consent denied", "requestID", req.RequestID)
		}
		return decision, nil
	case <-timer.C:
		c.log.Warn("consent timed out, denying", "requestID", req.RequestID)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve posts the user's decision for a pending request. It reports whether
// the request was still pending — a late decision after timeout is dropped.
func (c *Coordinator) Resolve(requestID string, decision Decision) bool {
	c.mu.Lock()
	pc, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("decision for unknown or settled request dropped", "requestID", requestID)
		return false
	}

	select {
	case pc.decision <- decision:
		return true
	default:
		// Already settled by a racing decision.
		return false
	}
}

// Pending returns the consent requests currently awaiting a decision.
func (c *Coordinator) Pending() []protocol.ConsentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := make([]protocol.ConsentRequest, 0, len(c.pending))
	for _, pc := range c.pending {
		reqs = append(reqs, pc.request)
	}
	return reqs
}

// SetCacheExpiry tightens a remembered approval to expire at a specific time,
// typically the cached_until echoed by the server's consent acknowledgement.
func (c *Coordinator) SetCacheExpiry(destination string, usage protocol.DataUsage, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{destination: destination, usage: usage}
	if _, ok := c.cache[key]; ok {
		c.cache[key] = cacheEntry{until: until}
	}
}

// Reset clears the remember-choice cache and denies everything still pending.
// Invoked on explicit session reset; the cache never crosses sessions.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingConsent)
	c.cache = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()

	for id, pc := range pending {
		select {
		case pc.decision <- Decision{Approved: false}:
		default:
		}
		c.log.Info("pending consent denied by reset", "requestID", id)
	}
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

func (c *Coordinator) remember(destination string, usage protocol.DataUsage, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cacheKey{destination: destination, usage: usage}] = cacheEntry{until: until}
}

func (c *Coordinator) rememberedApproval(destination string, usage protocol.DataUsage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{destination: destination, usage: usage}
	entry, ok := c.cache[key]
	if !ok {
		return false
	}
	if !entry.until.IsZero() && c.now().After(entry.until) {
		delete(c.cache, key)
		return false
	}
	return true
}
