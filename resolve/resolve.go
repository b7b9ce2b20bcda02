// Package resolve turns placeholder-bearing text into resolved text.
//
// The engine extracts placeholders, routes each one to the server that owns
// its tool call, issues one batched mcpp/resolve_placeholders call per server
// concurrently, and merges the results deterministically. A failure on one
// server never disturbs another server's batch. Consent-required errors are
// escalated through a hook and the blocked batch is retried exactly once
// after an approved consent round-trip.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zhubert/veil-core/access"
	"github.com/zhubert/veil-core/ledger"
	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/placeholder"
	"github.com/zhubert/veil-core/protocol"
)

// Resolver is the slice of the server client the engine needs.
type Resolver interface {
	ServerKey() string
	ResolvePlaceholders(ctx context.Context, params protocol.ResolvePlaceholdersParams) (*protocol.ResolvePlaceholdersResult, error)
}

// ClientSource supplies a connected client for a server key.
type ClientSource func(serverKey string) (Resolver, error)

// ConsentFunc runs a consent flow for a blocked batch: prompt the user,
// deliver the decision to the server, and return nil only when the server
// acknowledged an approval. Any error leaves the batch blocked.
type ConsentFunc func(ctx context.Context, serverKey string, req protocol.ConsentRequest, usage *protocol.UsageContext) error

// Result is the outcome of one resolution pass.
type Result struct {
	// Text is the input with every resolved placeholder substituted.
	Text string
	// Resolved maps placeholder bodies (as they appeared in the input) to
	// their resolved values.
	Resolved map[string]string
	// Status summarizes the pass. Status.Resolved == 0 with Status.Total > 0
	// means nothing could be resolved and the caller should fall back to
	// surfacing the original text.
	Status protocol.ResolutionStatus
	// ServerErrors holds the terminal error per server key for batches that
	// failed outright, so callers can distinguish denial from breakage.
	ServerErrors map[string]error
}

// Engine resolves placeholders against their owning servers.
type Engine struct {
	clients ClientSource
	ledger  *ledger.Ledger
	consent ConsentFunc
	log     *slog.Logger
}

// NewEngine creates an engine. consent may be nil, in which case a
// consent-required error is terminal for its batch.
func NewEngine(clients ClientSource, led *ledger.Ledger, consent ConsentFunc) *Engine {
	return &Engine{
		clients: clients,
		ledger:  led,
		consent: consent,
		log:     logger.WithComponent("resolver"),
	}
}

// ResolveText resolves every placeholder in text. It never returns an error:
// per-placeholder and per-server failures are reported through the result's
// status and the original literals stay in the text unmodified.
func (e *Engine) ResolveText(ctx context.Context, text string, usage *protocol.UsageContext) *Result {
	tokens := placeholder.Extract(text)
	result := &Result{
		Text:         text,
		Resolved:     make(map[string]string),
		ServerErrors: make(map[string]error),
	}
	if len(tokens) == 0 {
		result.Status = protocol.ResolutionStatus{SuccessRate: 1}
		return result
	}

	// Unroutable tokens are skipped here and surface in failed[] below.
	groups := make(map[string][]placeholder.Token)
	for _, tok := range tokens {
		owner := tok.ServerKey
		if owner == "" {
			key, err := e.ledger.LookupServer(tok.ToolCallID)
			if err != nil {
				e.log.Warn("placeholder has no route", "placeholder", tok.String())
				continue
			}
			owner = key
		}
		groups[owner] = append(groups[owner], tok)
	}

	type batchOutcome struct {
		serverKey string
		resolved  map[string]string // token body → value
		err       error
	}

	var wg sync.WaitGroup
	outcomes := make([]batchOutcome, 0, len(groups))
	var mu sync.Mutex

	for serverKey, batch := range groups {
		wg.Add(1)
		go func(serverKey string, batch []placeholder.Token) {
			defer wg.Done()
			resolved, err := e.resolveBatch(ctx, serverKey, batch, usage)
			mu.Lock()
			outcomes = append(outcomes, batchOutcome{serverKey: serverKey, resolved: resolved, err: err})
			mu.Unlock()
		}(serverKey, batch)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].serverKey < outcomes[j].serverKey })
	for _, out := range outcomes {
		if out.err != nil {
			result.ServerErrors[out.serverKey] = out.err
		}
		for body, value := range out.resolved {
			result.Resolved[body] = value
		}
	}

	// Walk tokens in extraction order so failed[] is deterministic. Failed
	// entries are bare token bodies, without braces.
	status := protocol.ResolutionStatus{Total: len(tokens)}
	for _, tok := range tokens {
		if _, ok := result.Resolved[tok.Body()]; ok {
			status.Resolved++
			continue
		}
		status.Failed = append(status.Failed, tok.Body())
	}
	status.SuccessRate = float64(status.Resolved) / float64(status.Total)
	result.Status = status

	result.Text = placeholder.Substitute(text, result.Resolved)
	e.log.Info("resolution pass complete",
		"total", status.Total, "resolved", status.Resolved, "servers", len(groups))
	return result
}

// resolveBatch issues one mcpp/resolve_placeholders call for a server's
// tokens. A consent-required error triggers the consent hook and, on
// approval, exactly one retry.
func (e *Engine) resolveBatch(ctx context.Context, serverKey string, batch []placeholder.Token, usage *protocol.UsageContext) (map[string]string, error) {
	client, err := e.clients(serverKey)
	if err != nil {
		e.log.Warn("no client for server", "server", serverKey, "error", err)
		return nil, err
	}

	// Batch keys are local to this call; the server echoes them back.
	data := make(map[string]string, len(batch))
	keys := make(map[string]placeholder.Token, len(batch))
	for i, tok := range batch {
		key := fmt.Sprintf("ph_%d", i)
		data[key] = tok.ModelForm()
		keys[key] = tok
	}
	params := protocol.ResolvePlaceholdersParams{Data: data, UsageContext: usage}

	res, err := client.ResolvePlaceholders(ctx, params)
	if err != nil {
		cls := access.Classify(err)
		if cls.Kind != access.KindConsentRequired || e.consent == nil {
			return nil, err
		}
		e.log.Info("batch blocked on consent", "server", serverKey, "requestID", cls.Consent.RequestID)
		if cerr := e.consent(ctx, serverKey, *cls.Consent, usage); cerr != nil {
			return nil, cerr
		}
		res, err = client.ResolvePlaceholders(ctx, params)
		if err != nil {
			return nil, err
		}
	}

	resolved := make(map[string]string, len(res.ResolvedData))
	for key, value := range res.ResolvedData {
		tok, ok := keys[key]
		if !ok {
			e.log.Warn("server returned unknown batch key", "server", serverKey, "key", key)
			continue
		}
		resolved[tok.Body()] = value
	}
	return resolved, nil
}
