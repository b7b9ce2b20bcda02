// Package session is the orchestrator tying the privacy pipeline together.
//
// One Session owns one conversation's state: the tool-call ledger, the server
// router, the consent coordinator and the resolution engine. It exposes the
// narrow boundary the UI and LLM collaborators program against: record a tool
// call, resolve placeholder text, look up a server, post a consent decision,
// reset. The session processes one conversational turn at a time; fan-out
// happens inside a resolution attempt, never across turns.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/veil-core/access"
	"github.com/zhubert/veil-core/action"
	"github.com/zhubert/veil-core/config"
	"github.com/zhubert/veil-core/consent"
	"github.com/zhubert/veil-core/ledger"
	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/protocol"
	"github.com/zhubert/veil-core/resolve"
	"github.com/zhubert/veil-core/router"
	"github.com/zhubert/veil-core/transport"
)

// FallbackMessage is shown in place of model output when not a single
// placeholder could be resolved.
const FallbackMessage = "The requested information could not be displayed."

// ConsentPrompter surfaces a consent request to the user. It must not block;
// the UI later posts the decision via RequestConsentDecision.
type ConsentPrompter = consent.Prompt

// Session owns one conversation's privacy state.
type Session struct {
	mu        sync.Mutex
	id        string
	cfg       *config.Config
	router    *router.Router
	ledger    *ledger.Ledger
	consent   *consent.Coordinator
	engine    *resolve.Engine
	usage     *access.Builder
	watcher   *config.Watcher
	sensitive map[string]bool // serverKey + "/" + toolName
	log       *slog.Logger
}

// New creates a session over the configured servers. prompt is the UI
// callback for consent requests.
func New(cfg *config.Config, prompt ConsentPrompter) *Session {
	id := uuid.New().String()
	s := &Session{
		id:        id,
		cfg:       cfg,
		router:    router.New(cfg),
		ledger:    ledger.New(),
		consent:   consent.NewCoordinator(prompt, cfg.ConsentTimeoutOrDefault()),
		usage:     access.NewBuilder(cfg.HostID, id),
		sensitive: make(map[string]bool),
		log:       logger.WithSession(id),
	}
	s.engine = resolve.NewEngine(s.resolverFor, s.ledger, s.consentFlow)
	s.log.Info("session created", "servers", cfg.Keys())
	return s
}

// ID returns the session identity used in usage contexts.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// RecordToolCall registers a dispatched tool call with its owning server.
// An empty serverKey records against the default server.
func (s *Session) RecordToolCall(toolCallID, serverKey, toolName string, isSensitive bool) error {
	if serverKey == "" {
		key, err := s.router.DefaultServerKey()
		if err != nil {
			return err
		}
		serverKey = key
	}
	return s.ledger.Record(toolCallID, serverKey, toolName, isSensitive)
}

// LookupServer returns the server key owning a recorded tool call.
func (s *Session) LookupServer(toolCallID string) (string, error) {
	return s.ledger.LookupServer(toolCallID)
}

// ResolveText resolves every placeholder in text for display to the user.
// If nothing at all resolved, fallback is returned instead of a mix of opaque
// tokens and prose; partial success returns best-effort substituted text.
func (s *Session) ResolveText(ctx context.Context, text, fallback string) (string, protocol.ResolutionStatus) {
	usage := s.usage.BuildUsageContext(protocol.DataUsageDisplay, protocol.TargetClient, "chat", "render model output", nil)
	result := s.engine.ResolveText(ctx, text, usage)
	if result.Status.Total > 0 && result.Status.Resolved == 0 {
		if fallback == "" {
			fallback = FallbackMessage
		}
		return fallback, result.Status
	}
	return result.Text, result.Status
}

// RequestConsentDecision posts the user's decision for a pending consent
// request. It reports whether the request was still pending.
func (s *Session) RequestConsentDecision(requestID string, approved, rememberChoice bool) bool {
	return s.consent.Resolve(requestID, consent.Decision{Approved: approved, RememberChoice: rememberChoice})
}

// PendingConsents returns the consent requests currently awaiting the user.
func (s *Session) PendingConsents() []protocol.ConsentRequest {
	return s.consent.Pending()
}

// Reply is the session's answer to one piece of model output.
type Reply struct {
	Kind   action.Kind
	Text   string
	Data   *protocol.FetchedData
	Status *protocol.ResolutionStatus
}

// HandleModelOutput classifies one model message and performs the intent it
// carries: fetch a reference, fetch display data, resolve placeholders, relay
// a consent decision, or pass text through.
func (s *Session) HandleModelOutput(ctx context.Context, text string) (*Reply, error) {
	a := action.Parse(text)
	switch a.Kind {
	case action.KindReferenceRequest:
		return s.fetchReference(ctx, a.Reference)
	case action.KindDisplayData:
		return s.fetchData(ctx, a.Display)
	case action.KindPlaceholderMessage:
		resolved, status := s.ResolveText(ctx, a.Placeholder.Text, "")
		return &Reply{Kind: a.Kind, Text: resolved, Status: &status}, nil
	case action.KindConsentResponse:
		s.RequestConsentDecision(a.Consent.RequestID, a.Consent.Approved, a.Consent.RememberChoice)
		return &Reply{Kind: a.Kind}, nil
	case action.KindAccessDeniedMessage:
		return &Reply{Kind: a.Kind, Text: a.Denied.Message}, nil
	default:
		return &Reply{Kind: action.KindDirectMessage, Text: a.Direct.Text}, nil
	}
}

func (s *Session) fetchReference(ctx context.Context, req *action.ReferenceRequest) (*Reply, error) {
	client, err := s.clientForToolCall(req.ToolCallID)
	if err != nil {
		return nil, err
	}
	result, err := client.GetReferences(ctx, protocol.GetReferencesParams{
		ToolCallID: req.ToolCallID,
		Keyword:    req.Keyword,
		ColumnName: req.ColumnName,
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Kind: action.KindReferenceRequest, Text: result.Placeholder}, nil
}

func (s *Session) fetchData(ctx context.Context, req *action.DisplayData) (*Reply, error) {
	client, err := s.clientForToolCall(req.ToolCallID)
	if err != nil {
		return nil, err
	}
	data, err := client.GetData(ctx, protocol.GetDataParams{ToolCallID: req.ToolCallID})
	if err != nil {
		return nil, err
	}
	return &Reply{Kind: action.KindDisplayData, Data: data}, nil
}

// ListTools fetches tool definitions from every configured server and indexes
// each tool's sensitivity for later recording.
func (s *Session) ListTools(ctx context.Context) (map[string][]protocol.ToolDefinition, error) {
	tools := make(map[string][]protocol.ToolDefinition)
	var firstErr error
	for _, key := range s.router.Keys() {
		client, err := s.router.ClientFor(key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result, err := client.ListTools(ctx)
		if err != nil {
			s.log.Warn("tools/list failed", "server", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tools[key] = result.Tools

		s.mu.Lock()
		for _, tool := range result.Tools {
			s.sensitive[key+"/"+tool.Name] = tool.IsSensitive
		}
		s.mu.Unlock()
	}
	if len(tools) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return tools, nil
}

// CallTool dispatches a tool call to a server, records it in the ledger, and
// returns the result together with the assigned tool-call id.
func (s *Session) CallTool(ctx context.Context, serverKey, toolName string, arguments map[string]any) (*protocol.ToolCallResult, string, error) {
	client, err := s.router.ClientFor(serverKey)
	if err != nil {
		return nil, "", err
	}
	owner := client.ServerKey()
	toolCallID := "call_" + uuid.New().String()

	result, err := client.CallTool(ctx, protocol.ToolCallParams{
		Name:       toolName,
		Arguments:  arguments,
		ToolCallID: toolCallID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("call %s on %s: %w", toolName, owner, err)
	}

	if err := s.ledger.Record(toolCallID, owner, toolName, s.toolSensitive(owner, toolName)); err != nil {
		return nil, "", err
	}
	return result, toolCallID, nil
}

// WatchConfig hot-reloads server endpoints when the config file changes.
// Clients whose endpoint changed are invalidated; the rest keep their
// connections.
func (s *Session) WatchConfig(path string) error {
	watcher, err := config.Watch(path, func(cfg *config.Config) {
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		s.router.SetConfig(cfg)
		s.log.Info("config reloaded", "servers", cfg.Keys())
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	return nil
}

// Reset clears all conversation state: ledger, pending consents, consent
// cache, and the tool sensitivity index. The session keeps its id, so
// registries holding it by id stay valid; server clients and configuration
// are untouched.
func (s *Session) Reset() {
	s.ledger.Reset()
	s.consent.Reset()

	s.mu.Lock()
	s.sensitive = make(map[string]bool)
	s.mu.Unlock()

	s.log.Info("session reset")
}

// Close stops the config watcher if one is running.
func (s *Session) Close() {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		watcher.Close()
	}
}

// resolverFor adapts the router to the resolution engine's client source.
func (s *Session) resolverFor(serverKey string) (resolve.Resolver, error) {
	return s.router.ClientFor(serverKey)
}

// consentFlow is the engine's escalation hook: run the user prompt to a
// decision, acknowledge it to the blocking server, and report whether the
// engine may retry. Timeouts are denials; neither is acknowledged as an
// approval.
func (s *Session) consentFlow(ctx context.Context, serverKey string, req protocol.ConsentRequest, usage *protocol.UsageContext) error {
	destination := ""
	dataUsage := protocol.DataUsageDisplay
	if usage != nil {
		destination = usage.Target.Destination
		dataUsage = usage.DataUsage
	}

	decision, err := s.consent.Await(ctx, req, destination, dataUsage)
	if err != nil {
		// Timeout fails closed with no acknowledgement; the server applies
		// its own timeout.
		return err
	}

	client, err := s.router.ClientFor(serverKey)
	if err != nil {
		return err
	}
	ack, err := client.ProvideConsent(ctx, protocol.ProvideConsentParams{
		RequestID:      req.RequestID,
		Approved:       decision.Approved,
		RememberChoice: decision.RememberChoice,
	})
	if err != nil {
		return err
	}
	if !decision.Approved {
		return consent.ErrDenied
	}
	if ack.CachedUntil != "" {
		if until, perr := time.Parse(time.RFC3339, ack.CachedUntil); perr == nil {
			s.consent.SetCacheExpiry(destination, dataUsage, until)
		}
	}
	return nil
}

func (s *Session) clientForToolCall(toolCallID string) (*transport.Client, error) {
	serverKey, err := s.ledger.LookupServer(toolCallID)
	if err != nil {
		return nil, err
	}
	client, cerr := s.router.ClientFor(serverKey)
	if cerr != nil {
		return nil, cerr
	}
	return client, nil
}

func (s *Session) toolSensitive(serverKey, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensitive, ok := s.sensitive[serverKey+"/"+toolName]
	if !ok {
		// Unknown tools are treated as sensitive until tools/list says
		// otherwise.
		return true
	}
	return sensitive
}
