package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/zhubert/veil-core/ledger"
	"github.com/zhubert/veil-core/protocol"
)

// fakeServer resolves placeholders from a fixed value table, keyed by
// model-form literal. It can be primed to fail, or to demand consent until
// one is provided.
type fakeServer struct {
	mu           sync.Mutex
	key          string
	values       map[string]string
	failWith     error
	needsConsent *protocol.ConsentRequest
	calls        int
}

func (f *fakeServer) ServerKey() string { return f.key }

func (f *fakeServer) ResolvePlaceholders(ctx context.Context, params protocol.ResolvePlaceholdersParams) (*protocol.ResolvePlaceholdersResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.needsConsent != nil {
		data, _ := json.Marshal(map[string]any{"consent_request": f.needsConsent})
		return nil, &protocol.RPCError{
			Code:    protocol.CodeConsentRequired,
			Message: "consent required",
			Data:    data,
		}
	}

	resolved := make(map[string]string)
	for key, literal := range params.Data {
		if value, ok := f.values[literal]; ok {
			resolved[key] = value
		}
	}
	return &protocol.ResolvePlaceholdersResult{ResolvedData: resolved}, nil
}

// approveConsent clears the consent demand, as a server does once it records
// an approval.
func (f *fakeServer) approveConsent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsConsent = nil
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sourceFor(servers ...*fakeServer) ClientSource {
	return func(key string) (Resolver, error) {
		for _, s := range servers {
			if s.key == key {
				return s, nil
			}
		}
		return nil, fmt.Errorf("unknown server %q", key)
	}
}

func recordCall(t *testing.T, led *ledger.Ledger, id, server string) {
	t.Helper()
	if err := led.Record(id, server, "get_contacts", true); err != nil {
		t.Fatalf("Record(%s) error = %v", id, err)
	}
}

func TestResolveTextNoPlaceholders(t *testing.T) {
	e := NewEngine(sourceFor(), ledger.New(), nil)

	result := e.ResolveText(context.Background(), "just plain text", nil)
	if result.Text != "just plain text" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Status.Total != 0 {
		t.Errorf("Total = %d, want 0", result.Status.Total)
	}
	if result.Status.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1", result.Status.SuccessRate)
	}
}

func TestResolveTextSimple(t *testing.T) {
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_1.0.name}": "Ada Lovelace",
	}}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	e := NewEngine(sourceFor(contacts), led, nil)
	result := e.ResolveText(context.Background(), "Say hi to {call_1.0.name}!", nil)

	if result.Text != "Say hi to Ada Lovelace!" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Status.Resolved != 1 || result.Status.Total != 1 {
		t.Errorf("Status = %+v", result.Status)
	}
	if len(result.Status.Failed) != 0 {
		t.Errorf("Failed = %v", result.Status.Failed)
	}
}

func TestResolveTextWirePrefixOverridesLedger(t *testing.T) {
	// The ledger says call_9 belongs to "mail", but the wire prefix names
	// "contacts" and the prefix wins.
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_9.0.email}": "ada@example.com",
	}}
	mail := &fakeServer{key: "mail", values: map[string]string{}}
	led := ledger.New()
	recordCall(t, led, "call_9", "mail")

	e := NewEngine(sourceFor(contacts, mail), led, nil)
	result := e.ResolveText(context.Background(), "Send to {contacts:call_9.0.email}", nil)

	if result.Text != "Send to ada@example.com" {
		t.Errorf("Text = %q", result.Text)
	}
	if mail.callCount() != 0 {
		t.Errorf("mail server called %d times, want 0", mail.callCount())
	}
}

func TestResolveTextUnroutable(t *testing.T) {
	e := NewEngine(sourceFor(), ledger.New(), nil)

	text := "Unknown {ghost_call.0.name} here"
	result := e.ResolveText(context.Background(), text, nil)

	if result.Text != text {
		t.Errorf("Text = %q, want original preserved", result.Text)
	}
	if result.Status.Resolved != 0 || result.Status.Total != 1 {
		t.Errorf("Status = %+v", result.Status)
	}
	if len(result.Status.Failed) != 1 || result.Status.Failed[0] != "ghost_call.0.name" {
		t.Errorf("Failed = %v, want bare token body", result.Status.Failed)
	}
}

func TestResolveTextFanOutIsolation(t *testing.T) {
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_1.0.name}": "Ada",
	}}
	mail := &fakeServer{key: "mail", failWith: errors.New("connection refused")}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")
	recordCall(t, led, "call_2", "mail")

	e := NewEngine(sourceFor(contacts, mail), led, nil)
	result := e.ResolveText(context.Background(), "{call_1.0.name} wrote {call_2.0.subject}", nil)

	if result.Text != "Ada wrote {call_2.0.subject}" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Status.Resolved != 1 || result.Status.Total != 2 {
		t.Errorf("Status = %+v", result.Status)
	}
	if err := result.ServerErrors["mail"]; err == nil {
		t.Error("expected ServerErrors entry for mail")
	}
	if _, ok := result.ServerErrors["contacts"]; ok {
		t.Error("unexpected ServerErrors entry for contacts")
	}
}

func TestResolveTextBatchesPerServer(t *testing.T) {
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_1.0.name}": "Ada",
		"{call_1.1.name}": "Grace",
		"{call_3.0.name}": "Edsger",
	}}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")
	recordCall(t, led, "call_3", "contacts")

	e := NewEngine(sourceFor(contacts), led, nil)
	result := e.ResolveText(context.Background(),
		"{call_1.0.name}, {call_1.1.name} and {call_3.0.name}", nil)

	if result.Text != "Ada, Grace and Edsger" {
		t.Errorf("Text = %q", result.Text)
	}
	if contacts.callCount() != 1 {
		t.Errorf("contacts called %d times, want one batched call", contacts.callCount())
	}
}

func TestResolveTextConsentRetry(t *testing.T) {
	contacts := &fakeServer{
		key:          "contacts",
		values:       map[string]string{"{call_1.0.ssn}": "redacted-on-approval"},
		needsConsent: &protocol.ConsentRequest{RequestID: "cr-1", Message: "Share SSN?"},
	}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	consentCalls := 0
	consent := func(ctx context.Context, serverKey string, req protocol.ConsentRequest, usage *protocol.UsageContext) error {
		consentCalls++
		if req.RequestID != "cr-1" {
			t.Errorf("consent RequestID = %q", req.RequestID)
		}
		if serverKey != "contacts" {
			t.Errorf("consent serverKey = %q", serverKey)
		}
		contacts.approveConsent()
		return nil
	}

	e := NewEngine(sourceFor(contacts), led, consent)
	result := e.ResolveText(context.Background(), "Value: {call_1.0.ssn}", nil)

	if result.Text != "Value: redacted-on-approval" {
		t.Errorf("Text = %q", result.Text)
	}
	if consentCalls != 1 {
		t.Errorf("consent hook called %d times, want 1", consentCalls)
	}
	if contacts.callCount() != 2 {
		t.Errorf("server called %d times, want blocked call plus one retry", contacts.callCount())
	}
}

func TestResolveTextConsentDeniedNoRetry(t *testing.T) {
	contacts := &fakeServer{
		key:          "contacts",
		needsConsent: &protocol.ConsentRequest{RequestID: "cr-2", Message: "Share?"},
	}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	denied := errors.New("user denied")
	consent := func(ctx context.Context, serverKey string, req protocol.ConsentRequest, usage *protocol.UsageContext) error {
		return denied
	}

	e := NewEngine(sourceFor(contacts), led, consent)
	result := e.ResolveText(context.Background(), "{call_1.0.ssn}", nil)

	if result.Status.Resolved != 0 {
		t.Errorf("Resolved = %d, want 0", result.Status.Resolved)
	}
	if !errors.Is(result.ServerErrors["contacts"], denied) {
		t.Errorf("ServerErrors[contacts] = %v, want denial", result.ServerErrors["contacts"])
	}
	if contacts.callCount() != 1 {
		t.Errorf("server called %d times, want 1 (no retry after denial)", contacts.callCount())
	}
}

func TestResolveTextConsentWithoutHookIsTerminal(t *testing.T) {
	contacts := &fakeServer{
		key:          "contacts",
		needsConsent: &protocol.ConsentRequest{RequestID: "cr-3"},
	}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	e := NewEngine(sourceFor(contacts), led, nil)
	result := e.ResolveText(context.Background(), "{call_1.0.name}", nil)

	if result.Status.Resolved != 0 {
		t.Errorf("Resolved = %d, want 0", result.Status.Resolved)
	}
	var rpcErr *protocol.RPCError
	if !errors.As(result.ServerErrors["contacts"], &rpcErr) || rpcErr.Code != protocol.CodeConsentRequired {
		t.Errorf("ServerErrors[contacts] = %v", result.ServerErrors["contacts"])
	}
}

func TestResolveTextPartialBatch(t *testing.T) {
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_1.0.name}": "Ada",
		// call_1.1.name missing from the server's table
	}}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	e := NewEngine(sourceFor(contacts), led, nil)
	result := e.ResolveText(context.Background(), "{call_1.0.name} and {call_1.1.name}", nil)

	if result.Text != "Ada and {call_1.1.name}" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Status.Resolved != 1 || result.Status.Total != 2 {
		t.Errorf("Status = %+v", result.Status)
	}
	if len(result.Status.Failed) != 1 || result.Status.Failed[0] != "call_1.1.name" {
		t.Errorf("Failed = %v, want bare token body", result.Status.Failed)
	}
	if result.Status.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", result.Status.SuccessRate)
	}
}

func TestResolveTextRepeatedPlaceholder(t *testing.T) {
	contacts := &fakeServer{key: "contacts", values: map[string]string{
		"{call_1.0.name}": "Ada",
	}}
	led := ledger.New()
	recordCall(t, led, "call_1", "contacts")

	e := NewEngine(sourceFor(contacts), led, nil)
	result := e.ResolveText(context.Background(), "{call_1.0.name} is {call_1.0.name}", nil)

	if result.Text != "Ada is Ada" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Status.Total != 1 {
		t.Errorf("Total = %d, want 1 (deduplicated)", result.Status.Total)
	}
}
