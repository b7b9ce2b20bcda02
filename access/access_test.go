package access

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zhubert/veil-core/protocol"
)

func TestClassifyConsentRequired(t *testing.T) {
	err := &protocol.RPCError{
		Code:    protocol.CodeConsentRequired,
		Message: "consent required",
		Data:    json.RawMessage(`{"consent_request":{"request_id":"c1","message":"Allow?","timeout_seconds":30,"allow_remember":true}}`),
	}

	c := Classify(err)
	if c.Kind != KindConsentRequired {
		t.Fatalf("kind = %v", c.Kind)
	}
	if c.Consent == nil || c.Consent.RequestID != "c1" || c.Consent.TimeoutSeconds != 30 {
		t.Errorf("consent = %+v", c.Consent)
	}
}

func TestClassifyConsentRequiredWithBrokenPayload(t *testing.T) {
	// A -32007 without a usable request id can't enter the consent flow
	err := &protocol.RPCError{
		Code: protocol.CodeConsentRequired,
		Data: json.RawMessage(`{"unexpected":"shape"}`),
	}

	c := Classify(err)
	if c.Kind != KindOther {
		t.Errorf("kind = %v, want KindOther for unusable consent payload", c.Kind)
	}
	if c.Err == nil {
		t.Error("original error should be preserved")
	}
}

func TestClassifyAccessDenied(t *testing.T) {
	codes := []int{
		protocol.CodeInsufficientPermissions,
		protocol.CodeInvalidDataUsage,
		protocol.CodeInvalidTarget,
		protocol.CodeConsentDenied,
		protocol.CodeConsentTimeout,
	}

	for _, code := range codes {
		c := Classify(&protocol.RPCError{Code: code, Message: "no"})
		if c.Kind != KindAccessDenied {
			t.Errorf("code %d: kind = %v, want KindAccessDenied", code, c.Kind)
		}
		if c.Code != code || c.Message != "no" {
			t.Errorf("code %d: classification = %+v", code, c)
		}
	}
}

func TestClassifyOther(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "plain error", err: errors.New("connection refused")},
		{name: "nil error", err: nil},
		{name: "internal rpc error", err: &protocol.RPCError{Code: protocol.CodeInternal, Message: "boom"}},
		{name: "cache miss", err: &protocol.RPCError{Code: protocol.CodeCacheMiss}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Kind != KindOther {
				t.Errorf("kind = %v, want KindOther", c.Kind)
			}
		})
	}
}

func TestClassifyWrappedRPCError(t *testing.T) {
	inner := &protocol.RPCError{Code: protocol.CodeInsufficientPermissions, Message: "no"}
	wrapped := errors.Join(errors.New("crm mcpp/resolve_placeholders"), inner)

	c := Classify(wrapped)
	if c.Kind != KindAccessDenied {
		t.Errorf("kind = %v, wrapped rpc errors should still classify", c.Kind)
	}
}

func TestBuildUsageContext(t *testing.T) {
	b := NewBuilder("host-1", "sess-1")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	ctx := b.BuildUsageContext(protocol.DataUsageDisplay, protocol.TargetClient, "chat-ui", "render message", nil)

	if ctx.DataUsage != protocol.DataUsageDisplay {
		t.Errorf("data usage = %q", ctx.DataUsage)
	}
	if ctx.Requester.HostID != "host-1" || ctx.Requester.SessionID != "sess-1" {
		t.Errorf("requester = %+v", ctx.Requester)
	}
	if ctx.Requester.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", ctx.Requester.Timestamp)
	}
	if ctx.Target.Type != protocol.TargetClient || ctx.Target.Destination != "chat-ui" {
		t.Errorf("target = %+v", ctx.Target)
	}
	if ctx.Target.Purpose != "render message" {
		t.Errorf("purpose = %q", ctx.Target.Purpose)
	}
}

func TestBuildUsageContextStampsCurrentTime(t *testing.T) {
	b := NewBuilder("host-1", "sess-1")

	before := time.Now().UTC().Add(-time.Second)
	ctx := b.BuildUsageContext(protocol.DataUsageProcess, protocol.TargetLLM, "model", "", nil)
	after := time.Now().UTC().Add(time.Second)

	stamp, err := time.Parse(time.RFC3339, ctx.Requester.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q: %v", ctx.Requester.Timestamp, err)
	}
	if stamp.Before(before) || stamp.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", stamp, before, after)
	}
}
