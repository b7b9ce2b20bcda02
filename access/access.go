// Package access builds usage contexts and classifies server errors.
//
// Every resolution attempt carries a usage context: who is asking, for what
// purpose, and at what usage level. Errors coming back from a server are
// sorted into three kinds the caller can act on — consent required
// (recoverable through the consent flow), access denied (terminal for the
// attempt), and everything else.
package access

import (
	"errors"
	"time"

	"github.com/zhubert/veil-core/protocol"
)

// Kind is the coarse classification of a server error.
type Kind int

const (
	// KindOther covers transport failures, malformed responses, and any
	// unrecognized error shape.
	KindOther Kind = iota
	// KindConsentRequired means the server is waiting on a user decision.
	KindConsentRequired
	// KindAccessDenied means the server refused and will keep refusing;
	// the attempt must not be retried automatically.
	KindAccessDenied
)

// Classification is the result of classifying one error.
type Classification struct {
	Kind Kind

	// Consent is set when Kind is KindConsentRequired.
	Consent *protocol.ConsentRequest

	// Code and Message are set when Kind is KindAccessDenied.
	Code    int
	Message string

	// Err is the original error, always set for KindOther.
	Err error
}

// Classify sorts an error into its kind. It never fails on malformed input:
// anything unrecognized — including a consent-required error whose payload
// is too broken to act on — classifies as KindOther.
func Classify(err error) Classification {
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		return Classification{Kind: KindOther, Err: err}
	}

	switch rpcErr.Code {
	case protocol.CodeConsentRequired:
		consent := protocol.ConsentRequestFromError(rpcErr)
		if consent == nil {
			// No usable request id means the consent flow can't run.
			return Classification{Kind: KindOther, Err: err}
		}
		return Classification{Kind: KindConsentRequired, Consent: consent}
	case protocol.CodeInsufficientPermissions,
		protocol.CodeInvalidDataUsage,
		protocol.CodeInvalidTarget,
		protocol.CodeConsentDenied,
		protocol.CodeConsentTimeout:
		return Classification{Kind: KindAccessDenied, Code: rpcErr.Code, Message: rpcErr.Message, Err: err}
	default:
		return Classification{Kind: KindOther, Err: err}
	}
}

// Builder stamps usage contexts with the requesting host and session.
type Builder struct {
	hostID    string
	sessionID string
	now       func() time.Time
}

// NewBuilder creates a usage-context builder for one session.
func NewBuilder(hostID, sessionID string) *Builder {
	return &Builder{hostID: hostID, sessionID: sessionID, now: time.Now}
}

// BuildUsageContext constructs a usage context, stamping the timestamp at
// call time. purpose and llmMetadata may be zero-valued.
func (b *Builder) BuildUsageContext(usage protocol.DataUsage, targetType protocol.TargetType, destination, purpose string, llmMetadata map[string]any) *protocol.UsageContext {
	return &protocol.UsageContext{
		DataUsage: usage,
		Requester: protocol.Requester{
			HostID:    b.hostID,
			SessionID: b.sessionID,
			Timestamp: b.now().UTC().Format(time.RFC3339),
		},
		Target: protocol.Target{
			Type:        targetType,
			Destination: destination,
			Purpose:     purpose,
			LLMMetadata: llmMetadata,
		},
	}
}
