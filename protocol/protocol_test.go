package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: CodeConsentRequired, Message: "consent required"}
	if got := err.Error(); got != "rpc error -32007: consent required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestConsentRequestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  *RPCError
		want *ConsentRequest
	}{
		{
			name: "well-formed consent error",
			err: &RPCError{
				Code:    CodeConsentRequired,
				Message: "consent required",
				Data:    json.RawMessage(`{"consent_request":{"request_id":"c1","message":"Share email with CRM?","timeout_seconds":30,"allow_remember":true}}`),
			},
			want: &ConsentRequest{RequestID: "c1", Message: "Share email with CRM?", TimeoutSeconds: 30, AllowRemember: true},
		},
		{
			name: "wrong error code",
			err: &RPCError{
				Code: CodeInsufficientPermissions,
				Data: json.RawMessage(`{"consent_request":{"request_id":"c1"}}`),
			},
			want: nil,
		},
		{
			name: "no data payload",
			err:  &RPCError{Code: CodeConsentRequired},
			want: nil,
		},
		{
			name: "malformed data payload",
			err: &RPCError{
				Code: CodeConsentRequired,
				Data: json.RawMessage(`not json`),
			},
			want: nil,
		},
		{
			name: "missing request id",
			err: &RPCError{
				Code: CodeConsentRequired,
				Data: json.RawMessage(`{"consent_request":{"message":"hi"}}`),
			},
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConsentRequestFromError(tt.err)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ConsentRequestFromError = %+v, want %+v", got, tt.want)
			}
			if got == nil {
				return
			}
			if *got != *tt.want {
				t.Errorf("ConsentRequestFromError = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResponseUnmarshal(t *testing.T) {
	t.Run("result response", func(t *testing.T) {
		raw := `{"jsonrpc":"2.0","id":1,"result":{"resolved_data":{"k0":"Ada"}}}`
		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error)
		}
		var result ResolvePlaceholdersResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if result.ResolvedData["k0"] != "Ada" {
			t.Errorf("resolved_data = %v", result.ResolvedData)
		}
	})

	t.Run("error response", func(t *testing.T) {
		raw := `{"jsonrpc":"2.0","id":2,"error":{"code":-32005,"message":"insufficient permissions"}}`
		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error")
		}
		if resp.Error.Code != CodeInsufficientPermissions {
			t.Errorf("code = %d, want %d", resp.Error.Code, CodeInsufficientPermissions)
		}
	})
}

func TestFetchedDataTable(t *testing.T) {
	d := &FetchedData{
		Type:    "table",
		Payload: json.RawMessage(`{"columns":["name","email"],"rows":[["{call_1.0.name}","{call_1.0.email}"]]}`),
	}

	table, err := d.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(table.Columns) != 2 || table.Columns[1] != "email" {
		t.Errorf("columns = %v", table.Columns)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("rows = %v", table.Rows)
	}

	if _, err := d.KeyValue(); err == nil {
		t.Error("KeyValue on table data should fail")
	} else if !strings.Contains(err.Error(), "not keyValue") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchedDataKeyValue(t *testing.T) {
	d := &FetchedData{
		Type:    "keyValue",
		Payload: json.RawMessage(`{"ssn":"{call_2.0.ssn}"}`),
	}

	kv, err := d.KeyValue()
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if kv["ssn"] != "{call_2.0.ssn}" {
		t.Errorf("kv = %v", kv)
	}

	if _, err := d.Table(); err == nil {
		t.Error("Table on keyValue data should fail")
	}
}
