package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestProxyRequestJSONFieldNames(t *testing.T) {
	var req ProxyRequest
	if err := json.Unmarshal([]byte(`{"url":"example.com","sessionId":"tab-1","headers":{"X-A":"b"}}`), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.URL != "example.com" || req.SessionID != "tab-1" || req.Headers["X-A"] != "b" {
		t.Errorf("unexpected decode: %+v", req)
	}
}

func TestProxyResponseJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(ProxyResponse{Success: true, Headers: map[string]string{}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"success"`, `"content"`, `"statusCode"`, `"headers"`, `"contentLength"`, `"finalUrl"`, `"contentType"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected field %s not found in JSON: %s", field, jsonStr)
		}
	}
}

func TestErrorResponseBlockedOmitted(t *testing.T) {
	data, _ := json.Marshal(ErrorResponse{Error: "Connection error"})
	if strings.Contains(string(data), "blocked") {
		t.Errorf("blocked should be omitted when false: %s", data)
	}

	data, _ = json.Marshal(ErrorResponse{Error: "Access to localhost is not allowed", Blocked: true})
	if !strings.Contains(string(data), `"blocked":true`) {
		t.Errorf("blocked should be present: %s", data)
	}
}

func TestProxyRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ProxyRequest
		wantErr error
	}{
		{"valid", ProxyRequest{URL: "example.com"}, nil},
		{"missing url", ProxyRequest{}, ErrURLRequired},
		{"blank url", ProxyRequest{URL: "   "}, ErrURLRequired},
		{"url too long", ProxyRequest{URL: "https://example.com/" + strings.Repeat("a", MaxURLLength)}, ErrURLTooLong},
		{"session too long", ProxyRequest{URL: "example.com", SessionID: strings.Repeat("s", MaxSessionIDLength+1)}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
