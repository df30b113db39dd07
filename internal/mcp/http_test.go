package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSend(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotSession = r.Header.Get("Mcp-Session")

		w.Header().Set("Mcp-Session", "sess-1")
		resp := Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage(`{}`)}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})

	resp, err := tr.Send(t.Context(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("id = %d", resp.ID)
	}

	// Session ID captured from the first response rides on the second.
	if _, err := tr.Send(t.Context(), NewRequest(2, "ping", nil)); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if gotSession != "sess-1" {
		t.Errorf("session header = %q, want sess-1", gotSession)
	}
}

func TestHTTPTransportSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(t.Context(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPTransportNotifyAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if err := tr.Notify(t.Context(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Errorf("Notify: %v", err)
	}
}
