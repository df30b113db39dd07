package prompt

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSyncerAppliesPersona(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"activeAgent":{"name":"Archivist","systemRole":"You are Archivist.","systemPrompt":"Answer from the archive.","openingLine":"The archive is open."}}`)
	}))
	defer srv.Close()

	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(srv.URL, m, nil)

	if err := s.Sync(t.Context()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	p := m.ActivePersona()
	if p == nil || p.Name != "Archivist" {
		t.Fatalf("persona = %+v", p)
	}
	if m.Greeting() != "The archive is open." {
		t.Errorf("Greeting = %q", m.Greeting())
	}
	if m.NeedsResync(time.Now()) {
		t.Error("state must be fresh right after Sync")
	}
}

func TestSyncerClearsPersona(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"activeAgent":null}`)
	}))
	defer srv.Close()

	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	m.SetPersona(Persona{Name: "Old"})

	s := NewSyncer(srv.URL, m, nil)
	if err := s.Sync(t.Context()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if m.ActivePersona() != nil {
		t.Error("persona not cleared on empty activation state")
	}
}

func TestSyncerFailureKeepsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	m.SetPersona(Persona{Name: "Kept"})

	s := NewSyncer(srv.URL, m, nil)
	if err := s.Sync(t.Context()); err == nil {
		t.Fatal("expected error from failing endpoint")
	}

	if p := m.ActivePersona(); p == nil || p.Name != "Kept" {
		t.Errorf("persona lost on sync failure: %+v", p)
	}
	if !m.NeedsResync(time.Now()) {
		t.Error("failed sync must not mark state fresh")
	}
}

func TestSyncerNoURL(t *testing.T) {
	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSyncer("", m, nil)
	if err := s.Sync(t.Context()); err != nil {
		t.Fatalf("Sync with no URL: %v", err)
	}
	if m.NeedsResync(time.Now()) {
		t.Error("no-op sync should still mark state fresh")
	}
}

func TestSyncIfStaleSkipsFresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"success":true,"activeAgent":null}`)
	}))
	defer srv.Close()

	m, err := NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(srv.URL, m, nil)

	if err := s.SyncIfStale(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncIfStale(t.Context()); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("activation API called %d times, want 1 (second state fresh)", calls)
	}
}
