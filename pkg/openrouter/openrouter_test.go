package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if client := NewClient(Config{APIKey: "   "}); client != nil {
		t.Fatal("expected nil client without an api key")
	}
	if client := NewClient(Config{APIKey: "key-1"}); client == nil {
		t.Fatal("expected a client with an api key")
	}
}

func TestVerifyCredentials(t *testing.T) {
	t.Parallel()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key-1", BaseURL: server.URL})
	if client == nil {
		t.Fatal("NewClient() returned nil")
	}
	if err := VerifyCredentials(context.Background(), client); err != nil {
		t.Fatalf("VerifyCredentials() error = %v", err)
	}
	if gotAuth != "Bearer key-1" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
}

func TestVerifyCredentialsRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad-key", BaseURL: server.URL})
	if err := VerifyCredentials(context.Background(), client); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}

func TestVerifyCredentialsNilClient(t *testing.T) {
	t.Parallel()

	if err := VerifyCredentials(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
