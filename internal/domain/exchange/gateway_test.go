package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
)

func TestGatewayFetchSuccess(t *testing.T) {
	var gotKey, gotAuth string
	var gotReq FetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(FetchResponse{ID: "txn-1", Status: "accepted"})
	}))
	defer srv.Close()

	c := NewHTTPGatewayClient(srv.URL, nil, time.Second, zerolog.Nop())
	resp, err := c.Fetch(context.Background(), FetchRequest{
		RequesterID: "org-1",
		TargetID:    "org-2",
		Identifiers: []fhir.Identifier{{System: fhir.SystemNationalID, Value: "PHI-1"}},
	}, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "txn-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotKey != "key-1" {
		t.Errorf("idempotency key not forwarded, got %q", gotKey)
	}
	if gotAuth != "" {
		t.Error("no token manager configured, no auth header expected")
	}
	if gotReq.TargetID != "org-2" || gotReq.Identifiers[0].Value != "PHI-1" {
		t.Errorf("request body mangled: %+v", gotReq)
	}
}

func TestGatewayRejectionIsNotNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown counterparty", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewHTTPGatewayClient(srv.URL, nil, time.Second, zerolog.Nop())
	_, err := c.Push(context.Background(), PushRequest{SenderID: "org-1"}, "key-1")

	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rejection.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unexpected status %d", rejection.StatusCode)
	}
	if fault.Is(err, fault.KindNetwork) {
		t.Error("a 4xx was received by the gateway, it is not a transport failure")
	}
}

func TestGatewayServerErrorIsNetworkFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPGatewayClient(srv.URL, nil, time.Second, zerolog.Nop())
	_, err := c.Fetch(context.Background(), FetchRequest{}, "key-1")
	if !fault.Is(err, fault.KindNetwork) {
		t.Errorf("5xx must be classified as network fault, got %v", err)
	}
}

func TestGatewayTransportFailure(t *testing.T) {
	c := NewHTTPGatewayClient("http://127.0.0.1:1", nil, 100*time.Millisecond, zerolog.Nop())
	_, err := c.Fetch(context.Background(), FetchRequest{}, "key-1")
	if !fault.Is(err, fault.KindNetwork) {
		t.Errorf("connection failure must be classified as network fault, got %v", err)
	}
}

func TestTokenManagerCachesToken(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("grant_type") != "client_credentials" {
			t.Errorf("unexpected grant type %q", r.URL.Query().Get("grant_type"))
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "opaque-token",
			"expires_in":   "3600",
		})
	}))
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "id", "secret", nil)
	for i := 0; i < 3; i++ {
		token, err := tm.Token(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if token != "opaque-token" {
			t.Fatalf("unexpected token %q", token)
		}
	}
	if requests.Load() != 1 {
		t.Errorf("expected one token request, got %d", requests.Load())
	}
}

func TestTokenManagerRejectsBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "id", "wrong", nil)
	_, err := tm.Token(context.Background())
	if !fault.Is(err, fault.KindAuthentication) {
		t.Errorf("expected authentication fault, got %v", err)
	}
}

func TestTokenExpiryPrefersExpClaim(t *testing.T) {
	exp := time.Now().Add(42 * time.Minute)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}

	got := tokenExpiry(signed, "3600")
	if got.Unix() != exp.Unix() {
		t.Errorf("expected exp claim %v, got %v", exp.Unix(), got.Unix())
	}

	// Opaque token falls back to expires_in.
	got = tokenExpiry("not-a-jwt", "600")
	want := time.Now().Add(600 * time.Second)
	if got.Before(want.Add(-5*time.Second)) || got.After(want.Add(5*time.Second)) {
		t.Errorf("expires_in fallback out of range: %v", got)
	}
}
