package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", makeSignature(payload, testSecret), true},
		{"wrong secret", makeSignature(payload, "wrong-secret-at-least-32-chars-long-x"), false},
		{"missing", "", false},
		{"no prefix", "abc123def456", false},
		{"wrong prefix", "sha1=abc123def456", false},
		{"no equals", "sha256abc123def456", false},
		{"empty after prefix", "sha256=", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(payload, tt.signature, testSecret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignature_ModifiedPayload(t *testing.T) {
	signature := makeSignature([]byte(`{"action":"opened"}`), testSecret)
	if VerifySignature([]byte(`{"action":"closed"}`), signature, testSecret) {
		t.Error("signature accepted for a modified payload")
	}
}

func TestHandleGitHubWebhook(t *testing.T) {
	payload := []byte(`{"action":"synchronize","number":42}`)

	tests := []struct {
		name        string
		event       string
		secret      string
		busy        bool
		wantCode    int
		wantHolders []string
	}{
		{"pull request triggers", "pull_request", testSecret, false, http.StatusAccepted, []string{"webhook pull_request d-1"}},
		{"push triggers", "push", testSecret, false, http.StatusAccepted, []string{"webhook push d-1"}},
		{"busy", "pull_request", testSecret, true, http.StatusConflict, nil},
		{"ping", "ping", testSecret, false, http.StatusOK, nil},
		{"other event ignored", "issues", testSecret, false, http.StatusOK, nil},
		{"bad signature", "pull_request", "wrong-secret-at-least-32-chars-long-x", false, http.StatusForbidden, nil},
		{"unsigned", "pull_request", "", false, http.StatusForbidden, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, trigger := setupTestServer(t, nil)
			trigger.busy = tt.busy

			rr := serve(s, newWebhookRequest(t, tt.event, payload, tt.secret))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if diff := cmp.Diff(tt.wantHolders, trigger.holders); diff != "" {
				t.Errorf("triggers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleGitHubWebhook_RequestChecks(t *testing.T) {
	s, _, trigger := setupTestServer(t, nil)

	t.Run("content type", func(t *testing.T) {
		req := newWebhookRequest(t, "push", []byte(`{}`), testSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if rr := serve(s, req); rr.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", rr.Code)
		}
	})

	t.Run("content type with charset", func(t *testing.T) {
		req := newWebhookRequest(t, "ping", []byte(`{}`), testSecret)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		if rr := serve(s, req); rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		big := []byte(`{"x":"` + strings.Repeat("a", MaxPayloadBytes) + `"}`)
		req := newWebhookRequest(t, "push", big, testSecret)
		if rr := serve(s, req); rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rr.Code)
		}
	})

	t.Run("payload too large without content length", func(t *testing.T) {
		big := []byte(`{"x":"` + strings.Repeat("a", MaxPayloadBytes) + `"}`)
		req := newWebhookRequest(t, "push", big, testSecret)
		req.ContentLength = -1
		if rr := serve(s, req); rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rr.Code)
		}
	})

	if len(trigger.holders) != 0 {
		t.Errorf("rejected requests triggered runs: %v", trigger.holders)
	}
}

func TestWebhookRoute_DisabledWithoutSecret(t *testing.T) {
	s, _, _ := setupTestServer(t, func(o *Options) { o.WebhookSecret = "" })

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	if rr := serve(s, req); rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want webhook route to be absent", rr.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	s, _, trigger := setupTestServer(t, func(o *Options) { o.WebhookRate = 2 })
	router := s.Router()

	codes := make([]int, 0, 3)
	for range 3 {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, newWebhookRequest(t, "ping", []byte(`{}`), testSecret))
		codes = append(codes, rr.Code)
	}
	if diff := cmp.Diff([]int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
	if len(trigger.holders) != 0 {
		t.Errorf("unexpected triggers: %v", trigger.holders)
	}
}
