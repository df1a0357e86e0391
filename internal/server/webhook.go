package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	SignaturePrefix = "sha256="
)

// VerifySignature verifies the HMAC-SHA256 signature from GitHub webhook
func VerifySignature(payload []byte, signature, secret string) bool {
	// Signature format: "sha256=<hex_digest>"
	receivedMAC, ok := strings.CutPrefix(signature, SignaturePrefix)
	if !ok || receivedMAC == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(expectedMAC), []byte(receivedMAC))
}

// HandleGitHubWebhook starts a run for pull_request and push events. The run
// reconciles everything, so the payload is only authenticated, not parsed.
func (s *Server) HandleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	// ContentLength can be -1 if not set, the body is limited below as well
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		s.logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}
	if len(body) > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), s.opts.WebhookSecret) {
		s.logger.Warn("Rejected webhook with invalid signature", "ip", r.RemoteAddr)
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	logger := s.logger.With("event", event, "delivery", delivery)

	switch event {
	case "ping":
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	case "pull_request", "push":
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Ignoring %s event", event)})
		return
	}

	if !s.opts.Trigger.Trigger(s.runCtx, "webhook "+event+" "+delivery) {
		logger.Info("Run already in progress, webhook not triggering")
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Run already in progress"})
		return
	}

	logger.Info("Run triggered by webhook")
	s.respondJSON(w, http.StatusAccepted, map[string]string{"message": "Run started"})
}
