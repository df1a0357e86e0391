// Package server implements the previewbox HTTP server.
//
// This package provides:
//   - A status page listing healthy and failing preview deployments
//   - JSON endpoints for deployments and the run journal
//   - A GitHub webhook endpoint that starts a reconciliation run
//   - Health and Prometheus metrics endpoints
//
// Security features:
//   - HMAC-SHA256 webhook signature verification
//   - Content-Type validation (application/json only)
//   - Payload size limits (1MB max)
//   - Per-IP rate limiting on the webhook endpoint
package server
