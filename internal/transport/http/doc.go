// Package http exposes the service over a chi-routed REST API: device
// registration and revocation, license issuance and lifecycle, session
// heartbeats, packaging jobs, manifest retrieval, key rotation and
// license-gated key delivery.
package http
