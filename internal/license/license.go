// Package license issues, tracks and revokes playback licenses and their
// 1:1 playback sessions, enforcing per-user concurrency and heartbeat
// liveness.
package license

import (
	"time"
)

// SessionStatus is the playback session lifecycle state.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// License binds a content key version to a user and device for a bounded
// time. Revocation forces ExpiresAt to the revocation instant; all other
// fields are immutable after issuance and covered by Signature.
type License struct {
	LicenseID       string    `json:"license_id"`
	ContentID       string    `json:"content_id"`
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id"`
	DRMSystem       string    `json:"drm_system"`
	KeyID           string    `json:"key_id"`
	RotationVersion int       `json:"rotation_version"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Signature       string    `json:"signature"`
	Revoked         bool      `json:"revoked"`
	RevokeReason    string    `json:"revoke_reason,omitempty"`
}

// PlaybackSession is the live playback tracked alongside a license. Seq
// preserves insertion order so concurrency eviction is deterministic when
// two sessions share a start timestamp.
type PlaybackSession struct {
	SessionID     string        `json:"session_id"`
	LicenseID     string        `json:"license_id"`
	ContentID     string        `json:"content_id"`
	UserID        string        `json:"user_id"`
	DeviceID      string        `json:"device_id"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Position      float64       `json:"position"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Seq           uint64        `json:"seq"`
}

// IssueRequest carries everything needed to issue a license.
type IssueRequest struct {
	Ticket    string `json:"ticket" validate:"required"`
	ContentID string `json:"content_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	DeviceID  string `json:"device_id" validate:"required"`
	DRMSystem string `json:"drm_system" validate:"required"`
}

// IssueResult is the issuance outcome: the persisted license and session
// plus the DRM-system-specific license blob for the player.
type IssueResult struct {
	License     *License         `json:"license"`
	Session     *PlaybackSession `json:"session"`
	LicenseBlob string           `json:"license_blob"`
}
