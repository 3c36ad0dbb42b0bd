// Package device implements device identity: registration, fingerprinting,
// trust classification and revocation. Revoking a device cascades into
// license revocation through the LicenseRevoker binding.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// TrustLevel classifies how much the service trusts a device.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
	TrustUnknown   TrustLevel = "unknown"
)

// Device represents a registered playback device. A device belongs to
// exactly one user and is soft-revoked, never hard-deleted.
type Device struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Fingerprint  string     `json:"fingerprint"`
	TrustLevel   TrustLevel `json:"trust_level"`
	UserAgent    string     `json:"user_agent,omitempty"`
	Platform     string     `json:"platform,omitempty"`
	DeviceType   string     `json:"device_type,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsRevoked    bool       `json:"is_revoked"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
}

// Info carries the client-reported attributes used at registration.
type Info struct {
	UserAgent  string `json:"user_agent"`
	Platform   string `json:"platform"`
	DeviceType string `json:"device_type"`
	Jailbroken bool   `json:"jailbroken"`
}

// ComputeFingerprint derives the device fingerprint from the reported
// attributes. Same factor-join-hash for every caller so spoof detection
// across users works.
func ComputeFingerprint(info Info) string {
	factors := []string{info.UserAgent, info.Platform, info.DeviceType}
	combined := strings.Join(factors, "|")
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}
