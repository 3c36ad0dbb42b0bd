package license

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"mediavault/internal/keyvault"
)

// Signer produces the DRM-system-specific license blob delivered to the
// player. The raw CEK passed in is zeroed by the caller after signing.
type Signer interface {
	System() string
	Sign(ctx context.Context, set *keyvault.ContentKeySet, cek []byte) (string, error)
}

// AESHLSSigner serves clear-key HLS players: the blob is the base64 of the
// raw CEK, fetched over the authorized key-delivery channel.
type AESHLSSigner struct{}

func (AESHLSSigner) System() string { return "aes-hls" }

func (AESHLSSigner) Sign(_ context.Context, _ *keyvault.ContentKeySet, cek []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(cek), nil
}

// OpaqueSigner stands in for a CDM-backed license server (Widevine,
// FairPlay, PlayReady). It emits an opaque payload carrying the key
// reference but never raw key material; the real CDM integration replaces
// this behind the same interface.
type OpaqueSigner struct {
	system string
}

// NewOpaqueSigner creates a placeholder signer for the named DRM system.
func NewOpaqueSigner(system string) *OpaqueSigner {
	return &OpaqueSigner{system: system}
}

func (s *OpaqueSigner) System() string { return s.system }

func (s *OpaqueSigner) Sign(_ context.Context, set *keyvault.ContentKeySet, _ []byte) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"system":           s.system,
		"key_id":           set.ContentKeyID,
		"rotation_version": set.RotationVersion,
	})
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", s.system, err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DefaultSigners returns the signer set keyed by DRM system name.
func DefaultSigners() map[string]Signer {
	signers := map[string]Signer{
		"aes-hls": AESHLSSigner{},
	}
	for _, system := range []string{"widevine", "fairplay", "playready"} {
		signers[system] = NewOpaqueSigner(system)
	}
	return signers
}
