package license

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "mediavault/internal/errors"
)

// ticketClaims is the playback ticket payload issued by the entitlement
// service. The subject carries the user id and cid the content id.
type ticketClaims struct {
	ContentID string `json:"cid"`
	jwt.RegisteredClaims
}

// TicketVerifier validates externally issued playback tickets (HS256).
type TicketVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTicketVerifier creates a verifier for tickets signed with the shared
// secret.
func NewTicketVerifier(secret string) *TicketVerifier {
	return &TicketVerifier{secret: []byte(secret), now: time.Now}
}

// Verify checks the ticket signature, expiry, and that the ticket was issued
// for exactly this content and user. Any failure reports an invalid ticket
// without detail so callers cannot probe for the reason.
func (v *TicketVerifier) Verify(ticket, contentID, userID string) error {
	var claims ticketClaims
	token, err := jwt.ParseWithClaims(ticket, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return fmt.Errorf("ticket rejected: %w", apperrors.ErrInvalidTicket)
	}
	if claims.ContentID != contentID || claims.Subject != userID {
		return fmt.Errorf("ticket binding mismatch: %w", apperrors.ErrInvalidTicket)
	}
	return nil
}

// MintTicket signs a playback ticket for the content and user. Used by the
// entitlement stub and by tests; a production deployment receives tickets
// from the upstream entitlement service instead.
func MintTicket(secret, contentID, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ticketClaims{
		ContentID: contentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}
