// Package token implements the broker's compact signed token codec. Tokens
// are HS256 JWTs signed with one process-wide shared secret; they are
// stateless and carry no revocation list. The codec verifies format and
// signature only; claim checks (exp, nbf, iss) belong to the caller.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidFormat marks a token that does not match the three-segment
	// compact serialization.
	ErrInvalidFormat = errors.New("token: invalid format")
	// ErrSignatureMismatch marks a token whose recomputed HMAC does not equal
	// the signature segment.
	ErrSignatureMismatch = errors.New("token: signature mismatch")
)

// Codec signs and verifies tokens with a single shared secret.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec. The secret must be non-empty.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("token: empty signing secret")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Encode signs the claims mapping into a compact HS256 token.
func (c *Codec) Encode(claims map[string]interface{}) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the claims mapping. No claim
// validation is performed here.
func (c *Codec) Decode(tokenStr string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to the codec's sentinels.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
}
