package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
)

// Claims represents JWT claims
type Claims struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is an authenticated principal.
type Identity struct {
	UserID    string
	Name      string
	Role      models.Role
	ExpiresAt time.Time

	// key is the revocation key of the credential this identity came from.
	key string
}

// Validator issues and authenticates bearer credentials.
type Validator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	revoked RevocationStore
	now     func() time.Time
}

func NewValidator(secret, issuer string, ttl time.Duration, revoked RevocationStore) *Validator {
	return &Validator{
		secret:  []byte(secret),
		issuer:  issuer,
		ttl:     ttl,
		revoked: revoked,
		now:     time.Now,
	}
}

// Issue signs a credential for u.
func (v *Validator) Issue(u *models.User) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(v.ttl)
	claims := Claims{
		UserID: u.ID,
		Name:   u.Name,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (v *Validator) parse(credential string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.TokenExpired, "token has expired")
		}
		return nil, apperr.Wrap(apperr.TokenInvalid, "invalid token", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperr.New(apperr.TokenInvalid, "invalid token")
	}
	if _, ok := models.ParseRole(string(claims.Role)); !ok {
		return nil, apperr.New(apperr.TokenInvalid, "invalid token role")
	}
	return claims, nil
}

// Authenticate verifies signature, expiry and revocation, in that order.
func (v *Validator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperr.New(apperr.TokenInvalid, "missing token")
	}

	claims, err := v.parse(credential)
	if err != nil {
		return Identity{}, err
	}

	key := digest(credential)
	revoked, err := v.revoked.IsRevoked(ctx, key)
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, apperr.New(apperr.TokenRevoked, "token revoked")
	}

	return Identity{
		UserID:    claims.UserID,
		Name:      claims.Name,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
		key:       key,
	}, nil
}

// Recheck reports whether an identity resolved earlier is still usable:
// its credential has neither expired nor been revoked since.
func (v *Validator) Recheck(ctx context.Context, id Identity) error {
	if !id.ExpiresAt.IsZero() && !v.now().Before(id.ExpiresAt) {
		return apperr.New(apperr.TokenExpired, "token has expired")
	}
	if id.key == "" {
		return nil
	}
	revoked, err := v.revoked.IsRevoked(ctx, id.key)
	if err != nil {
		return err
	}
	if revoked {
		return apperr.New(apperr.TokenRevoked, "token revoked")
	}
	return nil
}

// Revoke blocks credential until its own expiry. Expired or malformed
// credentials need no entry.
func (v *Validator) Revoke(ctx context.Context, credential string) error {
	claims, err := v.parse(credential)
	if err != nil {
		if apperr.KindOf(err) == apperr.TokenExpired {
			return nil
		}
		return err
	}
	return v.revoked.Revoke(ctx, digest(credential), claims.ExpiresAt.Time)
}

func digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// ExtractTokenFromHeader extracts token from Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is empty")
	}

	// Expected format: "Bearer <token>"
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimSpace(authHeader[len(prefix):]), nil
}
