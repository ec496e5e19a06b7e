// Package jwt turns bearer tokens into actors and decides operator
// privileges from their roles.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

// claims is the token shape accepted by the API.
type claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	Roles          []string `json:"roles,omitempty"`
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string, now func() time.Time) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: now}, nil
}

// Verify parses token and returns the actor it identifies.
func (v *Verifier) Verify(token string) (domain.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Actor{}, domain.PermissionDenied("bearer token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed claims
	if _, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return domain.Actor{}, mapJWTError(err)
	}

	if strings.TrimSpace(parsed.Subject) == "" {
		return domain.Actor{}, domain.PermissionDenied("token subject is required")
	}
	if strings.TrimSpace(parsed.OrganizationID) == "" {
		return domain.Actor{}, domain.PermissionDenied("token organization is required")
	}

	return domain.Actor{
		ID:             parsed.Subject,
		OrganizationID: parsed.OrganizationID,
		Roles:          parsed.Roles,
	}, nil
}

// Sign issues a token for actor. The API never issues tokens; this serves
// tests and local tooling.
func (v *Verifier) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: actor.OrganizationID,
		Roles:          actor.Roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.WrapError(domain.CodePermissionDenied, err, "token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.WrapError(domain.CodePermissionDenied, err, "token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.WrapError(domain.CodePermissionDenied, err, "token issuer is invalid")
	default:
		return domain.WrapError(domain.CodePermissionDenied, err, "token is invalid")
	}
}

// RoleChecker grants elevated privileges to actors holding any configured role.
type RoleChecker struct {
	roles map[string]struct{}
}

// NewRoleChecker creates a checker for the given elevated roles.
func NewRoleChecker(roles ...string) *RoleChecker {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
			set[r] = struct{}{}
		}
	}
	return &RoleChecker{roles: set}
}

func (c *RoleChecker) HasElevatedRole(actor domain.Actor) bool {
	for _, r := range actor.Roles {
		if _, ok := c.roles[strings.ToLower(r)]; ok {
			return true
		}
	}
	return false
}

var _ ports.PrivilegeChecker = (*RoleChecker)(nil)
