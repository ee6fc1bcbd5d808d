// Package auth validates bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
	RoleShopper Role = "shopper"
)

func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleAdmin, RoleOwner, RoleShopper:
		return true
	}
	return false
}

// Principal is the authenticated caller. OrganizationID is nil for shopper tokens.
type Principal struct {
	Subject        uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
}

// Member reports whether p acts for an organization (any non-shopper role).
func (p *Principal) Member() bool {
	return p.Role != RoleShopper && p.OrganizationID != uuid.Nil
}

type Service interface {
	IssueToken(ctx context.Context, p Principal, ttl time.Duration) (string, error)
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

type service struct {
	secret []byte
	issuer string
}

// NewService signs and verifies HS256 tokens with secret.
func NewService(secret, issuer string) (*service, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &service{secret: []byte(secret), issuer: issuer}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Org  string `json:"org,omitempty"`
	Role Role   `json:"role"`
}

// IssueToken is used by tests and local tooling; production tokens come from the identity provider.
func (s *service) IssueToken(_ context.Context, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject.String(),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: p.Role,
	}
	if p.OrganizationID != uuid.Nil {
		c.Org = p.OrganizationID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	if !c.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	p := &Principal{Subject: sub, Role: c.Role}
	if c.Role != RoleShopper {
		org, err := uuid.Parse(c.Org)
		if err != nil {
			return nil, fmt.Errorf("%w: org claim is required for role %s", ErrInvalidToken, c.Role)
		}
		p.OrganizationID = org
	}
	return p, nil
}
