// Package auth resolves a client token into the permission flags sessions
// check. Policy beyond read/write flags is out of scope: a token either
// grants a permission for a namespace or it does not.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rzbill/colla/internal/config"
)

// Permission is a flag attached to a session.
type Permission string

const (
	Read  Permission = "read"
	Write Permission = "write"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Resource is what a session is being opened against.
type Resource struct {
	Namespace string
	Kind      string
	ID        string
}

// Grant is the outcome of a successful verification.
type Grant struct {
	Subject     string
	Permissions mapset.Set[Permission]
}

// Has reports whether the grant carries p.
func (g Grant) Has(p Permission) bool {
	return g.Permissions != nil && g.Permissions.Contains(p)
}

// Verifier checks a token for a resource.
type Verifier interface {
	Verify(ctx context.Context, token string, res Resource) (Grant, error)
}

// Claims is the JWT payload colla understands.
type Claims struct {
	// Namespace restricts the token to one namespace; empty allows any.
	Namespace   string   `json:"ns,omitempty"`
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// JWT verifies HMAC-signed tokens.
type JWT struct {
	secret         []byte
	parser         *jwt.Parser
	allowAnonymous bool
}

// NewJWT returns a verifier for tokens signed with secret. With
// allowAnonymous an empty token is granted read access.
func NewJWT(secret, issuer string, allowAnonymous bool) *JWT {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWT{secret: []byte(secret), parser: jwt.NewParser(opts...), allowAnonymous: allowAnonymous}
}

func (v *JWT) Verify(_ context.Context, token string, res Resource) (Grant, error) {
	if token == "" {
		if v.allowAnonymous {
			return Grant{Subject: "anonymous", Permissions: mapset.NewSet(Read)}, nil
		}
		return Grant{}, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	perms := mapset.NewSet[Permission]()
	if claims.Namespace == "" || claims.Namespace == res.Namespace {
		for _, p := range claims.Permissions {
			perms.Add(Permission(p))
		}
	}
	return Grant{Subject: claims.Subject, Permissions: perms}, nil
}

// Open grants read and write to every token. For development servers only.
type Open struct{}

func (Open) Verify(_ context.Context, token string, _ Resource) (Grant, error) {
	subject := token
	if subject == "" {
		subject = "anonymous"
	}
	return Grant{Subject: subject, Permissions: mapset.NewSet(Read, Write)}, nil
}

// New builds the verifier cfg describes.
func New(cfg config.AuthConfig) Verifier {
	if cfg.JWTSecret == "" && cfg.AllowAnonymous {
		return Open{}
	}
	return NewJWT(cfg.JWTSecret, cfg.Issuer, cfg.AllowAnonymous)
}

// Issue signs a token. Used by the CLI and tests.
func Issue(secret, issuer, subject, namespace string, ttl time.Duration, perms ...Permission) (string, error) {
	now := time.Now()
	claims := Claims{
		Namespace: namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	for _, p := range perms {
		claims.Permissions = append(claims.Permissions, string(p))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
