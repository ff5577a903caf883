// Package credentials resolves the tenant credential (database ID and access
// token) that scopes every store connection.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kvexplorer/kvexplorer/internal/config"
)

// Headers carrying the credential in the multi-tenant mode
const (
	HeaderDatabaseID  = "X-KV-DB-ID"
	HeaderAccessToken = "X-KV-ACCESS-TOKEN"
)

// Credential identifies one tenant of the remote store
type Credential struct {
	DatabaseID  string
	AccessToken string
}

// Redacted returns the credential with the token masked, for logging
func (c Credential) Redacted() string {
	return fmt.Sprintf("%s/%s", c.DatabaseID, MaskToken(c.AccessToken))
}

// MaskToken keeps the last four characters of long tokens and hides the rest
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

// ErrMissingCredential matches every *MissingCredentialError via errors.Is
var ErrMissingCredential = errors.New("missing credentials")

// MissingCredentialError names the credential fields that were absent or blank
type MissingCredentialError struct {
	Fields []string
}

func (e *MissingCredentialError) Error() string {
	return "missing credentials: " + strings.Join(e.Fields, ", ")
}

func (e *MissingCredentialError) Is(target error) bool { return target == ErrMissingCredential }

// Validate reports which fields of c are missing
func (c Credential) Validate() error {
	var missing []string
	if strings.TrimSpace(c.DatabaseID) == "" {
		missing = append(missing, "database ID")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		missing = append(missing, "access token")
	}
	if len(missing) > 0 {
		return &MissingCredentialError{Fields: missing}
	}
	return nil
}

// Resolver extracts the credential for an inbound request
type Resolver interface {
	Resolve(r *http.Request) (Credential, error)
	Mode() string
}

// HeaderResolver reads the credential from request headers on every request
type HeaderResolver struct{}

// Resolve implements Resolver
func (HeaderResolver) Resolve(r *http.Request) (Credential, error) {
	c := Credential{
		DatabaseID:  strings.TrimSpace(r.Header.Get(HeaderDatabaseID)),
		AccessToken: strings.TrimSpace(r.Header.Get(HeaderAccessToken)),
	}
	if err := c.Validate(); err != nil {
		var mce *MissingCredentialError
		if errors.As(err, &mce) {
			for i, f := range mce.Fields {
				if f == "database ID" {
					mce.Fields[i] = HeaderDatabaseID + " header"
				} else {
					mce.Fields[i] = HeaderAccessToken + " header"
				}
			}
		}
		return Credential{}, err
	}
	return c, nil
}

// Mode implements Resolver
func (HeaderResolver) Mode() string { return "header" }

// StaticResolver returns the credential it was built with, regardless of the
// request
type StaticResolver struct {
	credential Credential
}

// NewStaticResolver creates a resolver for a single-tenant deployment
func NewStaticResolver(c Credential) *StaticResolver {
	return &StaticResolver{credential: c}
}

// Resolve implements Resolver
func (s *StaticResolver) Resolve(*http.Request) (Credential, error) {
	if err := s.credential.Validate(); err != nil {
		return Credential{}, err
	}
	return s.credential, nil
}

// Mode implements Resolver
func (s *StaticResolver) Mode() string { return "static" }

// NewResolver selects the resolver for the configured mode
func NewResolver(cfg config.CredentialsConfig) (Resolver, error) {
	switch cfg.Mode {
	case "", "header":
		return HeaderResolver{}, nil
	case "static":
		return NewStaticResolver(Credential{
			DatabaseID:  cfg.DatabaseID,
			AccessToken: cfg.AccessToken,
		}), nil
	}
	return nil, fmt.Errorf("unknown credentials mode %q", cfg.Mode)
}

type contextKey struct{}

// WithCredential returns a copy of ctx carrying c
func WithCredential(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the credential stored by WithCredential
func FromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(contextKey{}).(Credential)
	return c, ok
}
