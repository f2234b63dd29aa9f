package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Authentication methods recorded on an Identity
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodAnonymous = "anonymous"
)

// Identity is the authenticated caller. Subject owns calculation history.
type Identity struct {
	Subject string
	Method  string
}

// AuthConfig configures Authenticate
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens; empty disables tokens
	JWTSecret []byte
	// Issuer, when set, must match the token's iss claim
	Issuer string
	// APIKeys maps key to client name
	APIKeys map[string]string
	// AllowAnonymous admits unauthenticated callers as subject "anonymous"
	AllowAnonymous bool
}

var errNoCredentials = errors.New("missing credentials")

// Authenticate admits callers presenting an API key (X-API-Key or bearer) or
// a signed bearer token whose sub claim becomes the subject. Everyone else
// receives 401.
func Authenticate(cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := cfg.identify(parser, r)
			if err != nil {
				logger.Debug("authentication rejected",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="ndc"`)
				writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}

			if holder, ok := r.Context().Value(identityHolderKey{}).(*identityHolder); ok {
				holder.id = id
			}
			ctx := context.WithValue(r.Context(), IdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (cfg AuthConfig) identify(parser *jwt.Parser, r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		client, ok := cfg.APIKeys[key]
		if !ok {
			return nil, errors.New("unknown API key")
		}
		return &Identity{Subject: client, Method: MethodAPIKey}, nil
	}

	token, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		if cfg.AllowAnonymous {
			return &Identity{Subject: MethodAnonymous, Method: MethodAnonymous}, nil
		}
		return nil, errNoCredentials
	}
	if client, ok := cfg.APIKeys[token]; ok {
		return &Identity{Subject: client, Method: MethodAPIKey}, nil
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("bearer tokens are not accepted")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return cfg.JWTSecret, nil
	}); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, errors.New("unexpected token issuer")
	}
	return &Identity{Subject: claims.Subject, Method: MethodJWT}, nil
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetIdentity returns the authenticated caller, or nil
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(IdentityKey).(*Identity); ok {
		return id
	}
	return nil
}

// WithIdentity attaches id to ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// identityHolder lets Logger see the identity set by a later middleware
type identityHolder struct {
	id *Identity
}

type identityHolderKey struct{}
