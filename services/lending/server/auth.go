package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer token validation. Tokens are HS256 JWTs whose
// subject is the caller's hex address.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	AdminScope string
	ClockSkew  time.Duration
}

type authContextKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	Address common.Address
	Scopes  []string
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// PrincipalFromContext returns the caller installed by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(authContextKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, authContextKey{}, p)
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator constructs an authenticator. An empty secret rejects every
// token.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ScopeClaim) == "" {
		cfg.ScopeClaim = "scope"
	}
	if strings.TrimSpace(cfg.AdminScope) == "" {
		cfg.AdminScope = "admin"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
		now:    time.Now,
	}
}

// AdminScope is the scope required by administrative routes.
func (a *Authenticator) AdminScope() string { return a.cfg.AdminScope }

// Middleware rejects requests without a valid token carrying every required
// scope and installs the Principal on the request context.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token", Code: "UNAUTHENTICATED"})
				return
			}
			principal, err := a.Authenticate(tokenString)
			if err != nil {
				a.logger.Warn("token rejected", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token", Code: "UNAUTHENTICATED"})
				return
			}
			for _, scope := range requiredScopes {
				if !principal.HasScope(scope) {
					writeJSON(w, http.StatusForbidden, errorResponse{Error: "insufficient scope", Code: "FORBIDDEN"})
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

// Authenticate parses and validates tokenString.
func (a *Authenticator) Authenticate(tokenString string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("claims not map")
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return Principal{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Principal{}, err
	}
	subject = strings.TrimSpace(subject)
	if !common.IsHexAddress(subject) {
		return Principal{}, errors.New("subject is not a hex address")
	}
	return Principal{
		Address: common.HexToAddress(subject),
		Scopes:  extractScopes(claims, a.cfg.ScopeClaim),
	}, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return err
		}
		matched := false
		for _, entry := range aud {
			if entry == audience {
				matched = true
				break
			}
		}
		if !matched {
			return errors.New("audience mismatch")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
