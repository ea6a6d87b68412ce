package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultAuthRealm is the realm advertised in the 401 challenge.
const DefaultAuthRealm = "facilitator"

// defaultProtectedPaths are the endpoints gated by bearer auth when the
// caller does not override the set.
var defaultProtectedPaths = []string{"/verify", "/settle"}

// BearerAuthConfig configures the bearer token gate.
type BearerAuthConfig struct {
	// Tokens is the set of accepted bearer tokens. At least one is
	// required.
	Tokens []string
	// Realm for the WWW-Authenticate challenge. Default "facilitator".
	Realm string
	// ProtectedPaths are the request paths requiring auth. Default
	// /verify and /settle.
	ProtectedPaths []string
}

// NewBearerAuth builds the gin middleware enforcing bearer auth on the
// protected paths. Construction fails fast when no tokens are configured.
func NewBearerAuth(config BearerAuthConfig) (gin.HandlerFunc, error) {
	tokens := make(map[string]struct{}, len(config.Tokens))
	for _, token := range config.Tokens {
		token = strings.TrimSpace(token)
		if token != "" {
			tokens[token] = struct{}{}
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("bearer auth requires at least one token")
	}

	realm := config.Realm
	if realm == "" {
		realm = DefaultAuthRealm
	}
	protected := make(map[string]struct{})
	paths := config.ProtectedPaths
	if len(paths) == 0 {
		paths = defaultProtectedPaths
	}
	for _, path := range paths {
		protected[normalizePath(path)] = struct{}{}
	}

	challenge := fmt.Sprintf("Bearer realm=%q", realm)

	return func(c *gin.Context) {
		if _, ok := protected[normalizePath(c.Request.URL.Path)]; !ok {
			c.Next()
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if ok {
			if _, valid := tokens[token]; valid {
				c.Next()
				return
			}
		}
		c.Header("WWW-Authenticate", challenge)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": "Valid Bearer token is required",
		})
	}, nil
}

// bearerToken extracts the token from an Authorization header. The scheme
// comparison is case-insensitive per RFC 7235.
func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// normalizePath strips a trailing slash so "/verify/" matches "/verify".
func normalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}
