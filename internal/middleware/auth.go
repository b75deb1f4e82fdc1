package middleware

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"

	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/security"
)

const (
	HeaderAPIKey = "X-API-Key"
	HeaderUserID = "X-User-ID"

	ContextUserID = "user_id"
	ContextAppID  = "app_id"
)

// noApp caches a failed key lookup so bad keys do not cost a bcrypt scan each time.
const noApp = ""

type AuthConfig struct {
	// APIKeys maps an app id to the bcrypt hash of its key.
	APIKeys     map[string]string
	JWTSecret   string
	JWTIssuer   string
	KeyCacheTTL time.Duration
}

// AuthMiddleware resolves every request to a (user, app) pair. App backends
// call with an API key and name the acting user in X-User-ID (absent for
// system events); end-user clients carry a JWT whose subject is the user and
// whose app_id claim names the app.
type AuthMiddleware struct {
	apps   []string
	hashes map[string]string
	hasher security.KeyHasher
	secret []byte
	issuer string
	keys   *cache.Cache
}

type Claims struct {
	AppID string `json:"app_id"`
	jwt.RegisteredClaims
}

func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	apps := make([]string, 0, len(cfg.APIKeys))
	for app := range cfg.APIKeys {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return &AuthMiddleware{
		apps:   apps,
		hashes: cfg.APIKeys,
		hasher: security.NewBcryptHasher(0),
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		keys:   cache.New(ttl, 2*ttl),
	}
}

// Authenticate sets ContextUserID and ContextAppID or aborts with 401.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(HeaderAPIKey); key != "" {
			app, err := m.resolveKey(key)
			if err != nil {
				abortUnauthorized(c, err)
				return
			}
			c.Set(ContextAppID, app)
			c.Set(ContextUserID, c.GetHeader(HeaderUserID))
			c.Next()
			return
		}

		token, err := bearer(c)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		claims, err := m.ParseToken(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		c.Set(ContextAppID, claims.AppID)
		c.Set(ContextUserID, claims.Subject)
		c.Next()
	}
}

// RequireUser rejects requests that do not act for a specific user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" || AppID(c) == "" {
			abortUnauthorized(c, errors.New("request does not identify a user"))
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) resolveKey(key string) (string, error) {
	fp := security.Fingerprint(key)
	if app, ok := m.keys.Get(fp); ok {
		if app.(string) == noApp {
			return "", errors.New("invalid api key")
		}
		return app.(string), nil
	}
	for _, app := range m.apps {
		if m.hasher.Compare(m.hashes[app], key) == nil {
			m.keys.SetDefault(fp, app)
			return app, nil
		}
	}
	m.keys.SetDefault(fp, noApp)
	return "", errors.New("invalid api key")
}

// ParseToken validates an HS256 token and requires sub and app_id.
func (m *AuthMiddleware) ParseToken(token string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("token authentication is not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.AppID == "" {
		return nil, errors.New("token must carry sub and app_id")
	}
	return claims, nil
}

// IssueToken signs a token for userID in appID. Used by the operator CLI and tests.
func (m *AuthMiddleware) IssueToken(userID, appID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AppID: appID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// bearer reads the Authorization header. Browsers cannot set headers on a
// websocket upgrade, so access_token in the query is accepted too.
func bearer(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

func abortUnauthorized(c *gin.Context, err error) {
	_ = c.Error(apperrors.Unauthorized(err))
	c.Abort()
}

func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func AppID(c *gin.Context) string {
	return c.GetString(ContextAppID)
}
