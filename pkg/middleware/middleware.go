package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/ksred/klear-finance/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type routeLimit struct {
	limit rate.Limit
	burst int
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per route class
	authLimit    = routeLimit{rate.Limit(10.0 / 60.0), 5}    // 10 requests per minute
	tradingLimit = routeLimit{rate.Limit(100.0 / 60.0), 20}  // 100 requests per minute
	quoteLimit   = routeLimit{rate.Limit(1000.0 / 60.0), 50} // 1000 requests per minute
	openLimit    = routeLimit{rate.Inf, 1}
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) routeLimit {
	switch path {
	case "/login", "/register":
		return authLimit
	case "/buy", "/sell":
		return tradingLimit
	case "/quote", "/compare":
		return quoteLimit
	default:
		return openLimit
	}
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]

	if !exists {
		l := limitFor(path)
		v = &visitor{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles each client per route. Authenticated callers are
// keyed by user, everyone else by IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		if id, ok := Identity(c); ok {
			clientKey = "user:" + id.Username
		}

		limiter := getLimiter(c.Request.URL.Path, clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator resolves a session token to the caller's identity
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (types.Identity, error)
}

const identityKey = "identity"

// SessionToken returns the session token from the named cookie, falling
// back to an Authorization: Bearer header
func SessionToken(c *gin.Context, cookieName string) string {
	if token, err := c.Cookie(cookieName); err == nil && token != "" {
		return token
	}

	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// SessionAuth rejects requests without a valid session and stores the
// caller's identity in the context
func SessionAuth(validator TokenValidator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := SessionToken(c, cookieName)
		if token == "" {
			response.Unauthorized(c, "Login required")
			c.Abort()
			return
		}

		identity, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("session rejected")
			response.Unauthorized(c, "Invalid session")
			c.Abort()
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

func SetIdentity(c *gin.Context, identity types.Identity) {
	c.Set(identityKey, identity)
}

// Identity returns the authenticated caller set by SessionAuth
func Identity(c *gin.Context) (types.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return types.Identity{}, false
	}
	identity, ok := v.(types.Identity)
	return identity, ok
}

// NoCache marks every response as uncacheable
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Expires", "0")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
