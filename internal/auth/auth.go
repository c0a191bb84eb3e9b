package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ksred/klear-finance/internal/session"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/ksred/klear-finance/pkg/middleware"
	"github.com/ksred/klear-finance/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidToken    = errors.New("invalid or expired session")
	ErrTokenGeneration = errors.New("failed to generate token")
)

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. The registered ID claim
// (jti) identifies the session for revocation.
type Claims struct {
	jwt.RegisteredClaims
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// Options configures a Service
type Options struct {
	JWTSecret    string
	TokenTTL     time.Duration
	StartingCash decimal.Decimal
	BcryptCost   int
}

// Service handles registration, login and session validation
type Service struct {
	db           *Database
	sessions     session.Store
	jwtSecret    []byte
	tokenTTL     time.Duration
	startingCash decimal.Decimal
	bcryptCost   int
	now          func() time.Time
}

// NewService creates a new authentication service backed by the users table
func NewService(gormDB *gorm.DB, sessions session.Store, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		db:           NewDatabase(gormDB),
		sessions:     sessions,
		jwtSecret:    []byte(opts.JWTSecret),
		tokenTTL:     opts.TokenTTL,
		startingCash: opts.StartingCash,
		bcryptCost:   opts.BcryptCost,
		now:          time.Now,
	}
}

// Register creates an account with the configured starting cash.
// It does not log the user in.
func (s *Service) Register(ctx context.Context, username, password, confirmation string) (*types.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, types.MissingField("username")
	}
	if password == "" {
		return nil, types.MissingField("password")
	}
	if password != confirmation {
		return nil, types.ErrPasswordMismatch
	}

	existing, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil, types.ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &types.User{
		Username:     username,
		PasswordHash: string(hash),
		Cash:         s.startingCash,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, types.ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	log.Info().Uint("user_id", user.ID).Str("username", username).Msg("user registered")
	return user, nil
}

// Login verifies the credentials and issues a signed session token
func (s *Service) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	if username == "" {
		return nil, types.MissingField("username")
	}
	if password == "" {
		return nil, types.MissingField("password")
	}

	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, types.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, types.ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   fmt.Sprint(user.ID),
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:   user.ID,
		Username: user.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken checks signature, expiry and revocation and returns the
// session's identity
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (types.Identity, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return types.Identity{}, err
	}

	revoked, err := s.sessions.IsRevoked(ctx, claims.ID)
	if err != nil {
		return types.Identity{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return types.Identity{}, ErrInvalidToken
	}

	return types.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Logout revokes the session until the token would have expired. Tokens
// that are already invalid need no revocation.
func (s *Service) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil
	}

	ttl := claims.ExpiresAt.Time.Sub(s.now())
	return s.sessions.Revoke(ctx, claims.ID, ttl)
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" || claims.UserID == 0 || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterRequest is bound from a form post or a JSON body
type RegisterRequest struct {
	Username     string `form:"username" json:"username"`
	Password     string `form:"password" json:"password"`
	Confirmation string `form:"confirmation" json:"confirmation"`
}

// LoginRequest is bound from a form post or a JSON body
type LoginRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service    *Service
	cookieName string
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service, cookieName string) *GinHandlers {
	return &GinHandlers{
		service:    service,
		cookieName: cookieName,
	}
}

// RegisterHandler handles POST /register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBind(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		user, err := h.service.Register(c.Request.Context(), req.Username, req.Password, req.Confirmation)
		response.Handle(c, user, err)
	}
}

// LoginHandler handles POST /login. The token is set as an HttpOnly
// cookie and also returned in the body for API clients.
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBind(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.Login(c.Request.Context(), req.Username, req.Password)
		if errors.Is(err, types.ErrMissingField) {
			response.Fail(c, http.StatusForbidden, types.ErrMissingField.Code, err.Error())
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		maxAge := int(time.Until(token.Expiration).Seconds())
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, token.Token, maxAge, "/", "", c.Request.TLS != nil, true)
		response.Success(c, token)
	}
}

// LogoutHandler handles GET and POST /logout. It succeeds with or
// without a live session.
func (h *GinHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := middleware.SessionToken(c, h.cookieName)
		if err := h.service.Logout(c.Request.Context(), token); err != nil {
			response.Handle(c, nil, err)
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, "", -1, "/", "", c.Request.TLS != nil, true)
		response.Success(c, gin.H{"logged_out": true})
	}
}
