package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mani-agah/assessment/models"
	"github.com/mani-agah/assessment/repository"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

// ErrInvalidToken covers every signature, decoding and expiry failure.
var ErrInvalidToken = errors.New("invalid or expired token")

type AuthService struct {
	repo      *repository.GORMRepository
	jwtSecret []byte
	tokenTTL  time.Duration
}

type TokenClaims struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type AuthResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

type contextKey string

const userContextKey contextKey = "user"

func NewAuthService(repo *repository.GORMRepository, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &AuthService{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  ttl,
	}
}

// IssueToken signs an HS256 token carrying the user's id, username and role.
// A non-positive ttl falls back to the service's configured lifetime.
func (s *AuthService) IssueToken(userID uint, username, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := time.Now()
	claims := &TokenClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyToken returns the claims of a valid token, or ErrInvalidToken.
func (s *AuthService) VerifyToken(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}

	parsedToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsedToken.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" header.
func ExtractBearer(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return header[len("Bearer "):], true
}

// Login checks credentials and issues a token. Deactivated accounts are refused.
func (s *AuthService) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, newError(ErrUnauthorized, "Invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, newError(ErrUnauthorized, "Invalid username or password")
	}
	if !user.IsActive {
		return nil, newError(ErrForbidden, "Account is deactivated")
	}

	token, err := s.IssueToken(user.ID, user.Username, user.Role, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	slog.Info("User logged in successfully", "user_id", user.ID, "username", user.Username)
	return &AuthResponse{User: user, Token: token}, nil
}

type RegisterInput struct {
	Username       string `json:"username" validate:"required,min=3"`
	Password       string `json:"password" validate:"required,min=6"`
	FirstName      string `json:"first_name" validate:"required"`
	LastName       string `json:"last_name" validate:"required"`
	Email          string `json:"email" validate:"omitempty,email"`
	WorkExperience string `json:"work_experience"`
}

// Register creates a regular user account and logs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResponse, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	existingUser, err := s.repo.GetUserByUsername(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existingUser != nil {
		return nil, newError(ErrConflict, "Username is already taken")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:       in.Username,
		PasswordHash:   string(hashedPassword),
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Email:          in.Email,
		WorkExperience: in.WorkExperience,
		Role:           models.RoleUser,
		IsActive:       true,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if repository.IsDuplicateKey(err) {
			return nil, newError(ErrConflict, "Username is already taken")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	token, err := s.IssueToken(user.ID, user.Username, user.Role, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username)
	return &AuthResponse{User: user, Token: token}, nil
}

// Authenticate resolves a token to a live, active user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, wrapError(ErrUnauthorized, "Invalid or expired token", err)
	}

	// Reload so role and active flag changes apply immediately
	user, err := s.repo.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, newError(ErrUnauthorized, "User not found")
	}
	if !user.IsActive {
		return nil, newError(ErrForbidden, "Account is deactivated")
	}
	return user, nil
}

// Middleware requires a valid bearer token and stores the user in the request context.
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return s.authenticate(next, false)
}

// WebSocketMiddleware also accepts the token as a "token" query parameter,
// since browsers cannot set headers on websocket upgrades.
func (s *AuthService) WebSocketMiddleware(next http.Handler) http.Handler {
	return s.authenticate(next, true)
}

func (s *AuthService) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := ExtractBearer(r.Header.Get("Authorization"))
		if !ok && allowQuery {
			token = r.URL.Query().Get("token")
			ok = token != ""
		}
		if !ok {
			writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
			return
		}

		user, err := s.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
			return
		}
		if !user.IsAdmin() {
			writeError(w, r, newError(ErrForbidden, "Admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok && user != nil
}

// WithUser returns a context carrying user, as the auth middleware would.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
