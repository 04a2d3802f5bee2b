package services

import (
	"log/slog"
	"net/http"
)

type AuthEndpoints struct {
	authService *AuthService
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func NewAuthEndpoints(authService *AuthService) *AuthEndpoints {
	return &AuthEndpoints{
		authService: authService,
	}
}

func (e *AuthEndpoints) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	authResponse, err := e.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Login successful", authResponse)
}

func (e *AuthEndpoints) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	authResponse, err := e.authService.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "Registration successful", authResponse)
	slog.Info("User signed up", "user_id", authResponse.User.ID)
}

func (e *AuthEndpoints) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Not authenticated"))
		return
	}

	writeSuccess(w, http.StatusOK, "", map[string]interface{}{"user": user})
}
