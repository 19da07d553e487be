package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/auth"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/httpx"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/models"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/roles"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

func newEventID() string { return uuid.New().String() }

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Username == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "email, username and password required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid email")
		return
	}
	if len(req.Password) < 8 {
		httpx.Error(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	user := models.User{
		ID:        uuid.New().String(),
		Email:     req.Email,
		Username:  req.Username,
		Role:      roles.JuniorDeveloper,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO users (id, email, username, password_hash, role, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.Email, user.Username, hash, user.Role, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			httpx.ErrorCode(w, http.StatusBadRequest, "email_taken", "email already registered")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	token, err := s.Sessions.Sign(auth.Principal{ID: user.ID, Role: user.Role, Email: user.Email}, time.Now().UTC())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "email and password required")
		return
	}
	row := s.DB.QueryRow(r.Context(), `
		SELECT id, email, username, password_hash, role, reputation,
		       verifications_made, snippets_shared, snippets_verified, created_at
		FROM users WHERE email=$1
	`, req.Email)
	var user models.User
	var hash string
	err := row.Scan(&user.ID, &user.Email, &user.Username, &hash, &user.Role,
		&user.Reputation, &user.VerificationsMade, &user.SnippetsShared,
		&user.SnippetsVerified, &user.CreatedAt)
	if err != nil {
		// same response for unknown email and bad password
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !auth.CheckPassword(req.Password, hash) {
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.Sessions.Sign(auth.Principal{ID: user.ID, Role: user.Role, Email: user.Email}, time.Now().UTC())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

// handleAuthCallback exchanges an issued token for a session cookie.
// Browser login flows land here after the token grant; the endpoint
// sits outside the auth limiter so a throttled login burst cannot
// strand an already-issued token.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		raw = auth.TokenFromRequest(r)
	}
	if raw == "" {
		httpx.Error(w, http.StatusBadRequest, "token required")
		return
	}
	principal, err := s.Sessions.Verify(raw)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session_token",
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"userId": principal.ID,
		"role":   principal.Role,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	row := s.DB.QueryRow(r.Context(), `
		SELECT id, email, username, role, reputation,
		       verifications_made, snippets_shared, snippets_verified, created_at
		FROM users WHERE id=$1
	`, principal.ID)
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.Role,
		&user.Reputation, &user.VerificationsMade, &user.SnippetsShared,
		&user.SnippetsVerified, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

// handleUserStats serves the derived reputation breakdown. Like and
// bookmark totals always come from the live snippet aggregates; with
// ?reconcile=true the stored share/verify counters are rewritten from
// the same aggregates before responding.
func statsCacheKey(userID string) string { return "stats:" + userID }

// invalidateStats drops the cached stats documents of every user whose
// underlying counters just moved.
func (s *Server) invalidateStats(ctx context.Context, userIDs ...string) {
	if s.Cache == nil {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			keys = append(keys, statsCacheKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := s.Cache.Del(ctx, keys...); err != nil && s.Log != nil {
		s.Log.Warn("stats cache invalidation failed", "err", err.Error())
	}
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	reconcile := r.URL.Query().Get("reconcile") == "true"
	if !reconcile && s.StatsCacheTTL > 0 && s.Cache != nil {
		if cached, ok, err := s.Cache.Get(r.Context(), statsCacheKey(userID)); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	row := s.DB.QueryRow(r.Context(), `
		SELECT id, reputation, verifications_made, snippets_shared, snippets_verified
		FROM users WHERE id=$1
	`, userID)
	var stats models.Stats
	err := row.Scan(&stats.UserID, &stats.Reputation, &stats.VerificationsMade,
		&stats.SnippetsShared, &stats.SnippetsVerified)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	aggRow := s.DB.QueryRow(r.Context(), `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_verified),
		       COALESCE(SUM(likes), 0),
		       COALESCE(SUM(bookmarks), 0)
		FROM snippets WHERE author_id=$1
	`, userID)
	var shared, verified, likes, bookmarks int
	if err := aggRow.Scan(&shared, &verified, &likes, &bookmarks); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	stats.TotalLikes = likes
	stats.TotalBookmarks = bookmarks

	if reconcile {
		if _, err := s.DB.Exec(r.Context(), `
			UPDATE users SET snippets_shared=$2, snippets_verified=$3 WHERE id=$1
		`, userID, shared, verified); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to reconcile stats")
			return
		}
		stats.SnippetsShared = shared
		stats.SnippetsVerified = verified
	}
	stats.ReputationScore = stats.Score()
	if s.StatsCacheTTL > 0 && s.Cache != nil {
		// Reconcile refreshes the cached document instead of skipping it.
		if body, err := json.Marshal(stats); err == nil {
			_ = s.Cache.Set(r.Context(), statsCacheKey(userID), string(body), s.StatsCacheTTL)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}
