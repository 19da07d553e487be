package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/audit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/httpx"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/models"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/roles"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, email, username, role, reputation, verifications_made,
		       snippets_shared, snippets_verified, created_at
		FROM users ORDER BY created_at ASC
	`)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	defer rows.Close()
	items := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.Role, &u.Reputation,
			&u.VerificationsMade, &u.SnippetsShared, &u.SnippetsVerified, &u.CreatedAt); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to list users")
			return
		}
		items = append(items, u)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type roleChangeRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	userID := chi.URLParam(r, "user_id")
	var req roleChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	role := roles.Normalize(req.Role)
	if !roles.Valid(role) {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_role", "unknown role")
		return
	}
	var previous string
	err := s.DB.QueryRow(r.Context(), `SELECT role FROM users WHERE id=$1`, userID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	// Peers and superiors are off limits: an actor may only re-role
	// users below their own tier, and cannot promote past themselves.
	if userID != actor.ID && roles.Tier(previous) >= roles.Tier(actor.Role) {
		httpx.ErrorCode(w, http.StatusForbidden, "tier_too_high", "cannot change role of an equal or higher tier")
		return
	}
	if roles.Tier(role) > roles.Tier(actor.Role) {
		httpx.ErrorCode(w, http.StatusForbidden, "tier_too_high", "cannot assign a role above your own tier")
		return
	}
	if previous != role {
		if _, err := s.DB.Exec(r.Context(), `UPDATE users SET role=$2 WHERE id=$1`, userID, role); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to update role")
			return
		}
		detail, _ := json.Marshal(map[string]string{"from": previous, "to": role})
		_ = s.Audit.Append(r.Context(), newEventID(), audit.EventRoleChanged, actor.ID, userID, "role.change", "", detail)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"userId": userID, "role": role})
}

// handleSnippetAudit exposes the recorded trail for one snippet so
// moderators can see who verified, unverified or was denied on it.
// Actor ids in the rows are already salted hashes.
func (s *Server) handleSnippetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snippet_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	records, err := s.Audit.RecentForSubject(r.Context(), id, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	items := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]interface{}{
			"eventId":     rec.EventID,
			"eventType":   rec.EventType,
			"actorIdHash": rec.ActorIDHash,
			"action":      rec.Action,
			"reason":      rec.Reason,
			"detail":      rec.Detail,
			"createdAt":   rec.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"snippetId": id, "items": items})
}

// handleAdminDeleteSnippet reuses the standard delete path; moderators
// pass the ownership check inside it.
func (s *Server) handleAdminDeleteSnippet(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	s.deleteSnippet(w, r, actor, chi.URLParam(r, "snippet_id"))
}
