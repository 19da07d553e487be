package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/access"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/audit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/auth"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/httpx"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/models"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/stream"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/verifyfsm"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const snippetColumns = `id, author_id, title, language, code, COALESCE(description, ''),
	is_public, is_verified, verified_by, verified_at, COALESCE(verification_notes, ''),
	pending_verification, COALESCE(liked_by, '{}'), COALESCE(bookmarked_by, '{}'),
	views, likes, bookmarks, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnippet(row rowScanner) (models.Snippet, error) {
	var snip models.Snippet
	err := row.Scan(&snip.ID, &snip.AuthorID, &snip.Title, &snip.Language, &snip.Code,
		&snip.Description, &snip.IsPublic, &snip.IsVerified, &snip.VerifiedBy,
		&snip.VerifiedAt, &snip.VerificationNotes, &snip.PendingVerification,
		&snip.LikedBy, &snip.BookmarkedBy, &snip.Usage.Views, &snip.Usage.Likes,
		&snip.Usage.Bookmarks, &snip.CreatedAt, &snip.UpdatedAt)
	return snip, err
}

func (s *Server) fetchSnippet(ctx context.Context, id string) (models.Snippet, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+snippetColumns+` FROM snippets WHERE id=$1`, id)
	return scanSnippet(row)
}

func actorFrom(r *http.Request) access.Actor {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return access.Actor{ID: p.ID, Role: p.Role}
	}
	return access.Actor{}
}

// denyAccess maps an access decision to transport and records it.
// Unauthorized private reads are served as 404 so snippet ids cannot
// be probed.
func (s *Server) denyAccess(w http.ResponseWriter, r *http.Request, actor access.Actor, snippetID string, action access.Action, reason string) {
	s.Metrics.IncDecision("denied", reason)
	_ = s.Audit.Append(r.Context(), newEventID(), audit.EventDenied, actor.ID, snippetID, string(action), reason, nil)
	switch reason {
	case access.ReasonUnauthenticated:
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
	case access.ReasonForbidden:
		if action == access.ActionRead {
			httpx.Error(w, http.StatusNotFound, "snippet not found")
			return
		}
		httpx.Error(w, http.StatusForbidden, "forbidden")
	case access.ReasonInsufficientRole:
		httpx.Error(w, http.StatusForbidden, "forbidden")
	case access.ReasonAlreadyVerified, access.ReasonNotVerified:
		httpx.ErrorCode(w, http.StatusBadRequest, reason, strings.ReplaceAll(reason, "_", " "))
	default:
		httpx.Error(w, http.StatusForbidden, "forbidden")
	}
}

// loadVisibleSnippet fetches a snippet and enforces read visibility
// for the actor. Missing and invisible are indistinguishable to the
// caller.
func (s *Server) loadVisibleSnippet(w http.ResponseWriter, r *http.Request, actor access.Actor, id string) (models.Snippet, bool) {
	snip, err := s.fetchSnippet(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "snippet not found")
		return models.Snippet{}, false
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load snippet")
		return models.Snippet{}, false
	}
	if d := access.Decide(actor, &snip, access.ActionRead); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionRead, d.Reason)
		return models.Snippet{}, false
	}
	return snip, true
}

type snippetRequest struct {
	Title       *string `json:"title"`
	Language    *string `json:"language"`
	Code        *string `json:"code"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"is_public"`
}

func (s *Server) handleCreateSnippet(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	title := strings.TrimSpace(deref(req.Title))
	language := strings.TrimSpace(deref(req.Language))
	code := deref(req.Code)
	if title == "" || language == "" || strings.TrimSpace(code) == "" {
		httpx.Error(w, http.StatusBadRequest, "title, language and code required")
		return
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}
	now := time.Now().UTC()
	snip := models.Snippet{
		ID:          uuid.New().String(),
		AuthorID:    principal.ID,
		Title:       title,
		Language:    language,
		Code:        code,
		Description: strings.TrimSpace(deref(req.Description)),
		IsPublic:    isPublic,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO snippets (id, author_id, title, language, code, description, is_public, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, snip.ID, snip.AuthorID, snip.Title, snip.Language, snip.Code, snip.Description, snip.IsPublic, snip.CreatedAt, snip.UpdatedAt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create snippet")
		return
	}
	if _, err := s.DB.Exec(r.Context(), `
		UPDATE users SET snippets_shared=snippets_shared+1 WHERE id=$1
	`, principal.ID); err != nil && s.Log != nil {
		s.Log.Warn("shared counter update failed", "user_id_hash", s.Audit.HashActor(principal.ID), "err", err.Error())
	}
	s.invalidateStats(r.Context(), principal.ID)
	s.publishActivity(r.Context(), stream.SnippetCreated, snip.ID, map[string]string{
		"snippetId": snip.ID, "title": snip.Title, "language": snip.Language,
	})
	httpx.WriteJSON(w, http.StatusCreated, snip)
}

func (s *Server) handleListSnippets(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	language := strings.TrimSpace(r.URL.Query().Get("language"))

	query := `SELECT ` + snippetColumns + ` FROM snippets WHERE (is_public OR author_id=$1)`
	args := []any{actor.ID}
	if language != "" {
		query += ` AND language=$2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, language, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list snippets")
		return
	}
	defer rows.Close()
	items := make([]models.Snippet, 0, limit)
	for rows.Next() {
		snip, err := scanSnippet(rows)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to list snippets")
			return
		}
		items = append(items, snip)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// viewDedupWindow bounds how often one viewer bumps a snippet's view
// counter. Anonymous viewers are keyed by client IP.
const viewDedupWindow = 30 * time.Minute

// shouldCountView claims the viewer's dedup slot for the window. Cache
// failures count the view; an unreachable cache must not freeze the
// counter.
func (s *Server) shouldCountView(ctx context.Context, snippetID, viewer string) bool {
	if s.Cache == nil || viewer == "" {
		return true
	}
	first, err := s.Cache.SetNX(ctx, "viewed:"+snippetID+":"+viewer, "1", viewDedupWindow)
	if err != nil {
		return true
	}
	return first
}

func (s *Server) handleGetSnippet(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "snippet_id")
	snip, ok := s.loadVisibleSnippet(w, r, actor, id)
	if !ok {
		return
	}
	viewer := actor.ID
	if viewer == "" {
		viewer = s.clientIP(r)
	}
	if s.shouldCountView(r.Context(), id, viewer) {
		if _, err := s.DB.Exec(r.Context(), `UPDATE snippets SET views=views+1 WHERE id=$1`, id); err == nil {
			snip.Usage.Views++
			s.Metrics.IncSnippetEvent("viewed")
		}
	}
	httpx.WriteJSON(w, http.StatusOK, snip)
}

func (s *Server) handleUpdateSnippet(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "snippet_id")
	snip, err := s.fetchSnippet(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "snippet not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load snippet")
		return
	}
	if d := access.Decide(actor, &snip, access.ActionUpdate); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionUpdate, d.Reason)
		return
	}
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Title != nil {
		if t := strings.TrimSpace(*req.Title); t != "" {
			snip.Title = t
		}
	}
	if req.Language != nil {
		if l := strings.TrimSpace(*req.Language); l != "" {
			snip.Language = l
		}
	}
	if req.Code != nil && strings.TrimSpace(*req.Code) != "" {
		snip.Code = *req.Code
	}
	if req.Description != nil {
		snip.Description = strings.TrimSpace(*req.Description)
	}
	if req.IsPublic != nil {
		snip.IsPublic = *req.IsPublic
	}
	snip.UpdatedAt = time.Now().UTC()
	_, err = s.DB.Exec(r.Context(), `
		UPDATE snippets
		SET title=$2, language=$3, code=$4, description=$5, is_public=$6, updated_at=$7
		WHERE id=$1
	`, snip.ID, snip.Title, snip.Language, snip.Code, snip.Description, snip.IsPublic, snip.UpdatedAt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to update snippet")
		return
	}
	s.publishActivity(r.Context(), stream.SnippetUpdated, snip.ID, map[string]string{"snippetId": snip.ID})
	httpx.WriteJSON(w, http.StatusOK, snip)
}

func (s *Server) handleDeleteSnippet(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	s.deleteSnippet(w, r, actor, chi.URLParam(r, "snippet_id"))
}

// deleteSnippet removes the snippet and unwinds the author counters it
// contributed: -1 shared, and when it was verified, -1 verified and
// the verification reputation.
func (s *Server) deleteSnippet(w http.ResponseWriter, r *http.Request, actor access.Actor, id string) {
	snip, err := s.fetchSnippet(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "snippet not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load snippet")
		return
	}
	if d := access.Decide(actor, &snip, access.ActionDelete); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionDelete, d.Reason)
		return
	}
	cmd, err := s.DB.Exec(r.Context(), `DELETE FROM snippets WHERE id=$1`, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to delete snippet")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, http.StatusNotFound, "snippet not found")
		return
	}
	verifiedDelta := 0
	reputationDelta := 0
	if snip.IsVerified {
		verifiedDelta = 1
		reputationDelta = verifyfsm.ReputationDelta
	}
	if _, err := s.DB.Exec(r.Context(), `
		UPDATE users
		SET snippets_shared=snippets_shared-1,
		    snippets_verified=snippets_verified-$2,
		    reputation=reputation-$3
		WHERE id=$1
	`, snip.AuthorID, verifiedDelta, reputationDelta); err != nil && s.Log != nil {
		s.Log.Warn("author counter unwind failed", "snippet_id", id, "err", err.Error())
	}
	s.invalidateStats(r.Context(), snip.AuthorID)
	s.publishActivity(r.Context(), stream.SnippetDeleted, id, map[string]string{"snippetId": id})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "snippetId": id})
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.toggleEngagement(w, r, access.ActionLike, `
		UPDATE snippets
		SET liked_by=array_append(liked_by, $2), likes=likes+1, updated_at=now()
		WHERE id=$1 AND NOT ($2 = ANY(COALESCE(liked_by, '{}')))
	`, "likes", true)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.toggleEngagement(w, r, access.ActionLike, `
		UPDATE snippets
		SET liked_by=array_remove(liked_by, $2), likes=likes-1, updated_at=now()
		WHERE id=$1 AND $2 = ANY(COALESCE(liked_by, '{}'))
	`, "likes", false)
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request) {
	s.toggleEngagement(w, r, access.ActionBookmark, `
		UPDATE snippets
		SET bookmarked_by=array_append(bookmarked_by, $2), bookmarks=bookmarks+1, updated_at=now()
		WHERE id=$1 AND NOT ($2 = ANY(COALESCE(bookmarked_by, '{}')))
	`, "bookmarks", true)
}

func (s *Server) handleUnbookmark(w http.ResponseWriter, r *http.Request) {
	s.toggleEngagement(w, r, access.ActionBookmark, `
		UPDATE snippets
		SET bookmarked_by=array_remove(bookmarked_by, $2), bookmarks=bookmarks-1, updated_at=now()
		WHERE id=$1 AND $2 = ANY(COALESCE(bookmarked_by, '{}'))
	`, "bookmarks", false)
}

// toggleEngagement applies an idempotent membership toggle in a single
// conditional statement, so the counter and the actor set can never
// drift apart and repeated calls settle on the same state. A no-op
// toggle is a success.
func (s *Server) toggleEngagement(w http.ResponseWriter, r *http.Request, action access.Action, query, counter string, adding bool) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "snippet_id")
	snip, ok := s.loadVisibleSnippet(w, r, actor, id)
	if !ok {
		return
	}
	if d := access.Decide(actor, &snip, action); !d.Allowed {
		s.denyAccess(w, r, actor, id, action, d.Reason)
		return
	}
	cmd, err := s.DB.Exec(r.Context(), query, id, actor.ID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to update snippet")
		return
	}
	count := snip.Usage.Likes
	if counter == "bookmarks" {
		count = snip.Usage.Bookmarks
	}
	if cmd.RowsAffected() > 0 {
		if adding {
			count++
		} else {
			count--
		}
		s.invalidateStats(r.Context(), snip.AuthorID)
		if adding && action == access.ActionLike {
			s.publishActivity(r.Context(), stream.SnippetLiked, id, map[string]string{"snippetId": id})
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"snippetId": id,
		"active":    adding,
		counter:     count,
	})
}

type commentRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "snippet_id")
	snip, ok := s.loadVisibleSnippet(w, r, actor, id)
	if !ok {
		return
	}
	if d := access.Decide(actor, &snip, access.ActionComment); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionComment, d.Reason)
		return
	}
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		httpx.Error(w, http.StatusBadRequest, "body required")
		return
	}
	comment := models.Comment{
		ID:        uuid.New().String(),
		SnippetID: id,
		AuthorID:  actor.ID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO comments (id, snippet_id, author_id, body, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, comment.ID, comment.SnippetID, comment.AuthorID, comment.Body, comment.CreatedAt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create comment")
		return
	}
	s.publishActivity(r.Context(), stream.SnippetCommented, id, map[string]string{
		"snippetId": id, "commentId": comment.ID,
	})
	httpx.WriteJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := chi.URLParam(r, "snippet_id")
	if _, ok := s.loadVisibleSnippet(w, r, actor, id); !ok {
		return
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, snippet_id, author_id, body, created_at
		FROM comments WHERE snippet_id=$1 ORDER BY created_at ASC
	`, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list comments")
		return
	}
	defer rows.Close()
	items := make([]models.Comment, 0)
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.SnippetID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to list comments")
			return
		}
		items = append(items, c)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
