package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/access"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/audit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/httpx"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/models"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/stream"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/verifyfsm"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

type verifyRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
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
	if d := access.Decide(actor, &snip, access.ActionVerify); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionVerify, d.Reason)
		return
	}

	var req verifyRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	grant := verifyfsm.NewGrant(actor.ID, strings.TrimSpace(req.Notes), time.Now().UTC())

	// The WHERE clause is the state transition: only one verifier can
	// flip an unverified snippet, concurrent attempts lose the race.
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE snippets
		SET is_verified=true, verified_by=$2, verified_at=$3, verification_notes=$4,
		    pending_verification=false, updated_at=$3
		WHERE id=$1 AND is_verified=false
	`, id, grant.VerifiedBy, grant.VerifiedAt, grant.Notes)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to verify snippet")
		return
	}
	if cmd.RowsAffected() == 0 {
		if s.Log != nil {
			s.Log.Info("verify raced", "snippet_id", id, "err", verifyfsm.ErrLostRace.Error())
		}
		s.denyAccess(w, r, actor, id, access.ActionVerify, access.ReasonAlreadyVerified)
		return
	}

	author, verifier := verifyfsm.VerifyEffects()
	s.applyVerificationEffects(r, id, snip.AuthorID, actor.ID, author, verifier)

	snip.IsVerified = true
	snip.VerifiedBy = &grant.VerifiedBy
	snip.VerifiedAt = &grant.VerifiedAt
	snip.VerificationNotes = grant.Notes
	snip.PendingVerification = false
	snip.UpdatedAt = grant.VerifiedAt

	s.Metrics.IncDecision("allowed", "")
	s.Metrics.IncVerification("verified")
	_ = s.Audit.Append(r.Context(), newEventID(), audit.EventVerified, actor.ID, id, string(access.ActionVerify), "", transitionDetail(false, true))
	s.publishActivity(r.Context(), stream.SnippetVerified, id, map[string]string{
		"snippetId": id, "authorId": snip.AuthorID,
	})
	httpx.WriteJSON(w, http.StatusOK, snip)
}

func (s *Server) handleUnverify(w http.ResponseWriter, r *http.Request) {
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
	if d := access.Decide(actor, &snip, access.ActionUnverify); !d.Allowed {
		s.denyAccess(w, r, actor, id, access.ActionUnverify, d.Reason)
		return
	}

	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE snippets
		SET is_verified=false, verified_by=NULL, verified_at=NULL, verification_notes='',
		    updated_at=now()
		WHERE id=$1 AND is_verified=true
	`, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to unverify snippet")
		return
	}
	if cmd.RowsAffected() == 0 {
		s.denyAccess(w, r, actor, id, access.ActionUnverify, access.ReasonNotVerified)
		return
	}

	// The verifier keeps the verifications_made credit for the review
	// work; only the author's verified standing is unwound.
	author, verifier := verifyfsm.UnverifyEffects()
	s.applyVerificationEffects(r, id, snip.AuthorID, "", author, verifier)

	snip.IsVerified = false
	snip.VerifiedBy = nil
	snip.VerifiedAt = nil
	snip.VerificationNotes = ""

	s.Metrics.IncDecision("allowed", "")
	s.Metrics.IncVerification("unverified")
	_ = s.Audit.Append(r.Context(), newEventID(), audit.EventUnverified, actor.ID, id, string(access.ActionUnverify), "", transitionDetail(true, false))
	s.publishActivity(r.Context(), stream.SnippetUpdated, id, map[string]string{"snippetId": id})
	httpx.WriteJSON(w, http.StatusOK, snip)
}

// transitionDetail records the lifecycle edge an audit row witnesses.
func transitionDetail(fromVerified, toVerified bool) json.RawMessage {
	detail, _ := json.Marshal(map[string]string{
		"from": verifyfsm.State(fromVerified),
		"to":   verifyfsm.State(toVerified),
	})
	return detail
}

func (s *Server) applyVerificationEffects(r *http.Request, snippetID, authorID, verifierID string, author verifyfsm.AuthorEffects, verifier verifyfsm.VerifierEffects) {
	if author.SnippetsVerified != 0 || author.Reputation != 0 {
		if _, err := s.DB.Exec(r.Context(), `
			UPDATE users SET snippets_verified=snippets_verified+$2, reputation=reputation+$3 WHERE id=$1
		`, authorID, author.SnippetsVerified, author.Reputation); err != nil && s.Log != nil {
			s.Log.Warn("author effect update failed", "snippet_id", snippetID, "err", err.Error())
		}
	}
	if verifier.VerificationsMade != 0 && verifierID != "" {
		if _, err := s.DB.Exec(r.Context(), `
			UPDATE users SET verifications_made=verifications_made+$2 WHERE id=$1
		`, verifierID, verifier.VerificationsMade); err != nil && s.Log != nil {
			s.Log.Warn("verifier effect update failed", "snippet_id", snippetID, "err", err.Error())
		}
	}
	s.invalidateStats(r.Context(), authorID, verifierID)
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
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
	if actor.ID != snip.AuthorID {
		httpx.Error(w, http.StatusForbidden, "only the author can request verification")
		return
	}
	if snip.IsVerified {
		httpx.ErrorCode(w, http.StatusBadRequest, access.ReasonAlreadyVerified, "snippet is already verified")
		return
	}
	if _, err := s.DB.Exec(r.Context(), `
		UPDATE snippets SET pending_verification=true, updated_at=now()
		WHERE id=$1 AND is_verified=false
	`, id); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to request verification")
		return
	}
	s.publishActivity(r.Context(), stream.VerifyRequested, id, map[string]string{
		"snippetId": id, "authorId": snip.AuthorID,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"snippetId": id, "pending": true})
}

// handlePendingVerifications lists the public snippets waiting for a
// reviewer, oldest request first.
func (s *Server) handlePendingVerifications(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.Query(r.Context(), `
		SELECT `+snippetColumns+` FROM snippets
		WHERE pending_verification AND NOT is_verified AND is_public
		ORDER BY updated_at ASC
	`)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list pending snippets")
		return
	}
	defer rows.Close()
	items := make([]models.Snippet, 0)
	for rows.Next() {
		snip, err := scanSnippet(rows)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to list pending snippets")
			return
		}
		items = append(items, snip)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}
