// Package models holds the wire and storage shapes shared by the API
// handlers and the access engine.
package models

import "time"

// User is an account record. Reputation is the persisted incremental
// counter; the weighted display score is derived on demand from the
// usage counters (see Stats).
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Username          string    `json:"username"`
	Role              string    `json:"role"`
	Reputation        int       `json:"reputation"`
	VerificationsMade int       `json:"verifications_made"`
	SnippetsShared    int       `json:"snippets_shared"`
	SnippetsVerified  int       `json:"snippets_verified"`
	CreatedAt         time.Time `json:"created_at"`
}

// Usage carries the engagement counters for one snippet. Likes and
// bookmarks mirror the cardinality of the actor sets at all times.
type Usage struct {
	Views     int `json:"views"`
	Likes     int `json:"likes"`
	Bookmarks int `json:"bookmarks"`
}

// Snippet is a shared code snippet. When IsVerified is false the
// verification fields hold their zero values: VerifiedBy nil,
// VerifiedAt nil, VerificationNotes empty.
type Snippet struct {
	ID                  string     `json:"id"`
	AuthorID            string     `json:"author_id"`
	Title               string     `json:"title"`
	Language            string     `json:"language"`
	Code                string     `json:"code"`
	Description         string     `json:"description,omitempty"`
	IsPublic            bool       `json:"is_public"`
	IsVerified          bool       `json:"is_verified"`
	VerifiedBy          *string    `json:"verified_by,omitempty"`
	VerifiedAt          *time.Time `json:"verified_at,omitempty"`
	VerificationNotes   string     `json:"verification_notes,omitempty"`
	PendingVerification bool       `json:"pending_verification"`
	LikedBy             []string   `json:"liked_by,omitempty"`
	BookmarkedBy        []string   `json:"bookmarked_by,omitempty"`
	Usage               Usage      `json:"usage"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Comment is a flat snippet comment; no threading.
type Comment struct {
	ID        string    `json:"id"`
	SnippetID string    `json:"snippet_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is the derived, display-only reputation breakdown for a user.
type Stats struct {
	UserID            string `json:"user_id"`
	SnippetsShared    int    `json:"snippets_shared"`
	SnippetsVerified  int    `json:"snippets_verified"`
	TotalLikes        int    `json:"total_likes"`
	TotalBookmarks    int    `json:"total_bookmarks"`
	VerificationsMade int    `json:"verifications_made"`
	ReputationScore   int    `json:"reputation_score"`
	Reputation        int    `json:"reputation"`
}

// Score weights for the derived reputation breakdown.
const (
	ScorePerShared       = 10
	ScorePerVerified     = 25
	ScorePerLike         = 2
	ScorePerBookmark     = 5
	ScorePerVerification = 15
)

// Score computes the weighted display score from the counters.
func (s Stats) Score() int {
	return s.SnippetsShared*ScorePerShared +
		s.SnippetsVerified*ScorePerVerified +
		s.TotalLikes*ScorePerLike +
		s.TotalBookmarks*ScorePerBookmark +
		s.VerificationsMade*ScorePerVerification
}
