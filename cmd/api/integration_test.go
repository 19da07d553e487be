//go:build integration

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func applySchema(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("locate migrations: files=%v err=%v", files, err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
}

// Run with: go test -tags=integration -timeout 300s ./cmd/api/...
//
// The like and unlike statements carry the counter/set agreement on
// their WHERE clause alone; this exercises them under real contention
// instead of a faked CommandTag.
func TestConcurrentLikesAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kodespace"),
		postgres.WithUsername("kodespace"),
		postgres.WithPassword("kodespace"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	applySchema(ctx, t, pool)

	if _, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ('alice', 'alice@example.com', 'alice', 'x')
	`); err != nil {
		t.Fatalf("seed author: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO snippets (id, author_id, title, language, code)
		VALUES ('snip-1', 'alice', 'Channel fan-in', 'go', 'func merge() {}')
	`); err != nil {
		t.Fatalf("seed snippet: %v", err)
	}

	s := newTestServer(pool)
	h := s.routes()

	const actors = 100
	tokens := make([]string, actors)
	for i := range tokens {
		tokens[i] = signToken(t, s, fmt.Sprintf("user-%03d", i), "junior-developer")
	}

	// Every actor fires the same request twice in parallel; the second
	// must lose the membership guard, never double-count.
	fire := func(path string) {
		var wg sync.WaitGroup
		for i := 0; i < actors; i++ {
			for rep := 0; rep < 2; rep++ {
				wg.Add(1)
				go func(token string) {
					defer wg.Done()
					req := httptest.NewRequest(http.MethodPost, path, nil)
					req.Header.Set("Authorization", "Bearer "+token)
					rec := httptest.NewRecorder()
					h.ServeHTTP(rec, req)
					if rec.Code != http.StatusOK {
						t.Errorf("%s: status %d: %s", path, rec.Code, rec.Body.String())
					}
				}(tokens[i])
			}
		}
		wg.Wait()
	}

	fire("/v1/snippets/snip-1/like")

	var likes, members int
	if err := pool.QueryRow(ctx, `
		SELECT likes, cardinality(liked_by) FROM snippets WHERE id='snip-1'
	`).Scan(&likes, &members); err != nil {
		t.Fatalf("read counters: %v", err)
	}
	if likes != actors || members != actors {
		t.Fatalf("likes=%d members=%d, want %d/%d", likes, members, actors, actors)
	}

	fire("/v1/snippets/snip-1/unlike")

	if err := pool.QueryRow(ctx, `
		SELECT likes, cardinality(liked_by) FROM snippets WHERE id='snip-1'
	`).Scan(&likes, &members); err != nil {
		t.Fatalf("read counters: %v", err)
	}
	if likes != 0 || members != 0 {
		t.Fatalf("after unlike: likes=%d members=%d, want 0/0", likes, members)
	}
}
