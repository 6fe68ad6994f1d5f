// Package store is the transactional Branch Store: Postgres-backed
// persistence for conversations, branches and messages via pgx/pgxpool,
// following the schema-in-Exec and raw-SQL-with-RETURNING style the teacher's
// unified-rag-service and go-chat-service use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drift-route-service/internal/apperr"
	"drift-route-service/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS branches (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	parent_branch_id UUID REFERENCES branches(id),
	summary TEXT NOT NULL,
	centroid vector,
	drift_type VARCHAR(20) NOT NULL DEFAULT 'semantic',
	depth INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	branch_id UUID NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	role VARCHAR(20) NOT NULL,
	content TEXT NOT NULL,
	embedding vector,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_branches_conversation ON branches(conversation_id);
CREATE INDEX IF NOT EXISTS idx_branches_updated ON branches(conversation_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id);
CREATE INDEX IF NOT EXISTS idx_messages_branch_created ON messages(branch_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_branches_centroid_hnsw ON branches
	USING hnsw (centroid vector_cosine_ops) WITH (m = 16, ef_construction = 64);
`

// Store is the Branch Store: transactional persistence backed by a
// pgxpool.Pool, with one tx-scoped method per critical operation.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn and returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the schema if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

const uniqueViolation = "23505"

// UpsertConversation idempotently ensures a conversation row exists. A
// concurrent duplicate create raises a unique-violation on the primary key,
// which is swallowed rather than surfaced — the spec requires upsert to
// tolerate races rather than error on them.
func (s *Store) UpsertConversation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
	`, id)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil
	}
	return apperr.Wrap(apperr.KindInternal, "store.UpsertConversation", err)
}

// ListBranches returns every branch of conversationId ordered by updatedAt
// descending, ties broken by id descending (spec §3: "there is exactly one
// most recently updated branch ... ties in updatedAt are broken by
// identifier"), each annotated with its current message count.
func (s *Store) ListBranches(ctx context.Context, conversationID string) ([]model.BranchSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, summary, message_count, centroid, parent_branch_id, drift_type, updated_at
		FROM branches
		WHERE conversation_id = $1
		ORDER BY updated_at DESC, id DESC
	`, conversationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store.ListBranches", err)
	}
	defer rows.Close()

	var out []model.BranchSummary
	for rows.Next() {
		var (
			id, summary, driftType string
			messageCount           int
			centroid               *pgvector.Vector
			parentID               *string
			updatedAt              time.Time
		)
		if err := rows.Scan(&id, &summary, &messageCount, &centroid, &parentID, &driftType, &updatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "store.ListBranches", err)
		}
		out = append(out, model.BranchSummary{
			ID:           id,
			Summary:      summary,
			MessageCount: messageCount,
			Centroid:     vectorOrNil(centroid),
			ParentID:     parentID,
			DriftType:    model.DriftType(driftType),
			UpdatedAt:    updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store.ListBranches", err)
	}
	return out, nil
}

// LoadLastMessageContent returns the content of the most recent message in
// branchID, or "" with ok=false if the branch has no messages yet.
func (s *Store) LoadLastMessageContent(ctx context.Context, branchID string) (string, bool, error) {
	var content string
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM messages
		WHERE branch_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, branchID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindInternal, "store.LoadLastMessageContent", err)
	}
	return content, true, nil
}

// CreateBranch inserts a new branch row and returns the full Branch.
func (s *Store) CreateBranch(ctx context.Context, conversationID string, parentID *string, summary string, centroid []float32, driftType model.DriftType) (*model.Branch, error) {
	depth := 0
	if parentID != nil {
		if err := s.pool.QueryRow(ctx, `SELECT depth FROM branches WHERE id = $1`, *parentID).Scan(&depth); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "store.CreateBranch", err)
		}
		depth++
	}

	// message_count starts at 1: the Executor always inserts the triggering
	// message immediately after CreateBranch, and that message is already
	// folded into centroid (it *is* centroid, verbatim) rather than averaged
	// in — so the next STAY/ROUTE's weighted average must see a prior count
	// of 1, not 0.
	vec := pgvector.NewVector(centroid)
	id := uuid.New().String()
	var b model.Branch
	err := s.pool.QueryRow(ctx, `
		INSERT INTO branches (id, conversation_id, parent_branch_id, summary, centroid, drift_type, depth, message_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING id, conversation_id, parent_branch_id, summary, drift_type, depth, created_at, updated_at
	`, id, conversationID, parentID, summary, vec, string(driftType), depth).Scan(
		&b.ID, &b.ConversationID, &b.ParentBranchID, &b.Summary, &b.DriftType, &b.Depth, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store.CreateBranch", err)
	}
	b.Centroid = centroid
	return &b, nil
}

// InsertMessage appends a message row to branchID/conversationID.
func (s *Store) InsertMessage(ctx context.Context, conversationID, branchID string, role model.Role, content string, embedding []float32) (*model.Message, error) {
	vec := pgvector.NewVector(embedding)
	id := uuid.New().String()
	var m model.Message
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, branch_id, role, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, conversation_id, branch_id, role, content, created_at
	`, id, conversationID, branchID, string(role), content, vec).Scan(
		&m.ID, &m.ConversationID, &m.BranchID, &m.Role, &m.Content, &m.CreatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store.InsertMessage", err)
	}
	m.Embedding = embedding
	return &m, nil
}

// UpdateCentroidTx reads the branch's current message_count and writes a new
// centroid in a single transaction, under a row-level lock — the read of
// messageCount and the write of centroid must be atomic so the running
// average stays consistent when two requests race on the same branch.
func (s *Store) UpdateCentroidTx(ctx context.Context, branchID string, newEmbedding []float32, role model.Role, compute func(old []float32, messageCount int) ([]float32, error)) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.UpdateCentroidTx", err)
	}
	defer tx.Rollback(ctx)

	var (
		centroid     *pgvector.Vector
		messageCount int
	)
	err = tx.QueryRow(ctx, `
		SELECT centroid, message_count FROM branches
		WHERE id = $1
		FOR UPDATE
	`, branchID).Scan(&centroid, &messageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, "store.UpdateCentroidTx", "branch not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.UpdateCentroidTx", err)
	}

	newCentroid, err := compute(vectorOrNil(centroid), messageCount)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.UpdateCentroidTx", err)
	}

	vec := pgvector.NewVector(newCentroid)
	if _, err := tx.Exec(ctx, `
		UPDATE branches SET centroid = $1, message_count = message_count + 1, updated_at = now()
		WHERE id = $2
	`, vec, branchID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.UpdateCentroidTx", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, "store.UpdateCentroidTx", err)
	}
	return nil
}

// LoadBranch fetches a single branch by id, failing with NotFound if absent.
func (s *Store) LoadBranch(ctx context.Context, branchID string) (*model.Branch, error) {
	var (
		b        model.Branch
		centroid *pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, parent_branch_id, summary, centroid, drift_type, depth, created_at, updated_at
		FROM branches WHERE id = $1
	`, branchID).Scan(
		&b.ID, &b.ConversationID, &b.ParentBranchID, &b.Summary, &centroid, &b.DriftType, &b.Depth, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "store.LoadBranch", "branch not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store.LoadBranch", err)
	}
	b.Centroid = vectorOrNil(centroid)
	return &b, nil
}

func vectorOrNil(v *pgvector.Vector) []float32 {
	if v == nil {
		return nil
	}
	s := v.Slice()
	return s
}
