package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// SearchParams scopes a full-text search over one content type.
type SearchParams struct {
	WorkspaceID string
	CompanyID   string
	Query       string
	DocumentIDs []string // restricts document chunk search when non-empty
	Limit       int
}

// SearchHit is one ranked full-text match. Rank is the negated bm25 score,
// so larger is more relevant.
type SearchHit struct {
	ID         string
	ParentID   string
	ChunkIndex int
	Title      string
	Text       string
	Locator    string
	Timestamp  time.Time
	Rank       float64
}

// --- seed inserts ---

func (s *Store) SaveCompany(ctx context.Context, c Company) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO companies (id, workspace_id, name) VALUES (?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name)
	return err
}

func (s *Store) GetCompany(ctx context.Context, id string) (Company, error) {
	var c Company
	err := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, name FROM companies WHERE id = ?`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.Name)
	if err == sql.ErrNoRows {
		return Company{}, ErrNotFound
	}
	return c, err
}

func (s *Store) SaveNote(ctx context.Context, n Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, workspace_id, company_id, title, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.WorkspaceID, nullString(n.CompanyID), n.Title, n.Body, formatTime(n.UpdatedAt))
	return err
}

// SaveDocument stores a document and its text chunks in one transaction.
func (s *Store) SaveDocument(ctx context.Context, d Document, chunks []DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning document transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, company_id, title, imported_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.WorkspaceID, nullString(d.CompanyID), d.Title, formatTime(d.ImportedAt)); err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, text, locator) VALUES (?, ?, ?, ?)`,
			d.ID, c.ChunkIndex, c.Text, c.Locator); err != nil {
			return fmt.Errorf("inserting chunk %d of %s: %w", c.ChunkIndex, d.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveSnippet(ctx context.Context, sn Snippet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snippets (id, workspace_id, company_id, document_id, text, locator, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.WorkspaceID, nullString(sn.CompanyID), nullString(sn.DocumentID), sn.Text, sn.Locator, formatTime(sn.CreatedAt))
	return err
}

// SnippetDocumentIDs maps snippet ids to their parent document ids.
// Snippets without a parent document are omitted.
func (s *Store) SnippetDocumentIDs(ctx context.Context, snippetIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(snippetIDs))
	if len(snippetIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(snippetIDs))
	for i, id := range snippetIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id FROM snippets WHERE document_id IS NOT NULL AND id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, docID string
		if err := rows.Scan(&id, &docID); err != nil {
			return nil, err
		}
		out[id] = docID
	}
	return out, rows.Err()
}

// --- full-text search ---

// ftsQuery turns free text into an FTS5 expression of OR'ed quoted terms so
// user punctuation never reaches the FTS5 query parser.
func ftsQuery(q string) string {
	terms := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(t)
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (s *Store) SearchNotes(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	match := ftsQuery(p.Query)
	if match == "" || p.Limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT n.id, n.title, n.body, n.updated_at, bm25(notes_fts) AS rank
		FROM notes_fts JOIN notes n ON n.rowid = notes_fts.rowid
		WHERE notes_fts MATCH ? AND n.workspace_id = ?`
	args := []any{match, p.WorkspaceID}
	if p.CompanyID != "" {
		query += ` AND n.company_id = ?`
		args = append(args, p.CompanyID)
	}
	query += ` ORDER BY rank ASC, n.updated_at DESC, n.id ASC LIMIT ?`
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching notes: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var ts string
		var rank float64
		if err := rows.Scan(&h.ID, &h.Title, &h.Text, &ts, &rank); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		h.ParentID = h.ID
		h.Rank = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) SearchDocumentChunks(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	match := ftsQuery(p.Query)
	if match == "" || p.Limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT c.document_id, c.chunk_index, c.text, c.locator, d.title, d.imported_at, bm25(document_chunks_fts) AS rank
		FROM document_chunks_fts
		JOIN document_chunks c ON c.rowid = document_chunks_fts.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE document_chunks_fts MATCH ? AND d.workspace_id = ?`
	args := []any{match, p.WorkspaceID}
	if p.CompanyID != "" {
		query += ` AND d.company_id = ?`
		args = append(args, p.CompanyID)
	}
	if len(p.DocumentIDs) > 0 {
		query += ` AND d.id IN (` + placeholders(len(p.DocumentIDs)) + `)`
		for _, id := range p.DocumentIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY rank ASC, d.imported_at DESC, d.id ASC, c.chunk_index ASC LIMIT ?`
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching document chunks: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var ts string
		var rank float64
		if err := rows.Scan(&h.ID, &h.ChunkIndex, &h.Text, &h.Locator, &h.Title, &ts, &rank); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		h.ParentID = h.ID
		h.Rank = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) SearchSnippets(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	match := ftsQuery(p.Query)
	if match == "" || p.Limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT sn.id, COALESCE(sn.document_id, ''), sn.text, sn.locator, COALESCE(d.title, ''), sn.created_at, bm25(snippets_fts) AS rank
		FROM snippets_fts
		JOIN snippets sn ON sn.rowid = snippets_fts.rowid
		LEFT JOIN documents d ON d.id = sn.document_id
		WHERE snippets_fts MATCH ? AND sn.workspace_id = ?`
	args := []any{match, p.WorkspaceID}
	if p.CompanyID != "" {
		query += ` AND COALESCE(sn.company_id, d.company_id) = ?`
		args = append(args, p.CompanyID)
	}
	if len(p.DocumentIDs) > 0 {
		// Standalone snippets stay eligible; document-backed ones follow the scope.
		query += ` AND (COALESCE(sn.document_id, '') = '' OR sn.document_id IN (` + placeholders(len(p.DocumentIDs)) + `))`
		for _, id := range p.DocumentIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY rank ASC, sn.created_at DESC, sn.id ASC LIMIT ?`
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching snippets: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var ts string
		var rank float64
		if err := rows.Scan(&h.ID, &h.ParentID, &h.Text, &h.Locator, &h.Title, &ts, &rank); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if h.ParentID == "" {
			h.ParentID = h.ID
		}
		h.Rank = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchArtifacts searches artifacts produced by successful runs.
func (s *Store) SearchArtifacts(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	match := ftsQuery(p.Query)
	if match == "" || p.Limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT a.id, a.title, a.content, a.created_at, bm25(artifacts_fts) AS rank
		FROM artifacts_fts
		JOIN artifacts a ON a.rowid = artifacts_fts.rowid
		JOIN agent_runs r ON r.id = a.agent_run_id
		WHERE artifacts_fts MATCH ? AND r.workspace_id = ? AND r.status = 'success'`
	args := []any{match, p.WorkspaceID}
	if p.CompanyID != "" {
		query += ` AND r.company_id = ?`
		args = append(args, p.CompanyID)
	}
	query += ` ORDER BY rank ASC, a.created_at DESC, a.id ASC LIMIT ?`
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching artifacts: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var ts string
		var rank float64
		if err := rows.Scan(&h.ID, &h.Title, &h.Text, &ts, &rank); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		h.ParentID = h.ID
		h.Rank = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
