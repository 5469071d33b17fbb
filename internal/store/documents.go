package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParseEffectiveFrom reads the optional versioned-publication date from
// document metadata. Both RFC 3339 timestamps and plain dates are accepted.
func ParseEffectiveFrom(metadata map[string]any) (*time.Time, error) {
	raw, ok := metadata["effective_from"]
	if !ok || raw == nil {
		return nil, nil
	}
	str, ok := raw.(string)
	if !ok || strings.TrimSpace(str) == "" {
		return nil, fmt.Errorf("effective_from must be a date string, got %T", raw)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, str); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("effective_from %q is not RFC 3339 or YYYY-MM-DD", str)
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	doc.CreatedAt = s.timestamp()

	metadataBytes, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	embeddingBytes, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO documents (id, content, metadata_json, embedding_json, effective_from, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare document insert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, string(metadataBytes), string(embeddingBytes), doc.EffectiveFrom, doc.CreatedAt); err != nil {
		return fmt.Errorf("failed to execute document insert: %w", err)
	}
	return nil
}

// GetAllDocuments loads every document with its embedding. Rows with an
// unreadable embedding are returned without one so search skips them.
func (s *SQLiteStore) GetAllDocuments(ctx context.Context) ([]Document, []error, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content, metadata_json, embedding_json, effective_from, created_at FROM documents ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	var warnings []error
	for rows.Next() {
		var doc Document
		var metadataJSON string
		var embeddingJSON sql.NullString
		var effectiveFrom sql.NullTime
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &embeddingJSON, &effectiveFrom, &doc.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &doc.Metadata); err != nil {
			warnings = append(warnings, fmt.Errorf("document %s: bad metadata: %w", doc.ID, err))
			doc.Metadata = map[string]any{}
		}
		if effectiveFrom.Valid {
			t := effectiveFrom.Time.UTC()
			doc.EffectiveFrom = &t
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" && embeddingJSON.String != "null" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &doc.Embedding); err != nil {
				warnings = append(warnings, fmt.Errorf("document %s: bad embedding: %w", doc.ID, err))
				doc.Embedding = nil
			}
		} else {
			warnings = append(warnings, fmt.Errorf("document %s: empty embedding", doc.ID))
		}
		docs = append(docs, doc)
	}
	return docs, warnings, rows.Err()
}

// ClearDocumentsOfType deletes all documents whose metadata type matches.
func (s *SQLiteStore) ClearDocumentsOfType(ctx context.Context, docType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE json_extract(metadata_json, '$.type') = ?", docType)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ParseMarkdownTable extracts the cell text of a single-column markdown table
// (header and separator rows skipped). Rows that do not look like table rows
// are reported in skipped.
func ParseMarkdownTable(content string) (cells []string, skipped []string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if i == 0 && strings.Contains(trimmed, "|") && (strings.Contains(lower, "text") || strings.Contains(lower, "content")) {
			continue // header
		}
		if strings.Contains(trimmed, "|") && strings.Contains(trimmed, "---") {
			continue // separator
		}
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			skipped = append(skipped, trimmed)
			continue
		}
		// "| some content |" splits into ["", " some content ", ""]
		parts := strings.Split(trimmed, "|")
		if len(parts) < 3 {
			skipped = append(skipped, trimmed)
			continue
		}
		if cell := strings.TrimSpace(parts[1]); cell != "" {
			cells = append(cells, cell)
		} else {
			skipped = append(skipped, trimmed)
		}
	}
	return cells, skipped
}
