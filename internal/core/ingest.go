package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/store"
)

// embedInterval spaces out embedding calls during bulk ingestion to stay under
// the API rate limit.
const embedInterval = 100 * time.Millisecond

// systemOwner owns documents loaded from files rather than by a user.
const systemOwner int64 = 0

// IngestDataFromFile replaces the knowledge base with the rows of a
// single-column markdown table. It returns the number of documents stored.
func (s *RAGService) IngestDataFromFile(ctx context.Context, filePath string) (int, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read data file %s: %w", filePath, err)
	}

	cells, skipped := store.ParseMarkdownTable(string(content))
	for _, line := range skipped {
		s.logger.Debug("skipping line that is not a table row", zap.String("line", line))
	}
	if len(cells) == 0 {
		return 0, fmt.Errorf("no table rows found in %s", filePath)
	}

	cleared, err := s.dbStore.ClearDocumentsOfType(ctx, domain.DocTypeKnowledgeBase)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old knowledge base: %w", err)
	}
	s.dropCached(domain.DocTypeKnowledgeBase)
	if cleared > 0 {
		s.logger.Info("cleared previous knowledge base", zap.Int64("documents", cleared))
	}

	ticker := time.NewTicker(embedInterval)
	defer ticker.Stop()

	ingested := 0
	for i, cell := range cells {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ingested, ctx.Err()
			case <-ticker.C:
			}
		}
		metadata := map[string]any{
			"type":   domain.DocTypeKnowledgeBase,
			"source": filePath,
			"row":    i + 1,
		}
		if _, err := s.Ingest(ctx, systemOwner, cell, metadata); err != nil {
			s.logger.Warn("failed to ingest row", zap.Int("row", i+1), zap.Error(err))
			continue
		}
		ingested++
		if ingested%10 == 0 {
			s.logger.Info("ingestion progress", zap.Int("ingested", ingested), zap.Int("total", len(cells)))
		}
	}
	return ingested, nil
}

func (s *RAGService) dropCached(docType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.documents[:0]
	for _, d := range s.documents {
		if d.Type() != docType {
			kept = append(kept, d)
		}
	}
	s.documents = kept
}
