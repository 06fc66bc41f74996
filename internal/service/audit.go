package service

import (
	"context"
	"fmt"

	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage"
)

// AuditService writes immutable audit trail entries.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// Write stores a single immutable audit record inside the caller's unit of
// work.
func (s *AuditService) Write(ctx context.Context, q storage.Queries, entityType, entityID, action, prevState, nextState string, metadata []byte) error {
	if err := q.InsertAudit(ctx, models.AuditRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		PrevState:  prevState,
		NextState:  nextState,
		Metadata:   metadata,
	}); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
