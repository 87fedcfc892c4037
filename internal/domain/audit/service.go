package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service is the audit trail collaborator. Callers invoke Record after
// their own operation commits; a failed audit write is the caller's to
// log, never a reason to roll the operation back.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record appends one audit entry.
func (s *Service) Record(ctx context.Context, e Entry) error {
	e.Actor = strings.TrimSpace(e.Actor)
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if strings.TrimSpace(e.Entity) == "" {
		return fmt.Errorf("entity is required")
	}
	if e.EntityID == uuid.Nil {
		return fmt.Errorf("entity_id is required")
	}
	if err := s.repo.Insert(ctx, &e); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Service) ListByEntity(ctx context.Context, entity string, entityID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByEntity(ctx, entity, entityID, limit, offset)
}

func (s *Service) ListByActor(ctx context.Context, actor string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByActor(ctx, actor, limit, offset)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, limit, offset)
}
