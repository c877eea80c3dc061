package syncing

import (
	"context"

	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/shared"
)

// StatusService reports the state of the change log
type StatusService struct {
	repo   shared.ChangeLogRepository
	logger *zap.Logger
}

// NewStatusService creates a new status service
func NewStatusService(
	repo shared.ChangeLogRepository,
	logger *zap.Logger,
) *StatusService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusService{
		repo:   repo,
		logger: logger,
	}
}

// StatsDTO represents change log statistics
type StatsDTO struct {
	Pending  int64                       `json:"pending"`
	Synced   int64                       `json:"synced"`
	Total    int64                       `json:"total"`
	ByEntity map[shared.EntityType]int64 `json:"pending_by_entity"`
}

// GetStats returns change log statistics
func (s *StatusService) GetStats(ctx context.Context) (*StatsDTO, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("Failed to get change log stats", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to get change log stats")
	}

	stats := &StatsDTO{
		Pending:  counts[shared.ChangeStatusPending],
		Synced:   counts[shared.ChangeStatusSynced],
		ByEntity: make(map[shared.EntityType]int64, len(Order)),
	}
	stats.Total = stats.Pending + stats.Synced

	for _, et := range Order {
		n, err := s.repo.CountPending(ctx, et)
		if err != nil {
			s.logger.Error("Failed to count pending entries", zap.Error(err), zap.String("entity", string(et)))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to get change log stats")
		}
		stats.ByEntity[et] = n
	}

	return stats, nil
}
