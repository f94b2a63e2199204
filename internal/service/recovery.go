package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/logger"
)

const recoveryBatchSize = 100

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	Scanned    int
	RolledBack int
	Completed  int
	Failed     int
}

// RecoveryService reconciles checkouts a crashed process left midway.
// Journals still reserving or compensating are rolled back; reserved ones
// are completed.
type RecoveryService struct {
	saga       *saga
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewRecoveryService creates a new recovery service.
func NewRecoveryService(
	store repository.Store,
	cartService *CartService,
	inventory *InventoryService,
	producer *event.Producer,
	interval, staleAfter time.Duration,
	logger *slog.Logger,
) *RecoveryService {
	return &RecoveryService{
		saga:       newSaga(store, cartService, inventory, producer, logger),
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run recovers stale journals every interval until ctx is cancelled.
func (s *RecoveryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("checkout recovery started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("checkout recovery stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RecoverOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "checkout recovery pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RecoverOnce processes every journal untouched for longer than staleAfter.
// Running it repeatedly is safe.
func (s *RecoveryService) RecoverOnce(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult

	cutoff := s.saga.now().Add(-s.staleAfter)
	journals, err := s.saga.journals.ListStale(ctx, cutoff, recoveryBatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale journals: %w", err)
	}

	for i := range journals {
		j := &journals[i]
		res.Scanned++
		jctx := logger.WithOrderID(ctx, j.OrderID)

		switch j.State {
		case domain.JournalReserving, domain.JournalCompensating:
			if s.saga.compensate(jctx, j, "checkout abandoned") {
				res.RolledBack++
			} else {
				res.Failed++
			}
		case domain.JournalReserved:
			if err := s.complete(jctx, j); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					s.logger.InfoContext(jctx, "checkout claimed elsewhere, skipped",
						slog.String("order_id", j.OrderID),
					)
					continue
				}
				res.Failed++
				s.logger.ErrorContext(jctx, "failed to complete checkout",
					slog.String("order_id", j.OrderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			res.Completed++
		}
	}

	if res.Scanned > 0 {
		s.logger.InfoContext(ctx, "checkout recovery pass finished",
			slog.Int("scanned", res.Scanned),
			slog.Int("rolled_back", res.RolledBack),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *RecoveryService) complete(ctx context.Context, j *domain.CheckoutJournal) error {
	// Claim the journal so a live checkout finishing at the same time loses
	// its final write instead of completing twice.
	if err := s.saga.saveJournal(ctx, j); err != nil {
		return err
	}

	o, err := s.saga.orders.GetByID(ctx, j.OrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The order is gone, so the reservation has no owner.
			if s.saga.compensate(ctx, j, "order missing after reservation") {
				return nil
			}
			return fmt.Errorf("roll back orphaned reservation for %s", j.OrderID)
		}
		return fmt.Errorf("get order: %w", err)
	}
	return s.saga.finish(ctx, j, o)
}
