package trade

import (
	"context"

	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/model"
)

// loadOrCreateLPUser returns the provider's running totals in pool, creating
// an empty record on first sight. The caller saves it.
func (s *Service) loadOrCreateLPUser(ctx context.Context, id, pool, user string) (*model.LPUserLiquidity, error) {
	lp, err := s.st.LPUserLiquidity.Find(ctx, id)
	if err != nil || lp != nil {
		return lp, err
	}
	return &model.LPUserLiquidity{ID: id, Pool: pool, User: user}, nil
}

func (s *Service) liquidityQueued(ctx context.Context, e *event.LiquidityQueued) error {
	isDeposit := e.Kind == event.KindDepositQueued
	// Queue id 0 is processed in the same transaction and never pends. A
	// first deposit still registers its provider.
	if e.QueueID == 0 && !isDeposit {
		return nil
	}
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pool, err := s.pool(ctx, m)
	if err != nil {
		return err
	}

	lp, err := s.loadOrCreateLPUser(ctx, ident.LPUserLiquidity(pool.ID, e.User), pool.ID, ident.FromAddress(e.User))
	if err != nil {
		return err
	}
	if err := s.st.LPUserLiquidity.Put(ctx, lp.ID, lp); err != nil {
		return err
	}
	if e.QueueID == 0 {
		return nil
	}

	action := &model.PendingAction{
		ID:              ident.PendingAction(pool.ID, e.QueueID, isDeposit),
		Pool:            pool.ID,
		LPUserLiquidity: lp.ID,
		IsDeposit:       isDeposit,
		QueueID:         e.QueueID,
		Timestamp:       e.Timestamp,
		TransactionHash: e.TxHash.Hex(),
		PendingAmount:   e.Amount,
	}
	if err := s.st.PendingActions.Put(ctx, action.ID, action); err != nil {
		return err
	}

	var deposits, withdrawals fixed.Scaled18
	if isDeposit {
		deposits = e.Amount
		pool.PendingDeposits = pool.PendingDeposits.Add(e.Amount)
	} else {
		withdrawals = e.Amount
		pool.PendingWithdrawals = pool.PendingWithdrawals.Add(e.Amount)
	}
	return s.engine.RecordPendingLiquidity(ctx, pool, e.Timestamp, e.Block, deposits, withdrawals)
}

// liquidityProcessed records a processed deposit or withdrawal against its
// provider and, for queued entries, releases the queue. A fully processed
// entry is removed; a partially processed withdrawal keeps its remainder.
func (s *Service) liquidityProcessed(ctx context.Context, e *event.LiquidityProcessed) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pool, err := s.pool(ctx, m)
	if err != nil {
		return err
	}

	isDeposit := e.Kind == event.KindDepositProcessed
	partial := e.Kind == event.KindWithdrawPartial

	var action *model.PendingAction
	actionID := ident.PendingAction(pool.ID, e.QueueID, isDeposit)
	if e.QueueID != 0 {
		action, err = s.st.PendingActions.Find(ctx, actionID)
		if err != nil {
			return err
		}
		if action == nil {
			s.log.Warn("processed liquidity was never queued", "pool", pool.ID, "queue_id", e.QueueID, "block", e.Block)
		}
	}

	// Deposits credit the beneficiary; queued withdrawals credit whoever
	// queued them, not the keeper that processed the queue.
	lpID := ident.LPUserLiquidity(pool.ID, e.User)
	if !isDeposit && action != nil && action.LPUserLiquidity != "" {
		lpID = action.LPUserLiquidity
	}
	lp, err := s.loadOrCreateLPUser(ctx, lpID, pool.ID, ident.FromAddress(e.User))
	if err != nil {
		return err
	}
	if isDeposit {
		lp.TotalAmountDeposited = lp.TotalAmountDeposited.Add(e.Amount)
	} else {
		lp.TotalAmountWithdrawn = lp.TotalAmountWithdrawn.Add(e.Amount)
	}
	if err := s.st.LPUserLiquidity.Put(ctx, lp.ID, lp); err != nil {
		return err
	}

	la := &model.LPAction{
		ID:              ident.LPAction(lp.ID, e.TxHash),
		Pool:            pool.ID,
		LPUserLiquidity: lp.ID,
		IsDeposit:       isDeposit,
		QueueID:         e.QueueID,
		Timestamp:       e.Timestamp,
		BlockNumber:     e.Block,
		TransactionHash: e.TxHash.Hex(),
		QuoteAmount:     e.QuoteAmount,
		TokenPrice:      e.TokenPrice,
		TokenAmount:     e.TokenAmount,
	}
	if err := s.st.LPActions.Put(ctx, la.ID, la); err != nil {
		return err
	}

	if e.QueueID == 0 {
		return nil
	}
	if action != nil {
		action.ProcessedAmount = action.ProcessedAmount.Add(e.Amount)
		action.PendingAmount = action.PendingAmount.Sub(e.Amount)
		if partial && action.PendingAmount.IsPositive() {
			err = s.st.PendingActions.Put(ctx, actionID, action)
		} else {
			err = s.st.PendingActions.Delete(ctx, actionID)
		}
		if err != nil {
			return err
		}
	}

	var deposits, withdrawals fixed.Scaled18
	if isDeposit {
		deposits = e.Amount.Neg()
		pool.PendingDeposits = pool.PendingDeposits.Sub(e.Amount)
	} else {
		withdrawals = e.Amount.Neg()
		pool.PendingWithdrawals = pool.PendingWithdrawals.Sub(e.Amount)
	}
	return s.engine.RecordPendingLiquidity(ctx, pool, e.Timestamp, e.Block, deposits, withdrawals)
}

// circuitBreakerUpdated records a liquidity circuit breaker firing and
// stamps the pool with its expiry.
func (s *Service) circuitBreakerUpdated(ctx context.Context, e *event.CircuitBreakerUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pool, err := s.pool(ctx, m)
	if err != nil {
		return err
	}

	cb := &model.CircuitBreaker{
		ID:                       ident.CircuitBreaker(pool.ID, e.TxHash),
		Pool:                     pool.ID,
		Timestamp:                e.Timestamp,
		BlockNumber:              e.Block,
		TransactionHash:          e.TxHash.Hex(),
		Until:                    e.Until,
		IVVarianceCrossed:        e.IVVarianceCrossed,
		SkewVarianceCrossed:      e.SkewVarianceCrossed,
		LiquidityVarianceCrossed: e.LiquidityVarianceCrossed,
	}
	if err := s.st.CircuitBreakers.Put(ctx, cb.ID, cb); err != nil {
		return err
	}
	pool.CircuitBreakerUntil = e.Until
	return s.st.Pools.Put(ctx, pool.ID, pool)
}
