package flake

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	sweepBatch       = 100
	sweepConcurrency = 4
	sweeperActor     = "system:sweeper"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Opened    int
	Broadcast int
	Failed    int
}

// SweepExpired cancels flakes whose deadline passed before every stake was
// in, then retries the broadcast for flakes it cancelled earlier whose
// cancellation was never recorded. Refunds opened by an oracle are left to
// that oracle. Per-flake failures are logged and do not stop the pass.
func (s *Service) SweepExpired(ctx context.Context) (SweepReport, error) {
	due, err := s.repo.ListDueBefore(ctx, StatusPendingStakes, s.now().UTC(), sweepBatch)
	if err != nil {
		return SweepReport{}, err
	}

	var opened, broadcast, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, f := range due {
		g.Go(func() error {
			res, err := s.OpenRefunds(gctx, OpenRefundsParams{FlakeID: f.ID, RequestedBy: sweeperActor})
			if errors.Is(err, ErrConflict) {
				return nil
			}
			if err != nil {
				failed.Add(1)
				s.logger.Error("flake: sweep open refunds failed", "flake_id", f.ID, "err", err)
				return nil
			}
			opened.Add(1)
			s.logger.Info("flake: sweep opened refunds", "flake_id", f.ID, "deadline", f.Deadline)
			if s.broadcastCancel(gctx, res.Flake, res.Call) {
				broadcast.Add(1)
			} else if s.submitter != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}

	if s.submitter != nil {
		refunding, err := s.repo.ListByStatus(ctx, StatusRefunding, "")
		if err != nil {
			return SweepReport{}, err
		}
		for _, f := range refunding {
			if f.CancelTx != "" || f.RefundsOpenedBy != sweeperActor {
				continue
			}
			data, err := s.ledger.OpenRefundsCalldata(s.ledger.ToNumericID(f.ID))
			if err != nil {
				failed.Add(1)
				continue
			}
			call := LedgerCall{Calldata: data, ChainID: f.ChainID, ContractAddress: f.ContractAddress}
			if s.broadcastCancel(ctx, f, call) {
				broadcast.Add(1)
			} else {
				failed.Add(1)
			}
		}
	}

	return SweepReport{
		Opened:    int(opened.Load()),
		Broadcast: int(broadcast.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// broadcastCancel submits the open-refunds call and records its hash.
// It reports false when nothing was recorded.
func (s *Service) broadcastCancel(ctx context.Context, f Flake, call LedgerCall) bool {
	if s.submitter == nil {
		return false
	}
	hash, err := s.Broadcast(ctx, call)
	if err != nil {
		s.logger.Error("flake: sweep broadcast failed", "flake_id", f.ID, "err", err)
		return false
	}
	if _, err := s.MarkRefundOpened(ctx, MarkRefundOpenedParams{FlakeID: f.ID, TxRef: hash, ActorID: sweeperActor}); err != nil {
		s.logger.Error("flake: sweep record cancel tx failed", "flake_id", f.ID, "tx", hash, "err", err)
		return false
	}
	return true
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.SweepExpired(ctx)
		if err != nil {
			s.logger.Error("flake: sweep failed", "err", err)
		} else if report != (SweepReport{}) {
			s.logger.Info("flake: sweep complete", "opened", report.Opened, "broadcast", report.Broadcast, "failed", report.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
