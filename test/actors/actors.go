// Package actors drives the flake engine from many goroutines at once.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"flakeflow/flake"
	"flakeflow/relay"
)

const winnerAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// Registry remembers the flakes created during a run so other actors can
// target them.
type Registry struct {
	mu  sync.Mutex
	ids []string
}

func (r *Registry) Add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Pick returns a random id, favouring recent flakes.
func (r *Registry) Pick() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", false
	}
	window := min(len(r.ids), 16)
	return r.ids[len(r.ids)-1-rand.Intn(window)], true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Stats counts outcomes across actors. Unexpected errors are engine errors
// classified as internal; they are reported, not fatal, because chaos kills
// connections mid-transaction.
type Stats struct {
	Ops        atomic.Int64
	Rejected   atomic.Int64
	Unexpected atomic.Int64

	mu   sync.Mutex
	last error
}

func (s *Stats) record(err error) {
	s.Ops.Add(1)
	if err == nil {
		return
	}
	if flake.KindOf(err) != flake.KindInternal {
		s.Rejected.Add(1)
		return
	}
	s.Unexpected.Add(1)
	s.mu.Lock()
	s.last = err
	s.mu.Unlock()
}

func (s *Stats) LastUnexpected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Stats) String() string {
	return fmt.Sprintf("ops=%d rejected=%d unexpected=%d", s.Ops.Load(), s.Rejected.Load(), s.Unexpected.Load())
}

// loop runs step until ctx is done or stop closes, sleeping a jittered pause
// between iterations.
func loop(ctx context.Context, stop <-chan struct{}, pause time.Duration, step func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step(ctx)
		time.Sleep(pause + time.Duration(rand.Int63n(int64(pause))))
	}
}

// Creator opens social flakes for three participants. Roughly one in four gets
// a deadline a few seconds out so the sweeper has work.
func Creator(ctx context.Context, svc *flake.Service, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 40*time.Millisecond, func(ctx context.Context) {
		deadline := time.Now().Add(time.Hour)
		if rand.Intn(4) == 0 {
			deadline = time.Now().Add(time.Duration(1+rand.Intn(3)) * time.Second)
		}
		f, err := svc.Create(ctx, flake.CreateParams{
			CreatorID:        "p1",
			Title:            "stress",
			Stake:            "1.5",
			VerificationType: flake.VerificationSocial,
			Deadline:         deadline,
			Participants: []flake.ParticipantParams{
				{ID: "p1", Stake: "1.5"},
				{ID: "p2", Stake: "1.5"},
				{ID: "p3", Stake: "1.5"},
			},
		})
		stats.record(err)
		if err == nil {
			reg.Add(f.ID)
		}
	})
}

// Depositor confirms stakes with its own transaction references. Several
// depositors race for the same participant; only one reference may stick.
func Depositor(ctx context.Context, svc *flake.Service, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 15*time.Millisecond, func(ctx context.Context) {
		id, ok := reg.Pick()
		if !ok {
			return
		}
		participant := fmt.Sprintf("p%d", 1+rand.Intn(3))
		_, err := svc.ConfirmDeposit(ctx, flake.ConfirmDepositParams{
			FlakeID:       id,
			ParticipantID: participant,
			Amount:        "1.5",
			TxRef:         fmt.Sprintf("0x%016x", rand.Uint64()),
		})
		stats.record(err)
	})
}

// Attestor submits a random verdict from a random participant.
func Attestor(ctx context.Context, svc *flake.Service, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	verdicts := []flake.Verdict{flake.VerdictApproved, flake.VerdictRejected, flake.VerdictAbstain}
	return loop(ctx, stop, 30*time.Millisecond, func(ctx context.Context) {
		id, ok := reg.Pick()
		if !ok {
			return
		}
		_, err := svc.SubmitAttestation(ctx, flake.AttestationParams{
			FlakeID:    id,
			AttestorID: fmt.Sprintf("p%d", 1+rand.Intn(3)),
			Verdict:    verdicts[rand.Intn(len(verdicts))],
		})
		stats.record(err)
	})
}

// Resolver settles flakes awaiting a verdict. Resolvers race each other and
// the sweeper; at most one settlement per flake may win.
func Resolver(ctx context.Context, svc *flake.Service, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 60*time.Millisecond, func(ctx context.Context) {
		due, err := svc.ListByStatus(ctx, flake.StatusAwaitingVerdict, flake.VerificationSocial)
		stats.record(err)
		if err != nil || len(due) == 0 {
			return
		}
		f := due[rand.Intn(len(due))]
		_, err = svc.Resolve(ctx, flake.ResolveParams{
			FlakeID:       f.ID,
			WinnerID:      f.Participants[rand.Intn(len(f.Participants))].ID,
			WinnerAddress: winnerAddress,
			ResolvedBy:    "oracle:stress",
		})
		stats.record(err)
	})
}

// Sweeper opens refunds for flakes whose deadline passed without every stake.
func Sweeper(ctx context.Context, svc *flake.Service, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 500*time.Millisecond, func(ctx context.Context) {
		_, err := svc.SweepExpired(ctx)
		stats.record(err)
	})
}

// FlakyPublisher fails one publish in ten.
type FlakyPublisher struct {
	Published atomic.Int64
}

func (p *FlakyPublisher) Publish(context.Context, relay.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("downstream unavailable")
	}
	p.Published.Add(1)
	return nil
}

// Relay drains the outbox through a flaky publisher.
func Relay(ctx context.Context, r *relay.Relay, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, 100*time.Millisecond, func(ctx context.Context) {
		_, err := r.Flush(ctx)
		stats.record(err)
	})
}
