package flake

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"flakeflow/adjudicator"
	"flakeflow/evidence"
)

type fakeRepository struct {
	mu        sync.Mutex
	flakes    map[string]Flake
	events    map[string][]Event
	insertErr []error
	updates   int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		flakes: make(map[string]Flake),
		events: make(map[string][]Event),
	}
}

func (r *fakeRepository) Insert(_ context.Context, f Flake, actorID string) (Flake, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.insertErr) > 0 {
		err := r.insertErr[0]
		r.insertErr = r.insertErr[1:]
		if err != nil {
			return Flake{}, err
		}
	}
	if _, exists := r.flakes[f.ID]; exists {
		return Flake{}, ErrDuplicateFlake
	}
	for _, existing := range r.flakes {
		if existing.NumericID == f.NumericID {
			return Flake{}, ErrNumericIDTaken
		}
	}
	f.Version = 1
	r.flakes[f.ID] = f.Clone()
	r.appendEvent(f.ID, Change{Type: EventCreated, ActorID: actorID})
	return f.Clone(), nil
}

func (r *fakeRepository) Get(_ context.Context, id string) (Flake, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flakes[id]
	if !ok {
		return Flake{}, ErrFlakeNotFound
	}
	return f.Clone(), nil
}

func (r *fakeRepository) Update(_ context.Context, id string, fn UpdateFunc) (Flake, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.flakes[id]
	if !ok {
		return Flake{}, ErrFlakeNotFound
	}
	next := current.Clone()
	change, err := fn(&next)
	if errors.Is(err, ErrNoChange) {
		return current.Clone(), nil
	}
	if err != nil {
		return Flake{}, err
	}
	next.Version = current.Version + 1
	r.flakes[id] = next.Clone()
	r.updates++
	r.appendEvent(id, change)
	return next.Clone(), nil
}

func (r *fakeRepository) ListByParticipant(_ context.Context, participantID string) ([]Flake, error) {
	return r.filter(func(f Flake) bool { return f.Participant(participantID) != nil }), nil
}

func (r *fakeRepository) ListByStatus(_ context.Context, status Status, vt VerificationType) ([]Flake, error) {
	return r.filter(func(f Flake) bool {
		return f.Status == status && (vt == "" || f.VerificationType == vt)
	}), nil
}

func (r *fakeRepository) ListDueBefore(_ context.Context, status Status, cutoff time.Time, limit int) ([]Flake, error) {
	out := r.filter(func(f Flake) bool { return f.Status == status && f.Deadline.Before(cutoff) })
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepository) Events(_ context.Context, flakeID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[flakeID]...), nil
}

func (r *fakeRepository) filter(keep func(Flake) bool) []Flake {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Flake
	for _, f := range r.flakes {
		if keep(f) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeRepository) appendEvent(id string, change Change) {
	seq := len(r.events[id]) + 1
	r.events[id] = append(r.events[id], Event{
		ID:      int64(seq),
		FlakeID: id,
		Seq:     seq,
		Type:    change.Type,
		ActorID: change.ActorID,
	})
}

type fakeEvidenceStore struct {
	mu    sync.Mutex
	pin   evidence.Pin
	err   error
	calls int
}

func (e *fakeEvidenceStore) Upload(_ context.Context, data []byte, _, _ string) (evidence.Pin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return evidence.Pin{}, e.err
	}
	pin := e.pin
	if pin.Size == 0 {
		pin.Size = int64(len(data))
	}
	return pin, nil
}

type fakeJudge struct {
	verdict adjudicator.Verdict
	reply   string
	err     error
	calls   int
	last    adjudicator.Summary
}

func (j *fakeJudge) Review(_ context.Context, s adjudicator.Summary) (adjudicator.Verdict, error) {
	j.calls++
	j.last = s
	if j.err != nil {
		return adjudicator.Verdict{}, j.err
	}
	if j.reply != "" {
		return adjudicator.ParseVerdict(j.reply), nil
	}
	return j.verdict, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	err   error
	calls []string
	n     int
}

func (b *fakeBroadcaster) Submit(_ context.Context, _ string, _ []byte, value *big.Int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.n++
	b.calls = append(b.calls, value.String())
	return "0xtx" + string(rune('a'+b.n-1)), nil
}

type failingSigner struct{}

func (failingSigner) Link(string) (string, error)   { return "", errors.New("hsm offline") }
func (failingSigner) Verify(string, string) error { return errors.New("hsm offline") }
