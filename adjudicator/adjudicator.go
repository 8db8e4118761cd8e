// Package adjudicator asks a generative model to score a flake's evidence.
package adjudicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUpstream wraps transport and HTTP failures of the model provider.
var ErrUpstream = errors.New("adjudicator: upstream unavailable")

const systemPrompt = `You judge whether a group commitment was completed, based only on the evidence listed.
Reply with a single JSON object and nothing else: {"score": <integer 0-100>, "rationale": "<one short paragraph>"}.
A score of 60 or more means the commitment was met.`

// Summary is the structured view of a flake handed to the judge.
type Summary struct {
	FlakeID          string
	Title            string
	Description      string
	VerificationType string
	Stake            string
	Deadline         time.Time
	Participants     int
	AttestationCount int
	Evidence         []EvidenceItem
}

type EvidenceItem struct {
	CID        string
	UploaderID string
	MimeType   string
	Size       int64
	Title      string
	UploadedAt time.Time
}

// Verdict is the parsed judgement. Score is always within 0..100.
type Verdict struct {
	Score     int
	Rationale string
}

// Provider sends a prompt to a model and returns its raw text reply.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type Judge struct {
	provider Provider
}

func NewJudge(provider Provider) *Judge {
	return &Judge{provider: provider}
}

// Review renders s into a prompt and analyzes it.
func (j *Judge) Review(ctx context.Context, s Summary) (Verdict, error) {
	return j.Analyze(ctx, RenderPrompt(s))
}

// Analyze sends prompt to the provider. Only transport failures are errors;
// an unusable reply degrades to a zero score.
func (j *Judge) Analyze(ctx context.Context, prompt string) (Verdict, error) {
	text, err := j.provider.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		if errors.Is(err, ErrUpstream) {
			return Verdict{}, err
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return ParseVerdict(text), nil
}

// RenderPrompt formats the summary as plain text for the model.
func RenderPrompt(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commitment: %s\n", s.Title)
	if s.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", s.Description)
	}
	fmt.Fprintf(&b, "Flake id: %s\n", s.FlakeID)
	fmt.Fprintf(&b, "Verification: %s\n", s.VerificationType)
	fmt.Fprintf(&b, "Stake per participant: %s\n", s.Stake)
	fmt.Fprintf(&b, "Deadline: %s\n", s.Deadline.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Participants: %d\n", s.Participants)
	fmt.Fprintf(&b, "Attestations so far: %d\n", s.AttestationCount)

	if len(s.Evidence) == 0 {
		b.WriteString("Evidence: none submitted\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Evidence (%d items):\n", len(s.Evidence))
	for i, e := range s.Evidence {
		title := e.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%d. %s [%s, %d bytes] cid=%s uploaded by %s at %s\n",
			i+1, title, e.MimeType, e.Size, e.CID, e.UploaderID, e.UploadedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
