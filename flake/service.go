package flake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flakeflow/adjudicator"
	"flakeflow/deeplink"
	"flakeflow/evidence"
	"flakeflow/ledger"
)

const (
	// AIApprovalThreshold is the minimum adjudicator score for an approved verdict.
	AIApprovalThreshold = 60
	// MaxEvidenceSize bounds a single evidence upload.
	MaxEvidenceSize = 25 << 20

	depositIntentTTL      = 10 * time.Minute
	createAttempts        = 3
	defaultGatewayTimeout = 30 * time.Second
	weiDecimals           = 18
)

// LedgerBuilder encodes escrow calls. Implemented by *ledger.Builder.
type LedgerBuilder interface {
	ToNumericID(flakeID string) *big.Int
	StakeCalldata(id *big.Int, beneficiary string) ([]byte, error)
	ResolveCalldata(id *big.Int, winner string) ([]byte, error)
	OpenRefundsCalldata(id *big.Int) ([]byte, error)
	ClaimRefundCalldata(id *big.Int) ([]byte, error)
}

// Broadcaster submits oracle transactions. Implemented by *ledger.Submitter.
type Broadcaster interface {
	Submit(ctx context.Context, contract string, data []byte, value *big.Int) (string, error)
}

// EvidenceStore pins evidence blobs. Implemented by *evidence.Client.
type EvidenceStore interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (evidence.Pin, error)
}

// Adjudicator scores evidence summaries. Implemented by *adjudicator.Judge.
type Adjudicator interface {
	Review(ctx context.Context, s adjudicator.Summary) (adjudicator.Verdict, error)
}

// LinkSigner issues and checks deep-link tokens. Implemented by *deeplink.Signer.
type LinkSigner interface {
	Link(flakeID string) (string, error)
	Verify(flakeID, token string) error
}

// Chain identifies the escrow deployment calldata is aimed at.
type Chain struct {
	ID              int64
	ContractAddress string
}

// Service is the flake lifecycle engine. It holds no per-flake state; every
// mutation goes through Repository.Update and gateway calls happen before it.
type Service struct {
	repo           Repository
	ledger         LedgerBuilder
	chain          Chain
	submitter      Broadcaster
	evidence       EvidenceStore
	judge          Adjudicator
	links          LinkSigner
	gatewayTimeout time.Duration
	logger         *slog.Logger
	idGenerator    func() string
	now            func() time.Time
}

// NewService returns an engine over repo that encodes escrow calls with
// builder for chain. Optional collaborators are attached with the With methods.
func NewService(repo Repository, builder LedgerBuilder, chain Chain) *Service {
	return &Service{
		repo:           repo,
		ledger:         builder,
		chain:          chain,
		gatewayTimeout: defaultGatewayTimeout,
		logger:         slog.Default(),
		idGenerator:    func() string { return uuid.NewString() },
		now:            time.Now,
	}
}

// WithSubmitter lets Broadcast and the sweeper send oracle transactions.
func (s *Service) WithSubmitter(b Broadcaster) *Service {
	s.submitter = b
	return s
}

// WithEvidenceStore sets where AddEvidence pins uploads.
func (s *Service) WithEvidenceStore(e EvidenceStore) *Service {
	s.evidence = e
	return s
}

// WithAdjudicator sets the model RequestAIReview consults.
func (s *Service) WithAdjudicator(a Adjudicator) *Service {
	s.judge = a
	return s
}

// WithLinkSigner enables deep links for automatic flakes.
func (s *Service) WithLinkSigner(l LinkSigner) *Service {
	s.links = l
	return s
}

// WithGatewayTimeout bounds each outbound gateway call. Non-positive values
// keep the default of 30s.
func (s *Service) WithGatewayTimeout(d time.Duration) *Service {
	if d > 0 {
		s.gatewayTimeout = d
	}
	return s
}

// WithLogger replaces slog.Default.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithIDGenerator replaces the random UUID flake ids.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock replaces time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type ParticipantParams struct {
	ID    string
	Stake string
}

type CreateParams struct {
	CreatorID        string
	Title            string
	Description      string
	Stake            string
	VerificationType VerificationType
	Deadline         time.Time
	Participants     []ParticipantParams
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Flake, error) {
	if err := s.validateCreate(params); err != nil {
		return Flake{}, err
	}

	now := s.now().UTC()
	participants := make([]Participant, 0, len(params.Participants))
	for _, p := range params.Participants {
		participants = append(participants, Participant{
			ID:     strings.TrimSpace(p.ID),
			Stake:  strings.TrimSpace(p.Stake),
			Status: ParticipantPending,
		})
	}

	for attempt := 1; attempt <= createAttempts; attempt++ {
		id := s.idGenerator()
		f := Flake{
			ID:               id,
			NumericID:        s.ledger.ToNumericID(id).String(),
			CreatorID:        params.CreatorID,
			Title:            strings.TrimSpace(params.Title),
			Description:      strings.TrimSpace(params.Description),
			Stake:            strings.TrimSpace(params.Stake),
			VerificationType: params.VerificationType,
			Deadline:         params.Deadline.UTC(),
			Status:           StatusPendingStakes,
			ChainID:          s.chain.ID,
			ContractAddress:  s.chain.ContractAddress,
			Participants:     append([]Participant(nil), participants...),
			Evidence:         []Evidence{},
			Attestations:     []Attestation{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if f.VerificationType == VerificationAutomatic {
			if s.links == nil {
				return Flake{}, fmt.Errorf("flake: sign deep link: no signer configured")
			}
			link, err := s.links.Link(id)
			if err != nil {
				return Flake{}, fmt.Errorf("flake: sign deep link: %w", err)
			}
			f.DeepLink = link
		}

		created, err := s.repo.Insert(ctx, f, params.CreatorID)
		if errors.Is(err, ErrNumericIDTaken) || errors.Is(err, ErrDuplicateFlake) {
			s.logger.Warn("flake: identifier collision, regenerating", "flake_id", id, "numeric_id", f.NumericID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Flake{}, err
		}

		s.logger.Info("flake: created", "flake_id", created.ID, "type", created.VerificationType, "participants", len(created.Participants))
		return created, nil
	}
	return Flake{}, fmt.Errorf("flake: allocate identifier after %d attempts: %w", createAttempts, ErrConflict)
}

func (s *Service) validateCreate(p CreateParams) error {
	if strings.TrimSpace(p.CreatorID) == "" {
		return fmt.Errorf("flake: missing creator id: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("flake: title required: %w", ErrInvalidInput)
	}
	if _, err := parseAmount(p.Stake); err != nil {
		return err
	}
	if !p.VerificationType.Valid() {
		return fmt.Errorf("flake: unknown verification type %q: %w", p.VerificationType, ErrInvalidInput)
	}
	if !p.Deadline.After(s.now()) {
		return fmt.Errorf("flake: deadline must be in the future: %w", ErrInvalidInput)
	}
	if len(p.Participants) == 0 {
		return fmt.Errorf("flake: at least one participant required: %w", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(p.Participants))
	for _, participant := range p.Participants {
		id := strings.TrimSpace(participant.ID)
		if id == "" {
			return fmt.Errorf("flake: empty participant id: %w", ErrInvalidInput)
		}
		if id == AttestorAI || id == AttestorSystem {
			return fmt.Errorf("flake: participant id %q is reserved: %w", id, ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("flake: duplicate participant %q: %w", id, ErrInvalidInput)
		}
		seen[id] = struct{}{}
		if _, err := parseAmount(participant.Stake); err != nil {
			return fmt.Errorf("flake: participant %q: %w", id, err)
		}
	}
	return nil
}

type DepositIntentParams struct {
	FlakeID       string
	ParticipantID string
	Amount        string
	Address       string
}

// RecordDepositIntent returns the stake call a participant should broadcast.
// It does not mutate the flake.
func (s *Service) RecordDepositIntent(ctx context.Context, params DepositIntentParams) (LedgerCall, error) {
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return LedgerCall{}, err
	}
	p := f.Participant(params.ParticipantID)
	if p == nil {
		return LedgerCall{}, fmt.Errorf("flake: %s is not a participant: %w", params.ParticipantID, ErrForbidden)
	}
	if p.Status == ParticipantStaked {
		return LedgerCall{}, fmt.Errorf("flake: participant already staked: %w", ErrConflict)
	}
	if f.Status != StatusPendingStakes || p.Status != ParticipantPending {
		return LedgerCall{}, fmt.Errorf("flake: not accepting deposits in %s: %w", f.Status, ErrConflict)
	}
	amount, err := matchStake(params.Amount, p.Stake)
	if err != nil {
		return LedgerCall{}, err
	}

	data, err := s.ledger.StakeCalldata(s.ledger.ToNumericID(f.ID), params.Address)
	if err != nil {
		return LedgerCall{}, ledgerInputErr("build stake calldata", err)
	}

	return LedgerCall{
		Calldata:        data,
		ChainID:         f.ChainID,
		ContractAddress: f.ContractAddress,
		Value:           toWei(amount).String(),
		ExpiresAt:       s.now().UTC().Add(depositIntentTTL),
	}, nil
}

type ConfirmDepositParams struct {
	FlakeID       string
	ParticipantID string
	Amount        string
	TxRef         string
}

// ConfirmDeposit marks a participant staked. Re-confirming with the same
// transaction reference is a no-op; a different reference is a conflict.
func (s *Service) ConfirmDeposit(ctx context.Context, params ConfirmDepositParams) (Flake, error) {
	txRef := strings.TrimSpace(params.TxRef)
	if txRef == "" {
		return Flake{}, fmt.Errorf("flake: missing transaction reference: %w", ErrInvalidInput)
	}

	updated, err := s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		p := f.Participant(params.ParticipantID)
		if p == nil {
			return Change{}, fmt.Errorf("flake: %s is not a participant: %w", params.ParticipantID, ErrForbidden)
		}
		if f.Status == StatusResolved || f.Status == StatusRefunding {
			return Change{}, fmt.Errorf("flake: deposits closed in %s: %w", f.Status, ErrConflict)
		}
		if _, err := matchStake(params.Amount, p.Stake); err != nil {
			return Change{}, err
		}
		switch p.Status {
		case ParticipantStaked:
			if p.DepositTx == txRef {
				return Change{}, ErrNoChange
			}
			return Change{}, fmt.Errorf("flake: participant already staked with %s: %w", p.DepositTx, ErrConflict)
		case ParticipantPending:
		default:
			return Change{}, fmt.Errorf("flake: participant is %s: %w", p.Status, ErrConflict)
		}

		p.Status = ParticipantStaked
		p.DepositTx = txRef
		if f.Status == StatusPendingStakes && f.AllStaked() {
			f.Status = StatusActive
		}
		f.UpdatedAt = s.now().UTC()
		return Change{
			Type:    EventDepositConfirmed,
			ActorID: params.ParticipantID,
			Payload: map[string]any{"participant_id": params.ParticipantID, "tx_ref": txRef, "status": f.Status},
		}, nil
	})
	if err != nil {
		return Flake{}, err
	}
	if updated.Status == StatusActive {
		s.logger.Info("flake: deposit confirmed", "flake_id", updated.ID, "participant_id", params.ParticipantID, "status", updated.Status)
	}
	return updated, nil
}

type AddEvidenceParams struct {
	FlakeID     string
	UploaderID  string
	Filename    string
	ContentType string
	Title       string
	Data        []byte
}

// AddEvidence pins the blob first and only then appends the entry, so a
// failed or abandoned upload leaves the flake untouched.
func (s *Service) AddEvidence(ctx context.Context, params AddEvidenceParams) (Flake, error) {
	if len(params.Data) == 0 {
		return Flake{}, fmt.Errorf("flake: empty evidence: %w", ErrInvalidInput)
	}
	if len(params.Data) > MaxEvidenceSize {
		return Flake{}, fmt.Errorf("flake: evidence exceeds %d bytes: %w", MaxEvidenceSize, ErrInvalidInput)
	}
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return Flake{}, err
	}
	if err := evidenceGuard(&f, params.UploaderID); err != nil {
		return Flake{}, err
	}
	if s.evidence == nil {
		return Flake{}, fmt.Errorf("flake: evidence store not configured: %w", ErrUpstreamUnavailable)
	}

	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	pin, err := s.evidence.Upload(gctx, params.Data, params.Filename, contentType)
	cancel()
	if err != nil {
		s.logger.Warn("flake: evidence upload failed", "flake_id", params.FlakeID, "err", err)
		return Flake{}, upstream("upload evidence", err)
	}

	return s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if err := evidenceGuard(f, params.UploaderID); err != nil {
			return Change{}, err
		}
		for _, e := range f.Evidence {
			if e.CID == pin.CID && e.UploaderID == params.UploaderID {
				return Change{}, ErrNoChange
			}
		}
		now := s.now().UTC()
		f.Evidence = append(f.Evidence, Evidence{
			CID:        pin.CID,
			UploaderID: params.UploaderID,
			MimeType:   contentType,
			Size:       pin.Size,
			Title:      strings.TrimSpace(params.Title),
			UploadedAt: now,
		})
		f.UpdatedAt = now
		return Change{
			Type:    EventEvidenceAdded,
			ActorID: params.UploaderID,
			Payload: map[string]any{"cid": pin.CID, "size": pin.Size, "mime_type": contentType},
		}, nil
	})
}

func evidenceGuard(f *Flake, uploaderID string) error {
	if f.Participant(uploaderID) == nil {
		return fmt.Errorf("flake: %s is not a participant: %w", uploaderID, ErrForbidden)
	}
	if f.Status == StatusResolved || f.Status == StatusRefunding {
		return fmt.Errorf("flake: evidence closed in %s: %w", f.Status, ErrConflict)
	}
	return nil
}

type AttestationParams struct {
	FlakeID    string
	AttestorID string
	Verdict    Verdict
	Notes      string
}

// SubmitAttestation appends a verdict from a party to the flake and moves it
// to AWAITING_VERDICT regardless of the verdict.
func (s *Service) SubmitAttestation(ctx context.Context, params AttestationParams) (Flake, error) {
	attestor := strings.TrimSpace(params.AttestorID)
	if attestor == "" {
		return Flake{}, fmt.Errorf("flake: missing attestor id: %w", ErrInvalidInput)
	}
	if attestor == AttestorAI || attestor == AttestorSystem {
		return Flake{}, fmt.Errorf("flake: attestor id %q is reserved: %w", attestor, ErrInvalidInput)
	}
	if !params.Verdict.Valid() {
		return Flake{}, fmt.Errorf("flake: unknown verdict %q: %w", params.Verdict, ErrInvalidInput)
	}

	return s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if !f.IsParty(attestor) {
			return Change{}, fmt.Errorf("flake: %s is not a party: %w", attestor, ErrForbidden)
		}
		if f.HasAttested(attestor) {
			return Change{}, fmt.Errorf("flake: %s already attested: %w", attestor, ErrConflict)
		}
		if err := verificationOpen(f); err != nil {
			return Change{}, err
		}
		now := s.now().UTC()
		f.Attestations = append(f.Attestations, Attestation{
			AttestorID:  attestor,
			Verdict:     params.Verdict,
			Notes:       strings.TrimSpace(params.Notes),
			SubmittedAt: now,
		})
		f.Status = StatusAwaitingVerdict
		f.UpdatedAt = now
		return Change{
			Type:    EventAttestationAdded,
			ActorID: attestor,
			Payload: map[string]any{"verdict": params.Verdict},
		}, nil
	})
}

type AIReviewParams struct {
	FlakeID     string
	RequestedBy string
}

// RequestAIReview scores the flake's evidence and records the result as the
// reserved "ai" attestor. Only a party may ask, and only an approved verdict
// advances the status.
func (s *Service) RequestAIReview(ctx context.Context, params AIReviewParams) (Flake, error) {
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return Flake{}, err
	}
	if !f.IsParty(params.RequestedBy) {
		return Flake{}, fmt.Errorf("flake: %s is not a party: %w", params.RequestedBy, ErrForbidden)
	}
	if f.VerificationType != VerificationAI {
		return Flake{}, fmt.Errorf("flake: verification type is %s: %w", f.VerificationType, ErrInvalidOperation)
	}
	if err := aiReviewGuard(&f); err != nil {
		return Flake{}, err
	}
	if s.judge == nil {
		return Flake{}, fmt.Errorf("flake: adjudicator not configured: %w", ErrUpstreamUnavailable)
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	verdict, err := s.judge.Review(gctx, BuildSummary(f))
	cancel()
	if err != nil {
		s.logger.Warn("flake: ai review failed", "flake_id", f.ID, "err", err)
		return Flake{}, upstream("ai review", err)
	}

	outcome := VerdictRejected
	if verdict.Score >= AIApprovalThreshold {
		outcome = VerdictApproved
	}
	score := verdict.Score

	updated, err := s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if err := aiReviewGuard(f); err != nil {
			return Change{}, err
		}
		now := s.now().UTC()
		f.Attestations = append(f.Attestations, Attestation{
			AttestorID:  AttestorAI,
			Verdict:     outcome,
			SubmittedAt: now,
			AIScore:     &score,
			AIRationale: verdict.Rationale,
		})
		if outcome == VerdictApproved {
			f.Status = StatusAwaitingVerdict
		}
		f.UpdatedAt = now
		return Change{
			Type:    EventAIReviewed,
			ActorID: params.RequestedBy,
			Payload: map[string]any{"score": score, "verdict": outcome},
		}, nil
	})
	if err != nil {
		return Flake{}, err
	}
	s.logger.Info("flake: ai reviewed", "flake_id", updated.ID, "score", score, "verdict", outcome, "status", updated.Status)
	return updated, nil
}

func aiReviewGuard(f *Flake) error {
	if f.HasAttested(AttestorAI) {
		return fmt.Errorf("flake: ai review already recorded: %w", ErrConflict)
	}
	return verificationOpen(f)
}

type VerifyAutomaticParams struct {
	FlakeID       string
	ParticipantID string
	Signature     string
}

// VerifyAutomatic records a companion-app confirmation carrying a deep-link
// token bound to this flake.
func (s *Service) VerifyAutomatic(ctx context.Context, params VerifyAutomaticParams) (Flake, error) {
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return Flake{}, err
	}
	if s.links == nil {
		return Flake{}, fmt.Errorf("flake: link signer not configured: %w", ErrUnauthorized)
	}
	if err := s.links.Verify(f.ID, params.Signature); err != nil {
		return Flake{}, fmt.Errorf("flake: verify signature: %w: %w", ErrUnauthorized, err)
	}
	if f.VerificationType != VerificationAutomatic {
		return Flake{}, fmt.Errorf("flake: verification type is %s: %w", f.VerificationType, ErrInvalidOperation)
	}
	if f.DeepLink == "" {
		return Flake{}, fmt.Errorf("flake: no deep link bound: %w", ErrUnauthorized)
	}

	return s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if f.Participant(params.ParticipantID) == nil {
			return Change{}, fmt.Errorf("flake: %s is not a participant: %w", params.ParticipantID, ErrForbidden)
		}
		if f.HasAttested(params.ParticipantID) {
			return Change{}, fmt.Errorf("flake: %s already attested: %w", params.ParticipantID, ErrConflict)
		}
		if err := verificationOpen(f); err != nil {
			return Change{}, err
		}
		now := s.now().UTC()
		f.Attestations = append(f.Attestations, Attestation{
			AttestorID:  params.ParticipantID,
			Verdict:     VerdictApproved,
			Notes:       "automatic verification",
			SubmittedAt: now,
		})
		f.Status = StatusAwaitingVerdict
		f.UpdatedAt = now
		return Change{
			Type:    EventAutoVerified,
			ActorID: params.ParticipantID,
		}, nil
	})
}

func verificationOpen(f *Flake) error {
	if f.Status != StatusActive && f.Status != StatusAwaitingVerdict {
		return fmt.Errorf("flake: verification closed in %s: %w", f.Status, ErrConflict)
	}
	return nil
}

type ResolveParams struct {
	FlakeID       string
	WinnerID      string
	WinnerAddress string
	ResolvedBy    string
}

// LedgerResult pairs the updated flake with the call the oracle must broadcast.
type LedgerResult struct {
	Flake Flake
	Call  LedgerCall
}

// Resolve settles the flake on a single winner. It is rejected once the flake
// is RESOLVED or REFUNDING, and before every stake is in.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (LedgerResult, error) {
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return LedgerResult{}, err
	}
	if err := resolveGuard(&f, params.WinnerID); err != nil {
		return LedgerResult{}, err
	}
	data, err := s.ledger.ResolveCalldata(s.ledger.ToNumericID(f.ID), params.WinnerAddress)
	if err != nil {
		return LedgerResult{}, ledgerInputErr("build resolve calldata", err)
	}

	updated, err := s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if err := resolveGuard(f, params.WinnerID); err != nil {
			return Change{}, err
		}
		for i := range f.Participants {
			p := &f.Participants[i]
			if p.ID == params.WinnerID {
				p.Status = ParticipantReleased
				p.Winner = true
				continue
			}
			p.Status = ParticipantRefunded
			p.Winner = false
		}
		now := s.now().UTC()
		f.Attestations = append(f.Attestations, Attestation{
			AttestorID:  AttestorSystem,
			Verdict:     VerdictApproved,
			Notes:       fmt.Sprintf("resolved in favour of %s by %s", params.WinnerID, params.ResolvedBy),
			SubmittedAt: now,
		})
		f.WinnerID = params.WinnerID
		f.Status = StatusResolved
		f.UpdatedAt = now
		return Change{
			Type:    EventResolved,
			ActorID: params.ResolvedBy,
			Payload: map[string]any{"winner_id": params.WinnerID, "winner_address": params.WinnerAddress},
		}, nil
	})
	if err != nil {
		return LedgerResult{}, err
	}

	s.logger.Info("flake: resolved", "flake_id", updated.ID, "winner_id", params.WinnerID, "resolved_by", params.ResolvedBy)
	return LedgerResult{
		Flake: updated,
		Call: LedgerCall{
			Calldata:        data,
			ChainID:         updated.ChainID,
			ContractAddress: updated.ContractAddress,
		},
	}, nil
}

func resolveGuard(f *Flake, winnerID string) error {
	switch f.Status {
	case StatusResolved, StatusRefunding, StatusPendingStakes:
		return fmt.Errorf("flake: cannot resolve in %s: %w", f.Status, ErrConflict)
	}
	if f.Participant(winnerID) == nil {
		return fmt.Errorf("flake: winner %q is not a participant: %w", winnerID, ErrInvalidInput)
	}
	return nil
}

type OpenRefundsParams struct {
	FlakeID     string
	RequestedBy string
}

// OpenRefunds cancels a flake that has not been resolved.
func (s *Service) OpenRefunds(ctx context.Context, params OpenRefundsParams) (LedgerResult, error) {
	data, err := s.ledger.OpenRefundsCalldata(s.ledger.ToNumericID(params.FlakeID))
	if err != nil {
		return LedgerResult{}, fmt.Errorf("flake: build open-refunds calldata: %w", err)
	}

	var from Status
	updated, err := s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if f.Status == StatusResolved || f.Status == StatusRefunding {
			return Change{}, fmt.Errorf("flake: cannot open refunds in %s: %w", f.Status, ErrConflict)
		}
		from = f.Status
		f.Status = StatusRefunding
		f.RefundsOpenedBy = params.RequestedBy
		f.UpdatedAt = s.now().UTC()
		return Change{
			Type:    EventRefundsOpened,
			ActorID: params.RequestedBy,
			Payload: map[string]any{"from": from},
		}, nil
	})
	if err != nil {
		return LedgerResult{}, err
	}

	s.logger.Info("flake: refunds opened", "flake_id", updated.ID, "from", from, "requested_by", params.RequestedBy)
	return LedgerResult{
		Flake: updated,
		Call: LedgerCall{
			Calldata:        data,
			ChainID:         updated.ChainID,
			ContractAddress: updated.ContractAddress,
		},
	}, nil
}

type MarkRefundOpenedParams struct {
	FlakeID string
	TxRef   string
	ActorID string
}

// MarkRefundOpened records the cancellation transaction.
func (s *Service) MarkRefundOpened(ctx context.Context, params MarkRefundOpenedParams) (Flake, error) {
	txRef := strings.TrimSpace(params.TxRef)
	if txRef == "" {
		return Flake{}, fmt.Errorf("flake: missing transaction reference: %w", ErrInvalidInput)
	}
	return s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if f.Status != StatusRefunding {
			return Change{}, fmt.Errorf("flake: refunds not open in %s: %w", f.Status, ErrConflict)
		}
		switch f.CancelTx {
		case txRef:
			return Change{}, ErrNoChange
		case "":
		default:
			return Change{}, fmt.Errorf("flake: cancellation already recorded as %s: %w", f.CancelTx, ErrConflict)
		}
		f.CancelTx = txRef
		f.UpdatedAt = s.now().UTC()
		return Change{
			Type:    EventRefundOpenRecorded,
			ActorID: params.ActorID,
			Payload: map[string]any{"tx_ref": txRef},
		}, nil
	})
}

type RefundClaimIntentParams struct {
	FlakeID       string
	ParticipantID string
}

// RefundClaimIntent returns the claim call a staked participant broadcasts to
// withdraw their stake from a cancelled flake. It does not mutate the flake.
func (s *Service) RefundClaimIntent(ctx context.Context, params RefundClaimIntentParams) (LedgerCall, error) {
	f, err := s.Get(ctx, params.FlakeID)
	if err != nil {
		return LedgerCall{}, err
	}
	p, err := refundClaimGuard(&f, params.ParticipantID)
	if err != nil {
		return LedgerCall{}, err
	}
	if p.Status == ParticipantRefunded {
		return LedgerCall{}, fmt.Errorf("flake: refund already claimed with %s: %w", p.RefundTx, ErrConflict)
	}
	data, err := s.ledger.ClaimRefundCalldata(s.ledger.ToNumericID(f.ID))
	if err != nil {
		return LedgerCall{}, fmt.Errorf("flake: build claim-refund calldata: %w", err)
	}
	return LedgerCall{
		Calldata:        data,
		ChainID:         f.ChainID,
		ContractAddress: f.ContractAddress,
	}, nil
}

func refundClaimGuard(f *Flake, participantID string) (*Participant, error) {
	p := f.Participant(participantID)
	if p == nil {
		return nil, fmt.Errorf("flake: %s is not a participant: %w", participantID, ErrForbidden)
	}
	if f.Status != StatusRefunding {
		return nil, fmt.Errorf("flake: refunds not open in %s: %w", f.Status, ErrConflict)
	}
	if p.Status == ParticipantPending {
		return nil, fmt.Errorf("flake: %s has nothing staked: %w", participantID, ErrConflict)
	}
	return p, nil
}

type MarkRefundClaimedParams struct {
	FlakeID       string
	ParticipantID string
	TxRef         string
}

// MarkRefundClaimed records a staked participant's refund claim.
func (s *Service) MarkRefundClaimed(ctx context.Context, params MarkRefundClaimedParams) (Flake, error) {
	txRef := strings.TrimSpace(params.TxRef)
	if txRef == "" {
		return Flake{}, fmt.Errorf("flake: missing transaction reference: %w", ErrInvalidInput)
	}
	updated, err := s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		p, err := refundClaimGuard(f, params.ParticipantID)
		if err != nil {
			return Change{}, err
		}
		if p.Status == ParticipantRefunded {
			if p.RefundTx == txRef {
				return Change{}, ErrNoChange
			}
			return Change{}, fmt.Errorf("flake: refund already claimed with %s: %w", p.RefundTx, ErrConflict)
		}
		p.Status = ParticipantRefunded
		p.RefundTx = txRef
		f.UpdatedAt = s.now().UTC()
		return Change{
			Type:    EventRefundClaimed,
			ActorID: params.ParticipantID,
			Payload: map[string]any{"tx_ref": txRef},
		}, nil
	})
	if err != nil {
		return Flake{}, err
	}
	if updated.Settled() {
		s.logger.Info("flake: refunds settled", "flake_id", updated.ID)
	}
	return updated, nil
}

type MarkResolutionSubmittedParams struct {
	FlakeID string
	TxRef   string
	ActorID string
}

// MarkResolutionSubmitted records the broadcast resolve transaction.
func (s *Service) MarkResolutionSubmitted(ctx context.Context, params MarkResolutionSubmittedParams) (Flake, error) {
	txRef := strings.TrimSpace(params.TxRef)
	if txRef == "" {
		return Flake{}, fmt.Errorf("flake: missing transaction reference: %w", ErrInvalidInput)
	}
	return s.mutate(ctx, params.FlakeID, func(f *Flake) (Change, error) {
		if f.Status != StatusResolved {
			return Change{}, fmt.Errorf("flake: not resolved: %w", ErrConflict)
		}
		switch f.ResolveTx {
		case txRef:
			return Change{}, ErrNoChange
		case "":
		default:
			return Change{}, fmt.Errorf("flake: resolution already recorded as %s: %w", f.ResolveTx, ErrConflict)
		}
		f.ResolveTx = txRef
		f.UpdatedAt = s.now().UTC()
		return Change{
			Type:    EventResolutionTx,
			ActorID: params.ActorID,
			Payload: map[string]any{"tx_ref": txRef},
		}, nil
	})
}

// Broadcast submits an oracle call through the configured submitter.
func (s *Service) Broadcast(ctx context.Context, call LedgerCall) (string, error) {
	if s.submitter == nil {
		return "", fmt.Errorf("flake: no oracle submitter configured: %w", ErrUpstreamUnavailable)
	}
	value := new(big.Int)
	if call.Value != "" {
		if _, ok := value.SetString(call.Value, 10); !ok {
			return "", fmt.Errorf("flake: invalid call value %q: %w", call.Value, ErrInvalidInput)
		}
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	hash, err := s.submitter.Submit(gctx, call.ContractAddress, call.Calldata, value)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAddress) {
			return "", fmt.Errorf("flake: broadcast: %w: %w", ErrInvalidInput, err)
		}
		return "", upstream("broadcast", err)
	}
	return hash, nil
}

func (s *Service) Get(ctx context.Context, id string) (Flake, error) {
	f, err := s.repo.Get(ctx, id)
	if err != nil {
		return Flake{}, storeErr(id, err)
	}
	return f, nil
}

func (s *Service) ListForParticipant(ctx context.Context, participantID string) ([]Flake, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, fmt.Errorf("flake: missing participant id: %w", ErrInvalidInput)
	}
	return s.repo.ListByParticipant(ctx, participantID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, vt VerificationType) ([]Flake, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("flake: unknown status %q: %w", status, ErrInvalidInput)
	}
	if vt != "" && !vt.Valid() {
		return nil, fmt.Errorf("flake: unknown verification type %q: %w", vt, ErrInvalidInput)
	}
	return s.repo.ListByStatus(ctx, status, vt)
}

// History returns the flake's timeline in order.
func (s *Service) History(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

func (s *Service) mutate(ctx context.Context, id string, fn UpdateFunc) (Flake, error) {
	f, err := s.repo.Update(ctx, id, fn)
	if err != nil {
		return Flake{}, storeErr(id, err)
	}
	return f, nil
}

func storeErr(id string, err error) error {
	if errors.Is(err, ErrFlakeNotFound) {
		return fmt.Errorf("flake: %s: %w", id, ErrNotFound)
	}
	return err
}

func upstream(op string, err error) error {
	return fmt.Errorf("flake: %s: %w: %w", op, ErrUpstreamUnavailable, err)
}

func ledgerInputErr(op string, err error) error {
	if errors.Is(err, ledger.ErrInvalidAddress) {
		return fmt.Errorf("flake: %s: %w: %w", op, ErrInvalidInput, err)
	}
	return fmt.Errorf("flake: %s: %w", op, err)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("flake: invalid amount %q: %w", s, ErrInvalidInput)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("flake: amount must be positive: %w", ErrInvalidInput)
	}
	return d, nil
}

// matchStake parses amount and requires it to equal the committed stake.
func matchStake(amount, committed string) (decimal.Decimal, error) {
	got, err := parseAmount(amount)
	if err != nil {
		return decimal.Decimal{}, err
	}
	want, err := decimal.NewFromString(committed)
	if err != nil || !got.Equal(want) {
		return decimal.Decimal{}, fmt.Errorf("flake: amount %s does not match stake %s: %w", amount, committed, ErrInvalidInput)
	}
	return got, nil
}

func toWei(d decimal.Decimal) *big.Int {
	return d.Shift(weiDecimals).BigInt()
}

var (
	_ LedgerBuilder = (*ledger.Builder)(nil)
	_ Broadcaster   = (*ledger.Submitter)(nil)
	_ EvidenceStore = (*evidence.Client)(nil)
	_ Adjudicator   = (*adjudicator.Judge)(nil)
	_ LinkSigner    = (*deeplink.Signer)(nil)
)
