package flake

import "time"

// Status is the lifecycle state of a flake.
type Status string

const (
	StatusPendingStakes   Status = "PENDING_STAKES"
	StatusActive          Status = "ACTIVE"
	StatusAwaitingVerdict Status = "AWAITING_VERDICT"
	StatusResolved        Status = "RESOLVED"
	StatusRefunding       Status = "REFUNDING"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingStakes, StatusActive, StatusAwaitingVerdict, StatusResolved, StatusRefunding:
		return true
	default:
		return false
	}
}

// VerificationType selects how completion of a flake is verified.
type VerificationType string

const (
	VerificationAutomatic VerificationType = "automatic"
	VerificationSocial    VerificationType = "social"
	VerificationAI        VerificationType = "ai"
)

func (v VerificationType) Valid() bool {
	switch v {
	case VerificationAutomatic, VerificationSocial, VerificationAI:
		return true
	default:
		return false
	}
}

type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantStaked   ParticipantStatus = "staked"
	ParticipantRefunded ParticipantStatus = "refunded"
	ParticipantReleased ParticipantStatus = "released"
)

// Verdict is the outcome carried by an attestation.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictAbstain  Verdict = "abstain"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictRejected, VerdictAbstain:
		return true
	default:
		return false
	}
}

const (
	// AttestorAI is the reserved attestor id used for adjudicator verdicts.
	AttestorAI = "ai"
	// AttestorSystem is the reserved attestor id used for resolution notes.
	AttestorSystem = "system"
)

// Flake is the staked commitment aggregate. It is stored as a single document
// and only mutated through Repository.Update.
type Flake struct {
	ID               string           `json:"id"`
	NumericID        string           `json:"numeric_id"`
	CreatorID        string           `json:"creator_id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Stake            string           `json:"stake"`
	VerificationType VerificationType `json:"verification_type"`
	Deadline         time.Time        `json:"deadline"`
	Status           Status           `json:"status"`
	DeepLink         string           `json:"deep_link,omitempty"`
	ChainID          int64            `json:"chain_id"`
	ContractAddress  string           `json:"contract_address,omitempty"`
	Participants     []Participant    `json:"participants"`
	Evidence         []Evidence       `json:"evidence"`
	Attestations     []Attestation    `json:"attestations"`
	CancelTx         string           `json:"cancel_tx,omitempty"`
	RefundsOpenedBy  string           `json:"refunds_opened_by,omitempty"`
	ResolveTx        string           `json:"resolve_tx,omitempty"`
	WinnerID         string           `json:"winner_id,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type Participant struct {
	ID        string            `json:"id"`
	Stake     string            `json:"stake"`
	Status    ParticipantStatus `json:"status"`
	DepositTx string            `json:"deposit_tx,omitempty"`
	RefundTx  string            `json:"refund_tx,omitempty"`
	Winner    bool              `json:"winner"`
}

// Evidence references a pinned blob by content id.
type Evidence struct {
	CID        string    `json:"cid"`
	UploaderID string    `json:"uploader_id"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Title      string    `json:"title,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type Attestation struct {
	AttestorID  string    `json:"attestor_id"`
	Verdict     Verdict   `json:"verdict"`
	Notes       string    `json:"notes,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	AIScore     *int      `json:"ai_score,omitempty"`
	AIRationale string    `json:"ai_rationale,omitempty"`
}

// Event is an immutable timeline entry appended alongside every mutation.
type Event struct {
	ID        int64
	FlakeID   string
	Seq       int
	Type      string
	ActorID   string
	Payload   []byte
	CreatedAt time.Time
}

// LedgerCall is the payload a caller broadcasts to the escrow contract.
type LedgerCall struct {
	Calldata        []byte    `json:"calldata"`
	ChainID         int64     `json:"chain_id"`
	ContractAddress string    `json:"contract_address"`
	Value           string    `json:"value,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Participant returns a pointer into f.Participants for id, or nil.
func (f *Flake) Participant(id string) *Participant {
	for i := range f.Participants {
		if f.Participants[i].ID == id {
			return &f.Participants[i]
		}
	}
	return nil
}

// HasAttested reports whether attestorID already has an attestation on f.
func (f *Flake) HasAttested(attestorID string) bool {
	for _, a := range f.Attestations {
		if a.AttestorID == attestorID {
			return true
		}
	}
	return false
}

// IsParty reports whether id created the flake or takes part in it.
func (f *Flake) IsParty(id string) bool {
	return id != "" && (id == f.CreatorID || f.Participant(id) != nil)
}

// AllStaked reports whether every participant has a confirmed deposit.
func (f *Flake) AllStaked() bool {
	if len(f.Participants) == 0 {
		return false
	}
	for _, p := range f.Participants {
		if p.Status != ParticipantStaked {
			return false
		}
	}
	return true
}

// Settled reports whether a refunding flake has every staked refund claimed.
// Participants that never staked have nothing to claim.
func (f *Flake) Settled() bool {
	if f.Status == StatusResolved {
		return true
	}
	if f.Status != StatusRefunding {
		return false
	}
	for _, p := range f.Participants {
		if p.Status == ParticipantStaked {
			return false
		}
	}
	return true
}

const (
	EventCreated            = "FLAKE_CREATED"
	EventDepositConfirmed   = "DEPOSIT_CONFIRMED"
	EventEvidenceAdded      = "EVIDENCE_ADDED"
	EventAttestationAdded   = "ATTESTATION_ADDED"
	EventAIReviewed         = "AI_REVIEWED"
	EventAutoVerified       = "AUTO_VERIFIED"
	EventResolved           = "FLAKE_RESOLVED"
	EventRefundsOpened      = "REFUNDS_OPENED"
	EventRefundOpenRecorded = "REFUND_TX_RECORDED"
	EventRefundClaimed      = "REFUND_CLAIMED"
	EventResolutionTx       = "RESOLUTION_TX_RECORDED"
)

// OutboxTopicStatusChanged is published whenever a mutation changes the flake status.
const OutboxTopicStatusChanged = "flake.status_changed"

// Clone returns a deep copy of f so an update closure never aliases the
// stored document.
func (f Flake) Clone() Flake {
	out := f
	out.Participants = append([]Participant(nil), f.Participants...)
	out.Evidence = append([]Evidence(nil), f.Evidence...)
	out.Attestations = make([]Attestation, len(f.Attestations))
	for i, a := range f.Attestations {
		if a.AIScore != nil {
			score := *a.AIScore
			a.AIScore = &score
		}
		out.Attestations[i] = a
	}
	return out
}
