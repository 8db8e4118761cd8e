package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"flakeflow/flake"
)

const maxUploadBody = flake.MaxEvidenceSize + 1<<20

type participantRequest struct {
	ID    string `json:"id"`
	Stake string `json:"stake"`
}

type createFlakeRequest struct {
	Title            string               `json:"title"`
	Description      string               `json:"description"`
	Stake            string               `json:"stake"`
	VerificationType string               `json:"verificationType"`
	Deadline         time.Time            `json:"deadline"`
	Participants     []participantRequest `json:"participants"`
}

type depositIntentRequest struct {
	Amount  string `json:"amount"`
	Address string `json:"address"`
}

type depositConfirmRequest struct {
	Amount string `json:"amount"`
	TxRef  string `json:"txRef"`
}

type attestationRequest struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes"`
}

type verifyAutomaticRequest struct {
	Signature string `json:"signature"`
}

type txRefRequest struct {
	TxRef string `json:"txRef"`
}

type resolveRequest struct {
	WinnerID      string `json:"winnerId"`
	WinnerAddress string `json:"winnerAddress"`
	Broadcast     bool   `json:"broadcast"`
}

type openRefundsRequest struct {
	Broadcast bool `json:"broadcast"`
}

type participantResponse struct {
	ID        string `json:"id"`
	Stake     string `json:"stake"`
	Status    string `json:"status"`
	DepositTx string `json:"depositTx,omitempty"`
	RefundTx  string `json:"refundTx,omitempty"`
	Winner    bool   `json:"winner"`
}

type evidenceResponse struct {
	CID        string `json:"cid"`
	UploaderID string `json:"uploaderId"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Title      string `json:"title,omitempty"`
	UploadedAt string `json:"uploadedAt"`
}

type attestationResponse struct {
	AttestorID  string `json:"attestorId"`
	Verdict     string `json:"verdict"`
	Notes       string `json:"notes,omitempty"`
	SubmittedAt string `json:"submittedAt"`
	AIScore     *int   `json:"aiScore,omitempty"`
	AIRationale string `json:"aiRationale,omitempty"`
}

type flakeResponse struct {
	ID               string                `json:"id"`
	NumericID        string                `json:"numericId"`
	CreatorID        string                `json:"creatorId"`
	Title            string                `json:"title"`
	Description      string                `json:"description,omitempty"`
	Stake            string                `json:"stake"`
	VerificationType string                `json:"verificationType"`
	Deadline         string                `json:"deadline"`
	Status           string                `json:"status"`
	DeepLink         string                `json:"deepLink,omitempty"`
	ChainID          int64                 `json:"chainId"`
	ContractAddress  string                `json:"contractAddress,omitempty"`
	Participants     []participantResponse `json:"participants"`
	Evidence         []evidenceResponse    `json:"evidence"`
	Attestations     []attestationResponse `json:"attestations"`
	CancelTx         string                `json:"cancelTx,omitempty"`
	RefundsOpenedBy  string                `json:"refundsOpenedBy,omitempty"`
	ResolveTx        string                `json:"resolveTx,omitempty"`
	WinnerID         string                `json:"winnerId,omitempty"`
	Version          int64                 `json:"version"`
	CreatedAt        string                `json:"createdAt"`
	UpdatedAt        string                `json:"updatedAt"`
}

type ledgerCallResponse struct {
	Calldata        string `json:"calldata"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	Value           string `json:"value,omitempty"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
}

type ledgerResultResponse struct {
	Flake          flakeResponse      `json:"flake"`
	Call           ledgerCallResponse `json:"call"`
	TxHash         string             `json:"txHash,omitempty"`
	BroadcastError string             `json:"broadcastError,omitempty"`
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func (s *Server) handleCreateFlake(w http.ResponseWriter, r *http.Request) {
	var req createFlakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	params := flake.CreateParams{
		CreatorID:        userIDFromContext(r.Context()),
		Title:            req.Title,
		Description:      req.Description,
		Stake:            req.Stake,
		VerificationType: flake.VerificationType(strings.ToLower(strings.TrimSpace(req.VerificationType))),
		Deadline:         req.Deadline,
	}
	for _, p := range req.Participants {
		params.Participants = append(params.Participants, flake.ParticipantParams{ID: p.ID, Stake: p.Stake})
	}

	f, err := s.flakeService.Create(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFlakeResponse(f))
}

func (s *Server) handleListFlakes(w http.ResponseWriter, r *http.Request) {
	flakes, err := s.flakeService.ListForParticipant(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(flakes))
}

func (s *Server) handleGetFlake(w http.ResponseWriter, r *http.Request) {
	f, err := s.flakeService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !f.IsParty(userIDFromContext(r.Context())) {
		writeErrorCode(w, http.StatusNotFound, flake.KindNotFound, "flake not found")
		return
	}
	writeJSON(w, http.StatusOK, toFlakeResponse(f))
}

func (s *Server) handleFlakeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.flakeService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !f.IsParty(userIDFromContext(r.Context())) {
		writeErrorCode(w, http.StatusNotFound, flake.KindNotFound, "flake not found")
		return
	}
	events, err := s.flakeService.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, eventResponse{
			Seq:       e.Seq,
			Type:      e.Type,
			ActorID:   e.ActorID,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDepositIntent(w http.ResponseWriter, r *http.Request) {
	var req depositIntentRequest
	if !s.decode(w, r, &req) {
		return
	}
	call, err := s.flakeService.RecordDepositIntent(r.Context(), flake.DepositIntentParams{
		FlakeID:       chi.URLParam(r, "id"),
		ParticipantID: userIDFromContext(r.Context()),
		Amount:        req.Amount,
		Address:       req.Address,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerCallResponse(call))
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.ConfirmDeposit(r.Context(), flake.ConfirmDepositParams{
		FlakeID:       chi.URLParam(r, "id"),
		ParticipantID: userIDFromContext(r.Context()),
		Amount:        req.Amount,
		TxRef:         req.TxRef,
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, flake.KindInvalidInput, "evidence exceeds size limit")
			return
		}
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, "expected multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, "missing file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, flake.MaxEvidenceSize+1))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, "read file part")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	f, err := s.flakeService.AddEvidence(r.Context(), flake.AddEvidenceParams{
		FlakeID:     chi.URLParam(r, "id"),
		UploaderID:  userIDFromContext(r.Context()),
		Filename:    header.Filename,
		ContentType: contentType,
		Title:       r.FormValue("title"),
		Data:        data,
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var req attestationRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.SubmitAttestation(r.Context(), flake.AttestationParams{
		FlakeID:    chi.URLParam(r, "id"),
		AttestorID: userIDFromContext(r.Context()),
		Verdict:    flake.Verdict(strings.ToLower(strings.TrimSpace(req.Verdict))),
		Notes:      req.Notes,
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleAIReview(w http.ResponseWriter, r *http.Request) {
	f, err := s.flakeService.RequestAIReview(r.Context(), flake.AIReviewParams{
		FlakeID:     chi.URLParam(r, "id"),
		RequestedBy: userIDFromContext(r.Context()),
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleVerifyAutomatic(w http.ResponseWriter, r *http.Request) {
	var req verifyAutomaticRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.VerifyAutomatic(r.Context(), flake.VerifyAutomaticParams{
		FlakeID:       chi.URLParam(r, "id"),
		ParticipantID: userIDFromContext(r.Context()),
		Signature:     req.Signature,
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleRefundClaimIntent(w http.ResponseWriter, r *http.Request) {
	call, err := s.flakeService.RefundClaimIntent(r.Context(), flake.RefundClaimIntentParams{
		FlakeID:       chi.URLParam(r, "id"),
		ParticipantID: userIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerCallResponse(call))
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	var req txRefRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.MarkRefundClaimed(r.Context(), flake.MarkRefundClaimedParams{
		FlakeID:       chi.URLParam(r, "id"),
		ParticipantID: userIDFromContext(r.Context()),
		TxRef:         req.TxRef,
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleOracleList(w http.ResponseWriter, r *http.Request) {
	status := flake.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if !status.Valid() {
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, fmt.Sprintf("unknown status %q", status))
		return
	}
	vt := flake.VerificationType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))))
	if vt != "" && !vt.Valid() {
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, fmt.Sprintf("unknown verification type %q", vt))
		return
	}
	flakes, err := s.flakeService.ListByStatus(r.Context(), status, vt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(flakes))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor := userIDFromContext(r.Context())
	result, err := s.flakeService.Resolve(r.Context(), flake.ResolveParams{
		FlakeID:       chi.URLParam(r, "id"),
		WinnerID:      req.WinnerID,
		WinnerAddress: req.WinnerAddress,
		ResolvedBy:    actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ledgerResultResponse{Flake: toFlakeResponse(result.Flake), Call: toLedgerCallResponse(result.Call)}
	if req.Broadcast {
		s.broadcastAndRecord(r, result, &resp, func(hash string) (flake.Flake, error) {
			return s.flakeService.MarkResolutionSubmitted(r.Context(), flake.MarkResolutionSubmittedParams{
				FlakeID: result.Flake.ID,
				TxRef:   hash,
				ActorID: actor,
			})
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenRefunds(w http.ResponseWriter, r *http.Request) {
	var req openRefundsRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	actor := userIDFromContext(r.Context())
	result, err := s.flakeService.OpenRefunds(r.Context(), flake.OpenRefundsParams{
		FlakeID:     chi.URLParam(r, "id"),
		RequestedBy: actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ledgerResultResponse{Flake: toFlakeResponse(result.Flake), Call: toLedgerCallResponse(result.Call)}
	if req.Broadcast {
		s.broadcastAndRecord(r, result, &resp, func(hash string) (flake.Flake, error) {
			return s.flakeService.MarkRefundOpened(r.Context(), flake.MarkRefundOpenedParams{
				FlakeID: result.Flake.ID,
				TxRef:   hash,
				ActorID: actor,
			})
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// broadcastAndRecord submits the call and records its hash. The state change
// is already committed, so failures are reported in the body rather than as
// an error status; the oracle can retry via the tx recording routes.
func (s *Server) broadcastAndRecord(r *http.Request, result flake.LedgerResult, resp *ledgerResultResponse, record func(string) (flake.Flake, error)) {
	hash, err := s.flakeService.Broadcast(r.Context(), result.Call)
	if err != nil {
		s.logger.Warn("oracle broadcast failed", "flake_id", result.Flake.ID, "err", err)
		resp.BroadcastError = err.Error()
		return
	}
	resp.TxHash = hash
	updated, err := record(hash)
	if err != nil {
		s.logger.Warn("record broadcast tx failed", "flake_id", result.Flake.ID, "tx", hash, "err", err)
		resp.BroadcastError = err.Error()
		return
	}
	resp.Flake = toFlakeResponse(updated)
}

func (s *Server) handleRefundOpened(w http.ResponseWriter, r *http.Request) {
	var req txRefRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.MarkRefundOpened(r.Context(), flake.MarkRefundOpenedParams{
		FlakeID: chi.URLParam(r, "id"),
		TxRef:   req.TxRef,
		ActorID: userIDFromContext(r.Context()),
	})
	s.respondFlake(w, f, err)
}

func (s *Server) handleResolutionTx(w http.ResponseWriter, r *http.Request) {
	var req txRefRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.flakeService.MarkResolutionSubmitted(r.Context(), flake.MarkResolutionSubmittedParams{
		FlakeID: chi.URLParam(r, "id"),
		TxRef:   req.TxRef,
		ActorID: userIDFromContext(r.Context()),
	})
	s.respondFlake(w, f, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, flake.KindInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respondFlake(w http.ResponseWriter, f flake.Flake, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlakeResponse(f))
}

func listResponse(flakes []flake.Flake) map[string]any {
	items := make([]flakeResponse, 0, len(flakes))
	for _, f := range flakes {
		items = append(items, toFlakeResponse(f))
	}
	return map[string]any{"items": items, "total": len(items)}
}

func toFlakeResponse(f flake.Flake) flakeResponse {
	resp := flakeResponse{
		ID:               f.ID,
		NumericID:        f.NumericID,
		CreatorID:        f.CreatorID,
		Title:            f.Title,
		Description:      f.Description,
		Stake:            f.Stake,
		VerificationType: string(f.VerificationType),
		Deadline:         formatTime(f.Deadline),
		Status:           string(f.Status),
		DeepLink:         f.DeepLink,
		ChainID:          f.ChainID,
		ContractAddress:  f.ContractAddress,
		Participants:     make([]participantResponse, 0, len(f.Participants)),
		Evidence:         make([]evidenceResponse, 0, len(f.Evidence)),
		Attestations:     make([]attestationResponse, 0, len(f.Attestations)),
		CancelTx:         f.CancelTx,
		RefundsOpenedBy:  f.RefundsOpenedBy,
		ResolveTx:        f.ResolveTx,
		WinnerID:         f.WinnerID,
		Version:          f.Version,
		CreatedAt:        formatTime(f.CreatedAt),
		UpdatedAt:        formatTime(f.UpdatedAt),
	}
	for _, p := range f.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			ID:        p.ID,
			Stake:     p.Stake,
			Status:    string(p.Status),
			DepositTx: p.DepositTx,
			RefundTx:  p.RefundTx,
			Winner:    p.Winner,
		})
	}
	for _, e := range f.Evidence {
		resp.Evidence = append(resp.Evidence, evidenceResponse{
			CID:        e.CID,
			UploaderID: e.UploaderID,
			MimeType:   e.MimeType,
			Size:       e.Size,
			Title:      e.Title,
			UploadedAt: formatTime(e.UploadedAt),
		})
	}
	for _, a := range f.Attestations {
		resp.Attestations = append(resp.Attestations, attestationResponse{
			AttestorID:  a.AttestorID,
			Verdict:     string(a.Verdict),
			Notes:       a.Notes,
			SubmittedAt: formatTime(a.SubmittedAt),
			AIScore:     a.AIScore,
			AIRationale: a.AIRationale,
		})
	}
	return resp
}

func toLedgerCallResponse(call flake.LedgerCall) ledgerCallResponse {
	resp := ledgerCallResponse{
		Calldata:        hexutil.Encode(call.Calldata),
		ChainID:         call.ChainID,
		ContractAddress: call.ContractAddress,
		Value:           call.Value,
	}
	if !call.ExpiresAt.IsZero() {
		resp.ExpiresAt = formatTime(call.ExpiresAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
