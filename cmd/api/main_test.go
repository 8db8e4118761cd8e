package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"flakeflow/auth"
	"flakeflow/config"
	"flakeflow/flake"
)

const testOracleKey = "oracle-key-0123456789abcdef0123456789"

type stubAuth struct{}

func (stubAuth) VerifyToken(token string) (auth.Identity, error) {
	user, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: user, Role: auth.RoleParticipant}, nil
}

func (stubAuth) VerifyOracleKey(_ context.Context, key string) (auth.Identity, error) {
	if key != testOracleKey {
		return auth.Identity{}, auth.ErrInvalidOracleKey
	}
	return auth.Identity{UserID: "oracle", Role: auth.RoleOracle}, nil
}

// stubFlakes implements only what each test needs; other methods panic
// through the nil embedded interface.
type stubFlakes struct {
	flakeService

	flake     flake.Flake
	err       error
	call      flake.LedgerCall
	events    []flake.Event
	list      []flake.Flake
	hash      string
	broadcast error

	created   flake.CreateParams
	evidence  flake.AddEvidenceParams
	resolved  flake.ResolveParams
	submitted flake.MarkResolutionSubmittedParams
	claim     flake.RefundClaimIntentParams
	listed    []string
}

func (s *stubFlakes) Create(_ context.Context, p flake.CreateParams) (flake.Flake, error) {
	s.created = p
	return s.flake, s.err
}

func (s *stubFlakes) Get(_ context.Context, _ string) (flake.Flake, error) {
	return s.flake, s.err
}

func (s *stubFlakes) History(_ context.Context, _ string) ([]flake.Event, error) {
	return s.events, s.err
}

func (s *stubFlakes) ListForParticipant(_ context.Context, id string) ([]flake.Flake, error) {
	s.listed = append(s.listed, id)
	return s.list, s.err
}

func (s *stubFlakes) ListByStatus(_ context.Context, status flake.Status, vt flake.VerificationType) ([]flake.Flake, error) {
	s.listed = append(s.listed, string(status)+"/"+string(vt))
	return s.list, s.err
}

func (s *stubFlakes) RecordDepositIntent(_ context.Context, _ flake.DepositIntentParams) (flake.LedgerCall, error) {
	return s.call, s.err
}

func (s *stubFlakes) RefundClaimIntent(_ context.Context, p flake.RefundClaimIntentParams) (flake.LedgerCall, error) {
	s.claim = p
	return s.call, s.err
}

func (s *stubFlakes) AddEvidence(_ context.Context, p flake.AddEvidenceParams) (flake.Flake, error) {
	s.evidence = p
	return s.flake, s.err
}

func (s *stubFlakes) Resolve(_ context.Context, p flake.ResolveParams) (flake.LedgerResult, error) {
	s.resolved = p
	return flake.LedgerResult{Flake: s.flake, Call: s.call}, s.err
}

func (s *stubFlakes) Broadcast(_ context.Context, _ flake.LedgerCall) (string, error) {
	return s.hash, s.broadcast
}

func (s *stubFlakes) MarkResolutionSubmitted(_ context.Context, p flake.MarkResolutionSubmittedParams) (flake.Flake, error) {
	s.submitted = p
	f := s.flake
	f.ResolveTx = p.TxRef
	return f, nil
}

func newTestServer(flakes flakeService) http.Handler {
	return NewServer(flakes, stubAuth{}, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleFlake() flake.Flake {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return flake.Flake{
		ID:               "f-1",
		NumericID:        "42",
		CreatorID:        "alice",
		Title:            "Run 5k",
		Stake:            "10",
		VerificationType: flake.VerificationSocial,
		Deadline:         now.Add(24 * time.Hour),
		Status:           flake.StatusPendingStakes,
		Participants: []flake.Participant{
			{ID: "alice", Stake: "10", Status: flake.ParticipantPending},
			{ID: "bob", Stake: "10", Status: flake.ParticipantPending},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestHandleCreateFlake_Success(t *testing.T) {
	stub := &stubFlakes{flake: sampleFlake()}
	body := strings.NewReader(`{"title":"Run 5k","stake":"10","verificationType":"Social","deadline":"2025-06-02T12:00:00Z","participants":[{"id":"alice","stake":"10"},{"id":"bob","stake":"10"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/flakes", body)
	req.Header.Set("Authorization", "Bearer token-alice")

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.created.CreatorID != "alice" || stub.created.VerificationType != flake.VerificationSocial || len(stub.created.Participants) != 2 {
		t.Fatalf("unexpected create params %+v", stub.created)
	}

	var resp flakeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "f-1" || resp.Status != "PENDING_STAKES" || len(resp.Participants) != 2 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.CreatedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("expected RFC3339 createdAt, got %s", resp.CreatedAt)
	}
}

func TestRequireCaller(t *testing.T) {
	h := newTestServer(&stubFlakes{})
	for name, header := range map[string]string{
		"missing": "",
		"basic":   "Basic abc",
		"invalid": "Bearer nope",
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/flakes", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := do(t, h, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Code != string(flake.KindUnauthorized) {
			t.Fatalf("%s: unexpected envelope %s", name, rec.Body.String())
		}
	}
}

func TestErrorEnvelope_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   flake.Kind
	}{
		{fmt.Errorf("flake: get: %w", flake.ErrNotFound), http.StatusNotFound, flake.KindNotFound},
		{fmt.Errorf("flake: %w", flake.ErrForbidden), http.StatusForbidden, flake.KindForbidden},
		{fmt.Errorf("flake: %w", flake.ErrConflict), http.StatusConflict, flake.KindConflict},
		{fmt.Errorf("flake: %w", flake.ErrInvalidInput), http.StatusBadRequest, flake.KindInvalidInput},
		{fmt.Errorf("flake: %w", flake.ErrUnauthorized), http.StatusUnauthorized, flake.KindUnauthorized},
		{fmt.Errorf("flake: %w", flake.ErrInvalidOperation), http.StatusUnprocessableEntity, flake.KindInvalidOperation},
		{fmt.Errorf("flake: %w", flake.ErrUpstreamUnavailable), http.StatusBadGateway, flake.KindUpstreamUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, flake.KindInternal},
	}
	for _, tc := range cases {
		h := newTestServer(&stubFlakes{err: tc.err})
		req := httptest.NewRequest(http.MethodGet, "/v1/flakes/f-1", nil)
		req.Header.Set("Authorization", "Bearer token-alice")
		rec := do(t, h, req)

		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if body.Error.Code != string(tc.code) {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, body.Error.Code)
		}
		if tc.status == http.StatusInternalServerError && body.Error.Message != "internal error" {
			t.Fatalf("internal errors must not leak details, got %q", body.Error.Message)
		}
	}
}

func TestHandleGetFlake_HiddenFromOutsiders(t *testing.T) {
	h := newTestServer(&stubFlakes{flake: sampleFlake()})
	req := httptest.NewRequest(http.MethodGet, "/v1/flakes/f-1", nil)
	req.Header.Set("Authorization", "Bearer token-mallory")

	rec := do(t, h, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleFlakeEvents(t *testing.T) {
	stub := &stubFlakes{
		flake: sampleFlake(),
		events: []flake.Event{
			{Seq: 1, Type: flake.EventCreated, ActorID: "alice", Payload: []byte(`{"participants":2}`)},
			{Seq: 2, Type: flake.EventDepositConfirmed, ActorID: "bob"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/flakes/f-1/events", nil)
	req.Header.Set("Authorization", "Bearer token-bob")

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []eventResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Type != flake.EventCreated || !strings.Contains(string(payload.Items[0].Payload), "participants") {
		t.Fatalf("unexpected events payload: %s", rec.Body.String())
	}
}

func TestHandleDepositIntent_ReturnsHexCalldata(t *testing.T) {
	stub := &stubFlakes{call: flake.LedgerCall{
		Calldata:        []byte{0xde, 0xad, 0xbe, 0xef},
		ChainID:         8453,
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Value:           "10000000000000000000",
		ExpiresAt:       time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC),
	}}
	req := httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/deposits/intent", strings.NewReader(`{"amount":"10","address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}`))
	req.Header.Set("Authorization", "Bearer token-bob")

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ledgerCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Calldata != "0xdeadbeef" || resp.ChainID != 8453 || resp.ExpiresAt != "2025-06-01T12:10:00Z" {
		t.Fatalf("unexpected call response %+v", resp)
	}
}

func TestHandleRefundClaimIntent(t *testing.T) {
	stub := &stubFlakes{call: flake.LedgerCall{
		Calldata:        []byte{0xca, 0xfe},
		ChainID:         8453,
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}}
	req := httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/refunds/intent", nil)
	req.Header.Set("Authorization", "Bearer token-alice")

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ledgerCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Calldata != "0xcafe" || resp.Value != "" {
		t.Fatalf("unexpected call response %+v", resp)
	}
	if stub.claim.FlakeID != "f-1" || stub.claim.ParticipantID != "alice" {
		t.Fatalf("unexpected params %+v", stub.claim)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/refunds/intent", nil)
	req.Header.Set("Authorization", "Bearer token-alice")
	rec = do(t, newTestServer(&stubFlakes{err: flake.ErrConflict}), req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/deposits/intent", strings.NewReader(`{"amount":"10","wallet":"x"}`))
	req.Header.Set("Authorization", "Bearer token-bob")

	rec := do(t, newTestServer(&stubFlakes{}), req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAddEvidence_Multipart(t *testing.T) {
	stub := &stubFlakes{flake: sampleFlake()}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "finish line")
	part, err := mw.CreateFormFile("file", "finish.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("\xff\xd8\xff\xe0 jpeg bytes"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer token-alice")

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.evidence.UploaderID != "alice" || stub.evidence.Filename != "finish.jpg" || stub.evidence.Title != "finish line" {
		t.Fatalf("unexpected evidence params %+v", stub.evidence)
	}
	if !bytes.HasPrefix(stub.evidence.Data, []byte("\xff\xd8\xff")) || stub.evidence.ContentType == "" {
		t.Fatalf("unexpected evidence data or content type %q", stub.evidence.ContentType)
	}
}

func TestHandleAddEvidence_RequiresFilePart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "no file")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/flakes/f-1/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer token-alice")

	rec := do(t, newTestServer(&stubFlakes{}), req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOracleRoutes_RequireKey(t *testing.T) {
	h := newTestServer(&stubFlakes{})
	req := httptest.NewRequest(http.MethodPost, "/v1/oracle/flakes/f-1/resolve", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer token-alice")

	rec := do(t, h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("caller token must not grant oracle access, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/oracle/flakes/f-1/resolve", strings.NewReader(`{}`))
	req.Header.Set(oracleKeyHeader, "wrong")
	if rec := do(t, h, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
}

func TestHandleResolve_BroadcastsAndRecords(t *testing.T) {
	f := sampleFlake()
	f.Status = flake.StatusResolved
	stub := &stubFlakes{
		flake: f,
		call:  flake.LedgerCall{Calldata: []byte{0x01}, ChainID: 8453, ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
		hash:  "0xabc",
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/oracle/flakes/f-1/resolve",
		strings.NewReader(`{"winnerId":"bob","winnerAddress":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","broadcast":true}`))
	req.Header.Set(oracleKeyHeader, testOracleKey)

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.resolved.WinnerID != "bob" || stub.resolved.ResolvedBy != "oracle" {
		t.Fatalf("unexpected resolve params %+v", stub.resolved)
	}
	if stub.submitted.TxRef != "0xabc" || stub.submitted.FlakeID != "f-1" {
		t.Fatalf("expected resolution tx recorded, got %+v", stub.submitted)
	}

	var resp ledgerResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TxHash != "0xabc" || resp.Flake.ResolveTx != "0xabc" || resp.BroadcastError != "" {
		t.Fatalf("unexpected resolve response %+v", resp)
	}
}

func TestHandleResolve_BroadcastFailureStillReturnsCall(t *testing.T) {
	stub := &stubFlakes{
		flake:     sampleFlake(),
		call:      flake.LedgerCall{Calldata: []byte{0x02}},
		broadcast: fmt.Errorf("flake: broadcast: %w", flake.ErrUpstreamUnavailable),
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/oracle/flakes/f-1/resolve",
		strings.NewReader(`{"winnerId":"bob","winnerAddress":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","broadcast":true}`))
	req.Header.Set(oracleKeyHeader, testOracleKey)

	rec := do(t, newTestServer(stub), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp ledgerResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Call.Calldata != "0x02" || resp.BroadcastError == "" || resp.TxHash != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if stub.submitted.TxRef != "" {
		t.Fatal("nothing must be recorded when the broadcast fails")
	}
}

func TestHandleOracleList_ValidatesFilters(t *testing.T) {
	stub := &stubFlakes{list: []flake.Flake{sampleFlake()}}
	h := newTestServer(stub)

	req := httptest.NewRequest(http.MethodGet, "/v1/oracle/flakes?status=awaiting_verdict&type=social", nil)
	req.Header.Set(oracleKeyHeader, testOracleKey)
	rec := do(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(stub.listed) != 1 || stub.listed[0] != "AWAITING_VERDICT/social" {
		t.Fatalf("unexpected list filters %v", stub.listed)
	}

	for _, q := range []string{"status=LOST", "status=ACTIVE&type=vibes"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/oracle/flakes?"+q, nil)
		req.Header.Set(oracleKeyHeader, testOracleKey)
		if rec := do(t, h, req); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHashOracleKeyCommand(t *testing.T) {
	cmd := newRootCmd(config.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(testOracleKey + "\n"))
	cmd.SetArgs([]string{"hash-oracle-key"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(testOracleKey)); err != nil {
		t.Fatalf("printed hash does not match key: %v", err)
	}
}

func TestReadKey_RejectsEmpty(t *testing.T) {
	if _, err := readKey(strings.NewReader("\n")); err == nil {
		t.Fatal("expected error for empty key")
	}
}
