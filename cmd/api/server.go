package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flakeflow/auth"
	"flakeflow/flake"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const oracleKeyHeader = "X-Oracle-Key"

// flakeService is the engine surface the HTTP layer depends on.
type flakeService interface {
	Create(ctx context.Context, params flake.CreateParams) (flake.Flake, error)
	RecordDepositIntent(ctx context.Context, params flake.DepositIntentParams) (flake.LedgerCall, error)
	ConfirmDeposit(ctx context.Context, params flake.ConfirmDepositParams) (flake.Flake, error)
	AddEvidence(ctx context.Context, params flake.AddEvidenceParams) (flake.Flake, error)
	SubmitAttestation(ctx context.Context, params flake.AttestationParams) (flake.Flake, error)
	RequestAIReview(ctx context.Context, params flake.AIReviewParams) (flake.Flake, error)
	VerifyAutomatic(ctx context.Context, params flake.VerifyAutomaticParams) (flake.Flake, error)
	Resolve(ctx context.Context, params flake.ResolveParams) (flake.LedgerResult, error)
	OpenRefunds(ctx context.Context, params flake.OpenRefundsParams) (flake.LedgerResult, error)
	MarkRefundOpened(ctx context.Context, params flake.MarkRefundOpenedParams) (flake.Flake, error)
	RefundClaimIntent(ctx context.Context, params flake.RefundClaimIntentParams) (flake.LedgerCall, error)
	MarkRefundClaimed(ctx context.Context, params flake.MarkRefundClaimedParams) (flake.Flake, error)
	MarkResolutionSubmitted(ctx context.Context, params flake.MarkResolutionSubmittedParams) (flake.Flake, error)
	Broadcast(ctx context.Context, call flake.LedgerCall) (string, error)
	Get(ctx context.Context, id string) (flake.Flake, error)
	ListForParticipant(ctx context.Context, participantID string) ([]flake.Flake, error)
	ListByStatus(ctx context.Context, status flake.Status, vt flake.VerificationType) ([]flake.Flake, error)
	History(ctx context.Context, id string) ([]flake.Event, error)
}

type authenticator interface {
	VerifyToken(token string) (auth.Identity, error)
	VerifyOracleKey(ctx context.Context, key string) (auth.Identity, error)
}

// Server exposes one route per engine operation.
type Server struct {
	flakeService flakeService
	auth         authenticator
	logger       *slog.Logger
}

func NewServer(flakes flakeService, authn authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{flakeService: flakes, auth: authn, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireCaller)
			r.Post("/flakes", s.handleCreateFlake)
			r.Get("/flakes", s.handleListFlakes)
			r.Route("/flakes/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetFlake)
				r.Get("/events", s.handleFlakeEvents)
				r.Post("/deposits/intent", s.handleDepositIntent)
				r.Post("/deposits/confirm", s.handleConfirmDeposit)
				r.Post("/evidence", s.handleAddEvidence)
				r.Post("/attestations", s.handleSubmitAttestation)
				r.Post("/ai-review", s.handleAIReview)
				r.Post("/verify-automatic", s.handleVerifyAutomatic)
				r.Post("/refunds/intent", s.handleRefundClaimIntent)
				r.Post("/refunds/claim", s.handleClaimRefund)
			})
		})

		r.Route("/oracle", func(r chi.Router) {
			r.Use(s.requireOracle)
			r.Get("/flakes", s.handleOracleList)
			r.Post("/flakes/{id}/resolve", s.handleResolve)
			r.Post("/flakes/{id}/refunds/open", s.handleOpenRefunds)
			r.Post("/flakes/{id}/refunds/opened", s.handleRefundOpened)
			r.Post("/flakes/{id}/resolution-tx", s.handleResolutionTx)
		})
	})
	return r
}

func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorCode(w, http.StatusUnauthorized, flake.KindUnauthorized, "missing bearer token")
			return
		}
		id, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, flake.KindUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireOracle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(oracleKeyHeader)
		if key == "" {
			writeErrorCode(w, http.StatusUnauthorized, flake.KindUnauthorized, "missing oracle key")
			return
		}
		id, err := s.auth.VerifyOracleKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidOracleKey) {
				writeErrorCode(w, http.StatusUnauthorized, flake.KindUnauthorized, "invalid oracle key")
				return
			}
			s.logger.Error("oracle key lookup failed", "err", err)
			writeErrorCode(w, http.StatusInternalServerError, flake.KindInternal, "internal error")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// statusForKind maps engine error kinds onto HTTP statuses.
func statusForKind(kind flake.Kind) int {
	switch kind {
	case flake.KindNotFound:
		return http.StatusNotFound
	case flake.KindForbidden:
		return http.StatusForbidden
	case flake.KindConflict:
		return http.StatusConflict
	case flake.KindInvalidInput:
		return http.StatusBadRequest
	case flake.KindUnauthorized:
		return http.StatusUnauthorized
	case flake.KindInvalidOperation:
		return http.StatusUnprocessableEntity
	case flake.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := flake.KindOf(err)
	status := statusForKind(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		message = "internal error"
	}
	writeErrorCode(w, status, kind, message)
}

func writeErrorCode(w http.ResponseWriter, status int, kind flake.Kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(kind), Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
