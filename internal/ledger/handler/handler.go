// Package handler exposes the ledger over HTTP. Reads are public; every write
// requires an authenticated principal and is authorized by the ledger service.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	"halalledger/internal/ledger/service"
	"halalledger/internal/ledger/timeline"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/audit"
	"halalledger/pkg/platform/httputil"
	"halalledger/pkg/requestcontext"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Service is the slice of the ledger service the handler needs.
type Service interface {
	CreateBatch(ctx context.Context, cmd service.CreateBatchCommand) (*service.Receipt, error)
	SetCertificate(ctx context.Context, cmd service.SetCertificateCommand) (*service.Receipt, error)
	UpdateStatus(ctx context.Context, cmd service.UpdateStatusCommand) (*service.Receipt, error)
	TransferBatch(ctx context.Context, cmd service.TransferBatchCommand) (*service.Receipt, error)
	GrantRoleByName(ctx context.Context, actor, principal domain.Principal, role string) (*service.Receipt, error)
	RevokeRoleByName(ctx context.Context, actor, principal domain.Principal, role string) (*service.Receipt, error)
	Rebuild(ctx context.Context) error

	Get(ctx context.Context, id domain.BatchID) (*models.Batch, error)
	Exists(ctx context.Context, id domain.BatchID) bool
	CountBatches(ctx context.Context) int
	ListBatchIDs(ctx context.Context, start, limit int) []domain.BatchID
	GetMany(ctx context.Context, ids []domain.BatchID) []*models.Batch
	ListByCreator(ctx context.Context, creator domain.Principal, start, limit int) []domain.BatchID
	CountByCreator(ctx context.Context, creator domain.Principal) int
	ListByOwner(ctx context.Context, owner domain.Principal, start, limit int) []domain.BatchID
	ListByStatus(ctx context.Context, status string, start, limit int) []domain.BatchID
	HasRole(ctx context.Context, p domain.Principal, role models.Role) bool
	Roles(ctx context.Context, p domain.Principal) []models.Role
	Members(ctx context.Context, role models.Role) []domain.Principal
	Timeline(ctx context.Context, id domain.BatchID, from, to uint64) (*timeline.Timeline, error)
	Verify(ctx context.Context, id domain.BatchID) (*service.Verification, error)
	Policy() *policy.Policy
	Head() uint64
}

// AuditReader exposes recent security and compliance events to admins.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Handler wires ledger endpoints to the ledger service.
type Handler struct {
	service Service
	audit   AuditReader
	logger  *slog.Logger
}

type Option func(*Handler)

func WithAuditReader(r AuditReader) Option {
	return func(h *Handler) {
		h.audit = r
	}
}

func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterPublic mounts the read-only endpoints.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/v1/head", h.HandleHead)
	r.Get("/v1/policy", h.HandlePolicy)

	r.Get("/v1/batches", h.HandleListBatches)
	r.Get("/v1/batches/count", h.HandleCountBatches)
	r.Post("/v1/batches/lookup", h.HandleLookup)
	r.Get("/v1/batches/{id}", h.HandleGetBatch)
	r.Get("/v1/batches/{id}/exists", h.HandleExists)
	r.Get("/v1/batches/{id}/timeline", h.HandleTimeline)
	r.Get("/v1/batches/{id}/verify", h.HandleVerify)

	r.Get("/v1/creators/{principal}/batches", h.HandleListByCreator)
	r.Get("/v1/owners/{principal}/batches", h.HandleListByOwner)
	r.Get("/v1/statuses/{status}/batches", h.HandleListByStatus)

	r.Get("/v1/principals/{principal}/roles", h.HandleRoles)
	r.Get("/v1/roles/{role}/members", h.HandleMembers)
}

// RegisterAuthenticated mounts the write endpoints. The router must already carry
// the auth middleware.
func (h *Handler) RegisterAuthenticated(r chi.Router) {
	r.Post("/v1/batches", h.HandleCreateBatch)
	r.Put("/v1/batches/{id}/certificate", h.HandleSetCertificate)
	r.Put("/v1/batches/{id}/status", h.HandleUpdateStatus)
	r.Post("/v1/batches/{id}/transfer", h.HandleTransfer)
	r.Post("/v1/roles/grant", h.HandleGrantRole)
	r.Post("/v1/roles/revoke", h.HandleRevokeRole)
	r.Post("/v1/admin/rebuild", h.HandleRebuild)
	r.Get("/v1/admin/audit", h.HandleAudit)
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func (h *Handler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeValid[CreateBatchRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	receipt, err := h.service.CreateBatch(r.Context(), service.CreateBatchCommand{
		Actor:       actor,
		BatchID:     req.parsedID,
		ProductName: req.ProductName,
	})
	h.writeReceipt(w, r, http.StatusCreated, receipt, err)
}

func (h *Handler) HandleSetCertificate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeValid[SetCertificateRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	receipt, err := h.service.SetCertificate(r.Context(), service.SetCertificateCommand{
		Actor:   actor,
		BatchID: id,
		CertRef: req.CertRef,
	})
	h.writeReceipt(w, r, http.StatusOK, receipt, err)
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeValid[UpdateStatusRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	receipt, err := h.service.UpdateStatus(r.Context(), service.UpdateStatusCommand{
		Actor:   actor,
		BatchID: id,
		Status:  req.Status,
	})
	h.writeReceipt(w, r, http.StatusOK, receipt, err)
}

func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeValid[TransferRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	receipt, err := h.service.TransferBatch(r.Context(), service.TransferBatchCommand{
		Actor:   actor,
		BatchID: id,
		To:      req.parsedTo,
	})
	h.writeReceipt(w, r, http.StatusOK, receipt, err)
}

func (h *Handler) HandleGrantRole(w http.ResponseWriter, r *http.Request) {
	h.handleRole(w, r, h.service.GrantRoleByName)
}

func (h *Handler) HandleRevokeRole(w http.ResponseWriter, r *http.Request) {
	h.handleRole(w, r, h.service.RevokeRoleByName)
}

func (h *Handler) handleRole(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, actor, principal domain.Principal, role string) (*service.Receipt, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeValid[RoleRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	receipt, err := apply(r.Context(), actor, req.parsedPrincipal, req.Role)
	h.writeReceipt(w, r, http.StatusOK, receipt, err)
}

// HandleRebuild replays the whole log into fresh read models. Admin only.
func (h *Handler) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}
	start := time.Now()
	if err := h.service.Rebuild(ctx); err != nil {
		h.logger.ErrorContext(ctx, "rebuild failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "ledger rebuilt",
		"request_id", requestcontext.RequestID(ctx),
		"actor", actor,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, HeadResponse{Head: h.service.Head()})
}

// HandleAudit lists the most recent audit events, oldest first. Admin only.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	if h.audit == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "audit log not configured"))
		return
	}
	limit, err := intQuery(r.URL.Query().Get("limit"), "limit", defaultPageLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.audit.Recent(r.Context(), min(limit, maxPageLimit))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit log"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAuditEvents(events))
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func (h *Handler) HandleHead(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HeadResponse{Head: h.service.Head()})
}

func (h *Handler) HandlePolicy(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, FromPolicy(h.service.Policy()))
}

func (h *Handler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	start, limit, ok := page(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	total := h.service.CountBatches(ctx)
	httputil.WriteJSON(w, http.StatusOK, PageResponse{
		IDs:   h.service.ListBatchIDs(ctx, start, limit),
		Start: start,
		Limit: limit,
		Total: &total,
	})
}

func (h *Handler) HandleCountBatches(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, CountResponse{Count: h.service.CountBatches(r.Context())})
}

func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.DecodeValid[LookupRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	batches := h.service.GetMany(r.Context(), req.parsedIDs)
	httputil.WriteJSON(w, http.StatusOK, LookupResponse{Batches: batches})
}

func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	batch, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, batch)
}

func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ExistsResponse{Exists: h.service.Exists(r.Context(), id)})
}

// HandleTimeline serves a batch history over ?from=&to=. With ?strict=true a history
// whose creation event is outside the range is an error instead of a flagged result.
func (h *Handler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := uintQuery(q.Get("from"), "from")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := uintQuery(q.Get("to"), "to")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if to != 0 && from > to {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "from must not exceed to"))
		return
	}

	tl, err := h.service.Timeline(r.Context(), id, from, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if strict, _ := strconv.ParseBool(q.Get("strict")); strict {
		if err := tl.Err(); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, tl)
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := batchIDParam(w, r)
	if !ok {
		return
	}
	v, err := h.service.Verify(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) HandleListByCreator(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	start, limit, ok := page(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	total := h.service.CountByCreator(ctx, p)
	httputil.WriteJSON(w, http.StatusOK, PageResponse{
		IDs:   h.service.ListByCreator(ctx, p, start, limit),
		Start: start,
		Limit: limit,
		Total: &total,
	})
}

func (h *Handler) HandleListByOwner(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	start, limit, ok := page(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PageResponse{
		IDs:   h.service.ListByOwner(r.Context(), p, start, limit),
		Start: start,
		Limit: limit,
	})
}

func (h *Handler) HandleListByStatus(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	if status == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "status is required"))
		return
	}
	start, limit, ok := page(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PageResponse{
		IDs:   h.service.ListByStatus(r.Context(), status, start, limit),
		Start: start,
		Limit: limit,
	})
}

func (h *Handler) HandleRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RolesResponse{Principal: p, Roles: h.service.Roles(r.Context(), p)})
}

func (h *Handler) HandleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MembersResponse{Role: role, Members: h.service.Members(r.Context(), role)})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p := requestcontext.Principal(r.Context())
	if p.IsZero() {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
			Error:            "unauthorized",
			ErrorDescription: "authentication required",
		})
		return "", false
	}
	return p, true
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return "", false
	}
	if !h.service.HasRole(r.Context(), actor, models.RoleAdmin) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin role required"))
		return "", false
	}
	return actor, true
}

func (h *Handler) writeReceipt(w http.ResponseWriter, r *http.Request, status int, receipt *service.Receipt, err error) {
	ctx := r.Context()
	if err != nil {
		// The service already logged and audited the rejection.
		httputil.WriteError(w, err)
		return
	}
	resp := FromReceipt(receipt)
	if !resp.Committed {
		status = http.StatusOK
	}
	h.logger.DebugContext(ctx, "action accepted",
		"request_id", requestcontext.RequestID(ctx),
		"committed", resp.Committed,
	)
	httputil.WriteJSON(w, status, resp)
}

func batchIDParam(w http.ResponseWriter, r *http.Request) (domain.BatchID, bool) {
	id, err := domain.ParseBatchID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", false
	}
	return id, true
}

func principalParam(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, err := domain.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", false
	}
	return p, true
}

// page reads ?start=&limit=. limit defaults to 100 and is capped at 1000.
func page(w http.ResponseWriter, r *http.Request) (start, limit int, ok bool) {
	q := r.URL.Query()
	start, err := intQuery(q.Get("start"), "start", 0)
	if err != nil {
		httputil.WriteError(w, err)
		return 0, 0, false
	}
	limit, err = intQuery(q.Get("limit"), "limit", defaultPageLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return 0, 0, false
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	return start, min(limit, maxPageLimit), true
}

func intQuery(raw, name string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func uintQuery(raw, name string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}
