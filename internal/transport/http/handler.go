// Package httptransport is the thin HTTP layer. It delegates to the lifecycle
// service without embedding business logic so transport concerns remain
// isolated.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"morguetrack/internal/allocation"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/lifecycle"
	"morguetrack/internal/movement"
	"morguetrack/internal/platform/middleware"
	"morguetrack/internal/registry"
	"morguetrack/internal/release"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
	"morguetrack/pkg/platform/httputil"
)

// Service defines the lifecycle operations the transport needs.
type Service interface {
	Register(ctx context.Context, in lifecycle.RegisterInput) (body.Body, error)
	Verify(ctx context.Context, bodyID id.BodyID, in lifecycle.VerifyInput) (body.Body, error)
	AssignStorage(ctx context.Context, bodyID id.BodyID, in lifecycle.AssignInput) (body.Body, allocation.Allocation, error)
	Unassign(ctx context.Context, bodyID id.BodyID, actor id.Actor) (body.Body, error)
	Update(ctx context.Context, bodyID id.BodyID, in lifecycle.UpdateInput) (body.Body, error)
	Release(ctx context.Context, bodyID id.BodyID, details release.Details, actor id.Actor) (exitrecord.ExitRecord, release.NOCPayload, error)
	GetBody(ctx context.Context, bodyID id.BodyID) (body.Body, error)
	ListBodies(ctx context.Context, activeOnly bool) ([]body.Body, error)
	ListAllocations(ctx context.Context, filter allocation.Filter) ([]allocation.Allocation, error)
	MovementHistory(ctx context.Context, bodyID id.BodyID) ([]movement.Entry, error)
	UnitMovementHistory(ctx context.Context, code id.UnitCode) ([]movement.Entry, error)
	ExitRecordFor(ctx context.Context, bodyID id.BodyID) (exitrecord.ExitRecord, error)
	ListExitRecords(ctx context.Context, filter exitrecord.Filter) ([]exitrecord.ExitRecord, error)
	FindOrphans(ctx context.Context) ([]body.Body, error)
}

// UnitLister is the slice of the registry the transport needs.
type UnitLister interface {
	ListUnits(ctx context.Context, filter registry.Filter) ([]registry.Unit, error)
	GetUnit(ctx context.Context, code id.UnitCode) (registry.Unit, error)
}

// Handler handles all lifecycle endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
	units   UnitLister
}

// New creates the Handler.
func New(service Service, units UnitLister, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service, units: units}
}

// Register registers the lifecycle routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/bodies", func(r chi.Router) {
		r.Post("/", h.handleRegister)
		r.Get("/", h.handleListBodies)
		r.Route("/{bodyID}", func(r chi.Router) {
			r.Get("/", h.handleGetBody)
			r.Patch("/", h.handleUpdate)
			r.Post("/verify", h.handleVerify)
			r.Post("/storage", h.handleAssign)
			r.Delete("/storage", h.handleUnassign)
			r.Post("/release", h.handleRelease)
			r.Get("/movements", h.handleBodyMovements)
			r.Get("/exit-record", h.handleExitRecord)
		})
	})
	r.Route("/units", func(r chi.Router) {
		r.Get("/", h.handleListUnits)
		r.Get("/{unitCode}", h.handleGetUnit)
		r.Get("/{unitCode}/movements", h.handleUnitMovements)
	})
	r.Get("/allocations", h.handleListAllocations)
	r.Get("/exits", h.handleListExits)
	r.Get("/storage/orphans", h.handleOrphans)
}

func actorFrom(r *http.Request) id.Actor {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "unknown"
	}
	return id.Actor(actor)
}

func (h *Handler) bodyID(w http.ResponseWriter, r *http.Request) (id.BodyID, bool) {
	bodyID, err := id.ParseBodyID(chi.URLParam(r, "bodyID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.BodyID{}, false
	}
	return bodyID, true
}

type registerRequest struct {
	Name         string         `json:"name"`
	TimeOfDeath  time.Time      `json:"time_of_death"`
	CauseOfDeath string         `json:"cause_of_death"`
	PlaceOfDeath string         `json:"place_of_death"`
	Risk         body.RiskLevel `json:"risk"`
	Notes        string         `json:"notes"`
	ProviderID   string         `json:"provider_id"`
	OutletID     string         `json:"outlet_id"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	b, err := h.service.Register(ctx, lifecycle.RegisterInput{
		Name:         req.Name,
		TimeOfDeath:  req.TimeOfDeath,
		CauseOfDeath: req.CauseOfDeath,
		PlaceOfDeath: req.PlaceOfDeath,
		Risk:         req.Risk,
		Notes:        req.Notes,
		ProviderID:   req.ProviderID,
		OutletID:     req.OutletID,
		Actor:        actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(ctx, w, "register body", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, b)
}

type verifyRequest struct {
	VerifierName string `json:"verifier_name"`
	Relation     string `json:"relation"`
	Contact      string `json:"contact"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	b, err := h.service.Verify(ctx, bodyID, lifecycle.VerifyInput{
		VerifierName: req.VerifierName,
		Relation:     req.Relation,
		Contact:      req.Contact,
		Actor:        actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(ctx, w, "verify body", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

type assignRequest struct {
	UnitCode     string `json:"unit_code"`
	TempRequired string `json:"temp_required"`
	ExpectedDays int    `json:"expected_days"`
}

type assignResponse struct {
	Body       body.Body             `json:"body"`
	Allocation allocation.Allocation `json:"allocation"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	code, err := id.ParseUnitCode(req.UnitCode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	b, alloc, err := h.service.AssignStorage(ctx, bodyID, lifecycle.AssignInput{
		UnitCode:     code,
		Actor:        actorFrom(r),
		TempRequired: req.TempRequired,
		ExpectedDays: req.ExpectedDays,
	})
	if err != nil {
		h.writeServiceError(ctx, w, "assign storage", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assignResponse{Body: b, Allocation: alloc})
}

func (h *Handler) handleUnassign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	b, err := h.service.Unassign(ctx, bodyID, actorFrom(r))
	if err != nil {
		h.writeServiceError(ctx, w, "unassign storage", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

type updateRequest struct {
	Name         *string         `json:"name"`
	CauseOfDeath *string         `json:"cause_of_death"`
	PlaceOfDeath *string         `json:"place_of_death"`
	Risk         *body.RiskLevel `json:"risk"`
	Notes        *string         `json:"notes"`
	UnitCode     *string         `json:"unit_code"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	b, err := h.service.Update(ctx, bodyID, lifecycle.UpdateInput{
		Name:         req.Name,
		CauseOfDeath: req.CauseOfDeath,
		PlaceOfDeath: req.PlaceOfDeath,
		Risk:         req.Risk,
		Notes:        req.Notes,
		UnitCode:     req.UnitCode,
		Actor:        actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(ctx, w, "update body", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

type releaseResponse struct {
	ExitRecord exitrecord.ExitRecord `json:"exit_record"`
	NOC        release.NOCPayload    `json:"noc"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	var details release.Details
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	rec, noc, err := h.service.Release(ctx, bodyID, details, actorFrom(r))
	if err != nil {
		h.writeServiceError(ctx, w, "release body", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, releaseResponse{ExitRecord: rec, NOC: noc})
}

func (h *Handler) handleGetBody(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	b, err := h.service.GetBody(ctx, bodyID)
	if err != nil {
		h.writeServiceError(ctx, w, "get body", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) handleListBodies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activeOnly := r.URL.Query().Get("active") != "false"
	bodies, err := h.service.ListBodies(ctx, activeOnly)
	if err != nil {
		h.writeServiceError(ctx, w, "list bodies", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, bodies)
}

func (h *Handler) handleListUnits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	units, err := h.units.ListUnits(ctx, registry.Filter{
		ProviderID:    q.Get("provider_id"),
		OutletID:      q.Get("outlet_id"),
		OnlyAvailable: q.Get("available") == "true",
	})
	if err != nil {
		h.writeServiceError(ctx, w, "list units", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, units)
}

func (h *Handler) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code, err := id.ParseUnitCode(chi.URLParam(r, "unitCode"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.units.GetUnit(ctx, code)
	if err != nil {
		h.writeServiceError(ctx, w, "get unit", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) handleBodyMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.MovementHistory(ctx, bodyID)
	if err != nil {
		h.writeServiceError(ctx, w, "list movements", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleUnitMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code, err := id.ParseUnitCode(chi.URLParam(r, "unitCode"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.service.UnitMovementHistory(ctx, code)
	if err != nil {
		h.writeServiceError(ctx, w, "list movements", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var filter allocation.Filter
	if raw := q.Get("status"); raw != "" {
		status := allocation.Status(raw)
		filter.Status = &status
	}
	if raw := q.Get("body_id"); raw != "" {
		bodyID, err := id.ParseBodyID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.BodyID = &bodyID
	}
	if raw := q.Get("unit_code"); raw != "" {
		code, err := id.ParseUnitCode(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.UnitCode = &code
	}

	allocs, err := h.service.ListAllocations(ctx, filter)
	if err != nil {
		h.writeServiceError(ctx, w, "list allocations", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, allocs)
}

func (h *Handler) handleExitRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bodyID, ok := h.bodyID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.ExitRecordFor(ctx, bodyID)
	if err != nil {
		h.writeServiceError(ctx, w, "get exit record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListExits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	recs, err := h.service.ListExitRecords(ctx, exitrecord.Filter{
		ProviderID: q.Get("provider_id"),
		OutletID:   q.Get("outlet_id"),
	})
	if err != nil {
		h.writeServiceError(ctx, w, "list exit records", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleOrphans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orphans, err := h.service.FindOrphans(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, "find orphans", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, orphans)
}

// writeServiceError logs server-side failures and translates the error for
// the client. Expected domain outcomes (conflicts, validation) log at warn.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	requestID := middleware.GetRequestID(ctx)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeUnavailable, dErrors.CodeTimeout, dErrors.CodeInternal, "":
		h.logger.ErrorContext(ctx, "operation failed",
			"op", op, "error", err.Error(), "request_id", requestID)
	default:
		h.logger.WarnContext(ctx, "operation rejected",
			"op", op, "error", err.Error(), "request_id", requestID)
	}
	httputil.WriteError(w, err)
}
