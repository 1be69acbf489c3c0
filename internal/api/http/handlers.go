package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/ingest"
	"github.com/jekabolt/o2o-ledger/internal/router"
	"google.golang.org/grpc/codes"
)

type (
	Router interface {
		Route(ctx context.Context, q *entity.Query) (*entity.Result, *entity.RoutingDecision, error)
		Status(ctx context.Context) (*router.Status, error)
	}

	Ingester interface {
		Ingest(ctx context.Context, lines []entity.OrderLine) (*ingest.Result, error)
		IngestRecords(ctx context.Context, recs []map[string]string) (*ingest.Result, error)
	}

	Rebuilder interface {
		RebuildRange(ctx context.Context, w entity.Window) (int, error)
	}

	OrderStore interface {
		Ping(ctx context.Context) error
		GetOrder(ctx context.Context, orderID string) (*entity.Order, []entity.OrderLine, error)
	}
)

// Handlers serve the JSON API.
type Handlers struct {
	router    Router
	ingester  Ingester
	rebuilder Rebuilder
	db        OrderStore
}

func NewHandlers(r Router, i Ingester, b Rebuilder, db OrderStore) *Handlers {
	return &Handlers{
		router:    r,
		ingester:  i,
		rebuilder: b,
		db:        db,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("can't write response", slog.String("err", err.Error()))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorResponse(w, r, err, nil)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, err error, partial *ingest.Result) {
	code := gerr.Code(err)
	status := runtime.HTTPStatusFromCode(code)
	if status >= http.StatusInternalServerError {
		slog.Default().ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("err", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{
		Error:  err.Error(),
		Code:   code.String(),
		Engine: gerr.EngineOf(err),
		Ingest: partial,
	})
}

func decode(r *http.Request, v any, invalid error) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: body exceeds %d bytes", invalid, tooLarge.Limit)
		}
		return fmt.Errorf("%w: %w", invalid, err)
	}
	return nil
}

func (h *Handlers) query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decode(r, &req, gerr.ErrInvalidQuery); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := req.Query()
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, dec, err := h.router.Route(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res, Routing: routingInfo(dec)})
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decode(r, &req, gerr.ErrInvalidRecord); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		res *ingest.Result
		err error
	)
	if len(req.Records) > 0 {
		res, err = h.ingester.IngestRecords(r.Context(), req.Records)
	} else {
		res, err = h.ingester.Ingest(r.Context(), req.Lines)
	}
	if err != nil {
		writeErrorResponse(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.router.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if err := decode(r, &req, gerr.ErrInvalidQuery); err != nil {
		writeError(w, r, err)
		return
	}
	win, err := req.Window()
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.rebuilder.RebuildRange(r.Context(), win)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{Window: win.Key(), Published: n})
}

// order returns one stored order with its lines. With fallback_mode set the
// profit figures of that mode are filled in.
func (h *Handlers) order(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderId")
	var mode entity.FallbackMode
	if m := r.URL.Query().Get("fallback_mode"); m != "" {
		var err error
		if mode, err = entity.ParseFallbackMode(m); err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", gerr.ErrInvalidQuery, err))
			return
		}
	}
	o, lines, err := h.db.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if o == nil {
		writeError(w, r, fmt.Errorf("%w: %s", gerr.ErrOrderNotFound, id))
		return
	}
	if mode != "" {
		d := aggregate.Derive(*o, mode)
		o = &d
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: o, Lines: lines})
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: codes.Unavailable.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
