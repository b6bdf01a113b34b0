package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/obs"
	"openshelf.org/internal/report"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/stream"
)

// ReadyProbe reports readiness, typically a DB ping. A nil DB means the
// in-memory store is in use and the probe always passes.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the HTTP layer exposes.
type Config struct {
	Loans        *loan.Engine
	Reservations *reservation.Engine
	Fines        *fine.Ledger
	Catalog      catalog.Store
	Users        membership.Store
	Reports      *report.Service
	Stream       *stream.Stream
	Recorder     *audit.Recorder
	ReadyProbe   ReadyProbe
	Version      string

	// RateBurst and RatePerSec tune the per-IP limiter; zero means the
	// defaults below.
	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	loans        *loan.Engine
	reservations *reservation.Engine
	fines        *fine.Ledger
	catalog      catalog.Store
	users        membership.Store
	reports      *report.Service
	stream       *stream.Stream
	recorder     *audit.Recorder
	readyProbe   ReadyProbe
	version      string
	rateBurst    int
	ratePerSec   int
}

func New(cfg Config) *API {
	a := &API{
		mux:          http.NewServeMux(),
		loans:        cfg.Loans,
		reservations: cfg.Reservations,
		fines:        cfg.Fines,
		catalog:      cfg.Catalog,
		users:        cfg.Users,
		reports:      cfg.Reports,
		stream:       cfg.Stream,
		recorder:     cfg.Recorder,
		readyProbe:   cfg.ReadyProbe,
		version:      cfg.Version,
		rateBurst:    cfg.RateBurst,
		ratePerSec:   cfg.RatePerSec,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/loans", a.handleLoansCollection)
	a.mux.HandleFunc("/v1/loans/", a.handleLoanResource)
	a.mux.HandleFunc("/v1/reservations", a.handleReservationsCollection)
	a.mux.HandleFunc("/v1/reservations/", a.handleReservationResource)
	a.mux.HandleFunc("/v1/fines", a.handleFinesCollection)
	a.mux.HandleFunc("/v1/fines/", a.handleFineResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/books", a.handleBooksCollection)
	a.mux.HandleFunc("/v1/books/", a.handleBookResource)
	a.mux.HandleFunc("/v1/reports/overdue", a.handleOverdueReport)
	a.mux.HandleFunc("/v1/reports/top-reserved", a.handleTopReservedReport)
	a.mux.HandleFunc("/v1/reports/user-load", a.handleUserLoadReport)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with the middleware chain, outermost first.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "openshelf-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "openshelf-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
