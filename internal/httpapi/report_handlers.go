package httpapi

import (
	"net/http"
	"time"

	"openshelf.org/internal/membership"
)

func (a *API) handleOverdueReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}
	if a.reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reports require a database")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	rows, err := a.reports.OverdueLoans(r.Context(), now, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"as_of": now,
	})
}

func (a *API) handleTopReservedReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}
	if a.reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reports require a database")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	rows, err := a.reports.TopReserved(r.Context(), now, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"as_of": now,
	})
}

func (a *API) handleUserLoadReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}
	if a.reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, "reports require a database")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.reports.ActiveLoansByUser(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rows,
	})
}
