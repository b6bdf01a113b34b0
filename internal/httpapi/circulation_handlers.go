package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"openshelf.org/internal/auth"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/stream"
)

type checkoutRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
}

type reserveRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
}

type postFineRequest struct {
	UserID         string `json:"user_id"`
	LoanID         string `json:"loan_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type settleFineRequest struct {
	Outcome string `json:"outcome"`
}

// --- loans ---

func (a *API) handleLoansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.checkout(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleLoanResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/loans/")
	switch {
	case strings.HasSuffix(path, "/return"):
		id := strings.TrimSuffix(path, "/return")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "loan not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.returnLoan(w, r, id)
	case strings.HasSuffix(path, "/lost"):
		id := strings.TrimSuffix(path, "/lost")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "loan not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markLost(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	bookID := strings.TrimSpace(req.BookID)
	if userID == "" || bookID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and book_id are required")
		return
	}

	l, err := a.loans.Checkout(r.Context(), userID, bookID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.CirculationEvent{
			Kind:   stream.KindCheckout,
			LoanID: l.ID,
			UserID: l.UserID,
			BookID: l.BookID,
			CopyID: l.CopyID,
		})
	}

	w.Header().Set("Location", "/v1/loans/"+l.ID)
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) returnLoan(w http.ResponseWriter, r *http.Request, id string) {
	res, err := a.loans.Return(r.Context(), id)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.CirculationEvent{
			Kind:   stream.KindReturn,
			LoanID: id,
			UserID: userIDFromReturn(res),
			FineID: res.LateFineID,
			Amount: res.Fee.Amount,
		})
		if res.Fulfilled != nil {
			evt := stream.CirculationEvent{
				Kind:   stream.KindFulfillment,
				UserID: res.Fulfilled.UserID,
				BookID: res.Fulfilled.BookID,
			}
			if res.NextLoan != nil {
				evt.LoanID = res.NextLoan.ID
				evt.CopyID = res.NextLoan.CopyID
			}
			a.stream.Publish(evt)
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func userIDFromReturn(res loan.ReturnResult) string {
	if res.NextLoan != nil {
		return res.NextLoan.UserID
	}
	return ""
}

func (a *API) markLost(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}
	if err := a.loans.MarkLost(r.Context(), id); err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "lost", "loan_id": id})
}

// --- reservations ---

func (a *API) handleReservationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.reserve(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleReservationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/reservations/")
	id := strings.TrimSuffix(path, "/cancel")
	if !strings.HasSuffix(path, "/cancel") || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.reservations.Cancel(r.Context(), id); err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "canceled", "reservation_id": id})
}

func (a *API) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	bookID := strings.TrimSpace(req.BookID)
	if userID == "" || bookID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and book_id are required")
		return
	}

	res, err := a.reservations.Reserve(r.Context(), userID, bookID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/reservations/"+res.ID)
	writeJSON(w, http.StatusCreated, res)
}

// --- fines ---

func (a *API) handleFinesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.postFine(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleFineResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/fines/")
	id := strings.TrimSuffix(path, "/settle")
	if !strings.HasSuffix(path, "/settle") || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.settleFine(w, r, id)
}

func (a *API) postFine(w http.ResponseWriter, r *http.Request) {
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}

	var req postFineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	f, err := a.fines.Post(r.Context(), userID, strings.TrimSpace(req.LoanID),
		fine.Money{Currency: "USD", Amount: req.Amount}, reason, idem)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	if a.stream != nil {
		a.stream.Publish(stream.CirculationEvent{
			Kind:   stream.KindFinePosted,
			UserID: f.UserID,
			LoanID: f.LoanID,
			FineID: f.ID,
			Amount: f.Amount.Amount,
		})
	}
	writeJSON(w, http.StatusCreated, f)
}

func (a *API) settleFine(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}

	var req settleFineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	outcome := fine.Status(strings.TrimSpace(req.Outcome))
	if outcome != fine.StatusPaid && outcome != fine.StatusWaived {
		writeError(w, r, http.StatusBadRequest, "outcome must be paid or waived")
		return
	}

	f, err := a.fines.Settle(r.Context(), id, outcome)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// --- users ---

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	id := strings.TrimSuffix(path, "/fines/balance")
	if !strings.HasSuffix(path, "/fines/balance") || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	// Members may read their own balance only; staff may read anyone's.
	if caller, ok := auth.UserIDFromContext(r.Context()); ok && caller != id {
		if err := a.requireRole(r, string(membership.RoleLibrarian), string(membership.RoleAdmin)); err != nil {
			writeError(w, r, http.StatusForbidden, "cannot read another user's balance")
			return
		}
	}
	balance, err := a.fines.OutstandingBalance(r.Context(), id)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"balance": balance,
		"as_of":   time.Now().UTC(),
	})
}

// --- catalog ---

func (a *API) handleBooksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	books, err := a.catalog.ListBooks(r.Context(), limit, after)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	next := ""
	if len(books) == limit {
		next = books[len(books)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      books,
		"next_after": next,
	})
}

func (a *API) handleBookResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/books/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	book, err := a.catalog.GetBook(r.Context(), id)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleCirculationError maps domain errors onto HTTP status codes.
func handleCirculationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, membership.ErrIneligible):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, loan.ErrNoCopyAvailable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, loan.ErrLoanNotActive),
		errors.Is(err, reservation.ErrDuplicate),
		errors.Is(err, reservation.ErrNotPending),
		errors.Is(err, fine.ErrAlreadySettled):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, loan.ErrConflict),
		errors.Is(err, catalog.ErrConflict),
		errors.Is(err, reservation.ErrConflict),
		errors.Is(err, fine.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, fine.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, membership.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, loan.ErrNotFound),
		errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, fine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
