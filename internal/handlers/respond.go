// Package handlers serves the settlement HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/models"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// StatusFor maps the engine's error taxonomy onto HTTP.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvoiceExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrInsufficientHold):
		return http.StatusInternalServerError
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// fail writes the error envelope. Internal errors are logged and their text withheld.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", models.ErrorCode(err), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Error: msg, Code: models.ErrorCode(err)})
}

// decode reads a JSON body into dst and runs struct validation.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrValidation, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields: %s", models.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id must be a uuid", models.ErrValidation)
	}
	return id, nil
}

// Health serves GET /healthz.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type Handler struct {
	enrollments Enrollments
	bulk        BulkApplier
	overdue     OverdueMonitor
	wallet      Wallet
	invoices    Invoices
	campaigns   Campaigns
	dashboard   Dashboard
	log         *slog.Logger
}

type Deps struct {
	Enrollments Enrollments
	Bulk        BulkApplier
	Overdue     OverdueMonitor
	Wallet      Wallet
	Invoices    Invoices
	Campaigns   Campaigns
	Dashboard   Dashboard
	Logger      *slog.Logger
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		enrollments: d.Enrollments,
		bulk:        d.Bulk,
		overdue:     d.Overdue,
		wallet:      d.Wallet,
		invoices:    d.Invoices,
		campaigns:   d.Campaigns,
		dashboard:   d.Dashboard,
		log:         d.Logger,
	}
}
