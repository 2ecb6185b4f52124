package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"salon/salon-service/internal/ledger"
	"salon/salon-service/internal/models"
	"salon/salon-service/internal/report"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// ServiceLedger is the part of *ledger.Ledger the handlers use.
type ServiceLedger interface {
	NextAvailable() (string, bool)
	AvailableTechnicians() []string
	Queue() []string
	AddService(ctx context.Context, input ledger.AddServiceInput) (models.ServiceRecord, error)
	AssignNext(ctx context.Context, input ledger.AddServiceInput) (models.ServiceRecord, error)
	CompleteService(ctx context.Context, id string) (models.ServiceRecord, error)
	DiscardService(ctx context.Context, id string) (models.ServiceRecord, error)
	TotalSales(technician string, day time.Time) decimal.Decimal
	DailySales(day time.Time) []models.TechnicianSales
	ActiveServices() []models.ServiceRecord
	HistoricalServices() []models.ServiceRecord
	IsUnsaved(id string) bool
	IsRejected(id string) bool
}

type Handler struct {
	ledger   ServiceLedger
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

type Options struct {
	Logger   *zap.Logger
	Location *time.Location
	Now      func() time.Time
}

type addServiceRequest struct {
	Technician   string          `json:"technician"`
	ServiceName  string          `json:"service_name"`
	CustomerName string          `json:"customer_name"`
	Price        decimal.Decimal `json:"price"`
}

type serviceView struct {
	models.ServiceRecord
	Status   models.Status `json:"status"`
	Unsaved  bool          `json:"unsaved,omitempty"`
	Rejected bool          `json:"rejected,omitempty"`
}

type technicianResponse struct {
	Technician string `json:"technician"`
}

type salesResponse struct {
	Technician string          `json:"technician"`
	Date       string          `json:"date"`
	Total      decimal.Decimal `json:"total"`
}

type dailySalesResponse struct {
	Date  string                   `json:"date"`
	Rows  []models.TechnicianSales `json:"rows"`
	Total decimal.Decimal          `json:"total"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(l ServiceLedger, options Options) *Handler {
	h := &Handler{
		ledger:   l,
		logger:   options.Logger,
		location: options.Location,
		now:      options.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.location == nil {
		h.location = time.Local
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/technicians/next", h.handleNextTechnician)
	mux.HandleFunc("/api/technicians/available", h.handleAvailableTechnicians)
	mux.HandleFunc("/api/technicians/queue", h.handleQueue)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/active", h.handleActiveServices)
	mux.HandleFunc("/api/services/history", h.handleHistoricalServices)
	mux.HandleFunc("/api/services/", h.handleServiceActions)
	mux.HandleFunc("/api/sales", h.handleSales)
	mux.HandleFunc("/api/reports/daily-sales", h.handleDailySales)
	mux.HandleFunc("/api/reports/daily-sales.xlsx", h.handleDailySalesXLSX)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleNextTechnician(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name, ok := h.ledger.NextAvailable()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, technicianResponse{Technician: name})
}

func (h *Handler) handleAvailableTechnicians(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.AvailableTechnicians())
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Queue())
}

// handleServices adds a service. An empty technician means auto-select.
func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)

	var req addServiceRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	input := ledger.AddServiceInput{
		Technician:   strings.TrimSpace(req.Technician),
		ServiceName:  strings.TrimSpace(req.ServiceName),
		CustomerName: strings.TrimSpace(req.CustomerName),
		Price:        req.Price,
	}

	var record models.ServiceRecord
	var err error
	if input.Technician == "" {
		record, err = h.ledger.AssignNext(r.Context(), input)
	} else {
		record, err = h.ledger.AddService(r.Context(), input)
	}
	h.writeRecord(w, requestID, http.StatusCreated, record, err)
}

func (h *Handler) handleActiveServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.views(h.ledger.ActiveServices()))
}

func (h *Handler) handleHistoricalServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.views(h.ledger.HistoricalServices()))
}

func (h *Handler) handleServiceActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/services/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	requestID := requestIDFrom(r)
	serviceID := parts[0]
	if !isValidUUID(serviceID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "service id must be a UUID")
		return
	}

	switch parts[2] {
	case "complete":
		record, err := h.ledger.CompleteService(r.Context(), serviceID)
		h.writeRecord(w, requestID, http.StatusOK, record, err)
	case "discard":
		record, err := h.ledger.DiscardService(r.Context(), serviceID)
		h.writeRecord(w, requestID, http.StatusOK, record, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	technician := strings.TrimSpace(r.URL.Query().Get("technician"))
	if technician == "" {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "technician is required")
		return
	}
	day, ok := h.parseDay(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, salesResponse{
		Technician: technician,
		Date:       day.Format(dateLayout),
		Total:      h.ledger.TotalSales(technician, day),
	})
}

func (h *Handler) handleDailySales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	day, ok := h.parseDay(w, r)
	if !ok {
		return
	}
	rows := h.ledger.DailySales(day)
	writeJSON(w, http.StatusOK, dailySalesResponse{
		Date:  day.Format(dateLayout),
		Rows:  rows,
		Total: report.Total(rows),
	})
}

func (h *Handler) handleDailySalesXLSX(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	day, ok := h.parseDay(w, r)
	if !ok {
		return
	}

	body, err := report.DailySalesXLSX(day, h.ledger.DailySales(day))
	if err != nil {
		h.logger.Error("render daily sales workbook", zap.Error(err))
		writeError(w, requestIDFrom(r), http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="daily-sales-`+day.Format(dateLayout)+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// parseDay reads the optional date query parameter; it defaults to today.
func (h *Handler) parseDay(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		return h.now().In(h.location), true
	}
	day, err := time.ParseInLocation(dateLayout, raw, h.location)
	if err != nil {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

// writeRecord answers a mutation. A persistence failure still carries the
// applied record, so it is reported as 202 with unsaved set.
func (h *Handler) writeRecord(w http.ResponseWriter, requestID string, status int, record models.ServiceRecord, err error) {
	if err != nil && !errors.Is(err, ledger.ErrPersistence) {
		code, errCode, msg := mapError(err)
		writeError(w, requestID, code, errCode, msg)
		return
	}
	view := h.view(record)
	if err != nil {
		h.logger.Warn("change kept in memory", zap.String("service_id", record.ID), zap.String("request_id", requestID), zap.Error(err))
		view.Unsaved = true
		status = http.StatusAccepted
	}
	writeJSON(w, status, view)
}

func (h *Handler) view(record models.ServiceRecord) serviceView {
	return serviceView{
		ServiceRecord: record,
		Status:        record.Status(),
		Unsaved:       h.ledger.IsUnsaved(record.ID),
		Rejected:      h.ledger.IsRejected(record.ID),
	}
}

func (h *Handler) views(records []models.ServiceRecord) []serviceView {
	out := make([]serviceView, 0, len(records))
	for _, record := range records {
		out = append(out, h.view(record))
	}
	return out
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrNoTechnicianAvailable):
		return http.StatusConflict, "no_technician_available", "all technicians are busy"
	case errors.Is(err, ledger.ErrInvalidTechnician):
		return http.StatusBadRequest, "invalid_technician", err.Error()
	case errors.Is(err, ledger.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_price", err.Error()
	case errors.Is(err, ledger.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_error", "changes could not be saved"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
