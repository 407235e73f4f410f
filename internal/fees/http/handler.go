// Package feeshttp exposes fee breakdowns, allocation previews and payment
// submission over JSON.
package feeshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fee-engine/internal/feeapi"
	"github.com/odyssey-erp/fee-engine/internal/fees"
	"github.com/odyssey-erp/fee-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fee-engine/internal/platform/idempotency"
	"github.com/odyssey-erp/fee-engine/report"
)

const (
	dateLayout           = "2006-01-02"
	idempotencyHeader    = "Idempotency-Key"
	defaultPaymentLimit  = 30
	maxIdempotencyKeyLen = 128
)

// FeeService is the engine contract used by the handler.
type FeeService interface {
	Breakdown(ctx context.Context, req fees.BreakdownRequest) (fees.Breakdown, error)
	PreviewAllocation(ctx context.Context, req fees.BreakdownRequest, in fees.AllocationInput) (fees.AllocationPreview, error)
	RecordPayment(ctx context.Context, req fees.BreakdownRequest, in fees.AllocationInput, details fees.PaymentDetails, idempotencyKey string) (fees.PaymentResult, error)
}

// PDFRenderer turns a statement into PDF bytes.
type PDFRenderer interface {
	RenderStatementPDF(ctx context.Context, st report.Statement) ([]byte, error)
}

// Handler serves the fee endpoints.
type Handler struct {
	logger       *slog.Logger
	service      FeeService
	pdf          PDFRenderer
	validate     *validator.Validate
	paymentLimit int
}

// NewHandler constructs the fee handler. pdf may be nil, in which case PDF
// statements answer 503.
func NewHandler(logger *slog.Logger, service FeeService, pdf PDFRenderer, paymentLimitPerMinute int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if paymentLimitPerMinute <= 0 {
		paymentLimitPerMinute = defaultPaymentLimit
	}
	return &Handler{
		logger:       logger,
		service:      service,
		pdf:          pdf,
		validate:     newValidator(),
		paymentLimit: paymentLimitPerMinute,
	}
}

// MountRoutes registers the student fee endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(h.paymentLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, func(r *http.Request) (string, error) {
			return chi.URLParam(r, "studentID"), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "payment rate limit exceeded")
		}),
	)

	r.Route("/schools/{schoolID}/students/{studentID}", func(r chi.Router) {
		r.Get("/fee-breakdown", h.handleBreakdown)
		r.Post("/allocations", h.handlePreview)
		r.With(limiter).Post("/payments", h.handlePayment)
		r.Get("/fee-statement.csv", h.handleStatementCSV)
		r.Get("/fee-statement.pdf", h.handleStatementPDF)
	})
}

func (h *Handler) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	req, ok := h.breakdownRequest(w, r)
	if !ok {
		return
	}
	breakdown, err := h.service.Breakdown(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newBreakdownView(breakdown))
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := h.breakdownRequest(w, r)
	if !ok {
		return
	}
	var body allocationRequest
	if !h.decode(w, r, &body) {
		return
	}
	in, ok := h.allocationInput(w, body)
	if !ok {
		return
	}
	preview, err := h.service.PreviewAllocation(r.Context(), req, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, previewView{
		Breakdown:  newBreakdownView(preview.Breakdown),
		Allocation: newAllocationView(preview.Allocation),
	})
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.breakdownRequest(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > maxIdempotencyKeyLen {
		httpx.ValidationProblem(w, map[string]string{idempotencyHeader: "too long"})
		return
	}
	var body paymentRequest
	if !h.decode(w, r, &body) {
		return
	}
	in, ok := h.allocationInput(w, body.allocationRequest)
	if !ok {
		return
	}
	details := fees.PaymentDetails{
		Method:        body.Method,
		TransactionID: body.TransactionID,
		Notes:         body.Notes,
	}
	if body.PaymentDate != "" {
		details.Date, _ = time.Parse(dateLayout, body.PaymentDate)
	}

	result, err := h.service.RecordPayment(r.Context(), req, in, details, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, paymentView{
		Receipt:    result.Receipt,
		Allocation: newAllocationView(result.Allocation),
	})
}

func (h *Handler) handleStatementCSV(w http.ResponseWriter, r *http.Request) {
	st, ok := h.statement(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+report.StatementFilename(st, "csv"))
	if err := report.WriteStatementCSV(w, st); err != nil {
		h.logger.Error("write statement csv", slog.Any("error", err))
	}
}

func (h *Handler) handleStatementPDF(w http.ResponseWriter, r *http.Request) {
	if h.pdf == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "pdf rendering is not configured")
		return
	}
	st, ok := h.statement(w, r)
	if !ok {
		return
	}
	pdf, err := h.pdf.RenderStatementPDF(r.Context(), st)
	if err != nil {
		h.logger.Error("render statement pdf", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Upstream Error", "")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+report.StatementFilename(st, "pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) (report.Statement, bool) {
	req, ok := h.breakdownRequest(w, r)
	if !ok {
		return report.Statement{}, false
	}
	breakdown, err := h.service.Breakdown(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return report.Statement{}, false
	}
	return report.NewStatement(breakdown), true
}

func (h *Handler) breakdownRequest(w http.ResponseWriter, r *http.Request) (fees.BreakdownRequest, bool) {
	fields := make(map[string]string)
	schoolID, err := strconv.ParseInt(chi.URLParam(r, "schoolID"), 10, 64)
	if err != nil || schoolID <= 0 {
		fields["schoolID"] = "must be a positive integer"
	}
	studentID, err := strconv.ParseInt(chi.URLParam(r, "studentID"), 10, 64)
	if err != nil || studentID <= 0 {
		fields["studentID"] = "must be a positive integer"
	}
	req := fees.BreakdownRequest{StudentRef: fees.StudentRef{SchoolID: schoolID, StudentID: studentID}}
	if raw := strings.TrimSpace(r.URL.Query().Get("academic_year_start")); raw != "" {
		start, err := time.Parse(dateLayout, raw)
		if err != nil {
			fields["academic_year_start"] = "must be a date (YYYY-MM-DD)"
		}
		req.AcademicYearStart = start
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return fees.BreakdownRequest{}, false
	}
	return req, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
			httpx.ValidationProblem(w, fields)
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return true
}

func (h *Handler) allocationInput(w http.ResponseWriter, body allocationRequest) (fees.AllocationInput, bool) {
	in := fees.AllocationInput{
		AmountReceived: body.AmountReceived,
		Discount:       body.Discount,
		Selected:       make([]fees.HeadID, 0, len(body.Selected)),
	}
	for _, key := range body.Selected {
		head, err := fees.HeadFromSelectionKey(key)
		if err != nil {
			h.writeError(w, nil, err)
			return fees.AllocationInput{}, false
		}
		in.Selected = append(in.Selected, head)
	}
	if err := in.Validate(); err != nil {
		h.writeError(w, nil, err)
		return fees.AllocationInput{}, false
	}
	return in, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *fees.ValidationError
	if errors.As(err, &verr) {
		field := verr.Field
		if field == "" {
			field = "request"
		}
		httpx.ValidationProblem(w, map[string]string{field: verr.Reason})
		return
	}

	var apiErr *feeapi.APIError
	switch {
	case fees.IsPrecondition(err):
		err = fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case errors.Is(err, fees.ErrNoFeePlan), errors.Is(err, idempotency.ErrConflict):
		err = fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case feeapi.IsNotFound(err):
		err = fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.As(err, &apiErr), errors.Is(err, feeapi.ErrMalformedResponse):
		h.log(r).Error("fee api request failed", slog.Any("error", err))
		err = fmt.Errorf("%w: %w", httpx.ErrUpstream, err)
	default:
		h.log(r).Error("fee request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	if r == nil {
		return h.logger
	}
	return h.logger.With(slog.String("path", r.URL.Path))
}
