/*
handlers.go - HTTP API handlers for the field CRM

PURPOSE:
  Exposes the quote ledger and the customer reconciler via REST. Handles
  HTTP request/response, JSON serialization and tenant/role checks, and
  delegates everything else to the domain packages.

ENDPOINTS:
  Quotes:
    GET    /api/quotes                 List (customer_id, customer_name, employee_id, search)
    POST   /api/quotes                 Create
    GET    /api/quotes/{id}            Get
    PATCH  /api/quotes/{id}            Partial update
    PUT    /api/quotes/{id}/status     Status change
    DELETE /api/quotes/{id}            Delete

  Customers:
    GET    /api/customers              List (status, name, assigned_to)
    POST   /api/customers              Create
    GET    /api/customers/{id}         Get
    PATCH  /api/customers/{id}         Direct edit
    GET    /api/customers/{id}/quotes  Detail view with lazy reconciliation

  Audit:
    GET    /api/audit                  Owners and managers only

ACCESS RULES:
  - Every record outside the caller's company answers 404
  - Employees see and mutate only quotes they own (403 otherwise)
  - Owners and managers see the whole tenant

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid token
  - 403: Role does not allow the operation
  - 404: Resource not found
  - 500: Persistence failures

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Identity extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/quotes"
	"github.com/fieldops/crm-engine/reconcile"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *quotes.Ledger
	Reconciler *reconcile.Reconciler
	Customers  crm.CustomerStore
	Audit      crm.AuditLog
	Now        func() time.Time

	pinger interface{ Ping(ctx context.Context) error }
}

// NewHandler wires handlers over a store and the domain services built on it.
func NewHandler(store crm.Store, ledger *quotes.Ledger, reconciler *reconcile.Reconciler) *Handler {
	h := &Handler{
		Ledger:     ledger,
		Reconciler: reconciler,
		Customers:  store,
		Audit:      store,
		Now:        time.Now,
	}
	if p, ok := store.(interface{ Ping(ctx context.Context) error }); ok {
		h.pinger = p
	}
	return h
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// QUOTE HANDLERS
// =============================================================================

// ListQuotes returns the caller's visible quotes, newest first.
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	query := crm.QuoteQuery{
		CompanyID:    id.CompanyID,
		CustomerID:   crm.CustomerID(r.URL.Query().Get("customer_id")),
		CustomerName: r.URL.Query().Get("customer_name"),
		Search:       r.URL.Query().Get("search"),
	}
	if id.SeesWholeTenant() {
		query.EmployeeID = crm.EmployeeID(r.URL.Query().Get("employee_id"))
	} else {
		query.EmployeeID = id.EmployeeID
	}

	writeJSON(w, http.StatusOK, toQuoteDTOs(h.Ledger.List(r.Context(), query)))
}

// CreateQuote creates a quote owned by the caller (or, for owners and
// managers, by the employee named in the body).
func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req CreateQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := crm.QuoteInput{
		EmployeeID:     id.EmployeeID,
		CustomerID:     crm.CustomerID(req.CustomerID),
		CustomerName:   req.CustomerName,
		ProductService: req.ProductService,
		Description:    req.Description,
		Notes:          req.Notes,
		Price:          req.Price,
		TaxRate:        req.TaxRate,
		Attachments:    req.Attachments,
	}
	if id.SeesWholeTenant() && req.EmployeeID != "" {
		in.EmployeeID = crm.EmployeeID(req.EmployeeID)
	}
	if req.ValidityDate != "" {
		d, err := crm.ParseDate(req.ValidityDate)
		if err != nil {
			writeDomainError(w, "Invalid validity_date", err)
			return
		}
		in.ValidityDate = &d
	}
	if req.Status != "" {
		st, err := crm.ParseQuoteStatus(req.Status)
		if err != nil {
			writeDomainError(w, "Invalid status", err)
			return
		}
		in.Status = &st
	}

	q, err := h.Ledger.Create(r.Context(), id.CompanyID, in)
	if err != nil {
		writeDomainError(w, "Failed to create quote", err)
		return
	}
	writeJSON(w, http.StatusCreated, toQuoteDTO(*q))
}

// GetQuote returns a single quote.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, _, ok := h.loadQuote(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(*q))
}

// UpdateQuote applies a partial update. employee_id in the body is ignored.
func (h *Handler) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	q, _, ok := h.loadQuote(w, r)
	if !ok {
		return
	}

	var req UpdateQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch, err := toQuotePatch(req)
	if err != nil {
		writeDomainError(w, "Invalid update", err)
		return
	}

	updated, err := h.Ledger.Update(r.Context(), q.ID, patch)
	if err != nil {
		writeDomainError(w, "Failed to update quote", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(*updated))
}

// UpdateQuoteStatus changes only the status of a quote.
func (h *Handler) UpdateQuoteStatus(w http.ResponseWriter, r *http.Request) {
	q, _, ok := h.loadQuote(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status, err := crm.ParseQuoteStatus(req.Status)
	if err != nil {
		writeDomainError(w, "Invalid status", err)
		return
	}

	updated, err := h.Ledger.UpdateStatus(r.Context(), q.ID, status)
	if err != nil {
		writeDomainError(w, "Failed to update quote status", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(*updated))
}

// DeleteQuote removes a quote. Customer statuses are left as they are.
func (h *Handler) DeleteQuote(w http.ResponseWriter, r *http.Request) {
	q, _, ok := h.loadQuote(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.Delete(r.Context(), q.ID); err != nil {
		writeDomainError(w, "Failed to delete quote", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadQuote fetches the {id} quote and enforces tenant and ownership rules.
func (h *Handler) loadQuote(w http.ResponseWriter, r *http.Request) (*crm.Quote, crm.Identity, bool) {
	id, ok := identity(w, r)
	if !ok {
		return nil, id, false
	}

	q, err := h.Ledger.Get(r.Context(), crm.QuoteID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get quote", err)
		return nil, id, false
	}
	if q.CompanyID != id.CompanyID {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return nil, id, false
	}
	if !id.SeesWholeTenant() && q.EmployeeID != id.EmployeeID {
		writeError(w, http.StatusForbidden, "Quote belongs to another employee", nil)
		return nil, id, false
	}
	return q, id, true
}

func toQuotePatch(req UpdateQuoteRequest) (crm.QuotePatch, error) {
	p := crm.QuotePatch{
		CustomerName:   req.CustomerName,
		ProductService: req.ProductService,
		Description:    req.Description,
		Notes:          req.Notes,
		Price:          req.Price,
		TaxRate:        req.TaxRate,
		Attachments:    req.Attachments,
	}
	if req.EmployeeID != nil {
		eid := crm.EmployeeID(*req.EmployeeID)
		p.EmployeeID = &eid
	}
	if req.CustomerID != nil {
		cid := crm.CustomerID(*req.CustomerID)
		p.CustomerID = &cid
	}
	if req.ValidityDate != nil {
		if *req.ValidityDate == "" {
			p.ClearValidityDate = true
		} else {
			d, err := crm.ParseDate(*req.ValidityDate)
			if err != nil {
				return p, err
			}
			p.ValidityDate = &d
		}
	}
	if req.Status != nil {
		st, err := crm.ParseQuoteStatus(*req.Status)
		if err != nil {
			return p, err
		}
		p.Status = &st
	}
	return p, nil
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns the tenant's customers, newest first.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	f := crm.CustomerFilter{
		CompanyID:          id.CompanyID,
		AssignedEmployeeID: crm.EmployeeID(r.URL.Query().Get("assigned_to")),
	}
	if name := r.URL.Query().Get("name"); name != "" {
		f.NameKey = crm.NormalizeName(name)
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := crm.ParseCustomerStatus(s)
		if err != nil {
			writeDomainError(w, "Invalid status", err)
			return
		}
		f.Status = st
	}

	customers, err := h.Customers.FindCustomers(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer creates a lead in the caller's company.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		writeDomainError(w, "Invalid customer", &crm.ValidationError{Field: "customer_name", Reason: "required"})
		return
	}
	status := crm.CustomerNew
	if req.Status != "" {
		st, err := crm.ParseCustomerStatus(req.Status)
		if err != nil {
			writeDomainError(w, "Invalid status", err)
			return
		}
		status = st
	}

	now := h.Now().UTC()
	c := crm.Customer{
		ID:                 crm.CustomerID(uuid.NewString()),
		CompanyID:          id.CompanyID,
		CustomerName:       name,
		Status:             status,
		Phone:              req.Phone,
		Email:              req.Email,
		Notes:              req.Notes,
		AssignedEmployeeID: crm.EmployeeID(req.AssignedEmployeeID),
		Region:             req.Region,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.Customers.InsertCustomer(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns a single customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// UpdateCustomer applies a direct user edit, including status changes the
// reconciler never makes (for example leaving Sold).
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}

	var req UpdateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.CustomerName != nil {
		name := strings.TrimSpace(*req.CustomerName)
		if name == "" {
			writeDomainError(w, "Invalid customer", &crm.ValidationError{Field: "customer_name", Reason: "required"})
			return
		}
		c.CustomerName = name
	}
	if req.Status != nil {
		st, err := crm.ParseCustomerStatus(*req.Status)
		if err != nil {
			writeDomainError(w, "Invalid status", err)
			return
		}
		c.Status = st
	}
	if req.Phone != nil {
		c.Phone = *req.Phone
	}
	if req.Email != nil {
		c.Email = *req.Email
	}
	if req.Notes != nil {
		c.Notes = *req.Notes
	}
	if req.AssignedEmployeeID != nil {
		c.AssignedEmployeeID = crm.EmployeeID(*req.AssignedEmployeeID)
	}
	if req.Region != nil {
		c.Region = *req.Region
	}
	c.UpdatedAt = h.Now().UTC()

	if err := h.Customers.UpdateCustomer(r.Context(), *c); err != nil {
		writeDomainError(w, "Failed to update customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// CustomerQuotes is the customer detail view. It merges the quotes found by
// customer id and by name, and promotes the customer to Sold when any of
// them is accepted.
func (h *Handler) CustomerQuotes(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}

	qs, outcome := h.Reconciler.ForCustomerView(r.Context(), id.CompanyID, c.ID, c.CustomerName)
	if outcome.Changed() {
		if fresh, err := h.Customers.GetCustomer(r.Context(), c.ID); err == nil && fresh != nil {
			c = fresh
		}
	}

	if !id.SeesWholeTenant() {
		own := make([]crm.Quote, 0, len(qs))
		for _, q := range qs {
			if q.EmployeeID == id.EmployeeID {
				own = append(own, q)
			}
		}
		qs = own
	}

	writeJSON(w, http.StatusOK, CustomerQuotesDTO{
		Customer:       toCustomerDTO(*c),
		Quotes:         toQuoteDTOs(qs),
		Reconciliation: toReconciliationDTO(outcome),
	})
}

func (h *Handler) loadCustomer(w http.ResponseWriter, r *http.Request) (*crm.Customer, crm.Identity, bool) {
	id, ok := identity(w, r)
	if !ok {
		return nil, id, false
	}

	c, err := h.Customers.GetCustomer(r.Context(), crm.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get customer", err)
		return nil, id, false
	}
	if c == nil || c.CompanyID != id.CompanyID {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return nil, id, false
	}
	return c, id, true
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns the tenant's audit trail, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !id.SeesWholeTenant() {
		writeError(w, http.StatusForbidden, "Audit log requires owner or manager role", nil)
		return
	}

	f := crm.AuditFilter{
		CompanyID: id.CompanyID,
		QuoteID:   crm.QuoteID(r.URL.Query().Get("quote_id")),
		Limit:     defaultAuditLimit,
	}
	for _, a := range r.URL.Query()["action"] {
		f.Actions = append(f.Actions, crm.AuditAction(a))
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = min(n, maxAuditLimit)
	}

	entries, err := h.Audit.QueryAudit(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func identity(w http.ResponseWriter, r *http.Request) (crm.Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
	}
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status code from the crm error category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var vErr *crm.ValidationError
	switch {
	case crm.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.As(err, &vErr), crm.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, crm.ErrForbidden):
		writeError(w, http.StatusForbidden, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
