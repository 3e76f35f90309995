/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  crm domain types.

CONVENTIONS:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - Money: decimal strings ("1200.00"); requests accept numbers or strings
  - Dates: "YYYY-MM-DD"; timestamps: RFC 3339

VALIDATION:
  Done in the quote ledger and handlers, not in DTOs.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/reconcile"
)

// =============================================================================
// QUOTES
// =============================================================================

type QuoteDTO struct {
	ID             string          `json:"id"`
	CompanyID      string          `json:"company_id"`
	EmployeeID     string          `json:"employee_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name"`
	ProductService string          `json:"product_service"`
	Description    string          `json:"description"`
	Notes          string          `json:"notes"`
	Price          decimal.Decimal `json:"price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ValidityDate   string          `json:"validity_date,omitempty"`
	Status         string          `json:"status"`
	Attachments    []string        `json:"attachments"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// CreateQuoteRequest is the body of POST /api/quotes. employee_id is only
// honored for owners and managers.
type CreateQuoteRequest struct {
	EmployeeID     string           `json:"employee_id"`
	CustomerID     string           `json:"customer_id"`
	CustomerName   string           `json:"customer_name"`
	ProductService string           `json:"product_service"`
	Description    string           `json:"description"`
	Notes          string           `json:"notes"`
	Price          decimal.Decimal  `json:"price"`
	TaxRate        *decimal.Decimal `json:"tax_rate"`
	ValidityDate   string           `json:"validity_date"`
	Status         string           `json:"status"`
	Attachments    []string         `json:"attachments"`
}

// UpdateQuoteRequest is the body of PATCH /api/quotes/{id}. Absent fields are
// left unchanged; an empty validity_date clears it. employee_id is ignored.
type UpdateQuoteRequest struct {
	EmployeeID     *string          `json:"employee_id"`
	CustomerID     *string          `json:"customer_id"`
	CustomerName   *string          `json:"customer_name"`
	ProductService *string          `json:"product_service"`
	Description    *string          `json:"description"`
	Notes          *string          `json:"notes"`
	Price          *decimal.Decimal `json:"price"`
	TaxRate        *decimal.Decimal `json:"tax_rate"`
	ValidityDate   *string          `json:"validity_date"`
	Status         *string          `json:"status"`
	Attachments    *[]string        `json:"attachments"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func toQuoteDTO(q crm.Quote) QuoteDTO {
	dto := QuoteDTO{
		ID:             string(q.ID),
		CompanyID:      string(q.CompanyID),
		EmployeeID:     string(q.EmployeeID),
		CustomerID:     string(q.CustomerID),
		CustomerName:   q.CustomerName,
		ProductService: q.ProductService,
		Description:    q.Description,
		Notes:          q.Notes,
		Price:          q.Price,
		TaxRate:        q.TaxRate,
		TaxAmount:      q.TaxAmount.Round(crm.MoneyPlaces),
		TotalAmount:    q.TotalAmount.Round(crm.MoneyPlaces),
		Status:         string(q.Status),
		Attachments:    q.Attachments,
		CreatedAt:      q.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      q.UpdatedAt.Format(time.RFC3339),
	}
	if q.ValidityDate != nil {
		dto.ValidityDate = q.ValidityDate.Format(crm.DateLayout)
	}
	if dto.Attachments == nil {
		dto.Attachments = []string{}
	}
	return dto
}

func toQuoteDTOs(qs []crm.Quote) []QuoteDTO {
	dtos := make([]QuoteDTO, len(qs))
	for i, q := range qs {
		dtos[i] = toQuoteDTO(q)
	}
	return dtos
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID                 string `json:"id"`
	CompanyID          string `json:"company_id"`
	CustomerName       string `json:"customer_name"`
	Status             string `json:"status"`
	Phone              string `json:"phone,omitempty"`
	Email              string `json:"email,omitempty"`
	Notes              string `json:"notes,omitempty"`
	AssignedEmployeeID string `json:"assigned_employee_id,omitempty"`
	Region             string `json:"region,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type CreateCustomerRequest struct {
	CustomerName       string `json:"customer_name"`
	Status             string `json:"status"`
	Phone              string `json:"phone"`
	Email              string `json:"email"`
	Notes              string `json:"notes"`
	AssignedEmployeeID string `json:"assigned_employee_id"`
	Region             string `json:"region"`
}

// UpdateCustomerRequest is a direct user edit. It is the only way a
// customer leaves Sold.
type UpdateCustomerRequest struct {
	CustomerName       *string `json:"customer_name"`
	Status             *string `json:"status"`
	Phone              *string `json:"phone"`
	Email              *string `json:"email"`
	Notes              *string `json:"notes"`
	AssignedEmployeeID *string `json:"assigned_employee_id"`
	Region             *string `json:"region"`
}

func toCustomerDTO(c crm.Customer) CustomerDTO {
	return CustomerDTO{
		ID:                 string(c.ID),
		CompanyID:          string(c.CompanyID),
		CustomerName:       c.CustomerName,
		Status:             string(c.Status),
		Phone:              c.Phone,
		Email:              c.Email,
		Notes:              c.Notes,
		AssignedEmployeeID: string(c.AssignedEmployeeID),
		Region:             c.Region,
		CreatedAt:          c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          c.UpdatedAt.Format(time.RFC3339),
	}
}

// CustomerQuotesDTO is the customer detail view: the customer as it stands
// after reconciliation, its quotes and what reconciliation did.
type CustomerQuotesDTO struct {
	Customer       CustomerDTO       `json:"customer"`
	Quotes         []QuoteDTO        `json:"quotes"`
	Reconciliation ReconciliationDTO `json:"reconciliation"`
}

type ReconciliationDTO struct {
	Promoted    []string `json:"promoted"`
	AlreadySold []string `json:"already_sold"`
	Failed      []string `json:"failed"`
	Ambiguous   bool     `json:"ambiguous"`
}

func toReconciliationDTO(o reconcile.Outcome) ReconciliationDTO {
	return ReconciliationDTO{
		Promoted:    customerIDs(o.Promoted),
		AlreadySold: customerIDs(o.AlreadySold),
		Failed:      customerIDs(o.Failed),
		Ambiguous:   o.Ambiguous,
	}
}

func customerIDs(ids []crm.CustomerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	ActorID    string            `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	QuoteID    string            `json:"quote_id,omitempty"`
	CustomerID string            `json:"customer_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
}

func toAuditDTO(e crm.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp.Format(time.RFC3339),
		ActorID:    string(e.ActorID),
		Action:     string(e.Action),
		QuoteID:    string(e.QuoteID),
		CustomerID: string(e.Customer),
		Payload:    e.Payload,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
