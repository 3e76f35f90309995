/*
Package crm provides the core domain types of the field CRM engine.

PURPOSE:
  Quotes and customers (leads) for multi-tenant service companies. Every
  record is scoped to a company (tenant). The quote ledger (package quotes)
  owns quote mutations; the reconciler (package reconcile) derives customer
  status from the quotes that reference a customer.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quote:        A priced proposal with derived tax/total amounts
  - Customer:     A lead whose lifecycle status may be promoted to Sold
  - QuoteInput:   Data for creating a quote
  - QuotePatch:   Partial update (nil field = unchanged)
  - QuoteQuery:   Ledger-level listing request with fallback semantics
  - Identity:     Caller identity supplied by the auth boundary

DESIGN PRINCIPLES:
  1. Precision: Monetary values use decimal.Decimal, never float64
  2. Type Safety: Distinct ID types prevent mixing quote/customer/company IDs
  3. Derived Fields: TaxAmount and TotalAmount are only set via ComputeTotals

SEE ALSO:
  - money.go: Tax and total computation
  - names.go: Customer name normalization and matching
  - store.go: Persistence interfaces
*/
package crm

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type QuoteID string
type CustomerID string
type CompanyID string
type EmployeeID string

// =============================================================================
// QUOTE
// =============================================================================

type QuoteStatus string

const (
	QuoteDraft    QuoteStatus = "draft"
	QuoteSent     QuoteStatus = "sent"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteRejected QuoteStatus = "rejected"
	QuoteExpired  QuoteStatus = "expired"
)

// Valid reports whether s is one of the known quote statuses.
func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteDraft, QuoteSent, QuoteAccepted, QuoteRejected, QuoteExpired:
		return true
	}
	return false
}

// ParseQuoteStatus parses a status string, returning ErrInvalidStatus for
// unknown values.
func ParseQuoteStatus(s string) (QuoteStatus, error) {
	st := QuoteStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown quote status " + s}
	}
	return st, nil
}

// Quote is a priced proposal sent to a customer.
//
// CustomerID is optional (empty when the quote was entered by name only).
// CustomerName is a snapshot of the customer's name at quote time and is the
// fallback key when CustomerID is empty or stale.
type Quote struct {
	ID           QuoteID
	CompanyID    CompanyID
	EmployeeID   EmployeeID
	CustomerID   CustomerID
	CustomerName string

	ProductService string
	Description    string
	Notes          string

	Price       decimal.Decimal
	TaxRate     decimal.Decimal // percentage
	TaxAmount   decimal.Decimal // derived, see ComputeTotals
	TotalAmount decimal.Decimal // derived, see ComputeTotals

	ValidityDate *time.Time // date only, UTC midnight
	Status       QuoteStatus
	Attachments  []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCustomerID reports whether the quote references a customer record.
func (q Quote) HasCustomerID() bool { return q.CustomerID != "" }

// IsAccepted reports whether the quote is in the accepted state.
func (q Quote) IsAccepted() bool { return q.Status == QuoteAccepted }

// ExpiredAt reports whether the quote's validity date lies before the given day.
func (q Quote) ExpiredAt(now time.Time) bool {
	if q.ValidityDate == nil {
		return false
	}
	return q.ValidityDate.Before(DateOf(now))
}

// QuoteInput holds the caller-supplied fields for a new quote.
// TaxRate and Status are optional; nil selects the defaults.
type QuoteInput struct {
	EmployeeID     EmployeeID
	CustomerID     CustomerID
	CustomerName   string
	ProductService string
	Description    string
	Notes          string
	Price          decimal.Decimal
	TaxRate        *decimal.Decimal
	ValidityDate   *time.Time
	Status         *QuoteStatus
	Attachments    []string
}

// QuotePatch is a partial update. A nil field leaves the stored value untouched.
//
// EmployeeID is accepted so that callers can pass payloads through unchanged,
// but it is always stripped by the ledger: quote ownership is immutable.
type QuotePatch struct {
	EmployeeID        *EmployeeID
	CustomerID        *CustomerID
	CustomerName      *string
	ProductService    *string
	Description       *string
	Notes             *string
	Price             *decimal.Decimal
	TaxRate           *decimal.Decimal
	ValidityDate      *time.Time
	ClearValidityDate bool
	Status            *QuoteStatus
	Attachments       *[]string
}

// TouchesTotals reports whether the patch changes an input of the derived amounts.
func (p QuotePatch) TouchesTotals() bool {
	return p.Price != nil || p.TaxRate != nil
}

// QuoteQuery is a ledger listing request. Empty fields are not applied.
type QuoteQuery struct {
	CompanyID    CompanyID
	EmployeeID   EmployeeID
	CustomerID   CustomerID
	CustomerName string

	// Search keeps only quotes whose normalized customer name contains it.
	// It narrows every step and is evaluated by the store.
	Search string
}

// =============================================================================
// CUSTOMER (LEAD)
// =============================================================================

type CustomerStatus string

const (
	CustomerNew         CustomerStatus = "New"
	CustomerContacted   CustomerStatus = "Contacted"
	CustomerFollowingUp CustomerStatus = "Following-up"
	CustomerRejected    CustomerStatus = "Rejected"
	CustomerSold        CustomerStatus = "Sold"
)

// legacySoldLabel is how Sold was stored by the original mobile client.
const legacySoldLabel = "Satış Yapıldı"

// ParseCustomerStatus parses a customer status, accepting the legacy Sold label.
func ParseCustomerStatus(s string) (CustomerStatus, error) {
	switch CustomerStatus(s) {
	case CustomerNew, CustomerContacted, CustomerFollowingUp, CustomerRejected, CustomerSold:
		return CustomerStatus(s), nil
	}
	if s == legacySoldLabel {
		return CustomerSold, nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown customer status " + s}
}

// Customer is a lead tracked by the CRM. Only CustomerName and Status matter
// to reconciliation; the remaining fields are descriptive.
type Customer struct {
	ID           CustomerID
	CompanyID    CompanyID
	CustomerName string
	Status       CustomerStatus

	Phone              string
	Email              string
	Notes              string
	AssignedEmployeeID EmployeeID
	Region             string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Customer) IsSold() bool { return c.Status == CustomerSold }

// =============================================================================
// IDENTITY
// =============================================================================

type Role string

const (
	RoleOwner    Role = "owner"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Identity is the authenticated caller as supplied by the session boundary.
type Identity struct {
	CompanyID  CompanyID
	EmployeeID EmployeeID
	Role       Role
}

// SeesWholeTenant reports whether the caller may read every quote of the company.
func (i Identity) SeesWholeTenant() bool {
	return i.Role == RoleOwner || i.Role == RoleManager
}

// =============================================================================
// DATES
// =============================================================================

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "validity_date", Reason: "expected YYYY-MM-DD"}
	}
	return t, nil
}
