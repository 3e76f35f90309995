/*
store.go - Persistence interfaces for quotes, customers and audit entries

PURPOSE:
  Defines the boundary between the domain logic and the data store. The
  ledger and reconciler only depend on these interfaces; SQLite, Postgres
  (GORM) and in-memory implementations are interchangeable.

CONVENTIONS:
  - Get* returns (nil, nil) when the record does not exist.
  - Update and Delete return ErrQuoteNotFound / ErrCustomerNotFound when
    no row was affected.
  - Find* results are ordered newest CreatedAt first.
  - Stores persist NormalizeName(CustomerName) alongside the raw name; the
    NameKey / NameContains filters compare against that key.

NO MULTI-STATEMENT TRANSACTIONS:
  Each call is atomic on its own. Read-modify-write sequences that must not
  regress state use conditional writes instead (PromoteToSold).

IMPLEMENTATIONS:
  - crm/store/memory.go:      In-memory for tests and demos
  - store/sqlite/sqlite.go:   database/sql + go-sqlite3
  - store/gormstore/gorm.go:  GORM, Postgres in production

SEE ALSO:
  - quotes/ledger.go: Uses QuoteStore
  - reconcile/reconciler.go: Uses CustomerStore
*/
package crm

import (
	"context"
	"time"
)

// =============================================================================
// QUOTE STORE
// =============================================================================

// QuoteFilter selects quotes. Empty fields are not applied.
type QuoteFilter struct {
	CompanyID  CompanyID
	EmployeeID EmployeeID
	CustomerID CustomerID
	Status     QuoteStatus

	// NameContains is a normalized key; matches quotes whose stored name key
	// contains it.
	NameContains string

	// ValidBefore selects quotes whose validity date is strictly before it.
	ValidBefore *time.Time
}

type QuoteStore interface {
	InsertQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, id QuoteID) (*Quote, error)
	// UpdateQuote overwrites every mutable field of the stored quote.
	// ID, CompanyID, EmployeeID and CreatedAt are never changed.
	UpdateQuote(ctx context.Context, q Quote) error
	DeleteQuote(ctx context.Context, id QuoteID) error
	FindQuotes(ctx context.Context, f QuoteFilter) ([]Quote, error)
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

// CustomerFilter selects customers. Empty fields are not applied.
type CustomerFilter struct {
	CompanyID          CompanyID
	NameKey            string // exact normalized name
	Status             CustomerStatus
	AssignedEmployeeID EmployeeID
}

type CustomerStore interface {
	InsertCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	UpdateCustomer(ctx context.Context, c Customer) error
	FindCustomers(ctx context.Context, f CustomerFilter) ([]Customer, error)

	// PromoteToSold sets the customer's status to Sold unless it already is.
	// It is a single conditional write; promoted is false when the customer
	// was already Sold (or does not exist).
	PromoteToSold(ctx context.Context, id CustomerID) (promoted bool, err error)
}

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditAction string

const (
	AuditQuoteCreated      AuditAction = "quote_created"
	AuditQuoteUpdated      AuditAction = "quote_updated"
	AuditQuoteStatus       AuditAction = "quote_status_changed"
	AuditQuoteDeleted      AuditAction = "quote_deleted"
	AuditCustomerPromoted  AuditAction = "customer_promoted"
	AuditAmbiguousMatch    AuditAction = "ambiguous_match"
	AuditCustomerUnmatched AuditAction = "customer_unmatched"
)

// AuditEntry records one domain event. Append-only.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	CompanyID CompanyID
	ActorID   EmployeeID // empty for system actions
	Action    AuditAction
	QuoteID   QuoteID
	Customer  CustomerID
	Payload   map[string]string
}

type AuditFilter struct {
	CompanyID CompanyID
	QuoteID   QuoteID
	Actions   []AuditAction
	Limit     int
}

// AuditLog stores audit entries, newest first on Query.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	QuoteStore
	CustomerStore
	AuditLog
}

// =============================================================================
// ACTOR CONTEXT
// =============================================================================

type actorKey struct{}

// WithActor attaches the acting employee to ctx for audit entries.
func WithActor(ctx context.Context, id EmployeeID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFrom returns the acting employee stored by WithActor.
func ActorFrom(ctx context.Context) EmployeeID {
	id, _ := ctx.Value(actorKey{}).(EmployeeID)
	return id
}
