/*
ledger.go - Quote ledger: CRUD with derived totals and acceptance side effects

PURPOSE:
  Single entry point for every quote mutation. Keeps TaxAmount and
  TotalAmount consistent with Price and TaxRate, keeps quote ownership
  immutable, and notifies the customer reconciler whenever a quote
  transitions into the accepted state.

INVARIANTS:
  1. TaxAmount and TotalAmount are recomputed together whenever Price or
     TaxRate changes; they are never written independently.
  2. EmployeeID is fixed at creation. Patches carrying it are stripped.
  3. Reconciliation runs synchronously, after the quote write succeeded.
     A reconciliation failure never fails the quote write.
  4. Deleting a quote has no dependent updates (no customer demotion).

LIST FALLBACK ORDER:
  1. Exact customer id
  2. Normalized customer name (equal, or either contains the other)
  3. Full tenant scan with the same manual filters
  Failures at each step are logged and the next step is tried; the result is
  an empty slice when nothing could be loaded. Callers cannot tell "no data"
  from "backend error" on this path.

EXAMPLE:
  ledger := quotes.NewLedger(store)
  ledger.OnAccepted = reconciler

  q, err := ledger.Create(ctx, "company-1", crm.QuoteInput{
      EmployeeID:   "emp-1",
      CustomerName: "Ahmet Yılmaz",
      Price:        decimal.NewFromInt(1000),
  })
  // q.TaxRate = 20, q.TaxAmount = 200, q.TotalAmount = 1200

SEE ALSO:
  - crm/money.go: ComputeTotals
  - reconcile/reconciler.go: AcceptanceHook implementation
*/
package quotes

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/crm-engine/crm"
)

// AcceptanceHook is notified after a quote has been persisted as accepted.
type AcceptanceHook interface {
	QuoteAccepted(ctx context.Context, q crm.Quote)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store crm.QuoteStore

	// Audit receives one entry per mutation. Nil disables auditing.
	Audit crm.AuditLog

	// OnAccepted is invoked synchronously for quotes entering accepted.
	OnAccepted AcceptanceHook

	Matcher        crm.NameMatcher
	DefaultTaxRate decimal.Decimal
	Logger         *log.Logger
	Now            func() time.Time
}

// NewLedger creates a ledger over store. If store also implements
// crm.AuditLog it is used for audit entries.
func NewLedger(store crm.QuoteStore) *Ledger {
	l := &Ledger{
		Store:          store,
		Matcher:        crm.NormalizedMatcher{},
		DefaultTaxRate: crm.DefaultTaxRate,
		Logger:         log.Default(),
		Now:            time.Now,
	}
	if al, ok := store.(crm.AuditLog); ok {
		l.Audit = al
	}
	return l
}

// =============================================================================
// READ
// =============================================================================

// Get returns a single quote or ErrQuoteNotFound.
func (l *Ledger) Get(ctx context.Context, id crm.QuoteID) (*crm.Quote, error) {
	q, err := l.Store.GetQuote(ctx, id)
	if err != nil {
		return nil, persistence("get quote", err)
	}
	if q == nil {
		return nil, crm.ErrQuoteNotFound
	}
	return q, nil
}

// List returns the quotes selected by q, newest first. It never fails: load
// errors are logged and yield an empty slice.
func (l *Ledger) List(ctx context.Context, q crm.QuoteQuery) []crm.Quote {
	base := crm.QuoteFilter{CompanyID: q.CompanyID, EmployeeID: q.EmployeeID}
	if search := strings.TrimSpace(q.Search); search != "" {
		base.NameContains = l.Matcher.Key(search)
	}
	name := strings.TrimSpace(q.CustomerName)

	if q.CustomerID == "" && name == "" {
		return nonNil(l.find(ctx, base, "all"))
	}

	if q.CustomerID != "" {
		f := base
		f.CustomerID = q.CustomerID
		if res := l.find(ctx, f, "by customer id"); len(res) > 0 {
			return res
		}
	}

	// Name matching runs in both directions ("Ahmet" matches "Ahmet Yılmaz"
	// and the reverse), which a containment filter in the store cannot
	// express. The scoped rows are filtered here instead. The same pass
	// catches id matches that backend row-level rules hide from filtered
	// queries.
	if q.CompanyID == "" && name == "" {
		return []crm.Quote{}
	}
	all := l.find(ctx, base, "scoped scan")
	return nonNil(l.filterManual(all, q.CustomerID, name))
}

func (l *Ledger) find(ctx context.Context, f crm.QuoteFilter, step string) []crm.Quote {
	res, err := l.Store.FindQuotes(ctx, f)
	if err != nil {
		l.Logger.Printf("[Ledger] list %s failed (company=%s): %v", step, f.CompanyID, err)
		return nil
	}
	return res
}

// filterManual keeps quotes matching the customer id exactly or the name
// through the matcher. Order is preserved.
func (l *Ledger) filterManual(qs []crm.Quote, id crm.CustomerID, name string) []crm.Quote {
	var out []crm.Quote
	for _, q := range qs {
		if id != "" && q.CustomerID == id {
			out = append(out, q)
			continue
		}
		if name != "" && l.Matcher.Match(q.CustomerName, name) {
			out = append(out, q)
		}
	}
	return out
}

// =============================================================================
// WRITE
// =============================================================================

// Create persists a new quote with defaults applied and totals derived.
func (l *Ledger) Create(ctx context.Context, companyID crm.CompanyID, in crm.QuoteInput) (*crm.Quote, error) {
	if companyID == "" {
		return nil, &crm.ValidationError{Field: "company_id", Reason: "required"}
	}
	name := strings.TrimSpace(in.CustomerName)
	if name == "" {
		return nil, &crm.ValidationError{Field: "customer_name", Reason: "required"}
	}

	rate := l.DefaultTaxRate
	if in.TaxRate != nil {
		rate = *in.TaxRate
	}
	if err := crm.ValidateAmounts(in.Price, rate); err != nil {
		return nil, err
	}

	status := crm.QuoteDraft
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, &crm.ValidationError{Field: "status", Reason: "unknown quote status " + string(*in.Status)}
		}
		status = *in.Status
	}

	attachments := []string{}
	if len(in.Attachments) > 0 {
		attachments = append(attachments, in.Attachments...)
	}

	now := l.Now().UTC()
	q := crm.Quote{
		ID:             crm.QuoteID(uuid.NewString()),
		CompanyID:      companyID,
		EmployeeID:     in.EmployeeID,
		CustomerID:     in.CustomerID,
		CustomerName:   name,
		ProductService: in.ProductService,
		Description:    in.Description,
		Notes:          in.Notes,
		Price:          in.Price,
		TaxRate:        rate,
		Status:         status,
		Attachments:    attachments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.ValidityDate != nil {
		d := crm.DateOf(*in.ValidityDate)
		q.ValidityDate = &d
	}
	crm.ApplyTotals(&q)

	if err := l.Store.InsertQuote(ctx, q); err != nil {
		l.Logger.Printf("[Ledger] insert quote failed (company=%s): %v", companyID, err)
		return nil, persistence("insert quote", err)
	}

	l.audit(ctx, q, crm.AuditQuoteCreated, map[string]string{
		"status": string(q.Status),
		"total":  q.TotalAmount.String(),
	})
	if q.IsAccepted() {
		l.accepted(ctx, q)
	}
	return &q, nil
}

// Update applies a partial update. When Price or TaxRate changes, the other
// input is taken from the stored record and both derived amounts are
// recomputed.
func (l *Ledger) Update(ctx context.Context, id crm.QuoteID, p crm.QuotePatch) (*crm.Quote, error) {
	if p.EmployeeID != nil {
		l.Logger.Printf("[Ledger] ignoring employee_id in update of quote %s", id)
		p.EmployeeID = nil
	}

	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := current.Status

	updated, err := applyPatch(*current, p)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = l.Now().UTC()

	if err := l.Store.UpdateQuote(ctx, updated); err != nil {
		if errors.Is(err, crm.ErrQuoteNotFound) {
			return nil, err
		}
		l.Logger.Printf("[Ledger] update quote %s failed: %v", id, err)
		return nil, persistence("update quote", err)
	}

	if p.Status != nil && *p.Status != previous {
		l.audit(ctx, updated, crm.AuditQuoteStatus, map[string]string{
			"from": string(previous),
			"to":   string(updated.Status),
		})
	} else {
		l.audit(ctx, updated, crm.AuditQuoteUpdated, map[string]string{
			"total": updated.TotalAmount.String(),
		})
	}

	if p.Status != nil && *p.Status == crm.QuoteAccepted {
		l.accepted(ctx, updated)
	}
	return &updated, nil
}

// UpdateStatus is Update with only the status field set.
func (l *Ledger) UpdateStatus(ctx context.Context, id crm.QuoteID, status crm.QuoteStatus) (*crm.Quote, error) {
	return l.Update(ctx, id, crm.QuotePatch{Status: &status})
}

// Delete removes a quote. Customers promoted because of it stay promoted.
func (l *Ledger) Delete(ctx context.Context, id crm.QuoteID) error {
	q, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := l.Store.DeleteQuote(ctx, id); err != nil {
		if errors.Is(err, crm.ErrQuoteNotFound) {
			return err
		}
		l.Logger.Printf("[Ledger] delete quote %s failed: %v", id, err)
		return persistence("delete quote", err)
	}
	l.audit(ctx, *q, crm.AuditQuoteDeleted, nil)
	return nil
}

// ExpireOverdue moves draft and sent quotes whose validity date lies before
// asOf to expired. An empty companyID sweeps every tenant. It returns the
// number of quotes expired; individual failures are logged and skipped.
func (l *Ledger) ExpireOverdue(ctx context.Context, companyID crm.CompanyID, asOf time.Time) (int, error) {
	day := crm.DateOf(asOf)
	candidates, err := l.Store.FindQuotes(ctx, crm.QuoteFilter{CompanyID: companyID, ValidBefore: &day})
	if err != nil {
		return 0, persistence("find overdue quotes", err)
	}

	expired := 0
	for _, q := range candidates {
		if q.Status != crm.QuoteDraft && q.Status != crm.QuoteSent {
			continue
		}
		if _, err := l.UpdateStatus(ctx, q.ID, crm.QuoteExpired); err != nil {
			l.Logger.Printf("[Ledger] expire quote %s failed: %v", q.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func applyPatch(q crm.Quote, p crm.QuotePatch) (crm.Quote, error) {
	if p.CustomerID != nil {
		q.CustomerID = *p.CustomerID
	}
	if p.CustomerName != nil {
		name := strings.TrimSpace(*p.CustomerName)
		if name == "" {
			return q, &crm.ValidationError{Field: "customer_name", Reason: "required"}
		}
		q.CustomerName = name
	}
	if p.ProductService != nil {
		q.ProductService = *p.ProductService
	}
	if p.Description != nil {
		q.Description = *p.Description
	}
	if p.Notes != nil {
		q.Notes = *p.Notes
	}
	if p.ClearValidityDate {
		q.ValidityDate = nil
	} else if p.ValidityDate != nil {
		d := crm.DateOf(*p.ValidityDate)
		q.ValidityDate = &d
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return q, &crm.ValidationError{Field: "status", Reason: "unknown quote status " + string(*p.Status)}
		}
		q.Status = *p.Status
	}
	if p.Attachments != nil {
		q.Attachments = append([]string{}, (*p.Attachments)...)
	}

	if p.TouchesTotals() {
		if p.Price != nil {
			q.Price = *p.Price
		}
		if p.TaxRate != nil {
			q.TaxRate = *p.TaxRate
		}
		if err := crm.ValidateAmounts(q.Price, q.TaxRate); err != nil {
			return q, err
		}
		crm.ApplyTotals(&q)
	}
	return q, nil
}

func (l *Ledger) accepted(ctx context.Context, q crm.Quote) {
	if l.OnAccepted == nil {
		return
	}
	l.OnAccepted.QuoteAccepted(ctx, q)
}

func (l *Ledger) audit(ctx context.Context, q crm.Quote, action crm.AuditAction, payload map[string]string) {
	if l.Audit == nil {
		return
	}
	entry := crm.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: l.Now().UTC(),
		CompanyID: q.CompanyID,
		ActorID:   crm.ActorFrom(ctx),
		Action:    action,
		QuoteID:   q.ID,
		Customer:  q.CustomerID,
		Payload:   payload,
	}
	if err := l.Audit.AppendAudit(ctx, entry); err != nil {
		l.Logger.Printf("[Ledger] audit %s for quote %s failed: %v", action, q.ID, err)
	}
}

func persistence(op string, err error) error {
	if errors.Is(err, crm.ErrPersistence) {
		return err
	}
	return &crm.PersistenceError{Op: op, Err: err}
}

func nonNil(qs []crm.Quote) []crm.Quote {
	if qs == nil {
		return []crm.Quote{}
	}
	return qs
}
