/*
Package reconcile derives customer lifecycle status from quote acceptance.

PURPOSE:
  A customer becomes Sold as soon as any of their quotes is accepted. This is
  the only place that rule lives; the quote ledger calls it on acceptance
  and the customer view calls it lazily to catch changes made elsewhere.

STATE MACHINE (subset):
  {New, Contacted, Following-up, Rejected} --quote accepted--> Sold
  Nothing leads out of Sold here. Other transitions are direct user edits.

RESOLUTION ORDER:
  1. quote.CustomerID, if it loads and belongs to the quote's company
  2. exact normalized customer name within the company
     - several matches: AmbiguityPolicy decides (default PromoteAll)
  3. nothing resolved: logged, no error

IDEMPOTENCY:
  Customers already Sold are skipped without a write. The write itself is a
  conditional update (PromoteToSold), so two callers racing on the same
  customer converge on Sold with a single effective change.

FAILURE SEMANTICS:
  Best effort. Every store call may fail independently; failures are logged
  and reported in Outcome.Failed, never retried and never rolled back. The
  accepted quote stays accepted regardless.

SEE ALSO:
  - quotes/ledger.go: calls QuoteAccepted after persisting an accepted quote
  - crm/names.go: name normalization
*/
package reconcile

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/quotes"
)

// AmbiguityPolicy decides what happens when a name matches several customers.
type AmbiguityPolicy string

const (
	// PromoteAll promotes every candidate. This mirrors how the mobile client
	// has always behaved, duplicates included.
	PromoteAll AmbiguityPolicy = "promote_all"

	// RequireUniqueMatch promotes nothing unless exactly one customer matches.
	RequireUniqueMatch AmbiguityPolicy = "require_unique"
)

// ParseAmbiguityPolicy maps a config value to a policy, defaulting to PromoteAll.
func ParseAmbiguityPolicy(s string) AmbiguityPolicy {
	if AmbiguityPolicy(s) == RequireUniqueMatch {
		return RequireUniqueMatch
	}
	return PromoteAll
}

// QuoteLister is the slice of the quote ledger the customer view needs.
type QuoteLister interface {
	List(ctx context.Context, q crm.QuoteQuery) []crm.Quote
}

var _ QuoteLister = (*quotes.Ledger)(nil)

// Outcome reports what a reconciliation did.
type Outcome struct {
	Promoted    []crm.CustomerID
	AlreadySold []crm.CustomerID
	Failed      []crm.CustomerID
	Ambiguous   bool
	Resolved    bool
}

// Changed reports whether at least one customer was promoted.
func (o Outcome) Changed() bool { return len(o.Promoted) > 0 }

func (o *Outcome) merge(other Outcome) {
	o.Promoted = append(o.Promoted, other.Promoted...)
	o.AlreadySold = append(o.AlreadySold, other.AlreadySold...)
	o.Failed = append(o.Failed, other.Failed...)
	o.Ambiguous = o.Ambiguous || other.Ambiguous
	o.Resolved = o.Resolved || other.Resolved
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Customers crm.CustomerStore
	Quotes    QuoteLister

	// Audit receives promotion and matching entries. Nil disables auditing.
	Audit crm.AuditLog

	Matcher   crm.NameMatcher
	Ambiguity AmbiguityPolicy
	Logger    *log.Logger
	Now       func() time.Time
}

// NewReconciler creates a reconciler. If customers also implements
// crm.AuditLog it is used for audit entries.
func NewReconciler(customers crm.CustomerStore, quoteLister QuoteLister) *Reconciler {
	r := &Reconciler{
		Customers: customers,
		Quotes:    quoteLister,
		Matcher:   crm.NormalizedMatcher{},
		Ambiguity: PromoteAll,
		Logger:    log.Default(),
		Now:       time.Now,
	}
	if al, ok := customers.(crm.AuditLog); ok {
		r.Audit = al
	}
	return r
}

// QuoteAccepted implements quotes.AcceptanceHook.
func (r *Reconciler) QuoteAccepted(ctx context.Context, q crm.Quote) {
	r.ReconcileOnAccepted(ctx, q)
}

var _ quotes.AcceptanceHook = (*Reconciler)(nil)

// ReconcileOnAccepted promotes the customer owning an accepted quote to Sold.
// Quotes in any other status are ignored.
func (r *Reconciler) ReconcileOnAccepted(ctx context.Context, q crm.Quote) Outcome {
	var out Outcome
	if !q.IsAccepted() {
		return out
	}

	candidates, ok := r.resolve(ctx, q, &out)
	if !ok {
		return out
	}
	out.Resolved = true

	for _, c := range candidates {
		if c.IsSold() {
			out.AlreadySold = append(out.AlreadySold, c.ID)
			continue
		}
		promoted, err := r.Customers.PromoteToSold(ctx, c.ID)
		if err != nil {
			r.Logger.Printf("[Reconciler] promote customer %s failed (quote=%s): %v", c.ID, q.ID, err)
			out.Failed = append(out.Failed, c.ID)
			continue
		}
		if !promoted {
			// Another caller got there between our read and the write.
			out.AlreadySold = append(out.AlreadySold, c.ID)
			continue
		}
		out.Promoted = append(out.Promoted, c.ID)
		r.audit(ctx, q, c.ID, crm.AuditCustomerPromoted, map[string]string{
			"from": string(c.Status),
			"to":   string(crm.CustomerSold),
		})
	}
	return out
}

// resolve finds the customer(s) a quote belongs to. ok is false when nothing
// could be resolved; that is logged, not an error.
func (r *Reconciler) resolve(ctx context.Context, q crm.Quote, out *Outcome) ([]crm.Customer, bool) {
	if q.HasCustomerID() {
		c, err := r.Customers.GetCustomer(ctx, q.CustomerID)
		switch {
		case err != nil:
			r.Logger.Printf("[Reconciler] load customer %s failed, falling back to name: %v", q.CustomerID, err)
		case c == nil:
			r.Logger.Printf("[Reconciler] customer %s not found, falling back to name", q.CustomerID)
		case q.CompanyID != "" && c.CompanyID != q.CompanyID:
			r.Logger.Printf("[Reconciler] customer %s belongs to another company, falling back to name", q.CustomerID)
		default:
			return []crm.Customer{*c}, true
		}
	}

	if q.CustomerName == "" {
		r.unmatched(ctx, q)
		return nil, false
	}

	found, err := r.Customers.FindCustomers(ctx, crm.CustomerFilter{
		CompanyID: q.CompanyID,
		NameKey:   r.Matcher.Key(q.CustomerName),
	})
	if err != nil {
		r.Logger.Printf("[Reconciler] name lookup %q failed (quote=%s): %v", q.CustomerName, q.ID, err)
		return nil, false
	}

	var matches []crm.Customer
	for _, c := range found {
		if r.Matcher.Equal(c.CustomerName, q.CustomerName) {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		r.unmatched(ctx, q)
		return nil, false
	case 1:
		return matches, true
	}

	out.Ambiguous = true
	ambErr := &crm.AmbiguousMatchError{Name: q.CustomerName}
	for _, c := range matches {
		ambErr.Candidates = append(ambErr.Candidates, c.ID)
	}
	r.audit(ctx, q, "", crm.AuditAmbiguousMatch, map[string]string{
		"name":   q.CustomerName,
		"policy": string(r.Ambiguity),
	})
	if r.Ambiguity == RequireUniqueMatch {
		r.Logger.Printf("[Reconciler] %v (quote=%s); promoting none", ambErr, q.ID)
		return nil, false
	}
	r.Logger.Printf("[Reconciler] %v (quote=%s); promoting all", ambErr, q.ID)
	return matches, true
}

func (r *Reconciler) unmatched(ctx context.Context, q crm.Quote) {
	r.Logger.Printf("[Reconciler] no customer for quote %s (name=%q)", q.ID, q.CustomerName)
	r.audit(ctx, q, "", crm.AuditCustomerUnmatched, map[string]string{"name": q.CustomerName})
}

// =============================================================================
// CUSTOMER VIEW - Lazy reconciliation
// =============================================================================

// ForCustomerView loads a customer's quotes by id and by name, merges them
// without duplicates (newest first) and promotes the customer when one of
// its own quotes is accepted. The merged list is returned whether or not a
// promotion happened.
//
// With a customerID only quotes linked to that customer count: those
// carrying its id, and those without an id whose name equals customerName.
// Name containment pulls in quotes of other customers for display, but they
// never decide the viewed customer's status. Without a customerID the first
// accepted quote is resolved through its own id or name.
func (r *Reconciler) ForCustomerView(ctx context.Context, companyID crm.CompanyID, customerID crm.CustomerID, customerName string) ([]crm.Quote, Outcome) {
	var byID, byName []crm.Quote
	if customerID != "" {
		byID = r.Quotes.List(ctx, crm.QuoteQuery{CompanyID: companyID, CustomerID: customerID})
	}
	if customerName != "" {
		byName = r.Quotes.List(ctx, crm.QuoteQuery{CompanyID: companyID, CustomerName: customerName})
	}
	merged := MergeQuotes(byID, byName)

	var out Outcome
	if customerID == "" {
		accepted := firstAccepted(merged)
		if accepted == nil {
			return merged, out
		}
		target := *accepted
		if target.CompanyID == "" {
			target.CompanyID = companyID
		}
		if target.CustomerName == "" {
			target.CustomerName = customerName
		}
		out.merge(r.ReconcileOnAccepted(ctx, target))
		return merged, out
	}

	accepted := r.ownAccepted(merged, customerID, customerName)
	if accepted == nil {
		return merged, out
	}
	if r.alreadySold(ctx, customerID) {
		out.Resolved = true
		out.AlreadySold = append(out.AlreadySold, customerID)
		return merged, out
	}

	target := *accepted
	target.CustomerID = customerID
	if target.CompanyID == "" {
		target.CompanyID = companyID
	}
	out.merge(r.ReconcileOnAccepted(ctx, target))
	return merged, out
}

// ownAccepted returns the newest accepted quote that belongs to the customer.
func (r *Reconciler) ownAccepted(qs []crm.Quote, customerID crm.CustomerID, customerName string) *crm.Quote {
	for i := range qs {
		q := &qs[i]
		if !q.IsAccepted() {
			continue
		}
		if q.CustomerID == customerID {
			return q
		}
		if !q.HasCustomerID() && customerName != "" && r.Matcher.Equal(q.CustomerName, customerName) {
			return q
		}
	}
	return nil
}

// alreadySold reports whether the customer is known to be Sold. Load errors
// count as "not known"; resolution then proceeds as usual.
func (r *Reconciler) alreadySold(ctx context.Context, id crm.CustomerID) bool {
	c, err := r.Customers.GetCustomer(ctx, id)
	if err != nil || c == nil {
		return false
	}
	return c.IsSold()
}

// MergeQuotes concatenates the lists, drops repeated quote ids (first wins)
// and orders the result newest CreatedAt first.
func MergeQuotes(lists ...[]crm.Quote) []crm.Quote {
	seen := make(map[crm.QuoteID]bool)
	merged := []crm.Quote{}
	for _, list := range lists {
		for _, q := range list {
			if seen[q.ID] {
				continue
			}
			seen[q.ID] = true
			merged = append(merged, q)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	return merged
}

func firstAccepted(qs []crm.Quote) *crm.Quote {
	for i := range qs {
		if qs[i].IsAccepted() {
			return &qs[i]
		}
	}
	return nil
}

func (r *Reconciler) audit(ctx context.Context, q crm.Quote, customer crm.CustomerID, action crm.AuditAction, payload map[string]string) {
	if r.Audit == nil {
		return
	}
	entry := crm.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: r.Now().UTC(),
		CompanyID: q.CompanyID,
		ActorID:   crm.ActorFrom(ctx),
		Action:    action,
		QuoteID:   q.ID,
		Customer:  customer,
		Payload:   payload,
	}
	if err := r.Audit.AppendAudit(ctx, entry); err != nil {
		r.Logger.Printf("[Reconciler] audit %s failed: %v", action, err)
	}
}
