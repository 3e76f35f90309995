package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/crm/store"
	"github.com/fieldops/crm-engine/quotes"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// countingStore counts conditional writes and can fail them on demand.
type countingStore struct {
	*store.Memory
	mu           sync.Mutex
	promoteCalls int
	failPromote  map[crm.CustomerID]bool
}

func (s *countingStore) PromoteToSold(ctx context.Context, id crm.CustomerID) (bool, error) {
	s.mu.Lock()
	s.promoteCalls++
	s.mu.Unlock()
	if s.failPromote[id] {
		return false, errors.New("write timeout")
	}
	return s.Memory.PromoteToSold(ctx, id)
}

type fixture struct {
	store  *countingStore
	ledger *quotes.Ledger
	rec    *Reconciler
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := &countingStore{Memory: store.NewMemory(), failPromote: map[crm.CustomerID]bool{}}
	discard := log.New(io.Discard, "", 0)

	ledger := quotes.NewLedger(s)
	ledger.Logger = discard
	clock := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	ledger.Now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	rec := NewReconciler(s, ledger)
	rec.Logger = discard
	ledger.OnAccepted = rec

	return &fixture{store: s, ledger: ledger, rec: rec, ctx: context.Background()}
}

func (f *fixture) customer(t *testing.T, id crm.CustomerID, company crm.CompanyID, name string, status crm.CustomerStatus) {
	t.Helper()
	require.NoError(t, f.store.InsertCustomer(f.ctx, crm.Customer{
		ID: id, CompanyID: company, CustomerName: name, Status: status,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func (f *fixture) status(t *testing.T, id crm.CustomerID) crm.CustomerStatus {
	t.Helper()
	c, err := f.store.GetCustomer(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.Status
}

// rawQuote writes an accepted quote without going through the ledger, as if
// another client had created it.
func (f *fixture) rawQuote(t *testing.T, id crm.QuoteID, company crm.CompanyID, customerID crm.CustomerID, name string, status crm.QuoteStatus, created time.Time) crm.Quote {
	t.Helper()
	q := crm.Quote{
		ID: id, CompanyID: company, EmployeeID: "emp-1", CustomerID: customerID, CustomerName: name,
		Price: decimal.NewFromInt(100), TaxRate: crm.DefaultTaxRate, Status: status,
		CreatedAt: created, UpdatedAt: created,
	}
	crm.ApplyTotals(&q)
	require.NoError(t, f.store.InsertQuote(f.ctx, q))
	return q
}

func accept(t *testing.T, f *fixture, in crm.QuoteInput) *crm.Quote {
	t.Helper()
	st := crm.QuoteAccepted
	in.Status = &st
	if in.Price.IsZero() {
		in.Price = decimal.NewFromInt(1000)
	}
	q, err := f.ledger.Create(f.ctx, "co-1", in)
	require.NoError(t, err)
	return q
}

// =============================================================================
// RECONCILE ON ACCEPTED
// =============================================================================

func TestAccepted_PromotesByCustomerID(t *testing.T) {
	// GIVEN: A Contacted customer
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerContacted)

	// WHEN: A quote referencing it by id is accepted
	q, err := f.ledger.Create(f.ctx, "co-1", crm.QuoteInput{CustomerID: "c1", CustomerName: "Ahmet Yılmaz", Price: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	_, err = f.ledger.UpdateStatus(f.ctx, q.ID, crm.QuoteAccepted)
	require.NoError(t, err)

	// THEN: The customer is Sold and the promotion is audited
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))
	entries, _ := f.store.QueryAudit(f.ctx, crm.AuditFilter{Actions: []crm.AuditAction{crm.AuditCustomerPromoted}})
	require.Len(t, entries, 1)
	assert.Equal(t, crm.CustomerID("c1"), entries[0].Customer)
	assert.Equal(t, "Contacted", entries[0].Payload["from"])
}

func TestAccepted_FallsBackToExactName(t *testing.T) {
	// GIVEN: Customers with similar names
	f := newFixture(t)
	f.customer(t, "c-exact", "co-1", "Ahmet Yılmaz", crm.CustomerFollowingUp)
	f.customer(t, "c-longer", "co-1", "Ahmet Yılmazoğlu", crm.CustomerNew)
	f.customer(t, "c-short", "co-1", "Ahmet", crm.CustomerNew)
	f.customer(t, "c-other-co", "co-2", "Ahmet Yılmaz", crm.CustomerNew)

	// WHEN: A quote without customer id is accepted
	accept(t, f, crm.QuoteInput{CustomerName: " ahmet   Yılmaz "})

	// THEN: Only the exact normalized match in the same company is promoted
	assert.Equal(t, crm.CustomerSold, f.status(t, "c-exact"))
	assert.Equal(t, crm.CustomerNew, f.status(t, "c-longer"))
	assert.Equal(t, crm.CustomerNew, f.status(t, "c-short"))
	assert.Equal(t, crm.CustomerNew, f.status(t, "c-other-co"))
}

func TestAccepted_StaleIDFallsBackToName(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ayşe Demir", crm.CustomerNew)
	f.customer(t, "foreign", "co-2", "Ayşe Demir", crm.CustomerNew)

	// Deleted customer id
	out := f.rec.ReconcileOnAccepted(f.ctx, f.rawQuote(t, "q1", "co-1", "deleted", "Ayşe Demir", crm.QuoteAccepted, time.Now()))
	assert.Equal(t, []crm.CustomerID{"c1"}, out.Promoted)

	// Id of a customer in another company is not trusted either
	f2 := newFixture(t)
	f2.customer(t, "c1", "co-1", "Ayşe Demir", crm.CustomerNew)
	f2.customer(t, "foreign", "co-2", "Ayşe Demir", crm.CustomerNew)
	out = f2.rec.ReconcileOnAccepted(f2.ctx, f2.rawQuote(t, "q1", "co-1", "foreign", "Ayşe Demir", crm.QuoteAccepted, time.Now()))
	assert.Equal(t, []crm.CustomerID{"c1"}, out.Promoted)
	assert.Equal(t, crm.CustomerNew, f2.status(t, "foreign"))
}

func TestAccepted_IsIdempotent(t *testing.T) {
	// GIVEN: A customer already promoted by an accepted quote
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerNew)
	q := accept(t, f, crm.QuoteInput{CustomerID: "c1", CustomerName: "Ahmet Yılmaz"})
	require.Equal(t, 1, f.store.promoteCalls)

	// WHEN: Reconciling the same quote again
	out := f.rec.ReconcileOnAccepted(f.ctx, *q)

	// THEN: Nothing is written
	assert.False(t, out.Changed())
	assert.Equal(t, []crm.CustomerID{"c1"}, out.AlreadySold)
	assert.Equal(t, 1, f.store.promoteCalls)
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))
}

func TestAccepted_NonAcceptedIgnored(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerNew)

	for _, st := range []crm.QuoteStatus{crm.QuoteDraft, crm.QuoteSent, crm.QuoteRejected, crm.QuoteExpired} {
		out := f.rec.ReconcileOnAccepted(f.ctx, crm.Quote{ID: "q", CompanyID: "co-1", CustomerID: "c1", CustomerName: "Ahmet Yılmaz", Status: st})
		assert.False(t, out.Resolved, "status %s", st)
	}
	assert.Equal(t, 0, f.store.promoteCalls)
	assert.Equal(t, crm.CustomerNew, f.status(t, "c1"))
}

func TestAccepted_NoRegression(t *testing.T) {
	// GIVEN: A Sold customer
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerNew)
	q := accept(t, f, crm.QuoteInput{CustomerID: "c1", CustomerName: "Ahmet Yılmaz"})
	require.Equal(t, crm.CustomerSold, f.status(t, "c1"))

	// WHEN: The quote is rejected and then deleted
	_, err := f.ledger.UpdateStatus(f.ctx, q.ID, crm.QuoteRejected)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Delete(f.ctx, q.ID))

	// THEN: The customer stays Sold
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))
}

func TestAccepted_NoMatch(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Mehmet Kaya", crm.CustomerNew)

	q := accept(t, f, crm.QuoteInput{CustomerName: "Unknown Person"})

	// The quote is still accepted; nothing else changes
	stored, err := f.ledger.Get(f.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, crm.QuoteAccepted, stored.Status)
	assert.Equal(t, 0, f.store.promoteCalls)

	entries, _ := f.store.QueryAudit(f.ctx, crm.AuditFilter{Actions: []crm.AuditAction{crm.AuditCustomerUnmatched}})
	assert.Len(t, entries, 1)
}

func TestAccepted_PromoteFailureDoesNotFailQuote(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerNew)
	f.store.failPromote["c1"] = true

	q, err := f.ledger.Create(f.ctx, "co-1", crm.QuoteInput{
		CustomerID: "c1", CustomerName: "Ahmet Yılmaz", Price: decimal.NewFromInt(10), Status: func() *crm.QuoteStatus { s := crm.QuoteAccepted; return &s }(),
	})
	require.NoError(t, err)
	assert.Equal(t, crm.QuoteAccepted, q.Status)
	assert.Equal(t, crm.CustomerNew, f.status(t, "c1"))

	out := f.rec.ReconcileOnAccepted(f.ctx, *q)
	assert.Equal(t, []crm.CustomerID{"c1"}, out.Failed)
}

func TestAccepted_Ambiguous(t *testing.T) {
	setup := func(t *testing.T, policy AmbiguityPolicy) *fixture {
		f := newFixture(t)
		f.rec.Ambiguity = policy
		f.customer(t, "dup-1", "co-1", "Ali Veli", crm.CustomerNew)
		f.customer(t, "dup-2", "co-1", "ali  veli", crm.CustomerContacted)
		return f
	}

	t.Run("promote all", func(t *testing.T) {
		f := setup(t, PromoteAll)
		out := f.rec.ReconcileOnAccepted(f.ctx, f.rawQuote(t, "q1", "co-1", "", "Ali Veli", crm.QuoteAccepted, time.Now()))

		assert.True(t, out.Ambiguous)
		assert.ElementsMatch(t, []crm.CustomerID{"dup-1", "dup-2"}, out.Promoted)
		assert.Equal(t, crm.CustomerSold, f.status(t, "dup-1"))
		assert.Equal(t, crm.CustomerSold, f.status(t, "dup-2"))
	})

	t.Run("require unique", func(t *testing.T) {
		f := setup(t, RequireUniqueMatch)
		out := f.rec.ReconcileOnAccepted(f.ctx, f.rawQuote(t, "q1", "co-1", "", "Ali Veli", crm.QuoteAccepted, time.Now()))

		assert.True(t, out.Ambiguous)
		assert.False(t, out.Resolved)
		assert.Empty(t, out.Promoted)
		assert.Equal(t, crm.CustomerNew, f.status(t, "dup-1"))
		assert.Equal(t, crm.CustomerContacted, f.status(t, "dup-2"))

		entries, _ := f.store.QueryAudit(f.ctx, crm.AuditFilter{Actions: []crm.AuditAction{crm.AuditAmbiguousMatch}})
		require.Len(t, entries, 1)
		assert.Equal(t, "require_unique", entries[0].Payload["policy"])
	})
}

func TestAccepted_ConcurrentCallsConverge(t *testing.T) {
	// GIVEN: One accepted quote for a Contacted customer
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerContacted)
	q := f.rawQuote(t, "q1", "co-1", "c1", "Ahmet Yılmaz", crm.QuoteAccepted, time.Now())

	// WHEN: Several reconciliations race
	const callers = 8
	outcomes := make([]Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = f.rec.ReconcileOnAccepted(f.ctx, q)
		}()
	}
	wg.Wait()

	// THEN: The customer is promoted exactly once and every caller resolved it
	promoted := 0
	for _, out := range outcomes {
		assert.True(t, out.Resolved)
		assert.Empty(t, out.Failed)
		promoted += len(out.Promoted)
	}
	assert.Equal(t, 1, promoted)
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))

	entries, err := f.store.QueryAudit(f.ctx, crm.AuditFilter{Actions: []crm.AuditAction{crm.AuditCustomerPromoted}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParseAmbiguityPolicy(t *testing.T) {
	assert.Equal(t, RequireUniqueMatch, ParseAmbiguityPolicy("require_unique"))
	assert.Equal(t, PromoteAll, ParseAmbiguityPolicy("promote_all"))
	assert.Equal(t, PromoteAll, ParseAmbiguityPolicy(""))
}

// =============================================================================
// CUSTOMER VIEW
// =============================================================================

func TestForCustomerView_MergesAndPromotes(t *testing.T) {
	// GIVEN: Quotes linked by id, by name and by both, one of them accepted
	// and written without reconciliation
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerFollowingUp)
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	f.rawQuote(t, "qa", "co-1", "c1", "Someone Else", crm.QuoteSent, base)
	f.rawQuote(t, "qb", "co-1", "c1", "Ahmet Yılmaz", crm.QuoteDraft, base.Add(2*time.Hour))
	f.rawQuote(t, "qc", "co-1", "", "ahmet yılmaz", crm.QuoteAccepted, base.Add(time.Hour))
	f.rawQuote(t, "qx", "co-2", "", "Ahmet Yılmaz", crm.QuoteAccepted, base)

	// WHEN: Opening the customer view
	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "c1", "Ahmet Yılmaz")

	// THEN: The merged list has each quote once, newest first
	require.Len(t, qs, 3)
	assert.Equal(t, crm.QuoteID("qb"), qs[0].ID)
	assert.Equal(t, crm.QuoteID("qc"), qs[1].ID)
	assert.Equal(t, crm.QuoteID("qa"), qs[2].ID)

	// AND: The customer is promoted because of the name-only accepted quote
	assert.True(t, out.Changed())
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))
}

func TestForCustomerView_AlreadySoldSkipsWrite(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerSold)
	f.rawQuote(t, "q1", "co-1", "c1", "Ahmet Yılmaz", crm.QuoteAccepted, time.Now())

	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "c1", "Ahmet Yılmaz")

	assert.Len(t, qs, 1)
	assert.False(t, out.Changed())
	assert.Equal(t, []crm.CustomerID{"c1"}, out.AlreadySold)
	assert.Equal(t, 0, f.store.promoteCalls)
}

func TestForCustomerView_NothingAccepted(t *testing.T) {
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ahmet Yılmaz", crm.CustomerContacted)
	f.rawQuote(t, "q1", "co-1", "c1", "Ahmet Yılmaz", crm.QuoteSent, time.Now())

	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "c1", "Ahmet Yılmaz")

	assert.Len(t, qs, 1)
	assert.False(t, out.Resolved)
	assert.Equal(t, crm.CustomerContacted, f.status(t, "c1"))
}

func TestForCustomerView_OnlyOwnQuotesDecide(t *testing.T) {
	// GIVEN: "Ali" has its own accepted quote; "Ali Veli" is Sold and has a
	// newer accepted quote that the name containment pulls into Ali's view
	f := newFixture(t)
	f.customer(t, "c-ali", "co-1", "Ali", crm.CustomerContacted)
	f.customer(t, "c-aliveli", "co-1", "Ali Veli", crm.CustomerSold)
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	f.rawQuote(t, "q-ali", "co-1", "c-ali", "Ali", crm.QuoteAccepted, base)
	f.rawQuote(t, "q-aliveli", "co-1", "c-aliveli", "Ali Veli", crm.QuoteAccepted, base.Add(time.Hour))

	// WHEN: Opening Ali
	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "c-ali", "Ali")

	// THEN: Both quotes are listed but Ali's own quote promotes Ali
	assert.Len(t, qs, 2)
	assert.Equal(t, []crm.CustomerID{"c-ali"}, out.Promoted)
	assert.Empty(t, out.AlreadySold)
	assert.Equal(t, crm.CustomerSold, f.status(t, "c-ali"))
}

func TestForCustomerView_OtherCustomersQuotesDoNotPromote(t *testing.T) {
	// GIVEN: The only accepted quote in Ali's view belongs to "Ali Veli"
	f := newFixture(t)
	f.customer(t, "c-ali", "co-1", "Ali", crm.CustomerContacted)
	f.customer(t, "c-aliveli", "co-1", "Ali Veli", crm.CustomerNew)
	f.rawQuote(t, "q-aliveli", "co-1", "", "Ali Veli", crm.QuoteAccepted, time.Now())

	// WHEN: Opening Ali
	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "c-ali", "Ali")

	// THEN: Nothing changes for either customer
	assert.Len(t, qs, 1)
	assert.False(t, out.Resolved)
	assert.Equal(t, crm.CustomerContacted, f.status(t, "c-ali"))
	assert.Equal(t, crm.CustomerNew, f.status(t, "c-aliveli"))
}

func TestForCustomerView_WithoutCustomerID(t *testing.T) {
	// GIVEN: An accepted name-only quote and no customer id to view by
	f := newFixture(t)
	f.customer(t, "c1", "co-1", "Ayşe Demir", crm.CustomerFollowingUp)
	f.rawQuote(t, "q1", "co-1", "", "ayşe  demir", crm.QuoteAccepted, time.Now())

	// WHEN: Viewing by name only
	qs, out := f.rec.ForCustomerView(f.ctx, "co-1", "", "Ayşe Demir")

	// THEN: The customer is resolved through the quote's name
	assert.Len(t, qs, 1)
	assert.True(t, out.Resolved)
	assert.Equal(t, []crm.CustomerID{"c1"}, out.Promoted)
	assert.Equal(t, crm.CustomerSold, f.status(t, "c1"))

	// Viewing again finds it already Sold
	_, out = f.rec.ForCustomerView(f.ctx, "co-1", "", "Ayşe Demir")
	assert.Empty(t, out.Promoted)
	assert.Equal(t, []crm.CustomerID{"c1"}, out.AlreadySold)
}

func TestMergeQuotes(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := crm.Quote{ID: "A", CreatedAt: base}
	b := crm.Quote{ID: "B", CreatedAt: base.Add(time.Hour), Notes: "first copy"}
	bDup := crm.Quote{ID: "B", CreatedAt: base.Add(time.Hour), Notes: "second copy"}
	c := crm.Quote{ID: "C", CreatedAt: base.Add(2 * time.Hour)}

	merged := MergeQuotes([]crm.Quote{a, b}, []crm.Quote{bDup, c})

	require.Len(t, merged, 3)
	assert.Equal(t, []crm.QuoteID{"C", "B", "A"}, []crm.QuoteID{merged[0].ID, merged[1].ID, merged[2].ID})
	assert.Equal(t, "first copy", merged[1].Notes)

	empty := MergeQuotes(nil, nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
