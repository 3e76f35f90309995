// Package storetest is a conformance suite for crm.Store implementations.
// Each backend's tests call Run with a constructor for an empty store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-engine/crm"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) crm.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("QuoteRoundTrip", func(t *testing.T) { testQuoteRoundTrip(t, newStore(t)) })
	t.Run("QuoteUpdateDelete", func(t *testing.T) { testQuoteUpdateDelete(t, newStore(t)) })
	t.Run("FindQuotes", func(t *testing.T) { testFindQuotes(t, newStore(t)) })
	t.Run("Customers", func(t *testing.T) { testCustomers(t, newStore(t)) })
	t.Run("PromoteToSold", func(t *testing.T) { testPromoteToSold(t, newStore(t)) })
	t.Run("PromoteToSoldConcurrent", func(t *testing.T) { testPromoteToSoldConcurrent(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return crm.MustParseDecimal(s) }

func newQuote(id crm.QuoteID, company crm.CompanyID, name string, created time.Time) crm.Quote {
	q := crm.Quote{
		ID:           id,
		CompanyID:    company,
		EmployeeID:   "emp-1",
		CustomerName: name,
		Price:        dec("250.50"),
		TaxRate:      dec("18"),
		Status:       crm.QuoteDraft,
		Attachments:  []string{},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	crm.ApplyTotals(&q)
	return q
}

func testQuoteRoundTrip(t *testing.T, s crm.Store) {
	ctx := context.Background()

	// GIVEN: A quote with every optional field set
	validity := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	q := newQuote("q1", "co-1", "Ahmet Yılmaz", base)
	q.CustomerID = "cust-1"
	q.ProductService = "Boiler"
	q.Description = "Annual service"
	q.Notes = "Gate code 1234"
	q.ValidityDate = &validity
	q.Attachments = []string{"photo.jpg", "plan.pdf"}

	// WHEN: Writing and reading it back
	require.NoError(t, s.InsertQuote(ctx, q))
	got, err := s.GetQuote(ctx, "q1")

	// THEN: Every field survives
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, q.CompanyID, got.CompanyID)
	assert.Equal(t, q.EmployeeID, got.EmployeeID)
	assert.Equal(t, q.CustomerID, got.CustomerID)
	assert.Equal(t, q.CustomerName, got.CustomerName)
	assert.Equal(t, q.ProductService, got.ProductService)
	assert.Equal(t, q.Description, got.Description)
	assert.Equal(t, q.Notes, got.Notes)
	assert.True(t, got.Price.Equal(dec("250.50")), "price %s", got.Price)
	assert.True(t, got.TaxRate.Equal(dec("18")), "rate %s", got.TaxRate)
	assert.True(t, got.TaxAmount.Equal(dec("45.09")), "tax %s", got.TaxAmount)
	assert.True(t, got.TotalAmount.Equal(dec("295.59")), "total %s", got.TotalAmount)
	require.NotNil(t, got.ValidityDate)
	assert.Equal(t, "2025-04-30", got.ValidityDate.Format(crm.DateLayout))
	assert.Equal(t, crm.QuoteDraft, got.Status)
	assert.Equal(t, []string{"photo.jpg", "plan.pdf"}, got.Attachments)
	assert.True(t, got.CreatedAt.Equal(base), "created %v", got.CreatedAt)

	// A quote without customer id or validity date
	bare := newQuote("q2", "co-1", "Mehmet Kaya", base)
	require.NoError(t, s.InsertQuote(ctx, bare))
	got, err = s.GetQuote(ctx, "q2")
	require.NoError(t, err)
	assert.Empty(t, got.CustomerID)
	assert.Nil(t, got.ValidityDate)
	assert.NotNil(t, got.Attachments)

	missing, err := s.GetQuote(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testQuoteUpdateDelete(t *testing.T, s crm.Store) {
	ctx := context.Background()
	q := newQuote("q1", "co-1", "Ahmet Yılmaz", base)
	require.NoError(t, s.InsertQuote(ctx, q))

	// Update every mutable field
	q.Price = dec("1000")
	q.TaxRate = dec("20")
	crm.ApplyTotals(&q)
	q.Status = crm.QuoteAccepted
	q.CustomerName = "Ahmet Yılmaz Ltd"
	q.Attachments = []string{"signed.pdf"}
	q.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.UpdateQuote(ctx, q))

	got, err := s.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(dec("1200")), "total %s", got.TotalAmount)
	assert.Equal(t, crm.QuoteAccepted, got.Status)
	assert.Equal(t, "Ahmet Yılmaz Ltd", got.CustomerName)
	assert.Equal(t, []string{"signed.pdf"}, got.Attachments)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Hour)))

	// Clearing the customer id
	q.CustomerID = ""
	require.NoError(t, s.UpdateQuote(ctx, q))
	got, _ = s.GetQuote(ctx, "q1")
	assert.Empty(t, got.CustomerID)

	missing := newQuote("nope", "co-1", "x", base)
	assert.ErrorIs(t, s.UpdateQuote(ctx, missing), crm.ErrQuoteNotFound)

	require.NoError(t, s.DeleteQuote(ctx, "q1"))
	got, err = s.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, s.DeleteQuote(ctx, "q1"), crm.ErrQuoteNotFound)
}

func testFindQuotes(t *testing.T, s crm.Store) {
	ctx := context.Background()

	due := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	q1 := newQuote("q1", "co-1", "Ahmet Yılmaz", base)
	q1.CustomerID = "cust-1"
	q1.ValidityDate = &due
	q2 := newQuote("q2", "co-1", "  AHMET   Yılmaz ", base.Add(2*time.Hour))
	q2.EmployeeID = "emp-2"
	q2.Status = crm.QuoteSent
	q3 := newQuote("q3", "co-1", "100% Boya_Ltd", base.Add(time.Hour))
	q4 := newQuote("q4", "co-2", "Ahmet Yılmaz", base)
	for _, q := range []crm.Quote{q1, q2, q3, q4} {
		require.NoError(t, s.InsertQuote(ctx, q))
	}

	ids := func(qs []crm.Quote) []crm.QuoteID {
		out := make([]crm.QuoteID, len(qs))
		for i, q := range qs {
			out[i] = q.ID
		}
		return out
	}

	res, err := s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1"})
	require.NoError(t, err)
	assert.Equal(t, []crm.QuoteID{"q2", "q3", "q1"}, ids(res), "newest first")

	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1", EmployeeID: "emp-2"})
	assert.Equal(t, []crm.QuoteID{"q2"}, ids(res))

	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CustomerID: "cust-1"})
	assert.Equal(t, []crm.QuoteID{"q1"}, ids(res))

	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1", Status: crm.QuoteSent})
	assert.Equal(t, []crm.QuoteID{"q2"}, ids(res))

	// Name containment runs on the normalized key
	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1", NameContains: crm.NormalizeName("yılmaz")})
	assert.Equal(t, []crm.QuoteID{"q2", "q1"}, ids(res))

	// LIKE wildcards in the search term are literal
	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1", NameContains: "100%"})
	assert.Equal(t, []crm.QuoteID{"q3"}, ids(res))
	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{CompanyID: "co-1", NameContains: "y_l"})
	assert.Empty(t, res)

	after := due.AddDate(0, 0, 1)
	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{ValidBefore: &after})
	assert.Equal(t, []crm.QuoteID{"q1"}, ids(res))
	res, _ = s.FindQuotes(ctx, crm.QuoteFilter{ValidBefore: &due})
	assert.Empty(t, res)
}

func testCustomers(t *testing.T, s crm.Store) {
	ctx := context.Background()

	c := crm.Customer{
		ID:                 "c1",
		CompanyID:          "co-1",
		CustomerName:       "Ahmet Yılmaz",
		Status:             crm.CustomerNew,
		Phone:              "+90 555 000 0000",
		Email:              "ahmet@example.com",
		AssignedEmployeeID: "emp-1",
		Region:             "Istanbul",
		CreatedAt:          base,
		UpdatedAt:          base,
	}
	require.NoError(t, s.InsertCustomer(ctx, c))
	require.NoError(t, s.InsertCustomer(ctx, crm.Customer{
		ID: "c2", CompanyID: "co-1", CustomerName: "ahmet  yılmaz", Status: crm.CustomerContacted,
		CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.InsertCustomer(ctx, crm.Customer{
		ID: "c3", CompanyID: "co-2", CustomerName: "Ahmet Yılmaz", Status: crm.CustomerNew,
		CreatedAt: base, UpdatedAt: base,
	}))

	got, err := s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.Phone, got.Phone)
	assert.Equal(t, c.AssignedEmployeeID, got.AssignedEmployeeID)
	assert.Equal(t, c.Region, got.Region)

	res, err := s.FindCustomers(ctx, crm.CustomerFilter{CompanyID: "co-1", NameKey: crm.NormalizeName("AHMET YıLMAZ")})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, crm.CustomerID("c2"), res[0].ID)

	res, _ = s.FindCustomers(ctx, crm.CustomerFilter{CompanyID: "co-1", AssignedEmployeeID: "emp-1"})
	require.Len(t, res, 1)
	assert.Equal(t, crm.CustomerID("c1"), res[0].ID)

	// Direct edit, including a rename
	got.CustomerName = "Mehmet Kaya"
	got.Status = crm.CustomerRejected
	got.UpdatedAt = base.Add(2 * time.Hour)
	require.NoError(t, s.UpdateCustomer(ctx, *got))
	res, _ = s.FindCustomers(ctx, crm.CustomerFilter{CompanyID: "co-1", NameKey: "mehmet kaya"})
	require.Len(t, res, 1)
	assert.Equal(t, crm.CustomerRejected, res[0].Status)

	assert.ErrorIs(t, s.UpdateCustomer(ctx, crm.Customer{ID: "missing", CompanyID: "co-1", CustomerName: "x"}), crm.ErrCustomerNotFound)

	missing, err := s.GetCustomer(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testPromoteToSold(t *testing.T, s crm.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertCustomer(ctx, crm.Customer{
		ID: "c1", CompanyID: "co-1", CustomerName: "Ahmet Yılmaz", Status: crm.CustomerFollowingUp,
		CreatedAt: base, UpdatedAt: base,
	}))

	promoted, err := s.PromoteToSold(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, promoted)

	promoted, err = s.PromoteToSold(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, promoted, "already Sold")

	promoted, err = s.PromoteToSold(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, promoted)

	got, _ := s.GetCustomer(ctx, "c1")
	assert.Equal(t, crm.CustomerSold, got.Status)
}

func testPromoteToSoldConcurrent(t *testing.T, s crm.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertCustomer(ctx, crm.Customer{
		ID: "c1", CompanyID: "co-1", CustomerName: "Ahmet Yılmaz", Status: crm.CustomerContacted,
		CreatedAt: base, UpdatedAt: base,
	}))

	// WHEN: Several callers promote the same customer at once
	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			promoted, err := s.PromoteToSold(ctx, "c1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if promoted {
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	// THEN: Exactly one of them performed the transition
	assert.Empty(t, errs)
	assert.Equal(t, 1, wins)
	got, err := s.GetCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, crm.CustomerSold, got.Status)
}

func testAudit(t *testing.T, s crm.Store) {
	ctx := context.Background()
	actions := []crm.AuditAction{crm.AuditQuoteCreated, crm.AuditQuoteStatus, crm.AuditCustomerPromoted}
	for i, a := range actions {
		require.NoError(t, s.AppendAudit(ctx, crm.AuditEntry{
			ID:        string(a),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			CompanyID: "co-1",
			ActorID:   "emp-1",
			Action:    a,
			QuoteID:   "q1",
			Customer:  "c1",
			Payload:   map[string]string{"n": string(rune('0' + i))},
		}))
	}
	require.NoError(t, s.AppendAudit(ctx, crm.AuditEntry{ID: "other", Timestamp: base, CompanyID: "co-2", Action: crm.AuditQuoteCreated}))

	res, err := s.QueryAudit(ctx, crm.AuditFilter{CompanyID: "co-1"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, crm.AuditCustomerPromoted, res[0].Action, "newest first")
	assert.Equal(t, "2", res[0].Payload["n"])
	assert.Equal(t, crm.EmployeeID("emp-1"), res[0].ActorID)
	assert.Equal(t, crm.CustomerID("c1"), res[0].Customer)

	res, _ = s.QueryAudit(ctx, crm.AuditFilter{CompanyID: "co-1", Actions: []crm.AuditAction{crm.AuditQuoteCreated, crm.AuditQuoteStatus}})
	assert.Len(t, res, 2)

	res, _ = s.QueryAudit(ctx, crm.AuditFilter{CompanyID: "co-1", Limit: 1})
	require.Len(t, res, 1)
	assert.Equal(t, crm.AuditCustomerPromoted, res[0].Action)
}
