/*
handlers_test.go - HTTP tests for the quote, customer and audit endpoints

Tests for:
- Quote creation and totals
- Tenant isolation and employee ownership
- Acceptance promoting the customer
- Customer detail view reconciliation
- Audit access rules
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/crm/store"
	"github.com/fieldops/crm-engine/quotes"
	"github.com/fieldops/crm-engine/reconcile"
)

var (
	testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	owner    = crm.Identity{CompanyID: "co-1", EmployeeID: "boss", Role: crm.RoleOwner}
	alice    = crm.Identity{CompanyID: "co-1", EmployeeID: "alice", Role: crm.RoleEmployee}
	bob      = crm.Identity{CompanyID: "co-1", EmployeeID: "bob", Role: crm.RoleEmployee}
	outsider = crm.Identity{CompanyID: "co-2", EmployeeID: "eve", Role: crm.RoleOwner}
)

type testServer struct {
	t       *testing.T
	store   *store.Memory
	handler *Handler
	auth    *Authenticator
	router  *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := func() time.Time { return testNow }

	mem := store.NewMemory()
	ledger := quotes.NewLedger(mem)
	ledger.Now = now
	reconciler := reconcile.NewReconciler(mem, ledger)
	reconciler.Now = now
	ledger.OnAccepted = reconciler

	h := NewHandler(mem, ledger, reconciler)
	h.Now = now
	auth := NewAuthenticator("test-secret", time.Hour)
	auth.Now = now

	return &testServer{
		t:       t,
		store:   mem,
		handler: h,
		auth:    auth,
		router:  NewRouter(h, auth, []string{"http://localhost:5173"}),
	}
}

// do sends a request as the given identity and returns the recorder.
func (s *testServer) do(as crm.Identity, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as.CompanyID != "" {
		token, err := s.auth.IssueToken(as)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createQuote(as crm.Identity, body map[string]any) QuoteDTO {
	s.t.Helper()
	rec := s.do(as, http.MethodPost, "/api/quotes", body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[QuoteDTO](s.t, rec)
}

func (s *testServer) createCustomer(as crm.Identity, name, status string) CustomerDTO {
	s.t.Helper()
	rec := s.do(as, http.MethodPost, "/api/customers", map[string]any{"customer_name": name, "status": status})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CustomerDTO](s.t, rec)
}

// =============================================================================
// QUOTES
// =============================================================================

func TestCreateQuote_ComputesTotals(t *testing.T) {
	s := newTestServer(t)

	// GIVEN/WHEN: A quote priced 1000 with the default tax rate
	q := s.createQuote(alice, map[string]any{
		"customer_name":   "Ahmet Yılmaz",
		"product_service": "Air conditioning install",
		"price":           "1000",
		"validity_date":   "2025-07-01",
	})

	// THEN: Totals are derived server-side and the caller owns it
	assert.True(t, decimal.NewFromInt(200).Equal(q.TaxAmount), q.TaxAmount.String())
	assert.True(t, decimal.NewFromInt(1200).Equal(q.TotalAmount), q.TotalAmount.String())
	assert.Equal(t, "alice", q.EmployeeID)
	assert.Equal(t, "co-1", q.CompanyID)
	assert.Equal(t, "draft", q.Status)
	assert.Equal(t, "2025-07-01", q.ValidityDate)
	assert.NotEmpty(t, q.ID)
}

func TestCreateQuote_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"price": "10"}},
		{"negative price", map[string]any{"customer_name": "A", "price": "-1"}},
		{"bad date", map[string]any{"customer_name": "A", "price": "10", "validity_date": "01/07/2025"}},
		{"bad status", map[string]any{"customer_name": "A", "price": "10", "status": "approved"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(alice, http.MethodPost, "/api/quotes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateQuote_EmployeeCannotAssignOthers(t *testing.T) {
	s := newTestServer(t)

	// An employee naming someone else still owns the quote
	q := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10", "employee_id": "bob"})
	assert.Equal(t, "alice", q.EmployeeID)

	// A manager may create on behalf of an employee
	q = s.createQuote(owner, map[string]any{"customer_name": "A", "price": "10", "employee_id": "bob"})
	assert.Equal(t, "bob", q.EmployeeID)
}

func TestQuotes_EmployeeSeesOnlyOwn(t *testing.T) {
	s := newTestServer(t)
	mine := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10"})
	theirs := s.createQuote(bob, map[string]any{"customer_name": "B", "price": "20"})

	// WHEN: Alice lists quotes, even asking for Bob's
	rec := s.do(alice, http.MethodGet, "/api/quotes?employee_id=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]QuoteDTO](t, rec)

	// THEN: Only her own come back
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	// And Bob's quote is forbidden to her
	assert.Equal(t, http.StatusForbidden, s.do(alice, http.MethodGet, "/api/quotes/"+theirs.ID, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(alice, http.MethodDelete, "/api/quotes/"+theirs.ID, nil).Code)

	// The owner sees both
	rec = s.do(owner, http.MethodGet, "/api/quotes", nil)
	assert.Len(t, decode[[]QuoteDTO](t, rec), 2)
}

func TestQuotes_OtherTenantIsNotFound(t *testing.T) {
	s := newTestServer(t)
	q := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10"})

	assert.Equal(t, http.StatusNotFound, s.do(outsider, http.MethodGet, "/api/quotes/"+q.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(outsider, http.MethodPatch, "/api/quotes/"+q.ID, map[string]any{"notes": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(owner, http.MethodGet, "/api/quotes/does-not-exist", nil).Code)

	rec := s.do(outsider, http.MethodGet, "/api/quotes", nil)
	assert.Empty(t, decode[[]QuoteDTO](t, rec))
}

func TestUpdateQuote_IgnoresEmployeeAndRecomputes(t *testing.T) {
	s := newTestServer(t)
	q := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10", "validity_date": "2025-07-01"})

	// WHEN: Patching price, trying to reassign, and clearing the date
	rec := s.do(alice, http.MethodPatch, "/api/quotes/"+q.ID, map[string]any{
		"price":         "100",
		"employee_id":   "bob",
		"validity_date": "",
	})

	// THEN: Totals follow the new price and ownership is unchanged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[QuoteDTO](t, rec)
	assert.Equal(t, "alice", updated.EmployeeID)
	assert.True(t, decimal.NewFromInt(120).Equal(updated.TotalAmount))
	assert.Empty(t, updated.ValidityDate)
}

func TestUpdateQuoteStatus_AcceptPromotesCustomer(t *testing.T) {
	s := newTestServer(t)
	c := s.createCustomer(owner, "Ahmet Yılmaz", "Following-up")
	q := s.createQuote(alice, map[string]any{"customer_id": c.ID, "customer_name": c.CustomerName, "price": "1000"})

	// WHEN: Alice marks the quote accepted
	rec := s.do(alice, http.MethodPut, "/api/quotes/"+q.ID+"/status", map[string]any{"status": "accepted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decode[QuoteDTO](t, rec).Status)

	// THEN: The customer is Sold
	rec = s.do(owner, http.MethodGet, "/api/customers/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sold", decode[CustomerDTO](t, rec).Status)

	// And the audit trail records it
	rec = s.do(owner, http.MethodGet, "/api/audit?action="+string(crm.AuditCustomerPromoted), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AuditEntryDTO](t, rec), 1)
}

func TestUpdateQuoteStatus_Invalid(t *testing.T) {
	s := newTestServer(t)
	q := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10"})

	rec := s.do(alice, http.MethodPut, "/api/quotes/"+q.ID+"/status", map[string]any{"status": "won"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteQuote_LeavesCustomerStatus(t *testing.T) {
	s := newTestServer(t)
	c := s.createCustomer(owner, "Ahmet Yılmaz", "Contacted")
	q := s.createQuote(alice, map[string]any{"customer_id": c.ID, "customer_name": c.CustomerName, "price": "10", "status": "accepted"})

	rec := s.do(alice, http.MethodDelete, "/api/quotes/"+q.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(alice, http.MethodGet, "/api/quotes/"+q.ID, nil).Code)
	rec = s.do(owner, http.MethodGet, "/api/customers/"+c.ID, nil)
	assert.Equal(t, "Sold", decode[CustomerDTO](t, rec).Status)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestCustomers_CreateListAndEdit(t *testing.T) {
	s := newTestServer(t)
	c := s.createCustomer(owner, "  Ayşe Demir ", "")
	assert.Equal(t, "Ayşe Demir", c.CustomerName)
	assert.Equal(t, "New", c.Status)

	s.createCustomer(owner, "Mehmet Kaya", "Contacted")
	s.createCustomer(outsider, "Ayşe Demir", "")

	// Name lookup is normalized and tenant-scoped
	rec := s.do(owner, http.MethodGet, "/api/customers?name=AY%C5%9EE%20%20demir", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]CustomerDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	rec = s.do(owner, http.MethodGet, "/api/customers?status=Contacted", nil)
	assert.Len(t, decode[[]CustomerDTO](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, s.do(owner, http.MethodGet, "/api/customers?status=won", nil).Code)

	// A direct edit can move a customer anywhere, including out of Sold
	rec = s.do(owner, http.MethodPatch, "/api/customers/"+c.ID, map[string]any{"status": "Rejected", "phone": "555"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[CustomerDTO](t, rec)
	assert.Equal(t, "Rejected", edited.Status)
	assert.Equal(t, "555", edited.Phone)

	assert.Equal(t, http.StatusNotFound, s.do(outsider, http.MethodGet, "/api/customers/"+c.ID, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(owner, http.MethodPost, "/api/customers", map[string]any{"customer_name": "  "}).Code)
}

func TestCustomerQuotes_ReconcilesByName(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.createCustomer(owner, "Ahmet Yılmaz", "Following-up")

	// GIVEN: An accepted quote linked only by a differently spaced name,
	// written without going through the ledger
	q := crm.Quote{
		ID: "legacy-1", CompanyID: "co-1", EmployeeID: "alice", CustomerName: " ahmet  yılmaz",
		Price: decimal.NewFromInt(500), TaxRate: crm.DefaultTaxRate, Status: crm.QuoteAccepted,
		Attachments: []string{}, CreatedAt: testNow, UpdatedAt: testNow,
	}
	crm.ApplyTotals(&q)
	require.NoError(t, s.store.InsertQuote(ctx, q))
	s.createQuote(bob, map[string]any{"customer_id": c.ID, "customer_name": c.CustomerName, "price": "10"})

	// WHEN: The owner opens the customer
	rec := s.do(owner, http.MethodGet, "/api/customers/"+c.ID+"/quotes", nil)

	// THEN: Both quotes are shown and the customer is promoted
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[CustomerQuotesDTO](t, rec)
	assert.Len(t, view.Quotes, 2)
	assert.Equal(t, "Sold", view.Customer.Status)
	assert.Equal(t, []string{c.ID}, view.Reconciliation.Promoted)

	// Opening it again changes nothing
	rec = s.do(owner, http.MethodGet, "/api/customers/"+c.ID+"/quotes", nil)
	view = decode[CustomerQuotesDTO](t, rec)
	assert.Empty(t, view.Reconciliation.Promoted)
	assert.Equal(t, []string{c.ID}, view.Reconciliation.AlreadySold)

	// Employees only see their own quotes in the view
	rec = s.do(bob, http.MethodGet, "/api/customers/"+c.ID+"/quotes", nil)
	view = decode[CustomerQuotesDTO](t, rec)
	require.Len(t, view.Quotes, 1)
	assert.Equal(t, "bob", view.Quotes[0].EmployeeID)
}

// =============================================================================
// AUDIT, AUTH, HEALTH
// =============================================================================

func TestAudit_Access(t *testing.T) {
	s := newTestServer(t)
	q := s.createQuote(alice, map[string]any{"customer_name": "A", "price": "10"})
	s.createQuote(outsider, map[string]any{"customer_name": "A", "price": "10"})

	assert.Equal(t, http.StatusForbidden, s.do(alice, http.MethodGet, "/api/audit", nil).Code)

	rec := s.do(owner, http.MethodGet, "/api/audit?quote_id="+q.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, string(crm.AuditQuoteCreated), entries[0].Action)
	assert.Equal(t, "alice", entries[0].ActorID)

	assert.Equal(t, http.StatusBadRequest, s.do(owner, http.MethodGet, "/api/audit?limit=zero", nil).Code)
}

func TestAuth_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(crm.Identity{}, http.MethodGet, "/api/quotes", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/quotes", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(crm.Identity{}, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}
