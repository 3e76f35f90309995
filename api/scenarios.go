/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the caller's company with small data sets that show specific
  behaviors of the engine. Scenarios are additive: they never reset data
  and every record gets fresh ids.

AVAILABLE SCENARIOS:
  new-lead:          One New customer with a draft quote
  accepted-by-name:  Accepted quote linked by name only, written behind
                     the ledger's back; opening the customer reconciles it
  expiring-quotes:   Sent and draft quotes whose validity date has passed

USAGE VIA API:
  GET  /api/scenarios
  POST /api/scenarios/load
  {"scenario_id": "accepted-by-name"}

SEE ALSO:
  - handlers.go: CustomerQuotes (lazy reconciliation)
  - scheduler.go: ExpiryScheduler
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/crm-engine/crm"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists what a scenario created.
type LoadScenarioResponse struct {
	ScenarioID  string   `json:"scenario_id"`
	CustomerIDs []string `json:"customer_ids"`
	QuoteIDs    []string `json:"quote_ids"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "new-lead",
		Name:        "New Lead",
		Description: "A fresh lead with one draft quote",
	},
	{
		ID:          "accepted-by-name",
		Name:        "Accepted By Name",
		Description: "Accepted quote without customer id; the customer view promotes the lead",
	},
	{
		ID:          "expiring-quotes",
		Name:        "Expiring Quotes",
		Description: "Sent and draft quotes past their validity date",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a scenario into the caller's company.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !id.SeesWholeTenant() {
		writeError(w, http.StatusForbidden, "Scenarios require owner or manager role", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s := &scenarioLoader{h: h, company: id.CompanyID, employee: id.EmployeeID}
	var err error
	switch req.ScenarioID {
	case "new-lead":
		err = s.loadNewLead(r.Context())
	case "accepted-by-name":
		err = s.loadAcceptedByName(r.Context())
	case "expiring-quotes":
		err = s.loadExpiringQuotes(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		ScenarioID:  req.ScenarioID,
		CustomerIDs: s.customers,
		QuoteIDs:    s.quotes,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

type scenarioLoader struct {
	h        *Handler
	company  crm.CompanyID
	employee crm.EmployeeID

	customers []string
	quotes    []string
}

func (s *scenarioLoader) loadNewLead(ctx context.Context) error {
	c, err := s.customer(ctx, "Ayşe Demir", crm.CustomerNew)
	if err != nil {
		return err
	}
	_, err = s.quote(ctx, crm.QuoteInput{
		CustomerID:     c.ID,
		CustomerName:   c.CustomerName,
		ProductService: "Boiler maintenance",
		Price:          decimal.NewFromInt(1500),
	})
	return err
}

func (s *scenarioLoader) loadAcceptedByName(ctx context.Context) error {
	if _, err := s.customer(ctx, "Ahmet Yılmaz", crm.CustomerFollowingUp); err != nil {
		return err
	}

	// Written straight to the store, as an older client would have done,
	// so that no reconciliation has happened yet.
	now := s.h.Now().UTC()
	q := crm.Quote{
		ID:             crm.QuoteID(uuid.NewString()),
		CompanyID:      s.company,
		EmployeeID:     s.employee,
		CustomerName:   "  Ahmet   Yılmaz ",
		ProductService: "Air conditioning install",
		Price:          decimal.NewFromInt(1000),
		TaxRate:        crm.DefaultTaxRate,
		Status:         crm.QuoteAccepted,
		Attachments:    []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	crm.ApplyTotals(&q)
	if err := s.h.Ledger.Store.InsertQuote(ctx, q); err != nil {
		return &crm.PersistenceError{Op: "insert scenario quote", Err: err}
	}
	s.quotes = append(s.quotes, string(q.ID))
	return nil
}

func (s *scenarioLoader) loadExpiringQuotes(ctx context.Context) error {
	c, err := s.customer(ctx, "Mehmet Kaya", crm.CustomerContacted)
	if err != nil {
		return err
	}

	yesterday := crm.DateOf(s.h.Now()).AddDate(0, 0, -1)
	nextWeek := crm.DateOf(s.h.Now()).AddDate(0, 0, 7)
	sent := crm.QuoteSent

	inputs := []crm.QuoteInput{
		{ProductService: "Roof repair", Price: decimal.NewFromInt(4200), ValidityDate: &yesterday, Status: &sent},
		{ProductService: "Gutter cleaning", Price: decimal.NewFromInt(300), ValidityDate: &yesterday},
		{ProductService: "Chimney inspection", Price: decimal.NewFromInt(650), ValidityDate: &nextWeek, Status: &sent},
	}
	for _, in := range inputs {
		in.CustomerID = c.ID
		in.CustomerName = c.CustomerName
		if _, err := s.quote(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioLoader) customer(ctx context.Context, name string, status crm.CustomerStatus) (*crm.Customer, error) {
	now := s.h.Now().UTC()
	c := crm.Customer{
		ID:                 crm.CustomerID(uuid.NewString()),
		CompanyID:          s.company,
		CustomerName:       name,
		Status:             status,
		AssignedEmployeeID: s.employee,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.h.Customers.InsertCustomer(ctx, c); err != nil {
		return nil, &crm.PersistenceError{Op: "insert scenario customer", Err: err}
	}
	s.customers = append(s.customers, string(c.ID))
	return &c, nil
}

func (s *scenarioLoader) quote(ctx context.Context, in crm.QuoteInput) (*crm.Quote, error) {
	in.EmployeeID = s.employee
	q, err := s.h.Ledger.Create(ctx, s.company, in)
	if err != nil {
		return nil, err
	}
	s.quotes = append(s.quotes, string(q.ID))
	return q, nil
}
