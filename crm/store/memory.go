// Package store provides an in-memory crm.Store implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/fieldops/crm-engine/crm"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	quotes    map[crm.QuoteID]crm.Quote
	customers map[crm.CustomerID]crm.Customer
	audit     []crm.AuditEntry
}

var _ crm.Store = (*Memory)(nil)

var errDuplicateID = errors.New("duplicate id")

func NewMemory() *Memory {
	return &Memory{
		quotes:    make(map[crm.QuoteID]crm.Quote),
		customers: make(map[crm.CustomerID]crm.Customer),
	}
}

// =============================================================================
// QUOTES
// =============================================================================

func (m *Memory) InsertQuote(_ context.Context, q crm.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.quotes[q.ID]; exists {
		return &crm.PersistenceError{Op: "insert quote", Err: errDuplicateID}
	}
	m.quotes[q.ID] = cloneQuote(q)
	return nil
}

func (m *Memory) GetQuote(_ context.Context, id crm.QuoteID) (*crm.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotes[id]
	if !ok {
		return nil, nil
	}
	c := cloneQuote(q)
	return &c, nil
}

func (m *Memory) UpdateQuote(_ context.Context, q crm.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.quotes[q.ID]
	if !ok {
		return crm.ErrQuoteNotFound
	}
	q.CompanyID = existing.CompanyID
	q.EmployeeID = existing.EmployeeID
	q.CreatedAt = existing.CreatedAt
	m.quotes[q.ID] = cloneQuote(q)
	return nil
}

func (m *Memory) DeleteQuote(_ context.Context, id crm.QuoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quotes[id]; !ok {
		return crm.ErrQuoteNotFound
	}
	delete(m.quotes, id)
	return nil
}

func (m *Memory) FindQuotes(_ context.Context, f crm.QuoteFilter) ([]crm.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []crm.Quote
	for _, q := range m.quotes {
		if !quoteMatches(q, f) {
			continue
		}
		result = append(result, cloneQuote(q))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func quoteMatches(q crm.Quote, f crm.QuoteFilter) bool {
	if f.CompanyID != "" && q.CompanyID != f.CompanyID {
		return false
	}
	if f.EmployeeID != "" && q.EmployeeID != f.EmployeeID {
		return false
	}
	if f.CustomerID != "" && q.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && q.Status != f.Status {
		return false
	}
	if f.NameContains != "" && !strings.Contains(crm.NormalizeName(q.CustomerName), f.NameContains) {
		return false
	}
	if f.ValidBefore != nil && (q.ValidityDate == nil || !q.ValidityDate.Before(*f.ValidBefore)) {
		return false
	}
	return true
}

func cloneQuote(q crm.Quote) crm.Quote {
	if q.Attachments != nil {
		q.Attachments = append([]string{}, q.Attachments...)
	}
	if q.ValidityDate != nil {
		d := *q.ValidityDate
		q.ValidityDate = &d
	}
	return q
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) InsertCustomer(_ context.Context, c crm.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customers[c.ID]; exists {
		return &crm.PersistenceError{Op: "insert customer", Err: errDuplicateID}
	}
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id crm.CustomerID) (*crm.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) UpdateCustomer(_ context.Context, c crm.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.customers[c.ID]
	if !ok {
		return crm.ErrCustomerNotFound
	}
	c.CompanyID = existing.CompanyID
	c.CreatedAt = existing.CreatedAt
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) FindCustomers(_ context.Context, f crm.CustomerFilter) ([]crm.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []crm.Customer
	for _, c := range m.customers {
		if f.CompanyID != "" && c.CompanyID != f.CompanyID {
			continue
		}
		if f.NameKey != "" && crm.NormalizeName(c.CustomerName) != f.NameKey {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AssignedEmployeeID != "" && c.AssignedEmployeeID != f.AssignedEmployeeID {
			continue
		}
		result = append(result, c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) PromoteToSold(_ context.Context, id crm.CustomerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok || c.Status == crm.CustomerSold {
		return false, nil
	}
	c.Status = crm.CustomerSold
	m.customers[id] = c
	return true, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e crm.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f crm.AuditFilter) ([]crm.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []crm.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.CompanyID != "" && e.CompanyID != f.CompanyID {
			continue
		}
		if f.QuoteID != "" && e.QuoteID != f.QuoteID {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, e.Action) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func containsAction(actions []crm.AuditAction, a crm.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
