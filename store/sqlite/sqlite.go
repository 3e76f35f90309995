/*
Package sqlite provides a SQLite-backed implementation of the crm storage interfaces.

PURPOSE:
  Implements crm.QuoteStore, crm.CustomerStore and crm.AuditLog with
  database/sql and go-sqlite3. Used for single-node deployments, local
  development and tests (":memory:").

KEY TABLES:
  quotes:     Quote records; decimals stored as TEXT, attachments as JSON
  customers:  Customer (lead) records
  audit_log:  Append-only domain events

NAME KEYS:
  Both quotes and customers carry customer_name_key = crm.NormalizeName(name).
  Name lookups compare against the key, never against the raw name, so
  whitespace and case differences do not matter.

CONDITIONAL PROMOTION:
  PromoteToSold is a single UPDATE ... WHERE status <> 'Sold'. The affected
  row count tells the caller whether this call did the promotion.

TIMESTAMPS:
  Stored as fixed-width UTC strings (timeLayout) so ORDER BY on the text
  column is chronological.

USAGE:
  store, err := sqlite.New("./data/crm.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := quotes.NewLedger(store)

SEE ALSO:
  - crm/store.go: Interface definitions
  - crm/store/memory.go: In-memory implementation
  - store/gormstore: Postgres implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldops/crm-engine/crm"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements crm.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ crm.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		employee_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT,
		customer_name TEXT NOT NULL,
		customer_name_key TEXT NOT NULL,
		product_service TEXT,
		description TEXT,
		notes TEXT,
		price TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		validity_date TEXT,
		status TEXT NOT NULL DEFAULT 'draft',
		attachments_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quotes_company_created
		ON quotes(company_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_quotes_customer
		ON quotes(company_id, customer_id) WHERE customer_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_quotes_employee
		ON quotes(company_id, employee_id);
	CREATE INDEX IF NOT EXISTS idx_quotes_validity
		ON quotes(validity_date, status) WHERE validity_date IS NOT NULL;

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		customer_name_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'New',
		phone TEXT,
		email TEXT,
		notes TEXT,
		assigned_employee_id TEXT,
		region TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_company_name
		ON customers(company_id, customer_name_key);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		quote_id TEXT,
		customer_id TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_company_created
		ON audit_log(company_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUOTE STORE (crm.QuoteStore interface)
// =============================================================================

const quoteColumns = `id, company_id, employee_id, customer_id, customer_name,
	product_service, description, notes, price, tax_rate, tax_amount, total_amount,
	validity_date, status, attachments_json, created_at, updated_at`

// InsertQuote adds a quote.
func (s *Store) InsertQuote(ctx context.Context, q crm.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachments, err := json.Marshal(nonNilStrings(q.Attachments))
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	query := `
		INSERT INTO quotes
		(id, company_id, employee_id, customer_id, customer_name, customer_name_key,
		 product_service, description, notes, price, tax_rate, tax_amount, total_amount,
		 validity_date, status, attachments_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		q.ID,
		q.CompanyID,
		q.EmployeeID,
		nullString(string(q.CustomerID)),
		q.CustomerName,
		crm.NormalizeName(q.CustomerName),
		q.ProductService,
		q.Description,
		q.Notes,
		q.Price.String(),
		q.TaxRate.String(),
		q.TaxAmount.String(),
		q.TotalAmount.String(),
		formatDate(q.ValidityDate),
		q.Status,
		string(attachments),
		formatTime(q.CreatedAt),
		formatTime(q.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}
	return nil
}

// GetQuote retrieves a quote by ID. Returns nil, nil when it doesn't exist.
func (s *Store) GetQuote(ctx context.Context, id crm.QuoteID) (*crm.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+quoteColumns+" FROM quotes WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query quote: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	q, err := scanQuote(rows)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// UpdateQuote overwrites the mutable fields of a quote.
func (s *Store) UpdateQuote(ctx context.Context, q crm.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachments, err := json.Marshal(nonNilStrings(q.Attachments))
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	query := `
		UPDATE quotes SET
			customer_id = ?, customer_name = ?, customer_name_key = ?,
			product_service = ?, description = ?, notes = ?,
			price = ?, tax_rate = ?, tax_amount = ?, total_amount = ?,
			validity_date = ?, status = ?, attachments_json = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		nullString(string(q.CustomerID)),
		q.CustomerName,
		crm.NormalizeName(q.CustomerName),
		q.ProductService,
		q.Description,
		q.Notes,
		q.Price.String(),
		q.TaxRate.String(),
		q.TaxAmount.String(),
		q.TotalAmount.String(),
		formatDate(q.ValidityDate),
		q.Status,
		string(attachments),
		formatTime(q.UpdatedAt),
		q.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update quote: %w", err)
	}
	return requireAffected(res, crm.ErrQuoteNotFound)
}

// DeleteQuote removes a quote.
func (s *Store) DeleteQuote(ctx context.Context, id crm.QuoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM quotes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete quote: %w", err)
	}
	return requireAffected(res, crm.ErrQuoteNotFound)
}

// FindQuotes returns quotes matching the filter, newest first.
func (s *Store) FindQuotes(ctx context.Context, f crm.QuoteFilter) ([]crm.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.NameContains != "" {
		where = append(where, `customer_name_key LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.NameContains)+"%")
	}
	if f.ValidBefore != nil {
		where = append(where, "validity_date IS NOT NULL AND validity_date < ?")
		args = append(args, f.ValidBefore.Format(crm.DateLayout))
	}

	query := "SELECT " + quoteColumns + " FROM quotes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var result []crm.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func scanQuote(rows *sql.Rows) (crm.Quote, error) {
	var (
		q               crm.Quote
		customerID      sql.NullString
		productService  sql.NullString
		description     sql.NullString
		notes           sql.NullString
		price           string
		taxRate         string
		taxAmount       string
		totalAmount     string
		validityDate    sql.NullString
		attachmentsJSON string
		createdAt       string
		updatedAt       string
	)

	err := rows.Scan(
		&q.ID, &q.CompanyID, &q.EmployeeID, &customerID, &q.CustomerName,
		&productService, &description, &notes,
		&price, &taxRate, &taxAmount, &totalAmount,
		&validityDate, &q.Status, &attachmentsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return q, fmt.Errorf("failed to scan quote: %w", err)
	}

	q.CustomerID = crm.CustomerID(customerID.String)
	q.ProductService = productService.String
	q.Description = description.String
	q.Notes = notes.String
	q.Price = crm.MustParseDecimal(price)
	q.TaxRate = crm.MustParseDecimal(taxRate)
	q.TaxAmount = crm.MustParseDecimal(taxAmount)
	q.TotalAmount = crm.MustParseDecimal(totalAmount)
	q.ValidityDate = parseDate(validityDate)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)

	q.Attachments = []string{}
	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &q.Attachments); err != nil {
			return q, fmt.Errorf("failed to decode attachments of quote %s: %w", q.ID, err)
		}
	}
	return q, nil
}

// =============================================================================
// CUSTOMER STORE (crm.CustomerStore interface)
// =============================================================================

const customerColumns = `id, company_id, customer_name, status, phone, email, notes,
	assigned_employee_id, region, created_at, updated_at`

// InsertCustomer adds a customer.
func (s *Store) InsertCustomer(ctx context.Context, c crm.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO customers
		(id, company_id, customer_name, customer_name_key, status, phone, email, notes,
		 assigned_employee_id, region, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CompanyID, c.CustomerName, crm.NormalizeName(c.CustomerName), c.Status,
		c.Phone, c.Email, c.Notes, nullString(string(c.AssignedEmployeeID)), c.Region,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID. Returns nil, nil when it doesn't exist.
func (s *Store) GetCustomer(ctx context.Context, id crm.CustomerID) (*crm.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanCustomer(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCustomer overwrites the mutable fields of a customer.
func (s *Store) UpdateCustomer(ctx context.Context, c crm.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE customers SET
			customer_name = ?, customer_name_key = ?, status = ?, phone = ?, email = ?,
			notes = ?, assigned_employee_id = ?, region = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		c.CustomerName, crm.NormalizeName(c.CustomerName), c.Status, c.Phone, c.Email,
		c.Notes, nullString(string(c.AssignedEmployeeID)), c.Region, formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	return requireAffected(res, crm.ErrCustomerNotFound)
}

// FindCustomers returns customers matching the filter, newest first.
func (s *Store) FindCustomers(ctx context.Context, f crm.CustomerFilter) ([]crm.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.NameKey != "" {
		where = append(where, "customer_name_key = ?")
		args = append(args, f.NameKey)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AssignedEmployeeID != "" {
		where = append(where, "assigned_employee_id = ?")
		args = append(args, f.AssignedEmployeeID)
	}

	query := "SELECT " + customerColumns + " FROM customers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var result []crm.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// PromoteToSold sets status to Sold unless it already is.
func (s *Store) PromoteToSold(ctx context.Context, id crm.CustomerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET status = ?, updated_at = ? WHERE id = ? AND status <> ?",
		crm.CustomerSold, formatTime(time.Now()), id, crm.CustomerSold,
	)
	if err != nil {
		return false, fmt.Errorf("failed to promote customer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanCustomer(rows *sql.Rows) (crm.Customer, error) {
	var (
		c          crm.Customer
		phone      sql.NullString
		email      sql.NullString
		notes      sql.NullString
		assignedTo sql.NullString
		region     sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := rows.Scan(
		&c.ID, &c.CompanyID, &c.CustomerName, &c.Status, &phone, &email, &notes,
		&assignedTo, &region, &createdAt, &updatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("failed to scan customer: %w", err)
	}

	c.Phone = phone.String
	c.Email = email.String
	c.Notes = notes.String
	c.AssignedEmployeeID = crm.EmployeeID(assignedTo.String)
	c.Region = region.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// AUDIT LOG (crm.AuditLog interface)
// =============================================================================

// AppendAudit records an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e crm.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(e.Payload)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, company_id, actor_id, action, quote_id, customer_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.CompanyID, nullString(string(e.ActorID)), e.Action,
		nullString(string(e.QuoteID)), nullString(string(e.Customer)),
		string(payloadJSON), formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns audit entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, f crm.AuditFilter) ([]crm.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.QuoteID != "" {
		where = append(where, "quote_id = ?")
		args = append(args, f.QuoteID)
	}
	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT id, company_id, actor_id, action, quote_id, customer_id, payload_json, created_at FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []crm.AuditEntry
	for rows.Next() {
		var (
			e           crm.AuditEntry
			actorID     sql.NullString
			quoteID     sql.NullString
			customerID  sql.NullString
			payloadJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, &e.CompanyID, &actorID, &e.Action, &quoteID, &customerID, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorID = crm.EmployeeID(actorID.String)
		e.QuoteID = crm.QuoteID(quoteID.String)
		e.Customer = crm.CustomerID(customerID.String)
		e.Timestamp = parseTime(createdAt)
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset deletes all data. Dev only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"quotes", "customers", "audit_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(crm.DateLayout), Valid: true}
}

func parseDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(crm.DateLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
