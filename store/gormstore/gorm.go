/*
Package gormstore implements the crm storage interfaces on GORM.

PURPOSE:
  Production deployments keep tenants in Postgres. This package maps the
  crm types to GORM models and runs AutoMigrate on open. Any GORM dialector
  works; tests use gorm.io/driver/sqlite in memory.

DIFFERENCES FROM store/sqlite:
  - Decimals are NUMERIC columns (shopspring/decimal implements Scanner/Valuer)
  - Attachments and audit payloads use GORM's JSON serializer
  - Schema comes from AutoMigrate rather than hand-written DDL

SEE ALSO:
  - crm/store.go: Interface definitions
  - store/sqlite/sqlite.go: database/sql implementation
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fieldops/crm-engine/crm"
)

// =============================================================================
// MODELS
// =============================================================================

type quoteRow struct {
	ID              string          `gorm:"primaryKey;size:64"`
	CompanyID       string          `gorm:"size:64;not null;index:idx_quotes_company_created,priority:1"`
	EmployeeID      string          `gorm:"size:64;not null;index"`
	CustomerID      *string         `gorm:"size:64;index"`
	CustomerName    string          `gorm:"not null"`
	CustomerNameKey string          `gorm:"not null;index"`
	ProductService  string
	Description     string
	Notes           string
	Price           decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	TaxRate         decimal.Decimal `gorm:"type:decimal(9,4);not null"`
	TaxAmount       decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	ValidityDate    *time.Time      `gorm:"type:date"`
	Status          string          `gorm:"size:16;not null"`
	Attachments     []string        `gorm:"type:text;serializer:json"`
	CreatedAt       time.Time       `gorm:"not null;index:idx_quotes_company_created,priority:2,sort:desc"`
	UpdatedAt       time.Time
}

func (quoteRow) TableName() string { return "quotes" }

type customerRow struct {
	ID                 string  `gorm:"primaryKey;size:64"`
	CompanyID          string  `gorm:"size:64;not null;index:idx_customers_company_name,priority:1"`
	CustomerName       string  `gorm:"not null"`
	CustomerNameKey    string  `gorm:"not null;index:idx_customers_company_name,priority:2"`
	Status             string  `gorm:"size:32;not null"`
	Phone              string
	Email              string
	Notes              string
	AssignedEmployeeID *string `gorm:"size:64"`
	Region             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (customerRow) TableName() string { return "customers" }

type auditRow struct {
	ID         string            `gorm:"primaryKey;size:64"`
	CompanyID  string            `gorm:"size:64;not null;index"`
	ActorID    string            `gorm:"size:64"`
	Action     string            `gorm:"size:32;not null"`
	QuoteID    string            `gorm:"size:64;index"`
	CustomerID string            `gorm:"size:64"`
	Payload    map[string]string `gorm:"type:text;serializer:json"`
	CreatedAt  time.Time         `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_log" }

// =============================================================================
// STORE
// =============================================================================

// Store implements crm.Store on a *gorm.DB.
type Store struct {
	db *gorm.DB
}

var _ crm.Store = (*Store)(nil)

// Open connects with the given dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db)
}

// OpenPostgres connects to Postgres with a key=value or URL DSN.
func OpenPostgres(dsn string) (*Store, error) {
	return Open(postgres.Open(dsn))
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&quoteRow{}, &customerRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// QUOTES
// =============================================================================

func (s *Store) InsertQuote(ctx context.Context, q crm.Quote) error {
	row := toQuoteRow(q)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}
	return nil
}

func (s *Store) GetQuote(ctx context.Context, id crm.QuoteID) (*crm.Quote, error) {
	var row quoteRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quote: %w", err)
	}
	q := fromQuoteRow(row)
	return &q, nil
}

func (s *Store) UpdateQuote(ctx context.Context, q crm.Quote) error {
	row := toQuoteRow(q)
	// Map updates bypass field serializers, so attachments are encoded here.
	attachments, err := json.Marshal(row.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&quoteRow{}).Where("id = ?", row.ID).Updates(map[string]any{
		"customer_id":       row.CustomerID,
		"customer_name":     row.CustomerName,
		"customer_name_key": row.CustomerNameKey,
		"product_service":   row.ProductService,
		"description":       row.Description,
		"notes":             row.Notes,
		"price":             row.Price,
		"tax_rate":          row.TaxRate,
		"tax_amount":        row.TaxAmount,
		"total_amount":      row.TotalAmount,
		"validity_date":     row.ValidityDate,
		"status":            row.Status,
		"attachments":       string(attachments),
		"updated_at":        row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update quote: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return crm.ErrQuoteNotFound
	}
	return nil
}

func (s *Store) DeleteQuote(ctx context.Context, id crm.QuoteID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&quoteRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete quote: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return crm.ErrQuoteNotFound
	}
	return nil
}

func (s *Store) FindQuotes(ctx context.Context, f crm.QuoteFilter) ([]crm.Quote, error) {
	tx := s.db.WithContext(ctx).Model(&quoteRow{})
	if f.CompanyID != "" {
		tx = tx.Where("company_id = ?", string(f.CompanyID))
	}
	if f.EmployeeID != "" {
		tx = tx.Where("employee_id = ?", string(f.EmployeeID))
	}
	if f.CustomerID != "" {
		tx = tx.Where("customer_id = ?", string(f.CustomerID))
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", string(f.Status))
	}
	if f.NameContains != "" {
		tx = tx.Where("customer_name_key LIKE ? ESCAPE '\\'", "%"+escapeLike(f.NameContains)+"%")
	}
	if f.ValidBefore != nil {
		tx = tx.Where("validity_date IS NOT NULL AND validity_date < ?", *f.ValidBefore)
	}

	var rows []quoteRow
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}

	result := make([]crm.Quote, 0, len(rows))
	for _, r := range rows {
		result = append(result, fromQuoteRow(r))
	}
	return result, nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) InsertCustomer(ctx context.Context, c crm.Customer) error {
	row := toCustomerRow(c)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id crm.CustomerID) (*crm.Customer, error) {
	var row customerRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query customer: %w", err)
	}
	c := fromCustomerRow(row)
	return &c, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c crm.Customer) error {
	row := toCustomerRow(c)
	res := s.db.WithContext(ctx).Model(&customerRow{}).Where("id = ?", row.ID).Updates(map[string]any{
		"customer_name":        row.CustomerName,
		"customer_name_key":    row.CustomerNameKey,
		"status":               row.Status,
		"phone":                row.Phone,
		"email":                row.Email,
		"notes":                row.Notes,
		"assigned_employee_id": row.AssignedEmployeeID,
		"region":               row.Region,
		"updated_at":           row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update customer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return crm.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) FindCustomers(ctx context.Context, f crm.CustomerFilter) ([]crm.Customer, error) {
	tx := s.db.WithContext(ctx).Model(&customerRow{})
	if f.CompanyID != "" {
		tx = tx.Where("company_id = ?", string(f.CompanyID))
	}
	if f.NameKey != "" {
		tx = tx.Where("customer_name_key = ?", f.NameKey)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", string(f.Status))
	}
	if f.AssignedEmployeeID != "" {
		tx = tx.Where("assigned_employee_id = ?", string(f.AssignedEmployeeID))
	}

	var rows []customerRow
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}

	result := make([]crm.Customer, 0, len(rows))
	for _, r := range rows {
		result = append(result, fromCustomerRow(r))
	}
	return result, nil
}

func (s *Store) PromoteToSold(ctx context.Context, id crm.CustomerID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&customerRow{}).
		Where("id = ? AND status <> ?", string(id), string(crm.CustomerSold)).
		Updates(map[string]any{
			"status":     string(crm.CustomerSold),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to promote customer: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e crm.AuditEntry) error {
	row := auditRow{
		ID:         e.ID,
		CompanyID:  string(e.CompanyID),
		ActorID:    string(e.ActorID),
		Action:     string(e.Action),
		QuoteID:    string(e.QuoteID),
		CustomerID: string(e.Customer),
		Payload:    e.Payload,
		CreatedAt:  e.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f crm.AuditFilter) ([]crm.AuditEntry, error) {
	tx := s.db.WithContext(ctx).Model(&auditRow{})
	if f.CompanyID != "" {
		tx = tx.Where("company_id = ?", string(f.CompanyID))
	}
	if f.QuoteID != "" {
		tx = tx.Where("quote_id = ?", string(f.QuoteID))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		tx = tx.Where("action IN ?", actions)
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}

	var rows []auditRow
	if err := tx.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	entries := make([]crm.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, crm.AuditEntry{
			ID:        r.ID,
			Timestamp: r.CreatedAt,
			CompanyID: crm.CompanyID(r.CompanyID),
			ActorID:   crm.EmployeeID(r.ActorID),
			Action:    crm.AuditAction(r.Action),
			QuoteID:   crm.QuoteID(r.QuoteID),
			Customer:  crm.CustomerID(r.CustomerID),
			Payload:   r.Payload,
		})
	}
	return entries, nil
}

// =============================================================================
// MAPPING
// =============================================================================

func toQuoteRow(q crm.Quote) quoteRow {
	attachments := q.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return quoteRow{
		ID:              string(q.ID),
		CompanyID:       string(q.CompanyID),
		EmployeeID:      string(q.EmployeeID),
		CustomerID:      optional(string(q.CustomerID)),
		CustomerName:    q.CustomerName,
		CustomerNameKey: crm.NormalizeName(q.CustomerName),
		ProductService:  q.ProductService,
		Description:     q.Description,
		Notes:           q.Notes,
		Price:           q.Price,
		TaxRate:         q.TaxRate,
		TaxAmount:       q.TaxAmount,
		TotalAmount:     q.TotalAmount,
		ValidityDate:    q.ValidityDate,
		Status:          string(q.Status),
		Attachments:     attachments,
		CreatedAt:       q.CreatedAt.UTC(),
		UpdatedAt:       q.UpdatedAt.UTC(),
	}
}

func fromQuoteRow(r quoteRow) crm.Quote {
	q := crm.Quote{
		ID:             crm.QuoteID(r.ID),
		CompanyID:      crm.CompanyID(r.CompanyID),
		EmployeeID:     crm.EmployeeID(r.EmployeeID),
		CustomerName:   r.CustomerName,
		ProductService: r.ProductService,
		Description:    r.Description,
		Notes:          r.Notes,
		Price:          r.Price,
		TaxRate:        r.TaxRate,
		TaxAmount:      r.TaxAmount,
		TotalAmount:    r.TotalAmount,
		Status:         crm.QuoteStatus(r.Status),
		Attachments:    r.Attachments,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.CustomerID != nil {
		q.CustomerID = crm.CustomerID(*r.CustomerID)
	}
	if r.ValidityDate != nil {
		d := crm.DateOf(*r.ValidityDate)
		q.ValidityDate = &d
	}
	if q.Attachments == nil {
		q.Attachments = []string{}
	}
	return q
}

func toCustomerRow(c crm.Customer) customerRow {
	return customerRow{
		ID:                 string(c.ID),
		CompanyID:          string(c.CompanyID),
		CustomerName:       c.CustomerName,
		CustomerNameKey:    crm.NormalizeName(c.CustomerName),
		Status:             string(c.Status),
		Phone:              c.Phone,
		Email:              c.Email,
		Notes:              c.Notes,
		AssignedEmployeeID: optional(string(c.AssignedEmployeeID)),
		Region:             c.Region,
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func fromCustomerRow(r customerRow) crm.Customer {
	c := crm.Customer{
		ID:           crm.CustomerID(r.ID),
		CompanyID:    crm.CompanyID(r.CompanyID),
		CustomerName: r.CustomerName,
		Status:       crm.CustomerStatus(r.Status),
		Phone:        r.Phone,
		Email:        r.Email,
		Notes:        r.Notes,
		Region:       r.Region,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.AssignedEmployeeID != nil {
		c.AssignedEmployeeID = crm.EmployeeID(*r.AssignedEmployeeID)
	}
	return c
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
