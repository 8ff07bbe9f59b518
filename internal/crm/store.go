// Package crm is the business backend exposed to the assistant: clients,
// products, quotes, invoices and an outbox of composed e-mails, all
// scoped by user.
package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill/internal/database"
)

var (
	// ErrNotFound is returned when an entity does not exist for the user.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a client with the same name exists.
	ErrDuplicate = errors.New("duplicate")
)

// Client is a customer record.
type Client struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	Address   string    `json:"address,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClientPatch holds the fields update_client may change. Nil fields are
// left untouched.
type ClientPatch struct {
	Name    *string
	Email   *string
	Phone   *string
	Company *string
	Address *string
	Notes   *string
}

// Empty reports whether p changes nothing.
func (p ClientPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil &&
		p.Company == nil && p.Address == nil && p.Notes == nil
}

// Product is a catalogue item.
type Product struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	UnitPrice float64   `json:"unitPrice"` // excluding VAT
	VATRate   float64   `json:"vatRate"`   // percent
	Unit      string    `json:"unit,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DocumentKind distinguishes quotes from invoices.
type DocumentKind string

const (
	KindQuote   DocumentKind = "quote"
	KindInvoice DocumentKind = "invoice"
)

// Prefix is the numbering prefix of k.
func (k DocumentKind) Prefix() string {
	if k == KindInvoice {
		return "F"
	}
	return "D"
}

// Line is one row of a document.
type Line struct {
	ProductID   string  `json:"productId,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	VATRate     float64 `json:"vatRate"`
}

// TotalHT is the line total excluding VAT.
func (l Line) TotalHT() float64 { return roundCents(l.Quantity * l.UnitPrice) }

// Document is a quote or an invoice. New documents are drafts.
type Document struct {
	ID        string       `json:"id"`
	UserID    string       `json:"-"`
	Kind      DocumentKind `json:"kind"`
	Number    string       `json:"number"`
	ClientID  string       `json:"clientId"`
	Status    string       `json:"status"`
	IssueDate time.Time    `json:"issueDate"`
	DueDate   time.Time    `json:"dueDate"`
	Lines     []Line       `json:"lines"`
	Notes     string       `json:"notes,omitempty"`
	TotalHT   float64      `json:"totalHT"`
	TotalVAT  float64      `json:"totalVAT"`
	TotalTTC  float64      `json:"totalTTC"`
}

// computeTotals fills the document totals from its lines.
func (d *Document) computeTotals() {
	var ht, vat float64
	for _, l := range d.Lines {
		lt := l.TotalHT()
		ht += lt
		vat += roundCents(lt * l.VATRate / 100)
	}
	d.TotalHT = roundCents(ht)
	d.TotalVAT = roundCents(vat)
	d.TotalTTC = roundCents(d.TotalHT + d.TotalVAT)
}

// OutboxEmail is a composed message waiting for delivery.
type OutboxEmail struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	ClientID  string    `json:"clientId,omitempty"`
	MessageID string    `json:"messageId"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Raw       []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists CRM entities.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the store on an open database handle.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate crm schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crm_clients (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		email      TEXT NOT NULL DEFAULT '',
		phone      TEXT NOT NULL DEFAULT '',
		company    TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL DEFAULT '',
		notes      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_crm_clients_name ON crm_clients(user_id, name COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS crm_products (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		unit_price REAL NOT NULL,
		vat_rate   REAL NOT NULL,
		unit       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crm_documents (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		number     TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		due_date   TEXT NOT NULL,
		notes      TEXT NOT NULL DEFAULT '',
		total_ht   REAL NOT NULL,
		total_vat  REAL NOT NULL,
		total_ttc  REAL NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (user_id, kind, number)
	);

	CREATE TABLE IF NOT EXISTS crm_document_lines (
		document_id TEXT NOT NULL,
		position    INTEGER NOT NULL,
		product_id  TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		quantity    REAL NOT NULL,
		unit_price  REAL NOT NULL,
		vat_rate    REAL NOT NULL,
		PRIMARY KEY (document_id, position)
	);

	CREATE TABLE IF NOT EXISTS crm_outbox (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		client_id  TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		subject    TEXT NOT NULL,
		raw        BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate ID: %w", err)
	}
	return id.String(), nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(database.TimeLayout, s)
	return t
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// SearchClients returns up to limit clients whose name, company or
// e-mail contains query, case-insensitively.
func (s *Store) SearchClients(ctx context.Context, userID, query string, limit int) ([]Client, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, email, phone, company, address, notes, created_at, updated_at
		 FROM crm_clients
		 WHERE user_id = ? AND (LOWER(name) LIKE ? OR LOWER(company) LIKE ? OR LOWER(email) LIKE ?)
		 ORDER BY name COLLATE NOCASE
		 LIMIT ?`,
		userID, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*Client, error) {
	var c Client
	var created, updated string
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Phone, &c.Company,
		&c.Address, &c.Notes, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// CreateClient inserts c. A client with the same name (ignoring case)
// yields ErrDuplicate.
func (s *Store) CreateClient(ctx context.Context, c Client) (*Client, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crm_clients (id, user_id, name, email, phone, company, address, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Email, c.Phone, c.Company, c.Address, c.Notes,
		now.Format(database.TimeLayout), now.Format(database.TimeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create client: %w", err)
	}
	return &c, nil
}

// GetClient returns one of the user's clients.
func (s *Store) GetClient(ctx context.Context, userID, id string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, email, phone, company, address, notes, created_at, updated_at
		 FROM crm_clients WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", id, err)
	}
	return c, nil
}

// UpdateClient applies p to the client and returns the new state.
func (s *Store) UpdateClient(ctx context.Context, userID, id string, p ClientPatch) (*Client, error) {
	c, err := s.GetClient(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&c.Name, p.Name)
	set(&c.Email, p.Email)
	set(&c.Phone, p.Phone)
	set(&c.Company, p.Company)
	set(&c.Address, p.Address)
	set(&c.Notes, p.Notes)
	c.UpdatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE crm_clients
		 SET name = ?, email = ?, phone = ?, company = ?, address = ?, notes = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		c.Name, c.Email, c.Phone, c.Company, c.Address, c.Notes,
		c.UpdatedAt.Format(database.TimeLayout), id, userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("update client %s: %w", id, err)
	}
	return c, nil
}

// CreateProduct inserts p.
func (s *Store) CreateProduct(ctx context.Context, p Product) (*Product, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	p.ID, p.CreatedAt = id, s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crm_products (id, user_id, name, unit_price, vat_rate, unit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.UnitPrice, p.VATRate, p.Unit, p.CreatedAt.Format(database.TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	return &p, nil
}

// GetProduct returns one of the user's products.
func (s *Store) GetProduct(ctx context.Context, userID, id string) (*Product, error) {
	var p Product
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, unit_price, vat_rate, unit, created_at
		 FROM crm_products WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.UnitPrice, &p.VATRate, &p.Unit, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// CreateDocument numbers d within its kind and year, computes totals and
// inserts it with its lines in one transaction.
func (s *Store) CreateDocument(ctx context.Context, d Document) (*Document, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	d.ID = id
	d.Status = "draft"
	if d.IssueDate.IsZero() {
		d.IssueDate = now
	}
	if d.DueDate.IsZero() {
		d.DueDate = d.IssueDate
	}
	d.computeTotals()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin document: %w", err)
	}
	defer tx.Rollback()

	prefix := fmt.Sprintf("%s-%d-", d.Kind.Prefix(), d.IssueDate.Year())
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crm_documents WHERE user_id = ? AND kind = ? AND number LIKE ?`,
		d.UserID, d.Kind, prefix+"%",
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("number document: %w", err)
	}
	d.Number = fmt.Sprintf("%s%04d", prefix, count+1)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO crm_documents (id, user_id, kind, number, client_id, status, issue_date, due_date,
		                            notes, total_ht, total_vat, total_ttc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Kind, d.Number, d.ClientID, d.Status,
		d.IssueDate.Format(time.DateOnly), d.DueDate.Format(time.DateOnly),
		d.Notes, d.TotalHT, d.TotalVAT, d.TotalTTC, now.Format(database.TimeLayout),
	); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	for i, l := range d.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crm_document_lines (document_id, position, product_id, description, quantity, unit_price, vat_rate)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, i, l.ProductID, l.Description, l.Quantity, l.UnitPrice, l.VATRate,
		); err != nil {
			return nil, fmt.Errorf("insert document line %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit document: %w", err)
	}
	return &d, nil
}

// GetDocument returns a document with its lines.
func (s *Store) GetDocument(ctx context.Context, userID, id string) (*Document, error) {
	var d Document
	var issue, due string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, number, client_id, status, issue_date, due_date, notes,
		        total_ht, total_vat, total_ttc
		 FROM crm_documents WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&d.ID, &d.UserID, &d.Kind, &d.Number, &d.ClientID, &d.Status, &issue, &due, &d.Notes,
		&d.TotalHT, &d.TotalVAT, &d.TotalTTC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	d.IssueDate, _ = time.Parse(time.DateOnly, issue)
	d.DueDate, _ = time.Parse(time.DateOnly, due)

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, description, quantity, unit_price, vat_rate
		 FROM crm_document_lines WHERE document_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get document lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.Description, &l.Quantity, &l.UnitPrice, &l.VATRate); err != nil {
			return nil, err
		}
		d.Lines = append(d.Lines, l)
	}
	return &d, rows.Err()
}

// QueueEmail stores a composed message in the outbox.
func (s *Store) QueueEmail(ctx context.Context, e OutboxEmail) (*OutboxEmail, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	e.ID, e.CreatedAt = id, s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crm_outbox (id, user_id, client_id, message_id, recipient, subject, raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ClientID, e.MessageID, e.To, e.Subject, e.Raw, e.CreatedAt.Format(database.TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("queue email: %w", err)
	}
	return &e, nil
}

// Outbox lists the user's queued e-mails, oldest first.
func (s *Store) Outbox(ctx context.Context, userID string) ([]OutboxEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, client_id, message_id, recipient, subject, raw, created_at
		 FROM crm_outbox WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEmail
	for rows.Next() {
		var e OutboxEmail
		var created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ClientID, &e.MessageID, &e.To, &e.Subject, &e.Raw, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// isUniqueViolation matches the constraint error text of both sqlite
// drivers.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
