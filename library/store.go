package library

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"gorm.io/gorm"
)

// CatalogStore owns book records.
type CatalogStore interface {
	CreateBook(ctx context.Context, b *Book) error
	// RemoveBook fails with ErrHasOutstandingCopies while any copy is on loan.
	RemoveBook(ctx context.Context, id string) error
	FindBook(ctx context.Context, id string) (*Book, error)
	// SearchBooks matches id, title or author case-insensitively, in store order.
	SearchBooks(ctx context.Context, query string) ([]*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	// AdjustAvailability moves AvailableCopies by delta, failing with
	// ErrInvariantViolation if the result leaves [0, TotalCopies].
	AdjustAvailability(ctx context.Context, id string, delta int) error
	SetBookActive(ctx context.Context, id string, active bool) error
}

// MemberStore owns member records.
type MemberStore interface {
	RegisterMember(ctx context.Context, m *Member) error
	// RemoveMember fails with ErrHasOpenLoans while the member holds a book.
	RemoveMember(ctx context.Context, id string) error
	FindMember(ctx context.Context, id string) (*Member, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	SetMemberActive(ctx context.Context, id string, active bool) error
}

// LoanLedger is the append-only log of loan records.
type LoanLedger interface {
	// OpenLoan fails with ErrDuplicateOpenLoan if the pair already has an open record.
	OpenLoan(ctx context.Context, memberID, bookID string, borrowDate civil.Date) (*LoanRecord, error)
	// CloseLoan fails with ErrNoOpenLoan or, for a return before the borrow date, ErrInvalidDate.
	CloseLoan(ctx context.Context, memberID, bookID string, returnDate civil.Date) (*LoanRecord, error)
	FindOpenLoan(ctx context.Context, memberID, bookID string) (*LoanRecord, error)
	ListOpen(ctx context.Context, memberID string) ([]*LoanRecord, error)
	CountOpen(ctx context.Context, memberID string) (int, error)
	ListLoans(ctx context.Context, memberID string) ([]*LoanRecord, error)
	ListAllOpen(ctx context.Context) ([]*LoanRecord, error)
}

// Tx is the view of the three stores inside one transaction.
type Tx interface {
	CatalogStore
	MemberStore
	LoanLedger
}

// Store is a storage backend. Writes made inside Update are applied
// together or not at all.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendGormSQLite = "gorm-sqlite"
	BackendPostgres   = "postgres"
	BackendMySQL      = "mysql"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend     string
	Path        string
	PostgresDSN string
	MySQLDSN    string
	Debug       bool
}

// Open creates the backend named by cfg.Backend.
func Open(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite, "":
		db, err := NewDatabase(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendGormSQLite, BackendPostgres, BackendMySQL:
		var dialector gorm.Dialector
		switch cfg.Backend {
		case BackendGormSQLite:
			if err := ensureDir(cfg.Path); err != nil {
				return nil, err
			}
			dialector = GormSQLite(cfg.Path)
		case BackendPostgres:
			dialector = GormPostgres(cfg.PostgresDSN)
		case BackendMySQL:
			dialector = GormMySQL(cfg.MySQLDSN)
		}
		gs, err := NewGormStore(dialector, WithGormDebug(cfg.Debug))
		if err != nil {
			return nil, err
		}
		return gs, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidInput, cfg.Backend)
	}
}

func validateBook(b *Book) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("%w: book id is required", ErrInvalidInput)
	}
	if err := validateID("book", b.ID); err != nil {
		return err
	}
	if b.TotalCopies < 0 {
		return fmt.Errorf("%w: copies must not be negative", ErrInvalidInput)
	}
	if b.Digital != nil && b.Digital.DownloadLimit < 0 {
		return fmt.Errorf("%w: download limit must not be negative", ErrInvalidInput)
	}
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %s", ErrInvariantViolation, b.ID)
	}
	return nil
}

func validateMember(m *Member) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: member id is required", ErrInvalidInput)
	}
	return validateID("member", m.ID)
}

// validateID rejects ids with leading or trailing spaces; lookups match ids exactly.
func validateID(kind, id string) error {
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %s id %q has surrounding spaces", ErrInvalidInput, kind, id)
	}
	return nil
}
