package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

var errReadOnly = errors.New("write inside a read-only transaction")

// MemoryStore keeps the catalog, members and ledger in-process. Records are
// returned as copies and listed in insertion order.
type MemoryStore struct {
	mu          sync.RWMutex
	books       map[string]*Book
	bookOrder   []string
	members     map[string]*Member
	memberOrder []string
	loans       []*LoanRecord
	closed      bool
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]*Book),
		members: make(map[string]*Member),
	}
}

// Update runs fn under the write lock and undoes its writes if fn fails.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageUnavailable
	}
	tx := &memTx{s: m, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View runs fn under the read lock.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageUnavailable
	}
	return fn(&memTx{s: m})
}

// Close marks the store unusable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	s        *MemoryStore
	writable bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) write() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

// ------------------ Catalog ------------------

func (t *memTx) CreateBook(_ context.Context, b *Book) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateBook(b); err != nil {
		return err
	}
	if _, exists := t.s.books[b.ID]; exists {
		return fmt.Errorf("%w: book %s", ErrDuplicateID, b.ID)
	}
	t.s.books[b.ID] = copyBook(b)
	t.s.bookOrder = append(t.s.bookOrder, b.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.books, b.ID)
		t.s.bookOrder = t.s.bookOrder[:len(t.s.bookOrder)-1]
	})
	return nil
}

func (t *memTx) RemoveBook(_ context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	b, ok := t.s.books[id]
	if !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	if b.AvailableCopies != b.TotalCopies {
		return fmt.Errorf("%w: book %s", ErrHasOutstandingCopies, id)
	}
	prevOrder := append([]string(nil), t.s.bookOrder...)
	delete(t.s.books, id)
	t.s.bookOrder = without(t.s.bookOrder, id)
	t.undo = append(t.undo, func() {
		t.s.books[id] = b
		t.s.bookOrder = prevOrder
	})
	return nil
}

func (t *memTx) FindBook(_ context.Context, id string) (*Book, error) {
	b, ok := t.s.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	return copyBook(b), nil
}

func (t *memTx) SearchBooks(_ context.Context, query string) ([]*Book, error) {
	q := strings.ToLower(query)
	res := make([]*Book, 0)
	for _, id := range t.s.bookOrder {
		b := t.s.books[id]
		if strings.Contains(strings.ToLower(b.ID), q) ||
			strings.Contains(strings.ToLower(b.Title), q) ||
			strings.Contains(strings.ToLower(b.Author), q) {
			res = append(res, copyBook(b))
		}
	}
	return res, nil
}

func (t *memTx) ListBooks(_ context.Context) ([]*Book, error) {
	res := make([]*Book, 0, len(t.s.bookOrder))
	for _, id := range t.s.bookOrder {
		res = append(res, copyBook(t.s.books[id]))
	}
	return res, nil
}

func (t *memTx) AdjustAvailability(_ context.Context, id string, delta int) error {
	if err := t.write(); err != nil {
		return err
	}
	b, ok := t.s.books[id]
	if !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	next := b.AvailableCopies + delta
	if next < 0 || next > b.TotalCopies {
		return fmt.Errorf("%w: book %s would have %d of %d copies", ErrInvariantViolation, id, next, b.TotalCopies)
	}
	b.AvailableCopies = next
	t.undo = append(t.undo, func() { b.AvailableCopies -= delta })
	return nil
}

func (t *memTx) SetBookActive(_ context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	b, ok := t.s.books[id]
	if !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	prev := b.Active
	b.Active = active
	t.undo = append(t.undo, func() { b.Active = prev })
	return nil
}

// ------------------ Members ------------------

func (t *memTx) RegisterMember(_ context.Context, m *Member) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateMember(m); err != nil {
		return err
	}
	if _, exists := t.s.members[m.ID]; exists {
		return fmt.Errorf("%w: member %s", ErrDuplicateID, m.ID)
	}
	cp := *m
	t.s.members[m.ID] = &cp
	t.s.memberOrder = append(t.s.memberOrder, m.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.members, m.ID)
		t.s.memberOrder = t.s.memberOrder[:len(t.s.memberOrder)-1]
	})
	return nil
}

func (t *memTx) RemoveMember(ctx context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	m, ok := t.s.members[id]
	if !ok {
		return fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	if n, _ := t.CountOpen(ctx, id); n > 0 {
		return fmt.Errorf("%w: member %s has %d", ErrHasOpenLoans, id, n)
	}
	prevOrder := append([]string(nil), t.s.memberOrder...)
	delete(t.s.members, id)
	t.s.memberOrder = without(t.s.memberOrder, id)
	t.undo = append(t.undo, func() {
		t.s.members[id] = m
		t.s.memberOrder = prevOrder
	})
	return nil
}

func (t *memTx) FindMember(_ context.Context, id string) (*Member, error) {
	m, ok := t.s.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) ListMembers(_ context.Context) ([]*Member, error) {
	res := make([]*Member, 0, len(t.s.memberOrder))
	for _, id := range t.s.memberOrder {
		cp := *t.s.members[id]
		res = append(res, &cp)
	}
	return res, nil
}

func (t *memTx) SetMemberActive(_ context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	m, ok := t.s.members[id]
	if !ok {
		return fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	prev := m.Active
	m.Active = active
	t.undo = append(t.undo, func() { m.Active = prev })
	return nil
}

// ------------------ Ledger ------------------

func (t *memTx) OpenLoan(_ context.Context, memberID, bookID string, borrowDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	if t.openRecord(memberID, bookID) != nil {
		return nil, fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
	}
	rec := &LoanRecord{
		RecordID:   uuid.NewString(),
		MemberID:   memberID,
		BookID:     bookID,
		BorrowDate: borrowDate,
	}
	t.s.loans = append(t.s.loans, rec)
	t.undo = append(t.undo, func() { t.s.loans = t.s.loans[:len(t.s.loans)-1] })
	return copyLoan(rec), nil
}

func (t *memTx) CloseLoan(_ context.Context, memberID, bookID string, returnDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	rec := t.openRecord(memberID, bookID)
	if rec == nil {
		return nil, fmt.Errorf("%w: member %s book %s", ErrNoOpenLoan, memberID, bookID)
	}
	if returnDate.Before(rec.BorrowDate) {
		return nil, fmt.Errorf("%w: return %s precedes borrow %s", ErrInvalidDate, returnDate, rec.BorrowDate)
	}
	d := returnDate
	rec.ReturnDate = &d
	rec.Returned = true
	t.undo = append(t.undo, func() {
		rec.ReturnDate = nil
		rec.Returned = false
	})
	return copyLoan(rec), nil
}

func (t *memTx) FindOpenLoan(_ context.Context, memberID, bookID string) (*LoanRecord, error) {
	rec := t.openRecord(memberID, bookID)
	if rec == nil {
		return nil, fmt.Errorf("%w: member %s book %s", ErrNoOpenLoan, memberID, bookID)
	}
	return copyLoan(rec), nil
}

func (t *memTx) ListOpen(_ context.Context, memberID string) ([]*LoanRecord, error) {
	res := make([]*LoanRecord, 0)
	for _, rec := range t.s.loans {
		if rec.MemberID == memberID && rec.Open() {
			res = append(res, copyLoan(rec))
		}
	}
	return res, nil
}

func (t *memTx) CountOpen(_ context.Context, memberID string) (int, error) {
	n := 0
	for _, rec := range t.s.loans {
		if rec.MemberID == memberID && rec.Open() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListLoans(_ context.Context, memberID string) ([]*LoanRecord, error) {
	res := make([]*LoanRecord, 0)
	for _, rec := range t.s.loans {
		if rec.MemberID == memberID {
			res = append(res, copyLoan(rec))
		}
	}
	return res, nil
}

func (t *memTx) ListAllOpen(_ context.Context) ([]*LoanRecord, error) {
	res := make([]*LoanRecord, 0)
	for _, rec := range t.s.loans {
		if rec.Open() {
			res = append(res, copyLoan(rec))
		}
	}
	return res, nil
}

func (t *memTx) openRecord(memberID, bookID string) *LoanRecord {
	for _, rec := range t.s.loans {
		if rec.MemberID == memberID && rec.BookID == bookID && rec.Open() {
			return rec
		}
	}
	return nil
}

func copyBook(b *Book) *Book {
	cp := *b
	if b.Digital != nil {
		d := *b.Digital
		cp.Digital = &d
	}
	return &cp
}

func copyLoan(l *LoanRecord) *LoanRecord {
	cp := *l
	if l.ReturnDate != nil {
		d := *l.ReturnDate
		cp.ReturnDate = &d
	}
	return &cp
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, item := range ids {
		if item != id {
			out = append(out, item)
		}
	}
	return out
}
