package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"library-circulation/internal/logger"
)

// LibraryManager is the lending engine. It validates and applies catalog,
// membership and circulation operations against a Store, one transaction
// per operation.
type LibraryManager struct {
	store       Store
	locks       *Locker
	borrowLimit int
	fines       FinePolicy
	now         func() time.Time
	loc         *time.Location
	log         *logger.Logger
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

// WithBorrowLimit caps the number of open loans per member.
func WithBorrowLimit(n int) Option {
	return func(lm *LibraryManager) {
		if n > 0 {
			lm.borrowLimit = n
		}
	}
}

// WithFinePolicy sets the grace period and daily rate.
func WithFinePolicy(p FinePolicy) Option {
	return func(lm *LibraryManager) { lm.fines = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) { lm.now = now }
}

// WithLocation sets the time zone that decides what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(lm *LibraryManager) {
		if loc != nil {
			lm.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(lm *LibraryManager) {
		if l != nil {
			lm.log = l
		}
	}
}

// WithLocker shares a Locker between managers using the same store.
func WithLocker(l *Locker) Option {
	return func(lm *LibraryManager) {
		if l != nil {
			lm.locks = l
		}
	}
}

// NewLibraryManager wraps an open store. The manager owns the store from
// here on and closes it in Close.
func NewLibraryManager(store Store, opts ...Option) *LibraryManager {
	lm := &LibraryManager{
		store:       store,
		locks:       NewLocker(),
		borrowLimit: DefaultBorrowLimit,
		fines:       DefaultFinePolicy(),
		now:         time.Now,
		loc:         time.Local,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Close closes the underlying store.
func (lm *LibraryManager) Close() error { return lm.store.Close() }

// FinePolicy returns the policy used by ReturnBook and Overdue.
func (lm *LibraryManager) FinePolicy() FinePolicy { return lm.fines }

// Today is the current calendar date in the manager's location.
func (lm *LibraryManager) Today() civil.Date { return Today(lm.now(), lm.loc) }

// ------------------ Book helpers ------------------

// AddBook registers a title with copies copies, all available.
func (lm *LibraryManager) AddBook(ctx context.Context, id, title, author string, copies int) error {
	return lm.addBook(ctx, &Book{
		ID:              id,
		Title:           title,
		Author:          author,
		TotalCopies:     copies,
		AvailableCopies: copies,
		Active:          true,
	})
}

// AddDigitalBook registers an e-book title with a download link.
func (lm *LibraryManager) AddDigitalBook(ctx context.Context, id, title, author string, copies int, link string, downloadLimit int) error {
	return lm.addBook(ctx, &Book{
		ID:              id,
		Title:           title,
		Author:          author,
		TotalCopies:     copies,
		AvailableCopies: copies,
		Active:          true,
		Digital:         &Digital{Link: link, DownloadLimit: downloadLimit},
	})
}

func (lm *LibraryManager) addBook(ctx context.Context, b *Book) error {
	err := lm.update(ctx, []string{bookKey(b.ID)}, func(tx Tx) error {
		return tx.CreateBook(ctx, b)
	})
	if err != nil {
		lm.log.Debug("add book rejected", "book_id", b.ID, "error", err)
		return err
	}
	lm.log.Info("book added", "book_id", b.ID, "copies", b.TotalCopies, "digital", b.IsDigital())
	return nil
}

// RemoveBook deletes a title once every copy is back on the shelf.
func (lm *LibraryManager) RemoveBook(ctx context.Context, id string) error {
	err := lm.update(ctx, []string{bookKey(id)}, func(tx Tx) error {
		return tx.RemoveBook(ctx, id)
	})
	if err != nil {
		lm.log.Debug("remove book rejected", "book_id", id, "error", err)
		return err
	}
	lm.log.Info("book removed", "book_id", id)
	return nil
}

// SetBookActive withdraws a title from circulation or restores it.
func (lm *LibraryManager) SetBookActive(ctx context.Context, id string, active bool) error {
	err := lm.update(ctx, []string{bookKey(id)}, func(tx Tx) error {
		return tx.SetBookActive(ctx, id, active)
	})
	if err == nil {
		lm.log.Info("book status changed", "book_id", id, "active", active)
	}
	return err
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (*Book, error) {
	var b *Book
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		b, err = tx.FindBook(ctx, id)
		return err
	})
	return b, err
}

func (lm *LibraryManager) ListBooks(ctx context.Context) ([]*Book, error) {
	var books []*Book
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		books, err = tx.ListBooks(ctx)
		return err
	})
	return books, err
}

// SearchBooks returns books whose id, title or author contains q, ignoring case.
func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]*Book, error) {
	var books []*Book
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		books, err = tx.SearchBooks(ctx, q)
		return err
	})
	return books, err
}

// ------------------ Member helpers ------------------

// RegisterMember adds an active member.
func (lm *LibraryManager) RegisterMember(ctx context.Context, id, name, email, phone string) error {
	m := &Member{ID: id, Name: name, Email: email, Phone: phone, Active: true}
	err := lm.update(ctx, []string{memberKey(m.ID)}, func(tx Tx) error {
		return tx.RegisterMember(ctx, m)
	})
	if err != nil {
		lm.log.Debug("register member rejected", "member_id", m.ID, "error", err)
		return err
	}
	lm.log.Info("member registered", "member_id", m.ID)
	return nil
}

// RemoveMember deletes a member who holds no books.
func (lm *LibraryManager) RemoveMember(ctx context.Context, id string) error {
	err := lm.update(ctx, []string{memberKey(id)}, func(tx Tx) error {
		return tx.RemoveMember(ctx, id)
	})
	if err != nil {
		lm.log.Debug("remove member rejected", "member_id", id, "error", err)
		return err
	}
	lm.log.Info("member removed", "member_id", id)
	return nil
}

// SetMemberActive suspends or reinstates borrowing for a member.
func (lm *LibraryManager) SetMemberActive(ctx context.Context, id string, active bool) error {
	err := lm.update(ctx, []string{memberKey(id)}, func(tx Tx) error {
		return tx.SetMemberActive(ctx, id, active)
	})
	if err == nil {
		lm.log.Info("member status changed", "member_id", id, "active", active)
	}
	return err
}

func (lm *LibraryManager) GetMember(ctx context.Context, id string) (*Member, error) {
	var m *Member
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		m, err = tx.FindMember(ctx, id)
		return err
	})
	return m, err
}

func (lm *LibraryManager) ListMembers(ctx context.Context) ([]*Member, error) {
	var members []*Member
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		members, err = tx.ListMembers(ctx)
		return err
	})
	return members, err
}

// ------------------ Circulation ------------------

// IssueBook lends one copy of bookID to memberID, dated today.
func (lm *LibraryManager) IssueBook(ctx context.Context, memberID, bookID string) (*Issue, error) {
	today := lm.Today()
	var rec *LoanRecord
	err := lm.update(ctx, []string{memberKey(memberID), bookKey(bookID)}, func(tx Tx) error {
		m, err := tx.FindMember(ctx, memberID)
		if err != nil {
			return err
		}
		if !m.Active {
			return fmt.Errorf("%w: member %s", ErrMemberInactive, memberID)
		}
		b, err := tx.FindBook(ctx, bookID)
		if err != nil {
			return err
		}
		if !b.Active {
			return fmt.Errorf("%w: book %s", ErrBookInactive, bookID)
		}
		if b.AvailableCopies <= 0 {
			return fmt.Errorf("%w: book %s", ErrBookUnavailable, bookID)
		}
		n, err := tx.CountOpen(ctx, memberID)
		if err != nil {
			return err
		}
		if n >= lm.borrowLimit {
			return fmt.Errorf("%w: member %s holds %d of %d", ErrBorrowingCapExceeded, memberID, n, lm.borrowLimit)
		}
		if _, err := tx.FindOpenLoan(ctx, memberID, bookID); err == nil {
			return fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
		}
		if err := tx.AdjustAvailability(ctx, bookID, -1); err != nil {
			return err
		}
		rec, err = tx.OpenLoan(ctx, memberID, bookID, today)
		return err
	})
	if err != nil {
		lm.log.Debug("issue rejected", "member_id", memberID, "book_id", bookID, "error", err)
		return nil, err
	}

	issue := &Issue{Loan: rec, BorrowDate: today, DueDate: lm.fines.DueDate(today)}
	lm.log.Info("book issued",
		"member_id", memberID,
		"book_id", bookID,
		"record_id", rec.RecordID,
		"borrow_date", today.String(),
		"due_date", issue.DueDate.String(),
	)
	return issue, nil
}

// ReturnBook closes the member's open loan of bookID. An empty returnDate
// means today; otherwise it must be YYYY-MM-DD or DD/MM/YYYY.
func (lm *LibraryManager) ReturnBook(ctx context.Context, memberID, bookID, returnDate string) (*Return, error) {
	date := lm.Today()
	if strings.TrimSpace(returnDate) != "" {
		d, err := ParseDate(returnDate)
		if err != nil {
			return nil, err
		}
		date = d
	}

	var rec *LoanRecord
	err := lm.update(ctx, []string{memberKey(memberID), bookKey(bookID)}, func(tx Tx) error {
		if _, err := tx.FindMember(ctx, memberID); err != nil {
			return err
		}
		if _, err := tx.FindBook(ctx, bookID); err != nil {
			return err
		}
		var err error
		if rec, err = tx.CloseLoan(ctx, memberID, bookID, date); err != nil {
			return err
		}
		return tx.AdjustAvailability(ctx, bookID, +1)
	})
	if err != nil {
		lm.log.Debug("return rejected", "member_id", memberID, "book_id", bookID, "error", err)
		return nil, err
	}

	ret := &Return{
		Loan:       rec,
		ReturnDate: date,
		DaysOut:    DaysBetween(rec.BorrowDate, date),
		Fine:       lm.fines.Fine(rec.BorrowDate, date),
	}
	lm.log.Info("book returned",
		"member_id", memberID,
		"book_id", bookID,
		"record_id", rec.RecordID,
		"return_date", date.String(),
		"days_out", ret.DaysOut,
		"fine", ret.Fine,
	)
	return ret, nil
}

// ListOpenLoans returns the member's open loans in the order they were issued.
func (lm *LibraryManager) ListOpenLoans(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	var loans []*LoanRecord
	err := lm.store.View(ctx, func(tx Tx) error {
		if _, err := tx.FindMember(ctx, memberID); err != nil {
			return err
		}
		var err error
		loans, err = tx.ListOpen(ctx, memberID)
		return err
	})
	return loans, err
}

// LoanHistory returns every loan of the member, open and closed.
func (lm *LibraryManager) LoanHistory(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	var loans []*LoanRecord
	err := lm.store.View(ctx, func(tx Tx) error {
		if _, err := tx.FindMember(ctx, memberID); err != nil {
			return err
		}
		var err error
		loans, err = tx.ListLoans(ctx, memberID)
		return err
	})
	return loans, err
}

// Overdue lists open loans that are past the grace period on asOf, with
// the fine they would incur if returned that day.
func (lm *LibraryManager) Overdue(ctx context.Context, asOf civil.Date) ([]OverdueLoan, error) {
	var open []*LoanRecord
	err := lm.store.View(ctx, func(tx Tx) (err error) {
		open, err = tx.ListAllOpen(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	overdue := make([]OverdueLoan, 0)
	for _, l := range open {
		late := DaysBetween(l.BorrowDate, asOf) - lm.fines.GraceDays
		if late <= 0 {
			continue
		}
		overdue = append(overdue, OverdueLoan{
			Loan:        l,
			DaysOverdue: late,
			Fine:        lm.fines.Fine(l.BorrowDate, asOf),
		})
	}
	return overdue, nil
}

// Statistics counts titles, copies and members.
func (lm *LibraryManager) Statistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	err := lm.store.View(ctx, func(tx Tx) error {
		books, err := tx.ListBooks(ctx)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx)
		if err != nil {
			return err
		}
		stats.TitleCount = len(books)
		stats.MemberCount = len(members)
		for _, b := range books {
			stats.AvailableCopies += b.AvailableCopies
			stats.BorrowedCopies += b.Borrowed()
		}
		return nil
	})
	return stats, err
}

// update takes the fail-fast locks for keys and runs fn in one transaction.
func (lm *LibraryManager) update(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	release, err := lm.locks.TryLock(keys...)
	if err != nil {
		return err
	}
	defer release()
	return lm.store.Update(ctx, fn)
}
