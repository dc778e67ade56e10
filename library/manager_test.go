package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(y int, m time.Month, d int) *fakeClock {
	return &fakeClock{now: time.Date(y, m, d, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(y int, m time.Month, d int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func newManagerOn(t *testing.T, s Store, clock *fakeClock, opts ...Option) *LibraryManager {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLocation(time.UTC)}, opts...)
	mgr := NewLibraryManager(s, opts...)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func newManager(t *testing.T, opts ...Option) (*LibraryManager, *fakeClock) {
	t.Helper()
	clock := newFakeClock(2025, time.January, 1)
	return newManagerOn(t, NewMemoryStore(), clock, opts...), clock
}

// forEachManager runs fn against a manager over every storage backend.
func forEachManager(t *testing.T, fn func(t *testing.T, mgr *LibraryManager, clock *fakeClock)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock(2025, time.January, 1)
			fn(t, newManagerOn(t, b.open(t), clock), clock)
		})
	}
}

func mustBook(t *testing.T, mgr *LibraryManager, id string) *Book {
	t.Helper()
	b, err := mgr.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestIssueThenReturnRestoresAvailability(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Frank Herbert", 2))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "ada@example.org", ""))

		issue, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)
		assert.Equal(t, date(2025, 1, 1), issue.BorrowDate)
		assert.Equal(t, date(2025, 1, 15), issue.DueDate)
		assert.Equal(t, 1, mustBook(t, mgr, "B1").AvailableCopies)

		ret, err := mgr.ReturnBook(ctx, "M1", "B1", "")
		require.NoError(t, err)
		assert.Equal(t, date(2025, 1, 1), ret.ReturnDate)
		assert.Zero(t, ret.DaysOut)
		assert.Zero(t, ret.Fine)
		assert.Equal(t, 2, mustBook(t, mgr, "B1").AvailableCopies)

		history, err := mgr.LoanHistory(ctx, "M1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].Returned)
		assert.Equal(t, issue.Loan.RecordID, history[0].RecordID)

		open, err := mgr.ListOpenLoans(ctx, "M1")
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}

func TestIssueUnavailableDoesNotMutate(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Emma", "Jane Austen", 1))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
		require.NoError(t, mgr.RegisterMember(ctx, "M2", "Alan", "", ""))

		_, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)

		_, err = mgr.IssueBook(ctx, "M2", "B1")
		assert.ErrorIs(t, err, ErrBookUnavailable)
		assert.Equal(t, "Book is not available for borrowing.", Message(err))

		assert.Equal(t, 0, mustBook(t, mgr, "B1").AvailableCopies)
		loans, err := mgr.LoanHistory(ctx, "M2")
		require.NoError(t, err)
		assert.Empty(t, loans)
	})
}

func TestIssueZeroCopyBook(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B0", "Reference Only", "Staff", 0))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

	_, err := mgr.IssueBook(ctx, "M1", "B0")
	assert.ErrorIs(t, err, ErrBookUnavailable)
}

func TestIssueDuplicateOpenLoan(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 3))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

		_, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)

		_, err = mgr.IssueBook(ctx, "M1", "B1")
		assert.ErrorIs(t, err, ErrDuplicateOpenLoan)
		assert.Equal(t, 2, mustBook(t, mgr, "B1").AvailableCopies)

		open, err := mgr.ListOpenLoans(ctx, "M1")
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestIssuePreconditions(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 3))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

	_, err := mgr.IssueBook(ctx, "M9", "B1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = mgr.IssueBook(ctx, "M1", "B9")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mgr.SetMemberActive(ctx, "M1", false))
	_, err = mgr.IssueBook(ctx, "M1", "B1")
	assert.ErrorIs(t, err, ErrMemberInactive)

	require.NoError(t, mgr.SetMemberActive(ctx, "M1", true))
	require.NoError(t, mgr.SetBookActive(ctx, "B1", false))
	_, err = mgr.IssueBook(ctx, "M1", "B1")
	assert.ErrorIs(t, err, ErrBookInactive)

	require.NoError(t, mgr.SetBookActive(ctx, "B1", true))
	_, err = mgr.IssueBook(ctx, "M1", "B1")
	assert.NoError(t, err)
	assert.Equal(t, 2, mustBook(t, mgr, "B1").AvailableCopies)
}

func TestBorrowingCap(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
	for i := 1; i <= DefaultBorrowLimit+1; i++ {
		require.NoError(t, mgr.AddBook(ctx, fmt.Sprintf("B%d", i), "Title", "Author", 1))
	}

	for i := 1; i <= DefaultBorrowLimit; i++ {
		_, err := mgr.IssueBook(ctx, "M1", fmt.Sprintf("B%d", i))
		require.NoError(t, err, "issue %d", i)
	}

	last := fmt.Sprintf("B%d", DefaultBorrowLimit+1)
	_, err := mgr.IssueBook(ctx, "M1", last)
	assert.ErrorIs(t, err, ErrBorrowingCapExceeded)
	assert.Equal(t, 1, mustBook(t, mgr, last).AvailableCopies)

	_, err = mgr.ReturnBook(ctx, "M1", "B1", "")
	require.NoError(t, err)
	_, err = mgr.IssueBook(ctx, "M1", last)
	assert.NoError(t, err)
}

func TestBorrowLimitOption(t *testing.T) {
	mgr, _ := newManager(t, WithBorrowLimit(1))
	ctx := context.Background()
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
	require.NoError(t, mgr.AddBook(ctx, "B1", "One", "A", 1))
	require.NoError(t, mgr.AddBook(ctx, "B2", "Two", "A", 1))

	_, err := mgr.IssueBook(ctx, "M1", "B1")
	require.NoError(t, err)
	_, err = mgr.IssueBook(ctx, "M1", "B2")
	assert.ErrorIs(t, err, ErrBorrowingCapExceeded)
}

func TestReturnComputesFine(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 2))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
		require.NoError(t, mgr.RegisterMember(ctx, "M2", "Alan", "", ""))

		_, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)
		_, err = mgr.IssueBook(ctx, "M2", "B1")
		require.NoError(t, err)

		ret, err := mgr.ReturnBook(ctx, "M1", "B1", "10/01/2025")
		require.NoError(t, err)
		assert.Equal(t, 9, ret.DaysOut)
		assert.Equal(t, 0.0, ret.Fine)

		ret, err = mgr.ReturnBook(ctx, "M2", "B1", "2025-01-20")
		require.NoError(t, err)
		assert.Equal(t, 19, ret.DaysOut)
		assert.Equal(t, 10.0, ret.Fine)
		require.NotNil(t, ret.Loan.ReturnDate)
		assert.Equal(t, date(2025, 1, 20), *ret.Loan.ReturnDate)
	})
}

func TestReturnDefaultsToToday(t *testing.T) {
	mgr, clock := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 1))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

	_, err := mgr.IssueBook(ctx, "M1", "B1")
	require.NoError(t, err)

	clock.Set(2025, time.February, 1)
	ret, err := mgr.ReturnBook(ctx, "M1", "B1", "  ")
	require.NoError(t, err)
	assert.Equal(t, date(2025, 2, 1), ret.ReturnDate)
	assert.Equal(t, 31, ret.DaysOut)
	assert.Equal(t, 34.0, ret.Fine)
}

func TestReturnErrors(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 1))
	require.NoError(t, mgr.AddBook(ctx, "B2", "Emma", "Austen", 1))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
	_, err := mgr.IssueBook(ctx, "M1", "B1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		member   string
		book     string
		date     string
		expected error
	}{
		{"malformed date", "M1", "B1", "2025/01/20", ErrInvalidDate},
		{"impossible date", "M1", "B1", "31/02/2025", ErrInvalidDate},
		{"before borrow date", "M1", "B1", "2024-12-31", ErrInvalidDate},
		{"unknown member", "M9", "B1", "", ErrNotFound},
		{"unknown book", "M1", "B9", "", ErrNotFound},
		{"not borrowed", "M1", "B2", "", ErrNoOpenLoan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ReturnBook(ctx, tt.member, tt.book, tt.date)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	assert.Equal(t, 0, mustBook(t, mgr, "B1").AvailableCopies)
	assert.Equal(t, 1, mustBook(t, mgr, "B2").AvailableCopies)
}

func TestRemoveGuards(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 2))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
		_, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)

		assert.ErrorIs(t, mgr.RemoveBook(ctx, "B1"), ErrHasOutstandingCopies)
		assert.ErrorIs(t, mgr.RemoveMember(ctx, "M1"), ErrHasOpenLoans)
		assert.ErrorIs(t, mgr.RemoveBook(ctx, "B9"), ErrNotFound)
		assert.ErrorIs(t, mgr.RemoveMember(ctx, "M9"), ErrNotFound)

		_, err = mgr.ReturnBook(ctx, "M1", "B1", "")
		require.NoError(t, err)

		require.NoError(t, mgr.RemoveBook(ctx, "B1"))
		require.NoError(t, mgr.RemoveMember(ctx, "M1"))

		_, err = mgr.GetBook(ctx, "B1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = mgr.GetMember(ctx, "M1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDuplicateMemberKeepsFirst(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "ada@example.org", "555-0101"))

		err := mgr.RegisterMember(ctx, "M1", "Impostor", "x@example.org", "")
		assert.ErrorIs(t, err, ErrDuplicateID)

		m, err := mgr.GetMember(ctx, "M1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", m.Name)
		assert.Equal(t, "ada@example.org", m.Email)
		assert.Equal(t, "555-0101", m.Phone)
		assert.True(t, m.Active)
	})
}

func TestAddBookValidation(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, mgr.AddBook(ctx, "", "Untitled", "Anon", 1), ErrInvalidInput)
	assert.ErrorIs(t, mgr.AddBook(ctx, "B1", "Negative", "Anon", -1), ErrInvalidInput)
	assert.ErrorIs(t, mgr.AddBook(ctx, "  B1 ", "Padded", "Anon", 1), ErrInvalidInput)
	assert.ErrorIs(t, mgr.RegisterMember(ctx, "M1 ", "Padded", "", ""), ErrInvalidInput)
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Anon", 1))
	assert.ErrorIs(t, mgr.AddBook(ctx, "B1", "Again", "Anon", 1), ErrDuplicateID)
	assert.ErrorIs(t, mgr.AddDigitalBook(ctx, "E2", "Carmilla", "Le Fanu", 1, "https://example.org/carmilla", -1), ErrInvalidInput)

	require.NoError(t, mgr.AddDigitalBook(ctx, "E1", "Dracula", "Stoker", 2, "https://example.org/dracula", 5))
	e := mustBook(t, mgr, "E1")
	require.True(t, e.IsDigital())
	assert.Equal(t, 5, e.Digital.DownloadLimit)
}

func TestStatistics(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 5))
		require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
		require.NoError(t, mgr.RegisterMember(ctx, "M2", "Alan", "", ""))

		_, err := mgr.IssueBook(ctx, "M1", "B1")
		require.NoError(t, err)
		_, err = mgr.IssueBook(ctx, "M2", "B1")
		require.NoError(t, err)

		stats, err := mgr.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, Statistics{TitleCount: 1, AvailableCopies: 3, BorrowedCopies: 2, MemberCount: 2}, stats)
	})
}

func TestSearchAndList(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "The Hobbit", "J.R.R. Tolkien", 1))
	require.NoError(t, mgr.AddBook(ctx, "B2", "Dune", "Frank Herbert", 1))

	res, err := mgr.SearchBooks(ctx, "HOBBIT")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "B1", res[0].ID)

	books, err := mgr.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 2)

	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
	members, err := mgr.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = mgr.ListOpenLoans(ctx, "M9")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.LoanHistory(ctx, "M9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverdue(t *testing.T) {
	mgr, clock := newManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))
	require.NoError(t, mgr.RegisterMember(ctx, "M2", "Alan", "", ""))
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 2))
	require.NoError(t, mgr.AddBook(ctx, "B2", "Emma", "Austen", 2))

	_, err := mgr.IssueBook(ctx, "M1", "B1") // 2025-01-01
	require.NoError(t, err)
	clock.Set(2025, time.January, 10)
	_, err = mgr.IssueBook(ctx, "M2", "B2")
	require.NoError(t, err)
	_, err = mgr.IssueBook(ctx, "M2", "B1")
	require.NoError(t, err)
	_, err = mgr.ReturnBook(ctx, "M2", "B1", "")
	require.NoError(t, err)

	overdue, err := mgr.Overdue(ctx, date(2025, 1, 15))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = mgr.Overdue(ctx, date(2025, 1, 20))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "M1", overdue[0].Loan.MemberID)
	assert.Equal(t, 5, overdue[0].DaysOverdue)
	assert.Equal(t, 10.0, overdue[0].Fine)

	overdue, err = mgr.Overdue(ctx, date(2025, 1, 30))
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "B1", overdue[0].Loan.BookID)
	assert.Equal(t, 15, overdue[0].DaysOverdue)
	assert.Equal(t, "B2", overdue[1].Loan.BookID)
	assert.Equal(t, 6, overdue[1].DaysOverdue)
	assert.Equal(t, 12.0, overdue[1].Fine)
}

func TestFinePolicyOption(t *testing.T) {
	mgr, _ := newManager(t, WithFinePolicy(FinePolicy{GraceDays: 7, RatePerDay: 0.5}))
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 1))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

	issue, err := mgr.IssueBook(ctx, "M1", "B1")
	require.NoError(t, err)
	assert.Equal(t, date(2025, 1, 8), issue.DueDate)

	ret, err := mgr.ReturnBook(ctx, "M1", "B1", "2025-01-11")
	require.NoError(t, err)
	assert.Equal(t, 1.5, ret.Fine)
}

func TestMutationFailsFastWhenBusy(t *testing.T) {
	locks := NewLocker()
	mgr, _ := newManager(t, WithLocker(locks))
	ctx := context.Background()
	require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", 1))
	require.NoError(t, mgr.RegisterMember(ctx, "M1", "Ada", "", ""))

	release, err := locks.TryLock(bookKey("B1"))
	require.NoError(t, err)

	_, err = mgr.IssueBook(ctx, "M1", "B1")
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, mgr.RemoveBook(ctx, "B1"), ErrBusy)
	assert.Equal(t, 1, mustBook(t, mgr, "B1").AvailableCopies)

	// reads never take the locks
	_, err = mgr.Statistics(ctx)
	assert.NoError(t, err)

	release()
	_, err = mgr.IssueBook(ctx, "M1", "B1")
	assert.NoError(t, err)
}

func TestConcurrentIssuesNeverOverlend(t *testing.T) {
	forEachManager(t, func(t *testing.T, mgr *LibraryManager, _ *fakeClock) {
		ctx := context.Background()
		const copies, borrowers = 3, 8
		require.NoError(t, mgr.AddBook(ctx, "B1", "Dune", "Herbert", copies))
		for i := 0; i < borrowers; i++ {
			require.NoError(t, mgr.RegisterMember(ctx, fmt.Sprintf("M%d", i), "Member", "", ""))
		}

		var (
			mu                  sync.Mutex
			issued, unavailable int
		)
		var g errgroup.Group
		for i := 0; i < borrowers; i++ {
			memberID := fmt.Sprintf("M%d", i)
			g.Go(func() error {
				err := Retry(ctx, func(ctx context.Context) error {
					_, err := mgr.IssueBook(ctx, memberID, "B1")
					return err
				}, WithMaxAttempts(50), WithBaseDelay(time.Millisecond), WithMaxDelay(20*time.Millisecond))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					issued++
				case errors.Is(err, ErrBookUnavailable):
					unavailable++
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, copies, issued)
		assert.Equal(t, borrowers-copies, unavailable)
		b := mustBook(t, mgr, "B1")
		assert.Equal(t, 0, b.AvailableCopies)

		stats, err := mgr.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, copies, stats.BorrowedCopies)
	})
}
