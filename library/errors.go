package library

import "errors"

// Catalog and membership errors.
var (
	ErrDuplicateID          = errors.New("duplicate id")
	ErrNotFound             = errors.New("not found")
	ErrHasOutstandingCopies = errors.New("book has copies on loan")
	ErrHasOpenLoans         = errors.New("member has open loans")
	ErrInvariantViolation   = errors.New("availability out of bounds")
	ErrInvalidInput         = errors.New("invalid input")
)

// Lending errors.
var (
	ErrBookUnavailable      = errors.New("book is not available for borrowing")
	ErrBookInactive         = errors.New("book is inactive")
	ErrMemberInactive       = errors.New("member is inactive")
	ErrDuplicateOpenLoan    = errors.New("member already has this book on loan")
	ErrNoOpenLoan           = errors.New("member has not borrowed this book")
	ErrInvalidDate          = errors.New("invalid date")
	ErrBorrowingCapExceeded = errors.New("borrowing limit reached")
)

// Infrastructure errors. Both are safe to retry.
var (
	ErrBusy               = errors.New("resource busy")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var messages = []struct {
	err error
	msg string
}{
	{ErrDuplicateID, "A record with this ID already exists."},
	{ErrNotFound, "No record with this ID was found."},
	{ErrHasOutstandingCopies, "Cannot remove book. Some copies are currently borrowed."},
	{ErrHasOpenLoans, "Cannot remove member. The member still has borrowed books."},
	{ErrInvariantViolation, "Copy count would leave the allowed range."},
	{ErrBookUnavailable, "Book is not available for borrowing."},
	{ErrBookInactive, "Book has been withdrawn from circulation."},
	{ErrMemberInactive, "Member account is inactive."},
	{ErrDuplicateOpenLoan, "Member has already borrowed this book."},
	{ErrNoOpenLoan, "Member has not borrowed this book."},
	{ErrInvalidDate, "Invalid date. Use YYYY-MM-DD or DD/MM/YYYY."},
	{ErrBorrowingCapExceeded, "Member has reached the borrowing limit."},
	{ErrBusy, "The record is being changed by someone else. Try again."},
	{ErrStorageUnavailable, "The library database is unavailable."},
}

// Message returns the user-facing sentence for err. Errors outside the
// library taxonomy, and ErrInvalidInput whose detail is the message, fall
// back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}
