package library

import "cloud.google.com/go/civil"

// Book represents a catalog title and the availability of its copies.
// AvailableCopies always stays within [0, TotalCopies].
type Book struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	Author          string   `json:"author" yaml:"author"`
	TotalCopies     int      `json:"total_copies" yaml:"copies"`
	AvailableCopies int      `json:"available_copies" yaml:"-"`
	Active          bool     `json:"active" yaml:"-"`
	Digital         *Digital `json:"digital,omitempty" yaml:"digital,omitempty"`
}

// Digital holds the extra attributes of an e-book title.
type Digital struct {
	Link          string `json:"link" yaml:"link"`
	DownloadLimit int    `json:"download_limit" yaml:"download_limit"`
}

// Borrowed returns the number of copies currently on loan.
func (b *Book) Borrowed() int { return b.TotalCopies - b.AvailableCopies }

// IsDigital reports whether the title carries a download link.
func (b *Book) IsDigital() bool { return b.Digital != nil }

// Member represents a registered library member.
type Member struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Email  string `json:"email" yaml:"email"`
	Phone  string `json:"phone" yaml:"phone"`
	Active bool   `json:"active" yaml:"-"`
}

// LoanRecord is one borrowing episode of one copy by one member.
// A record is created open and closed exactly once; it is never deleted.
type LoanRecord struct {
	RecordID   string      `json:"record_id"`
	MemberID   string      `json:"member_id"`
	BookID     string      `json:"book_id"`
	BorrowDate civil.Date  `json:"borrow_date"`
	ReturnDate *civil.Date `json:"return_date,omitempty"`
	Returned   bool        `json:"returned"`
}

// Open reports whether the loan has not been returned yet.
func (l *LoanRecord) Open() bool { return !l.Returned }

// Issue is the outcome of a successful IssueBook.
type Issue struct {
	Loan       *LoanRecord
	BorrowDate civil.Date
	DueDate    civil.Date
}

// Return is the outcome of a successful ReturnBook.
type Return struct {
	Loan       *LoanRecord
	ReturnDate civil.Date
	DaysOut    int
	Fine       float64
}

// OverdueLoan is an open loan past its grace period together with the fine
// it has accrued so far.
type OverdueLoan struct {
	Loan        *LoanRecord
	DaysOverdue int
	Fine        float64
}

// Statistics summarises the catalog and membership.
type Statistics struct {
	TitleCount      int `json:"title_count"`
	AvailableCopies int `json:"available_copies"`
	BorrowedCopies  int `json:"borrowed_copies"`
	MemberCount     int `json:"member_count"`
}
