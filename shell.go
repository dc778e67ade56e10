package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive library console (the default when no command is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(os.Stdin))
		},
	}
}

// console reads one command per line. Prompts are only written when a
// person is typing, so piped scripts produce clean output.
type console struct {
	ctx         context.Context
	mgr         *library.LibraryManager
	sc          *bufio.Scanner
	out         io.Writer
	interactive bool
}

func runShell(ctx context.Context, a *app, in io.Reader, out io.Writer, interactive bool) error {
	c := &console{ctx: ctx, mgr: a.mgr, sc: bufio.NewScanner(in), out: out, interactive: interactive}

	if interactive {
		fmt.Fprintln(out, "Welcome to the Library Circulation System!")
		printHelp(out)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if interactive {
			fmt.Fprint(out, "\n> ")
		}
		if !c.sc.Scan() {
			return c.sc.Err()
		}
		cmd := strings.TrimSpace(c.sc.Text())

		switch cmd {
		case "":
		case "add book":
			c.handleAddBook(false)
		case "add digital":
			c.handleAddBook(true)
		case "remove book":
			c.handleRemoveBook()
		case "list books":
			c.handleListBooks()
		case "search book":
			c.handleSearchBooks()
		case "add member":
			c.handleAddMember()
		case "remove member":
			c.handleRemoveMember()
		case "list members":
			c.handleListMembers()
		case "activate", "deactivate":
			c.handleSetActive(cmd == "activate")
		case "issue":
			c.handleIssue()
		case "return":
			c.handleReturn()
		case "loans":
			c.handleLoans(false)
		case "history":
			c.handleLoans(true)
		case "overdue":
			c.handleOverdue()
		case "stats":
			c.handleStats()
		case "help":
			printHelp(out)
		case "exit", "quit":
			if interactive {
				fmt.Fprintln(out, "Goodbye!")
			}
			return nil
		default:
			fmt.Fprintln(out, "Unknown command. Type 'help' to see the available commands.")
		}
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out, "  Books: add book, add digital, remove book, list books, search book")
	fmt.Fprintln(out, "  Members: add member, remove member, list members")
	fmt.Fprintln(out, "  Circulation: issue, return, loans, history, overdue")
	fmt.Fprintln(out, "  Admin: activate, deactivate, stats")
	fmt.Fprintln(out, "  System: help, exit")
}

// ask prompts for one line of input. ok is false once input runs out.
func (c *console) ask(label string) (string, bool) {
	if c.interactive {
		fmt.Fprintf(c.out, "%s: ", label)
	}
	if !c.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.sc.Text()), true
}

func (c *console) askAll(labels ...string) ([]string, bool) {
	values := make([]string, len(labels))
	for i, label := range labels {
		v, ok := c.ask(label)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func (c *console) failed(err error) bool {
	if err == nil {
		return false
	}
	fmt.Fprintf(c.out, "Error: %s\n", library.Message(err))
	return true
}

func (c *console) mutate(fn func(ctx context.Context) error) error {
	return mutate(c.ctx, fn)
}

func (c *console) handleAddBook(digital bool) {
	labels := []string{"Book ID", "Title", "Author", "Copies"}
	if digital {
		labels = append(labels, "Download link", "Download limit (blank for none)")
	}
	v, ok := c.askAll(labels...)
	if !ok {
		return
	}
	copies, err := parseCopies(v[3])
	if c.failed(err) {
		return
	}
	limit := 0
	if digital {
		if limit, err = parseDownloadLimit(v[5]); c.failed(err) {
			return
		}
	}
	err = c.mutate(func(ctx context.Context) error {
		if digital {
			return c.mgr.AddDigitalBook(ctx, v[0], v[1], v[2], copies, v[4], limit)
		}
		return c.mgr.AddBook(ctx, v[0], v[1], v[2], copies)
	})
	if c.failed(err) {
		return
	}
	fmt.Fprintf(c.out, "Added book %s with %d copies.\n", v[0], copies)
}

func (c *console) handleRemoveBook() {
	id, ok := c.ask("Book ID")
	if !ok {
		return
	}
	if c.failed(c.mutate(func(ctx context.Context) error { return c.mgr.RemoveBook(ctx, id) })) {
		return
	}
	fmt.Fprintf(c.out, "Removed book %s.\n", id)
}

func (c *console) handleListBooks() {
	books, err := c.mgr.ListBooks(c.ctx)
	if c.failed(err) {
		return
	}
	printBooks(c.out, books, "No books in library.")
}

func (c *console) handleSearchBooks() {
	query, ok := c.ask("Query")
	if !ok {
		return
	}
	books, err := c.mgr.SearchBooks(c.ctx, query)
	if c.failed(err) {
		return
	}
	printBooks(c.out, books, fmt.Sprintf("No books found matching '%s'.", query))
}

func (c *console) handleAddMember() {
	v, ok := c.askAll("Member ID", "Name", "Email (optional)", "Phone (optional)")
	if !ok {
		return
	}
	err := c.mutate(func(ctx context.Context) error {
		return c.mgr.RegisterMember(ctx, v[0], v[1], v[2], v[3])
	})
	if c.failed(err) {
		return
	}
	fmt.Fprintf(c.out, "Registered member '%s' with ID %s.\n", v[1], v[0])
}

func (c *console) handleRemoveMember() {
	id, ok := c.ask("Member ID")
	if !ok {
		return
	}
	if c.failed(c.mutate(func(ctx context.Context) error { return c.mgr.RemoveMember(ctx, id) })) {
		return
	}
	fmt.Fprintf(c.out, "Removed member %s.\n", id)
}

func (c *console) handleListMembers() {
	members, err := c.mgr.ListMembers(c.ctx)
	if c.failed(err) {
		return
	}
	printMembers(c.out, members)
}

func (c *console) handleSetActive(active bool) {
	v, ok := c.askAll("book or member", "ID")
	if !ok {
		return
	}
	kind, id := strings.ToLower(v[0]), v[1]
	err := c.mutate(func(ctx context.Context) error {
		switch kind {
		case "book":
			return c.mgr.SetBookActive(ctx, id, active)
		case "member":
			return c.mgr.SetMemberActive(ctx, id, active)
		default:
			return fmt.Errorf("%w: expected 'book' or 'member', got %q", library.ErrInvalidInput, kind)
		}
	})
	if c.failed(err) {
		return
	}
	fmt.Fprintf(c.out, "%s %s is now %s.\n", kind, id, activeLabel(active))
}

func (c *console) handleIssue() {
	v, ok := c.askAll("Member ID", "Book ID")
	if !ok {
		return
	}
	var issue *library.Issue
	err := c.mutate(func(ctx context.Context) (err error) {
		issue, err = c.mgr.IssueBook(ctx, v[0], v[1])
		return err
	})
	if c.failed(err) {
		return
	}
	printIssue(c.out, issue)
}

func (c *console) handleReturn() {
	v, ok := c.askAll("Member ID", "Book ID", "Return date (YYYY-MM-DD or DD/MM/YYYY, blank for today)")
	if !ok {
		return
	}
	var ret *library.Return
	err := c.mutate(func(ctx context.Context) (err error) {
		ret, err = c.mgr.ReturnBook(ctx, v[0], v[1], v[2])
		return err
	})
	if c.failed(err) {
		return
	}
	printReturn(c.out, ret)
}

func (c *console) handleLoans(history bool) {
	id, ok := c.ask("Member ID")
	if !ok {
		return
	}
	var (
		loans []*library.LoanRecord
		err   error
		empty string
	)
	if history {
		loans, err = c.mgr.LoanHistory(c.ctx, id)
		empty = fmt.Sprintf("Member %s has never borrowed a book.", id)
	} else {
		loans, err = c.mgr.ListOpenLoans(c.ctx, id)
		empty = fmt.Sprintf("Member %s has no books on loan.", id)
	}
	if c.failed(err) {
		return
	}
	printLoans(c.out, loans, c.mgr.FinePolicy(), empty)
}

func (c *console) handleOverdue() {
	raw, ok := c.ask("As of (YYYY-MM-DD or DD/MM/YYYY, blank for today)")
	if !ok {
		return
	}
	date := c.mgr.Today()
	if raw != "" {
		d, err := library.ParseDate(raw)
		if c.failed(err) {
			return
		}
		date = d
	}
	overdue, err := c.mgr.Overdue(c.ctx, date)
	if c.failed(err) {
		return
	}
	printOverdue(c.out, date.String(), overdue)
}

func (c *console) handleStats() {
	stats, err := c.mgr.Statistics(c.ctx)
	if c.failed(err) {
		return
	}
	printStats(c.out, stats)
}

// ------------------ Output ------------------

func printBooks(w io.Writer, books []*library.Book, empty string) {
	if len(books) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	fmt.Fprintf(w, "%-10s %-30s %-25s %-7s %-9s %-8s %s\n", "ID", "Title", "Author", "Copies", "Available", "Status", "Digital")
	fmt.Fprintln(w, strings.Repeat("-", 105))
	for _, b := range books {
		digital := ""
		if b.IsDigital() {
			digital = b.Digital.Link
		}
		fmt.Fprintf(w, "%-10s %-30s %-25s %-7d %-9d %-8s %s\n",
			truncateString(b.ID, 10),
			truncateString(b.Title, 30),
			truncateString(b.Author, 25),
			b.TotalCopies,
			b.AvailableCopies,
			activeLabel(b.Active),
			digital)
	}
}

func printMembers(w io.Writer, members []*library.Member) {
	if len(members) == 0 {
		fmt.Fprintln(w, "No members registered.")
		return
	}
	fmt.Fprintf(w, "%-10s %-25s %-25s %-15s %s\n", "ID", "Name", "Email", "Phone", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 85))
	for _, m := range members {
		fmt.Fprintf(w, "%-10s %-25s %-25s %-15s %s\n",
			truncateString(m.ID, 10),
			truncateString(m.Name, 25),
			truncateString(m.Email, 25),
			truncateString(m.Phone, 15),
			activeLabel(m.Active))
	}
}

func printIssue(w io.Writer, issue *library.Issue) {
	fmt.Fprintf(w, "Issued book %s to member %s on %s.\n", issue.Loan.BookID, issue.Loan.MemberID, issue.BorrowDate)
	fmt.Fprintf(w, "Due back by %s.\n", issue.DueDate)
}

func printReturn(w io.Writer, ret *library.Return) {
	fmt.Fprintf(w, "Returned book %s from member %s on %s after %d day(s).\n",
		ret.Loan.BookID, ret.Loan.MemberID, ret.ReturnDate, ret.DaysOut)
	if ret.Fine > 0 {
		fmt.Fprintf(w, "Fine due: %.2f\n", ret.Fine)
	} else {
		fmt.Fprintln(w, "No fine due.")
	}
}

func printLoans(w io.Writer, loans []*library.LoanRecord, policy library.FinePolicy, empty string) {
	if len(loans) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	fmt.Fprintf(w, "%-36s %-10s %-12s %-12s %s\n", "Record", "Book", "Borrowed", "Due", "Returned")
	fmt.Fprintln(w, strings.Repeat("-", 85))
	for _, l := range loans {
		returned := "-"
		if l.ReturnDate != nil {
			returned = l.ReturnDate.String()
		}
		fmt.Fprintf(w, "%-36s %-10s %-12s %-12s %s\n",
			l.RecordID,
			truncateString(l.BookID, 10),
			l.BorrowDate,
			policy.DueDate(l.BorrowDate),
			returned)
	}
}

func printOverdue(w io.Writer, asOf string, overdue []library.OverdueLoan) {
	if len(overdue) == 0 {
		fmt.Fprintf(w, "No overdue loans as of %s.\n", asOf)
		return
	}
	fmt.Fprintf(w, "Overdue loans as of %s:\n", asOf)
	fmt.Fprintf(w, "%-10s %-10s %-12s %-8s %s\n", "Member", "Book", "Borrowed", "Days", "Fine")
	fmt.Fprintln(w, strings.Repeat("-", 55))
	var total float64
	for _, o := range overdue {
		total += o.Fine
		fmt.Fprintf(w, "%-10s %-10s %-12s %-8d %.2f\n",
			truncateString(o.Loan.MemberID, 10),
			truncateString(o.Loan.BookID, 10),
			o.Loan.BorrowDate,
			o.DaysOverdue,
			o.Fine)
	}
	fmt.Fprintf(w, "Total fines: %.2f\n", total)
}

func printStats(w io.Writer, s library.Statistics) {
	fmt.Fprintf(w, "Titles:           %d\n", s.TitleCount)
	fmt.Fprintf(w, "Available copies: %d\n", s.AvailableCopies)
	fmt.Fprintf(w, "Borrowed copies:  %d\n", s.BorrowedCopies)
	fmt.Fprintf(w, "Members:          %d\n", s.MemberCount)
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
