package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-circulation/library"
)

// mutate runs fn and retries it while another writer holds the same book
// or member.
func mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	return library.Retry(ctx, fn)
}

// fail prints the user-facing message for err and hands err back to cobra.
func fail(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", library.Message(err))
	return err
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// confirm asks a yes/no question when stdin is a terminal. Non-interactive
// callers must pass --yes.
func confirm(cmd *cobra.Command, question string, yes bool) bool {
	if yes {
		return true
	}
	if !isTerminal(os.Stdin) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Refusing to continue without --yes on a non-interactive terminal.")
		return false
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}

func parseCopies(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: copies must be a whole number, got %q", library.ErrInvalidInput, s)
	}
	return n, nil
}

// parseDownloadLimit reads an optional download limit; blank means unlimited.
func parseDownloadLimit(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: download limit must be a whole number, got %q", library.ErrInvalidInput, s)
	}
	return n, nil
}

// ------------------ Books ------------------

func newAddBookCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add-book ID TITLE AUTHOR COPIES",
		Short: "Add a title to the catalog",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			copies, err := parseCopies(args[3])
			if err != nil {
				return fail(cmd, err)
			}
			err = mutate(cmd.Context(), func(ctx context.Context) error {
				return a.mgr.AddBook(ctx, args[0], args[1], args[2], copies)
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added book %s with %d copies.\n", args[0], copies)
			return nil
		},
	}
}

func newAddDigitalCmd(a *app) *cobra.Command {
	var (
		link  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "add-digital ID TITLE AUTHOR COPIES",
		Short: "Add an e-book title with a download link",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			copies, err := parseCopies(args[3])
			if err != nil {
				return fail(cmd, err)
			}
			err = mutate(cmd.Context(), func(ctx context.Context) error {
				return a.mgr.AddDigitalBook(ctx, args[0], args[1], args[2], copies, link, limit)
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added digital book %s with %d copies.\n", args[0], copies)
			return nil
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "download link")
	cmd.Flags().IntVar(&limit, "limit", 0, "download limit (0 for unlimited)")
	return cmd
}

func newRemoveBookCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove-book ID",
		Short: "Remove a title with no copies on loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(cmd, fmt.Sprintf("Remove book %s?", args[0]), yes) {
				return nil
			}
			err := mutate(cmd.Context(), func(ctx context.Context) error {
				return a.mgr.RemoveBook(ctx, args[0])
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed book %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newBooksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List every title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := a.mgr.ListBooks(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			printBooks(cmd.OutOrStdout(), books, "No books in library.")
			return nil
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "Find titles by id, title or author",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			books, err := a.mgr.SearchBooks(cmd.Context(), query)
			if err != nil {
				return fail(cmd, err)
			}
			printBooks(cmd.OutOrStdout(), books, fmt.Sprintf("No books found matching '%s'.", query))
			return nil
		},
	}
}

// ------------------ Members ------------------

func newRegisterCmd(a *app) *cobra.Command {
	var email, phone string
	cmd := &cobra.Command{
		Use:   "register ID NAME",
		Short: "Register a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutate(cmd.Context(), func(ctx context.Context) error {
				return a.mgr.RegisterMember(ctx, args[0], args[1], email, phone)
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered member '%s' with ID %s.\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	return cmd
}

func newRemoveMemberCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove-member ID",
		Short: "Remove a member with no books on loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(cmd, fmt.Sprintf("Remove member %s?", args[0]), yes) {
				return nil
			}
			err := mutate(cmd.Context(), func(ctx context.Context) error {
				return a.mgr.RemoveMember(ctx, args[0])
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed member %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newMembersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List every member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			members, err := a.mgr.ListMembers(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			printMembers(cmd.OutOrStdout(), members)
			return nil
		},
	}
}

func newActivateCmd(a *app, active bool) *cobra.Command {
	use, short := "activate", "Return a book or member to circulation"
	if !active {
		use, short = "deactivate", "Withdraw a book or suspend a member"
	}
	return &cobra.Command{
		Use:       use + " book|member ID",
		Short:     short,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"book", "member"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id := args[0], args[1]
			err := mutate(cmd.Context(), func(ctx context.Context) error {
				switch kind {
				case "book":
					return a.mgr.SetBookActive(ctx, id, active)
				case "member":
					return a.mgr.SetMemberActive(ctx, id, active)
				default:
					return fmt.Errorf("%w: expected 'book' or 'member', got %q", library.ErrInvalidInput, kind)
				}
			})
			if err != nil {
				return fail(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s.\n", kind, id, activeLabel(active))
			return nil
		},
	}
}

// ------------------ Circulation ------------------

func newIssueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "issue MEMBER BOOK",
		Short: "Lend one copy of a book to a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var issue *library.Issue
			err := mutate(cmd.Context(), func(ctx context.Context) (err error) {
				issue, err = a.mgr.IssueBook(ctx, args[0], args[1])
				return err
			})
			if err != nil {
				return fail(cmd, err)
			}
			printIssue(cmd.OutOrStdout(), issue)
			return nil
		},
	}
}

func newReturnCmd(a *app) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "return MEMBER BOOK",
		Short: "Return a borrowed book and compute the fine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ret *library.Return
			err := mutate(cmd.Context(), func(ctx context.Context) (err error) {
				ret, err = a.mgr.ReturnBook(ctx, args[0], args[1], date)
				return err
			})
			if err != nil {
				return fail(cmd, err)
			}
			printReturn(cmd.OutOrStdout(), ret)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "return date as YYYY-MM-DD or DD/MM/YYYY (default today)")
	return cmd
}

func newLoansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loans MEMBER",
		Short: "List a member's open loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loans, err := a.mgr.ListOpenLoans(cmd.Context(), args[0])
			if err != nil {
				return fail(cmd, err)
			}
			printLoans(cmd.OutOrStdout(), loans, a.mgr.FinePolicy(), fmt.Sprintf("Member %s has no books on loan.", args[0]))
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history MEMBER",
		Short: "List every loan a member has made",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loans, err := a.mgr.LoanHistory(cmd.Context(), args[0])
			if err != nil {
				return fail(cmd, err)
			}
			printLoans(cmd.OutOrStdout(), loans, a.mgr.FinePolicy(), fmt.Sprintf("Member %s has never borrowed a book.", args[0]))
			return nil
		},
	}
}

func newOverdueCmd(a *app) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List loans past the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date := a.mgr.Today()
			if asOf != "" {
				d, err := library.ParseDate(asOf)
				if err != nil {
					return fail(cmd, err)
				}
				date = d
			}
			overdue, err := a.mgr.Overdue(cmd.Context(), date)
			if err != nil {
				return fail(cmd, err)
			}
			printOverdue(cmd.OutOrStdout(), date.String(), overdue)
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "report date as YYYY-MM-DD or DD/MM/YYYY (default today)")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog and membership totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.mgr.Statistics(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// ------------------ Batch ------------------

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load books and members from a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fail(cmd, err)
			}
			defer f.Close()

			res, err := a.mgr.ImportCatalog(cmd.Context(), f)
			if err != nil {
				return fail(cmd, err)
			}
			printImport(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the overdue scan on LIBRARY_OVERDUE_SCHEDULE until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			w, err := library.NewOverdueWatcher(a.mgr, a.cfg.Lending.OverdueSchedule, func(asOf civil.Date, overdue []library.OverdueLoan) {
				printOverdue(out, asOf.String(), overdue)
			})
			if err != nil {
				return fail(cmd, err)
			}
			if now {
				if _, err := w.Scan(cmd.Context()); err != nil {
					return fail(cmd, err)
				}
			}
			fmt.Fprintf(out, "Watching for overdue loans on schedule %q. Press Ctrl+C to stop.\n", w.Schedule())
			w.Start()
			<-cmd.Context().Done()
			w.Stop(context.Background())
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "run one scan immediately before waiting")
	return cmd
}

func printImport(w io.Writer, res library.ImportResult) {
	fmt.Fprintf(w, "Import complete!\n")
	fmt.Fprintf(w, "Books imported:   %d\n", res.Books)
	fmt.Fprintf(w, "Members imported: %d\n", res.Members)
	fmt.Fprintf(w, "Errors: %d\n", len(res.Errors))
	for _, err := range res.Errors {
		fmt.Fprintf(w, "  %v\n", err)
	}
}
