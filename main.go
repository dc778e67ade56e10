package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"library-circulation/internal/config"
	"library-circulation/internal/logger"
	"library-circulation/library"
)

// app is the state shared by every subcommand once the root command has
// loaded configuration and opened the store.
type app struct {
	cfg *config.Config
	log *logger.Logger
	mgr *library.LibraryManager

	envFile string
	backend string
	dbPath  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Library circulation: catalog, members, loans and fines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.mgr != nil {
				return nil
			}
			return a.open()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(os.Stdin))
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "load settings from this file instead of .env")
	root.PersistentFlags().StringVar(&a.backend, "store", "", "override LIBRARY_STORE (memory, sqlite, gorm-sqlite, postgres, mysql)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "override LIBRARY_DB_PATH")

	root.AddCommand(
		newShellCmd(a),
		newAddBookCmd(a),
		newAddDigitalCmd(a),
		newRemoveBookCmd(a),
		newBooksCmd(a),
		newSearchCmd(a),
		newRegisterCmd(a),
		newRemoveMemberCmd(a),
		newMembersCmd(a),
		newActivateCmd(a, true),
		newActivateCmd(a, false),
		newIssueCmd(a),
		newReturnCmd(a),
		newLoansCmd(a),
		newHistoryCmd(a),
		newOverdueCmd(a),
		newStatsCmd(a),
		newImportCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) open() error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return err
	}
	if a.backend != "" {
		cfg.Store.Backend = a.backend
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}

	log, err := logger.New(cfg.AppMode, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return err
	}
	if !cfg.EnvFileLoaded {
		log.Debug("no .env file found, using environment variables")
	}

	store, err := library.Open(cfg.StoreConfig())
	if err != nil {
		log.Error("open store", "backend", cfg.Store.Backend, "error", err)
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", library.Message(err))
		return err
	}

	a.cfg = cfg
	a.log = log
	a.mgr = library.NewLibraryManager(store,
		library.WithBorrowLimit(cfg.Lending.BorrowLimit),
		library.WithFinePolicy(cfg.FinePolicy()),
		library.WithLocation(cfg.Lending.Location),
		library.WithLogger(log),
	)
	log.Debug("store opened", "backend", cfg.Store.Backend, "mode", cfg.AppMode)
	return nil
}

func (a *app) close() {
	if a.mgr != nil {
		if err := a.mgr.Close(); err != nil {
			a.log.Warn("close store", "error", err)
		}
		a.mgr = nil
	}
	if a.log != nil {
		a.log.Sync()
	}
}
