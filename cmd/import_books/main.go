package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"library-circulation/internal/config"
	"library-circulation/internal/logger"
	"library-circulation/library"
)

func main() {
	var (
		fresh   bool
		envFile string
	)
	cmd := &cobra.Command{
		Use:          "import_books [catalog.yaml]",
		Short:        "Seed the library database from a YAML catalog",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "catalog.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return run(cmd, path, envFile, fresh)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "delete an existing SQLite database before importing")
	cmd.Flags().StringVar(&envFile, "env-file", "", "load settings from this file instead of .env")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, path, envFile string, fresh bool) error {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.AppMode, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if fresh && (cfg.Store.Backend == library.BackendSQLite || cfg.Store.Backend == library.BackendGormSQLite) {
		// Clean up any existing database files
		fmt.Println("Cleaning up existing database files...")
		for _, file := range []string{cfg.Store.Path, cfg.Store.Path + "-shm", cfg.Store.Path + "-wal"} {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
			}
		}
		fmt.Println("Database cleanup complete.")
	}

	store, err := library.Open(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	manager := library.NewLibraryManager(store, library.WithLogger(log))
	defer manager.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("Importing catalog from %s...\n", path)
	res, err := manager.ImportCatalog(cmd.Context(), f)
	if err != nil {
		return err
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books, %d members\n", res.Books, res.Members)
	fmt.Printf("Errors: %d\n", len(res.Errors))
	for _, err := range res.Errors {
		fmt.Printf("  %v\n", err)
	}

	// Display summary of imported books
	if res.Books > 0 {
		fmt.Println("\nCatalog:")
		books, err := manager.ListBooks(cmd.Context())
		if err != nil {
			fmt.Printf("Error retrieving books: %v\n", err)
			return nil
		}
		fmt.Printf("%-10s %-50s %-30s %s\n", "ID", "Title", "Author", "Copies")
		fmt.Println(strings.Repeat("-", 100))
		for _, book := range books {
			fmt.Printf("%-10s %-50s %-30s %d\n", truncateString(book.ID, 10), truncateString(book.Title, 50), truncateString(book.Author, 30), book.TotalCopies)
		}
	}
	return nil
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
