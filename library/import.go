package library

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Catalog is the YAML seed file layout:
//
//	books:
//	  - id: B1
//	    title: Dune
//	    author: Frank Herbert
//	    copies: 3
//	members:
//	  - id: M1
//	    name: Ada
type Catalog struct {
	Books   []Book   `yaml:"books"`
	Members []Member `yaml:"members"`
}

// ImportResult counts what ImportCatalog added. Failed entries are kept in
// Errors and do not stop the import.
type ImportResult struct {
	Books   int
	Members int
	Errors  []error
}

// Err joins the per-entry errors, or returns nil.
func (r ImportResult) Err() error { return errors.Join(r.Errors...) }

// ParseCatalog decodes a YAML catalog. Unknown keys are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("%w: catalog: %v", ErrInvalidInput, err)
	}
	return &c, nil
}

// ImportCatalog adds every book and member in r through the manager, so
// each entry is validated like an interactive add.
func (lm *LibraryManager) ImportCatalog(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	c, err := ParseCatalog(r)
	if err != nil {
		return res, err
	}

	for _, b := range c.Books {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if b.Digital != nil {
			err = lm.AddDigitalBook(ctx, b.ID, b.Title, b.Author, b.TotalCopies, b.Digital.Link, b.Digital.DownloadLimit)
		} else {
			err = lm.AddBook(ctx, b.ID, b.Title, b.Author, b.TotalCopies)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("book %q: %w", b.ID, err))
			continue
		}
		res.Books++
	}

	for _, m := range c.Members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := lm.RegisterMember(ctx, m.ID, m.Name, m.Email, m.Phone); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("member %q: %w", m.ID, err))
			continue
		}
		res.Members++
	}

	lm.log.Info("catalog imported", "books", res.Books, "members", res.Members, "failed", len(res.Errors))
	return res, nil
}
