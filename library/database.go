package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// busyTimeoutMillis bounds how long a writer waits for the SQLite write lock
// before the operation fails with ErrBusy.
const busyTimeoutMillis = 1000

// sqliteDriver is go-sqlite3 plus a fold() SQL function that lower-cases
// with Unicode rules; SQLite's built-in lower() only folds ASCII.
const sqliteDriver = "sqlite3_fold"

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", strings.ToLower, true)
		},
	})
}

// Database is the SQLite backend.
type Database struct {
	db *sqlx.DB

	insertBookStmt   *sqlx.Stmt
	insertMemberStmt *sqlx.Stmt
	insertLoanStmt   *sqlx.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	// Writers take the lock at BEGIN so two read-then-write transactions
	// cannot both pass their checks.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate", dbPath, busyTimeoutMillis)
	db, err := sqlx.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", errors.Join(ErrStorageUnavailable, err))
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, translateSQLiteErr(err)
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, stmt := range []*sqlx.Stmt{d.insertBookStmt, d.insertMemberStmt, d.insertLoanStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return d.db.Close()
}

// ensureDir creates the parent directory of dbPath so first-run succeeds.
func ensureDir(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	return nil
}

// Update runs fn inside one immediate transaction.
func (d *Database) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return translateSQLiteErr(err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{d: d, q: tx, tx: tx}); err != nil {
		return err
	}
	return translateSQLiteErr(tx.Commit())
}

// View runs fn against the connection pool; each query sees committed data.
func (d *Database) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&sqlTx{d: d, q: d.db})
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func applyMigrations(db *sqlx.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Loans keep plain references so closed history never blocks removing a
	// book or member; open loans are guarded by the stores instead.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
            available_copies INTEGER NOT NULL,
            active BOOLEAN NOT NULL DEFAULT 1,
            digital_link TEXT,
            digital_limit INTEGER,
            CHECK (available_copies >= 0 AND available_copies <= total_copies)
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            record_id TEXT NOT NULL UNIQUE,
            member_id TEXT NOT NULL,
            book_id TEXT NOT NULL,
            borrow_date TEXT NOT NULL,
            return_date TEXT,
            returned BOOLEAN NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id, returned);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_pair ON loans(member_id, book_id) WHERE returned = 0;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.insertBookStmt, err = d.db.Preparex(`INSERT INTO books(id,title,author,total_copies,available_copies,active,digital_link,digital_limit) VALUES(?,?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.insertMemberStmt, err = d.db.Preparex(`INSERT INTO members(id,name,email,phone,active) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	if d.insertLoanStmt, err = d.db.Preparex(`INSERT INTO loans(record_id,member_id,book_id,borrow_date) VALUES(?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

type bookRow struct {
	ID              string         `db:"id"`
	Title           string         `db:"title"`
	Author          string         `db:"author"`
	TotalCopies     int            `db:"total_copies"`
	AvailableCopies int            `db:"available_copies"`
	Active          bool           `db:"active"`
	DigitalLink     sql.NullString `db:"digital_link"`
	DigitalLimit    sql.NullInt64  `db:"digital_limit"`
}

func (r bookRow) book() *Book {
	b := &Book{
		ID:              r.ID,
		Title:           r.Title,
		Author:          r.Author,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		Active:          r.Active,
	}
	if r.DigitalLink.Valid {
		b.Digital = &Digital{Link: r.DigitalLink.String, DownloadLimit: int(r.DigitalLimit.Int64)}
	}
	return b
}

type loanRow struct {
	RecordID   string         `db:"record_id"`
	MemberID   string         `db:"member_id"`
	BookID     string         `db:"book_id"`
	BorrowDate string         `db:"borrow_date"`
	ReturnDate sql.NullString `db:"return_date"`
	Returned   bool           `db:"returned"`
}

func (r loanRow) loan() (*LoanRecord, error) {
	borrow, err := civil.ParseDate(r.BorrowDate)
	if err != nil {
		return nil, fmt.Errorf("loan %s: bad borrow_date %q: %w", r.RecordID, r.BorrowDate, err)
	}
	l := &LoanRecord{
		RecordID:   r.RecordID,
		MemberID:   r.MemberID,
		BookID:     r.BookID,
		BorrowDate: borrow,
		Returned:   r.Returned,
	}
	if r.ReturnDate.Valid {
		ret, err := civil.ParseDate(r.ReturnDate.String)
		if err != nil {
			return nil, fmt.Errorf("loan %s: bad return_date %q: %w", r.RecordID, r.ReturnDate.String, err)
		}
		l.ReturnDate = &ret
	}
	return l, nil
}

func loansFromRows(rows []loanRow) ([]*LoanRecord, error) {
	res := make([]*LoanRecord, 0, len(rows))
	for _, r := range rows {
		l, err := r.loan()
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, nil
}

const (
	bookColumns = `id,title,author,total_copies,available_copies,active,digital_link,digital_limit`
	loanColumns = `record_id,member_id,book_id,borrow_date,return_date,returned`
)

// ---------------------------------------------------------------------------
// Transaction view
// ---------------------------------------------------------------------------

type sqlTx struct {
	d  *Database
	q  sqlx.ExtContext
	tx *sqlx.Tx
}

func (t *sqlTx) write() error {
	if t.tx == nil {
		return errReadOnly
	}
	return nil
}

func (t *sqlTx) CreateBook(ctx context.Context, b *Book) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateBook(b); err != nil {
		return err
	}
	var link sql.NullString
	var limit sql.NullInt64
	if b.Digital != nil {
		link = sql.NullString{String: b.Digital.Link, Valid: true}
		limit = sql.NullInt64{Int64: int64(b.Digital.DownloadLimit), Valid: true}
	}
	_, err := t.tx.StmtxContext(ctx, t.d.insertBookStmt).ExecContext(ctx,
		b.ID, b.Title, b.Author, b.TotalCopies, b.AvailableCopies, b.Active, link, limit)
	if err != nil {
		return fmt.Errorf("book %s: %w", b.ID, translateSQLiteErr(err))
	}
	return nil
}

func (t *sqlTx) RemoveBook(ctx context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	b, err := t.FindBook(ctx, id)
	if err != nil {
		return err
	}
	if b.AvailableCopies != b.TotalCopies {
		return fmt.Errorf("%w: book %s", ErrHasOutstandingCopies, id)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM books WHERE id=?`, id); err != nil {
		return translateSQLiteErr(err)
	}
	return nil
}

func (t *sqlTx) FindBook(ctx context.Context, id string) (*Book, error) {
	var r bookRow
	err := sqlx.GetContext(ctx, t.q, &r, `SELECT `+bookColumns+` FROM books WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	return r.book(), nil
}

func (t *sqlTx) SearchBooks(ctx context.Context, query string) ([]*Book, error) {
	var rows []bookRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
        SELECT `+bookColumns+` FROM books
        WHERE instr(fold(id), fold(?1)) > 0
           OR instr(fold(title), fold(?1)) > 0
           OR instr(fold(author), fold(?1)) > 0
        ORDER BY rowid`, query)
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	return booksFromRows(rows), nil
}

func (t *sqlTx) ListBooks(ctx context.Context) ([]*Book, error) {
	var rows []bookRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, `SELECT `+bookColumns+` FROM books ORDER BY rowid`); err != nil {
		return nil, translateSQLiteErr(err)
	}
	return booksFromRows(rows), nil
}

func (t *sqlTx) AdjustAvailability(ctx context.Context, id string, delta int) error {
	if err := t.write(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
        UPDATE books SET available_copies = available_copies + ?1
        WHERE id = ?2 AND available_copies + ?1 BETWEEN 0 AND total_copies`, delta, id)
	if err != nil {
		return translateSQLiteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	b, err := t.FindBook(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: book %s would have %d of %d copies",
		ErrInvariantViolation, id, b.AvailableCopies+delta, b.TotalCopies)
}

func (t *sqlTx) SetBookActive(ctx context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	return t.expectOne(ctx, "book", id, `UPDATE books SET active=? WHERE id=?`, active, id)
}

func (t *sqlTx) RegisterMember(ctx context.Context, m *Member) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateMember(m); err != nil {
		return err
	}
	_, err := t.tx.StmtxContext(ctx, t.d.insertMemberStmt).ExecContext(ctx, m.ID, m.Name, m.Email, m.Phone, m.Active)
	if err != nil {
		return fmt.Errorf("member %s: %w", m.ID, translateSQLiteErr(err))
	}
	return nil
}

func (t *sqlTx) RemoveMember(ctx context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, err := t.FindMember(ctx, id); err != nil {
		return err
	}
	n, err := t.CountOpen(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: member %s has %d", ErrHasOpenLoans, id, n)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM members WHERE id=?`, id); err != nil {
		return translateSQLiteErr(err)
	}
	return nil
}

func (t *sqlTx) FindMember(ctx context.Context, id string) (*Member, error) {
	var m Member
	err := t.q.QueryRowxContext(ctx, `SELECT id,name,email,phone,active FROM members WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	return &m, nil
}

func (t *sqlTx) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := t.q.QueryxContext(ctx, `SELECT id,name,email,phone,active FROM members ORDER BY rowid`)
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	defer rows.Close()

	members := make([]*Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Active); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (t *sqlTx) SetMemberActive(ctx context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	return t.expectOne(ctx, "member", id, `UPDATE members SET active=? WHERE id=?`, active, id)
}

func (t *sqlTx) OpenLoan(ctx context.Context, memberID, bookID string, borrowDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	if _, err := t.FindOpenLoan(ctx, memberID, bookID); err == nil {
		return nil, fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
	} else if !errors.Is(err, ErrNoOpenLoan) {
		return nil, err
	}
	rec := &LoanRecord{
		RecordID:   uuid.NewString(),
		MemberID:   memberID,
		BookID:     bookID,
		BorrowDate: borrowDate,
	}
	_, err := t.tx.StmtxContext(ctx, t.d.insertLoanStmt).ExecContext(ctx, rec.RecordID, memberID, bookID, borrowDate.String())
	if err != nil {
		err = translateSQLiteErr(err)
		if errors.Is(err, ErrDuplicateID) {
			return nil, fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
		}
		return nil, err
	}
	return rec, nil
}

func (t *sqlTx) CloseLoan(ctx context.Context, memberID, bookID string, returnDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	rec, err := t.FindOpenLoan(ctx, memberID, bookID)
	if err != nil {
		return nil, err
	}
	if returnDate.Before(rec.BorrowDate) {
		return nil, fmt.Errorf("%w: return %s precedes borrow %s", ErrInvalidDate, returnDate, rec.BorrowDate)
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE loans SET return_date=?, returned=1 WHERE record_id=?`,
		returnDate.String(), rec.RecordID); err != nil {
		return nil, translateSQLiteErr(err)
	}
	rec.ReturnDate = &returnDate
	rec.Returned = true
	return rec, nil
}

func (t *sqlTx) FindOpenLoan(ctx context.Context, memberID, bookID string) (*LoanRecord, error) {
	var r loanRow
	err := sqlx.GetContext(ctx, t.q, &r,
		`SELECT `+loanColumns+` FROM loans WHERE member_id=? AND book_id=? AND returned=0`, memberID, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: member %s book %s", ErrNoOpenLoan, memberID, bookID)
	}
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	return r.loan()
}

func (t *sqlTx) ListOpen(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	return t.selectLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE member_id=? AND returned=0 ORDER BY seq`, memberID)
}

func (t *sqlTx) CountOpen(ctx context.Context, memberID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, t.q, &n, `SELECT COUNT(*) FROM loans WHERE member_id=? AND returned=0`, memberID); err != nil {
		return 0, translateSQLiteErr(err)
	}
	return n, nil
}

func (t *sqlTx) ListLoans(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	return t.selectLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE member_id=? ORDER BY seq`, memberID)
}

func (t *sqlTx) ListAllOpen(ctx context.Context) ([]*LoanRecord, error) {
	return t.selectLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE returned=0 ORDER BY seq`)
}

func (t *sqlTx) selectLoans(ctx context.Context, query string, args ...any) ([]*LoanRecord, error) {
	var rows []loanRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, translateSQLiteErr(err)
	}
	return loansFromRows(rows)
}

func (t *sqlTx) expectOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return translateSQLiteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func booksFromRows(rows []bookRow) []*Book {
	books := make([]*Book, 0, len(rows))
	for _, r := range rows {
		books = append(books, r.book())
	}
	return books
}

// translateSQLiteErr maps driver errors onto the library taxonomy.
func translateSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return errors.Join(ErrBusy, err)
	case sqlite3.ErrConstraint:
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return errors.Join(ErrDuplicateID, err)
		case sqlite3.ErrConstraintCheck:
			return errors.Join(ErrInvariantViolation, err)
		}
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrReadonly:
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}
