package library

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GORM models used for persistence. Seq keeps insertion order for listings.
type BookModel struct {
	Seq             uint   `gorm:"primaryKey;autoIncrement"`
	ID              string `gorm:"uniqueIndex;size:64;not null"`
	Title           string `gorm:"not null"`
	Author          string `gorm:"not null"`
	TotalCopies     int    `gorm:"not null;check:chk_books_total,total_copies >= 0"`
	AvailableCopies int    `gorm:"not null;check:chk_books_available,available_copies >= 0 AND available_copies <= total_copies"`
	Active          bool   `gorm:"not null"`
	DigitalLink     *string
	DigitalLimit    *int
}

func (BookModel) TableName() string { return "books" }

type MemberModel struct {
	Seq    uint   `gorm:"primaryKey;autoIncrement"`
	ID     string `gorm:"uniqueIndex;size:64;not null"`
	Name   string `gorm:"not null"`
	Email  string `gorm:"not null"`
	Phone  string `gorm:"not null"`
	Active bool   `gorm:"not null"`
}

func (MemberModel) TableName() string { return "members" }

type LoanModel struct {
	Seq        uint    `gorm:"primaryKey;autoIncrement"`
	RecordID   string  `gorm:"uniqueIndex;size:36;not null"`
	MemberID   string  `gorm:"index:idx_loans_member;size:64;not null"`
	BookID     string  `gorm:"size:64;not null"`
	BorrowDate string  `gorm:"size:10;not null"`
	ReturnDate *string `gorm:"size:10"`
	Returned   bool    `gorm:"index:idx_loans_member;not null"`
}

func (LoanModel) TableName() string { return "loans" }

type gormStoreOptions struct {
	logger gormlogger.Interface
}

// GormOption configures NewGormStore.
type GormOption func(*gormStoreOptions)

// WithGormDebug logs every statement when on; otherwise only slow queries and errors.
func WithGormDebug(on bool) GormOption {
	return func(opts *gormStoreOptions) {
		level := gormlogger.Warn
		if on {
			level = gormlogger.Info
		}
		opts.logger = gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}
}

// WithGormLogger replaces the GORM logger.
func WithGormLogger(l gormlogger.Interface) GormOption {
	return func(opts *gormStoreOptions) {
		opts.logger = l
	}
}

// GormSQLite returns a SQLite dialector for the file at path. It uses the
// same driver as Database so fold() is available to searches.
func GormSQLite(path string) gorm.Dialector {
	return &sqlite.Dialector{
		DriverName: sqliteDriver,
		DSN:        fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate", path, busyTimeoutMillis),
	}
}

// GormPostgres returns a Postgres dialector.
func GormPostgres(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// GormMySQL returns a MySQL dialector. The DSN must set parseTime=false
// or leave it unset; loan dates are stored as text.
func GormMySQL(dsn string) gorm.Dialector {
	return gormmysql.Open(dsn)
}

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
	// rowLocks enables SELECT ... FOR UPDATE NOWAIT on dialects that support it.
	rowLocks bool
	// fold is the SQL function used for case-insensitive search.
	fold string
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dialector gorm.Dialector, options ...GormOption) (*GormStore, error) {
	opts := gormStoreOptions{logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         opts.logger,
		TranslateError: true,
	})
	if err != nil {
		closeGormDB(db)
		return nil, fmt.Errorf("open db: %w", errors.Join(ErrStorageUnavailable, err))
	}
	if err := db.AutoMigrate(&MemberModel{}, &BookModel{}, &LoanModel{}); err != nil {
		closeGormDB(db)
		return nil, fmt.Errorf("auto migrate: %w", translateGormErr(err))
	}
	name := dialector.Name()
	// MySQL has no partial indexes; the open-loan check in OpenLoan runs
	// under the member's row lock there.
	if name != "mysql" {
		if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_pair ON loans(member_id, book_id) WHERE NOT returned`).Error; err != nil {
			closeGormDB(db)
			return nil, fmt.Errorf("create open loan index: %w", err)
		}
	}
	fold := "LOWER"
	if name == "sqlite" {
		fold = "fold"
	}
	return &GormStore{db: db, rowLocks: name == "postgres" || name == "mysql", fold: fold}, nil
}

func closeGormDB(db *gorm.DB) {
	if db == nil || db.ConnPool == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Update runs fn inside a database transaction.
func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, writable: true, rowLocks: s.rowLocks, fold: s.fold})
	})
	return translateGormErr(err)
}

// View runs fn against the pool without a transaction.
func (s *GormStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return translateGormErr(fn(&gormTx{db: s.db.WithContext(ctx), fold: s.fold}))
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db       *gorm.DB
	writable bool
	rowLocks bool
	fold     string
}

func (t *gormTx) write() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

// forUpdate locks the selected rows and fails immediately if another
// transaction holds them.
func (t *gormTx) forUpdate(ctx context.Context) *gorm.DB {
	db := t.db.WithContext(ctx)
	if t.writable && t.rowLocks {
		db = db.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	return db
}

func (t *gormTx) CreateBook(ctx context.Context, b *Book) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateBook(b); err != nil {
		return err
	}
	m := BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		Active:          b.Active,
	}
	if b.Digital != nil {
		link, limit := b.Digital.Link, b.Digital.DownloadLimit
		m.DigitalLink, m.DigitalLimit = &link, &limit
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("book %s: %w", b.ID, translateGormErr(err))
	}
	return nil
}

func (t *gormTx) RemoveBook(ctx context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	m, err := t.findBookModel(t.forUpdate(ctx), id)
	if err != nil {
		return err
	}
	if m.AvailableCopies != m.TotalCopies {
		return fmt.Errorf("%w: book %s", ErrHasOutstandingCopies, id)
	}
	return translateGormErr(t.db.WithContext(ctx).Delete(&BookModel{}, "id = ?", id).Error)
}

func (t *gormTx) FindBook(ctx context.Context, id string) (*Book, error) {
	m, err := t.findBookModel(t.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return m.book(), nil
}

func (t *gormTx) findBookModel(db *gorm.DB, id string) (*BookModel, error) {
	var m BookModel
	err := db.Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateGormErr(err)
	}
	return &m, nil
}

// '!' escapes LIKE wildcards; a backslash would itself need escaping in MySQL literals.
var likeEscaper = strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)

func (t *gormTx) SearchBooks(ctx context.Context, query string) ([]*Book, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	var models []BookModel
	err := t.db.WithContext(ctx).
		Where(fmt.Sprintf(`%[1]s(id) LIKE ? ESCAPE '!' OR %[1]s(title) LIKE ? ESCAPE '!' OR %[1]s(author) LIKE ? ESCAPE '!'`, t.fold),
			pattern, pattern, pattern).
		Order("seq, id").
		Find(&models).Error
	if err != nil {
		return nil, translateGormErr(err)
	}
	return bookModels(models), nil
}

func (t *gormTx) ListBooks(ctx context.Context) ([]*Book, error) {
	var models []BookModel
	if err := t.db.WithContext(ctx).Order("seq, id").Find(&models).Error; err != nil {
		return nil, translateGormErr(err)
	}
	return bookModels(models), nil
}

func (t *gormTx) AdjustAvailability(ctx context.Context, id string, delta int) error {
	if err := t.write(); err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ? AND available_copies + ? BETWEEN 0 AND total_copies", id, delta).
		UpdateColumn("available_copies", gorm.Expr("available_copies + ?", delta))
	if res.Error != nil {
		return translateGormErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	m, err := t.findBookModel(t.db.WithContext(ctx), id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: book %s would have %d of %d copies",
		ErrInvariantViolation, id, m.AvailableCopies+delta, m.TotalCopies)
}

func (t *gormTx) SetBookActive(ctx context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).UpdateColumn("active", active)
	return rowsOrNotFound(res, "book", id)
}

func (t *gormTx) RegisterMember(ctx context.Context, m *Member) error {
	if err := t.write(); err != nil {
		return err
	}
	if err := validateMember(m); err != nil {
		return err
	}
	row := MemberModel{ID: m.ID, Name: m.Name, Email: m.Email, Phone: m.Phone, Active: m.Active}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("member %s: %w", m.ID, translateGormErr(err))
	}
	return nil
}

func (t *gormTx) RemoveMember(ctx context.Context, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	var m MemberModel
	err := t.forUpdate(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	if err != nil {
		return translateGormErr(err)
	}
	n, err := t.CountOpen(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: member %s has %d", ErrHasOpenLoans, id, n)
	}
	return translateGormErr(t.db.WithContext(ctx).Delete(&MemberModel{}, "id = ?", id).Error)
}

func (t *gormTx) FindMember(ctx context.Context, id string) (*Member, error) {
	var m MemberModel
	err := t.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateGormErr(err)
	}
	return m.member(), nil
}

func (t *gormTx) ListMembers(ctx context.Context) ([]*Member, error) {
	var models []MemberModel
	if err := t.db.WithContext(ctx).Order("seq, id").Find(&models).Error; err != nil {
		return nil, translateGormErr(err)
	}
	res := make([]*Member, 0, len(models))
	for i := range models {
		res = append(res, models[i].member())
	}
	return res, nil
}

func (t *gormTx) SetMemberActive(ctx context.Context, id string, active bool) error {
	if err := t.write(); err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(&MemberModel{}).Where("id = ?", id).UpdateColumn("active", active)
	return rowsOrNotFound(res, "member", id)
}

func (t *gormTx) OpenLoan(ctx context.Context, memberID, bookID string, borrowDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	if t.rowLocks {
		var owner MemberModel
		if err := t.forUpdate(ctx).Select("id").Where("id = ?", memberID).First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: member %s", ErrNotFound, memberID)
			}
			return nil, translateGormErr(err)
		}
	}
	if _, err := t.FindOpenLoan(ctx, memberID, bookID); err == nil {
		return nil, fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
	} else if !errors.Is(err, ErrNoOpenLoan) {
		return nil, err
	}
	m := LoanModel{
		RecordID:   uuid.NewString(),
		MemberID:   memberID,
		BookID:     bookID,
		BorrowDate: borrowDate.String(),
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		err = translateGormErr(err)
		if errors.Is(err, ErrDuplicateID) {
			return nil, fmt.Errorf("%w: member %s book %s", ErrDuplicateOpenLoan, memberID, bookID)
		}
		return nil, err
	}
	return m.loan()
}

func (t *gormTx) CloseLoan(ctx context.Context, memberID, bookID string, returnDate civil.Date) (*LoanRecord, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	var m LoanModel
	err := t.forUpdate(ctx).Where("member_id = ? AND book_id = ? AND NOT returned", memberID, bookID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: member %s book %s", ErrNoOpenLoan, memberID, bookID)
	}
	if err != nil {
		return nil, translateGormErr(err)
	}
	rec, err := m.loan()
	if err != nil {
		return nil, err
	}
	if returnDate.Before(rec.BorrowDate) {
		return nil, fmt.Errorf("%w: return %s precedes borrow %s", ErrInvalidDate, returnDate, rec.BorrowDate)
	}
	ret := returnDate.String()
	err = t.db.WithContext(ctx).Model(&LoanModel{}).Where("seq = ?", m.Seq).
		Updates(map[string]any{"return_date": ret, "returned": true}).Error
	if err != nil {
		return nil, translateGormErr(err)
	}
	rec.ReturnDate = &returnDate
	rec.Returned = true
	return rec, nil
}

func (t *gormTx) FindOpenLoan(ctx context.Context, memberID, bookID string) (*LoanRecord, error) {
	var m LoanModel
	err := t.db.WithContext(ctx).Where("member_id = ? AND book_id = ? AND NOT returned", memberID, bookID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: member %s book %s", ErrNoOpenLoan, memberID, bookID)
	}
	if err != nil {
		return nil, translateGormErr(err)
	}
	return m.loan()
}

func (t *gormTx) ListOpen(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	return t.findLoans(t.db.WithContext(ctx).Where("member_id = ? AND NOT returned", memberID))
}

func (t *gormTx) CountOpen(ctx context.Context, memberID string) (int, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&LoanModel{}).Where("member_id = ? AND NOT returned", memberID).Count(&n).Error
	if err != nil {
		return 0, translateGormErr(err)
	}
	return int(n), nil
}

func (t *gormTx) ListLoans(ctx context.Context, memberID string) ([]*LoanRecord, error) {
	return t.findLoans(t.db.WithContext(ctx).Where("member_id = ?", memberID))
}

func (t *gormTx) ListAllOpen(ctx context.Context) ([]*LoanRecord, error) {
	return t.findLoans(t.db.WithContext(ctx).Where("NOT returned"))
}

func (t *gormTx) findLoans(db *gorm.DB) ([]*LoanRecord, error) {
	var models []LoanModel
	if err := db.Order("seq").Find(&models).Error; err != nil {
		return nil, translateGormErr(err)
	}
	res := make([]*LoanRecord, 0, len(models))
	for i := range models {
		l, err := models[i].loan()
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, nil
}

func (m *BookModel) book() *Book {
	b := &Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		Active:          m.Active,
	}
	if m.DigitalLink != nil {
		b.Digital = &Digital{Link: *m.DigitalLink}
		if m.DigitalLimit != nil {
			b.Digital.DownloadLimit = *m.DigitalLimit
		}
	}
	return b
}

func bookModels(models []BookModel) []*Book {
	res := make([]*Book, 0, len(models))
	for i := range models {
		res = append(res, models[i].book())
	}
	return res
}

func (m *MemberModel) member() *Member {
	return &Member{ID: m.ID, Name: m.Name, Email: m.Email, Phone: m.Phone, Active: m.Active}
}

func (m *LoanModel) loan() (*LoanRecord, error) {
	r := loanRow{
		RecordID:   m.RecordID,
		MemberID:   m.MemberID,
		BookID:     m.BookID,
		BorrowDate: m.BorrowDate,
		Returned:   m.Returned,
	}
	if m.ReturnDate != nil {
		r.ReturnDate.String, r.ReturnDate.Valid = *m.ReturnDate, true
	}
	return r.loan()
}

func rowsOrNotFound(res *gorm.DB, kind, id string) error {
	if res.Error != nil {
		return translateGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

// Postgres error codes that mean "try again".
var pgRetryable = map[string]bool{
	"55P03": true, // lock_not_available
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

// MySQL error numbers that mean "try again".
var mysqlRetryable = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	3572: true, // ER_LOCK_NOWAIT
}

func translateGormErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Join(ErrDuplicateID, err)
	case errors.Is(err, gorm.ErrCheckConstraintViolated):
		return errors.Join(ErrInvariantViolation, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgRetryable[pgErr.Code]:
			return errors.Join(ErrBusy, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return errors.Join(ErrStorageUnavailable, err)
		}
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if mysqlRetryable[myErr.Number] {
			return errors.Join(ErrBusy, err)
		}
		return err
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return translateSQLiteErr(err)
}
