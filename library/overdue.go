package library

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/robfig/cron/v3"
)

// DefaultOverdueSchedule runs the overdue scan every morning at 08:30.
const DefaultOverdueSchedule = "30 8 * * *"

// ReportFunc receives the result of each scheduled overdue scan.
type ReportFunc func(asOf civil.Date, overdue []OverdueLoan)

// OverdueWatcher runs LibraryManager.Overdue on a cron schedule.
type OverdueWatcher struct {
	lm       *LibraryManager
	cron     *cron.Cron
	schedule string
	report   ReportFunc
}

// NewOverdueWatcher parses schedule (standard five-field cron syntax) and
// prepares a watcher. report may be nil; every scan is logged either way.
func NewOverdueWatcher(lm *LibraryManager, schedule string, report ReportFunc) (*OverdueWatcher, error) {
	if schedule == "" {
		schedule = DefaultOverdueSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: overdue schedule %q: %v", ErrInvalidInput, schedule, err)
	}
	w := &OverdueWatcher{
		lm:       lm,
		cron:     cron.New(cron.WithLocation(lm.loc)),
		schedule: schedule,
		report:   report,
	}
	if _, err := w.cron.AddFunc(schedule, func() {
		if _, err := w.Scan(context.Background()); err != nil {
			lm.log.Error("overdue scan failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("%w: overdue schedule %q: %v", ErrInvalidInput, schedule, err)
	}
	return w, nil
}

// Scan runs one overdue pass for today.
func (w *OverdueWatcher) Scan(ctx context.Context) ([]OverdueLoan, error) {
	today := w.lm.Today()
	overdue, err := w.lm.Overdue(ctx, today)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, o := range overdue {
		total += o.Fine
		w.lm.log.Warn("loan overdue",
			"record_id", o.Loan.RecordID,
			"member_id", o.Loan.MemberID,
			"book_id", o.Loan.BookID,
			"days_overdue", o.DaysOverdue,
			"fine", o.Fine,
		)
	}
	w.lm.log.Info("overdue scan finished", "as_of", today.String(), "count", len(overdue), "fines", total)
	if w.report != nil {
		w.report(today, overdue)
	}
	return overdue, nil
}

// Schedule returns the cron expression the watcher runs on.
func (w *OverdueWatcher) Schedule() string { return w.schedule }

// Start begins running scans in the background.
func (w *OverdueWatcher) Start() { w.cron.Start() }

// Stop halts the scheduler and waits for a running scan to finish or ctx to end.
func (w *OverdueWatcher) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
