package rollup

import (
	"context"
	"time"
)

// NextRun returns the first trigger time strictly after t.
func (j *Job) NextRun(t time.Time) time.Time {
	local := t.In(j.cfg.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), j.hour, j.minute, 0, 0, j.cfg.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, j.hour, j.minute, 0, 0, j.cfg.Location)
	}
	return next
}

// TargetDate is the calendar day aggregated by a trigger firing at t: the
// day before t in the job's time zone.
func (j *Job) TargetDate(t time.Time) time.Time {
	local := t.In(j.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, j.cfg.Location)
}

// Run fires the daily rollup at the configured wall-clock time until ctx
// is cancelled.
func (j *Job) Run(ctx context.Context) {
	j.logger.Info("rollup scheduler started", "trigger_at", j.cfg.TriggerAt, "timezone", j.cfg.Location.String(), "allow_list", len(j.cfg.Guilds))
	for {
		next := j.NextRun(j.now())
		wait := time.Until(next)
		j.logger.Debug("next rollup scheduled", "at", next)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("rollup scheduler stopped")
			return
		case fired := <-timer.C:
			date := j.TargetDate(fired)
			if _, err := j.RunForDate(ctx, date, nil); err != nil {
				j.logger.Error("scheduled rollup failed", "date", date.Format("2006-01-02"), "error", err)
			}
		}
	}
}
