package reaper

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/KAsare1/medibook-server/service/events"
)

var tracer = otel.Tracer("medibook/reaper")

type Options struct {
	// Timeout is how long an appointment may stay unpaid.
	Timeout   time.Duration
	Period    time.Duration
	BatchSize int
}

type Result struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

// Reaper releases reservations that were never paid for. Each sweep is a
// plain query followed by one transaction per appointment.
type Reaper struct {
	db   *gorm.DB
	pub  events.Publisher
	opts Options
	now  func() time.Time
}

func New(db *gorm.DB, pub events.Publisher, opts Options) *Reaper {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.Period <= 0 {
		opts.Period = 5 * time.Minute
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Reaper{db: db, pub: pub, opts: opts, now: time.Now}
}

// Run sweeps once immediately and then every period until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("[reaper] started period=%s timeout=%s batch=%d", r.opts.Period, r.opts.Timeout, r.opts.BatchSize)
	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		log.Printf("[reaper] sweep failed err=%v", err)
		return
	}
	if res.Scanned > 0 {
		log.Printf("[reaper] sweep scanned=%d released=%d skipped=%d failed=%d",
			res.Scanned, res.Released, res.Skipped, res.Failed)
	}
}

// Sweep releases at most one batch of stale unpaid appointments. A failing
// item is counted and left for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "reaper.Sweep")
	defer span.End()

	cutoff := r.now().Add(-r.opts.Timeout).UTC()
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("payment_status = ? AND status = ? AND created_at < ?", models.PaymentUnpaid, models.AppointmentScheduled, cutoff).
		Order("created_at").
		Limit(r.opts.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	res := Result{Scanned: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		var released bool
		err := db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
			var err error
			released, err = appointment.ReleaseUnpaid(tx, id)
			return err
		})
		switch {
		case err != nil:
			res.Failed++
			log.Printf("[reaper] release failed appointment_id=%d err=%v", id, err)
		case released:
			res.Released++
			log.Printf("[reaper] released appointment_id=%d", id)
			events.Emit(ctx, r.pub, events.AppointmentReleased, events.AppointmentPayload{
				AppointmentID: id,
				Reason:        "reservation_timeout",
			})
		default:
			res.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("reaper.scanned", res.Scanned),
		attribute.Int("reaper.released", res.Released),
		attribute.Int("reaper.failed", res.Failed),
	)
	return res, nil
}
