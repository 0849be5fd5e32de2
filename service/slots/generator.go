package slots

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db"
)

// maxRangeDays bounds a single generation request.
const maxRangeDays = 366

var tracer = otel.Tracer("medibook/slots")

// TimeOfDay is a wall-clock time in the generator's reference zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM". "24:00" denotes the end of the day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q must be HH:MM", utils.ErrInvalidRequest, s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q out of range", utils.ErrInvalidRequest, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) on(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

type GenerateRequest struct {
	// DoctorID, when non-zero, binds every generated slot to that doctor.
	DoctorID uint
	// From and To are calendar dates, inclusive. Only the date part is used.
	From, To time.Time
	DayStart TimeOfDay
	DayEnd   TimeOfDay
	// Interval defaults to the generator's configured interval.
	Interval time.Duration
}

type Result struct {
	Created  int           `json:"created"`
	Existing int           `json:"existing"`
	Bound    int           `json:"bound"`
	Slots    []models.Slot `json:"slots"`
}

// Generator turns a date range and a daily window into deduplicated slots.
// Day windows are read in a single reference zone; instants are stored in UTC.
type Generator struct {
	db       *gorm.DB
	loc      *time.Location
	interval time.Duration
}

func NewGenerator(db *gorm.DB, loc *time.Location, interval time.Duration) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{db: db, loc: loc, interval: interval}
}

// Plan returns the candidate intervals for req without touching storage.
// Only whole intervals are emitted; a day whose start is not before its end
// contributes nothing.
func (g *Generator) Plan(req GenerateRequest) ([]models.Slot, error) {
	step := req.Interval
	if step == 0 {
		step = g.interval
	}
	if step <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", utils.ErrInvalidRequest)
	}

	from := time.Date(req.From.Year(), req.From.Month(), req.From.Day(), 0, 0, 0, 0, g.loc)
	to := time.Date(req.To.Year(), req.To.Month(), req.To.Day(), 0, 0, 0, 0, g.loc)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end date before start date", utils.ErrInvalidRequest)
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", utils.ErrInvalidRequest, maxRangeDays)
	}

	var out []models.Slot
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		start := req.DayStart.on(day, g.loc)
		end := req.DayEnd.on(day, g.loc)
		if !start.Before(end) {
			continue
		}
		for s := start; !s.Add(step).After(end); s = s.Add(step) {
			out = append(out, models.Slot{StartAt: s.UTC(), EndAt: s.Add(step).UTC()})
		}
	}
	return out, nil
}

// Generate persists the planned slots. Existing slots are reused and a lost
// insert race counts as existing, so concurrent and repeated runs converge.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "slots.Generate")
	defer span.End()
	span.SetAttributes(attribute.Int64("doctor.id", int64(req.DoctorID)))

	planned, err := g.Plan(req)
	if err != nil {
		return Result{}, err
	}

	conn := g.db.WithContext(ctx)
	if req.DoctorID != 0 {
		var doctor models.Doctor
		if err := conn.First(&doctor, req.DoctorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Result{}, fmt.Errorf("%w: doctor %d", utils.ErrNotFound, req.DoctorID)
			}
			return Result{}, err
		}
		if doctor.Retired {
			return Result{}, fmt.Errorf("%w: doctor %d is retired", utils.ErrNotFound, req.DoctorID)
		}
	}

	res := Result{Slots: make([]models.Slot, 0, len(planned))}
	for _, candidate := range planned {
		slot, created, err := ensureSlot(conn, candidate.StartAt, candidate.EndAt)
		if err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("slot %s: %w", candidate.StartAt.Format(time.RFC3339), err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
		res.Slots = append(res.Slots, slot)

		if req.DoctorID != 0 {
			bound, err := ensureBinding(conn, req.DoctorID, slot.ID)
			if err != nil {
				span.RecordError(err)
				return res, fmt.Errorf("bind slot %d: %w", slot.ID, err)
			}
			if bound {
				res.Bound++
			}
		}
	}

	log.Printf("[slots] generated doctor_id=%d window=%s-%s created=%d existing=%d bound=%d",
		req.DoctorID, req.DayStart, req.DayEnd, res.Created, res.Existing, res.Bound)
	return res, nil
}

func ensureSlot(conn *gorm.DB, start, end time.Time) (models.Slot, bool, error) {
	var slot models.Slot
	if err := conn.Where("start_at = ? AND end_at = ?", start, end).Limit(1).Find(&slot).Error; err != nil {
		return slot, false, err
	}
	if slot.ID != 0 {
		return slot, false, nil
	}

	slot = models.Slot{StartAt: start, EndAt: end}
	tx := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&slot)
	if tx.Error != nil {
		return slot, false, tx.Error
	}
	if tx.RowsAffected == 1 {
		return slot, true, nil
	}

	// another generator inserted it between the lookup and the insert
	slot = models.Slot{}
	if err := conn.Where("start_at = ? AND end_at = ?", start, end).First(&slot).Error; err != nil {
		return slot, false, err
	}
	return slot, false, nil
}

func ensureBinding(conn *gorm.DB, doctorID, slotID uint) (bool, error) {
	binding := models.Binding{DoctorID: doctorID, SlotID: slotID}
	tx := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&binding)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// DeleteSlot removes a slot nothing refers to.
func (g *Generator) DeleteSlot(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "slots.DeleteSlot")
	defer span.End()

	err := db.WithTx(ctx, g.db, func(tx *gorm.DB) error {
		var slot models.Slot
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&slot, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slot %d", utils.ErrNotFound, id)
			}
			return err
		}

		var refs int64
		if err := tx.Model(&models.Binding{}).Where("slot_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs == 0 {
			if err := tx.Model(&models.Appointment{}).Where("slot_id = ?", id).Count(&refs).Error; err != nil {
				return err
			}
		}
		if refs > 0 {
			return fmt.Errorf("%w: slot %d is still referenced", utils.ErrConflict, id)
		}
		return tx.Delete(&slot).Error
	})
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: slot %d is still referenced", utils.ErrConflict, id)
	}
	if err != nil {
		return err
	}
	log.Printf("[slots] deleted slot_id=%d", id)
	return nil
}
