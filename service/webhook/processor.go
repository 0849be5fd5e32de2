package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/service/events"
	"github.com/KAsare1/medibook-server/service/gateway"
)

var tracer = otel.Tracer("medibook/webhook")

var errEventReplayed = errors.New("event already applied")

// Processor applies signed gateway events to appointment and payment state.
// The payment record's external_event_id is the only replay guard; the
// gateway_events table is a log for operators.
type Processor struct {
	db     *gorm.DB
	secret string
	pub    events.Publisher
}

func NewProcessor(db *gorm.DB, secret string, pub events.Publisher) *Processor {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Processor{db: db, secret: secret, pub: pub}
}

// target is the appointment and payment an event refers to.
type target struct {
	appointmentID uint
	paymentID     uint
}

// Handle verifies and applies one delivery. Only ErrSignatureInvalid should
// be turned into a non-2xx reply; every other error is informational.
func (p *Processor) Handle(ctx context.Context, raw []byte, signature string) (models.EventOutcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.Handle")
	defer span.End()

	if !gateway.VerifySignature(p.secret, raw, signature) {
		log.Printf("[webhook] rejected delivery: invalid signature bytes=%d", len(raw))
		return "", utils.ErrSignatureInvalid
	}

	ev, err := gateway.ParseEvent(raw)
	if err != nil {
		log.Printf("[webhook] malformed event err=%v", err)
		span.RecordError(err)
		return models.OutcomeMalformed, err
	}
	return p.apply(ctx, ev, raw)
}

// NotificationSource verifies and resolves deliveries that only point at a
// payment, such as Mercado Pago's.
type NotificationSource interface {
	VerifyNotification(n gateway.Notification) bool
	ResolveNotification(ctx context.Context, n gateway.Notification) (gateway.Event, []byte, error)
}

// HandleNotification verifies n, resolves it into an event through src and
// applies it like a self-contained delivery. A resolution failure wrapping
// ErrUpstream has nothing to record yet; the caller should let the provider
// redeliver.
func (p *Processor) HandleNotification(ctx context.Context, src NotificationSource, n gateway.Notification) (models.EventOutcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.HandleNotification")
	defer span.End()

	if !src.VerifyNotification(n) {
		log.Printf("[webhook] rejected notification: invalid signature data_id=%s", n.DataID)
		return "", utils.ErrSignatureInvalid
	}

	ev, payload, err := src.ResolveNotification(ctx, n)
	if errors.Is(err, utils.ErrMalformedEvent) {
		log.Printf("[webhook] malformed notification data_id=%s err=%v", n.DataID, err)
		span.RecordError(err)
		return models.OutcomeMalformed, err
	}
	if err != nil {
		log.Printf("[webhook] notification unresolved data_id=%s err=%v", n.DataID, err)
		span.RecordError(err)
		return models.OutcomeFailed, err
	}
	return p.apply(ctx, ev, payload)
}

// apply runs a verified event through the idempotency gate and the state
// transitions.
func (p *Processor) apply(ctx context.Context, ev gateway.Event, raw []byte) (models.EventOutcome, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.RawType))

	var seen int64
	if err := p.db.WithContext(ctx).Model(&models.PaymentRecord{}).Where("external_event_id = ?", ev.ID).Count(&seen).Error; err != nil {
		return p.fail(ctx, ev, raw, nil, err)
	}
	if seen > 0 {
		log.Printf("[webhook] duplicate event_id=%s", ev.ID)
		return models.OutcomeDuplicate, nil
	}

	switch ev.Type {
	case gateway.SessionCompleted, gateway.SessionExpired, gateway.PaymentFailed:
	default:
		log.Printf("[webhook] ignored event_id=%s type=%s", ev.ID, ev.RawType)
		p.record(ctx, ev, raw, nil, models.OutcomeIgnored, false, nil)
		return models.OutcomeIgnored, nil
	}

	tgt, err := p.targetOf(ctx, ev)
	if err != nil {
		log.Printf("[webhook] malformed metadata event_id=%s err=%v", ev.ID, err)
		p.record(ctx, ev, raw, nil, models.OutcomeMalformed, true, err)
		return models.OutcomeMalformed, err
	}

	var appt models.Appointment
	err = p.db.WithContext(ctx).Limit(1).Find(&appt, tgt.appointmentID).Error
	if err != nil {
		return p.fail(ctx, ev, raw, &tgt, err)
	}
	if appt.ID == 0 {
		return p.orphaned(ctx, ev, raw, tgt), nil
	}

	if ev.Type != gateway.SessionCompleted {
		log.Printf("[webhook] noted event_id=%s type=%s appointment_id=%d", ev.ID, ev.RawType, tgt.appointmentID)
		p.record(ctx, ev, raw, &tgt, models.OutcomeNoted, false, nil)
		return models.OutcomeNoted, nil
	}
	return p.complete(ctx, ev, raw, tgt)
}

// complete marks the appointment and its payment record PAID in one
// transaction.
func (p *Processor) complete(ctx context.Context, ev gateway.Event, raw []byte, tgt target) (models.EventOutcome, error) {
	var outcome models.EventOutcome
	var correlationID string
	err := db.WithTx(ctx, p.db, func(tx *gorm.DB) error {
		var appt models.Appointment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Limit(1).Find(&appt, tgt.appointmentID).Error
		if err != nil {
			return err
		}
		correlationID = appt.CorrelationID
		switch {
		case appt.ID == 0:
			outcome = models.OutcomeOrphaned
			return nil
		case appt.PaymentStatus == models.PaymentPaid:
			outcome = models.OutcomeAlreadyPaid
			return nil
		case appt.Status == models.AppointmentCanceled:
			outcome = models.OutcomeRefundRequired
			return nil
		}

		res := tx.Model(&models.Appointment{}).
			Where("id = ? AND payment_status = ? AND status <> ?", tgt.appointmentID, models.PaymentUnpaid, models.AppointmentCanceled).
			Update("payment_status", models.PaymentPaid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = models.OutcomeAlreadyPaid
			return nil
		}

		res = tx.Model(&models.PaymentRecord{}).
			Where("id = ? AND appointment_id = ? AND status = ?", tgt.paymentID, tgt.appointmentID, models.PaymentUnpaid).
			Updates(map[string]interface{}{
				"status":            models.PaymentPaid,
				"external_event_id": ev.ID,
				"gateway_payload":   datatypes.JSON(raw),
			})
		if res.Error != nil {
			if db.IsDuplicate(res.Error) {
				return errEventReplayed
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			// rolls the appointment update back with it
			return fmt.Errorf("%w: payment %d is not an unpaid record of appointment %d",
				utils.ErrMalformedEvent, tgt.paymentID, tgt.appointmentID)
		}
		outcome = models.OutcomeApplied
		return nil
	})

	switch {
	case errors.Is(err, errEventReplayed):
		log.Printf("[webhook] duplicate event_id=%s (concurrent delivery)", ev.ID)
		return models.OutcomeDuplicate, nil
	case errors.Is(err, utils.ErrMalformedEvent):
		log.Printf("[webhook] reconcile required event_id=%s err=%v", ev.ID, err)
		if p.record(ctx, ev, raw, &tgt, models.OutcomeMalformed, true, err) {
			p.flagReconcile(ctx, ev, tgt, "payment_mismatch")
		}
		return models.OutcomeMalformed, err
	case err != nil:
		return p.fail(ctx, ev, raw, &tgt, err)
	}

	payload := events.AppointmentPayload{
		AppointmentID: tgt.appointmentID,
		PaymentID:     tgt.paymentID,
		CorrelationID: correlationID,
		EventID:       ev.ID,
	}
	switch outcome {
	case models.OutcomeApplied:
		log.Printf("[webhook] payment applied event_id=%s appointment_id=%d payment_id=%d", ev.ID, tgt.appointmentID, tgt.paymentID)
		p.record(ctx, ev, raw, &tgt, outcome, false, nil)
		events.Emit(ctx, p.pub, events.AppointmentPaid, payload)
	case models.OutcomeRefundRequired:
		log.Printf("[webhook] refund required event_id=%s appointment_id=%d: paid after cancellation", ev.ID, tgt.appointmentID)
		if p.record(ctx, ev, raw, &tgt, outcome, true, nil) {
			payload.Reason = "paid_after_cancellation"
			events.Emit(ctx, p.pub, events.PaymentRefundRequired, payload)
		}
	case models.OutcomeOrphaned:
		return p.orphaned(ctx, ev, raw, tgt), nil
	default:
		log.Printf("[webhook] %s event_id=%s appointment_id=%d", outcome, ev.ID, tgt.appointmentID)
		p.record(ctx, ev, raw, &tgt, outcome, false, nil)
	}
	return outcome, nil
}

func (p *Processor) orphaned(ctx context.Context, ev gateway.Event, raw []byte, tgt target) models.EventOutcome {
	log.Printf("[webhook] reconcile required event_id=%s: appointment %d not found", ev.ID, tgt.appointmentID)
	if p.record(ctx, ev, raw, &tgt, models.OutcomeOrphaned, true, nil) {
		p.flagReconcile(ctx, ev, tgt, "appointment_not_found")
	}
	return models.OutcomeOrphaned
}

func (p *Processor) fail(ctx context.Context, ev gateway.Event, raw []byte, tgt *target, err error) (models.EventOutcome, error) {
	log.Printf("[webhook] processing failed event_id=%s err=%v", ev.ID, err)
	p.record(ctx, ev, raw, tgt, models.OutcomeFailed, true, err)
	return models.OutcomeFailed, err
}

func (p *Processor) flagReconcile(ctx context.Context, ev gateway.Event, tgt target, reason string) {
	events.Emit(ctx, p.pub, events.PaymentReconcileRequired, events.AppointmentPayload{
		AppointmentID: tgt.appointmentID,
		PaymentID:     tgt.paymentID,
		EventID:       ev.ID,
		Reason:        reason,
	})
}

// record upserts the delivery log row for ev and reports whether the outcome
// differs from what an earlier delivery of the same event logged. Operator
// notifications are sent only for new outcomes.
func (p *Processor) record(ctx context.Context, ev gateway.Event, raw []byte, tgt *target, outcome models.EventOutcome, reconcile bool, procErr error) bool {
	conn := p.db.WithContext(context.WithoutCancel(ctx))

	var prev models.GatewayEvent
	if err := conn.Where("event_id = ?", ev.ID).Limit(1).Find(&prev).Error; err != nil {
		log.Printf("[webhook] failed reading event log event_id=%s err=%v", ev.ID, err)
	}

	row := models.GatewayEvent{
		EventID:           ev.ID,
		EventType:         ev.RawType,
		Outcome:           outcome,
		ReconcileRequired: reconcile,
		Payload:           datatypes.JSON(raw),
	}
	if tgt != nil {
		row.AppointmentID = &tgt.appointmentID
		row.PaymentID = &tgt.paymentID
	}
	if procErr != nil {
		row.ProcessingError = procErr.Error()
	}

	err := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "reconcile_required", "processing_error"}),
	}).Create(&row).Error
	if err != nil {
		log.Printf("[webhook] failed recording event_id=%s outcome=%s err=%v", ev.ID, outcome, err)
	}
	return prev.ID == 0 || prev.Outcome != outcome
}

// targetOf reads the correlation metadata. Events that lost it but echo the
// transaction id are matched to their payment record instead.
func (p *Processor) targetOf(ctx context.Context, ev gateway.Event) (target, error) {
	tgt, err := metadataTarget(ev)
	if err == nil || ev.Reference == "" {
		return tgt, err
	}

	var payment models.PaymentRecord
	if ferr := p.db.WithContext(ctx).Where("transaction_id = ?", ev.Reference).Limit(1).Find(&payment).Error; ferr != nil || payment.ID == 0 {
		return target{}, err
	}
	log.Printf("[webhook] matched event_id=%s by reference payment_id=%d", ev.ID, payment.ID)
	return target{appointmentID: payment.AppointmentID, paymentID: payment.ID}, nil
}

func metadataTarget(ev gateway.Event) (target, error) {
	apptID, err := strconv.ParseUint(ev.Metadata[gateway.MetaAppointmentID], 10, 64)
	if err != nil || apptID == 0 {
		return target{}, fmt.Errorf("%w: metadata.%s missing or not numeric", utils.ErrMalformedEvent, gateway.MetaAppointmentID)
	}
	payID, err := strconv.ParseUint(ev.Metadata[gateway.MetaPaymentID], 10, 64)
	if err != nil || payID == 0 {
		return target{}, fmt.Errorf("%w: metadata.%s missing or not numeric", utils.ErrMalformedEvent, gateway.MetaPaymentID)
	}
	return target{appointmentID: uint(apptID), paymentID: uint(payID)}, nil
}
