package appointment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/service/events"
	"github.com/KAsare1/medibook-server/service/gateway"
)

var tracer = otel.Tracer("medibook/appointment")

// session_id holds this prefix while a checkout session request is in flight.
const sessionClaimPrefix = "pending:"

var errSessionClaimed = errors.New("checkout session is already being requested")

type Options struct {
	Currency string
	// Timeout bounds a single checkout session request.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Service reserves bindings and obtains checkout sessions for them.
//
// A reservation is committed before the gateway is called. If every session
// attempt fails the reservation is released again by the same routine the
// reaper uses, so a booking never holds a slot without a way to pay for it.
type Service struct {
	db      *gorm.DB
	gateway gateway.SessionGateway
	pub     events.Publisher
	opts    Options
}

func NewService(db *gorm.DB, gw gateway.SessionGateway, pub events.Publisher, opts Options) *Service {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "GHS"
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{db: db, gateway: gw, pub: pub, opts: opts}
}

type BookResult struct {
	Appointment models.Appointment
	RedirectURL string
}

func (s *Service) Book(ctx context.Context, patientID, doctorID, slotID uint, payNow bool) (BookResult, error) {
	ctx, span := tracer.Start(ctx, "appointment.Book")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("doctor.id", int64(doctorID)),
		attribute.Int64("slot.id", int64(slotID)),
		attribute.Bool("pay_now", payNow),
	)

	var (
		appt    models.Appointment
		payment models.PaymentRecord
		patient models.Patient
	)
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.First(&patient, patientID).Error; err != nil {
			return notFound(err, "patient", patientID)
		}
		var doctor models.Doctor
		if err := tx.First(&doctor, doctorID).Error; err != nil {
			return notFound(err, "doctor", doctorID)
		}
		if doctor.Retired {
			return fmt.Errorf("%w: doctor %d is retired", utils.ErrNotFound, doctorID)
		}

		var binding models.Binding
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("doctor_id = ? AND slot_id = ?", doctorID, slotID).
			First(&binding).Error; err != nil {
			return notFound(err, "slot", slotID)
		}
		if binding.IsBooked {
			return fmt.Errorf("%w: slot %d is already booked", utils.ErrConflict, slotID)
		}

		appt = models.Appointment{
			PatientID:     patientID,
			DoctorID:      doctorID,
			SlotID:        slotID,
			Status:        models.AppointmentScheduled,
			PaymentStatus: models.PaymentUnpaid,
			CorrelationID: uuid.NewString(),
		}
		if err := tx.Create(&appt).Error; err != nil {
			if db.IsDuplicate(err) {
				return fmt.Errorf("%w: slot %d is already booked", utils.ErrConflict, slotID)
			}
			return err
		}

		flip := tx.Model(&models.Binding{}).
			Where("id = ? AND is_booked = ?", binding.ID, false).
			Update("is_booked", true)
		if flip.Error != nil {
			return flip.Error
		}
		if flip.RowsAffected == 0 {
			return fmt.Errorf("%w: slot %d is already booked", utils.ErrConflict, slotID)
		}

		payment = models.PaymentRecord{
			AppointmentID: appt.ID,
			Amount:        doctor.Fee,
			Currency:      s.opts.Currency,
			TransactionID: uuid.NewString(),
			Status:        models.PaymentUnpaid,
		}
		return tx.Create(&payment).Error
	})
	if err != nil {
		span.RecordError(err)
		return BookResult{}, err
	}

	log.Printf("[booking] reserved appointment_id=%d doctor_id=%d slot_id=%d correlation_id=%s",
		appt.ID, doctorID, slotID, appt.CorrelationID)
	events.Emit(ctx, s.pub, events.AppointmentBooked, events.AppointmentPayload{
		AppointmentID: appt.ID,
		PaymentID:     payment.ID,
		CorrelationID: appt.CorrelationID,
	})

	appt.Payment = &payment
	if !payNow {
		return BookResult{Appointment: appt}, nil
	}

	session, err := s.openSession(ctx, &appt, patient.Email)
	if err != nil {
		span.RecordError(err)
		s.compensate(ctx, appt.ID)
		return BookResult{}, fmt.Errorf("%w: checkout session for appointment %d: %v", utils.ErrUpstream, appt.ID, err)
	}
	return BookResult{Appointment: appt, RedirectURL: session.RedirectURL}, nil
}

// InitiatePayment issues a checkout session for an existing unpaid
// appointment. An already issued session is returned as is. A gateway failure
// leaves the reservation in place for the reaper.
func (s *Service) InitiatePayment(ctx context.Context, patientID, appointmentID uint) (BookResult, error) {
	ctx, span := tracer.Start(ctx, "appointment.InitiatePayment")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment.id", int64(appointmentID)))

	var appt models.Appointment
	if err := s.db.WithContext(ctx).Preload("Payment").First(&appt, appointmentID).Error; err != nil {
		return BookResult{}, notFound(err, "appointment", appointmentID)
	}
	if appt.PatientID != patientID {
		return BookResult{}, fmt.Errorf("%w: appointment %d", utils.ErrUnauthorized, appointmentID)
	}
	if appt.Status != models.AppointmentScheduled || appt.PaymentStatus != models.PaymentUnpaid {
		return BookResult{}, fmt.Errorf("%w: appointment %d is %s/%s", utils.ErrConflict, appointmentID, appt.Status, appt.PaymentStatus)
	}
	if appt.Payment == nil {
		return BookResult{}, fmt.Errorf("%w: appointment %d has no payment record", utils.ErrConflict, appointmentID)
	}
	if appt.Payment.CheckoutURL != "" {
		return BookResult{Appointment: appt, RedirectURL: appt.Payment.CheckoutURL}, nil
	}

	var patient models.Patient
	if err := s.db.WithContext(ctx).First(&patient, patientID).Error; err != nil {
		return BookResult{}, notFound(err, "patient", patientID)
	}

	session, err := s.openSession(ctx, &appt, patient.Email)
	if errors.Is(err, errSessionClaimed) {
		// a concurrent request holds the claim; hand out its session once stored
		var payment models.PaymentRecord
		if ferr := s.db.WithContext(ctx).First(&payment, appt.Payment.ID).Error; ferr == nil && payment.CheckoutURL != "" {
			appt.Payment = &payment
			return BookResult{Appointment: appt, RedirectURL: payment.CheckoutURL}, nil
		}
		return BookResult{}, fmt.Errorf("%w: appointment %d: %v", utils.ErrConflict, appointmentID, err)
	}
	if err != nil {
		span.RecordError(err)
		return BookResult{}, fmt.Errorf("%w: checkout session for appointment %d: %v", utils.ErrUpstream, appointmentID, err)
	}
	return BookResult{Appointment: appt, RedirectURL: session.RedirectURL}, nil
}

// Cancel is the patient-initiated cancellation. A paid appointment keeps its
// payment record and is flagged for refund.
func (s *Service) Cancel(ctx context.Context, patientID, appointmentID uint) (models.Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.Cancel")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment.id", int64(appointmentID)))

	var appt models.Appointment
	var paymentID uint
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		appt = models.Appointment{}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&appt, appointmentID).Error; err != nil {
			return notFound(err, "appointment", appointmentID)
		}
		if appt.PatientID != patientID {
			return fmt.Errorf("%w: appointment %d", utils.ErrUnauthorized, appointmentID)
		}
		if appt.Status != models.AppointmentScheduled {
			return fmt.Errorf("%w: appointment %d is %s", utils.ErrConflict, appointmentID, appt.Status)
		}

		res := tx.Model(&models.Appointment{}).
			Where("id = ? AND status = ?", appointmentID, models.AppointmentScheduled).
			Update("status", models.AppointmentCanceled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: appointment %d changed concurrently", utils.ErrConflict, appointmentID)
		}
		if err := releaseBinding(tx, appt.DoctorID, appt.SlotID); err != nil {
			return err
		}

		if appt.PaymentStatus == models.PaymentUnpaid {
			return tx.Where("appointment_id = ? AND status = ?", appointmentID, models.PaymentUnpaid).
				Delete(&models.PaymentRecord{}).Error
		}
		var payment models.PaymentRecord
		if err := tx.Where("appointment_id = ?", appointmentID).Limit(1).Find(&payment).Error; err != nil {
			return err
		}
		paymentID = payment.ID
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return models.Appointment{}, err
	}
	appt.Status = models.AppointmentCanceled

	log.Printf("[booking] canceled appointment_id=%d payment_status=%s", appt.ID, appt.PaymentStatus)
	events.Emit(ctx, s.pub, events.AppointmentReleased, events.AppointmentPayload{
		AppointmentID: appt.ID,
		CorrelationID: appt.CorrelationID,
		Reason:        "canceled",
	})
	if appt.PaymentStatus == models.PaymentPaid {
		log.Printf("[booking] refund required appointment_id=%d payment_id=%d", appt.ID, paymentID)
		events.Emit(ctx, s.pub, events.PaymentRefundRequired, events.AppointmentPayload{
			AppointmentID: appt.ID,
			PaymentID:     paymentID,
			CorrelationID: appt.CorrelationID,
			Reason:        "canceled_after_payment",
		})
	}
	return appt, nil
}

// Get returns the caller's appointment with its slot and payment.
func (s *Service) Get(ctx context.Context, patientID, appointmentID uint) (models.Appointment, error) {
	var appt models.Appointment
	if err := s.db.WithContext(ctx).Preload("Slot").Preload("Payment").First(&appt, appointmentID).Error; err != nil {
		return models.Appointment{}, notFound(err, "appointment", appointmentID)
	}
	if appt.PatientID != patientID {
		return models.Appointment{}, fmt.Errorf("%w: appointment %d", utils.ErrUnauthorized, appointmentID)
	}
	return appt, nil
}

// openSession claims the payment record, asks the gateway for a checkout
// session with retries and stores the session on the record. Only the holder
// of the claim calls the gateway.
func (s *Service) openSession(ctx context.Context, appt *models.Appointment, email string) (gateway.Session, error) {
	payment := appt.Payment
	claim, err := s.claimSession(ctx, payment.ID)
	if err != nil {
		return gateway.Session{}, err
	}
	req := gateway.SessionRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Reference:   payment.TransactionID,
		Email:       email,
		Description: fmt.Sprintf("Appointment #%d", appt.ID),
		Metadata: map[string]string{
			gateway.MetaAppointmentID: strconv.FormatUint(uint64(appt.ID), 10),
			gateway.MetaPaymentID:     strconv.FormatUint(uint64(payment.ID), 10),
		},
	}

	var lastErr error
attempts:
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 && s.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(s.opts.Backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		session, err := s.gateway.CreateCheckoutSession(callCtx, req)
		cancel()
		if err == nil {
			s.storeSession(ctx, payment, session)
			log.Printf("[booking] checkout session issued appointment_id=%d session_id=%s attempt=%d", appt.ID, session.ID, attempt)
			return session, nil
		}
		lastErr = err
		log.Printf("[booking] checkout session failed appointment_id=%d attempt=%d/%d err=%v", appt.ID, attempt, s.opts.MaxAttempts, err)
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break attempts
		}
	}
	s.releaseClaim(ctx, payment.ID, claim)
	return gateway.Session{}, lastErr
}

// claimSession marks the payment record as having a session request in
// flight. The update only matches a record without a session, so concurrent
// callers cannot both reach the gateway.
func (s *Service) claimSession(ctx context.Context, paymentID uint) (string, error) {
	claim := sessionClaimPrefix + uuid.NewString()
	res := s.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ? AND (session_id IS NULL OR session_id = '')", paymentID, models.PaymentUnpaid).
		Update("session_id", claim)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("[booking] checkout session already requested payment_id=%d", paymentID)
		return "", errSessionClaimed
	}
	return claim, nil
}

func (s *Service) releaseClaim(ctx context.Context, paymentID uint, claim string) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.PaymentRecord{}).
		Where("id = ? AND session_id = ?", paymentID, claim).
		Update("session_id", "").Error
	if err != nil {
		log.Printf("[booking] failed releasing session claim payment_id=%d err=%v", paymentID, err)
	}
}

func (s *Service) storeSession(ctx context.Context, payment *models.PaymentRecord, session gateway.Session) {
	payment.SessionID = session.ID
	payment.CheckoutURL = session.RedirectURL
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.PaymentRecord{}).
		Where("id = ?", payment.ID).
		Updates(map[string]interface{}{"session_id": session.ID, "checkout_url": session.RedirectURL}).Error
	if err != nil {
		// the session is still usable; only the resume shortcut is lost
		log.Printf("[booking] failed storing session payment_id=%d err=%v", payment.ID, err)
	}
}

// compensate releases a reservation whose checkout session could not be
// issued. It runs even when the caller has gone away.
func (s *Service) compensate(ctx context.Context, appointmentID uint) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	var released bool
	err := db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		released, err = ReleaseUnpaid(tx, appointmentID)
		return err
	})
	if err != nil {
		log.Printf("[booking] compensation failed appointment_id=%d err=%v", appointmentID, err)
		return
	}
	if !released {
		log.Printf("[booking] compensation skipped appointment_id=%d", appointmentID)
		return
	}
	log.Printf("[booking] reservation released after gateway failure appointment_id=%d", appointmentID)
	events.Emit(ctx, s.pub, events.AppointmentReleased, events.AppointmentPayload{
		AppointmentID: appointmentID,
		Reason:        "gateway_failure",
	})
}

// ReleaseUnpaid cancels an appointment that is still scheduled and unpaid,
// frees its binding and deletes its payment record, all on tx. It reports
// false and changes nothing when the appointment is gone, paid or no longer
// scheduled.
func ReleaseUnpaid(tx *gorm.DB, appointmentID uint) (bool, error) {
	var appt models.Appointment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&appt, appointmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if appt.PaymentStatus != models.PaymentUnpaid || appt.Status != models.AppointmentScheduled {
		return false, nil
	}

	res := tx.Model(&models.Appointment{}).
		Where("id = ? AND payment_status = ? AND status = ?", appointmentID, models.PaymentUnpaid, models.AppointmentScheduled).
		Update("status", models.AppointmentCanceled)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := releaseBinding(tx, appt.DoctorID, appt.SlotID); err != nil {
		return false, err
	}
	if err := tx.Where("appointment_id = ? AND status = ?", appointmentID, models.PaymentUnpaid).
		Delete(&models.PaymentRecord{}).Error; err != nil {
		return false, err
	}
	return true, nil
}

func releaseBinding(tx *gorm.DB, doctorID, slotID uint) error {
	return tx.Model(&models.Binding{}).
		Where("doctor_id = ? AND slot_id = ?", doctorID, slotID).
		Update("is_booked", false).Error
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %d", utils.ErrNotFound, what, id)
	}
	return err
}
