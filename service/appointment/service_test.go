package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db/dbtest"
	"github.com/KAsare1/medibook-server/service/events"
	evmocks "github.com/KAsare1/medibook-server/service/events/mocks"
	"github.com/KAsare1/medibook-server/service/gateway"
	gwmocks "github.com/KAsare1/medibook-server/service/gateway/mocks"
)

type fixture struct {
	db      *gorm.DB
	svc     *Service
	gw      *gwmocks.MockSessionGateway
	patient models.Patient
	doctor  models.Doctor
	binding models.Binding
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureOn(t, dbtest.New(t))
}

func newFixtureOn(t *testing.T, gdb *gorm.DB) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockSessionGateway(ctrl)
	f := fixture{
		db:      gdb,
		gw:      gw,
		svc:     NewService(gdb, gw, events.NopPublisher{}, Options{Currency: "GHS", Timeout: time.Second, MaxAttempts: 3}),
		patient: dbtest.SeedPatient(t, gdb, "ama"),
		doctor:  dbtest.SeedDoctor(t, gdb, "mensah", "150.00"),
	}
	f.binding = dbtest.SeedBinding(t, gdb, f.doctor.ID, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	return f
}

func (f fixture) markPaid(t *testing.T, appointmentID uint) {
	t.Helper()
	if err := f.db.Model(&models.Appointment{}).Where("id = ?", appointmentID).Update("payment_status", models.PaymentPaid).Error; err != nil {
		t.Fatalf("mark appointment paid: %v", err)
	}
	if err := f.db.Model(&models.PaymentRecord{}).Where("appointment_id = ?", appointmentID).Update("status", models.PaymentPaid).Error; err != nil {
		t.Fatalf("mark payment paid: %v", err)
	}
}

func TestBook_DeferredPayment(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.RedirectURL != "" {
		t.Fatalf("redirect = %q, want none", res.RedirectURL)
	}

	appt := dbtest.ReloadAppointment(t, f.db, res.Appointment.ID)
	if appt.Status != models.AppointmentScheduled || appt.PaymentStatus != models.PaymentUnpaid {
		t.Fatalf("appointment = %s/%s", appt.Status, appt.PaymentStatus)
	}
	if appt.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}
	if b := dbtest.ReloadBinding(t, f.db, f.doctor.ID, f.binding.SlotID); !b.IsBooked {
		t.Fatal("binding not booked")
	}

	payment := dbtest.PaymentFor(t, f.db, appt.ID)
	if payment == nil {
		t.Fatal("payment record missing")
	}
	if payment.Status != models.PaymentUnpaid || payment.TransactionID == "" || payment.Currency != "GHS" {
		t.Fatalf("payment = %+v", payment)
	}
	if payment.Amount.StringFixed(2) != "150.00" {
		t.Fatalf("amount = %s, want doctor's fee", payment.Amount)
	}
}

func TestBook_SecondBookingConflicts(t *testing.T) {
	f := newFixture(t)
	other := dbtest.SeedPatient(t, f.db, "kofi")

	if _, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	_, err := f.svc.Book(context.Background(), other.ID, f.doctor.ID, f.binding.SlotID, false)
	if !errors.Is(err, utils.ErrConflict) {
		t.Fatalf("second booking err = %v, want ErrConflict", err)
	}

	var n int64
	f.db.Model(&models.Appointment{}).Count(&n)
	if n != 1 {
		t.Fatalf("appointments = %d, want 1", n)
	}
}

func TestBook_ConcurrentBookingsHaveOneWinner(t *testing.T) {
	dbtest.Each(t, func(t *testing.T, gdb *gorm.DB) {
		f := newFixtureOn(t, gdb)

		const contenders = 10
		patients := make([]models.Patient, contenders)
		for i := range patients {
			patients[i] = dbtest.SeedPatient(t, f.db, fmt.Sprintf("patient%d", i))
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for _, p := range patients {
			wg.Add(1)
			go func(patientID uint) {
				defer wg.Done()
				_, err := f.svc.Book(context.Background(), patientID, f.doctor.ID, f.binding.SlotID, false)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, utils.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected err: %v", err)
				}
			}(p.ID)
		}
		wg.Wait()

		if wins != 1 || conflicts != contenders-1 {
			t.Fatalf("wins = %d conflicts = %d", wins, conflicts)
		}
		var active int64
		f.db.Model(&models.Appointment{}).Where("slot_id = ? AND status <> ?", f.binding.SlotID, models.AppointmentCanceled).Count(&active)
		if active != 1 {
			t.Fatalf("active appointments = %d, want 1", active)
		}
	})
}

func TestBook_PayNowPassesCorrelationMetadata(t *testing.T) {
	f := newFixture(t)

	var sent gateway.SessionRequest
	f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req gateway.SessionRequest) (gateway.Session, error) {
			sent = req
			return gateway.Session{ID: "cs_1", RedirectURL: "https://pay.example/cs_1"}, nil
		})

	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, true)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.RedirectURL != "https://pay.example/cs_1" {
		t.Fatalf("redirect = %q", res.RedirectURL)
	}

	payment := dbtest.PaymentFor(t, f.db, res.Appointment.ID)
	if payment.SessionID != "cs_1" || payment.CheckoutURL != "https://pay.example/cs_1" {
		t.Fatalf("session not stored: %+v", payment)
	}
	if sent.Metadata[gateway.MetaAppointmentID] != fmt.Sprint(res.Appointment.ID) ||
		sent.Metadata[gateway.MetaPaymentID] != fmt.Sprint(payment.ID) {
		t.Fatalf("metadata = %+v", sent.Metadata)
	}
	if sent.Reference != payment.TransactionID || sent.Amount.StringFixed(2) != "150.00" || sent.Email != "ama@example.com" {
		t.Fatalf("request = %+v", sent)
	}
}

func TestBook_GatewayRecoversOnRetry(t *testing.T) {
	f := newFixture(t)

	gomock.InOrder(
		f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(gateway.Session{}, errors.New("timeout")),
		f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(gateway.Session{ID: "cs_2", RedirectURL: "https://pay.example/cs_2"}, nil),
	)

	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, true)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.RedirectURL != "https://pay.example/cs_2" {
		t.Fatalf("redirect = %q", res.RedirectURL)
	}
}

func TestBook_GatewayFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		Return(gateway.Session{}, errors.New("connection refused")).Times(3)

	_, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, true)
	if !errors.Is(err, utils.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	var appt models.Appointment
	if err := f.db.Where("patient_id = ?", f.patient.ID).First(&appt).Error; err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if appt.Status != models.AppointmentCanceled || appt.PaymentStatus != models.PaymentUnpaid {
		t.Fatalf("appointment = %s/%s, want CANCELED/UNPAID", appt.Status, appt.PaymentStatus)
	}
	if b := dbtest.ReloadBinding(t, f.db, f.doctor.ID, f.binding.SlotID); b.IsBooked {
		t.Fatal("binding still booked")
	}
	if p := dbtest.PaymentFor(t, f.db, appt.ID); p != nil {
		t.Fatalf("payment record kept: %+v", p)
	}

	// the slot is bookable again
	other := dbtest.SeedPatient(t, f.db, "kofi")
	if _, err := f.svc.Book(context.Background(), other.ID, f.doctor.ID, f.binding.SlotID, false); err != nil {
		t.Fatalf("rebook after release: %v", err)
	}
}

func TestBook_NotFound(t *testing.T) {
	f := newFixture(t)
	retired := dbtest.SeedDoctor(t, f.db, "boateng", "90.00")
	f.db.Model(&retired).Update("retired", true)
	retiredBinding := dbtest.SeedBinding(t, f.db, retired.ID, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC))

	tests := []struct {
		name      string
		patientID uint
		doctorID  uint
		slotID    uint
	}{
		{"unknown patient", 999, f.doctor.ID, f.binding.SlotID},
		{"unknown doctor", f.patient.ID, 999, f.binding.SlotID},
		{"retired doctor", f.patient.ID, retired.ID, retiredBinding.SlotID},
		{"slot not bound to doctor", f.patient.ID, f.doctor.ID, retiredBinding.SlotID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tc.patientID, tc.doctorID, tc.slotID, false)
			if !errors.Is(err, utils.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}

	var n int64
	f.db.Model(&models.Appointment{}).Count(&n)
	if n != 0 {
		t.Fatalf("appointments = %d, want 0", n)
	}
}

func TestInitiatePayment(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	id := res.Appointment.ID

	t.Run("not owner", func(t *testing.T) {
		other := dbtest.SeedPatient(t, f.db, "kofi")
		if _, err := f.svc.InitiatePayment(context.Background(), other.ID, id); !errors.Is(err, utils.ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, 999); !errors.Is(err, utils.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("gateway down keeps reservation", func(t *testing.T) {
		f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(gateway.Session{}, errors.New("503")).Times(3)
		if _, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id); !errors.Is(err, utils.ErrUpstream) {
			t.Fatalf("err = %v, want ErrUpstream", err)
		}
		if appt := dbtest.ReloadAppointment(t, f.db, id); appt.Status != models.AppointmentScheduled {
			t.Fatalf("status = %s, want SCHEDULED", appt.Status)
		}
	})

	t.Run("issues then reuses session", func(t *testing.T) {
		f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
			Return(gateway.Session{ID: "cs_3", RedirectURL: "https://pay.example/cs_3"}, nil).Times(1)

		for i := 0; i < 2; i++ {
			got, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id)
			if err != nil {
				t.Fatalf("InitiatePayment: %v", err)
			}
			if got.RedirectURL != "https://pay.example/cs_3" {
				t.Fatalf("redirect = %q", got.RedirectURL)
			}
		}
	})

	t.Run("already paid", func(t *testing.T) {
		f.markPaid(t, id)
		if _, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id); !errors.Is(err, utils.ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})
}

func TestInitiatePayment_ConcurrentCallsOpenOneSession(t *testing.T) {
	dbtest.Each(t, func(t *testing.T, gdb *gorm.DB) {
		f := newFixtureOn(t, gdb)
		res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
		if err != nil {
			t.Fatalf("Book: %v", err)
		}
		id := res.Appointment.ID

		inFlight := make(chan struct{})
		release := make(chan struct{})
		f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, gateway.SessionRequest) (gateway.Session, error) {
				close(inFlight)
				<-release
				return gateway.Session{ID: "cs_once", RedirectURL: "https://pay.example/cs_once"}, nil
			}).Times(1)

		first := make(chan error, 1)
		go func() {
			_, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id)
			first <- err
		}()

		<-inFlight
		if _, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id); !errors.Is(err, utils.ErrConflict) {
			close(release)
			t.Fatalf("err while a session is in flight = %v, want ErrConflict", err)
		}
		close(release)
		if err := <-first; err != nil {
			t.Fatalf("first InitiatePayment: %v", err)
		}

		got, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, id)
		if err != nil || got.RedirectURL != "https://pay.example/cs_once" {
			t.Fatalf("after issue: redirect = %q err = %v", got.RedirectURL, err)
		}
		if payment := dbtest.PaymentFor(t, f.db, id); payment.SessionID != "cs_once" {
			t.Fatalf("session_id = %q", payment.SessionID)
		}
	})
}

func TestInitiatePayment_FailedAttemptReleasesClaim(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	f.gw.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(gateway.Session{}, errors.New("503")).Times(3)
	if _, err := f.svc.InitiatePayment(context.Background(), f.patient.ID, res.Appointment.ID); !errors.Is(err, utils.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if payment := dbtest.PaymentFor(t, f.db, res.Appointment.ID); payment.SessionID != "" {
		t.Fatalf("session_id = %q, want claim released", payment.SessionID)
	}
}

func TestCancel_UnpaidReleasesEverything(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	other := dbtest.SeedPatient(t, f.db, "kofi")
	if _, err := f.svc.Cancel(context.Background(), other.ID, res.Appointment.ID); !errors.Is(err, utils.ErrUnauthorized) {
		t.Fatalf("foreign cancel err = %v, want ErrUnauthorized", err)
	}

	appt, err := f.svc.Cancel(context.Background(), f.patient.ID, res.Appointment.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if appt.Status != models.AppointmentCanceled {
		t.Fatalf("status = %s", appt.Status)
	}
	if b := dbtest.ReloadBinding(t, f.db, f.doctor.ID, f.binding.SlotID); b.IsBooked {
		t.Fatal("binding still booked")
	}
	if p := dbtest.PaymentFor(t, f.db, appt.ID); p != nil {
		t.Fatal("unpaid record kept")
	}

	if _, err := f.svc.Cancel(context.Background(), f.patient.ID, res.Appointment.ID); !errors.Is(err, utils.ErrConflict) {
		t.Fatalf("second cancel err = %v, want ErrConflict", err)
	}
}

func TestCancel_PaidKeepsRecordAndFlagsRefund(t *testing.T) {
	ctrl := gomock.NewController(t)
	gdb := dbtest.New(t)
	pub := evmocks.NewMockPublisher(ctrl)
	svc := NewService(gdb, gwmocks.NewMockSessionGateway(ctrl), pub, Options{Timeout: time.Second})

	patient := dbtest.SeedPatient(t, gdb, "ama")
	doctor := dbtest.SeedDoctor(t, gdb, "mensah", "150.00")
	binding := dbtest.SeedBinding(t, gdb, doctor.ID, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	pub.EXPECT().PublishJSON(gomock.Any(), events.AppointmentBooked, gomock.Any()).Return(nil)
	res, err := svc.Book(context.Background(), patient.ID, doctor.ID, binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	f := fixture{db: gdb}
	f.markPaid(t, res.Appointment.ID)

	gomock.InOrder(
		pub.EXPECT().PublishJSON(gomock.Any(), events.AppointmentReleased, gomock.Any()).Return(nil),
		pub.EXPECT().PublishJSON(gomock.Any(), events.PaymentRefundRequired, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, v any) error {
				p, ok := v.(events.AppointmentPayload)
				if !ok || p.AppointmentID != res.Appointment.ID || p.PaymentID == 0 {
					t.Errorf("refund payload = %#v", v)
				}
				return nil
			}),
	)

	if _, err := svc.Cancel(context.Background(), patient.ID, res.Appointment.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	payment := dbtest.PaymentFor(t, gdb, res.Appointment.ID)
	if payment == nil || payment.Status != models.PaymentPaid {
		t.Fatalf("paid record not kept: %+v", payment)
	}
	appt := dbtest.ReloadAppointment(t, gdb, res.Appointment.ID)
	if appt.Status != models.AppointmentCanceled || appt.PaymentStatus != models.PaymentPaid {
		t.Fatalf("appointment = %s/%s", appt.Status, appt.PaymentStatus)
	}
}

func TestReleaseUnpaid_LeavesPaidAlone(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	f.markPaid(t, res.Appointment.ID)

	released, err := ReleaseUnpaid(f.db, res.Appointment.ID)
	if err != nil || released {
		t.Fatalf("released = %v err = %v", released, err)
	}
	if appt := dbtest.ReloadAppointment(t, f.db, res.Appointment.ID); appt.Status != models.AppointmentScheduled {
		t.Fatalf("status = %s", appt.Status)
	}

	released, err = ReleaseUnpaid(f.db, 4242)
	if err != nil || released {
		t.Fatalf("missing appointment: released = %v err = %v", released, err)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Book(context.Background(), f.patient.ID, f.doctor.ID, f.binding.SlotID, false)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	appt, err := f.svc.Get(context.Background(), f.patient.ID, res.Appointment.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if appt.Slot == nil || appt.Payment == nil {
		t.Fatalf("projection missing relations: %+v", appt)
	}

	other := dbtest.SeedPatient(t, f.db, "kofi")
	if _, err := f.svc.Get(context.Background(), other.ID, res.Appointment.ID); !errors.Is(err, utils.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}
