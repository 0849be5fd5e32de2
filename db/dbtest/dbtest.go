// Package dbtest opens migrated in-memory databases for package tests.
package dbtest

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/db"
)

// New returns a private in-memory database with every table migrated. The
// pool holds a single connection, so concurrent transactions run one at a time.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return gdb
}

// PostgresURLEnv names the database the Postgres variants run against. They
// are skipped when it is unset.
const PostgresURLEnv = "TEST_DB_URL"

// NewPostgres returns a pool on a fresh schema of the TEST_DB_URL database
// with every table migrated. Unlike New it runs transactions concurrently, so
// row locks and serialization retries are really exercised. The schema is
// dropped when the test ends.
func NewPostgres(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(PostgresURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	admin, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	schema := "medibook_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := admin.Exec("CREATE SCHEMA " + schema).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}

	gdb, err := gorm.Open(postgres.Open(withSearchPath(dsn, schema)), cfg)
	if err != nil {
		t.Fatalf("open postgres schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		db.Close(gdb)
		if err := admin.Exec("DROP SCHEMA " + schema + " CASCADE").Error; err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		db.Close(admin)
	})
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// withSearchPath pins every pooled connection to schema. Both URL and
// keyword/value connection strings are accepted.
func withSearchPath(dsn, schema string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}

// Each runs fn against a fresh sqlite database and, when TEST_DB_URL is set,
// against a fresh Postgres schema.
func Each(t *testing.T, fn func(t *testing.T, gdb *gorm.DB)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, New(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, NewPostgres(t)) })
}

func SeedPatient(t testing.TB, gdb *gorm.DB, name string) models.Patient {
	t.Helper()
	p := models.Patient{FullName: name, Email: name + "@example.com"}
	if err := gdb.Create(&p).Error; err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func SeedDoctor(t testing.TB, gdb *gorm.DB, name string, fee string) models.Doctor {
	t.Helper()
	d := models.Doctor{FullName: name, Email: name + "@example.com", Fee: decimal.RequireFromString(fee)}
	if err := gdb.Create(&d).Error; err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	return d
}

// SeedBinding creates a 30 minute slot starting at start and binds it to the doctor.
func SeedBinding(t testing.TB, gdb *gorm.DB, doctorID uint, start time.Time) models.Binding {
	t.Helper()
	slot := models.Slot{StartAt: start.UTC(), EndAt: start.Add(30 * time.Minute).UTC()}
	if err := gdb.Create(&slot).Error; err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	b := models.Binding{DoctorID: doctorID, SlotID: slot.ID}
	if err := gdb.Create(&b).Error; err != nil {
		t.Fatalf("seed binding: %v", err)
	}
	return b
}

func ReloadBinding(t testing.TB, gdb *gorm.DB, doctorID, slotID uint) models.Binding {
	t.Helper()
	var b models.Binding
	if err := gdb.Where("doctor_id = ? AND slot_id = ?", doctorID, slotID).First(&b).Error; err != nil {
		t.Fatalf("reload binding: %v", err)
	}
	return b
}

func ReloadAppointment(t testing.TB, gdb *gorm.DB, id uint) models.Appointment {
	t.Helper()
	var a models.Appointment
	if err := gdb.First(&a, id).Error; err != nil {
		t.Fatalf("reload appointment: %v", err)
	}
	return a
}

// PaymentFor returns the appointment's payment record, or nil when it was removed.
func PaymentFor(t testing.TB, gdb *gorm.DB, appointmentID uint) *models.PaymentRecord {
	t.Helper()
	var p models.PaymentRecord
	err := gdb.Where("appointment_id = ?", appointmentID).Limit(1).Find(&p).Error
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if p.ID == 0 {
		return nil
	}
	return &p
}

// SeedBooking reserves a new slot at slotStart for a new patient the way a
// deferred booking does. The returned appointment carries its payment record.
func SeedBooking(t testing.TB, gdb *gorm.DB, slotStart time.Time) models.Appointment {
	t.Helper()
	tag := uuid.NewString()[:8]
	patient := SeedPatient(t, gdb, "patient-"+tag)
	doctor := SeedDoctor(t, gdb, "doctor-"+tag, "120.00")
	binding := SeedBinding(t, gdb, doctor.ID, slotStart)
	if err := gdb.Model(&binding).Update("is_booked", true).Error; err != nil {
		t.Fatalf("book binding: %v", err)
	}

	appt := models.Appointment{
		PatientID:     patient.ID,
		DoctorID:      doctor.ID,
		SlotID:        binding.SlotID,
		Status:        models.AppointmentScheduled,
		PaymentStatus: models.PaymentUnpaid,
		CorrelationID: uuid.NewString(),
	}
	if err := gdb.Create(&appt).Error; err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	payment := models.PaymentRecord{
		AppointmentID: appt.ID,
		Amount:        doctor.Fee,
		Currency:      "GHS",
		TransactionID: uuid.NewString(),
		Status:        models.PaymentUnpaid,
	}
	if err := gdb.Create(&payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	appt.Payment = &payment
	return appt
}
