package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/KAsare1/medibook-server/db/dbtest"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/KAsare1/medibook-server/service/gateway"
	"github.com/KAsare1/medibook-server/service/slots"
	"github.com/KAsare1/medibook-server/service/webhook"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "whsec_test"
)

func bearer(t *testing.T, userID uint) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + s
}

func TestHandler_Routing(t *testing.T) {
	gdb := dbtest.New(t)
	appt := dbtest.SeedBooking(t, gdb, time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC))

	server := NewApiServer(":0", jwtSecret, Services{
		Appointments: appointment.NewService(gdb, gateway.NewLocalGateway(""), nil, appointment.Options{}),
		Slots:        slots.NewGenerator(gdb, time.UTC, 30*time.Minute),
		Webhooks:     webhook.NewProcessor(gdb, webhookSecret, nil),
	})
	h := server.Handler()

	getPath := fmt.Sprintf("/api/v1/appointments/%d", appt.ID)
	webhookBody := []byte(`{"id":"evt_unknown","type":"customer.created","data":{}}`)

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		signature  string
		body       []byte
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", "", nil, http.StatusOK},
		{"appointment needs a token", http.MethodGet, getPath, "", "", nil, http.StatusUnauthorized},
		{"appointment with token", http.MethodGet, getPath, bearer(t, appt.PatientID), "", nil, http.StatusOK},
		{"slot generation needs a token", http.MethodPost, "/api/v1/doctors/1/slots/generate", "", "", []byte(`{}`), http.StatusUnauthorized},
		{"webhook takes no token", http.MethodPost, "/api/v1/payments/webhook", "", gateway.Sign(webhookSecret, webhookBody), webhookBody, http.StatusOK},
		{"webhook rejects bad signature", http.MethodPost, "/api/v1/payments/webhook", "", "00", webhookBody, http.StatusUnauthorized},
		{"mercadopago endpoint only with that provider", http.MethodPost, "/api/v1/payments/webhook/mercadopago", "", "", webhookBody, http.StatusNotFound},
		{"patient token cannot generate slots", http.MethodPost, fmt.Sprintf("/api/v1/doctors/%d/slots/generate", appt.DoctorID), bearer(t, appt.DoctorID), "", []byte(`{}`), http.StatusForbidden},
		{"unknown route", http.MethodGet, "/api/v1/nope", bearer(t, appt.PatientID), "", nil, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, bytes.NewReader(tc.body))
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			if tc.signature != "" {
				req.Header.Set("X-Gateway-Signature", tc.signature)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.wantStatus, rr.Body.String())
			}
		})
	}
}
