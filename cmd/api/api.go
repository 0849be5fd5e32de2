package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/KAsare1/medibook-server/service/slots"
	"github.com/KAsare1/medibook-server/service/webhook"
)

type Services struct {
	Appointments *appointment.Service
	Slots        *slots.Generator
	Webhooks     *webhook.Processor
	// MercadoPago is set when Mercado Pago is the active gateway.
	MercadoPago webhook.NotificationSource
}

type APIServer struct {
	address   string
	secretKey string
	services  Services
	srv       *http.Server
}

func NewApiServer(address, secretKey string, services Services) *APIServer {
	s := &APIServer{
		address:   address,
		secretKey: secretKey,
		services:  services,
	}
	s.srv = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full router. Gateway webhooks are authenticated by
// signature, everything else by bearer token.
func (s *APIServer) Handler() http.Handler {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	subrouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	webhookHandler := webhook.NewWebhookHandler(s.services.Webhooks)
	if s.services.MercadoPago != nil {
		webhookHandler.WithMercadoPago(s.services.MercadoPago)
	}
	webhookHandler.RegisterRoutes(subrouter)

	protected := subrouter.NewRoute().Subrouter()
	protected.Use(utils.AuthMiddleware(s.secretKey))

	appointmentHandler := appointment.NewAppointmentHandler(s.services.Appointments)
	appointmentHandler.RegisterRoutes(protected)

	slotHandler := slots.NewSlotHandler(s.services.Slots)
	slotHandler.RegisterRoutes(protected)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return handlers.CombinedLoggingHandler(os.Stdout, recovery(cors(router)))
}

// Run blocks until the server stops. A graceful Shutdown returns nil.
func (s *APIServer) Run() error {
	log.Println("Server running at", s.address)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
