package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/KAsare1/medibook-server/cmd/api"
	"github.com/KAsare1/medibook-server/config"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/obs"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/KAsare1/medibook-server/service/events"
	"github.com/KAsare1/medibook-server/service/gateway"
	"github.com/KAsare1/medibook-server/service/reaper"
	"github.com/KAsare1/medibook-server/service/slots"
	"github.com/KAsare1/medibook-server/service/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medibook",
		Short: "Appointment booking and payment server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(generateSlotsCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(clearDBCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the reservation reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(_ config.Config, DB *gorm.DB) error {
				log.Println("Starting database migrations...")
				if err := db.AutoMigrate(DB); err != nil {
					return err
				}
				log.Println("Migrations completed successfully")
				return nil
			})
		},
	}
}

func generateSlotsCmd() *cobra.Command {
	var (
		doctorID uint
		from     string
		to       string
		dayStart string
		dayEnd   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate-slots",
		Short: "Generate slots for a date range, optionally bound to a doctor",
		Example: `  medibook generate-slots --from 2025-03-10 --to 2025-03-14 --day-start 09:00 --day-end 17:00
  medibook generate-slots --doctor 7 --from 2025-03-10 --to 2025-03-10 --day-start 08:00 --day-end 12:00 --interval 20m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := time.Parse("2006-01-02", to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			ds, err := slots.ParseTimeOfDay(dayStart)
			if err != nil {
				return err
			}
			de, err := slots.ParseTimeOfDay(dayEnd)
			if err != nil {
				return err
			}

			return withDB(func(cfg config.Config, DB *gorm.DB) error {
				gen := slots.NewGenerator(DB, cfg.Location(), cfg.SlotInterval)
				res, err := gen.Generate(cmd.Context(), slots.GenerateRequest{
					DoctorID: doctorID,
					From:     start,
					To:       end,
					DayStart: ds,
					DayEnd:   de,
					Interval: interval,
				})
				if err != nil {
					return err
				}
				fmt.Printf("created=%d existing=%d bound=%d\n", res.Created, res.Existing, res.Bound)
				return nil
			})
		},
	}

	cmd.Flags().UintVar(&doctorID, "doctor", 0, "doctor to bind the slots to (0 leaves them unbound)")
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&dayStart, "day-start", "09:00", "daily window start, HH:MM")
	cmd.Flags().StringVar(&dayEnd, "day-end", "17:00", "daily window end, HH:MM")
	cmd.Flags().DurationVar(&interval, "interval", 0, "slot length (defaults to SLOT_INTERVAL)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Release stale unpaid reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(cfg config.Config, DB *gorm.DB) error {
				pub := newPublisher(cfg)
				defer pub.Close()

				res, err := newReaper(cfg, DB, pub).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("scanned=%d released=%d skipped=%d failed=%d\n", res.Scanned, res.Released, res.Skipped, res.Failed)
				return nil
			})
		},
	}
}

func clearDBCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-db",
		Short: "Drop every table owned by the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to drop tables without --yes")
			}
			return withDB(func(_ config.Config, DB *gorm.DB) error {
				log.Println("Dropping tables...")
				if err := db.DropAll(DB); err != nil {
					return err
				}
				log.Println("Database cleared successfully")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm dropping all tables")
	return cmd
}

func withDB(fn func(cfg config.Config, DB *gorm.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	DB, err := db.NewPSQLStorage(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("database initialization: %w", err)
	}
	log.Println("Connected to the database")
	return runWithDB(cfg, DB, fn)
}

// runWithDB hands DB to fn and closes it exactly once afterwards.
func runWithDB(cfg config.Config, DB *gorm.DB, fn func(cfg config.Config, DB *gorm.DB) error) error {
	defer db.Close(DB)
	return fn(cfg, DB)
}

func startServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withDB(func(cfg config.Config, DB *gorm.DB) error {
		shutdownTracer, err := obs.InitTracer(ctx, "medibook-server", cfg.OTLPEndpoint, cfg.Env)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("[obs] shutdown: %v", err)
			}
		}()

		pub := newPublisher(cfg)
		defer pub.Close()

		gw, notifications, err := newGateway(cfg)
		if err != nil {
			return err
		}

		services := api.Services{
			Appointments: appointment.NewService(DB, gw, pub, appointment.Options{
				Currency:    cfg.Currency,
				Timeout:     cfg.GatewayTimeout,
				MaxAttempts: cfg.GatewayMaxAttempts,
				Backoff:     cfg.GatewayRetryBackoff,
			}),
			Slots:    slots.NewGenerator(DB, cfg.Location(), cfg.SlotInterval),
			Webhooks: webhook.NewProcessor(DB, cfg.WebhookSecret, pub),
		}
		if notifications != nil {
			services.MercadoPago = notifications
			if cfg.MercadoPagoWebhookSecret == "" {
				log.Println("Warning: MERCADOPAGO_WEBHOOK_SECRET is empty, every notification will be rejected")
			}
		} else if cfg.WebhookSecret == "" {
			log.Println("Warning: GATEWAY_WEBHOOK_SECRET is empty, every webhook will be rejected")
		}

		reaperDone := make(chan struct{})
		go func() {
			defer close(reaperDone)
			newReaper(cfg, DB, pub).Run(ctx)
		}()

		server := api.NewApiServer(":"+cfg.ServerPort, cfg.SecretKey, services)
		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.Run()
		}()
		log.Printf("Server running on port %s", cfg.ServerPort)

		select {
		case <-ctx.Done():
		case err := <-serverErr:
			if err != nil {
				stop()
				<-reaperDone
				return fmt.Errorf("server: %w", err)
			}
		}

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server shutdown error: %v", err)
		}
		stop()
		<-reaperDone
		return nil
	})
}

func newPublisher(cfg config.Config) events.Publisher {
	if cfg.AMQPURL == "" {
		log.Println("[events] AMQP_URL not set, events are dropped")
		return events.NopPublisher{}
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Printf("[events] broker unavailable, events are dropped err=%v", err)
		return events.NopPublisher{}
	}
	log.Printf("[events] publishing to exchange=%s", cfg.AMQPExchange)
	return pub
}

// newGateway returns the configured checkout gateway. Providers whose
// notifications need a lookup before they can be applied also return their
// notification source.
func newGateway(cfg config.Config) (gateway.SessionGateway, webhook.NotificationSource, error) {
	switch cfg.GatewayProvider {
	case config.ProviderMercadoPago:
		mp, err := gateway.NewMercadoPagoGateway(cfg.MercadoPagoAccessToken, cfg.MercadoPagoNotificationURL, cfg.MercadoPagoWebhookSecret)
		if err != nil {
			return nil, nil, err
		}
		return mp, mp, nil
	case config.ProviderMock:
		log.Println("Warning: using the local checkout gateway, no real payments are taken")
		return gateway.NewLocalGateway(""), nil, nil
	default:
		gw, err := gateway.NewPaystackGateway(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.PaymentCallbackURL, &http.Client{Timeout: cfg.GatewayTimeout})
		return gw, nil, err
	}
}

func newReaper(cfg config.Config, DB *gorm.DB, pub events.Publisher) *reaper.Reaper {
	return reaper.New(DB, pub, reaper.Options{
		Timeout:   cfg.ReservationTimeout,
		Period:    cfg.ReaperPeriod,
		BatchSize: cfg.ReaperBatchSize,
	})
}
