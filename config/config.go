package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ProviderPaystack    = "paystack"
	ProviderMercadoPago = "mercadopago"
	ProviderMock        = "mock"
)

type Config struct {
	// DB
	DBURL string `envconfig:"DB_URL"`
	// Network
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	// JWT
	SecretKey string `envconfig:"SECRET_KEY"`

	// Scheduling
	SlotInterval       time.Duration `envconfig:"SLOT_INTERVAL" default:"30m"`
	SlotTimezone       string        `envconfig:"SLOT_TIMEZONE" default:"UTC"`
	ReservationTimeout time.Duration `envconfig:"RESERVATION_TIMEOUT" default:"30m"`
	ReaperPeriod       time.Duration `envconfig:"REAPER_PERIOD" default:"5m"`
	ReaperBatchSize    int           `envconfig:"REAPER_BATCH_SIZE" default:"500"`

	// Payments
	WebhookSecret     string `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	GatewayProvider   string `envconfig:"GATEWAY_PROVIDER" default:"paystack"`
	PaystackSecretKey string `envconfig:"PAYSTACK_SECRET_KEY"`
	PaystackBaseURL   string `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	// PaymentCallbackURL is where the patient's browser lands after checkout.
	PaymentCallbackURL  string        `envconfig:"PAYMENT_CALLBACK_URL"`
	Currency            string        `envconfig:"PAYMENT_CURRENCY" default:"GHS"`
	GatewayTimeout      time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayMaxAttempts  int           `envconfig:"GATEWAY_MAX_ATTEMPTS" default:"3"`
	GatewayRetryBackoff time.Duration `envconfig:"GATEWAY_RETRY_BACKOFF" default:"500ms"`

	// Mercado Pago posts payment notifications to NotificationURL and signs
	// them with WebhookSecret.
	MercadoPagoAccessToken     string `envconfig:"MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoNotificationURL string `envconfig:"MERCADOPAGO_NOTIFICATION_URL"`
	MercadoPagoWebhookSecret   string `envconfig:"MERCADOPAGO_WEBHOOK_SECRET"`

	// Messaging / tracing, both optional
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"medibook.events"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Env          string `envconfig:"ENV" default:"dev"`
}

// Load reads an optional .env file and then decodes the process environment.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
		log.Println("[config] loaded .env")
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.SlotInterval <= 0 {
		return errors.New("SLOT_INTERVAL must be positive")
	}
	if c.ReservationTimeout <= 0 {
		return errors.New("RESERVATION_TIMEOUT must be positive")
	}
	if c.ReaperPeriod <= 0 {
		return errors.New("REAPER_PERIOD must be positive")
	}
	if c.ReaperBatchSize <= 0 {
		return errors.New("REAPER_BATCH_SIZE must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return errors.New("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if _, err := time.LoadLocation(c.SlotTimezone); err != nil {
		return fmt.Errorf("SLOT_TIMEZONE: %w", err)
	}
	switch c.GatewayProvider {
	case ProviderMercadoPago:
		if c.MercadoPagoNotificationURL == "" {
			return errors.New("MERCADOPAGO_NOTIFICATION_URL is required for the mercadopago provider")
		}
	case ProviderPaystack, ProviderMock:
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}
	return nil
}

// Location is the single reference zone slot windows are interpreted in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SlotTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
