package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MaxGatewayTimeout is the ceiling for any remote gateway call made while a
// customer request is open.
const MaxGatewayTimeout = 25 * time.Second

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamo   = "dynamodb"

	SideEffectsInline = "inline"
	SideEffectsKafka  = "kafka"
	SideEffectsStream = "stream"
)

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend     string `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	AWSRegion        string `envconfig:"AWS_REGION" default:"ap-south-1"`
	OrdersTable      string `envconfig:"ORDERS_TABLE" default:"orders"`
	ProductsTable    string `envconfig:"PRODUCTS_TABLE" default:"products"`
	DynamoDBEndpoint string `envconfig:"DYNAMODB_ENDPOINT"` // DynamoDB Local

	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	WebhookDedupTTL time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"72h"`

	SideEffectMode    string        `envconfig:"SIDE_EFFECT_MODE" default:"inline"`
	SideEffectTimeout time.Duration `envconfig:"SIDE_EFFECT_TIMEOUT" default:"30s"`
	KafkaBrokers      []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic        string        `envconfig:"KAFKA_TOPIC" default:"payment-events"`
	KafkaGroupID      string        `envconfig:"KAFKA_GROUP_ID" default:"payment-notifier"`

	SMTP       SMTPConfig `envconfig:"SMTP"`
	AdminEmail string     `envconfig:"ADMIN_EMAIL"`

	AdminLoginEmail   string `envconfig:"ADMIN_LOGIN_EMAIL"`
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
	JWTSecret         string `envconfig:"JWT_SECRET"`

	StorefrontSuccessURL string `envconfig:"STOREFRONT_SUCCESS_URL" default:"http://localhost:3000/checkout/success"`
	StorefrontFailureURL string `envconfig:"STOREFRONT_FAILURE_URL" default:"http://localhost:3000/checkout/failure"`

	GatewaysEnabled []string       `envconfig:"GATEWAYS_ENABLED" default:"razorpay,payu"`
	Razorpay        RazorpayConfig `envconfig:"RAZORPAY"`
	PayU            PayUConfig     `envconfig:"PAYU"`
}

type SMTPConfig struct {
	Host     string        `envconfig:"HOST" default:"localhost"`
	Port     int           `envconfig:"PORT" default:"587"`
	Username string        `envconfig:"USERNAME"`
	Password string        `envconfig:"PASSWORD"`
	From     string        `envconfig:"FROM" default:"orders@localhost"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

type RazorpayConfig struct {
	KeyID         string        `envconfig:"KEY_ID"`
	KeySecret     string        `envconfig:"KEY_SECRET"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"BASE_URL" default:"https://api.razorpay.com"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"15s"`
	Currencies    []string      `envconfig:"CURRENCIES" default:"INR"`
}

type PayUConfig struct {
	MerchantKey        string   `envconfig:"MERCHANT_KEY"`
	Salt               string   `envconfig:"SALT"`
	PaymentURL         string   `envconfig:"PAYMENT_URL" default:"https://secure.payu.in/_payment"`
	SuccessURL         string   `envconfig:"SUCCESS_URL"`
	FailureURL         string   `envconfig:"FAILURE_URL"`
	RequestHashLayout  string   `envconfig:"REQUEST_HASH_LAYOUT"`
	ResponseHashLayout string   `envconfig:"RESPONSE_HASH_LAYOUT"`
	Currencies         []string `envconfig:"CURRENCIES" default:"INR"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	for i, g := range cfg.GatewaysEnabled {
		cfg.GatewaysEnabled[i] = strings.ToLower(strings.TrimSpace(g))
	}
	return &cfg, nil
}

// GatewayEnabled reports whether name is listed in GATEWAYS_ENABLED.
func (c *Config) GatewayEnabled(name string) bool {
	for _, g := range c.GatewaysEnabled {
		if g == name {
			return true
		}
	}
	return false
}

// AdminEnabled reports whether the admin API should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminLoginEmail != ""
}

// Validate checks the settings the API process cannot run without.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDynamo:
		if c.OrdersTable == "" || c.ProductsTable == "" {
			errs = append(errs, errors.New("ORDERS_TABLE and PRODUCTS_TABLE are required for the dynamodb store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.SideEffectMode {
	case SideEffectsInline, SideEffectsStream:
	case SideEffectsKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for kafka side effects"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SIDE_EFFECT_MODE %q", c.SideEffectMode))
	}
	if c.SideEffectMode == SideEffectsStream && c.StoreBackend != StoreDynamo {
		errs = append(errs, errors.New("SIDE_EFFECT_MODE=stream requires STORE_BACKEND=dynamodb"))
	}

	if len(c.GatewaysEnabled) == 0 {
		errs = append(errs, errors.New("GATEWAYS_ENABLED must list at least one gateway"))
	}
	for _, g := range c.GatewaysEnabled {
		switch g {
		case "razorpay":
			errs = append(errs, c.Razorpay.validate()...)
		case "payu":
			errs = append(errs, c.PayU.validate()...)
		default:
			errs = append(errs, fmt.Errorf("unknown gateway %q in GATEWAYS_ENABLED", g))
		}
	}

	if c.AdminEmail == "" {
		errs = append(errs, errors.New("ADMIN_EMAIL is required for new-order alerts"))
	}

	if c.AdminEnabled() {
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters when the admin API is enabled"))
		}
		if c.AdminPasswordHash == "" {
			errs = append(errs, errors.New("ADMIN_PASSWORD_HASH is required when the admin API is enabled"))
		}
	}

	return errors.Join(errs...)
}

func (r RazorpayConfig) validate() []error {
	var errs []error
	if r.KeyID == "" || r.KeySecret == "" {
		errs = append(errs, errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required"))
	}
	if r.WebhookSecret == "" {
		errs = append(errs, errors.New("RAZORPAY_WEBHOOK_SECRET is required"))
	}
	if r.Timeout <= 0 || r.Timeout > MaxGatewayTimeout {
		errs = append(errs, fmt.Errorf("RAZORPAY_TIMEOUT must be between 0 and %s", MaxGatewayTimeout))
	}
	return errs
}

func (p PayUConfig) validate() []error {
	var errs []error
	if p.MerchantKey == "" || p.Salt == "" {
		errs = append(errs, errors.New("PAYU_MERCHANT_KEY and PAYU_SALT are required"))
	}
	if p.SuccessURL == "" || p.FailureURL == "" {
		errs = append(errs, errors.New("PAYU_SUCCESS_URL and PAYU_FAILURE_URL are required"))
	}
	return errs
}
