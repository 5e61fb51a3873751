package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values must come from env (or the optional env file loaded by Load).
// No business logic should depend on raw environment variables.
type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	Auth        AuthConfig
	MercadoPago MercadoPagoConfig
	Stripe      StripeConfig
	Billing     BillingConfig
	Jobs        JobsConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is the externally reachable base of this service (webhook notification URLs).
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
	BaseURL       string
}

// StripeConfig is optional: card checkout is disabled when SecretKey is empty.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type BillingConfig struct {
	GatewayTimeout time.Duration
	// Period is added to renewal_date on activation and renewal.
	Period time.Duration

	LowBalanceThreshold int64 // centavos
	LowCreditsThreshold int64
	UsageAlertPercent   int

	// MasterUserIDs are unlimited accounts, never charged or limited.
	MasterUserIDs []string

	MinDeposit int64
	MaxDeposit int64
	SuccessURL string
	CancelURL  string
}

type JobsConfig struct {
	ReconcileSchedule string
	SweepSchedule     string
	StalePaymentAge   time.Duration
	DelinquencyGrace  time.Duration
}

// Load reads the optional env file (ENV_FILE, default ".env"; real env wins) and then the environment.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.MercadoPago.AccessToken = strings.TrimSpace(os.Getenv("MERCADOPAGO_ACCESS_TOKEN"))
	c.MercadoPago.WebhookSecret = os.Getenv("MERCADOPAGO_WEBHOOK_SECRET")
	c.MercadoPago.BaseURL = strings.TrimSpace(os.Getenv("MERCADOPAGO_BASE_URL"))

	c.Stripe.SecretKey = strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY"))
	c.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	c.Billing.GatewayTimeout, parseErrs = optDuration(parseErrs, "GATEWAY_TIMEOUT")
	c.Billing.Period, parseErrs = optDuration(parseErrs, "BILLING_PERIOD")
	c.Billing.LowBalanceThreshold, parseErrs = optInt64(parseErrs, "LOW_BALANCE_THRESHOLD_MINOR")
	c.Billing.LowCreditsThreshold, parseErrs = optInt64(parseErrs, "LOW_CREDITS_THRESHOLD")
	{
		n, errs := optInt64(parseErrs, "USAGE_ALERT_PERCENT")
		parseErrs = errs
		c.Billing.UsageAlertPercent = int(n)
	}
	c.Billing.MasterUserIDs = splitList(os.Getenv("MASTER_USER_IDS"))
	c.Billing.MinDeposit, parseErrs = optInt64(parseErrs, "MIN_DEPOSIT_MINOR")
	c.Billing.MaxDeposit, parseErrs = optInt64(parseErrs, "MAX_DEPOSIT_MINOR")
	c.Billing.SuccessURL = strings.TrimSpace(os.Getenv("CHECKOUT_SUCCESS_URL"))
	c.Billing.CancelURL = strings.TrimSpace(os.Getenv("CHECKOUT_CANCEL_URL"))

	c.Jobs.ReconcileSchedule = strings.TrimSpace(os.Getenv("RECONCILE_SCHEDULE"))
	c.Jobs.SweepSchedule = strings.TrimSpace(os.Getenv("SUBSCRIPTION_SWEEP_SCHEDULE"))
	c.Jobs.StalePaymentAge, parseErrs = optDuration(parseErrs, "STALE_PAYMENT_AGE")
	c.Jobs.DelinquencyGrace, parseErrs = optDuration(parseErrs, "DELINQUENCY_GRACE")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults for optional values.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	// Webhooks cannot be verified without the secret, so it is required wherever the token is.
	if c.MercadoPago.AccessToken == "" && c.App.Env != "local" {
		errs = append(errs, errors.New("MERCADOPAGO_ACCESS_TOKEN is required"))
	}
	if c.MercadoPago.AccessToken != "" && c.MercadoPago.WebhookSecret == "" {
		errs = append(errs, errors.New("MERCADOPAGO_WEBHOOK_SECRET is required with MERCADOPAGO_ACCESS_TOKEN"))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required with STRIPE_SECRET_KEY"))
	}
	if c.IsProduction() && !strings.HasPrefix(c.App.PublicBaseURL, "https://") {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must be an https URL in production"))
	}

	if c.Billing.GatewayTimeout <= 0 {
		c.Billing.GatewayTimeout = 15 * time.Second
	}
	if c.Billing.GatewayTimeout < 10*time.Second || c.Billing.GatewayTimeout > 30*time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUT must be between 10s and 30s, got %s", c.Billing.GatewayTimeout))
	}
	if c.Billing.Period <= 0 {
		c.Billing.Period = 30 * 24 * time.Hour
	}
	if c.Billing.Period < 24*time.Hour {
		errs = append(errs, fmt.Errorf("BILLING_PERIOD must be at least 24h, got %s", c.Billing.Period))
	}
	if c.Billing.LowBalanceThreshold == 0 {
		c.Billing.LowBalanceThreshold = 1000
	}
	if c.Billing.LowCreditsThreshold == 0 {
		c.Billing.LowCreditsThreshold = 5
	}
	if c.Billing.LowBalanceThreshold < 0 || c.Billing.LowCreditsThreshold < 0 {
		errs = append(errs, errors.New("low balance thresholds must not be negative"))
	}
	if c.Billing.UsageAlertPercent == 0 {
		c.Billing.UsageAlertPercent = 80
	}
	if c.Billing.UsageAlertPercent < 1 || c.Billing.UsageAlertPercent > 100 {
		errs = append(errs, fmt.Errorf("USAGE_ALERT_PERCENT must be between 1 and 100, got %d", c.Billing.UsageAlertPercent))
	}
	if c.Billing.MinDeposit <= 0 {
		c.Billing.MinDeposit = 500
	}
	if c.Billing.MaxDeposit > 0 && c.Billing.MaxDeposit < c.Billing.MinDeposit {
		errs = append(errs, errors.New("MAX_DEPOSIT_MINOR must be greater than MIN_DEPOSIT_MINOR"))
	}

	if c.Jobs.ReconcileSchedule == "" {
		c.Jobs.ReconcileSchedule = "@every 5m"
	}
	if c.Jobs.SweepSchedule == "" {
		c.Jobs.SweepSchedule = "@hourly"
	}
	if c.Jobs.StalePaymentAge <= 0 {
		c.Jobs.StalePaymentAge = 10 * time.Minute
	}
	if c.Jobs.DelinquencyGrace <= 0 {
		c.Jobs.DelinquencyGrace = 72 * time.Hour
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// PostgresURL is the URL form used by golang-migrate.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": {c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func loadEnvFile() error {
	path, explicit := os.LookupEnv("ENV_FILE")
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("ENV_FILE %q: %w", path, err)
		}
		return nil
	}
	// godotenv.Load never overrides variables already set.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt64(errs []error, key string) (int64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
