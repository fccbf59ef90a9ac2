package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string        // e.g. nsqd:4150
	NsqdHTTPAddr   string        // e.g. nsqd:4151, used for backlog stats
	LookupHTTPAddr string        // e.g. http://nsqlookupd:4161
	JobsTopic      string        // NSQ topic every job is published to
	WorkerChannel  string        // NSQ channel name for workers
	Concurrency    int           // Concurrent handlers per worker process
	MaxInFlight    int           // Messages in flight per consumer
	MaxDefer       time.Duration // Longest single deferred publish; must not exceed nsqd --max-req-timeout
}

type Worker struct {
	MaxRetries      int           // Retries before a job terminates
	RetryBaseDelay  time.Duration // Delay of the first retry, doubled each attempt
	StoreFailures   bool          // Persist FailedJob records
	MaintenanceMode bool          // Initial state of the maintenance gate
	HTTPPort        string        // Worker admin/metrics port
}

type Redis struct {
	Addr      string // empty disables Redis; the bad message cache is kept in process
	Password  string
	DB        int
	BadIDTTL  time.Duration // How long an invalid message id is remembered
	KeyPrefix string
}

type SFDC struct {
	LoginURL       string // e.g. https://login.salesforce.com
	ClientID       string // connected app consumer key
	Username       string
	PrivateKeyPath string // PEM encoded RSA key used to sign the bearer assertion
	APIVersion     string
}

type SFMC struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	ContactsDE   string // data extension holding contact rows
}

type Admin struct {
	JWTPublicKeyPath string
	JWTIssuer        string
	JWTAudience      string
}

type News struct {
	RecoveryLanguages []string          // languages with a translated recovery message
	SMSMessages       map[string]string // send name -> SMS message id
}

type Config struct {
	AppName string
	DB      DB
	NSQ     NSQ
	Worker  Worker
	Redis   Redis
	SFDC    SFDC
	SFMC    SFMC
	Admin   Admin
	News    News
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseList splits a comma separated value, dropping blanks
func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs parses "name=value,name2=value2". Malformed pairs are skipped.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range parseList(s) {
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "basket"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "basket"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			JobsTopic:      getenv("NSQ_JOBS_TOPIC", "basket_jobs"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 8),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 64),
			MaxDefer:       getenvDuration("NSQ_MAX_DEFER", time.Hour),
		},
		Worker: Worker{
			MaxRetries:      getenvInt("JOB_MAX_RETRIES", 8),
			RetryBaseDelay:  getenvDuration("JOB_RETRY_BASE_DELAY", time.Minute),
			StoreFailures:   getenvBool("STORE_TASK_FAILURES", true),
			MaintenanceMode: getenvBool("MAINTENANCE_MODE", false),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", ""),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			BadIDTTL:  getenvDuration("BAD_MESSAGE_ID_TTL", 12*time.Hour),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "basket"),
		},
		SFDC: SFDC{
			LoginURL:       getenv("SFDC_LOGIN_URL", "https://login.salesforce.com"),
			ClientID:       getenv("SFDC_CLIENT_ID", ""),
			Username:       getenv("SFDC_USERNAME", ""),
			PrivateKeyPath: getenv("SFDC_PRIVATE_KEY_PATH", ""),
			APIVersion:     getenv("SFDC_API_VERSION", "v59.0"),
		},
		SFMC: SFMC{
			AuthURL:      getenv("SFMC_AUTH_URL", ""),
			ClientID:     getenv("SFMC_CLIENT_ID", ""),
			ClientSecret: getenv("SFMC_CLIENT_SECRET", ""),
			ContactsDE:   getenv("SFMC_CONTACTS_DE", "Master_Subscribers"),
		},
		Admin: Admin{
			JWTPublicKeyPath: getenv("ADMIN_JWT_PUBLIC_KEY_PATH", ""),
			JWTIssuer:        getenv("ADMIN_JWT_ISSUER", "basket"),
			JWTAudience:      getenv("ADMIN_JWT_AUDIENCE", "basket-admin"),
		},
		News: News{
			RecoveryLanguages: parseList(getenv("RECOVER_MSG_LANGS", "en")),
			SMSMessages:       parsePairs(getenv("SMS_MESSAGES", "")),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
