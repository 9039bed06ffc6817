// Package config loads the settings shared by the API, the worker and the
// client: defaults, then an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"imagecrypt/pkg/callback"
	"imagecrypt/pkg/processor"
	"imagecrypt/pkg/queue"
	"imagecrypt/pkg/retry"
	"imagecrypt/pkg/store"
)

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	UploadDir      string `yaml:"uploadDir"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
}

// BrokerConfig points at RabbitMQ. URL wins over the individual fields.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`

	Exchange             string `yaml:"exchange"`
	Queue                string `yaml:"queue"`
	RoutingKey           string `yaml:"routingKey"`
	DeadLetterQueue      string `yaml:"deadLetterQueue"`
	DeadLetterRoutingKey string `yaml:"deadLetterRoutingKey"`

	ConnectAttempts int           `yaml:"connectAttempts"`
	ConnectDelay    time.Duration `yaml:"connectDelay"`
	PublishTimeout  time.Duration `yaml:"publishTimeout"`
}

type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	RedisURL  string        `yaml:"redisURL"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// WorkerConfig controls the dispatcher and its completion callback.
type WorkerConfig struct {
	MaxDeliveries    int           `yaml:"maxDeliveries"`
	CallbackURL      string        `yaml:"callbackURL"`
	CallbackAttempts int           `yaml:"callbackAttempts"`
	CallbackDelay    time.Duration `yaml:"callbackDelay"`
	CallbackTimeout  time.Duration `yaml:"callbackTimeout"`
}

type ProcessorConfig struct {
	Launcher    string        `yaml:"launcher"`
	Parallelism int           `yaml:"parallelism"`
	Program     string        `yaml:"program"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Worker    WorkerConfig    `yaml:"worker"`
	Processor ProcessorConfig `yaml:"processor"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	proc := processor.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:           ":7000",
			UploadDir:      "uploads",
			MaxUploadBytes: 32 << 20,
		},
		Broker: BrokerConfig{
			Host:            "localhost",
			Port:            5672,
			User:            "guest",
			Password:        "guest",
			VHost:           "/",
			Exchange:        queue.DefaultExchange,
			Queue:           queue.DefaultQueue,
			RoutingKey:      queue.DefaultRoutingKey,
			ConnectAttempts: queue.DefaultConnectAttempts,
			ConnectDelay:    queue.DefaultConnectDelay,
			PublishTimeout:  queue.DefaultPublishTimeout,
		},
		Store: StoreConfig{
			Driver:    store.DriverMemory,
			KeyPrefix: "imagecrypt:job",
			TTL:       24 * time.Hour,
		},
		Worker: WorkerConfig{
			CallbackURL:      "http://localhost:7000/api/notify",
			CallbackAttempts: 1,
			CallbackDelay:    time.Second,
			CallbackTimeout:  callback.DefaultTimeout,
		},
		Processor: ProcessorConfig{
			Launcher:    proc.Launcher,
			Parallelism: proc.Parallelism,
			Program:     proc.Program,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("IMAGECRYPT_HTTP_ADDR", &c.Server.Addr)
	str("IMAGECRYPT_UPLOAD_DIR", &c.Server.UploadDir)
	str("RABBITMQ_URL", &c.Broker.URL)
	str("RABBITMQ_HOST", &c.Broker.Host)
	integer("RABBITMQ_PORT", &c.Broker.Port)
	str("RABBITMQ_USER", &c.Broker.User)
	str("RABBITMQ_PASSWORD", &c.Broker.Password)
	str("IMAGECRYPT_STORE_DRIVER", &c.Store.Driver)
	str("REDIS_URL", &c.Store.RedisURL)
	str("IMAGECRYPT_CALLBACK_URL", &c.Worker.CallbackURL)
	integer("IMAGECRYPT_MAX_DELIVERIES", &c.Worker.MaxDeliveries)
	duration("IMAGECRYPT_PROCESSOR_TIMEOUT", &c.Processor.Timeout)
	str("IMAGECRYPT_LOG_LEVEL", &c.Log.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Broker.Exchange == "" || c.Broker.Queue == "" || c.Broker.RoutingKey == "" {
		errs = append(errs, errors.New("broker exchange, queue and routingKey are required"))
	}
	if c.Broker.URL == "" && c.Broker.Host == "" {
		errs = append(errs, errors.New("broker url or host is required"))
	}
	if c.Broker.ConnectAttempts < 1 {
		errs = append(errs, errors.New("broker connectAttempts must be at least 1"))
	}
	if c.Worker.MaxDeliveries < 0 {
		errs = append(errs, errors.New("worker maxDeliveries must not be negative"))
	}
	if c.Worker.CallbackAttempts < 1 {
		errs = append(errs, errors.New("worker callbackAttempts must be at least 1"))
	}
	if c.Processor.Program == "" {
		errs = append(errs, errors.New("processor program is required"))
	}
	if c.Processor.Timeout < 0 {
		errs = append(errs, errors.New("processor timeout must not be negative"))
	}
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store redisURL is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BrokerURL returns the AMQP URL, built from the individual fields when no
// URL is configured.
func (c Config) BrokerURL() string {
	if c.Broker.URL != "" {
		return c.Broker.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Broker.User, c.Broker.Password),
		Host:   net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port)),
	}
	if vhost := strings.TrimPrefix(c.Broker.VHost, "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

func (c Config) Queue() queue.Config {
	return queue.Config{
		URL:                  c.BrokerURL(),
		Exchange:             c.Broker.Exchange,
		Queue:                c.Broker.Queue,
		RoutingKey:           c.Broker.RoutingKey,
		DeadLetterQueue:      c.Broker.DeadLetterQueue,
		DeadLetterRoutingKey: c.Broker.DeadLetterRoutingKey,
		ConnectAttempts:      c.Broker.ConnectAttempts,
		ConnectDelay:         c.Broker.ConnectDelay,
		PublishTimeout:       c.Broker.PublishTimeout,
	}
}

func (c Config) JobStore() store.Config {
	return store.Config{
		Driver:    c.Store.Driver,
		RedisURL:  c.Store.RedisURL,
		KeyPrefix: c.Store.KeyPrefix,
		TTL:       c.Store.TTL,
	}
}

func (c Config) ProcessorConfig() processor.Config {
	return processor.Config{
		Launcher:    c.Processor.Launcher,
		Parallelism: c.Processor.Parallelism,
		Program:     c.Processor.Program,
		Timeout:     c.Processor.Timeout,
	}
}

// CallbackPolicy is a single attempt unless more are configured.
func (c Config) CallbackPolicy() retry.Policy {
	return retry.Constant(c.Worker.CallbackAttempts, c.Worker.CallbackDelay)
}
