package connector

import (
	"encoding/json"
	"time"

	"github.com/statlink-project/statlink/internal/config"
)

const (
	DefaultQueueCapacity      = 100
	DefaultEnqueueTimeout     = 50 * time.Millisecond
	DefaultDequeueTimeout     = 1 * time.Second
	DefaultSendCooldown       = 1 * time.Second
	DefaultMaxPayloadBytes    = 2 * 1024 * 1024
	DefaultMaxConnectAttempts = 5
	DefaultConnectTimeout     = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultSettleDelay        = 200 * time.Millisecond
	DefaultCloseTimeout       = 3 * time.Second
)

// Options configures a Client.
type Options struct {
	Host               string
	Port               int
	Secure             bool
	InsecureSkipVerify bool

	AccessKey     string
	SecretKey     string
	UseSecretAuth bool
	PlayerID      string

	QueueCapacity   int
	EnqueueTimeout  time.Duration
	DequeueTimeout  time.Duration
	SendCooldown    time.Duration
	MaxPayloadBytes int

	Backoff            BackoffConfig
	MaxConnectAttempts int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	SettleDelay    time.Duration
	CloseTimeout   time.Duration

	// DrainOnClose discards queued events on Close.
	DrainOnClose bool

	// OnMessage receives server events the client does not handle itself.
	// It runs on the receive goroutine and must not block.
	OnMessage func(event string, data json.RawMessage)

	// OnServerError receives "44" connect error messages.
	OnServerError func(message string)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Port:            443,
		Secure:          true,
		QueueCapacity:   DefaultQueueCapacity,
		EnqueueTimeout:  DefaultEnqueueTimeout,
		DequeueTimeout:  DefaultDequeueTimeout,
		SendCooldown:    DefaultSendCooldown,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		Backoff: BackoffConfig{
			Base:       DefaultBackoffBase,
			Max:        DefaultBackoffMax,
			Multiplier: DefaultBackoffMultiplier,
		},
		MaxConnectAttempts: DefaultMaxConnectAttempts,
		ConnectTimeout:     DefaultConnectTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		SettleDelay:        DefaultSettleDelay,
		CloseTimeout:       DefaultCloseTimeout,
		DrainOnClose:       true,
	}
}

// OptionsFromConfig maps the endpoint, auth and transport sections of cfg
// onto client options. Zero values fall back to the defaults, except the
// send cooldown and settle delay where zero disables the wait.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()

	ep := cfg.Endpoint
	opts.Host = ep.Host
	if ep.Port > 0 {
		opts.Port = ep.Port
	}
	opts.Secure = ep.Secure
	opts.InsecureSkipVerify = ep.InsecureSkipVerify

	auth := cfg.Auth
	opts.AccessKey = auth.AccessKey
	opts.SecretKey = auth.SecretKey
	opts.UseSecretAuth = auth.UseSecretAuth
	opts.PlayerID = auth.PlayerID

	t := cfg.Transport
	setInt(&opts.QueueCapacity, t.QueueCapacity)
	setInt(&opts.MaxPayloadBytes, t.MaxPayloadBytes)
	setInt(&opts.MaxConnectAttempts, t.MaxConnectAttempts)
	setMillis(&opts.EnqueueTimeout, t.EnqueueTimeoutMs)
	setMillis(&opts.DequeueTimeout, t.DequeueTimeoutMs)
	setMillis(&opts.Backoff.Base, t.BackoffBaseMs)
	setMillis(&opts.Backoff.Max, t.BackoffMaxMs)
	setMillis(&opts.ConnectTimeout, t.ConnectTimeoutMs)
	setMillis(&opts.WriteTimeout, t.WriteTimeoutMs)
	setMillis(&opts.CloseTimeout, t.CloseTimeoutMs)
	if t.SendCooldownMs >= 0 {
		opts.SendCooldown = time.Duration(t.SendCooldownMs) * time.Millisecond
	}
	if t.SettleDelayMs >= 0 {
		opts.SettleDelay = time.Duration(t.SettleDelayMs) * time.Millisecond
	}
	opts.Backoff.Jitter = t.BackoffJitter
	opts.DrainOnClose = t.DrainOnClose

	return opts
}

// withDefaults fills zero-valued limits so a partially built Options is usable.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = d.QueueCapacity
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = d.EnqueueTimeout
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = d.DequeueTimeout
	}
	if o.SendCooldown < 0 {
		o.SendCooldown = 0
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = d.CloseTimeout
	}
	return o
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
