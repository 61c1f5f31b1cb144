package config

import (
	"time"

	"github.com/zeromicro/go-zero/rest"
)

// Config is the marketpulse process config, loaded by conf.MustLoad from
// a YAML file.
type Config struct {
	rest.RestConf

	Upstream UpstreamConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Tuning   TuningConfig
}

// UpstreamConfig points at the exchange streaming endpoint.
type UpstreamConfig struct {
	URL             string
	PingIntervalMs  int `json:",default=20000"`
	PongTimeoutMs   int `json:",default=10000"`
	MaxReconnect    int `json:",default=10"`
	HandshakeWaitMs int `json:",default=10000"`
}

func (u UpstreamConfig) PingInterval() time.Duration  { return time.Duration(u.PingIntervalMs) * time.Millisecond }
func (u UpstreamConfig) PongTimeout() time.Duration   { return time.Duration(u.PongTimeoutMs) * time.Millisecond }
func (u UpstreamConfig) HandshakeWait() time.Duration { return time.Duration(u.HandshakeWaitMs) * time.Millisecond }

// RedisConfig is the PriceCache's backing store. EntryTTLSec is the
// PriceEntry's staleness window (§3): it must stay well above the flush
// interval so get_portfolio and preload keep returning last-known prices
// through a transient upstream outage instead of falling back to
// entry_price.
type RedisConfig struct {
	Host        string
	Port        int
	Password    string `json:",optional"`
	DB          int    `json:",default=0"`
	EntryTTLSec int    `json:",default=60"`
}

func (r RedisConfig) EntryTTL() time.Duration { return time.Duration(r.EntryTTLSec) * time.Second }

// KafkaConfig is optional: when Brokers is empty the AuditPublisher is
// not started and audit publishing is a no-op.
type KafkaConfig struct {
	Brokers []string `json:",optional"`
	Topic   string   `json:",default=marketpulse.audit"`
}

// TuningConfig carries the pipeline's tunable windows and caps.
type TuningConfig struct {
	FlushIntervalMs  int `json:",default=100"`
	DebounceMs       int `json:",default=50"`
	PnLCacheTTLSec   int `json:",default=5"`
	SessionCap       int `json:",default=3"`
	PnLWorkerCount   int `json:",default=4"`
	OutboundQueueCap int `json:",default=256"`
}

func (t TuningConfig) FlushInterval() time.Duration { return time.Duration(t.FlushIntervalMs) * time.Millisecond }
func (t TuningConfig) Debounce() time.Duration      { return time.Duration(t.DebounceMs) * time.Millisecond }
func (t TuningConfig) PnLCacheTTL() time.Duration   { return time.Duration(t.PnLCacheTTLSec) * time.Second }
