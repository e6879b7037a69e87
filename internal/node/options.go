package node

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/core/services"
	"partyline/internal/infrastructure/monitoring"
	"partyline/internal/infrastructure/signal"
	"partyline/pkg/config"
	"partyline/pkg/retry"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultTickRate          = 20
	defaultAdvertiseInterval = 30 * time.Second
	defaultAdvertisementTTL  = 5 * time.Minute
	defaultNegotiation       = 10 * time.Second
	defaultJoinTimeout       = 30 * time.Second
	defaultHousekeep         = 500 * time.Millisecond
	defaultEventBuffer       = 64
)

// Options assembles one node. Signaling and Peers are required; the node
// takes ownership of both and closes them on Close. Everything else has a
// working default.
type Options struct {
	ID        domain.PeerID
	Signaling *signal.Transport
	Peers     ports.PeerTransport

	Logger  *zap.Logger
	Metrics *monitoring.PrometheusCollector

	PollInterval       time.Duration
	TickRate           int
	AdvertiseInterval  time.Duration
	AdvertisementTTL   time.Duration
	NegotiationTimeout time.Duration
	JoinTimeout        time.Duration
	HousekeepInterval  time.Duration

	Recovery retry.Config
	Sync     services.SyncConfig

	EventBuffer int
}

// FromConfig maps the loaded configuration onto node options. The caller
// attaches the transports, logger and metrics afterwards.
func FromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:       cfg.Node.PollInterval,
		TickRate:           cfg.Node.TickRate,
		AdvertiseInterval:  cfg.Node.AdvertiseInterval,
		AdvertisementTTL:   cfg.Node.AdvertisementTTL,
		NegotiationTimeout: cfg.Node.NegotiationTimeout,
		JoinTimeout:        cfg.Node.JoinTimeout,
		EventBuffer:        cfg.Node.EventBuffer,
		Recovery: retry.Config{
			Enabled:      cfg.Recovery.Enabled,
			MaxAttempts:  cfg.Recovery.MaxAttempts,
			InitialDelay: cfg.Recovery.InitialDelay,
			MaxDelay:     cfg.Recovery.MaxDelay,
			Multiplier:   cfg.Recovery.Multiplier,
		},
		Sync: services.SyncConfig{
			MaxSpeed:        cfg.Sync.MaxSpeed,
			InputRate:       cfg.Sync.InputRate,
			InputBurst:      cfg.Sync.InputBurst,
			PredictionLimit: cfg.Sync.PredictionLimit,
		},
	}
}

func (o *Options) normalize() error {
	if o.Signaling == nil {
		return fmt.Errorf("node options: signaling transport is required")
	}
	if o.Peers == nil {
		return fmt.Errorf("node options: peer transport is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = monitoring.DefaultCollector()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.TickRate <= 0 {
		o.TickRate = defaultTickRate
	}
	if o.AdvertiseInterval <= 0 {
		o.AdvertiseInterval = defaultAdvertiseInterval
	}
	if o.AdvertisementTTL <= 0 {
		o.AdvertisementTTL = defaultAdvertisementTTL
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = defaultNegotiation
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = defaultJoinTimeout
	}
	if o.HousekeepInterval <= 0 {
		o.HousekeepInterval = defaultHousekeep
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Sync.TickInterval <= 0 {
		o.Sync.TickInterval = time.Second / time.Duration(o.TickRate)
	}
	if o.Sync.MaxSpeed <= 0 {
		o.Sync.MaxSpeed = 240
	}
	if o.Sync.InputRate <= 0 {
		o.Sync.InputRate = 60
	}
	if o.Sync.InputBurst <= 0 {
		o.Sync.InputBurst = 90
	}
	if o.Sync.PredictionLimit <= 0 {
		o.Sync.PredictionLimit = 128
	}
	return nil
}
