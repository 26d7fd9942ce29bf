// Package machines coordinates machine presence: session authentication, the
// realtime channel registry, heartbeat staleness sweeps and the single-flight
// dispense dispatch.
package machines

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vending-svc/config"
	"vending-svc/middleware"
	"vending-svc/models"
	"vending-svc/registry"
	"vending-svc/store"
)

// Sender pushes a payload to a specific realtime channel. Implemented by the
// websocket hub.
type Sender interface {
	Send(channelID string, payload any) error
}

type Coordinator struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	sender   Sender
	logger   *zap.Logger
	nowMs    func() int64
}

func NewCoordinator(cfg *config.Config, st store.Store, sender Sender, logger *zap.Logger) *Coordinator {
	nowMs := func() int64 { return time.Now().UnixMilli() }
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		registry: registry.New(nowMs),
		sender:   sender,
		logger:   logger,
		nowMs:    nowMs,
	}
}

// Authenticate checks the machine token against the per-machine token map,
// falling back to the shared default token.
func (c *Coordinator) Authenticate(machineID, token string) bool {
	return token != "" && token == c.cfg.MachineToken(machineID)
}

// HandleConnect binds the machine to its channel (last connect wins) and
// persists the machine as ONLINE. Machine records are created implicitly here
// on first successful authentication.
func (c *Coordinator) HandleConnect(ctx context.Context, machineID, channelID string) error {
	c.registry.Upsert(machineID, channelID)
	middleware.SetMachinesOnline(c.registry.Len())

	err := c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"status":          models.MachineStatusOnline,
		"lastSeenAt":      c.nowMs(),
		"socketConnected": true,
	})
	if err != nil {
		return err
	}

	c.logger.Info("Machine connected",
		zap.String("machine_id", machineID),
		zap.String("channel_id", channelID),
	)
	return nil
}

// HandleHeartbeat refreshes the machine's lastSeenAt in the registry and the
// durable record.
func (c *Coordinator) HandleHeartbeat(ctx context.Context, machineID string) error {
	c.registry.Touch(machineID)

	return c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"lastSeenAt":      c.nowMs(),
		"socketConnected": true,
	})
}

// HandleDisconnect evicts whichever machine holds the channel and marks it
// OFFLINE. It returns the machine id, empty when the channel was not bound.
func (c *Coordinator) HandleDisconnect(ctx context.Context, channelID string) string {
	machineID, ok := c.registry.RemoveByChannel(channelID)
	if !ok {
		return ""
	}
	middleware.SetMachinesOnline(c.registry.Len())

	if err := c.markOffline(ctx, machineID); err != nil {
		c.logger.Error("Failed to persist machine offline",
			zap.String("machine_id", machineID), zap.Error(err))
	}

	c.logger.Info("Machine disconnected", zap.String("machine_id", machineID))
	return machineID
}

// SweepStale evicts every machine whose lastSeenAt is older than the
// heartbeat timeout and persists it as OFFLINE. Eviction makes the transition
// fire exactly once per stale period: a swept machine is no longer registered,
// so the next sweep does not see it again.
func (c *Coordinator) SweepStale(ctx context.Context) {
	cutoff := c.nowMs() - c.cfg.HeartbeatTimeout.Milliseconds()

	for _, entry := range c.registry.Entries() {
		if entry.LastSeenAt >= cutoff {
			continue
		}

		if _, ok := c.registry.RemoveByMachine(entry.MachineID); !ok {
			continue
		}
		if err := c.markOffline(ctx, entry.MachineID); err != nil {
			c.logger.Error("Failed to persist stale machine offline",
				zap.String("machine_id", entry.MachineID), zap.Error(err))
		}
		c.logger.Warn("Machine heartbeat stale, marked offline",
			zap.String("machine_id", entry.MachineID))
	}

	middleware.SetMachinesOnline(c.registry.Len())
}

// RunSweeper runs the staleness sweep until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepStale(ctx)
		}
	}
}

// IsOnline reports live presence. A registered but stale entry is evicted on
// read and persisted OFFLINE, so staleness is never observed twice.
func (c *Coordinator) IsOnline(ctx context.Context, machineID string) bool {
	entry, ok := c.registry.Get(machineID)
	if !ok {
		return false
	}

	if c.nowMs()-entry.LastSeenAt > c.cfg.HeartbeatTimeout.Milliseconds() {
		c.registry.RemoveByMachine(machineID)
		middleware.SetMachinesOnline(c.registry.Len())
		if err := c.markOffline(ctx, machineID); err != nil {
			c.logger.Error("Failed to persist stale machine offline",
				zap.String("machine_id", machineID), zap.Error(err))
		}
		return false
	}

	return true
}

// Dispatch sends a payload over the machine's channel and persists the
// machine as DISPENSING. It reports false without side effects when the
// machine is absent or stale. Serializing concurrent callers is the dispatch
// driver's job; this only inspects presence.
func (c *Coordinator) Dispatch(ctx context.Context, machineID string, payload any) (bool, error) {
	entry, ok := c.registry.Get(machineID)
	if !ok {
		return false, nil
	}

	if !c.IsOnline(ctx, machineID) {
		return false, nil
	}

	if err := c.sender.Send(entry.ChannelID, payload); err != nil {
		c.logger.Error("Failed to send dispatch payload",
			zap.String("machine_id", machineID), zap.Error(err))
		return false, nil
	}

	err := c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"status":          models.MachineStatusDispensing,
		"lastSeenAt":      c.nowMs(),
		"socketConnected": true,
	})
	if err != nil {
		return true, err
	}
	return true, nil
}

// SetIdle persists the machine as IDLE after it reports a dispense result.
func (c *Coordinator) SetIdle(ctx context.Context, machineID string) error {
	return c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"status":          models.MachineStatusIdle,
		"lastSeenAt":      c.nowMs(),
		"socketConnected": true,
	})
}

// Machine returns the durable machine record.
func (c *Coordinator) Machine(ctx context.Context, machineID string) (*models.Machine, bool, error) {
	var machine models.Machine
	found, err := c.store.Get(ctx, store.MachinePath(machineID), &machine)
	if err != nil || !found {
		return nil, false, err
	}
	return &machine, true, nil
}

// SetPaymentProfile records the provider QR binding on the machine and maps
// the QR code id back to the machine for webhook resolution.
func (c *Coordinator) SetPaymentProfile(ctx context.Context, machineID string, profile models.PaymentProfile) error {
	err := c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"paymentProfile": profile,
	})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, store.QRCodePath(profile.QRCodeID), machineID)
}

// MachineIDByQRCode resolves the machine a provider QR code was provisioned
// for. Empty when the code is unknown.
func (c *Coordinator) MachineIDByQRCode(ctx context.Context, qrCodeID string) (string, error) {
	var machineID string
	found, err := c.store.Get(ctx, store.QRCodePath(qrCodeID), &machineID)
	if err != nil || !found {
		return "", err
	}
	return machineID, nil
}

func (c *Coordinator) markOffline(ctx context.Context, machineID string) error {
	return c.store.Update(ctx, store.MachinePath(machineID), map[string]any{
		"status":          models.MachineStatusOffline,
		"lastSeenAt":      c.nowMs(),
		"socketConnected": false,
	})
}
