package protocol

import (
	"context"
	"log/slog"
	"sync"

	"imbridge-server/domain"
)

// StatusHandler runs the session of a device agent. The agent's presence is
// what marks a device connected; it receives every device_message of its
// group but does not send updates itself.
type StatusHandler struct {
	store    domain.DeviceStore
	registry domain.Registry
	notifier domain.PresenceNotifier

	mu     sync.Mutex
	agents map[string]int
}

func NewStatusHandler(store domain.DeviceStore, registry domain.Registry, notifier domain.PresenceNotifier) *StatusHandler {
	return &StatusHandler{
		store:    store,
		registry: registry,
		notifier: notifier,
		agents:   make(map[string]int),
	}
}

// Open creates the device if needed, joins its group and pushes the current
// state before flagging the device connected.
func (h *StatusHandler) Open(ctx context.Context, conn domain.Connection) error {
	deviceID := conn.DeviceID()

	err := h.registry.Serialize(deviceID, func() error {
		dev, err := h.store.GetOrCreate(ctx, deviceID)
		if err != nil {
			return &ProtocolError{Kind: domain.KindUnexpected, Err: err}
		}

		h.registry.Join(deviceID, conn)
		if err := conn.Deliver(domain.DeviceStateEvent(dev.State())); err != nil {
			return err
		}
		if err := h.store.SetConnected(ctx, deviceID, true); err != nil {
			return err
		}

		if h.attach(deviceID) {
			h.publish(ctx, deviceID, true)
		}
		return nil
	})
	if err != nil {
		h.registry.Leave(deviceID, conn)
		slog.Error("status session rejected", "deviceId", deviceID, "clientId", conn.ID(), "error", err)
		reply(conn, errorEventFor(err))
		return err
	}

	slog.Info("agent attached", "deviceId", deviceID, "clientId", conn.ID())
	return nil
}

func (h *StatusHandler) Handle(_ context.Context, conn domain.Connection, data []byte) {
	slog.Debug("ignoring agent message", "deviceId", conn.DeviceID(), "clientId", conn.ID(), "bytes", len(data))
}

// Close leaves the group and clears the connection flag once the last agent
// of the device is gone.
func (h *StatusHandler) Close(ctx context.Context, conn domain.Connection) {
	deviceID := conn.DeviceID()

	_ = h.registry.Serialize(deviceID, func() error {
		h.registry.Leave(deviceID, conn)
		if !h.detach(deviceID) {
			return nil
		}
		if err := h.store.SetConnected(ctx, deviceID, false); err != nil {
			slog.Error("failed to clear connection flag", "deviceId", deviceID, "error", err)
		}
		h.publish(ctx, deviceID, false)
		return nil
	})

	slog.Info("agent detached", "deviceId", deviceID, "clientId", conn.ID())
}

// attach reports whether this is the first agent of the device.
func (h *StatusHandler) attach(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[deviceID]++
	return h.agents[deviceID] == 1
}

// detach reports whether the last agent of the device is gone.
func (h *StatusHandler) detach(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agents[deviceID] == 0 {
		return false
	}
	h.agents[deviceID]--
	if h.agents[deviceID] > 0 {
		return false
	}
	delete(h.agents, deviceID)
	return true
}

func (h *StatusHandler) publish(ctx context.Context, deviceID string, online bool) {
	if h.notifier == nil {
		return
	}
	var err error
	if online {
		err = h.notifier.Online(ctx, deviceID)
	} else {
		err = h.notifier.Offline(ctx, deviceID)
	}
	if err != nil {
		slog.Warn("presence publish failed", "deviceId", deviceID, "online", online, "error", err)
	}
}
