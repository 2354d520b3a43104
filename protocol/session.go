package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"imbridge-server/domain"
)

// ControlHandler runs the session of a viewer/controller connection. Only
// devices whose agent is attached can be controlled.
type ControlHandler struct {
	store    domain.DeviceStore
	registry domain.Registry
}

func NewControlHandler(store domain.DeviceStore, registry domain.Registry) *ControlHandler {
	return &ControlHandler{store: store, registry: registry}
}

func (h *ControlHandler) Open(ctx context.Context, conn domain.Connection) error {
	deviceID := conn.DeviceID()

	err := h.registry.Serialize(deviceID, func() error {
		dev, err := h.store.Get(ctx, deviceID)
		if err != nil {
			if errors.Is(err, domain.ErrDeviceNotFound) {
				return &ProtocolError{Kind: domain.KindNotFound, Err: err}
			}
			return &ProtocolError{Kind: domain.KindUnexpected, Err: err}
		}
		if !dev.IsConnected {
			return &ProtocolError{Kind: domain.KindNotConnected}
		}

		h.registry.Join(deviceID, conn)
		return conn.Deliver(domain.DeviceStateEvent(dev.State()))
	})
	if err != nil {
		h.registry.Leave(deviceID, conn)
		slog.Info("control session rejected", "deviceId", deviceID, "clientId", conn.ID(), "error", err)
		reply(conn, errorEventFor(err))
		return err
	}
	return nil
}

// Handle applies one inbound update: store write-through, then a
// device_message to the whole group, sender included.
func (h *ControlHandler) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	defer recoverInto(conn)

	state, err := DecodeState(data)
	if err != nil {
		slog.Debug("invalid update", "deviceId", conn.DeviceID(), "clientId", conn.ID(), "error", err)
		reply(conn, errorEventFor(err))
		return
	}

	deviceID := conn.DeviceID()
	err = h.registry.Serialize(deviceID, func() error {
		dev, err := h.store.Upsert(ctx, deviceID, state)
		if err != nil {
			return fmt.Errorf("upsert device %s: %w", deviceID, err)
		}
		h.registry.Broadcast(deviceID, domain.DeviceMessageEvent(dev.State()), nil)
		return nil
	})
	if err != nil {
		slog.Error("update failed", "deviceId", deviceID, "clientId", conn.ID(), "error", err)
		reply(conn, errorEventFor(err))
	}
}

func (h *ControlHandler) Close(_ context.Context, conn domain.Connection) {
	h.registry.Leave(conn.DeviceID(), conn)
}

// errorEventFor maps a failure to the error text shown to the client.
// Anything that is not a ProtocolError is reported generically.
func errorEventFor(err error) domain.Event {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return domain.ErrorEvent(perr.Error())
	}
	return domain.ErrorEvent(domain.KindUnexpected.Message())
}

func reply(conn domain.Connection, ev domain.Event) {
	if err := conn.Deliver(ev); err != nil {
		slog.Warn("reply dropped", "clientId", conn.ID(), "error", err)
	}
}

func recoverInto(conn domain.Connection) {
	if r := recover(); r != nil {
		slog.Error("panic while handling message", "deviceId", conn.DeviceID(), "clientId", conn.ID(), "panic", r)
		reply(conn, domain.ErrorEvent(domain.KindUnexpected.Message()))
	}
}
