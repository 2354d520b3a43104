// Package presence publishes device agent online/offline transitions to
// message brokers, so systems outside this server can follow which devices
// are reachable.
package presence

import (
	"context"
	"errors"
	"time"

	"imbridge-server/domain"
)

const (
	RoutingKeyOnline  = "device.online"
	RoutingKeyOffline = "device.offline"
)

// Event is the payload published on every transition.
type Event struct {
	DeviceID  string `json:"device_id"`
	Connected bool   `json:"connected"`
	Timestamp int64  `json:"timestamp"`
}

func newEvent(deviceID string, connected bool) Event {
	return Event{DeviceID: deviceID, Connected: connected, Timestamp: time.Now().Unix()}
}

func routingKey(connected bool) string {
	if connected {
		return RoutingKeyOnline
	}
	return RoutingKeyOffline
}

type Nop struct{}

func (Nop) Online(context.Context, string) error  { return nil }
func (Nop) Offline(context.Context, string) error { return nil }
func (Nop) Close() error                          { return nil }

// Multi fans a transition out to several notifiers. Every notifier is
// called even when an earlier one fails.
type Multi []domain.PresenceNotifier

func (m Multi) Online(ctx context.Context, deviceID string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Online(ctx, deviceID))
	}
	return errors.Join(errs...)
}

func (m Multi) Offline(ctx context.Context, deviceID string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Offline(ctx, deviceID))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}
