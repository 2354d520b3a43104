package domain

import (
	"context"
	"errors"
	"fmt"
)

const (
	ImageSize         = 16
	DefaultBrightness = 100
)

var ErrDeviceNotFound = errors.New("device not found")

// Image is a grid of color values, one row per slice.
type Image [][]int

// NewImage returns an all-zero ImageSize x ImageSize grid.
func NewImage() Image {
	img := make(Image, ImageSize)
	for i := range img {
		img[i] = make([]int, ImageSize)
	}
	return img
}

// Valid reports whether the grid has exactly ImageSize rows of ImageSize values.
func (img Image) Valid() bool {
	if len(img) != ImageSize {
		return false
	}
	for _, row := range img {
		if len(row) != ImageSize {
			return false
		}
	}
	return true
}

func (img Image) Clone() Image {
	if img == nil {
		return nil
	}
	out := make(Image, len(img))
	for i, row := range img {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// State is the client-controlled part of a device.
type State struct {
	Name       string
	Image      Image
	Brightness int
	IsOn       bool
}

type Device struct {
	ID          string
	Name        string
	Image       Image
	Brightness  int
	IsOn        bool
	IsConnected bool
}

// NewDevice returns the record created for an unknown device id.
func NewDevice(id string) Device {
	return Device{
		ID:         id,
		Name:       fmt.Sprintf("device-%s", id),
		Image:      NewImage(),
		Brightness: DefaultBrightness,
		IsOn:       true,
	}
}

func (d Device) State() State {
	return State{
		Name:       d.Name,
		Image:      d.Image,
		Brightness: d.Brightness,
		IsOn:       d.IsOn,
	}
}

type EventType string

const (
	EventDeviceState   EventType = "device_state"
	EventDeviceMessage EventType = "device_message"
	EventError         EventType = "error"
)

// Event is an outbound message. State is set for device_state and
// device_message, Message for error.
type Event struct {
	Type    EventType
	State   State
	Message string
}

func DeviceStateEvent(s State) Event   { return Event{Type: EventDeviceState, State: s} }
func DeviceMessageEvent(s State) Event { return Event{Type: EventDeviceMessage, State: s} }
func ErrorEvent(message string) Event   { return Event{Type: EventError, Message: message} }

type ErrorKind uint8

const (
	KindUnexpected ErrorKind = iota
	KindNotFound
	KindNotConnected
	KindMalformedPayload
	KindMissingField
)

func (k ErrorKind) Message() string {
	switch k {
	case KindNotFound:
		return "Device is not exist"
	case KindNotConnected:
		return "Device is not connected"
	case KindMalformedPayload:
		return "Invalid JSON data"
	case KindMissingField:
		return "Invalid data format"
	default:
		return "An unexpected error occurred"
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotConnected:
		return "not_connected"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindMissingField:
		return "missing_field"
	default:
		return "unexpected"
	}
}

type Connection interface {
	ID() string
	DeviceID() string
	Deliver(ev Event) error
	Close() error
}

type Registry interface {
	Join(deviceID string, conn Connection)
	Leave(deviceID string, conn Connection)
	Broadcast(deviceID string, ev Event, exclude Connection)
	Serialize(deviceID string, fn func() error) error
	Stats() (groups, members int)
}

type DeviceStore interface {
	Get(ctx context.Context, id string) (Device, error)
	GetOrCreate(ctx context.Context, id string) (Device, error)
	Upsert(ctx context.Context, id string, s State) (Device, error)
	SetConnected(ctx context.Context, id string, connected bool) error
	List(ctx context.Context) ([]Device, error)
	Close() error
}

// SessionHandler drives one connection's lifecycle. Open returns an error
// when the connection is rejected; Close runs once for every accepted
// connection regardless of how it ended.
type SessionHandler interface {
	Open(ctx context.Context, conn Connection) error
	Handle(ctx context.Context, conn Connection, data []byte)
	Close(ctx context.Context, conn Connection)
}

// PresenceNotifier publishes agent online/offline transitions.
type PresenceNotifier interface {
	Online(ctx context.Context, deviceID string) error
	Offline(ctx context.Context, deviceID string) error
	Close() error
}
