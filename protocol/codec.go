package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"imbridge-server/domain"
)

// ProtocolError is a per-message failure reported back to the sender.
type ProtocolError struct {
	Kind   domain.ErrorKind
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return e.Kind.Message() + ": " + e.Detail
	}
	return e.Kind.Message()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type inboundState struct {
	Name       *string       `json:"name"`
	Image      *domain.Image `json:"image"`
	Brightness *int          `json:"brightness"`
	IsOn       *bool         `json:"is_on"`
}

type outboundState struct {
	Type       domain.EventType `json:"type"`
	Name       string           `json:"name"`
	Image      domain.Image     `json:"image"`
	Brightness int              `json:"brightness"`
	IsOn       bool             `json:"is_on"`
}

type outboundError struct {
	Type    domain.EventType `json:"type"`
	Message string           `json:"message"`
}

// DecodeState parses an inbound update. All four fields are required and the
// image must be a full grid.
func DecodeState(data []byte) (domain.State, error) {
	var in inboundState
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.State{}, &ProtocolError{Kind: domain.KindMalformedPayload, Err: err}
	}

	var missing []string
	if in.Name == nil {
		missing = append(missing, "name")
	}
	if in.Image == nil {
		missing = append(missing, "image")
	}
	if in.Brightness == nil {
		missing = append(missing, "brightness")
	}
	if in.IsOn == nil {
		missing = append(missing, "is_on")
	}
	if len(missing) > 0 {
		return domain.State{}, &ProtocolError{
			Kind:   domain.KindMissingField,
			Detail: "missing " + strings.Join(missing, ", "),
		}
	}

	if !in.Image.Valid() {
		return domain.State{}, &ProtocolError{
			Kind:   domain.KindMissingField,
			Detail: fmt.Sprintf("image must be %dx%d", domain.ImageSize, domain.ImageSize),
		}
	}

	return domain.State{
		Name:       *in.Name,
		Image:      *in.Image,
		Brightness: *in.Brightness,
		IsOn:       *in.IsOn,
	}, nil
}

// Encode serializes an outbound event.
func Encode(ev domain.Event) ([]byte, error) {
	switch ev.Type {
	case domain.EventDeviceState, domain.EventDeviceMessage:
		return json.Marshal(outboundState{
			Type:       ev.Type,
			Name:       ev.State.Name,
			Image:      ev.State.Image,
			Brightness: ev.State.Brightness,
			IsOn:       ev.State.IsOn,
		})
	case domain.EventError:
		return json.Marshal(outboundError{Type: ev.Type, Message: ev.Message})
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}
