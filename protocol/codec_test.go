package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbridge-server/domain"
)

func imageJSON(rows, cols int) string {
	row := "[" + strings.TrimSuffix(strings.Repeat("0,", cols), ",") + "]"
	return "[" + strings.TrimSuffix(strings.Repeat(row+",", rows), ",") + "]"
}

func TestDecodeState(t *testing.T) {
	full := imageJSON(16, 16)

	tests := []struct {
		name     string
		data     string
		wantKind domain.ErrorKind
		wantErr  bool
		wantMsg  string
	}{
		{
			name: "valid",
			data: `{"name":"lamp","image":` + full + `,"brightness":250,"is_on":false}`,
		},
		{
			name:     "not json",
			data:     `not json`,
			wantErr:  true,
			wantKind: domain.KindMalformedPayload,
			wantMsg:  "Invalid JSON data",
		},
		{
			name:     "wrong field type",
			data:     `{"name":"lamp","image":` + full + `,"brightness":"high","is_on":true}`,
			wantErr:  true,
			wantKind: domain.KindMalformedPayload,
		},
		{
			name:     "missing brightness",
			data:     `{"name":"lamp","image":` + full + `,"is_on":true}`,
			wantErr:  true,
			wantKind: domain.KindMissingField,
			wantMsg:  "Invalid data format: missing brightness",
		},
		{
			name:     "missing everything",
			data:     `{}`,
			wantErr:  true,
			wantKind: domain.KindMissingField,
			wantMsg:  "Invalid data format: missing name, image, brightness, is_on",
		},
		{
			name:     "null field counts as missing",
			data:     `{"name":null,"image":` + full + `,"brightness":1,"is_on":true}`,
			wantErr:  true,
			wantKind: domain.KindMissingField,
		},
		{
			name:     "short image",
			data:     `{"name":"lamp","image":` + imageJSON(15, 16) + `,"brightness":1,"is_on":true}`,
			wantErr:  true,
			wantKind: domain.KindMissingField,
			wantMsg:  "Invalid data format: image must be 16x16",
		},
		{
			name:     "ragged image",
			data:     `{"name":"lamp","image":` + imageJSON(16, 17) + `,"brightness":1,"is_on":true}`,
			wantErr:  true,
			wantKind: domain.KindMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := DecodeState([]byte(tt.data))

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "lamp", state.Name)
				assert.Equal(t, 250, state.Brightness)
				assert.False(t, state.IsOn)
				assert.True(t, state.Image.Valid())
				return
			}

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "error %v is not a ProtocolError", err)
			assert.Equal(t, tt.wantKind, perr.Kind)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, perr.Error())
			}
		})
	}
}

func TestDecodeState_BrightnessPassesThrough(t *testing.T) {
	state, err := DecodeState([]byte(`{"name":"x","image":` + imageJSON(16, 16) + `,"brightness":-5,"is_on":true}`))

	require.NoError(t, err)
	assert.Equal(t, -5, state.Brightness)
}

func TestEncode(t *testing.T) {
	img := domain.NewImage()
	img[2][3] = 7
	state := domain.State{Name: "lamp", Image: img, Brightness: 80, IsOn: true}

	tests := []struct {
		name string
		ev   domain.Event
		want map[string]any
	}{
		{
			name: "device_state",
			ev:   domain.DeviceStateEvent(state),
			want: map[string]any{"type": "device_state", "name": "lamp", "brightness": float64(80), "is_on": true},
		},
		{
			name: "device_message",
			ev:   domain.DeviceMessageEvent(state),
			want: map[string]any{"type": "device_message", "name": "lamp", "brightness": float64(80), "is_on": true},
		},
		{
			name: "error",
			ev:   domain.ErrorEvent("Device is not exist"),
			want: map[string]any{"type": "error", "message": "Device is not exist"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.ev)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], "field %s", k)
			}
			if tt.ev.Type == domain.EventError {
				assert.Len(t, got, 2)
			} else {
				assert.Len(t, got, 5)
				assert.Len(t, got["image"], 16)
			}
		})
	}
}

func TestEncode_UnknownType(t *testing.T) {
	_, err := Encode(domain.Event{Type: "bogus"})
	assert.Error(t, err)
}
