package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

const mqttTimeout = 5 * time.Second

// MQTT publishes the connection flag as a retained message on
// <prefix>/<device_id>/connected.
type MQTT struct {
	client mqtt.Client
	prefix string
}

func NewMQTT(broker, clientID, prefix string) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttTimeout)
	return newMQTT(mqtt.NewClient(opts), prefix)
}

func newMQTT(client mqtt.Client, prefix string) *MQTT {
	return &MQTT{client: client, prefix: prefix}
}

func (m *MQTT) Start() error {
	token := m.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("mqtt connect timed out")
	}
	return errors.Wrap(token.Error(), "connect to mqtt broker")
}

func (m *MQTT) Online(ctx context.Context, deviceID string) error {
	return m.publish(ctx, deviceID, true)
}

func (m *MQTT) Offline(ctx context.Context, deviceID string) error {
	return m.publish(ctx, deviceID, false)
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s/connected", m.prefix, deviceID)
}

func (m *MQTT) publish(ctx context.Context, deviceID string, connected bool) error {
	topic := m.Topic(deviceID)
	token := m.client.Publish(topic, 1, true, strconv.FormatBool(connected))

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return errors.Errorf("publish to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}
