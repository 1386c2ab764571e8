package forward

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"avl-svr/internal/pipeline"
)

// publisher es la parte de mqtt.Client que usamos.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publica cada tracking en <topic>/<imei> y el estado en <topic>/<imei>/status.
type MQTT struct {
	client  publisher
	topic   string
	timeout time.Duration
}

type statusPayload struct {
	IMEI       string `json:"imei"`
	Status     string `json:"status"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	At         string `json:"at"`
}

func NewMQTT(broker, clientID, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, errors.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, errors.Annotatef(err, "mqtt connect %s", broker)
	}
	return newMQTT(c, topic), nil
}

func newMQTT(c publisher, topic string) *MQTT {
	return &MQTT{client: c, topic: topic, timeout: 5 * time.Second}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) DeviceConnected(ctx context.Context, imei, remoteAddr string) error {
	return m.status(ctx, imei, "online", remoteAddr)
}

func (m *MQTT) DeviceDisconnected(ctx context.Context, imei string) error {
	return m.status(ctx, imei, "offline", "")
}

func (m *MQTT) status(ctx context.Context, imei, status, remoteAddr string) error {
	b, err := json.Marshal(statusPayload{
		IMEI:       imei,
		Status:     status,
		RemoteAddr: remoteAddr,
		At:         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return m.publish(ctx, m.topic+"/"+imei+"/status", true, b)
}

func (m *MQTT) Forward(ctx context.Context, batch []*pipeline.TrackingObject) error {
	for _, tr := range batch {
		b, err := json.Marshal(tr)
		if err != nil {
			return errors.Trace(err)
		}
		if err := m.publish(ctx, m.topic+"/"+tr.IMEI, false, b); err != nil {
			return err
		}
	}
	return nil
}

// publish espera la confirmación QoS 1 hasta timeout o hasta que se cancele ctx.
func (m *MQTT) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	tok := m.client.Publish(topic, 1, retained, payload)
	done := make(chan bool, 1)
	go func() { done <- tok.WaitTimeout(m.timeout) }()

	select {
	case ok := <-done:
		if !ok {
			return errors.Errorf("mqtt publish %s: timeout", topic)
		}
		return errors.Annotatef(tok.Error(), "mqtt publish %s", topic)
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "mqtt publish %s", topic)
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
