package eventlog

import (
	"plc-modbus-go/internal/pkg/mqtt"
)

// MQTTSink publishes each batch as one type=3 message
type MQTTSink struct {
	pub mqtt.Publisher
}

// NewMQTTSink wraps an MQTT publisher
func NewMQTTSink(pub mqtt.Publisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) WriteEvents(events []Event) error {
	payload := mqtt.EventsPayload{Events: make([]mqtt.EventPayload, 0, len(events))}
	for _, e := range events {
		payload.Events = append(payload.Events, mqtt.EventPayload{
			Kind:      string(e.Kind),
			Timestamp: e.Timestamp.UnixMilli(),
			Detail:    e.Detail,
		})
	}
	return s.pub.Publish(mqtt.NewMessage(mqtt.TypeEvents, payload))
}
