package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"plc-modbus-go/internal/pkg/logger"
)

// MessageHandler handles incoming MQTT messages of a specific type
type MessageHandler func(msg *MQTTMessage) error

// StatusFunc produces the snapshot sent on every status tick
type StatusFunc func() StatusPayload

// Publisher is the outbound side used by the event log and tests
type Publisher interface {
	Publish(msg *MQTTMessage) error
}

// ClientManager manages the MQTT connection of one PLC node
type ClientManager struct {
	client pahomqtt.Client
	nodeID string
	qos    byte

	topicUp   string // publish: {prefix}/{nodeId}/up
	topicDown string // subscribe: {prefix}/{nodeId}/down

	messageHandlers map[int]MessageHandler

	statusStop chan struct{}
	statusOnce sync.Once

	lc logger.LoggingClient
	mu sync.RWMutex
}

var _ Publisher = (*ClientManager)(nil)

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	KeepAlive   int // seconds
	TopicPrefix string
}

// NewClientManager creates a new MQTT client manager
func NewClientManager(nodeID string, cfg ClientConfig, lc logger.LoggingClient) *ClientManager {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "plc"
	}
	return &ClientManager{
		nodeID:          nodeID,
		qos:             cfg.QoS,
		topicUp:         fmt.Sprintf("%s/%s/up", prefix, nodeID),
		topicDown:       fmt.Sprintf("%s/%s/down", prefix, nodeID),
		messageHandlers: make(map[int]MessageHandler),
		lc:              lc,
	}
}

// Connect establishes the MQTT connection
func (cm *ClientManager) Connect(cfg ClientConfig) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		cm.lc.Info("MQTT connected, subscribing command topic")
		if err := cm.subscribe(); err != nil {
			cm.lc.Error("MQTT subscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		cm.lc.Warn("MQTT connection lost", "error", err)
	})

	cm.client = pahomqtt.NewClient(opts)
	token := cm.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}
	cm.lc.Info("MQTT connected", "broker", cfg.Broker, "up", cm.topicUp, "down", cm.topicDown)
	return nil
}

func (cm *ClientManager) subscribe() error {
	token := cm.client.Subscribe(cm.topicDown, cm.qos, cm.onMessage)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT subscribe failed: %w", token.Error())
	}
	cm.lc.Debug("subscribed", "topic", cm.topicDown)
	return nil
}

// onMessage routes an incoming message to its handler and answers failures
func (cm *ClientManager) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	message, err := ParseMessage(msg.Payload())
	if err != nil {
		cm.lc.Error("failed to parse MQTT message", "topic", msg.Topic(), "error", err)
		return
	}
	cm.lc.Debug("received MQTT message", "type", message.Type, "requestId", message.RequestID)

	cm.mu.RLock()
	handler, ok := cm.messageHandlers[message.Type]
	cm.mu.RUnlock()
	if !ok {
		cm.lc.Warn("no handler registered for message type", "type", message.Type)
		return
	}

	code, text := 200, "OK"
	if err := handler(message); err != nil {
		cm.lc.Error("message handler failed", "type", message.Type, "error", err)
		code, text = 500, err.Error()
	}
	if cm.client == nil {
		return
	}
	if err := cm.PublishResponse(NewResponse(message.RequestID, message.Type, code, text, nil)); err != nil {
		cm.lc.Warn("failed to answer message", "requestId", message.RequestID, "error", err)
	}
}

func (cm *ClientManager) publish(data []byte) error {
	if cm.client == nil {
		return fmt.Errorf("MQTT client not connected")
	}
	token := cm.client.Publish(cm.topicUp, cm.qos, false, data)
	token.Wait()
	return token.Error()
}

// Publish publishes a message to the up topic
func (cm *ClientManager) Publish(msg *MQTTMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	if err := cm.publish(data); err != nil {
		return fmt.Errorf("MQTT publish failed: %w", err)
	}
	cm.lc.Trace("published message", "type", msg.Type, "topic", cm.topicUp)
	return nil
}

// PublishResponse publishes a command response to the up topic
func (cm *ClientManager) PublishResponse(resp *MQTTResponse) error {
	data, err := resp.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	if err := cm.publish(data); err != nil {
		return fmt.Errorf("MQTT publish response failed: %w", err)
	}
	return nil
}

// StartStatus publishes a heartbeat and a status snapshot every interval
func (cm *ClientManager) StartStatus(interval time.Duration, status StatusFunc) {
	cm.statusStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		cm.sendStatus(status)
		for {
			select {
			case <-ticker.C:
				cm.sendStatus(status)
			case <-cm.statusStop:
				cm.lc.Debug("status publisher stopped")
				return
			}
		}
	}()
	cm.lc.Info("status publisher started", "interval", interval)
}

// PublishStatus sends one snapshot immediately
func (cm *ClientManager) PublishStatus(status StatusFunc) error {
	return cm.Publish(NewMessage(TypeStatus, status()))
}

func (cm *ClientManager) sendStatus(status StatusFunc) {
	if err := cm.Publish(NewMessage(TypeHeartbeat, nil)); err != nil {
		cm.lc.Debug("heartbeat not sent", "error", err)
		return
	}
	if err := cm.PublishStatus(status); err != nil {
		cm.lc.Warn("status not sent", "error", err)
	}
}

// StopStatus stops the status goroutine
func (cm *ClientManager) StopStatus() {
	cm.statusOnce.Do(func() {
		if cm.statusStop != nil {
			close(cm.statusStop)
		}
	})
}

// RegisterMessageHandler registers a handler for a specific message type
func (cm *ClientManager) RegisterMessageHandler(msgType int, handler MessageHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messageHandlers[msgType] = handler
}

// Disconnect cleanly disconnects the MQTT client
func (cm *ClientManager) Disconnect() {
	cm.StopStatus()
	if cm.client != nil && cm.client.IsConnected() {
		cm.client.Disconnect(1000)
		cm.lc.Info("MQTT disconnected")
	}
}

// GetNodeID returns the node ID
func (cm *ClientManager) GetNodeID() string {
	return cm.nodeID
}

// IsConnected returns whether the MQTT client is connected
func (cm *ClientManager) IsConnected() bool {
	return cm.client != nil && cm.client.IsConnected()
}
