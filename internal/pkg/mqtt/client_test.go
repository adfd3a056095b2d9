package mqtt

import (
	"errors"
	"testing"
	"time"
)

func TestGetNodeID(t *testing.T) {
	cm := createTestClientManager(t)
	if cm.GetNodeID() != "test-node" {
		t.Errorf("expected test-node, got %s", cm.GetNodeID())
	}
}

func TestIsConnected_NotConnected(t *testing.T) {
	cm := createTestClientManager(t)
	if cm.IsConnected() {
		t.Error("expected not connected")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	cm := createTestClientManager(t)
	if err := cm.Publish(NewMessage(TypeHeartbeat, nil)); err == nil {
		t.Error("expected an error without a connection")
	}
}

func TestStopStatus_NoStatusRunning(t *testing.T) {
	cm := createTestClientManager(t)
	cm.StopStatus()
	cm.StopStatus()
}

func TestStopStatus_WithStatus(t *testing.T) {
	cm := createTestClientManager(t)
	calls := make(chan struct{}, 10)
	cm.StartStatus(10*time.Millisecond, func() StatusPayload {
		calls <- struct{}{}
		return StatusPayload{}
	})
	time.Sleep(30 * time.Millisecond)
	cm.StopStatus()

	// Publishing fails while disconnected, so the snapshot is never built.
	if len(calls) != 0 {
		t.Errorf("status func should not run without a connection, ran %d times", len(calls))
	}
}

func TestDisconnect_NoClient(t *testing.T) {
	cm := createTestClientManager(t)
	cm.Disconnect()
	if cm.IsConnected() {
		t.Error("expected not connected after Disconnect")
	}
}

func TestOnMessage_InvalidJSON(t *testing.T) {
	cm := createTestClientManager(t)
	called := false
	cm.RegisterMessageHandler(TypeCommand, func(*MQTTMessage) error {
		called = true
		return nil
	})
	cm.onMessage(nil, &mockMessage{topic: cm.topicDown, payload: []byte("not json")})
	if called {
		t.Error("handler should not run for invalid JSON")
	}
}

func TestOnMessage_Command(t *testing.T) {
	cm := createTestClientManager(t)
	var got *CommandPayload
	cm.RegisterMessageHandler(TypeCommand, func(msg *MQTTMessage) error {
		cmd, err := msg.GetCommandPayload()
		got = cmd
		return err
	})

	msg := NewMessage(TypeCommand, CommandPayload{Cmd: CmdStatus})
	data, _ := msg.ToJSON()
	cm.onMessage(nil, &mockMessage{topic: cm.topicDown, payload: data})

	if got == nil || got.Cmd != CmdStatus {
		t.Errorf("expected status command, got %+v", got)
	}
}

func TestOnMessage_HandlerError(t *testing.T) {
	cm := createTestClientManager(t)
	calls := 0
	cm.RegisterMessageHandler(TypeCommand, func(*MQTTMessage) error {
		calls++
		return errors.New("rejected")
	})
	data, _ := NewMessage(TypeCommand, CommandPayload{Cmd: "bogus"}).ToJSON()
	cm.onMessage(nil, &mockMessage{topic: cm.topicDown, payload: data})
	if calls != 1 {
		t.Errorf("expected handler to run once, got %d", calls)
	}
}

func TestOnMessage_NoHandler(t *testing.T) {
	cm := createTestClientManager(t)
	data, _ := NewMessage(TypeStatus, nil).ToJSON()
	cm.onMessage(nil, &mockMessage{topic: cm.topicDown, payload: data})
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
