package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload = payload.([]byte)
	return newFakeToken(p.err)
}

type sliceNotifier struct {
	got []Notification
	err error
}

func (s *sliceNotifier) Notify(_ context.Context, n Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func TestMQTTNotifier_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	n := NewMQTTNotifier(pub, "iot-sensors", 1, zap.NewNop())

	if err := n.Notify(context.Background(), New(LevelSuccess, "Paramètres sauvegardés")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pub.topic != "iot-sensors/notifications" {
		t.Errorf("Expected topic iot-sensors/notifications, got %s", pub.topic)
	}
	if pub.qos != 1 {
		t.Errorf("Expected qos 1, got %d", pub.qos)
	}

	var decoded Notification
	if err := json.Unmarshal(pub.payload, &decoded); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if decoded.Level != LevelSuccess || decoded.Message != "Paramètres sauvegardés" {
		t.Errorf("Unexpected payload %+v", decoded)
	}
}

func TestMQTTNotifier_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	n := NewMQTTNotifier(pub, "home", 0, zap.NewNop())

	if err := n.Notify(context.Background(), New(LevelError, "x")); err == nil {
		t.Error("Expected publish error")
	}
}

func TestGate(t *testing.T) {
	sink := &sliceNotifier{}
	gate := NewGate(sink)
	ctx := context.Background()

	gate.Notify(ctx, New(LevelInfo, "shown"))
	gate.SetEnabled(false)
	gate.Notify(ctx, New(LevelSuccess, "hidden"))
	gate.Notify(ctx, New(LevelWarning, "hidden"))
	gate.Notify(ctx, New(LevelError, "errors always pass"))

	if len(sink.got) != 2 {
		t.Fatalf("Expected 2 delivered notifications, got %d", len(sink.got))
	}
	if sink.got[1].Level != LevelError {
		t.Errorf("Expected error to pass the closed gate, got %s", sink.got[1].Level)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &sliceNotifier{}
	failing := &sliceNotifier{err: errors.New("broker down")}

	err := Fanout{ok, nil, failing}.Notify(context.Background(), New(LevelInfo, "hello"))
	if err == nil {
		t.Fatal("Expected joined error")
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Error("Expected every notifier to be called")
	}
}

func TestLogNotifier_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	n.Notify(context.Background(), New(LevelError, "Erreur de connexion"))
	n.Notify(context.Background(), New(LevelWarning, "careful"))
	n.Notify(context.Background(), New(LevelInfo, "fyi"))

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel || entries[1].Level != zap.WarnLevel || entries[2].Level != zap.InfoLevel {
		t.Errorf("Unexpected levels %v %v %v", entries[0].Level, entries[1].Level, entries[2].Level)
	}
}

func TestRecent_KeepsLast(t *testing.T) {
	r := NewRecent(2)
	for _, msg := range []string{"a", "b", "c"} {
		r.Notify(context.Background(), New(LevelInfo, msg))
	}

	list := r.List()
	if len(list) != 2 || list[0].Message != "b" || list[1].Message != "c" {
		t.Errorf("Expected [b c], got %+v", list)
	}
}

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := New(LevelInfo, "a")
	b := New(LevelInfo, "b")

	if a.ID == "" || b.ID == "" {
		t.Fatalf("Expected ids to be set, got %q and %q", a.ID, b.ID)
	}
	if a.ID == b.ID {
		t.Errorf("Expected distinct ids, got %q twice", a.ID)
	}
}
