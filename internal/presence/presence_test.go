package presence

import (
	"log/slog"
	"testing"

	"github.com/skiffworks/skiff/internal/config"
)

func testPublisher() *Publisher {
	return New(config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "mqtt://broker.local:1883",
		ClientID:    "skiff-desk",
		TopicPrefix: "skiff",
	}, nil, slog.New(slog.DiscardHandler))
}

func TestTopicLayout(t *testing.T) {
	p := testPublisher()

	if got := p.availabilityTopic(); got != "skiff/skiff-desk/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
	if got := p.stateTopic("persona"); got != "skiff/skiff-desk/persona/state" {
		t.Errorf("stateTopic = %q", got)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	p := testPublisher()
	if err := p.Stop(t.Context()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
