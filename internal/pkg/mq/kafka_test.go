package mq

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestKafkaHeaderCarrierSetOverwritesExistingKey(t *testing.T) {
	carrier := KafkaHeaderCarrier{{Key: "traceparent", Value: []byte("old")}}

	carrier.Set("traceparent", "new")
	carrier.Set("baggage", "promo=1")

	if got := carrier.Get("traceparent"); got != "new" {
		t.Errorf("expected overwritten value, got %q", got)
	}
	if got := carrier.Get("baggage"); got != "promo=1" {
		t.Errorf("expected appended value, got %q", got)
	}
	if len(carrier) != 2 {
		t.Errorf("expected 2 headers, got %d", len(carrier))
	}
	if got := carrier.Get("missing"); got != "" {
		t.Errorf("expected empty value for missing key, got %q", got)
	}
}

func TestKafkaHeaderCarrierKeys(t *testing.T) {
	carrier := KafkaHeaderCarrier([]kafka.Header{{Key: "a"}, {Key: "b"}})
	keys := carrier.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
