package tele

import (
	"context"

	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

// Transporter hides the broker connection. Init must not block on the
// network; delivery methods return false on failure and the caller
// decides whether to retry.
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onCommand CommandFunc) error
	SendStatus(payload []byte) bool
	SendSensor(name string, payload []byte) bool
	SendDiscovery(topic string, payload []byte) bool
	Close()
}

// CommandFunc handles an inbound current limit message. Return true to ack.
type CommandFunc func(payload []byte) bool
