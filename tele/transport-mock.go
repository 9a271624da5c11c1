package tele

import (
	"context"
	"testing"
	"time"

	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

type transportMock struct {
	t              testing.TB
	onCommand      CommandFunc
	networkTimeout time.Duration
	outBuffer      int
	outStatus      chan []byte
	outSensor      chan mockSensor
	outDiscovery   chan discoveryMsg
}

type mockSensor struct {
	Name    string
	Payload []byte
}

func (self *transportMock) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onCommand CommandFunc) error {
	self.onCommand = func(payload []byte) bool {
		self.t.Logf("mock command=%s", payload)
		return onCommand(payload)
	}
	if self.networkTimeout == 0 {
		self.networkTimeout = defaultNetworkTimeout
	}
	self.outStatus = make(chan []byte, self.outBuffer)
	self.outSensor = make(chan mockSensor, self.outBuffer)
	self.outDiscovery = make(chan discoveryMsg, self.outBuffer)
	return nil
}

func (self *transportMock) Close() {}

func (self *transportMock) SendStatus(payload []byte) bool {
	self.t.Logf("mock status=%s", payload)
	select {
	case self.outStatus <- payload:
	case <-time.After(self.networkTimeout):
		return false
	}
	return true
}

func (self *transportMock) SendSensor(name string, payload []byte) bool {
	self.t.Logf("mock sensor=%s payload=%s", name, payload)
	select {
	case self.outSensor <- mockSensor{Name: name, Payload: payload}:
	case <-time.After(self.networkTimeout):
		return false
	}
	return true
}

func (self *transportMock) SendDiscovery(topic string, payload []byte) bool {
	self.t.Logf("mock discovery topic=%s", topic)
	select {
	case self.outDiscovery <- discoveryMsg{Topic: topic, Payload: payload}:
	case <-time.After(self.networkTimeout):
		return false
	}
	return true
}
