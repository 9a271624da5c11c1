package tele

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/akulov/bluesmart2mqtt/helpers"
	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
	"github.com/akulov/bluesmart2mqtt/vedirect"
)

const (
	defaultNetworkTimeout  = 30 * time.Second
	defaultPublishInterval = 8 * time.Second

	offlineAfter = 30 * time.Second
	resendGap    = 5 * time.Minute
	resendSettle = 10 * time.Second

	retryInterval = 17 * time.Second

	maxCurrentLimit = 100.0
)

// charger is the serial side: send a hex command, report telemetry age.
type charger interface {
	SendCommand(ctx context.Context, cmd vedirect.Command) (vedirect.Reply, error)
	LastFrame() time.Duration
}

// Tele contract:
// - Init() fails only with invalid config, network issues are retried in background
// - OnFrame() is called from the serial read loop and never blocks on the network
// - a single watcher goroutine owns availability and limit-resend state
type Tele struct { //nolint:maligned
	enabled        bool
	log            *log2.Log
	transport      Transporter
	config         tele_config.Config
	charger        charger
	stopCh         chan struct{}
	frameCh        chan vedirect.Snapshot
	networkTimeout time.Duration

	mu          sync.Mutex
	limit       float64
	lastPublish time.Time
}

func (self *Tele) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	self.enabled = teleConfig.Enabled
	self.log = log.Clone(log2.LInfo)
	if teleConfig.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if !self.enabled {
		return nil
	}

	self.config = teleConfig
	self.stopCh = make(chan struct{})
	self.frameCh = make(chan vedirect.Snapshot, 1)
	self.networkTimeout = helpers.IntSecondDefault(teleConfig.NetworkTimeoutSec, defaultNetworkTimeout)
	self.limit = teleConfig.InitialCurrentLimit

	// test code sets .transport
	if self.transport == nil { // production path
		self.transport = &transportMqtt{}
	}
	if err := self.transport.Init(ctx, log, teleConfig, self.onCommandMessage); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	return nil
}

// Start attaches the charger and launches the watcher. Separate from
// Init so the engine can be constructed with OnFrame already wired.
func (self *Tele) Start(c charger) {
	if !self.enabled {
		return
	}
	self.charger = c
	if self.limit > 0 {
		go self.sendLimit(self.limit)
	}
	go self.watcher()
}

func (self *Tele) Close() {
	if !self.enabled {
		return
	}
	close(self.stopCh)
	self.transport.Close()
}

// OnFrame receives each valid telemetry frame. Publishing happens in a
// spawned goroutine so a slow broker never stalls the serial reader.
func (self *Tele) OnFrame(s vedirect.Snapshot) {
	if !self.enabled || self.transport == nil {
		return
	}

	select {
	case self.frameCh <- s:
	default:
	}

	self.mu.Lock()
	due := time.Since(self.lastPublish) >= self.publishInterval()
	if due {
		self.lastPublish = time.Now()
	}
	self.mu.Unlock()
	if due {
		go self.publishSnapshot(s)
	}
}

func (self *Tele) publishInterval() time.Duration {
	return helpers.IntSecondDefault(self.config.PublishIntervalSec, defaultPublishInterval)
}

func (self *Tele) publishSnapshot(s vedirect.Snapshot) {
	for _, m := range []struct{ label, name string }{
		{"V", "voltage"},
		{"I", "current"},
	} {
		raw, ok := s.Get(m.label)
		if !ok {
			continue
		}
		milli, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			self.log.Errorf("tele sensor=%s raw=%q err=%v", m.name, raw, err)
			continue
		}
		payload := strconv.FormatFloat(milli/1000.0, 'f', -1, 64)
		self.transport.SendSensor(m.name, []byte(payload))
	}
}

// onCommandMessage handles an inbound current limit. Always acks:
// redelivery of a bad payload would not make it parse.
func (self *Tele) onCommandMessage(payload []byte) bool {
	text := strings.TrimSpace(string(payload))
	amps, err := strconv.ParseFloat(text, 64)
	if err != nil {
		self.log.Errorf("tele limit payload=%q err=%v", text, err)
		return true
	}
	if amps <= 0 || amps > maxCurrentLimit {
		self.log.Errorf("tele limit=%g out of range", amps)
		return true
	}

	self.mu.Lock()
	self.limit = amps
	self.mu.Unlock()
	self.log.Infof("tele new current limit=%g A", amps)
	go self.sendLimit(amps)
	return true
}

func (self *Tele) sendLimit(amps float64) {
	if self.charger == nil {
		self.log.Errorf("tele limit=%g charger not attached", amps)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), self.networkTimeout)
	defer cancel()
	r, err := self.charger.SendCommand(ctx, vedirect.SetCurrentLimit(amps))
	if err != nil {
		self.log.Errorf("tele set limit=%g err=%v", amps, err)
		return
	}
	if r.Status != vedirect.StatusOK {
		self.log.Errorf("tele set limit=%g status=%s", amps, r.Status)
		return
	}
	self.log.Infof("tele set limit=%g ok", amps)
}

func (self *Tele) currentLimit() float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.limit
}

// watcher owns the availability and resend-after-gap state machine:
// offline after 30s of serial silence, back online on the next frame;
// after a gap of 5 minutes the limit is re-sent once the stream has
// been back for 10 seconds.
func (self *Tele) watcher() {
	online := false
	needResend := false
	discovered := false
	var resendAt time.Time

	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	self.sendDiscovery(&discovered)

	for {
		select {
		case <-self.frameCh:
			if !online {
				online = true
				self.transport.SendStatus([]byte(payloadOnline))
			}
			if needResend && resendAt.IsZero() {
				resendAt = time.Now().Add(resendSettle)
			}

		case <-tick.C:
			age := self.charger.LastFrame()
			if online && age >= offlineAfter {
				online = false
				self.transport.SendStatus([]byte(payloadOffline))
			}
			if !needResend && age >= resendGap {
				needResend = true
				self.log.Infof("tele no telemetry for %v, limit will be re-sent", resendGap)
			}
			if needResend && !resendAt.IsZero() && time.Now().After(resendAt) {
				needResend = false
				resendAt = time.Time{}
				go self.sendLimit(self.currentLimit())
			}

		case <-retry.C:
			self.sendDiscovery(&discovered)

		case <-self.stopCh:
			return
		}
	}
}

func (self *Tele) sendDiscovery(done *bool) {
	if *done {
		return
	}
	ok := true
	for _, m := range buildDiscovery(self.config, baseTopic(self.config)) {
		if !self.transport.SendDiscovery(m.Topic, m.Payload) {
			ok = false
		}
	}
	*done = ok
}

func baseTopic(c tele_config.Config) string {
	if c.BaseTopic != "" {
		return c.BaseTopic
	}
	return fmt.Sprintf("%s/%s", c.DeviceVendor, c.DeviceName)
}
