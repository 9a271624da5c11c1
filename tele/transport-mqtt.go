package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/akulov/bluesmart2mqtt/helpers"
	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

type transportMqtt struct {
	log       *log2.Log
	onCommand CommandFunc
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	stopCh    chan struct{}

	topicPrefix  string
	topicStatus  string
	topicCommand string
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config, onCommand CommandFunc) error {
	self.log = log.Clone(log2.LInfo)
	if teleConfig.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	self.onCommand = onCommand
	self.stopCh = make(chan struct{})

	mqttLog := self.log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if teleConfig.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}

	clientId := teleConfig.ClientId
	if clientId == "" {
		clientId = "bluesmart"
	}
	credFun := func() (string, string) {
		return teleConfig.Username, teleConfig.Password
	}

	self.topicPrefix = baseTopic(teleConfig)
	self.topicStatus = fmt.Sprintf("%s/status", self.topicPrefix)
	self.topicCommand = teleConfig.CurrentLimitTopic
	if self.topicCommand == "" {
		self.topicCommand = fmt.Sprintf("%s/current_limit/set", self.topicPrefix)
	}

	networkTimeout := helpers.IntSecondDefault(teleConfig.NetworkTimeoutSec, defaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	connectTimeout := networkTimeout * 3
	keepaliveTimeout := helpers.IntSecondDefault(teleConfig.KeepaliveSec, networkTimeout/2)

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("unexpected mqtt message: %v", msg)
	}

	tlsconf := new(tls.Config)
	if teleConfig.TlsCaFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(teleConfig.TlsCaFile)
		if err != nil {
			return errors.Annotate(err, "tele tls_ca_file")
		}
		tlsconf.RootCAs.AppendCertsFromPEM(cabytes)
	}
	if teleConfig.TlsPsk != "" {
		copy(tlsconf.SessionTicketKey[:], helpers.MustHex(teleConfig.TlsPsk))
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(teleConfig.Broker).
		SetAutoReconnect(true).
		SetBinaryWill(self.topicStatus, []byte(payloadOffline), 1, true).
		SetCleanSession(false).
		SetClientID(clientId).
		SetConnectTimeout(connectTimeout).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(networkTimeout)
	self.m = mqtt.NewClient(self.mopt)

	go self.online()
	return nil
}

func (self *transportMqtt) Close() {
	close(self.stopCh)
	// the online loops only poll isRunning until subscribed; once steady
	// nothing else disconnects
	self.m.Disconnect(uint(self.mopt.PingTimeout / time.Millisecond))
	for self.m.IsConnected() {
		time.Sleep(1 * time.Second)
	}
}

func (self *transportMqtt) SendStatus(payload []byte) bool {
	t := self.m.Publish(self.topicStatus, 1, true, payload)
	err := self.tokenWait(t, "publish status")
	self.log.Debugf("tele status payload=%s err=%v", payload, err)
	return err == nil
}

func (self *transportMqtt) SendSensor(name string, payload []byte) bool {
	topic := fmt.Sprintf("%s/%s", self.topicPrefix, name)
	t := self.m.Publish(topic, 0, true, payload)
	err := self.tokenWait(t, "publish sensor "+name)
	return err == nil
}

func (self *transportMqtt) SendDiscovery(topic string, payload []byte) bool {
	t := self.m.Publish(topic, 1, true, payload)
	err := self.tokenWait(t, "publish discovery")
	return err == nil
}

func (self *transportMqtt) online() {
	if self.m.IsConnected() {
		return
	}

	for self.isRunning() {
		t := self.m.Connect()
		if self.tokenWait(t, "connect") == nil {
			break // success path
		}
		time.Sleep(1 * time.Second)
	}

	for self.isRunning() {
		t := self.m.Subscribe(self.topicCommand, 1, self.mqttSubCommand)
		if self.tokenWait(t, "subscribe:"+self.topicCommand) == nil {
			break // success path
		}
		time.Sleep(1 * time.Second)
	}
}

func (self *transportMqtt) isRunning() bool {
	select {
	case <-self.stopCh:
		self.m.Disconnect(uint(self.mopt.PingTimeout / time.Millisecond))
		return false
	default:
		return true
	}
}

func (self *transportMqtt) mqttSubCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if self.onCommand(payload) {
		msg.Ack()
	}
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.Wait() {
		err := errors.Errorf("%s timeout", tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	return nil
}
