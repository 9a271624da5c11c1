package tele

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
	"github.com/akulov/bluesmart2mqtt/vedirect"
)

type fakeCharger struct {
	age  int64 // atomic, frame age in nanoseconds
	cmds chan vedirect.Command
}

func newFakeCharger() *fakeCharger {
	return &fakeCharger{cmds: make(chan vedirect.Command, 8)}
}

func (f *fakeCharger) SendCommand(ctx context.Context, cmd vedirect.Command) (vedirect.Reply, error) {
	f.cmds <- cmd
	return vedirect.Reply{Register: cmd.Register, Status: vedirect.StatusOK, Payload: cmd.Payload}, nil
}

func (f *fakeCharger) LastFrame() time.Duration { return time.Duration(atomic.LoadInt64(&f.age)) }
func (f *fakeCharger) setAge(d time.Duration)   { atomic.StoreInt64(&f.age, int64(d)) }

func newTestTele(t testing.TB, conf tele_config.Config, c charger) (*Tele, *transportMock) {
	t.Helper()
	conf.Enabled = true
	if conf.DeviceVendor == "" {
		conf.DeviceVendor = "victron"
	}
	if conf.DeviceName == "" {
		conf.DeviceName = "charger1"
	}
	tr := &transportMock{t: t, outBuffer: 32, networkTimeout: time.Second}
	tele := &Tele{transport: tr}
	require.NoError(t, tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), conf))
	if c != nil {
		tele.Start(c)
	}
	t.Cleanup(tele.Close)
	return tele, tr
}

func recvStatus(t testing.TB, tr *transportMock) string {
	t.Helper()
	select {
	case b := <-tr.outStatus:
		return string(b)
	case <-time.After(3 * time.Second):
		t.Fatal("status not delivered")
		return ""
	}
}

func recvSensor(t testing.TB, tr *transportMock) mockSensor {
	t.Helper()
	select {
	case m := <-tr.outSensor:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("sensor not delivered")
		return mockSensor{}
	}
}

func TestTeleDisabled(t *testing.T) {
	t.Parallel()

	tele := new(Tele)
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), tele_config.Config{Enabled: false})
	require.NoError(t, err)
	tele.Start(newFakeCharger())
	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{"V": "12800"}})
	tele.Close()
}

func TestTeleSensorPublish(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	tele, tr := newTestTele(t, tele_config.Config{}, fc)

	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{"V": "12800", "I": "1500"}, At: time.Now()})

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		m := recvSensor(t, tr)
		got[m.Name] = string(m.Payload)
	}
	assert.Equal(t, map[string]string{"voltage": "12.8", "current": "1.5"}, got)
	assert.Equal(t, payloadOnline, recvStatus(t, tr))
}

func TestTeleSensorRateLimit(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	tele, tr := newTestTele(t, tele_config.Config{}, fc)

	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{"V": "13000"}})
	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{"V": "13100"}})

	m := recvSensor(t, tr)
	assert.Equal(t, "13", string(m.Payload))
	// second frame arrives inside the publish interval and is dropped
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, tr.outSensor, 0)
}

func TestTeleAvailability(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	tele, tr := newTestTele(t, tele_config.Config{}, fc)

	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{}})
	assert.Equal(t, payloadOnline, recvStatus(t, tr))

	fc.setAge(offlineAfter + time.Second)
	assert.Equal(t, payloadOffline, recvStatus(t, tr))

	fc.setAge(0)
	tele.OnFrame(vedirect.Snapshot{Fields: map[string]string{}})
	assert.Equal(t, payloadOnline, recvStatus(t, tr))
}

func TestTeleCurrentLimitCommand(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	_, tr := newTestTele(t, tele_config.Config{}, fc)

	require.True(t, tr.onCommand([]byte(" 15.5\n")))
	select {
	case cmd := <-fc.cmds:
		assert.Equal(t, vedirect.SetCurrentLimit(15.5), cmd)
	case <-time.After(3 * time.Second):
		t.Fatal("limit command not sent")
	}

	// unparseable and out-of-range payloads are acked and dropped
	require.True(t, tr.onCommand([]byte("oops")))
	require.True(t, tr.onCommand([]byte("-1")))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fc.cmds, 0)
}

func TestTeleInitialLimit(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	newTestTele(t, tele_config.Config{InitialCurrentLimit: 10}, fc)

	select {
	case cmd := <-fc.cmds:
		assert.Equal(t, vedirect.SetCurrentLimit(10), cmd)
	case <-time.After(3 * time.Second):
		t.Fatal("initial limit not sent")
	}
	// let the sender goroutine log its outcome before the test logger goes away
	time.Sleep(100 * time.Millisecond)
}

func TestTeleDiscovery(t *testing.T) {
	t.Parallel()

	fc := newFakeCharger()
	_, tr := newTestTele(t, tele_config.Config{}, fc)

	seen := map[string]map[string]interface{}{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-tr.outDiscovery:
			var p map[string]interface{}
			require.NoError(t, json.Unmarshal(m.Payload, &p))
			seen[m.Topic] = p
		case <-time.After(3 * time.Second):
			t.Fatal("discovery not delivered")
		}
	}

	p := seen["homeassistant/sensor/victron_charger1/voltage/config"]
	require.NotNil(t, p)
	assert.Equal(t, "victron/charger1/voltage", p["state_topic"])
	assert.Equal(t, "victron/charger1/status", p["availability_topic"])
	assert.Equal(t, "voltage", p["device_class"])
	assert.Equal(t, "V", p["unit_of_measurement"])
	assert.Equal(t, "victron_charger1_voltage", p["unique_id"])
}
