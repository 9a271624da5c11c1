package tele

import (
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

// No t.Parallel: Init writes the global mqtt.CRITICAL/ERROR/WARN log vars.
func TestTransportMqttCloseUnconnected(t *testing.T) {
	tr := &transportMqtt{}
	conf := tele_config.Config{
		Broker:            "tcp://127.0.0.1:1",
		NetworkTimeoutSec: 1,
		DeviceVendor:      "victron",
		DeviceName:        "charger1",
	}
	log := log2.NewWriter(ioutil.Discard, log2.LError)
	err := tr.Init(context.Background(), log, conf, func([]byte) bool { return true })
	require.NoError(t, err)

	// Close must return even while the connect loop is still retrying
	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transport close hung")
	}
}
