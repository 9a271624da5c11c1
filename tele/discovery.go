package tele

import (
	"encoding/json"
	"fmt"

	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
}

type discoveryPayload struct {
	Name              string          `json:"name"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	PayloadAvailable  string          `json:"payload_available"`
	PayloadUnavail    string          `json:"payload_not_available"`
	Unit              string          `json:"unit_of_measurement"`
	DeviceClass       string          `json:"device_class"`
	StateClass        string          `json:"state_class"`
	UniqueId          string          `json:"unique_id"`
	ForceUpdate       bool            `json:"force_update"`
	Device            discoveryDevice `json:"device"`
}

type discoveryMsg struct {
	Topic   string
	Payload []byte
}

// buildDiscovery renders Home Assistant discovery configs for the
// voltage and current sensors.
func buildDiscovery(c tele_config.Config, baseTopic string) []discoveryMsg {
	prefix := c.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}
	uid := fmt.Sprintf("%s_%s", c.DeviceVendor, c.DeviceName)
	dev := discoveryDevice{
		Identifiers:  []string{uid},
		Manufacturer: "Victron",
		Model:        "Blue Smart Charger",
		Name:         uid,
	}

	var msgs []discoveryMsg
	for _, s := range []struct{ name, class, unit string }{
		{"voltage", "voltage", "V"},
		{"current", "current", "A"},
	} {
		p := discoveryPayload{
			Name:              s.name,
			StateTopic:        fmt.Sprintf("%s/%s", baseTopic, s.name),
			AvailabilityTopic: fmt.Sprintf("%s/status", baseTopic),
			PayloadAvailable:  payloadOnline,
			PayloadUnavail:    payloadOffline,
			Unit:              s.unit,
			DeviceClass:       s.class,
			StateClass:        "measurement",
			UniqueId:          fmt.Sprintf("%s_%s", uid, s.name),
			ForceUpdate:       true,
			Device:            dev,
		}
		b, err := json.Marshal(&p)
		if err != nil {
			panic(err) // static struct, cannot fail
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/sensor/%s/%s/config", prefix, uid, s.name),
			Payload: b,
		})
	}
	return msgs
}
