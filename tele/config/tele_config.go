// Separate package is workaround to import cycles.
package tele_config

type Config struct { //nolint:maligned
	Enabled            bool   `hcl:"enable"`
	LogDebug           bool   `hcl:"log_debug"`
	Broker             string `hcl:"broker"`
	ClientId           string `hcl:"client_id"`
	Username           string `hcl:"username"`
	Password           string `hcl:"password"` // secret
	BaseTopic          string `hcl:"base_topic"`
	CurrentLimitTopic  string `hcl:"current_limit_topic"`
	KeepaliveSec       int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec  int    `hcl:"network_timeout_sec"`
	PublishIntervalSec int    `hcl:"publish_interval_sec"`
	MqttLogDebug       bool   `hcl:"mqtt_log_debug"`
	TlsCaFile          string `hcl:"tls_ca_file"`
	TlsPsk             string `hcl:"tls_psk"` // secret
	DiscoveryPrefix    string `hcl:"discovery_prefix"`

	DeviceVendor        string  `hcl:"-"`
	DeviceName          string  `hcl:"-"`
	InitialCurrentLimit float64 `hcl:"-"`
}
