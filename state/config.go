package state

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/akulov/bluesmart2mqtt/log2"
	tele_config "github.com/akulov/bluesmart2mqtt/tele/config"
)

const defaultBaud = 19200

type Config struct {
	Serial struct {
		Device    string `hcl:"device"`
		Baud      int    `hcl:"baud"`
		LogEnable bool   `hcl:"log_enable"`
	} `hcl:"serial"`
	Device struct {
		Vendor              string  `hcl:"vendor"`
		Name                string  `hcl:"name"`
		InitialCurrentLimit float64 `hcl:"initial_current_limit"`
	} `hcl:"device"`
	Tele     tele_config.Config `hcl:"tele"`
	LogDebug bool               `hcl:"log_debug"`
}

// Init validates and fills defaults. Device identity is copied into
// the tele config so the tele package needs no import of state.
func (c *Config) Init(log *log2.Log) error {
	if c.Serial.Device == "" {
		return errors.New("config: serial.device is not set")
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = defaultBaud
	}
	if c.Device.Vendor == "" {
		c.Device.Vendor = "victron"
	}
	if c.Device.Name == "" {
		return errors.New("config: device.name is not set")
	}
	if c.Tele.Enabled && c.Tele.Broker == "" {
		return errors.New("config: tele.broker is not set")
	}

	c.Tele.DeviceVendor = c.Device.Vendor
	c.Tele.DeviceName = c.Device.Name
	c.Tele.InitialCurrentLimit = c.Device.InitialCurrentLimit
	if c.Tele.ClientId == "" {
		c.Tele.ClientId = c.Device.Vendor + "_" + c.Device.Name
	}
	return nil
}

func ReadConfig(r io.Reader, log *log2.Log) (*Config, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	err = hcl.Unmarshal(b, c)
	if err != nil {
		return nil, err
	}

	if err = c.Init(log); err != nil {
		return nil, err
	}

	return c, nil
}

func ReadConfigFile(path string, log *log2.Log) (*Config, error) {
	if pathAbs, err := filepath.Abs(path); err != nil {
		log.Errorf("filepath.Abs(%s) error=%v", path, err)
	} else {
		path = pathAbs
	}
	log.Debugf("reading config file %s", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadConfig(f, log)
}

func MustReadConfig(r io.Reader, log *log2.Log) *Config {
	c, err := ReadConfig(r, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func MustReadConfigFile(path string, log *log2.Log) *Config {
	c, err := ReadConfigFile(path, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}
