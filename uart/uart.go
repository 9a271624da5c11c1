// Package uart opens a serial device in raw 8N1 mode.
package uart

import (
	"os"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type Config struct {
	Device string
	Baud   int
}

var bauds = map[int]uint32{
	9600:  unix.B9600,
	19200: unix.B19200,
}

// Port wraps the tty file descriptor. Read blocks until at least one
// byte is available (VMIN=1), which the engine read loop relies on.
type Port struct {
	f *os.File
}

func Open(c Config) (*Port, error) {
	speed, ok := bauds[c.Baud]
	if !ok {
		return nil, errors.NotValidf("uart: baud=%d", c.Baud)
	}

	f, err := os.OpenFile(c.Device, os.O_RDWR|unix.O_NOCTTY, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "uart: open %s", c.Device)
	}
	fd := int(f.Fd())

	t := unix.Termios{
		Iflag:  unix.IGNBRK,
		Cflag:  unix.CLOCAL | unix.CREAD | unix.CS8 | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETSF, &t); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart: termios %s", c.Device)
	}

	return &Port{f: f}, nil
}

func (p *Port) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *Port) Close() error                { return p.f.Close() }

func (p *Port) Name() string { return p.f.Name() }
