package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"

	"github.com/akulov/bluesmart2mqtt/log2"
	"github.com/akulov/bluesmart2mqtt/state"
	"github.com/akulov/bluesmart2mqtt/tele"
	"github.com/akulov/bluesmart2mqtt/uart"
	"github.com/akulov/bluesmart2mqtt/vedirect"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "bluesmart2mqtt.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}
	log.Debugf("hello")

	config := state.MustReadConfigFile(*flagConfig, log)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	port, err := uart.Open(uart.Config{Device: config.Serial.Device, Baud: config.Serial.Baud})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	ctx := context.Background()
	t := new(tele.Tele)
	if err := t.Init(ctx, log, config.Tele); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	engineLog := log.Clone(log2.LError)
	if config.Serial.LogEnable {
		engineLog.SetLevel(log2.LDebug)
	}
	eng := vedirect.NewEngine(port, vedirect.Options{
		OnFrame: t.OnFrame,
		Log:     engineLog,
	})
	t.Start(eng)
	sdnotify(daemon.SdNotifyReady)
	log.Infof("init complete, running device=%s", config.Serial.Device)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		log.Infof("caught signal %v, stopping", sig)
	case <-eng.Done():
		log.Errorf("serial engine stopped: %v", eng.Err())
	}
	sdnotify(daemon.SdNotifyStopping)

	t.Close()
	if err := eng.Close(); err != nil {
		log.Errorf("close err=%v", err)
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
