package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// -------------------- Logger --------------------

// logger is the package-wide structured logger. Safe to use before initLogger
// is called; defaults to slog.Default().
var logger = slog.Default()

// initLogger configures the shared slog logger and calls slog.SetDefault so
// the stdlib log package also routes through the same handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// -------------------- Main --------------------

const defaultPortName = "MidiLink Mini"

func main() {
	port := flag.String("port", defaultPortName, "MIDI port name substring, input and output")
	serialDev := flag.String("serial", "", "read from this serial device instead of a MIDI input")
	baud := flag.Int("baud", 31250, "serial baud rate")
	state := flag.String("state", defaultStateFile, "program table file")
	inChannel := flag.Int("in-channel", 0, "channel the pedal controller transmits on")
	outChannel := flag.Int("out-channel", 3, "channel the looper listens on")
	loops := flag.Int("loops", 4, "loops per program")
	bankSize := flag.Int("bank-size", 4, "programs per bank")
	banks := flag.Int("banks", 9, "number of banks")
	tripleTap := flag.Duration("tripletap", time.Second, "window for the edit-mode triple tap")
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	flag.Parse()

	initLogger(*debug)

	cfg := Config{
		InChannel:  *inChannel,
		OutChannel: *outChannel,
		Loops:      *loops,
		BankSize:   *bankSize,
		Banks:      *banks,
		TripleTap:  *tripleTap,
		StateFile:  *state,
	}

	if err := run(cfg, *port, *serialDev, *baud); err != nil {
		logger.Error("midi-controller: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, portName, serialDev string, baud int) error {
	logger.Info("midi-controller starting",
		"port", portName,
		"state", cfg.StateFile,
		"in_channel", cfg.InChannel,
		"out_channel", cfg.OutChannel,
		"programs", cfg.Programs(),
		"loops", cfg.Loops,
		"tripletap", cfg.TripleTap,
	)

	ports, err := NewMIDIPorts()
	if err != nil {
		return err
	}
	defer ports.Close()

	if err := ports.OpenOut(portName); err != nil {
		return err
	}

	events := make(chan midiEvent, 128)

	if serialDev != "" {
		in, err := OpenSerialInput(serialDev, baud)
		if err != nil {
			return err
		}
		defer in.Close()
		go in.Run(events)
	} else {
		if err := ports.OpenIn(portName); err != nil {
			return err
		}
		if err := ports.Listen(events); err != nil {
			return err
		}
	}

	send, err := ports.Sender()
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	mapper, err := NewProgramMapper(cfg, send, logger)
	if err != nil {
		return err
	}

	// Under Type=notify systemd holds the unit in "activating" until this.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("notify: ready failed", "err", err)
	} else if sent {
		logger.Debug("notify: ready sent")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	logger.Info("midi-controller running")
	for {
		select {
		case ev := <-events:
			mapper.Handle(ev.msg, ev.at)
		case s := <-sig:
			logger.Info("midi-controller stopping", "signal", s)
			return nil
		}
	}
}
