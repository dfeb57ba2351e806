package main

import (
	"fmt"
	"strings"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// The controller takes a few seconds to enumerate after power-on; rescan at
// this interval until it shows up.
const portScanInterval = 3 * time.Second

// midiEvent pairs an incoming message with its arrival time. The mapper's
// filters work on arrival times, not on when the loop got around to them.
type midiEvent struct {
	msg midi.Message
	at  time.Time
}

// -------------------- MIDIPorts --------------------

// MIDIPorts owns the rtmidi driver and the pedal-facing input and
// looper-facing output ports.
type MIDIPorts struct {
	drv  *rtmididrv.Driver
	in   drivers.In
	out  drivers.Out
	stop func()
}

// NewMIDIPorts initialises the underlying rtmidi driver. Call Close when done.
func NewMIDIPorts() (*MIDIPorts, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &MIDIPorts{drv: drv}, nil
}

// Close stops the listener and shuts down ports and driver.
func (p *MIDIPorts) Close() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	if p.in != nil {
		_ = p.in.Close()
		p.in = nil
	}
	if p.out != nil {
		_ = p.out.Close()
		p.out = nil
	}
	p.drv.Close()
}

// OpenIn blocks until an input whose name contains sub appears, then opens it.
func (p *MIDIPorts) OpenIn(sub string) error {
	for {
		ins, err := p.drv.Ins()
		if err != nil {
			return fmt.Errorf("list inputs: %w", err)
		}
		for _, in := range ins {
			if !containsCI(in.String(), sub) {
				continue
			}
			if err := in.Open(); err != nil {
				return fmt.Errorf("open input %q: %w", in.String(), err)
			}
			p.in = in
			logger.Info("midi: input open", "device", in.String())
			return nil
		}
		logger.Debug("midi: waiting for input", "name", sub, "available", portNames(ins))
		time.Sleep(portScanInterval)
	}
}

// OpenOut blocks until an output whose name contains sub appears, then opens it.
func (p *MIDIPorts) OpenOut(sub string) error {
	for {
		outs, err := p.drv.Outs()
		if err != nil {
			return fmt.Errorf("list outputs: %w", err)
		}
		for _, out := range outs {
			if !containsCI(out.String(), sub) {
				continue
			}
			if err := out.Open(); err != nil {
				return fmt.Errorf("open output %q: %w", out.String(), err)
			}
			p.out = out
			logger.Info("midi: output open", "device", out.String())
			return nil
		}
		logger.Debug("midi: waiting for output", "name", sub, "available", portNames(outs))
		time.Sleep(portScanInterval)
	}
}

// Listen starts the driver callback, stamping each message and queueing it
// for the single consumer. The callback must return quickly; the channel
// buffer absorbs bursts.
func (p *MIDIPorts) Listen(events chan<- midiEvent) error {
	stop, err := midi.ListenTo(p.in, func(msg midi.Message, _ int32) {
		events <- midiEvent{msg: msg, at: time.Now()}
	}, midi.HandleError(func(listenErr error) {
		logger.Warn("midi: listener error", "err", listenErr)
	}))
	if err != nil {
		return fmt.Errorf("listen %q: %w", p.in.String(), err)
	}
	p.stop = stop
	return nil
}

// Sender returns the send function bound to the looper port.
func (p *MIDIPorts) Sender() (func(midi.Message) error, error) {
	return midi.SendTo(p.out)
}

// -------------------- utility --------------------

func portNames[T fmt.Stringer](ports []T) string {
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	return strings.Join(names, ", ")
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
