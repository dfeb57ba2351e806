package main

import (
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"go.bug.st/serial"
)

// Some pedal controllers ship a USB-serial bridge instead of registering as a
// MIDI device: same wire bytes, different transport. SerialInput reads the
// stream, rebuilds messages and feeds the same event channel a MIDI port
// would.
type SerialInput struct {
	port serial.Port
	dec  MIDIDecoder
}

// OpenSerialInput opens the named serial device at the given baud rate.
func OpenSerialInput(device string, baud int) (*SerialInput, error) {
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	logger.Info("serial: port opened", "device", device, "baud", baud)
	return &SerialInput{port: p}, nil
}

// Run reads until the port fails or closes, pushing decoded messages with
// their arrival time. Meant for its own goroutine.
func (s *SerialInput) Run(events chan<- midiEvent) {
	buf := make([]byte, 64)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			logger.Error("serial: read failed", "err", err)
			return
		}
		at := time.Now()
		for _, msg := range s.dec.Feed(buf[:n]) {
			events <- midiEvent{msg: msg, at: at}
		}
	}
}

// Close closes the underlying serial port.
func (s *SerialInput) Close() {
	logger.Info("serial: closing port")
	_ = s.port.Close()
}

// -------------------- MIDI byte-stream decoding --------------------

// MIDIDecoder incrementally rebuilds messages from a raw MIDI byte stream.
// Running status is honored, and real-time bytes are emitted immediately even
// when they land between the data bytes of another message.
type MIDIDecoder struct {
	status byte
	data   [2]byte
	have   int
	want   int
}

// Feed consumes one chunk and returns the messages it completed.
func (d *MIDIDecoder) Feed(chunk []byte) []midi.Message {
	var msgs []midi.Message
	for _, b := range chunk {
		switch {
		case b >= 0xF8: // real-time, never interrupts a running message
			msgs = append(msgs, midi.Message{b})
		case b >= 0xF0: // system common: swallow, cancels running status
			d.status = 0
			d.have = 0
		case b >= 0x80:
			d.status = b
			d.have = 0
			d.want = dataBytes(b)
		default:
			if d.status == 0 {
				continue // stray data, no status to attach it to
			}
			d.data[d.have] = b
			d.have++
			if d.have == d.want {
				msg := make(midi.Message, 0, 3)
				msg = append(msg, d.status)
				msg = append(msg, d.data[:d.have]...)
				msgs = append(msgs, msg)
				d.have = 0 // status stays armed: running status
			}
		}
	}
	return msgs
}

// dataBytes returns the data-byte count for a channel status byte.
func dataBytes(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0: // program change, channel pressure
		return 1
	default:
		return 2
	}
}
