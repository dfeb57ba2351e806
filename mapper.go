package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// -------------------- Configuration --------------------

const defaultStateFile = "/etc/midi-controller/programs.json"

// Switch contacts bounce; edges inside this window belong to the same press.
const debounceWindow = 100 * time.Millisecond

// The looper listens for loop toggles on this control range. The leftmost
// physical switch carries the highest control number, so control numbers
// reverse into loop indices.
const (
	loopControlFirst = 80
	loopControlLast  = 83
)

// Config carries the mapper's tunables. Start from DefaultConfig; the zero
// value fails validation.
type Config struct {
	InChannel  int           // channel the pedal controller transmits on
	OutChannel int           // channel the looper listens on
	Loops      int           // loops per program, at least 4
	BankSize   int           // programs per bank on the pedal
	Banks      int           // banks the pedal can address
	TripleTap  time.Duration // window for the edit-mode gesture
	StateFile  string        // where the program table lives
}

// DefaultConfig matches the pedalboard this daemon was built around: a
// MidiLink Mini on channel 0 driving a looper on channel 3, nine banks of
// four programs with four loops each.
func DefaultConfig() Config {
	return Config{
		InChannel:  0,
		OutChannel: 3,
		Loops:      4,
		BankSize:   4,
		Banks:      9,
		TripleTap:  time.Second,
		StateFile:  defaultStateFile,
	}
}

// Programs returns the number of program slots the pedal can address.
func (c Config) Programs() int { return c.Banks * c.BankSize }

func (c Config) validate() error {
	if c.Loops < 4 {
		return fmt.Errorf("config: %d loops, the loop switches need at least 4", c.Loops)
	}
	if c.Banks < 1 || c.BankSize < 1 {
		return fmt.Errorf("config: empty program table (%d banks of %d)", c.Banks, c.BankSize)
	}
	if c.InChannel < 0 || c.InChannel > 15 || c.OutChannel < 0 || c.OutChannel > 15 {
		return fmt.Errorf("config: MIDI channels range 0-15 (in %d, out %d)", c.InChannel, c.OutChannel)
	}
	if c.TripleTap <= 0 {
		return fmt.Errorf("config: triple-tap window must be positive")
	}
	if c.StateFile == "" {
		return fmt.Errorf("config: no state file")
	}
	return nil
}

// -------------------- Modal state --------------------

type mode int

const (
	modeNormal mode = iota // presses select programs and toggle loops live
	modeEdit               // presses rewrite the stored program configuration
)

// tapHistory is a fixed window over the most recent program-change presses,
// used to detect the triple-tap gesture. Slot 0 is the oldest press.
type tapHistory struct {
	at      [3]time.Time
	program [3]int
}

// newTapHistory seeds every slot with a program no button can produce, so
// startup noise never looks like a triple tap and events within the debounce
// window of startup are dropped.
func newTapHistory(now time.Time) tapHistory {
	h := tapHistory{}
	for i := range h.program {
		h.at[i] = now
		h.program[i] = -1
	}
	return h
}

func (h *tapHistory) push(at time.Time, program int) {
	copy(h.at[:], h.at[1:])
	copy(h.program[:], h.program[1:])
	h.at[len(h.at)-1] = at
	h.program[len(h.program)-1] = program
}

func (h *tapHistory) newest() time.Time { return h.at[len(h.at)-1] }

// tripleTap reports whether the window holds three presses of one program
// within span. The current press must already be pushed.
func (h *tapHistory) tripleTap(span time.Duration) bool {
	if h.program[0] != h.program[1] || h.program[1] != h.program[2] {
		return false
	}
	return h.at[len(h.at)-1].Sub(h.at[0]) <= span
}

// -------------------- ProgramMapper --------------------

// ProgramMapper interprets foot-switch presses from the pedal controller and
// drives the looper. A program press selects that program's stored loop
// configuration; pressing the same program three times within the triple-tap
// window enters edit mode, where the loop switches rewrite the stored
// configuration. In normal mode the loop switches toggle loops live without
// touching the table.
type ProgramMapper struct {
	cfg   Config
	send  func(midi.Message) error
	store *ProgramStore
	log   *slog.Logger

	table   [][]bool // persisted loop configuration per program
	active  []bool   // live copy for the selected program
	program int      // selected program
	mode    mode

	lastEventAt time.Time
	taps        tapHistory
}

// NewProgramMapper loads the program table (creating an all-off table on
// first run), selects program 0 and announces it to the looper so pedal and
// looper agree on startup state.
func NewProgramMapper(cfg Config, send func(midi.Message) error, log *slog.Logger) (*ProgramMapper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	store := NewProgramStore(cfg.StateFile)
	table, err := store.Load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("mapper: no saved programs, writing empty table", "path", cfg.StateFile)
		table = emptyTable(cfg.Programs(), cfg.Loops)
		if err := store.Save(table); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := checkTable(table, cfg.Programs(), cfg.Loops); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.StateFile, err)
		}
	}

	now := time.Now()
	m := &ProgramMapper{
		cfg:         cfg,
		send:        send,
		store:       store,
		log:         log,
		table:       table,
		lastEventAt: now,
		taps:        newTapHistory(now),
	}
	m.applyProgram(0)
	return m, nil
}

// Handle processes one incoming event stamped with its arrival time. Events
// must be fed from a single goroutine in arrival order.
func (m *ProgramMapper) Handle(msg midi.Message, at time.Time) {
	// Every arrival moves the debounce clock, including ones that are
	// dropped or belong to another channel.
	prev := m.lastEventAt
	m.lastEventAt = at
	if at.Sub(prev) < debounceWindow {
		m.log.Debug("mapper: bounce dropped", "gap", at.Sub(prev))
		return
	}

	var ch uint8
	if !msg.GetChannel(&ch) {
		return // clock, sysex and friends
	}
	if int(ch) != m.cfg.InChannel {
		m.log.Debug("mapper: other channel", "channel", ch)
		return
	}
	// A single press can reach us twice through the controller's firmware;
	// anything this close to the last program change is the same press.
	if at.Sub(m.taps.newest()) <= debounceWindow {
		m.log.Debug("mapper: duplicate press dropped")
		return
	}

	var program, control, value uint8
	switch {
	case msg.GetProgramChange(&ch, &program):
		if int(program) >= len(m.table) {
			m.log.Warn("mapper: program out of range", "program", program, "programs", len(m.table))
			return
		}
		m.taps.push(at, int(program))
		m.programPress(int(program))
	case msg.GetControlChange(&ch, &control, &value):
		if control < loopControlFirst || control > loopControlLast {
			return
		}
		m.loopPress(loopControlLast - int(control))
	}
}

// programPress runs the mode transitions for an admitted program change.
func (m *ProgramMapper) programPress(p int) {
	if m.mode == modeEdit {
		if p != m.program {
			m.log.Info("mapper: leaving edit mode", "program", m.program)
			m.mode = modeNormal
		}
		return
	}
	switch {
	case m.taps.tripleTap(m.cfg.TripleTap):
		m.mode = modeEdit
		m.program = p
		m.log.Info("mapper: entering edit mode", "program", p)
	case p != m.program:
		m.applyProgram(p)
	}
}

// loopPress handles an admitted press of one of the four loop switches.
func (m *ProgramMapper) loopPress(loop int) {
	if m.mode == modeEdit {
		p := m.program
		m.table[p][loop] = !m.table[p][loop]
		m.log.Info("mapper: loop stored", "program", p, "loop", loop, "on", m.table[p][loop])
		m.applyProgram(p)
		m.saveTable()
		return
	}
	m.active[loop] = !m.active[loop]
	var value uint8
	if m.active[loop] {
		value = 127
	}
	m.log.Info("mapper: loop toggled", "loop", loop, "on", m.active[loop])
	m.sendMessage(midi.ControlChange(uint8(m.cfg.OutChannel), uint8(loopControlFirst+loop), value))
}

// applyProgram selects p, re-derives the live loop state from the table and
// tells the looper which of its programs encodes that state.
func (m *ProgramMapper) applyProgram(p int) {
	m.program = p
	m.active = slices.Clone(m.table[p])
	out := looperProgram(m.active)
	m.log.Info("mapper: program set", "program", p, "loops", loopFlags(m.active), "looper_program", out)
	m.sendMessage(midi.ProgramChange(uint8(m.cfg.OutChannel), out))
}

func (m *ProgramMapper) sendMessage(msg midi.Message) {
	if err := m.send(msg); err != nil {
		m.log.Error("mapper: send failed", "err", err)
	}
}

// saveTable persists the full table. A failed write keeps the in-memory
// table authoritative; the next edit rewrites everything anyway.
func (m *ProgramMapper) saveTable() {
	if err := m.store.Save(m.table); err != nil {
		m.log.Error("mapper: saving programs failed", "path", m.cfg.StateFile, "err", err)
		return
	}
	m.log.Info("mapper: programs saved", "path", m.cfg.StateFile)
}

// -------------------- Looper program encoding --------------------

// looperProgram packs the first four loop flags into the two-digit program
// number the looper expects: loops 0 and 1 form the tens digit, loops 2 and 3
// the ones digit, each pair counting none/first/second/both as 0..3. The tens
// digit is offset by one so the number always has two digits.
func looperProgram(loops []bool) uint8 {
	return uint8(10*(1+pairDigit(loops[0], loops[1])) + pairDigit(loops[2], loops[3]))
}

func pairDigit(first, second bool) int {
	d := 0
	if first {
		d++
	}
	if second {
		d += 2
	}
	return d
}

// -------------------- Program table --------------------

func emptyTable(programs, loops int) [][]bool {
	t := make([][]bool, programs)
	for i := range t {
		t[i] = make([]bool, loops)
	}
	return t
}

// checkTable rejects a table saved under a different layout before anything
// indexes into it.
func checkTable(table [][]bool, programs, loops int) error {
	if len(table) != programs {
		return fmt.Errorf("saved table has %d programs, configured for %d", len(table), programs)
	}
	for i, row := range table {
		if len(row) != loops {
			return fmt.Errorf("saved program %d has %d loops, configured for %d", i, len(row), loops)
		}
	}
	return nil
}

// loopFlags renders a loop configuration as one digit per loop for log lines.
func loopFlags(loops []bool) string {
	var b strings.Builder
	for _, on := range loops {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
