package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/ninefold/dmgcore/internal/bus"
	"github.com/ninefold/dmgcore/internal/cart"
	"github.com/ninefold/dmgcore/internal/cpu"
)

// cyclesPerFrame is 456 dots/scanline * 154 scanlines.
const cyclesPerFrame = 70224

// Buttons is the joypad state for one frame, in the two-group layout the
// MMU multiplexes over JOYP: D-pad (Right/Left/Up/Down) and buttons
// (A/B/Select/Start).
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) nibbles() (dpad, buttons byte) {
	if b.Right {
		dpad |= 0x01
	}
	if b.Left {
		dpad |= 0x02
	}
	if b.Up {
		dpad |= 0x04
	}
	if b.Down {
		dpad |= 0x08
	}
	if b.A {
		buttons |= 0x01
	}
	if b.B {
		buttons |= 0x02
	}
	if b.Select {
		buttons |= 0x04
	}
	if b.Start {
		buttons |= 0x08
	}
	return
}

// Machine wires a CPU to a Bus (which in turn owns the PPU and the loaded
// cartridge) and drives whole frames.
type Machine struct {
	cfg Config

	cpu *cpu.CPU
	bus *bus.Bus

	romPath string
	fb      []byte // RGBA, 160x144x4
}

// New creates a Machine with no cartridge loaded; call LoadCartridge (or
// LoadROMFromFile) before stepping it.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg, fb: make([]byte, 160*144*4)}
	m.attach(bus.New(nil))
	return m
}

func (m *Machine) attach(b *bus.Bus) {
	m.bus = b
	m.cpu = cpu.New(b)
	m.cpu.ResetNoBoot()
}

// LoadCartridge replaces the current cartridge and bus and resets the CPU
// to its post-boot state, or hands control to boot ROM execution (PC 0x0000)
// when boot holds at least 256 bytes. An overlay installed earlier with
// SetBootROM is not carried over to the new bus.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	if len(rom) == 0 {
		return fmt.Errorf("emu: empty ROM")
	}
	c := cart.NewCartridge(rom)
	m.attach(bus.NewWithCartridge(c))
	if len(boot) >= 0x100 {
		m.bus.SetBootROM(boot)
		m.cpu.SetPC(0x0000)
	}
	return nil
}

// LoadROMFromFile reads rom from disk and loads it, recording the path so
// ROMPath/battery-save helpers can derive a sibling .sav file.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("emu: read ROM: %w", err)
	}
	if err := m.LoadCartridge(data, nil); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path most recently passed to LoadROMFromFile, or "".
func (m *Machine) ROMPath() string { return m.romPath }

// SetBootROM installs a 256-byte DMG boot ROM overlay on the current bus;
// it does not move PC, and LoadCartridge, which builds a new bus, does not
// keep it.
func (m *Machine) SetBootROM(data []byte) {
	m.bus.SetBootROM(data)
}

// StepFrame runs whole instructions until at least 70,224 cycles (one frame)
// have elapsed and refreshes Framebuffer.
func (m *Machine) StepFrame() {
	m.stepCycles(cyclesPerFrame)
	m.blit()
}

// StepFrameNoRender runs one frame's worth of cycles without touching the
// RGBA framebuffer, for headless conformance runs that only care about CPU
// state or memory side effects.
func (m *Machine) StepFrameNoRender() {
	m.stepCycles(cyclesPerFrame)
}

func (m *Machine) stepCycles(budget int) {
	spent := 0
	for spent < budget {
		cycles := m.cpu.Step()
		if cycles <= 0 {
			cycles = 4
		}
		if m.cfg.Trace {
			if err := m.cpu.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "trace: %v\n", err)
			}
		}
		spent += cycles
	}
}

// blit converts the PPU's grayscale framebuffer into RGBA.
func (m *Machine) blit() {
	src := m.bus.PPU().Framebuffer()
	for y := 0; y < 144; y++ {
		for x := 0; x < 160; x++ {
			shade := src[y][x]
			i := (y*160 + x) * 4
			m.fb[i+0] = shade
			m.fb[i+1] = shade
			m.fb[i+2] = shade
			m.fb[i+3] = 0xFF
		}
	}
}

// Framebuffer returns the most recently rendered frame as tightly packed
// RGBA8888, 160x144.
func (m *Machine) Framebuffer() []byte { return m.fb }

// SetButtons updates the joypad state consulted by JOYP reads until the
// next call.
func (m *Machine) SetButtons(b Buttons) {
	dpad, buttons := b.nibbles()
	m.bus.SetJoypadState(dpad, buttons)
}

// LoadBattery restores external cartridge RAM from a previously saved
// blob. Returns false if the loaded cartridge has no battery-backed RAM.
func (m *Machine) LoadBattery(data []byte) bool {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns a copy of external cartridge RAM for persistence.
// Returns false if the loaded cartridge has no battery-backed RAM.
func (m *Machine) SaveBattery() ([]byte, bool) {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	return bb.SaveRAM(), true
}

type machineState struct {
	CPUState []byte
	BusState []byte
}

// SaveState serializes CPU registers and Bus/PPU/cartridge state (but not
// the RGBA framebuffer, which is cheap to regenerate by stepping).
func (m *Machine) SaveState() []byte {
	var cpuBuf bytes.Buffer
	if err := gob.NewEncoder(&cpuBuf).Encode(m.cpu.File); err != nil {
		panic(fmt.Sprintf("emu: encode CPU state: %v", err))
	}
	st := machineState{CPUState: cpuBuf.Bytes(), BusState: m.bus.SaveState()}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		panic(fmt.Sprintf("emu: encode machine state: %v", err))
	}
	return buf.Bytes()
}

// LoadState restores a blob produced by SaveState.
func (m *Machine) LoadState(data []byte) error {
	var st machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return fmt.Errorf("emu: decode machine state: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(st.CPUState)).Decode(&m.cpu.File); err != nil {
		return fmt.Errorf("emu: decode CPU state: %w", err)
	}
	m.bus.LoadState(st.BusState)
	return nil
}
