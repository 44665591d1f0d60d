package bus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/ninefold/dmgcore/internal/cart"
	"github.com/ninefold/dmgcore/internal/ppu"
)

// Bus wires the CPU-visible 64 KiB address space to the cartridge, WRAM,
// HRAM, the PPU, and the IO registers that don't belong to the PPU
// (joypad, timer, DMA, interrupt flags).
type Bus struct {
	cart cart.Cartridge

	// Work RAM (WRAM) 8 KiB at 0xC000-0xDFFF; Echo 0xE000-0xFDFF mirrors C000-DDFF.
	wram [0x2000]byte

	// High RAM (HRAM) 0xFF80-0xFFFE (127 bytes)
	hram [0x7F]byte

	// PPU encapsulates VRAM/OAM, LCDC/STAT/scroll registers, and the
	// scanline renderer.
	ppu *ppu.PPU

	// Interrupt registers
	ie    byte // IE at 0xFFFF
	ifReg byte // IF at 0xFF0F (lower 5 bits used)

	// JOYP: the two host-supplied button nibbles, stored active-high
	// (1 = pressed; they are not active-low), and the last-written select
	// bits (P14/P15).
	joypSelect byte
	dpad       byte // bits 0-3: Right,Left,Up,Down; 1=pressed
	buttons    byte // bits 0-3: A,B,Select,Start; 1=pressed
	joypLower4 byte // last computed lower 4 bits (active-low), for IRQ edge detection

	div  byte // FF04 (upper 8 bits of internal divider)
	tima byte // FF05
	tma  byte // FF06
	tac  byte // FF07 (lower 3 bits used)

	// Timer overflow handling: when TIMA overflows, it goes to 00 then
	// reloads from TMA after a 4-cycle delay, during which a TIMA write
	// cancels the reload.
	timaReloadDelay int

	// Internal 16-bit divider that increments every T-cycle; DIV reads its upper 8 bits.
	divInternal uint16

	// DMA register (FF46) and OAM DMA transfer state.
	dma       byte
	dmaActive bool
	dmaSrc    uint16
	dmaIndex  int

	// Boot ROM support
	bootROM     []byte
	bootEnabled bool

	debugTimer bool
}

// New constructs a Bus with a cartridge picked from the ROM header.
func New(rom []byte) *Bus {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c}
	b.ppu = ppu.New(func(bit int) { b.ifReg |= 1 << bit })
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	return b
}

// PPU returns the internal PPU so the driver can pull the framebuffer.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// Cart returns the underlying cartridge for battery save/load.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

func (b *Bus) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)

	case addr >= 0xC000 && addr <= 0xDFFF:
		return b.wram[addr-0xC000]

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		return b.wram[mirror-0xC000]

	case addr >= 0xFE00 && addr <= 0xFE9F:
		if b.dmaActive {
			return 0xFF
		}
		return b.ppu.CPURead(addr)

	case addr >= 0xFEA0 && addr <= 0xFEFF:
		return 0xFF // unusable region

	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]

	case addr == 0xFF00:
		return b.readJOYP()

	case addr == 0xFF04:
		return b.div
	case addr == 0xFF05:
		return b.tima
	case addr == 0xFF06:
		return b.tma
	case addr == 0xFF07:
		return 0xF8 | (b.tac & 0x07)

	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		return b.ppu.CPURead(addr)

	case addr == 0xFF46:
		return b.dma

	case addr == 0xFF50:
		return 0xFF

	case addr == 0xFF0F:
		return 0xE0 | (b.ifReg & 0x1F)

	case addr == 0xFFFF:
		return b.ie
	}
	// Unmapped IO (serial, APU, CGB registers): reads as 0xFF.
	return 0xFF
}

func (b *Bus) Write(addr uint16, value byte) {
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
		return
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
		return
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
		return

	case addr >= 0xC000 && addr <= 0xDFFF:
		b.wram[addr-0xC000] = value
		return

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror >= 0xC000 && mirror <= 0xDDFF {
			b.wram[mirror-0xC000] = value
		}
		return

	case addr >= 0xFE00 && addr <= 0xFE9F:
		if b.dmaActive {
			return
		}
		b.ppu.CPUWrite(addr, value)
		return

	case addr >= 0xFEA0 && addr <= 0xFEFF:
		return // unusable region, writes dropped

	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
		return

	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
		return

	case addr == 0xFF04:
		oldInput := b.timerInput()
		b.divInternal = 0
		b.div = 0
		if oldInput && !b.timerInput() {
			b.incrementTIMA()
		}
		if b.debugTimer {
			fmt.Printf("[TMR] DIV write -> reset tima=%02X tma=%02X tac=%02X reload=%d\n", b.tima, b.tma, b.tac, b.timaReloadDelay)
		}
		return
	case addr == 0xFF05:
		b.tima = value
		if b.timaReloadDelay > 0 {
			b.timaReloadDelay = 0
		}
		return
	case addr == 0xFF06:
		b.tma = value
		return
	case addr == 0xFF07:
		oldInput := b.timerInput()
		b.tac = value & 0x07
		if oldInput && !b.timerInput() {
			b.incrementTIMA()
		}
		return

	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		b.ppu.CPUWrite(addr, value)
		return

	case addr == 0xFF46:
		// OAM DMA: transfer 160 bytes from value<<8 into OAM, one byte per cycle,
		// through the normal bus Read path so MBC banking still applies.
		b.dma = value
		b.dmaActive = true
		b.dmaSrc = uint16(value) << 8
		b.dmaIndex = 0
		return

	case addr == 0xFF50:
		if value != 0x00 {
			b.bootEnabled = false
		}
		return

	case addr == 0xFF0F:
		b.ifReg = value & 0x1F
		return

	case addr == 0xFFFF:
		b.ie = value
		return
	}
	// Unmapped IO writes are ignored.
}

// readJOYP computes FF00's value from the two host-supplied nibbles,
// gated by which of P14/P15 the game has selected. The nibbles are held
// active-high and inverted here, so JOYP's lower bits read active-low.
func (b *Bus) readJOYP() byte {
	if b.joypSelect&0x10 == 0 { // bit4 (P14) low: D-pad selected
		return 0xC0 | 0x10 | (^b.dpad & 0x0F)
	}
	if b.joypSelect&0x20 == 0 { // bit5 (P15) low: buttons selected
		return 0xC0 | 0x20 | (^b.buttons & 0x0F)
	}
	return 0xFF // neither selected
}

// SetJoypadState sets the two host input nibbles. Each is a 4-bit mask
// with set bits meaning "pressed": dpad is Right,Left,Up,Down in bits
// 0-3; buttons is A,B,Select,Start in bits 0-3.
func (b *Bus) SetJoypadState(dpad, buttons byte) {
	b.dpad = dpad & 0x0F
	b.buttons = buttons & 0x0F
	b.updateJoypadIRQ()
}

// SetBootROM loads a DMG boot ROM mapped at 0x0000-0x00FF until disabled via an FF50 write.
func (b *Bus) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, 0x100)
		copy(b.bootROM, data[:0x100])
		b.bootEnabled = true
	}
}

// Tick advances the timer, PPU, and any in-flight OAM DMA by the given
// number of CPU cycles.
func (b *Bus) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		oldInput := b.timerInput()
		b.divInternal++
		b.div = byte(b.divInternal >> 8)
		newInput := b.timerInput()
		falling := oldInput && !newInput

		if b.timaReloadDelay > 0 {
			b.timaReloadDelay--
			if b.timaReloadDelay == 0 {
				b.tima = b.tma
				b.ifReg |= 1 << 2
			}
		}

		if falling {
			b.incrementTIMA()
		}

		if b.ppu != nil {
			b.ppu.Tick(1)
		}

		if b.dmaActive {
			if b.dmaIndex < 0xA0 {
				v := b.Read(b.dmaSrc + uint16(b.dmaIndex))
				b.ppu.CPUWrite(0xFE00+uint16(b.dmaIndex), v)
				b.dmaIndex++
			}
			if b.dmaIndex >= 0xA0 {
				b.dmaActive = false
			}
		}
	}
}

// timerInput computes the current timer clock input after TAC gating.
func (b *Bus) timerInput() bool {
	if (b.tac & 0x04) == 0 {
		return false
	}
	var bit uint
	switch b.tac & 0x03 {
	case 0x00:
		bit = 9 // 4096 Hz
	case 0x01:
		bit = 3 // 262144 Hz
	case 0x02:
		bit = 5 // 65536 Hz
	case 0x03:
		bit = 7 // 16384 Hz
	}
	return ((b.divInternal >> bit) & 1) != 0
}

func (b *Bus) incrementTIMA() {
	if b.timaReloadDelay > 0 {
		return
	}
	if b.tima == 0xFF {
		b.tima = 0x00
		b.timaReloadDelay = 4 // reload from TMA fires 4 cycles after overflow
		return
	}
	b.tima++
}

// updateJoypadIRQ recomputes JOYP's lower 4 bits and raises IF bit 4 on any 1->0 transition.
func (b *Bus) updateJoypadIRQ() {
	newLower := b.readJOYP() & 0x0F
	falling := b.joypLower4 &^ newLower
	if falling != 0 {
		b.ifReg |= 1 << 4
	}
	b.joypLower4 = newLower
}

type busState struct {
	WRAM      [0x2000]byte
	HRAM      [0x7F]byte
	IE, IF    byte
	JoypSel   byte
	DPad      byte
	Buttons   byte
	JoypL4    byte
	DIV       byte
	TIMA      byte
	TMA       byte
	TAC       byte
	TIMARelay int
	DivInt    uint16
	DMA       byte
	DMAActive bool
	DMASrc    uint16
	DMAIdx    int
	BootEn    bool
}

// SaveState serializes WRAM/HRAM/IO/timer/DMA state plus the nested PPU and
// cartridge states, via encoding/gob.
func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: b.wram, HRAM: b.hram,
		IE: b.ie, IF: b.ifReg,
		JoypSel: b.joypSelect, DPad: b.dpad, Buttons: b.buttons, JoypL4: b.joypLower4,
		DIV: b.div, TIMA: b.tima, TMA: b.tma, TAC: b.tac, TIMARelay: b.timaReloadDelay,
		DivInt:    b.divInternal,
		DMA:       b.dma, DMAActive: b.dmaActive, DMASrc: b.dmaSrc, DMAIdx: b.dmaIndex,
		BootEn: b.bootEnabled,
	}
	_ = enc.Encode(s)
	if b.ppu != nil {
		_ = enc.Encode(b.ppu.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	if sc, ok := b.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(sc.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s busState
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram = s.WRAM
	b.hram = s.HRAM
	b.ie, b.ifReg = s.IE, s.IF
	b.joypSelect, b.dpad, b.buttons, b.joypLower4 = s.JoypSel, s.DPad, s.Buttons, s.JoypL4
	b.div, b.tima, b.tma, b.tac, b.timaReloadDelay = s.DIV, s.TIMA, s.TMA, s.TAC, s.TIMARelay
	b.divInternal = s.DivInt
	b.dma, b.dmaActive, b.dmaSrc, b.dmaIndex = s.DMA, s.DMAActive, s.DMASrc, s.DMAIdx
	b.bootEnabled = s.BootEn

	var ps []byte
	if err := dec.Decode(&ps); err == nil && b.ppu != nil {
		b.ppu.LoadState(ps)
	}
	var cs []byte
	if err := dec.Decode(&cs); err == nil {
		if sc, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			sc.LoadState(cs)
		}
	}
}
