package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, scanline compositing, and
// dot-budget mode/timing. It exposes CPU-facing Read/Write for VRAM/OAM
// and the PPU IO registers, plus a Tick that advances one dot at a time.
type PPU struct {
	vram [0x2000]byte // 0x8000-0x9FFF
	oam  [0xA0]byte   // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	fb      [144][160]byte // rendered grayscale shade per pixel (0xFF lightest .. 0x00 darkest)
	winLine int            // window's own internal line counter, advances only on lines it draws

	lineRegs [144]LineRegs // per-line register snapshot taken as each line begins, for tests/debugging

	req InterruptRequester
}

// LineRegs is a snapshot of the registers that affect rendering, captured
// as a given scanline begins.
type LineRegs struct {
	WinLine int
}

// LineRegs returns the register snapshot captured when scanline `line` began.
func (p *PPU) LineRegs(line int) LineRegs {
	if line < 0 || line >= 144 {
		return LineRegs{}
	}
	return p.lineRegs[line]
}

func New(req InterruptRequester) *PPU { return &PPU{req: req} }

// Read implements VRAMReader for the fetcher-based scanline renderers,
// bypassing the CPU-visibility mode gating that CPURead enforces — the
// renderer always has full access to VRAM regardless of PPU mode. Only
// VRAM is served; any other address (OAM included) reads 0xFF.
func (p *PPU) Read(addr uint16) byte {
	if addr >= 0x8000 && addr <= 0x9FFF {
		return p.vram[addr-0x8000]
	}
	return 0xFF
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 { // VRAM inaccessible to CPU during mode 3
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 { // OAM inaccessible during modes 2 and 3
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.winLine = 0
			p.lineRegs[0] = LineRegs{WinLine: 0}
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles),
// rendering a scanline's worth of pixels into the framebuffer whenever a
// visible line finishes its pixel-transfer (mode 3) window.
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++

		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if prevMode == 3 && mode == 0 {
			p.renderScanline(p.ly)
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				p.winLine = 0
				if p.req != nil {
					p.req(0) // VBlank IF
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1) // STAT VBlank
					}
				}
			} else if p.ly > 153 {
				p.ly = 0
				p.winLine = 0
			}
			if p.ly < 144 {
				p.lineRegs[p.ly] = LineRegs{WinLine: p.winLine}
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

// renderScanline composes BG, window, and sprite layers for one visible
// line and writes the result (as grayscale shade bytes) into the framebuffer.
func (p *PPU) renderScanline(ly byte) {
	if ly >= 144 {
		return
	}

	var bg [160]byte
	if p.lcdc&0x01 != 0 { // BG/window display enable (DMG meaning of LCDC bit0)
		bgMapBase := uint16(0x9800)
		if p.lcdc&0x08 != 0 {
			bgMapBase = 0x9C00
		}
		tileData8000 := p.lcdc&0x10 != 0
		bg = RenderBGScanlineUsingFetcher(p, bgMapBase, tileData8000, p.scx, p.scy, ly)

		windowVisible := p.lcdc&0x20 != 0 && p.wy <= ly && p.wx <= 166
		if windowVisible {
			winMapBase := uint16(0x9800)
			if p.lcdc&0x40 != 0 {
				winMapBase = 0x9C00
			}
			wxStart := int(p.wx) - 7
			win := RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, byte(p.winLine))
			start := wxStart
			if start < 0 {
				start = 0
			}
			for x := start; x < 160; x++ {
				bg[x] = win[x]
			}
			p.winLine++
		}
	}

	var final [160]byte
	var spriteDrawn [160]bool
	if p.lcdc&0x02 != 0 { // sprites enabled
		sprites := p.scanOAM(ly)
		sprite8x16 := p.lcdc&0x04 != 0
		colors, palette := resolveScanlineSprites(p, sprites, ly, bg, sprite8x16)
		for x := 0; x < 160; x++ {
			if colors[x] == 0 {
				continue
			}
			obp := p.obp0
			if palette[x] != 0 {
				obp = p.obp1
			}
			final[x] = paletteIndex(obp, colors[x])
			spriteDrawn[x] = true
		}
	}

	for x := 0; x < 160; x++ {
		if !spriteDrawn[x] {
			final[x] = paletteIndex(p.bgp, bg[x])
		}
		p.fb[ly][x] = shade(final[x])
	}
}

// paletteIndex maps a 2-bit tile color index through one of the palette
// registers (BGP/OBP0/OBP1), each of which packs four 2-bit shade codes.
func paletteIndex(palette byte, colorIndex byte) byte {
	return (palette >> (colorIndex * 2)) & 0x03
}

// shade converts a post-palette 2-bit DMG shade code to a grayscale byte:
// 0 -> lightest (0xFF), 3 -> darkest (0x00).
func shade(shadeCode byte) byte {
	switch shadeCode & 0x03 {
	case 0:
		return 0xFF
	case 1:
		return 0xAA
	case 2:
		return 0x55
	default:
		return 0x00
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// Framebuffer returns the last-rendered 160x144 grayscale frame: one byte
// per pixel, 0xFF (lightest) to 0x00 (darkest), row-major.
func (p *PPU) Framebuffer() *[144][160]byte { return &p.fb }

func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

type ppuState struct {
	VRAM              [0x2000]byte
	OAM               [0xA0]byte
	LCDC, STAT        byte
	SCY, SCX, LY, LYC byte
	BGP, OBP0, OBP1   byte
	WY, WX            byte
	Dot               int
	WinLine           int
}

// SaveState serializes VRAM/OAM and all PPU registers via encoding/gob.
// The framebuffer itself is not persisted; it is fully rebuilt as soon as
// the next scanline renders.
func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat,
		SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx,
		Dot: p.dot, WinLine: p.winLine,
	}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat = s.LCDC, s.STAT
	p.scy, p.scx, p.ly, p.lyc = s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1 = s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx = s.WY, s.WX
	p.dot, p.winLine = s.Dot, s.WinLine
}
