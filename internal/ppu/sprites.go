package ppu

import "sort"

// Sprite is one OAM entry resolved to screen coordinates (already offset by
// the hardware's -16/-8 OAM bias), ready for scanline compositing.
type Sprite struct {
	X, Y     int
	Tile     byte
	Attr     byte // bit7 BG-priority, bit6 Y-flip, bit5 X-flip, bit4 palette select
	OAMIndex int
}

const (
	spriteAttrPriority = 1 << 7
	spriteAttrYFlip    = 1 << 6
	spriteAttrXFlip    = 1 << 5
	spriteAttrPalette  = 1 << 4
)

// ComposeSpriteLine renders the sprite layer for one scanline as raw 2-bit
// tile color indices (0 = no sprite pixel here, 1-3 = opaque). Priority
// between overlapping sprites follows DMG hardware order: lower X wins;
// on an X tie, the lower OAM index wins. A sprite pixel with the
// BG-priority attribute set is suppressed wherever the background's own
// color index (bgci) is nonzero, but the winning sprite still claims that
// column so a lower-priority sprite can't draw through it.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, sprite8x16 bool) [160]byte {
	ci, _ := resolveScanlineSprites(mem, sprites, ly, bgci, sprite8x16)
	return ci
}

// resolveScanlineSprites is ComposeSpriteLine's engine; it additionally
// returns which palette (0: OBP0, 1: OBP1) produced each nonzero pixel, so
// the full scanline renderer can look up the right palette without redoing
// the priority resolution.
func resolveScanlineSprites(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, sprite8x16 bool) (colors [160]byte, palette [160]byte) {
	height := 8
	if sprite8x16 {
		height = 16
	}

	ordered := make([]Sprite, len(sprites))
	copy(ordered, sprites)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].X != ordered[j].X {
			return ordered[i].X < ordered[j].X
		}
		return ordered[i].OAMIndex < ordered[j].OAMIndex
	})

	var claimed [160]bool
	for _, s := range ordered {
		row := int(ly) - s.Y
		if row < 0 || row >= height {
			continue
		}
		if s.Attr&spriteAttrYFlip != 0 {
			row = height - 1 - row
		}
		tileNum := s.Tile
		if sprite8x16 {
			tileNum &^= 0x01
			if row >= 8 {
				tileNum |= 0x01
				row -= 8
			}
		}
		base := 0x8000 + uint16(tileNum)*16 + uint16(row)*2
		lo := mem.Read(base)
		hi := mem.Read(base + 1)

		for col := 0; col < 8; col++ {
			x := s.X + col
			if x < 0 || x >= 160 || claimed[x] {
				continue
			}
			bit := 7 - col
			if s.Attr&spriteAttrXFlip != 0 {
				bit = col
			}
			c := ((hi>>byte(bit))&1)<<1 | ((lo >> byte(bit)) & 1)
			if c == 0 {
				continue
			}
			claimed[x] = true
			if s.Attr&spriteAttrPriority != 0 && bgci[x] != 0 {
				continue // hidden behind BG, but the column stays claimed
			}
			colors[x] = c
			if s.Attr&spriteAttrPalette != 0 {
				palette[x] = 1
			}
		}
	}
	return colors, palette
}

// scanOAM returns up to 10 sprites whose vertical extent covers ly,
// in OAM order, the way real hardware's OAM search does.
func (p *PPU) scanOAM(ly byte) []Sprite {
	height := 8
	if p.lcdc&0x04 != 0 {
		height = 16
	}
	var found []Sprite
	for i := 0; i < 40 && len(found) < 10; i++ {
		base := i * 4
		y := int(p.oam[base]) - 16
		x := int(p.oam[base+1]) - 8
		if int(ly) >= y && int(ly) < y+height {
			found = append(found, Sprite{
				X: x, Y: y,
				Tile:     p.oam[base+2],
				Attr:     p.oam[base+3],
				OAMIndex: i,
			})
		}
	}
	return found
}
