package ppu

// Sprite attribute flags
const (
	SpriteFlipHorizontal = 0x40
	SpriteFlipVertical   = 0x80
	SpritePriority       = 0x20 // 0=front of background, 1=behind background
	SpritePaletteMask    = 0x03 // Palette selection (bits 0-1)
)

// evaluateSprites runs the secondary-OAM scan for targetScanline: the first
// 8 in-range sprites (Y <= targetScanline < Y+height) are copied out of
// primary OAM in index order, with sprite 0's presence tracked for the
// sprite-0-hit test. Once 8 are found, evaluation continues in the same
// buggy way real hardware does: the "diagonal search" keeps stepping both
// the OAM index and the byte offset together instead of resetting to the Y
// byte, so the overflow flag's exact trigger condition follows that bug
// rather than a clean 9th-sprite check.
func (p *PPU) evaluateSprites(targetScanline int) {
	spriteHeight := 8
	if p.PPUCTRL&PPUCTRLSpriteSize != 0 {
		spriteHeight = 16
	}

	for i := range p.secondaryOAM {
		p.secondaryOAM[i] = 0xFF
	}
	p.spriteCount = 0

	n, m := 0, 0
	for n < 64 && m < 8 {
		y := int(p.OAM[n*4])
		if targetScanline >= y && targetScanline < y+spriteHeight {
			copy(p.secondaryOAM[m*4:m*4+4], p.OAM[n*4:n*4+4])
			p.spriteIndices[m] = n
			m++
		}
		n++
	}
	p.spriteCount = m

	if m == 8 {
		diag := 0
		for n < 64 {
			y := int(p.OAM[n*4+diag])
			if targetScanline >= y && targetScanline < y+spriteHeight {
				p.PPUSTATUS |= PPUSTATUSOverflow
				break
			}
			n++
			diag = (diag + 1) % 4
		}
	}

	for i := 0; i < p.spriteCount; i++ {
		p.fetchSpritePattern(i, targetScanline, spriteHeight)
	}
}

// fetchSpritePattern loads the pattern-table bytes for secondary-OAM slot i
// into the sprite output units, applying flips and 8x16 tile-pair addressing.
func (p *PPU) fetchSpritePattern(i int, scanline int, spriteHeight int) {
	y := p.secondaryOAM[i*4]
	tileIndex := p.secondaryOAM[i*4+1]
	attr := p.secondaryOAM[i*4+2]
	x := p.secondaryOAM[i*4+3]

	row := scanline - int(y)
	if row < 0 {
		row = 0
	}
	if attr&SpriteFlipVertical != 0 {
		row = spriteHeight - 1 - row
	}

	var tableBase uint16
	var index uint16
	if spriteHeight == 16 {
		tableBase = uint16(tileIndex&1) * 0x1000
		index = uint16(tileIndex &^ 1)
		if row >= 8 {
			index++
			row -= 8
		}
	} else {
		if p.PPUCTRL&PPUCTRLSpriteTable != 0 {
			tableBase = 0x1000
		}
		index = uint16(tileIndex)
	}

	tileAddr := tableBase + index*16 + uint16(row)
	lo := p.readVRAM(tileAddr)
	hi := p.readVRAM(tileAddr + 8)

	if attr&SpriteFlipHorizontal != 0 {
		lo = reverseBits(lo)
		hi = reverseBits(hi)
	}

	p.spritePatternLo[i] = lo
	p.spritePatternHi[i] = hi
	p.spriteX[i] = x
	p.spriteAttr[i] = attr
}

// reverseBits reverses the bit order of a byte, used to flip a sprite's
// pattern row horizontally.
func reverseBits(b uint8) uint8 {
	var r uint8
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// bgVisible reports whether background rendering is showing at x.
func (p *PPU) bgVisible(x int) bool {
	if p.PPUMASK&PPUMASKBGShow == 0 {
		return false
	}
	if x < 8 && p.PPUMASK&PPUMASKBGLeft == 0 {
		return false
	}
	return true
}

// spriteVisible reports whether sprite rendering is showing at x.
func (p *PPU) spriteVisible(x int) bool {
	if p.PPUMASK&PPUMASKSpriteShow == 0 {
		return false
	}
	if x < 8 && p.PPUMASK&PPUMASKSpriteLeft == 0 {
		return false
	}
	return true
}

// backgroundPixel reads the current background color index and palette
// select out of the shift registers at fine-X offset x.
func (p *PPU) backgroundPixel(x int) (uint8, uint8) {
	shift := uint(15 - p.x)
	lo := uint8((p.bgPatternShiftLo >> shift) & 1)
	hi := uint8((p.bgPatternShiftHi >> shift) & 1)
	colorIndex := (hi << 1) | lo

	loAttr := uint8((p.bgAttrShiftLo >> shift) & 1)
	hiAttr := uint8((p.bgAttrShiftHi >> shift) & 1)
	palette := (hiAttr << 1) | loAttr

	return colorIndex, palette
}

// spritePixel returns the first non-transparent sprite at screen x, in
// secondary-OAM priority order (lowest original OAM index wins).
func (p *PPU) spritePixel(x int) (colorIndex, palette uint8, priority bool, isZero bool) {
	for i := 0; i < p.spriteCount; i++ {
		offset := x - int(p.spriteX[i])
		if offset < 0 || offset > 7 {
			continue
		}
		lo := (p.spritePatternLo[i] >> uint(7-offset)) & 1
		hi := (p.spritePatternHi[i] >> uint(7-offset)) & 1
		idx := (hi << 1) | lo
		if idx == 0 {
			continue
		}
		return idx, p.spriteAttr[i] & SpritePaletteMask, p.spriteAttr[i]&SpritePriority == 0, p.spriteIndices[i] == 0
	}
	return 0, 0, false, false
}

// outputPixel composites the background and sprite pixel at (x, y),
// including the sprite-0-hit test, and writes the final color into both
// frame buffers.
func (p *PPU) outputPixel(x, y int) {
	index := y*256 + x
	if index < 0 || index >= len(p.FrameBuffer) {
		return
	}

	if !p.renderingEnabled() {
		p.FrameBuffer[index] = p.PaletteManager.GetBackgroundColor(0, 0)
		return
	}

	bgColorIndex, bgPalette := p.backgroundPixel(x)
	spriteColorIndex, spritePalette, spritePriority, isSpriteZero := p.spritePixel(x)

	bgOpaque := bgColorIndex != 0 && p.bgVisible(x)
	spriteOpaque := spriteColorIndex != 0 && p.spriteVisible(x)

	var finalColor uint32
	switch {
	case !bgOpaque && !spriteOpaque:
		finalColor = p.PaletteManager.GetBackgroundColor(0, 0)
	case !bgOpaque && spriteOpaque:
		finalColor = p.PaletteManager.GetSpriteColor(spritePalette, spriteColorIndex)
	case bgOpaque && !spriteOpaque:
		finalColor = p.PaletteManager.GetBackgroundColor(bgPalette, bgColorIndex)
	default:
		leftClipped := x < 8 && (p.PPUMASK&(PPUMASKSpriteLeft|PPUMASKBGLeft)) != (PPUMASKSpriteLeft|PPUMASKBGLeft)
		if isSpriteZero && x != 255 && !leftClipped {
			p.PPUSTATUS |= PPUSTATUSSprite0Hit
		}
		if spritePriority {
			finalColor = p.PaletteManager.GetSpriteColor(spritePalette, spriteColorIndex)
		} else {
			finalColor = p.PaletteManager.GetBackgroundColor(bgPalette, bgColorIndex)
		}
	}

	p.FrameBuffer[index] = finalColor
	p.PersistentFrameBuffer[index] = finalColor
	p.renderingOccurred = true
}
