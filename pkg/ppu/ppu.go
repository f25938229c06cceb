package ppu

import (
	"github.com/nesgo/gones/pkg/bus"
)

// PPU represents the Picture Processing Unit: a dot-clocked state machine
// that fetches nametable/pattern/attribute bytes into shift registers and
// serializes them into pixels 3 dots for every CPU cycle.
type PPU struct {
	// Registers
	PPUCTRL   uint8 // $2000
	PPUMASK   uint8 // $2001
	PPUSTATUS uint8 // $2002
	OAMADDR   uint8 // $2003

	// Internal Loopy registers
	v uint16 // current VRAM address (15 bits)
	t uint16 // temporary VRAM address / top-left onscreen tile
	x uint8  // fine X scroll (3 bits)
	w uint8  // write toggle, shared by $2005/$2006

	// Background fetch pipeline: latches hold the byte fetched by the
	// current step of the 8-dot {NT, AT, pattern lo, pattern hi} sequence;
	// the shift registers hold two tiles' worth of serialized pixel data.
	ntByte    uint8
	atByte    uint8
	patternLo uint8
	patternHi uint8

	bgPatternShiftLo uint16
	bgPatternShiftHi uint16
	bgAttrShiftLo    uint16
	bgAttrShiftHi    uint16

	// Sprite evaluation: secondaryOAM holds up to 8 candidates (4 bytes
	// each) found for the scanline about to be drawn, populated during
	// dots 65-256 of the prior scanline and then fetched into the output
	// units below at dot 257.
	secondaryOAM    [32]uint8
	spriteCount     int
	spriteIndices   [8]int
	spritePatternLo [8]uint8
	spritePatternHi [8]uint8
	spriteX         [8]uint8
	spriteAttr      [8]uint8

	// oddFrame tracks the NTSC pre-render-line dot-340 skip, which
	// alternates every frame while background rendering is enabled.
	oddFrame bool

	// openBus is the PPU's own open-bus latch: every register write drives
	// it, and reads of write-only registers return it instead of a fixed
	// constant. $2000-$2007 sit on the same 8 data lines the CPU reads, so
	// this value is exactly what pkg/bus's Read sees too.
	openBus uint8

	// VRAM
	VRAM [0x4000]uint8

	// OAM (Object Attribute Memory)
	OAM [256]uint8

	// Frame buffer (256x240)
	FrameBuffer [256 * 240]uint32

	// Persistent frame buffer for games with intermittent rendering
	PersistentFrameBuffer [256 * 240]uint32

	// Track if any meaningful rendering occurred this frame
	renderingOccurred bool
	lastRenderFrame   uint64

	// Timing
	Cycle         int
	Scanline      int
	Frame         uint64
	FrameComplete bool

	// NMI
	NMIRequested bool

	// Rendering
	PaletteManager *PaletteManager

	// PPU read buffer for $2007 reads
	readBuffer uint8

	// Memory interface
	Memory *bus.Bus

	// Cartridge interface
	Cartridge interface {
		ReadCHR(addr uint16) uint8
		WriteCHR(addr uint16, value uint8)
		Step() // Called once per scanline for mapper IRQ
		IsIRQPending() bool
		ClearIRQ()
		GetMirroring() int
		NotifyA12(chrAddr uint16, renderingEnabled bool) // For MMC3 A12 edge detection
	}
}

// PPUCTRL flags
const (
	PPUCTRLNameTable   = 0x03 // Base nametable address
	PPUCTRLIncrement   = 0x04 // VRAM address increment
	PPUCTRLSpriteTable = 0x08 // Sprite pattern table address
	PPUCTRLBGTable     = 0x10 // Background pattern table address
	PPUCTRLSpriteSize  = 0x20 // Sprite size
	PPUCTRLMasterSlave = 0x40 // PPU master/slave select
	PPUCTRLNMIEnable   = 0x80 // Generate NMI at VBlank
)

// PPUMASK flags
const (
	PPUMASKGreyscale      = 0x01 // Greyscale
	PPUMASKBGLeft         = 0x02 // Show background in leftmost 8 pixels
	PPUMASKSpriteLeft     = 0x04 // Show sprites in leftmost 8 pixels
	PPUMASKBGShow         = 0x08 // Show background
	PPUMASKSpriteShow     = 0x10 // Show sprites
	PPUMASKRedEmphasize   = 0x20 // Emphasize red
	PPUMASKGreenEmphasize = 0x40 // Emphasize green
	PPUMASKBlueEmphasize  = 0x80 // Emphasize blue
)

// PPUSTATUS flags
const (
	PPUSTATUSOverflow   = 0x20 // Sprite overflow
	PPUSTATUSSprite0Hit = 0x40 // Sprite 0 hit
	PPUSTATUSVBlank     = 0x80 // VBlank flag
)

// New creates a new PPU instance
func New(mem *bus.Bus) *PPU {
	return &PPU{
		Memory:         mem,
		Cycle:          0,
		Scanline:       0,
		PaletteManager: NewPaletteManager(),
	}
}

// Reset resets the PPU to initial state
func (p *PPU) Reset() {
	p.PPUCTRL = 0
	p.PPUMASK = 0
	p.PPUSTATUS = 0
	p.OAMADDR = 0
	p.v = 0
	p.t = 0
	p.x = 0
	p.w = 0
	p.Cycle = 0
	p.Scanline = 0
	p.FrameComplete = false
	p.oddFrame = false
	p.spriteCount = 0
	p.bgPatternShiftLo, p.bgPatternShiftHi = 0, 0
	p.bgAttrShiftLo, p.bgAttrShiftHi = 0, 0

	// Don't reset the persistent buffer on Reset; it preserves accumulated
	// content across resets for games with intermittent rendering.
	p.renderingOccurred = false
}

// SetCartridge sets the cartridge reference
func (p *PPU) SetCartridge(cart interface {
	ReadCHR(addr uint16) uint8
	WriteCHR(addr uint16, value uint8)
	Step()
	IsIRQPending() bool
	ClearIRQ()
	GetMirroring() int
	NotifyA12(chrAddr uint16, renderingEnabled bool)
}) {
	p.Cartridge = cart
}

// renderingEnabled reports whether background or sprite rendering is on.
func (p *PPU) renderingEnabled() bool {
	return p.PPUMASK&(PPUMASKBGShow|PPUMASKSpriteShow) != 0
}

// Step executes one PPU dot: background fetch/shift, pixel output, sprite
// evaluation for the next scanline, and the scanline/frame bookkeeping that
// drives VBlank, NMI, and mapper IRQ timing.
func (p *PPU) Step() {
	p.PaletteManager.SetEmphasis(p.PPUMASK & 0xE0)

	renderScanline := p.Scanline >= -1 && p.Scanline < 240
	if renderScanline {
		p.stepBackgroundPipeline()
	}

	if p.Scanline >= 0 && p.Scanline < 240 && p.Cycle >= 1 && p.Cycle <= 256 {
		p.outputPixel(p.Cycle-1, p.Scanline)
	}

	if renderScanline && p.Cycle == 257 {
		p.evaluateSprites(p.Scanline + 1)
	}

	p.Cycle++

	// NTSC odd-frame dot skip: the pre-render line drops dot 340 whenever
	// background rendering is enabled, keeping CPU cycles/frame alternating
	// between 29780 and 29781 instead of a fixed 29780.67 average.
	if p.Scanline == -1 && p.Cycle == 340 && p.oddFrame && p.PPUMASK&PPUMASKBGShow != 0 {
		p.Cycle = 341
	}

	if p.Cycle >= 341 {
		p.Cycle = 0
		p.Scanline++

		// MMC3 IRQ timing: call the mapper's per-scanline step even when
		// rendering is disabled, so games can arm the IRQ ahead of time.
		if p.Cartridge != nil && p.Scanline >= 0 && p.Scanline < 240 {
			p.Cartridge.Step()
		}

		if p.Scanline == 241 {
			p.PPUSTATUS |= PPUSTATUSVBlank
			p.PPUSTATUS &^= PPUSTATUSSprite0Hit
			if p.PPUCTRL&PPUCTRLNMIEnable != 0 {
				p.NMIRequested = true
			}
		}

		if p.Scanline >= 261 {
			p.Scanline = -1
			p.FrameComplete = true
			p.handleFrameCompletion()
			p.Frame++
			p.oddFrame = !p.oddFrame
			p.PPUSTATUS &^= PPUSTATUSVBlank
		}
	}
}

// stepBackgroundPipeline advances the 8-dot {NT, AT, pattern lo, pattern hi}
// fetch sequence and shifts the background registers one bit per dot,
// matching the NESdev PPU timing diagram: fetches run during dots 1-256
// (current scanline) and 321-336 (first two tiles of the next scanline),
// coarse X increments every 8th dot, Y increments once at dot 256, and the
// horizontal/vertical bits copy from t into v at dots 257 and 280-304.
func (p *PPU) stepBackgroundPipeline() {
	if !p.renderingEnabled() {
		return
	}

	inFetchWindow := (p.Cycle >= 1 && p.Cycle <= 256) || (p.Cycle >= 321 && p.Cycle <= 336)
	if inFetchWindow {
		p.shiftBackgroundRegisters()

		switch p.Cycle % 8 {
		case 1:
			p.reloadShiftRegisters()
			p.ntByte = p.readVRAM(0x2000 | (p.v & 0x0FFF))
		case 3:
			attrAddr := uint16(0x23C0) | (p.v & 0x0C00) | ((p.v >> 4) & 0x38) | ((p.v >> 2) & 0x07)
			p.atByte = p.readVRAM(attrAddr)
		case 5:
			p.patternLo = p.readVRAM(p.bgPatternAddr())
		case 7:
			p.patternHi = p.readVRAM(p.bgPatternAddr() + 8)
		case 0:
			p.incrementCoarseX()
		}
	}

	if p.Cycle == 256 {
		p.incrementY()
	}
	if p.Cycle == 257 {
		p.v = (p.v & 0xFBE0) | (p.t & 0x041F)
	}
	if p.Scanline == -1 && p.Cycle >= 280 && p.Cycle <= 304 {
		p.v = (p.v & 0x841F) | (p.t & 0x7BE0)
	}
}

// bgPatternAddr computes the pattern-table address of the tile latched in
// ntByte, using the current fine Y scroll.
func (p *PPU) bgPatternAddr() uint16 {
	base := uint16(0)
	if p.PPUCTRL&PPUCTRLBGTable != 0 {
		base = 0x1000
	}
	fineY := (p.v >> 12) & 0x07
	return base + uint16(p.ntByte)*16 + fineY
}

// shiftBackgroundRegisters shifts the pattern and attribute shift registers
// one bit toward the MSB, which outputPixel reads from.
func (p *PPU) shiftBackgroundRegisters() {
	p.bgPatternShiftLo <<= 1
	p.bgPatternShiftHi <<= 1
	p.bgAttrShiftLo <<= 1
	p.bgAttrShiftHi <<= 1
}

// reloadShiftRegisters loads the low byte of each shift register with the
// tile fetched over the previous 8 dots (ntByte/patternLo/patternHi/atByte),
// which is why this runs one dot before that tile's pixels reach the MSB.
func (p *PPU) reloadShiftRegisters() {
	p.bgPatternShiftLo = (p.bgPatternShiftLo & 0xFF00) | uint16(p.patternLo)
	p.bgPatternShiftHi = (p.bgPatternShiftHi & 0xFF00) | uint16(p.patternHi)

	attrBits := p.attributeBitsForTile()
	var lo, hi uint16
	if attrBits&1 != 0 {
		lo = 0xFF
	}
	if attrBits&2 != 0 {
		hi = 0xFF
	}
	p.bgAttrShiftLo = (p.bgAttrShiftLo & 0xFF00) | lo
	p.bgAttrShiftHi = (p.bgAttrShiftHi & 0xFF00) | hi
}

// attributeBitsForTile picks the 2-bit palette select out of atByte for the
// quadrant v's coarse X/Y currently point at.
func (p *PPU) attributeBitsForTile() uint8 {
	shift := ((p.v >> 4) & 0x04) | (p.v & 0x02)
	return uint8(p.atByte>>shift) & 0x03
}

// incrementCoarseX implements the classic Loopy coarse-X increment,
// wrapping into the adjacent horizontal nametable at the tile boundary.
func (p *PPU) incrementCoarseX() {
	if p.v&0x001F == 0x001F {
		p.v &^= 0x001F
		p.v ^= 0x0400
	} else {
		p.v++
	}
}

// incrementY implements the classic Loopy Y increment: fine Y first, then
// coarse Y with the nametable-row wraparound at row 29 (the last valid tile
// row; rows 30-31 are the unused attribute area and wrap without flipping
// nametables).
func (p *PPU) incrementY() {
	if p.v&0x7000 != 0x7000 {
		p.v += 0x1000
		return
	}
	p.v &^= 0x7000
	y := (p.v & 0x03E0) >> 5
	switch y {
	case 29:
		y = 0
		p.v ^= 0x0800
	case 31:
		y = 0
	default:
		y++
	}
	p.v = (p.v &^ 0x03E0) | (y << 5)
}

// ReadRegister reads from PPU register
func (p *PPU) ReadRegister(addr uint16) uint8 {
	switch addr {
	case 0x2002: // PPUSTATUS: top 3 bits are real, low 5 are open bus
		value := (p.PPUSTATUS & 0xE0) | (p.openBus & 0x1F)
		p.PPUSTATUS &^= PPUSTATUSVBlank
		p.w = 0
		p.openBus = value
		return value
	case 0x2004: // OAMDATA
		value := p.OAM[p.OAMADDR]
		p.openBus = value
		return value
	case 0x2007: // PPUDATA
		var value uint8

		if p.v >= 0x3F00 {
			// Palette reads are immediate (no buffering)
			value = p.readVRAM(p.v)
			p.readBuffer = p.readVRAM(p.v - 0x1000)
		} else {
			value = p.readBuffer
			p.readBuffer = p.readVRAM(p.v)
		}

		if p.PPUCTRL&PPUCTRLIncrement != 0 {
			p.v += 32
		} else {
			p.v++
		}
		p.openBus = value
		return value
	default:
		// $2000, $2001, $2003, $2005, $2006 are write-only: a read returns
		// whatever was last driven onto the shared register bus.
		return p.openBus
	}
}

// WriteRegister writes to PPU register
func (p *PPU) WriteRegister(addr uint16, value uint8) {
	p.openBus = value

	switch addr {
	case 0x2000: // PPUCTRL
		wasNMIEnabled := p.PPUCTRL&PPUCTRLNMIEnable != 0
		p.PPUCTRL = value
		p.t = (p.t & 0xF3FF) | ((uint16(value) & 0x03) << 10)

		// Enabling NMI while VBlank is already flagged fires immediately
		// instead of waiting for the next VBlank-start event.
		if !wasNMIEnabled && p.PPUCTRL&PPUCTRLNMIEnable != 0 && p.PPUSTATUS&PPUSTATUSVBlank != 0 {
			p.NMIRequested = true
		}
	case 0x2001: // PPUMASK
		p.PPUMASK = value
	case 0x2003: // OAMADDR
		p.OAMADDR = value
	case 0x2004: // OAMDATA
		p.OAM[p.OAMADDR] = value
		p.OAMADDR++
	case 0x2005: // PPUSCROLL
		if p.w == 0 {
			p.t = (p.t & 0xFFE0) | (uint16(value) >> 3)
			p.x = value & 0x07 // fine X takes effect immediately
			p.w = 1
		} else {
			p.t = (p.t & 0x8FFF) | ((uint16(value) & 0x07) << 12)
			p.t = (p.t & 0xFC1F) | ((uint16(value) & 0xF8) << 2)
			p.w = 0
		}
	case 0x2006: // PPUADDR
		if p.w == 0 {
			p.t = (p.t & 0x80FF) | ((uint16(value) & 0x3F) << 8)
			p.w = 1
		} else {
			p.t = (p.t & 0xFF00) | uint16(value)
			p.v = p.t
			p.w = 0
		}
	case 0x2007: // PPUDATA
		p.writeVRAM(p.v, value)
		if p.PPUCTRL&PPUCTRLIncrement != 0 {
			p.v += 32
		} else {
			p.v++
		}
	}
}

// readVRAM reads from VRAM
func (p *PPU) readVRAM(addr uint16) uint8 {
	addr = addr % 0x4000

	if addr < 0x2000 {
		if p.Cartridge != nil {
			// Real per-dot fetch address, so MMC3's A12 edge detection sees
			// the actual pattern-table access rather than a cycle-range guess.
			renderingEnabled := p.renderingEnabled()
			inRenderingScanlines := p.Scanline >= -1 && p.Scanline < 240
			if renderingEnabled && inRenderingScanlines {
				p.Cartridge.NotifyA12(addr, renderingEnabled)
			}
			return p.Cartridge.ReadCHR(addr)
		}
		return 0
	} else if addr < 0x3F00 {
		return p.readNameTable(addr)
	} else if addr < 0x4000 {
		return p.PaletteManager.ReadPalette(uint8(addr & 0x1F))
	}

	return 0
}

// writeVRAM writes to VRAM
func (p *PPU) writeVRAM(addr uint16, value uint8) {
	addr = addr % 0x4000

	if addr < 0x2000 {
		if p.Cartridge != nil {
			renderingEnabled := p.renderingEnabled()
			inRenderingScanlines := p.Scanline >= -1 && p.Scanline < 240
			if renderingEnabled && inRenderingScanlines {
				p.Cartridge.NotifyA12(addr, renderingEnabled)
			}
			p.Cartridge.WriteCHR(addr, value)
		}
	} else if addr < 0x3F00 {
		p.writeNameTable(addr, value)
	} else if addr < 0x4000 {
		p.PaletteManager.WritePalette(uint8(addr&0x1F), value)
	}
}

// GetFramebuffer returns the current framebuffer as RGBA bytes
func (p *PPU) GetFramebuffer() []uint8 {
	rgba := make([]uint8, 256*240*4)

	for i, pixel := range p.FrameBuffer {
		r := uint8((pixel >> 16) & 0xFF)
		g := uint8((pixel >> 8) & 0xFF)
		b := uint8(pixel & 0xFF)
		a := uint8((pixel >> 24) & 0xFF)

		rgba[i*4+0] = r
		rgba[i*4+1] = g
		rgba[i*4+2] = b
		rgba[i*4+3] = a
	}

	return rgba
}

// readNameTable reads from nametable with mirroring
func (p *PPU) readNameTable(addr uint16) uint8 {
	return p.VRAM[p.mirrorNameTableAddress(addr)]
}

// writeNameTable writes to nametable with mirroring
func (p *PPU) writeNameTable(addr uint16, value uint8) {
	p.VRAM[p.mirrorNameTableAddress(addr)] = value
}

// mirrorNameTableAddress applies nametable mirroring
func (p *PPU) mirrorNameTableAddress(addr uint16) uint16 {
	offset := addr - 0x2000

	if p.Cartridge == nil {
		return p.applyHorizontalMirroring(offset) + 0x2000
	}

	switch p.Cartridge.GetMirroring() {
	case 0: // Horizontal mirroring
		return p.applyHorizontalMirroring(offset) + 0x2000
	case 1: // Vertical mirroring
		return p.applyVerticalMirroring(offset) + 0x2000
	case 2: // Single-screen, lower nametable (MMC1)
		return p.applySingleScreenMirroring(offset, 0) + 0x2000
	case 3: // Single-screen, upper nametable (MMC1)
		return p.applySingleScreenMirroring(offset, 1) + 0x2000
	default:
		// Four-screen or other modes - no mirroring
		return addr
	}
}

// applySingleScreenMirroring maps all four logical nametables onto a single
// 1KiB bank, selected by the mapper's control register.
func (p *PPU) applySingleScreenMirroring(offset uint16, bank uint16) uint16 {
	return (offset & 0x3FF) + bank*0x400
}

// applyHorizontalMirroring applies horizontal mirroring
func (p *PPU) applyHorizontalMirroring(offset uint16) uint16 {
	if offset >= 0x800 {
		return offset - 0x400
	}
	return offset & 0x7FF
}

// applyVerticalMirroring applies vertical mirroring
func (p *PPU) applyVerticalMirroring(offset uint16) uint16 {
	return offset & 0x7FF
}

// IsMapperIRQPending returns whether mapper IRQ is pending
func (p *PPU) IsMapperIRQPending() bool {
	if p.Cartridge != nil {
		return p.Cartridge.IsIRQPending()
	}
	return false
}

// ClearMapperIRQ clears mapper IRQ
func (p *PPU) ClearMapperIRQ() {
	if p.Cartridge != nil {
		p.Cartridge.ClearIRQ()
	}
}

// handleFrameCompletion manages persistent frame buffer and rendering state
func (p *PPU) handleFrameCompletion() {
	hadRendering := p.renderingOccurred
	p.renderingOccurred = false

	if hadRendering {
		p.lastRenderFrame = p.Frame
	}
}

// GetDisplayFrameBuffer returns the frame buffer that should be displayed,
// falling back to the persistent buffer for a while after rendering stops
// so games with intermittent rendering don't flash to black.
func (p *PPU) GetDisplayFrameBuffer() []uint32 {
	frameSinceLastRender := p.Frame - p.lastRenderFrame

	if frameSinceLastRender <= 1 || p.renderingOccurred {
		return p.FrameBuffer[:]
	}

	if frameSinceLastRender < 3600 { // ~1 minute at 60fps
		return p.PersistentFrameBuffer[:]
	}

	return p.FrameBuffer[:]
}
