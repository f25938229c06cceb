// Package bus implements the NES CPU address space: RAM mirroring, PPU/APU
// register windows, OAM DMA, and the two controller ports.
package bus

import (
	"github.com/nesgo/gones/pkg/input"
	"github.com/nesgo/gones/pkg/logger"
)

// Bus represents the CPU-visible memory map.
type Bus struct {
	RAM     [2048]uint8
	HighMem [0xA000]uint8 // $6000-$FFFF fallback when no cartridge is attached

	PPU interface {
		ReadRegister(addr uint16) uint8
		WriteRegister(addr uint16, value uint8)
	}

	APU interface {
		ReadRegister(addr uint16) uint8
		WriteRegister(addr uint16, value uint8)
	}

	Cartridge interface {
		ReadPRG(addr uint16) uint8
		WritePRG(addr uint16, value uint8)
	}

	Controllers *input.Ports

	openBus uint8

	// dmaStallCycles counts CPU cycles owed to the current OAM DMA transfer;
	// CPU.Step drains it via TakeStallCycles after every instruction.
	dmaStallCycles int
	oddCycle       bool
}

// New creates a bus with both controller ports attached but no cartridge,
// PPU, or APU wired yet.
func New() *Bus {
	return &Bus{Controllers: input.NewPorts()}
}

func (b *Bus) SetCartridge(cart interface {
	ReadPRG(addr uint16) uint8
	WritePRG(addr uint16, value uint8)
}) {
	b.Cartridge = cart
}

func (b *Bus) SetPPU(ppu interface {
	ReadRegister(addr uint16) uint8
	WriteRegister(addr uint16, value uint8)
}) {
	b.PPU = ppu
}

func (b *Bus) SetAPU(apu interface {
	ReadRegister(addr uint16) uint8
	WriteRegister(addr uint16, value uint8)
}) {
	b.APU = apu
}

// SetEvenCycle tells the bus whether the current CPU cycle is even, which
// decides whether an OAM DMA starts with an extra alignment-wait cycle.
func (b *Bus) SetEvenCycle(even bool) {
	b.oddCycle = !even
}

// Read returns the byte at addr, updating the open-bus latch so that reads
// of unmapped regions and write-only register bits return the last driven
// value instead of a fixed constant.
func (b *Bus) Read(addr uint16) uint8 {
	var value uint8
	hasValue := true

	switch {
	case addr < 0x2000:
		value = b.RAM[addr&0x7FF]

	case addr < 0x4000:
		if b.PPU != nil {
			value = b.PPU.ReadRegister(0x2000 + (addr & 0x7))
		} else {
			hasValue = false
		}

	case addr == 0x4016:
		if b.Controllers != nil {
			value = b.Controllers.Port1.Read() | (b.openBus &^ 0x1)
		} else {
			hasValue = false
		}

	case addr == 0x4017:
		if b.Controllers != nil {
			value = b.Controllers.Port2.Read() | (b.openBus &^ 0x1)
		} else {
			hasValue = false
		}

	case addr < 0x4020:
		if b.APU != nil {
			value = b.APU.ReadRegister(addr)
		} else {
			hasValue = false
		}

	case addr >= 0x6000:
		if b.Cartridge != nil {
			value = b.Cartridge.ReadPRG(addr)
		} else {
			index := addr - 0x6000
			if index < uint16(len(b.HighMem)) {
				value = b.HighMem[index]
			} else {
				hasValue = false
			}
		}

	default:
		hasValue = false
	}

	if hasValue {
		b.openBus = value
		return value
	}
	return b.openBus
}

// Write stores a byte at addr.
func (b *Bus) Write(addr uint16, value uint8) {
	b.openBus = value

	switch {
	case addr < 0x2000:
		b.RAM[addr&0x7FF] = value

	case addr < 0x4000:
		if b.PPU != nil {
			ppuAddr := 0x2000 + (addr & 0x7)
			if ppuAddr == 0x2006 || ppuAddr == 0x2007 {
				logger.LogCPU("Memory Write PPU $%04X: value=$%02X", ppuAddr, value)
			}
			b.PPU.WriteRegister(ppuAddr, value)
		}

	case addr == 0x4014:
		b.performOAMDMA(value)

	case addr == 0x4016:
		if b.Controllers != nil {
			b.Controllers.WriteStrobe(value)
		}

	case addr < 0x4020:
		if b.APU != nil {
			b.APU.WriteRegister(addr, value)
		}

	case addr >= 0x6000:
		if b.Cartridge != nil {
			b.Cartridge.WritePRG(addr, value)
		} else {
			index := addr - 0x6000
			if index < uint16(len(b.HighMem)) {
				b.HighMem[index] = value
			}
		}

	default:
		// Unmapped: $4020-$5FFF
	}
}

// performOAMDMA copies 256 bytes from page*0x100 into PPU OAM and schedules
// the 513/514-cycle CPU stall real hardware incurs for the transfer: 1
// cycle to start (2 if begun on an odd CPU cycle), then 256 read/write
// cycle pairs.
func (b *Bus) performOAMDMA(page uint8) {
	baseAddr := uint16(page) << 8

	stall := 513
	if b.oddCycle {
		stall = 514
	}
	b.dmaStallCycles += stall

	for i := 0; i < 256; i++ {
		value := b.Read(baseAddr + uint16(i))
		if b.PPU != nil {
			b.PPU.WriteRegister(0x2004, value)
		}
	}
}

// TakeStallCycles returns and clears the CPU cycles owed to OAM DMA since
// the last call.
func (b *Bus) TakeStallCycles() int {
	n := b.dmaStallCycles
	b.dmaStallCycles = 0
	return n
}
