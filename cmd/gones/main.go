package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nesgo/gones/pkg/cartridge"
	"github.com/nesgo/gones/pkg/gui"
	"github.com/nesgo/gones/pkg/logger"
	"github.com/nesgo/gones/pkg/nes"
	"github.com/nesgo/gones/pkg/romerr"
)

func main() {
	var (
		logLevel   = flag.String("log-level", "info", "Log level (off, error, warn, info, debug, trace)")
		logFile    = flag.String("log-file", "", "Log file path (empty for stdout)")
		cpuLog     = flag.Bool("cpu-log", false, "Enable CPU instruction logging")
		ppuLog     = flag.Bool("ppu-log", false, "Enable PPU logging")
		apuLog     = flag.Bool("apu-log", false, "Enable APU logging")
		mapperLog  = flag.Bool("mapper-log", false, "Enable mapper logging")
		headless   = flag.Bool("headless", false, "Run in headless mode for testing, no window or audio device")
		testFrames = flag.Int("test-frames", 600, "Number of frames to run in headless mode")
		scale      = flag.Int("scale", 3, "Integer window scale factor")
		mute       = flag.Bool("mute", false, "Disable the audio device")
	)

	flag.Usage = func() {
		fmt.Printf("Usage: %s [options] <rom_file>\n\n", os.Args[0])
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println("\nControls (Player 1):")
		fmt.Println("  Z - A button")
		fmt.Println("  X - B button")
		fmt.Println("  A - Select")
		fmt.Println("  S - Start")
		fmt.Println("  Arrow keys - D-pad")
		fmt.Println("\nControls (Player 2, numpad):")
		fmt.Println("  1 - A button, 2 - B button, 7 - Select, 8 - Start, 4/5/6/0 - D-pad")
		fmt.Println("\n  ESC - Quit")
	}

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(romerr.IoError.ExitCode())
	}

	romFile := flag.Arg(0)

	level := logger.GetLogLevelFromString(*logLevel)
	if err := logger.Initialize(level, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(romerr.IoError.ExitCode())
	}
	defer logger.Close()

	logger.SetCPULogging(*cpuLog)
	logger.SetPPULogging(*ppuLog)
	logger.SetAPULogging(*apuLog)
	logger.SetMapperLogging(*mapperLog)

	logger.LogInfo("GoNES starting, log level %s", *logLevel)

	cart, err := loadCartridge(romFile)
	if err != nil {
		logger.LogError("failed to load ROM: %v", err)
		fmt.Fprintf(os.Stderr, "failed to load ROM: %v\n", err)
		os.Exit(romerr.KindOf(err).ExitCode())
	}

	mapperNumber := (cart.Header.Flags6 >> 4) | (cart.Header.Flags7 & 0xF0)
	logger.LogInfo("loaded %s: mapper %d, PRG %dKB", filepath.Base(romFile), mapperNumber, len(cart.PRGROM)/1024)
	if len(cart.CHRROM) > 0 {
		logger.LogInfo("CHR ROM: %dKB", len(cart.CHRROM)/1024)
	} else {
		logger.LogInfo("CHR RAM: %dKB", len(cart.CHRRAM)/1024)
	}

	nesSystem := nes.NewNES()
	nesSystem.LoadCartridge(cart)
	nesSystem.Reset()

	if *headless {
		runHeadless(nesSystem, *testFrames)
		os.Exit(0)
	}

	nesGUI, err := gui.NewNESGUI(nesSystem, gui.Options{Scale: *scale, Mute: *mute})
	if err != nil {
		logger.LogError("failed to create GUI: %v", err)
		fmt.Fprintf(os.Stderr, "failed to start host: %v\n", err)
		os.Exit(romerr.HostUnavailable.ExitCode())
	}
	defer nesGUI.Destroy()

	nesGUI.Run()
	logger.LogInfo("emulator stopped")
}

func loadCartridge(romFile string) (*cartridge.Cartridge, error) {
	file, err := os.Open(romFile)
	if err != nil {
		return nil, romerr.New(romerr.IoError, err)
	}
	defer file.Close()

	return cartridge.LoadFromReader(file)
}

func runHeadless(nesSystem *nes.NES, maxFrames int) {
	logger.LogInfo("running %d frames headless", maxFrames)
	start := time.Now()

	for frame := 0; frame < maxFrames; frame++ {
		nesSystem.StepFrame()
	}

	logger.LogInfo("headless run completed in %v", time.Since(start))
}
