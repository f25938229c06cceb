package gui

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/nesgo/gones/pkg/logger"
	"github.com/nesgo/gones/pkg/nes"
	"github.com/veandco/go-sdl2/sdl"
)

func writeFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, 0o644)
}

const (
	WindowTitle = "GoNES - Nintendo Entertainment System Emulator"

	AudioSampleRate = 44100
	AudioBufferSize = 1024
	AudioChannels   = 1
	AudioFormat     = sdl.AUDIO_F32LSB

	// NTSC NES frame rate: 1789773 / 29780.5 = 60.0988139... FPS
	TargetFPS = 60.0988
)

// FrameTime is the wall-clock duration of one NTSC NES frame.
var FrameTime = time.Duration(16639267) * time.Nanosecond

// Options configures host presentation independent of emulation semantics.
type Options struct {
	Scale int  // integer window scale factor; 0 defaults to 3
	Mute  bool // skip opening an audio device entirely
}

// NESGUI hosts one NES instance in an SDL2 window with audio playback.
type NESGUI struct {
	window        *sdl.Window
	renderer      *sdl.Renderer
	texture       *sdl.Texture
	nes           *nes.NES
	running       bool
	screenshotNum int

	audioDevice sdl.AudioDeviceID
	audioSpec   *sdl.AudioSpec
	mute        bool

	lastFrameTime time.Time
	nextFrameTime time.Time

	fpsCounter int
	fpsTimer   time.Time
	currentFPS float64
	showFPS    bool
}

// NewNESGUI creates the SDL2 window, renderer, texture, and (unless muted)
// audio device for nesSystem.
func NewNESGUI(nesSystem *nes.NES, opts Options) (*NESGUI, error) {
	runtime.LockOSThread()

	scale := opts.Scale
	if scale <= 0 {
		scale = 3
	}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_AUDIO); err != nil {
		return nil, err
	}

	window, err := sdl.CreateWindow(
		WindowTitle,
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(256*scale),
		int32(240*scale),
		sdl.WINDOW_SHOWN,
	)
	if err != nil {
		sdl.Quit()
		return nil, err
	}

	renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		window.Destroy()
		sdl.Quit()
		return nil, err
	}
	renderer.SetDrawBlendMode(sdl.BLENDMODE_NONE)

	texture, err := renderer.CreateTexture(
		sdl.PIXELFORMAT_ABGR8888,
		sdl.TEXTUREACCESS_STREAMING,
		256,
		240,
	)
	if err != nil {
		renderer.Destroy()
		window.Destroy()
		sdl.Quit()
		return nil, err
	}
	texture.SetBlendMode(sdl.BLENDMODE_NONE)

	gui := &NESGUI{
		window:        window,
		renderer:      renderer,
		texture:       texture,
		nes:           nesSystem,
		running:       true,
		mute:          opts.Mute,
		lastFrameTime: time.Now(),
		nextFrameTime: time.Now().Add(FrameTime),
		fpsTimer:      time.Now(),
		showFPS:       true,
	}

	if !opts.Mute {
		if err := gui.initAudio(); err != nil {
			logger.LogError("audio init failed, continuing muted: %v", err)
		}
	}

	return gui, nil
}

// Destroy releases SDL resources.
func (g *NESGUI) Destroy() {
	if g.audioDevice != 0 {
		sdl.CloseAudioDevice(g.audioDevice)
	}
	if g.texture != nil {
		g.texture.Destroy()
	}
	if g.renderer != nil {
		g.renderer.Destroy()
	}
	if g.window != nil {
		g.window.Destroy()
	}
	sdl.Quit()
}

// Run drives the emulator and event loop until the window is closed,
// pacing frames against wall-clock time so playback speed stays at the
// NES's native ~60.0988 FPS regardless of how fast emulation itself runs.
func (g *NESGUI) Run() {
	frameCount := 0
	startTime := time.Now()

	for g.running {
		g.handleEvents()
		g.update()
		g.render()

		frameCount++
		targetEndTime := startTime.Add(time.Duration(frameCount) * FrameTime)
		if now := time.Now(); now.Before(targetEndTime) {
			time.Sleep(targetEndTime.Sub(now))
		}

		g.lastFrameTime = time.Now()
	}
}

func (g *NESGUI) handleEvents() {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			g.running = false
		case *sdl.KeyboardEvent:
			g.handleKeyboard(e)
		}
	}
}

// handleKeyboard maps keys to the two controller ports.
func (g *NESGUI) handleKeyboard(event *sdl.KeyboardEvent) {
	pressed := event.State == sdl.PRESSED
	input := g.nes.GetInput()

	switch event.Keysym.Sym {
	case sdl.K_z:
		input.SetButton(0, 0, pressed) // P1 A
	case sdl.K_x:
		input.SetButton(0, 1, pressed) // P1 B
	case sdl.K_a:
		input.SetButton(0, 2, pressed) // P1 Select
	case sdl.K_s:
		input.SetButton(0, 3, pressed) // P1 Start
	case sdl.K_UP:
		input.SetButton(0, 4, pressed)
	case sdl.K_DOWN:
		input.SetButton(0, 5, pressed)
	case sdl.K_LEFT:
		input.SetButton(0, 6, pressed)
	case sdl.K_RIGHT:
		input.SetButton(0, 7, pressed)
	case sdl.K_KP_1:
		input.SetButton(1, 0, pressed) // P2 A
	case sdl.K_KP_2:
		input.SetButton(1, 1, pressed) // P2 B
	case sdl.K_KP_7:
		input.SetButton(1, 2, pressed) // P2 Select
	case sdl.K_KP_8:
		input.SetButton(1, 3, pressed) // P2 Start
	case sdl.K_KP_5:
		input.SetButton(1, 4, pressed)
	case sdl.K_KP_0:
		input.SetButton(1, 5, pressed)
	case sdl.K_KP_4:
		input.SetButton(1, 6, pressed)
	case sdl.K_KP_6:
		input.SetButton(1, 7, pressed)
	case sdl.K_ESCAPE:
		g.running = false
	case sdl.K_F12:
		if pressed {
			g.saveScreenshot()
		}
	case sdl.K_F3:
		if pressed {
			g.showFPS = !g.showFPS
		}
	}
}

func (g *NESGUI) update() {
	g.nes.StepFrame()
	g.queueAudio()
	g.updateFPS()
}

func (g *NESGUI) render() {
	framebuffer := g.nes.GetDisplayFramebuffer()
	g.texture.Update(nil, unsafe.Pointer(&framebuffer[0]), 256*4)

	g.renderer.SetDrawColor(0, 0, 0, 255)
	g.renderer.Clear()
	g.renderer.Copy(g.texture, nil, nil)

	if g.showFPS {
		g.updateWindowTitle()
	}

	g.renderer.Present()
}

// saveScreenshot writes the current framebuffer to a numbered raw RGBA file.
func (g *NESGUI) saveScreenshot() {
	filename := fmt.Sprintf("screenshot_%03d.raw", g.screenshotNum)
	g.screenshotNum++

	w, h, _ := g.renderer.GetOutputSize()
	pixels := make([]byte, w*h*4)
	if err := g.renderer.ReadPixels(nil, sdl.PIXELFORMAT_RGBA8888, unsafe.Pointer(&pixels[0]), int(w*4)); err != nil {
		logger.LogError("failed to read pixels for screenshot: %v", err)
		return
	}

	if err := writeFile(filename, pixels); err != nil {
		logger.LogError("failed to save screenshot %s: %v", filename, err)
		return
	}
	logger.LogInfo("saved screenshot %s (%d bytes)", filename, len(pixels))
}

// initAudio opens the SDL audio device, falling back to 16-bit PCM if the
// float format the driver prefers isn't available.
func (g *NESGUI) initAudio() error {
	want := &sdl.AudioSpec{
		Freq:     AudioSampleRate,
		Format:   AudioFormat,
		Channels: AudioChannels,
		Samples:  AudioBufferSize,
	}

	var have sdl.AudioSpec
	device, err := sdl.OpenAudioDevice("", false, want, &have, sdl.AUDIO_ALLOW_ANY_CHANGE)
	if err != nil {
		want.Format = sdl.AUDIO_S16LSB
		device, err = sdl.OpenAudioDevice("", false, want, &have, sdl.AUDIO_ALLOW_ANY_CHANGE)
		if err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
	}

	g.audioDevice = device
	g.audioSpec = &have
	g.nes.APU.SetSampleRate(int(have.Freq))

	sdl.PauseAudioDevice(device, false)
	return nil
}

// queueAudio drains the APU's pending sample buffer into the SDL audio
// queue, keeping at most two buffers queued so playback doesn't drift far
// from emulation.
func (g *NESGUI) queueAudio() {
	if g.audioDevice == 0 {
		return
	}

	apuOutput := g.nes.APU.Output
	if len(apuOutput) == 0 {
		return
	}

	queuedBytes := sdl.GetQueuedAudioSize(g.audioDevice)
	maxBytes := uint32(AudioBufferSize * 4 * 2)

	if queuedBytes < maxBytes {
		var audioData []byte

		switch g.audioSpec.Format {
		case sdl.AUDIO_F32LSB:
			audioData = make([]byte, len(apuOutput)*4)
			for i, sample := range apuOutput {
				sample *= 0.5
				bits := *(*uint32)(unsafe.Pointer(&sample))
				audioData[i*4+0] = byte(bits)
				audioData[i*4+1] = byte(bits >> 8)
				audioData[i*4+2] = byte(bits >> 16)
				audioData[i*4+3] = byte(bits >> 24)
			}
		case sdl.AUDIO_S16LSB:
			audioData = make([]byte, len(apuOutput)*2)
			for i, sample := range apuOutput {
				sample *= 0.5
				if sample > 1.0 {
					sample = 1.0
				} else if sample < -1.0 {
					sample = -1.0
				}
				intSample := int16(sample * 32767)
				audioData[i*2+0] = byte(intSample)
				audioData[i*2+1] = byte(intSample >> 8)
			}
		}

		if len(audioData) > 0 {
			sdl.QueueAudio(g.audioDevice, audioData)
		}
	}

	g.nes.APU.Output = g.nes.APU.Output[:0]
}

func (g *NESGUI) updateFPS() {
	g.fpsCounter++
	elapsed := time.Since(g.fpsTimer)
	if elapsed >= 500*time.Millisecond {
		g.currentFPS = float64(g.fpsCounter) / elapsed.Seconds()
		g.fpsCounter = 0
		g.fpsTimer = time.Now()
	}
}

func (g *NESGUI) updateWindowTitle() {
	g.window.SetTitle(fmt.Sprintf("%s - FPS: %.1f", WindowTitle, g.currentFPS))
}
