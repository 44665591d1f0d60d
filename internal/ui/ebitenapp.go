package ui

import (
	"github.com/hajimehoshi/ebiten/v2"

	"github.com/ninefold/dmgcore/internal/emu"
)

// App is a thin ebiten.Game wrapper: it blits the Machine's framebuffer
// each frame and maps keyboard state onto the joypad. Menus, save-state
// slots, settings persistence, and audio are host-shell product surface
// and live outside this core.
type App struct {
	m   *emu.Machine
	tex *ebiten.Image
}

// NewApp wires a Machine to an ebiten.Game; call Run to open the window.
func NewApp(cfg Config, m *emu.Machine) *App {
	cfg.Defaults()
	ebiten.SetWindowSize(160*cfg.Scale, 144*cfg.Scale)
	ebiten.SetWindowTitle(cfg.Title)
	return &App{m: m}
}

// Run opens the window and blocks until it's closed.
func (a *App) Run() error { return ebiten.RunGame(a) }

func (a *App) Update() error {
	a.m.SetButtons(emu.Buttons{
		Right: ebiten.IsKeyPressed(ebiten.KeyRight),
		Left:  ebiten.IsKeyPressed(ebiten.KeyLeft),
		Up:    ebiten.IsKeyPressed(ebiten.KeyUp),
		Down:  ebiten.IsKeyPressed(ebiten.KeyDown),
		A:     ebiten.IsKeyPressed(ebiten.KeyZ),
		B:     ebiten.IsKeyPressed(ebiten.KeyX),
		Start: ebiten.IsKeyPressed(ebiten.KeyEnter),
		Select: ebiten.IsKeyPressed(ebiten.KeyShiftRight) ||
			ebiten.IsKeyPressed(ebiten.KeyShiftLeft),
	})
	a.m.StepFrame()
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(160, 144)
	}
	a.tex.WritePixels(a.m.Framebuffer())
	screen.DrawImage(a.tex, nil)
}

func (a *App) Layout(outsideWidth, outsideHeight int) (int, int) { return 160, 144 }
