package ui

// Config contains window/input settings for the thin presentation shell.
// Save-state UI, ROM pickers, and audio are host-shell product surface and
// out of scope here; this is deliberately just enough to put the PPU's
// framebuffer on screen and route keys to the joypad.
type Config struct {
	Title string // window title
	Scale int    // integer upscaling factor
}

// Defaults fills missing fields with reasonable defaults.
func (c *Config) Defaults() {
	if c.Title == "" {
		c.Title = "gbemu"
	}
	if c.Scale <= 0 {
		c.Scale = 3
	}
}
