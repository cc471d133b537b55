// Package egl is the narrow GPU boundary used by surface-mode encoding:
// a shared context that can bind to a codec input surface, and a drawer that
// blits a frame into whatever surface is current.
package egl

import (
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// SharedContext is the application's rendering context. Encoders create a
// surface-bound Base from it so textures produced elsewhere are visible.
type SharedContext interface {
	CreateBase(surface mediacodec.Surface) (Base, error)
	NewDrawer() (Drawer, error)
}

// Base is a rendering context bound to one codec input surface.
type Base interface {
	MakeCurrent() error
	// SwapBuffers publishes the drawn picture to the surface with the given
	// presentation timestamp.
	SwapBuffers(presentationTimeNs int64) error
	Release()
}

// Drawer renders a frame buffer into the current surface. It accepts both
// buffer kinds; I420 buffers are uploaded before drawing.
type Drawer interface {
	DrawFrame(buf videoframe.Buffer, viewportWidth, viewportHeight int) error
	Release()
}
