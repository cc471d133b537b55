package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/hwvideo/internal/egl"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// Factory creates simulated codecs and remembers them for inspection.
type Factory struct {
	Options Options

	mu        sync.Mutex
	failures  int
	created   []*Codec
	attempted int
}

// NewFactory returns a factory whose first failCreate attempts fail.
func NewFactory(opts Options, failCreate int) *Factory {
	return &Factory{Options: opts, failures: failCreate}
}

func (f *Factory) CreateByCodecName(name string) (mediacodec.Codec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempted++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, fmt.Errorf("create %q: %w", name, mediacodec.ErrCodecUnavailable)
	}
	opts := f.Options
	if name != "" {
		opts.Name = name
	}
	c := NewCodec(opts)
	f.created = append(f.created, c)
	return c, nil
}

// Created returns every codec handed out so far.
func (f *Factory) Created() []*Codec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Codec(nil), f.created...)
}

// Last returns the most recently created codec, or nil.
func (f *Factory) Last() *Codec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Attempts is the number of create calls, failed ones included.
func (f *Factory) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempted
}

// Surface is the simulated codec input surface.
type Surface struct {
	codec    *Codec
	released atomic.Bool
}

func (s *Surface) Release() { s.released.Store(true) }

// Context is a simulated shared GPU context. Drawing marks the bound
// surface dirty; swapping submits the picture to the codec.
type Context struct {
	mu    sync.Mutex
	drawn map[videoframe.Kind]int
	dirty bool
}

// NewContext returns a simulated shared context.
func NewContext() *Context {
	return &Context{drawn: make(map[videoframe.Kind]int)}
}

func (x *Context) CreateBase(surface mediacodec.Surface) (egl.Base, error) {
	s, ok := surface.(*Surface)
	if !ok || s == nil {
		return nil, fmt.Errorf("sim context: foreign surface %T", surface)
	}
	return &base{ctx: x, surface: s}, nil
}

func (x *Context) NewDrawer() (egl.Drawer, error) {
	return &drawer{ctx: x}, nil
}

// Drawn reports how many buffers of each kind were drawn.
func (x *Context) Drawn(kind videoframe.Kind) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.drawn[kind]
}

type base struct {
	ctx      *Context
	surface  *Surface
	released bool
}

func (b *base) MakeCurrent() error {
	if b.released || b.surface.released.Load() {
		return fmt.Errorf("make current: %w", mediacodec.ErrIllegalState)
	}
	return nil
}

func (b *base) SwapBuffers(presentationTimeNs int64) error {
	b.ctx.mu.Lock()
	dirty := b.ctx.dirty
	b.ctx.dirty = false
	b.ctx.mu.Unlock()
	if !dirty {
		return fmt.Errorf("swap without draw: %w", mediacodec.ErrIllegalState)
	}
	return b.surface.codec.submitSurface(presentationTimeNs / 1000)
}

func (b *base) Release() { b.released = true }

type drawer struct {
	ctx *Context
}

func (d *drawer) DrawFrame(buf videoframe.Buffer, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("draw: empty viewport %dx%d", w, h)
	}
	d.ctx.mu.Lock()
	d.ctx.drawn[buf.Kind()]++
	d.ctx.dirty = true
	d.ctx.mu.Unlock()
	return nil
}

func (d *drawer) Release() {}
