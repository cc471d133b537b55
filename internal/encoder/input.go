package encoder

import (
	"fmt"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// encodeByteBuffer copies the frame into a codec input buffer honouring the
// codec's stride and slice height. Texture frames are read back first.
func (e *HardwareVideoEncoder) encodeByteBuffer(frame *videoframe.Frame, meta pendingFrame) Status {
	pixels, done, err := toI420(frame.Buffer)
	if err != nil {
		e.logger.Warn("frame has no CPU pixels", encoderlog.Error(err))
		return StatusNoOutput
	}
	defer done()

	layout := e.sess.inputLayout()
	if err := layout.Validate(meta.width, meta.height); err != nil {
		return e.recoverFromFault(codecError("input layout", err))
	}

	idx, err := e.sess.dequeueInput()
	if err != nil {
		return e.recoverFromFault(err)
	}
	if idx < 0 {
		e.stats.noInputBuffer.Add(1)
		e.logger.Debug("no free input buffer, dropping frame")
		return StatusNoOutput
	}
	buf, err := e.sess.inputBuffer(idx)
	if err != nil {
		return e.recoverFromFault(err)
	}
	n, err := pixels.CopyTo(buf, layout)
	if err != nil {
		return e.recoverFromFault(codecError("fill input", err))
	}
	if err := e.sess.queueInput(idx, n, meta.ptsUs); err != nil {
		return e.recoverFromFault(err)
	}
	return StatusOK
}

// encodeTexture renders the frame into the codec's input surface. I420
// frames are uploaded by the drawer.
func (e *HardwareVideoEncoder) encodeTexture(frame *videoframe.Frame, meta pendingFrame) Status {
	if err := e.eglBase.MakeCurrent(); err != nil {
		return e.recoverFromFault(codecError("make current", err))
	}
	if err := e.drawer.DrawFrame(frame.Buffer, meta.width, meta.height); err != nil {
		e.logger.Warn("draw frame failed", encoderlog.Error(err))
		return StatusError
	}
	if err := e.eglBase.SwapBuffers(meta.ptsUs * 1000); err != nil {
		return e.recoverFromFault(codecError("swap buffers", err))
	}
	return StatusOK
}

// toI420 returns CPU pixels for buf and a func that frees any readback copy.
func toI420(buf videoframe.Buffer) (*videoframe.I420Buffer, func(), error) {
	switch b := buf.(type) {
	case *videoframe.I420Buffer:
		return b, func() {}, nil
	case *videoframe.TextureBuffer:
		out, err := b.ToI420()
		if err != nil {
			return nil, nil, err
		}
		return out, out.Release, nil
	default:
		return nil, nil, fmt.Errorf("unsupported buffer %T", buf)
	}
}
