//go:build gstreamer

package main

import (
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/mediacodec/gstcodec"
)

func init() {
	backends["gst"] = func(logger encoderlog.Logger, _ bool) mediacodec.Factory {
		return gstcodec.NewFactory(logger)
	}
}
