package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	// Registers the synthetic camera driver used by --camera.
	_ "github.com/pion/mediadevices/pkg/driver/videotest"

	"github.com/mikeyg42/hwvideo/internal/config"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/framestream"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/mediacodec/sim"
	"github.com/mikeyg42/hwvideo/internal/pipeline"
	"github.com/mikeyg42/hwvideo/internal/sink"
)

// backends maps --backend names to codec factories. Building with the
// gstreamer tag adds "gst".
var backends = map[string]func(logger encoderlog.Logger, failHW bool) mediacodec.Factory{
	"sim": func(_ encoderlog.Logger, failHW bool) mediacodec.Factory {
		failures := 0
		if failHW {
			failures = -1
		}
		return sim.NewFactory(sim.Options{ConfigHeader: sim.DefaultConfigHeader}, failures)
	},
}

// Application holds all components
type Application struct {
	config   config.Config
	logger   encoderlog.Logger
	pipeline *pipeline.Pipeline
	peer     *webrtc.PeerConnection
	closers  []func()
}

func main() {
	var (
		configPath  string
		writeConfig string
		codec       string
		duration    time.Duration
		logLevel    string
		rtpAddr     string
		surface     bool
		printOffer  bool
		failHW      bool
		backend     string
		preset      string
	)
	pflag.StringVarP(&configPath, "config", "f", "", "YAML config file")
	pflag.StringVar(&writeConfig, "write-config", "", "Write the effective config to this path and exit")
	pflag.StringVarP(&codec, "codec", "c", "", "Video codec (h264, h265, vp8, vp9, av1)")
	pflag.DurationVarP(&duration, "duration", "d", 10*time.Second, "How long to run, 0 for until interrupted")
	pflag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pflag.StringVar(&rtpAddr, "rtp", "", "Send RTP to this UDP address")
	pflag.BoolVar(&surface, "surface", false, "Start the encoder in surface mode")
	pflag.BoolVar(&printOffer, "print-offer", false, "Attach the WebRTC track to a peer connection and print its SDP offer")
	pflag.BoolVar(&failHW, "fail-hardware", false, "Make the simulated codec unavailable to exercise software fallback")
	pflag.StringVarP(&preset, "preset", "p", "", "Quality preset, for example 720p@30")
	pflag.StringVar(&backend, "backend", "sim", "Codec backend (sim, or gst when built with -tags gstreamer)")
	pflag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if codec != "" {
		cfg.Encoder.Codec = codec
	}
	if preset != "" {
		if err := cfg.ApplyPreset(preset); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if rtpAddr != "" {
		cfg.Sinks.RTP.Enabled = true
		cfg.Sinks.RTP.Address = rtpAddr
	}
	if printOffer {
		cfg.Sinks.Track.Enabled = true
	}
	newFactory, ok := backends[backend]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown backend %q\n", backend)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if writeConfig != "" {
		if err := cfg.Save(writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := encoderlog.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	encoderlog.ReplaceGlobal(logger)
	defer encoderlog.Sync(logger)

	app, err := NewApplication(cfg, logger, newFactory(logger, failHW), surface)
	if err != nil {
		logger.Error("failed to create application", encoderlog.Error(err))
		os.Exit(1)
	}
	defer app.Cleanup()

	if printOffer {
		if err := app.printOffer(); err != nil {
			logger.Error("failed to create offer", encoderlog.Error(err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := app.pipeline.Run(ctx); err != nil {
		logger.Error("pipeline failed", encoderlog.Error(err))
		os.Exit(1)
	}
	app.report()
}

func NewApplication(cfg config.Config, logger encoderlog.Logger, factory mediacodec.Factory, surface bool) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	reader, err := app.openReader()
	if err != nil {
		return nil, err
	}
	source := framestream.NewSource(reader,
		framestream.WithSize(cfg.Video.Width, cfg.Video.Height),
		framestream.WithSourceLogger(logger.Named("source")))

	sinks, err := app.buildSinks()
	if err != nil {
		app.Cleanup()
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if surface {
		opts = append(opts, pipeline.WithSharedContext(sim.NewContext()))
	}
	p, err := pipeline.New(factory, source, sinks, cfg, opts...)
	if err != nil {
		for _, s := range sinks {
			s.Close()
		}
		app.Cleanup()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	app.pipeline = p

	lo, hi := cfg.BitrateBand()
	logger.Info("pipeline configured",
		encoderlog.String("codec", cfg.Encoder.Codec),
		encoderlog.String("preset", cfg.Video.Preset),
		encoderlog.Int("width", cfg.Video.Width),
		encoderlog.Int("height", cfg.Video.Height),
		encoderlog.Float64("fps", cfg.Video.FrameRate),
		encoderlog.Int("bitrate_kbps", cfg.Video.BitrateKbps),
		encoderlog.Int("band_min_kbps", lo),
		encoderlog.Int("band_max_kbps", hi))
	return app, nil
}

// openReader returns the configured frame reader.
func (app *Application) openReader() (video.Reader, error) {
	v := app.config.Video
	if v.Source == "camera" {
		r, closeCamera, err := framestream.OpenCamera(v.DeviceID, v.Width, v.Height, v.FrameRate)
		if err != nil {
			return nil, fmt.Errorf("failed to open camera: %w", err)
		}
		app.closers = append(app.closers, closeCamera)
		return r, nil
	}
	return testPattern(v.Width, v.Height, v.FrameRate), nil
}

func (app *Application) buildSinks() ([]framestream.Sink, error) {
	cfg := app.config
	mime, err := config.MimeFor(cfg.Encoder.Codec)
	if err != nil {
		return nil, err
	}

	var sinks []framestream.Sink
	fail := func(err error) ([]framestream.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if cfg.Sinks.WebM.Enabled {
		s, err := sink.NewWebMFileSink(cfg.Sinks.WebM.OutputPath, sink.WebMConfig{
			Mime:      mime,
			FrameRate: cfg.Video.FrameRate,
		}, app.logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Sinks.RTP.Enabled {
		conn, err := net.Dial("udp", cfg.Sinks.RTP.Address)
		if err != nil {
			return fail(fmt.Errorf("failed to dial rtp destination: %w", err))
		}
		s, err := sink.NewRTPSink(conn, sink.RTPConfig{
			Mime:        mime,
			MTU:         cfg.Sinks.RTP.MTU,
			PayloadType: cfg.Sinks.RTP.PayloadType,
			SSRC:        cfg.Sinks.RTP.SSRC,
			FrameRate:   cfg.Video.FrameRate,
		}, app.logger)
		if err != nil {
			conn.Close()
			return fail(err)
		}
		sinks = append(sinks, s)
	}

	if cfg.Sinks.Track.Enabled {
		s, err := sink.NewTrackSink(sink.TrackConfig{
			Mime:      mime,
			TrackID:   cfg.Sinks.Track.TrackID,
			StreamID:  cfg.Sinks.Track.StreamID,
			FrameRate: cfg.Video.FrameRate,
		}, app.logger)
		if err != nil {
			return fail(err)
		}
		peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return fail(fmt.Errorf("failed to create peer connection: %w", err))
		}
		app.peer = peer
		if _, err := peer.AddTrack(s.Track()); err != nil {
			return fail(fmt.Errorf("failed to add track: %w", err))
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// printOffer gathers candidates and writes the offer SDP to stdout.
func (app *Application) printOffer() error {
	if app.peer == nil {
		return fmt.Errorf("no peer connection")
	}
	offer, err := app.peer.CreateOffer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(app.peer)
	if err := app.peer.SetLocalDescription(offer); err != nil {
		return err
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		app.logger.Warn("ice gathering incomplete, printing partial offer")
	}
	fmt.Println(app.peer.LocalDescription().SDP)
	return nil
}

func (app *Application) report() {
	st := app.pipeline.Stats()
	app.logger.Info("run complete",
		encoderlog.String("pipeline", st.ID),
		encoderlog.String("encoder", st.Implementation),
		encoderlog.Int64("encoded", st.Encoded),
		encoderlog.Int64("dropped_input", st.DroppedInput),
		encoderlog.Int64("no_output", st.NoOutput),
		encoderlog.Int64("errors", st.Errors),
		encoderlog.Int64("key_requests", st.KeyRequests),
		encoderlog.Int("skip_ratio", st.Backpressure.SkipRatio),
		encoderlog.Uint64("soft_recoveries", st.Encoder.SoftRecoveries),
		encoderlog.Uint64("hard_resets", st.Encoder.HardResets),
		encoderlog.Uint64("bytes", st.Encoder.BytesEmitted))
}

func (app *Application) Cleanup() {
	if app.peer != nil {
		app.peer.Close()
	}
	for _, c := range app.closers {
		c()
	}
}

// testPattern returns a reader that paints a moving gradient at fps.
func testPattern(width, height int, fps float64) video.Reader {
	interval := time.Duration(float64(time.Second) / fps)
	next := time.Now()
	frame := 0
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	return video.ReaderFunc(func() (image.Image, func(), error) {
		if wait := time.Until(next); wait > 0 {
			time.Sleep(wait)
		}
		next = next.Add(interval)
		shift := frame * 4
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: uint8(x + shift),
					G: uint8(y + shift/2),
					B: uint8(frame),
					A: 0xff,
				})
			}
		}
		frame++
		return img, nil, nil
	})
}
