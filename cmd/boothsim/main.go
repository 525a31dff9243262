package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pairbooth/internal/booth"
	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/logging"
	"github.com/ent0n29/pairbooth/internal/media"
	"github.com/ent0n29/pairbooth/internal/observability"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/session"
	"github.com/ent0n29/pairbooth/internal/signaling"
	"github.com/ent0n29/pairbooth/internal/upload"
)

type options struct {
	baseURL      string
	roomID       string
	hostID       string
	layoutID     string
	layoutsFile  string
	guests       int
	width        int
	height       int
	fps          int
	tick         time.Duration
	recordingSec int
	intervalSec  int
	stepTimeout  time.Duration
	timeout      time.Duration
	logLevel     string
	verbose      bool
}

var greenKey = color.NRGBA{G: 255, A: 255}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boothsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "boothsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var tickMS int
	var stepTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "pairbooth base URL")
	flag.StringVar(&cfg.roomID, "room", "sim-room", "room id opened by the simulated host")
	flag.StringVar(&cfg.hostID, "host-id", "sim-host", "user id of the simulated host")
	flag.StringVar(&cfg.layoutID, "layout", "strip-2", "frame layout id")
	flag.StringVar(&cfg.layoutsFile, "layouts-file", "", "optional layout catalog JSON (defaults to the built-in layouts)")
	flag.IntVar(&cfg.guests, "guests", 1, "number of guests served one after another")
	flag.IntVar(&cfg.width, "width", 640, "surface width in pixels")
	flag.IntVar(&cfg.height, "height", 360, "surface height in pixels")
	flag.IntVar(&cfg.fps, "fps", 15, "synthetic camera frame rate")
	flag.IntVar(&tickMS, "tick-ms", 250, "length of one countdown second in milliseconds")
	flag.IntVar(&cfg.recordingSec, "recording-sec", 3, "countdown seconds per shot")
	flag.IntVar(&cfg.intervalSec, "interval-sec", 1, "pause seconds between shots")
	flag.IntVar(&stepTimeoutMS, "step-timeout-ms", 60000, "timeout per session phase in milliseconds")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Minute, "overall run timeout")
	flag.StringVar(&cfg.logLevel, "log-level", "warn", "log level for booth internals")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print session progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.roomID) == "" {
		return options{}, fmt.Errorf("room is required")
	}
	if cfg.guests <= 0 {
		return options{}, fmt.Errorf("guests must be > 0")
	}
	if cfg.width < 16 || cfg.height < 16 {
		return options{}, fmt.Errorf("width and height must be >= 16")
	}
	if cfg.fps <= 0 || cfg.fps > 60 {
		return options{}, fmt.Errorf("fps must be in [1,60]")
	}
	if cfg.recordingSec < 1 {
		return options{}, fmt.Errorf("recording-sec must be >= 1")
	}
	if cfg.intervalSec < 0 {
		cfg.intervalSec = 0
	}
	if tickMS < 10 {
		tickMS = 10
	}
	if stepTimeoutMS < 1000 {
		stepTimeoutMS = 1000
	}
	cfg.tick = time.Duration(tickMS) * time.Millisecond
	cfg.stepTimeout = time.Duration(stepTimeoutMS) * time.Millisecond
	return cfg, nil
}

func loadLayout(cfg options) (layout.FrameLayout, error) {
	var (
		catalog *layout.Catalog
		err     error
	)
	if cfg.layoutsFile != "" {
		catalog, err = layout.LoadCatalog(cfg.layoutsFile)
	} else {
		catalog, err = layout.NewCatalog(layout.Defaults()...)
	}
	if err != nil {
		return layout.FrameLayout{}, err
	}
	return catalog.Get(cfg.layoutID)
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	logger, err := logging.New(logging.Options{Level: cfg.logLevel})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	l, err := loadLayout(cfg)
	if err != nil {
		return fmt.Errorf("load layout: %w", err)
	}

	api := compose.NewHTTPClient(cfg.baseURL, 45*time.Second)
	base := booth.Config{
		RoomID: cfg.roomID,
		Width:  cfg.width,
		Height: cfg.height,
		Tick:   cfg.tick,
	}
	recCfg := recorder.Config{FPS: cfg.fps}

	hostClient, err := signaling.Dial(ctx, cfg.baseURL, cfg.roomID, cfg.hostID, protocol.RoleHost, logger)
	if err != nil {
		return fmt.Errorf("open room: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hostClient.Run(gctx) })

	hostCam := media.NewMailbox()
	hostTransport := booth.NewMailboxTransport()
	g.Go(func() error { media.Pump(gctx, hostCam, cfg.fps, media.ColorBars(cfg.width, cfg.height)); return nil })
	g.Go(func() error {
		media.Pump(gctx, hostTransport.Peer, cfg.fps, media.KeyedSubject(cfg.width, cfg.height, greenKey, color.NRGBA{R: 220, G: 60, B: 60, A: 255}))
		return nil
	})

	hostUp := upload.NewUploader(gctx, api, upload.NewTracker(), upload.Options{Logger: logger})
	composer := compose.NewComposer(api, api, hostUp.Tracker(), compose.Config{}, logger)
	stages := observability.NewStageWindow(64, observability.DefaultStageTargets())
	composer.Observe(func(kind string, d time.Duration, err error) {
		stages.Observe("compose_"+kind, d)
		if err != nil {
			stages.ObserveIndicator("compose_failed:" + kind)
		}
	})
	hostCfg := base
	hostCfg.UserID = cfg.hostID
	settings := booth.DefaultHostSettings(l)
	settings.Timing = protocol.Timing{RecordingDurationSec: cfg.recordingSec, CaptureIntervalSec: cfg.intervalSec}
	host, err := booth.NewHost(hostCfg, settings, booth.Deps{
		Local:     hostCam,
		Transport: hostTransport,
		Recorder:  recCfg,
		Uploader:  hostUp,
		Composer:  composer,
		Logger:    logger,
	})
	if err != nil {
		_ = hostClient.Close()
		return fmt.Errorf("build host: %w", err)
	}
	g.Go(func() error { return host.Run(gctx, hostClient.Inbound(), hostClient.Outbound()) })

	g.Go(func() error {
		defer cancel()
		for i := 1; i <= cfg.guests; i++ {
			gc := base
			gc.UserID = fmt.Sprintf("sim-guest-%d", i)
			art, err := serveGuest(gctx, cfg, gc, recCfg, l, host, api, stages, logger)
			if err != nil {
				return fmt.Errorf("guest %d: %w", i, err)
			}
			fmt.Printf("boothsim: guest=%s video=%s photo=%s\n", gc.UserID, art.VideoURL, art.PhotoURL)
		}
		fmt.Printf("boothsim: room=%s completed=%d\n", cfg.roomID, host.CompletedCount())
		out, err := json.MarshalIndent(stages.Snapshot(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveGuest connects one guest and walks it through capture, selection and
// composition. The guest connection is closed on return.
func serveGuest(ctx context.Context, cfg options, gc booth.Config, recCfg recorder.Config, l layout.FrameLayout, host *booth.Host, api *compose.HTTPClient, stages *observability.StageWindow, logger *zap.Logger) (protocol.VideoFrameReady, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := waitFor(ctx, cfg.stepTimeout, "host waiting for guest", func() bool {
		return host.Phase() == session.PhaseWaitingForGuest
	}); err != nil {
		return protocol.VideoFrameReady{}, err
	}

	client, err := signaling.Dial(ctx, cfg.baseURL, gc.RoomID, gc.UserID, protocol.RoleGuest, logger)
	if err != nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("join room: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })

	guestCam := media.NewMailbox()
	transport := booth.NewMailboxTransport()
	subject := media.KeyedSubject(gc.Width, gc.Height, greenKey, color.NRGBA{R: 220, G: 60, B: 60, A: 255})
	g.Go(func() error { media.Pump(gctx, guestCam, cfg.fps, subject); return nil })
	g.Go(func() error { media.Pump(gctx, transport.Peer, cfg.fps, media.ColorBars(gc.Width, gc.Height)); return nil })

	guestUp := upload.NewUploader(gctx, api, upload.NewTracker(), upload.Options{Logger: logger})
	guest, err := booth.NewGuest(gc, booth.Deps{
		Local:     guestCam,
		Transport: transport,
		Recorder:  recCfg,
		Uploader:  guestUp,
		Logger:    logger,
	})
	if err != nil {
		cancel()
		_ = g.Wait()
		return protocol.VideoFrameReady{}, fmt.Errorf("build guest: %w", err)
	}
	g.Go(func() error { return guest.Run(gctx, client.Inbound(), client.Outbound()) })

	var art protocol.VideoFrameReady
	g.Go(func() error {
		defer cancel()
		var err error
		art, err = driveSession(gctx, cfg, l, host, guest, gc.UserID, stages)
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return protocol.VideoFrameReady{}, err
	}
	if art.VideoURL == "" {
		return protocol.VideoFrameReady{}, fmt.Errorf("session ended without a video")
	}
	return art, nil
}

func driveSession(ctx context.Context, cfg options, l layout.FrameLayout, host *booth.Host, guest *booth.Guest, guestID string, stages *observability.StageWindow) (protocol.VideoFrameReady, error) {
	logf := func(format string, args ...any) {
		if cfg.verbose {
			fmt.Printf("boothsim: "+format+"\n", args...)
		}
	}

	if err := waitFor(ctx, cfg.stepTimeout, "guest admission", func() bool {
		return host.Phase() == session.PhaseGuestConnected && guest.Phase() == session.PhaseGuestConnected
	}); err != nil {
		return protocol.VideoFrameReady{}, err
	}
	logf("guest=%s admitted layout=%s shots=%d", guestID, l.ID, l.TotalShots())

	started := time.Now()
	if err := host.StartCapture(ctx); err != nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("start capture: %w", err)
	}
	if err := waitFor(ctx, cfg.stepTimeout, "photo merge", func() bool {
		return guest.Phase() == session.PhaseProcessing && len(guest.Selectable()) == l.TotalShots()
	}); err != nil {
		return protocol.VideoFrameReady{}, err
	}
	stages.Observe("capture_round", time.Since(started))
	logf("captured %d shots in %s", l.TotalShots(), time.Since(started).Round(time.Millisecond))

	shots := guest.Selectable()
	if len(shots) > l.SlotCount {
		shots = shots[:l.SlotCount]
	}
	if err := guest.Select(ctx, shots); err != nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("select: %w", err)
	}
	if err := guest.Confirm(ctx); err != nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("confirm: %w", err)
	}
	logf("selected shots=%v", shots)

	composed := time.Now()
	if err := waitFor(ctx, cfg.stepTimeout, "composition", func() bool {
		return host.Phase() == session.PhaseCompleted && guest.Phase() == session.PhaseCompleted
	}); err != nil {
		if e, ok := guest.LastError(); ok {
			return protocol.VideoFrameReady{}, fmt.Errorf("%w (last error %s: %s)", err, e.Code, e.Detail)
		}
		return protocol.VideoFrameReady{}, err
	}
	logf("composed in %s", time.Since(composed).Round(time.Millisecond))

	snap := guest.Snapshot()
	if snap.Artifact == nil {
		snap = host.Snapshot()
	}
	if snap.Artifact == nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("completed without artifact")
	}
	art := *snap.Artifact

	// Release the guest before its connection drops so the hub does not
	// report it as leaving a completed session.
	if err := host.PrepareNextGuest(ctx); err != nil {
		return protocol.VideoFrameReady{}, fmt.Errorf("prepare next guest: %w", err)
	}
	if err := waitFor(ctx, cfg.stepTimeout, "session restart", func() bool {
		return guest.Phase() != session.PhaseCompleted
	}); err != nil {
		return protocol.VideoFrameReady{}, err
	}
	return art, nil
}

func waitFor(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}
