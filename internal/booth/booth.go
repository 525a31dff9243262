// Package booth runs one side of a photobooth session. Host and Guest each own
// a single event loop: signaling messages, local commands, timer ticks and the
// results of background work are all serialised onto it.
package booth

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/capture"
	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/composite"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/media"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/session"
	"github.com/ent0n29/pairbooth/internal/upload"
)

var (
	ErrNotRunning     = errors.New("booth loop is not running")
	ErrAlreadyRunning = errors.New("booth loop already running")
	ErrHostLeft       = errors.New("host left the session")
	ErrJoinRejected   = errors.New("join rejected")
)

// Transport is the peer media channel. Remote yields the other side's live
// frames; ReArm drops the current peer and waits for a new one while the local
// stream keeps running.
type Transport interface {
	Remote() media.Source
	ReArm(ctx context.Context) error
}

// MailboxTransport is a Transport backed by a frame mailbox that the media
// layer publishes decoded peer frames into.
type MailboxTransport struct {
	Peer *media.Mailbox
}

func NewMailboxTransport() *MailboxTransport {
	return &MailboxTransport{Peer: media.NewMailbox()}
}

func (t *MailboxTransport) Remote() media.Source { return t.Peer }

func (t *MailboxTransport) ReArm(context.Context) error {
	t.Peer.Reset()
	return nil
}

// Config holds the knobs shared by both sides.
type Config struct {
	RoomID string
	UserID string
	// Width and Height size the preview and record surfaces.
	Width  int
	Height int
	// PreviewBlur blurs the other party in the local preview only.
	PreviewBlur int
	// Tick is one countdown second.
	Tick time.Duration
	// SettingsRefresh is how often the Host rebroadcasts its full settings.
	SettingsRefresh time.Duration
	// SelectionTimeout bounds how long the Host waits for the Guest's
	// selection before choosing the lowest complete shots itself.
	SelectionTimeout time.Duration
	// SendTimeout is how long a send may stall before it is logged.
	SendTimeout time.Duration
	Overlay     image.Image
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.SettingsRefresh <= 0 {
		c.SettingsRefresh = 5 * time.Second
	}
	if c.SelectionTimeout <= 0 {
		c.SelectionTimeout = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 600 * time.Millisecond
	}
	return c
}

// Deps are the collaborators a side is built from. Composer is used by the
// Host only.
type Deps struct {
	Local     media.Source
	Transport Transport
	Recorder  recorder.Config
	Uploader  *upload.Uploader
	Composer  *compose.Composer
	Logger    *zap.Logger
}

type command struct {
	fn    func() error
	reply chan error
}

// loop holds the plumbing both coordinators share.
type loop struct {
	cfg     Config
	logger  *zap.Logger
	machine *session.Machine

	cmds    chan command
	events  chan any
	done    chan struct{}
	out     chan<- protocol.Message
	ctx     context.Context
	running atomic.Bool
}

func newLoop(cfg Config, logger *zap.Logger) *loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &loop{
		cfg:     cfg,
		logger:  logger,
		machine: session.NewMachine(logger),
		cmds:    make(chan command),
		events:  make(chan any, 64),
		done:    make(chan struct{}),
	}
}

// start binds the loop to its run context. A loop runs at most once.
func (l *loop) start(ctx context.Context, out chan<- protocol.Message) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.ctx = ctx
	l.out = out
	return nil
}

// do runs fn on the event loop and returns its error.
func (l *loop) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case l.cmds <- cmd:
	case <-l.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-l.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands the result of background work back to the loop.
func (l *loop) post(ev any) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// send delivers msg to the signaling channel. Both sides reduce the same
// ordered stream, so a message is never dropped: a slow channel is waited on
// until the run context ends, with a warning once SendTimeout has passed.
func (l *loop) send(msg protocol.Message) {
	if l.out == nil {
		return
	}
	select {
	case l.out <- msg:
		return
	case <-l.ctx.Done():
		return
	default:
	}
	timer := time.NewTimer(l.cfg.SendTimeout)
	defer timer.Stop()
	for {
		select {
		case l.out <- msg:
			return
		case <-timer.C:
			l.logger.Warn("signaling channel slow, still sending", zap.String("type", string(msg.Kind())), zap.String("room_id", l.cfg.RoomID))
		case <-l.ctx.Done():
			return
		}
	}
}

// apply reduces msg into the local machine and reports rejected transitions.
func (l *loop) apply(msg protocol.Message) (session.State, error) {
	st, err := l.machine.Apply(msg)
	if err != nil {
		l.logger.Warn("message rejected", zap.String("type", string(msg.Kind())), zap.String("phase", string(st.Phase)), zap.Error(err))
	}
	return st, err
}

// broadcast applies msg locally and then sends it to the peer.
func (l *loop) broadcast(msg protocol.Message) (session.State, error) {
	st, err := l.apply(msg)
	if err != nil {
		return st, err
	}
	l.send(msg)
	return st, nil
}

func (l *loop) header() protocol.Header {
	return protocol.Header{RoomID: l.cfg.RoomID}
}

// State returns the side's current state machine view.
func (l *loop) State() session.State {
	return l.machine.State()
}

func (l *loop) Phase() session.Phase {
	return l.machine.Phase()
}

func errorMessage(h protocol.Header, code string, err error, retryable bool) protocol.Error {
	return protocol.Error{Header: h, Code: code, Detail: err.Error(), Retryable: retryable}
}

// errorCode maps an error to the machine-readable code sent to the peer.
func errorCode(err error) (string, bool) {
	var missing *compose.MissingSegmentsError
	var svc *compose.ServiceError
	switch {
	case errors.As(err, &missing):
		return compose.ReasonMissingSegments, true
	case errors.Is(err, session.ErrPrecondition):
		return "precondition", false
	case errors.As(err, &svc):
		return svc.Reason, svc.Reason != compose.ReasonInvalidLayout
	case errors.Is(err, compose.ErrComposeFailed):
		return "compose-failed", true
	default:
		return "internal", false
	}
}

// LayoutSettings is the frame-layout broadcast for l.
func LayoutSettings(l layout.FrameLayout) protocol.LayoutSettings {
	return protocol.LayoutSettings{LayoutID: l.ID, SlotCount: l.SlotCount, Layout: l}
}

// keyers holds the chroma key processor of each surface. Both are fed the
// same settings; each output buffer is read by one surface only.
type keyers struct {
	preview *chromakey.Processor
	record  *chromakey.Processor
}

func newKeyers(s chromakey.Settings) keyers {
	return keyers{preview: chromakey.NewProcessor(s), record: chromakey.NewProcessor(s)}
}

func (k keyers) SetSettings(s chromakey.Settings) {
	k.preview.SetSettings(s)
	k.record.SetSettings(s)
}

// Reset drops the keyed peer frame both surfaces would otherwise keep showing.
func (k keyers) Reset() {
	k.preview.Reset()
	k.record.Reset()
}

// surfaces builds the preview and record surfaces over the same streams.
func surfaces(cfg Config, background, foreground media.Source, k keyers) (preview, record *composite.Surface) {
	preview = composite.New(composite.Preview, cfg.Width, cfg.Height, background, foreground, k.preview)
	record = composite.New(composite.Record, cfg.Width, cfg.Height, background, foreground, k.record)
	preview.SetOverlay(cfg.Overlay)
	record.SetOverlay(cfg.Overlay)
	return preview, record
}

// surfaceOptions maps display settings onto a surface. Both sides render the
// Host stream as background and the keyed Guest stream as foreground.
func surfaceOptions(s protocol.HostSettings, blur int) composite.Options {
	return composite.Options{
		BackgroundMirror: s.HostDisplay.MirrorHorizontal,
		ForegroundMirror: s.GuestDisplay.MirrorHorizontal,
		BlurRadius:       blur,
	}
}

// latestImage returns the source's current frame, or nil.
func latestImage(src media.Source) image.Image {
	f, ok := src.Latest()
	if !ok || f.Image == nil {
		return nil
	}
	return f.Image
}

// segmentSink uploads recorded segments under capture generation gen.
func segmentSink(deps Deps, gen uint64) func(recorder.Segment) {
	return func(seg recorder.Segment) {
		if deps.Uploader != nil {
			deps.Uploader.Submit(gen, seg)
		}
	}
}

func buildSnapshot(st session.State, cs *capture.Session, art *protocol.VideoFrameReady) session.Snapshot {
	snap := session.Snapshot{
		GuestID:    st.GuestID,
		Phase:      st.Phase,
		LayoutID:   st.Settings.Layout.LayoutID,
		TotalShots: st.TotalShots(),
		LastShot:   st.LastShot,
		Settings:   st.Settings,
		Selection:  st.Selection,
	}
	if cs != nil {
		snap.CapturedShots = cs.CompleteShots()
	}
	if art != nil {
		cp := *art
		snap.Artifact = &cp
	}
	return snap
}
