package booth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/capture"
	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/composite"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/session"
)

type seqEvent struct {
	round uint64
	ev    capture.Event
}

type seqDone struct {
	round uint64
	err   error
}

type photosReady struct {
	round  uint64
	photos []protocol.MergedPhoto
	err    error
}

type composeDone struct {
	round uint64
	shots []int
	art   compose.Artifact
	err   error
	auto  bool
}

type selectionExpired struct {
	round uint64
}

// Host is the authoritative side. It owns the settings, admits guests, drives
// the capture sequence and composes the final artifact.
type Host struct {
	*loop
	deps      Deps
	lifecycle *session.GuestLifecycle
	keyers    keyers
	preview   *composite.Surface
	record    *composite.Surface

	// Loop-owned.
	settings  protocol.HostSettings
	round     uint64
	rec       *recorder.Recorder
	cancelSeq context.CancelFunc
	composing bool
	selTimer  *time.Timer

	mu        sync.Mutex
	id        string
	capture   *capture.Session
	artifact  *protocol.VideoFrameReady
	startedAt time.Time
}

// DefaultHostSettings builds the settings a Host starts with for l.
func DefaultHostSettings(l layout.FrameLayout) protocol.HostSettings {
	return protocol.HostSettings{
		ChromaKey: chromakey.DefaultSettings(),
		Layout:    LayoutSettings(l),
		Timing:    protocol.DefaultTiming(),
	}
}

func NewHost(cfg Config, settings protocol.HostSettings, deps Deps) (*Host, error) {
	if err := settings.Layout.Layout.Validate(); err != nil {
		return nil, err
	}
	if deps.Local == nil || deps.Transport == nil {
		return nil, errors.New("host needs a local source and a transport")
	}
	cfg = cfg.withDefaults()
	settings.ChromaKey = settings.ChromaKey.Clamped()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("host").With(zap.String("room_id", cfg.RoomID))

	h := &Host{
		loop:      newLoop(cfg, logger),
		deps:      deps,
		lifecycle: session.NewGuestLifecycle(),
		keyers:    newKeyers(settings.ChromaKey),
		settings:  settings,
		id:        uuid.NewString(),
	}
	h.preview, h.record = surfaces(cfg, deps.Local, deps.Transport.Remote(), h.keyers)
	h.applySurfaceOptions()
	return h, nil
}

// Preview is the on-screen surface; the guest layer is blurred by PreviewBlur.
func (h *Host) Preview() *composite.Surface { return h.preview }

// Run is the Host event loop. inbound carries messages from the Guest;
// outbound is the signaling channel towards it.
func (h *Host) Run(ctx context.Context, inbound <-chan protocol.Message, outbound chan<- protocol.Message) error {
	if err := h.start(ctx, outbound); err != nil {
		return err
	}
	defer close(h.done)
	defer h.teardown()

	if up := h.deps.Uploader; up != nil {
		up.SetIdentity(h.cfg.RoomID, h.cfg.UserID)
	}
	h.mu.Lock()
	h.startedAt = time.Now().UTC()
	h.mu.Unlock()

	h.broadcastSettings()
	if _, err := h.broadcast(protocol.WaitingForGuest{Header: h.header()}); err != nil {
		return err
	}

	refresh := time.NewTicker(h.cfg.SettingsRefresh)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			h.handle(msg)
		case cmd := <-h.cmds:
			cmd.reply <- cmd.fn()
		case ev := <-h.events:
			h.handleEvent(ev)
		case <-refresh.C:
			h.broadcastSettings()
		}
	}
}

func (h *Host) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Join:
		h.admit(m)
	case protocol.GuestLeft:
		h.guestLeft(m)
	case protocol.PhotoSelectSync:
		_, _ = h.apply(m)
	case protocol.VideoFrameRequest:
		h.videoFrameRequest(m)
	case protocol.Error:
		h.logger.Warn("guest reported error", zap.String("code", m.Code), zap.String("detail", m.Detail))
	default:
		h.logger.Debug("ignoring guest message", zap.String("type", string(msg.Kind())))
	}
}

func (h *Host) admit(m protocol.Join) {
	if m.Role != protocol.RoleGuest {
		return
	}
	if err := h.lifecycle.Admit(m.UserID); err != nil {
		h.reject(m.UserID, err.Error())
		return
	}
	st := h.State()
	if st.GuestID == m.UserID {
		// Duplicate join from the admitted guest.
		if st.Phase == session.PhaseGuestConnected {
			h.send(protocol.GuestJoined{Header: h.header(), GuestID: m.UserID, HostSettings: h.settings})
		}
		return
	}
	if st.Phase != session.PhaseWaitingForGuest {
		h.lifecycle.Leave(m.UserID)
		h.reject(m.UserID, fmt.Sprintf("session is %s", st.Phase))
		return
	}
	if _, err := h.broadcast(protocol.GuestJoined{Header: h.header(), GuestID: m.UserID, HostSettings: h.settings}); err != nil {
		h.lifecycle.Leave(m.UserID)
		return
	}
	h.logger.Info("guest admitted", zap.String("guest_id", m.UserID))
}

func (h *Host) reject(userID, reason string) {
	h.logger.Info("guest rejected", zap.String("guest_id", userID), zap.String("reason", reason))
	h.send(protocol.JoinRejected{Header: h.header(), UserID: userID, Reason: reason})
}

func (h *Host) guestLeft(m protocol.GuestLeft) {
	if !h.lifecycle.Leave(m.GuestID) {
		h.logger.Debug("guest-left for unknown guest", zap.String("guest_id", m.GuestID))
		return
	}
	h.discardCapture("guest left")
	_, _ = h.apply(m)
	h.rearm(h.ctx)
	h.logger.Info("guest left", zap.String("guest_id", m.GuestID))
}

func (h *Host) videoFrameRequest(m protocol.VideoFrameRequest) {
	st := h.State()
	if st.Phase != session.PhaseProcessing {
		h.fail(fmt.Errorf("%w: video-frame-request in phase %s", session.ErrPrecondition, st.Phase))
		return
	}
	if h.composing {
		h.fail(fmt.Errorf("%w: composition already running", session.ErrPrecondition))
		return
	}
	sel, err := capture.NewSelection(m.SelectedShotNumbers, h.settings.Layout.SlotCount, h.settings.Layout.TotalShots())
	if err != nil {
		h.fail(err)
		return
	}
	if _, err := h.apply(m); err != nil {
		return
	}
	h.stopSelectionTimer()
	h.compose(sel, false)
}

// fail reports err to the Guest as an error message.
func (h *Host) fail(err error) {
	code, retryable := errorCode(err)
	h.send(errorMessage(h.header(), code, err, retryable))
}

func (h *Host) handleEvent(ev any) {
	switch e := ev.(type) {
	case seqEvent:
		if e.round == h.round {
			h.onSequencer(e.ev)
		}
	case seqDone:
		if e.round != h.round {
			return
		}
		h.cancelSeq = nil
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			h.logger.Error("capture sequence failed", zap.Error(e.err))
		}
	case photosReady:
		if e.round == h.round {
			h.onPhotosReady(e)
		}
	case composeDone:
		if e.round == h.round {
			h.onComposeDone(e)
		}
	case selectionExpired:
		if e.round == h.round {
			h.onSelectionExpired()
		}
	}
}

func (h *Host) onSequencer(ev capture.Event) {
	switch ev.Kind {
	case capture.EventCountdown:
		if _, err := h.broadcast(protocol.CountdownTick{Header: h.header(), CaptureID: h.currentCapture().ID(), ShotNumber: ev.Shot, Count: ev.Count}); err != nil {
			return
		}
		if timing := h.currentCapture().Timing(); ev.Count == timing.RecordingDurationSec {
			nominal := time.Duration(timing.RecordingDurationSec) * h.cfg.Tick
			if err := h.rec.Start(h.ctx, ev.Shot, nominal); err != nil {
				h.logger.Warn("segment recording not started", zap.Int("shot", ev.Shot), zap.Error(err))
			}
		}
	case capture.EventCaptureNow:
		st, err := h.broadcast(protocol.CaptureNow{Header: h.header(), ShotNumber: ev.Shot})
		if err != nil {
			return
		}
		h.takePhoto(ev.Shot)
		h.rec.StopAfter(ev.Shot, h.rec.StopDelay())
		if st.Phase == session.PhaseProcessing {
			h.mergePhotos()
		}
	case capture.EventDone:
		h.logger.Debug("capture sequence finished")
	}
}

func (h *Host) takePhoto(shot int) {
	cs := h.currentCapture()
	host := latestImage(h.deps.Local)
	guest := latestImage(h.deps.Transport.Remote())
	var merged image.Image
	if img, ok := h.record.Snapshot(); ok {
		merged = img
	}
	if err := cs.Record(shot, host, guest, merged); err != nil {
		h.logger.Warn("photo not recorded", zap.Int("shot", shot), zap.Error(err))
	}
}

// mergePhotos encodes every complete shot off the loop and broadcasts them.
func (h *Host) mergePhotos() {
	cs := h.currentCapture()
	round := h.round
	photos := make(map[int]image.Image)
	var shots []int
	for _, shot := range cs.CompleteShots() {
		if p, ok := cs.Photo(shot); ok && p.Composite != nil {
			photos[shot] = p.Composite
			shots = append(shots, shot)
		}
	}
	go func() {
		merged, err := compose.EncodePhotos(shots, photos)
		h.post(photosReady{round: round, photos: merged, err: err})
	}()
}

func (h *Host) onPhotosReady(e photosReady) {
	if e.err != nil {
		h.logger.Error("photo merge failed", zap.Error(e.err))
	}
	if _, err := h.broadcast(protocol.PhotosMerged{Header: h.header(), Photos: e.photos}); err != nil {
		return
	}
	h.armSelectionTimer()
}

func (h *Host) armSelectionTimer() {
	h.stopSelectionTimer()
	round := h.round
	h.selTimer = time.AfterFunc(h.cfg.SelectionTimeout, func() {
		h.post(selectionExpired{round: round})
	})
}

func (h *Host) stopSelectionTimer() {
	if h.selTimer != nil {
		h.selTimer.Stop()
		h.selTimer = nil
	}
}

// onSelectionExpired composes the lowest complete shots when the Guest has
// not chosen in time.
func (h *Host) onSelectionExpired() {
	h.selTimer = nil
	if h.composing || h.Phase() != session.PhaseProcessing {
		return
	}
	sel, err := capture.AutoSelect(h.currentCapture().CompleteShots(), h.settings.Layout.SlotCount, h.settings.Layout.TotalShots())
	if err != nil {
		h.logger.Error("auto selection failed", zap.Error(err))
		return
	}
	h.logger.Info("selection timed out, auto-selecting", zap.Ints("shots", sel.Shots()))
	if _, err := h.broadcast(protocol.PhotoSelectSync{Header: h.header(), SelectedIndices: sel.Indices()}); err != nil {
		return
	}
	h.compose(sel, true)
}

func (h *Host) compose(sel capture.Selection, auto bool) {
	if h.deps.Composer == nil {
		h.fail(fmt.Errorf("%w: no composer configured", session.ErrPrecondition))
		return
	}
	shots := sel.Shots()
	if up := h.deps.Uploader; up != nil {
		if resent := up.RetryFailed(shots); len(resent) > 0 {
			h.logger.Info("retrying failed segment uploads", zap.Ints("shots", resent))
		}
	}
	cs := h.currentCapture()
	captureID := cs.ID()
	photos := make(map[int]image.Image, len(shots))
	for _, shot := range shots {
		if p, ok := cs.Photo(shot); ok && p.Composite != nil {
			photos[shot] = p.Composite
		}
	}
	h.composing = true
	round := h.round
	l := h.settings.Layout.Layout
	go func() {
		art, err := h.deps.Composer.Compose(h.ctx, compose.Target{RoomID: h.cfg.RoomID, CaptureID: captureID}, l, shots, photos, h.cfg.Overlay)
		h.post(composeDone{round: round, shots: shots, art: art, err: err, auto: auto})
	}()
}

func (h *Host) onComposeDone(e composeDone) {
	h.composing = false
	if e.err != nil {
		h.logger.Warn("composition failed", zap.Ints("shots", e.shots), zap.Bool("auto", e.auto), zap.Error(e.err))
		if !e.auto {
			h.fail(e.err)
		}
		h.armSelectionTimer()
		return
	}
	ready := protocol.VideoFrameReady{Header: h.header(), VideoURL: e.art.VideoURL, PhotoURL: e.art.PhotoURL}
	if _, err := h.broadcast(ready); err != nil {
		return
	}
	h.mu.Lock()
	h.artifact = &ready
	h.mu.Unlock()
}

// StartCapture begins the capture sequence. It needs an admitted guest with a
// live media track and is rejected in any phase but GuestConnected.
func (h *Host) StartCapture(ctx context.Context) error {
	return h.do(ctx, func() error {
		st := h.State()
		if st.Phase != session.PhaseGuestConnected || h.cancelSeq != nil {
			return fmt.Errorf("%w: start capture in phase %s", session.ErrPrecondition, st.Phase)
		}
		if _, ok := h.lifecycle.Current(); !ok {
			return fmt.Errorf("%w: no guest", session.ErrPrecondition)
		}
		if _, ok := h.deps.Transport.Remote().Latest(); !ok {
			return fmt.Errorf("%w: no media from guest", session.ErrPrecondition)
		}
		timing := h.settings.Timing
		seq, err := capture.NewSequencer(capture.SequencerConfig{
			TotalShots:           h.settings.Layout.TotalShots(),
			RecordingDurationSec: timing.RecordingDurationSec,
			CaptureIntervalSec:   timing.CaptureIntervalSec,
			Tick:                 h.cfg.Tick,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrPrecondition, err)
		}
		h.beginCapture(seq)
		return nil
	})
}

func (h *Host) beginCapture(seq *capture.Sequencer) {
	h.round++
	round := h.round
	cs := capture.NewSession(h.settings.Layout.SlotCount, h.settings.Timing)
	var gen uint64
	if up := h.deps.Uploader; up != nil {
		gen = up.Begin(cs.ID())
	}
	h.mu.Lock()
	h.capture = cs
	h.artifact = nil
	h.mu.Unlock()
	h.rec = recorder.New(h.record, h.deps.Recorder, segmentSink(h.deps, gen), h.logger.Named("recorder"))

	ctx, cancel := context.WithCancel(h.ctx)
	h.cancelSeq = cancel
	go func() {
		err := seq.Run(ctx, func(ev capture.Event) {
			h.post(seqEvent{round: round, ev: ev})
		})
		h.post(seqDone{round: round, err: err})
	}()
	h.logger.Info("capture started", zap.String("capture_id", cs.ID()), zap.Int("total_shots", cs.TotalShots()))
}

// discardCapture cancels any in-flight capture and drops its shots,
// segments and pending composition.
func (h *Host) discardCapture(reason string) {
	h.round++
	if h.cancelSeq != nil {
		h.cancelSeq()
		h.cancelSeq = nil
	}
	if h.rec != nil {
		h.rec.Abort()
		h.rec = nil
	}
	h.stopSelectionTimer()
	h.composing = false
	if up := h.deps.Uploader; up != nil {
		up.Discard()
	}
	h.mu.Lock()
	cs := h.capture
	h.capture = nil
	h.artifact = nil
	h.mu.Unlock()
	if cs != nil {
		cs.Abort()
		h.logger.Info("capture discarded", zap.String("capture_id", cs.ID()), zap.String("reason", reason))
	}
}

func (h *Host) currentCapture() *capture.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capture
}

// PrepareNextGuest closes a completed session and waits for the next guest.
func (h *Host) PrepareNextGuest(ctx context.Context) error {
	return h.do(ctx, func() error {
		if phase := h.Phase(); phase != session.PhaseCompleted {
			return fmt.Errorf("%w: prepare next guest in phase %s", session.ErrPrecondition, phase)
		}
		h.discardCapture("next guest")
		n := h.lifecycle.PrepareNext()
		h.rearm(ctx)
		if _, err := h.broadcast(protocol.SessionRestart{Header: h.header()}); err != nil {
			return err
		}
		h.logger.Info("ready for next guest", zap.Int("completed", n))
		return nil
	})
}

// rearm waits for the next guest's media and forgets the departed one's frame.
func (h *Host) rearm(ctx context.Context) {
	if err := h.deps.Transport.ReArm(ctx); err != nil {
		h.logger.Warn("transport re-arm failed", zap.Error(err))
	}
	h.keyers.Reset()
}

// UpdateChromaKey changes the key applied to the guest stream.
func (h *Host) UpdateChromaKey(ctx context.Context, s chromakey.Settings) error {
	return h.do(ctx, func() error {
		s = s.Clamped()
		h.settings.ChromaKey = s
		h.keyers.SetSettings(s)
		_, err := h.broadcast(protocol.ChromaKeySettings{Header: h.header(), Settings: s})
		return err
	})
}

// SetDisplayOptions changes the mirror flag of one side's stream.
func (h *Host) SetDisplayOptions(ctx context.Context, side protocol.Role, o protocol.DisplayOptions) error {
	return h.do(ctx, func() error {
		var msg protocol.Message
		switch side {
		case protocol.RoleHost:
			h.settings.HostDisplay = o
			msg = protocol.HostDisplayOptions{Header: h.header(), Options: o}
		case protocol.RoleGuest:
			h.settings.GuestDisplay = o
			msg = protocol.GuestDisplayOptions{Header: h.header(), Options: o}
		default:
			return fmt.Errorf("%w: unknown side %q", session.ErrPrecondition, side)
		}
		h.applySurfaceOptions()
		_, err := h.broadcast(msg)
		return err
	})
}

// SetSessionSettings changes the timing used by the next capture.
func (h *Host) SetSessionSettings(ctx context.Context, t protocol.Timing) error {
	return h.do(ctx, func() error {
		if t.RecordingDurationSec < 0 || t.CaptureIntervalSec < 0 {
			return fmt.Errorf("%w: negative timing", session.ErrPrecondition)
		}
		h.settings.Timing = t
		_, err := h.broadcast(protocol.SessionSettings{Header: h.header(), Timing: t})
		return err
	})
}

// SelectLayout switches the frame layout. It is refused while a capture or
// composition is in flight.
func (h *Host) SelectLayout(ctx context.Context, l layout.FrameLayout) error {
	return h.do(ctx, func() error {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: %v", session.ErrPrecondition, err)
		}
		if phase := h.Phase(); phase == session.PhaseCapturing || phase == session.PhaseProcessing {
			return fmt.Errorf("%w: layout change in phase %s", session.ErrPrecondition, phase)
		}
		h.settings.Layout = LayoutSettings(l)
		_, err := h.broadcast(protocol.FrameLayoutSettings{Header: h.header(), Settings: h.settings.Layout})
		return err
	})
}

// broadcastSettings sends the full settings snapshot so a missed message
// heals on the next refresh.
func (h *Host) broadcastSettings() {
	hd := h.header()
	msgs := []protocol.Message{
		protocol.ChromaKeySettings{Header: hd, Settings: h.settings.ChromaKey},
		protocol.HostDisplayOptions{Header: hd, Options: h.settings.HostDisplay},
		protocol.GuestDisplayOptions{Header: hd, Options: h.settings.GuestDisplay},
		protocol.SessionSettings{Header: hd, Timing: h.settings.Timing},
	}
	if phase := h.Phase(); phase != session.PhaseCapturing && phase != session.PhaseProcessing {
		msgs = append(msgs, protocol.FrameLayoutSettings{Header: hd, Settings: h.settings.Layout})
	}
	for _, msg := range msgs {
		_, _ = h.broadcast(msg)
	}
}

func (h *Host) applySurfaceOptions() {
	o := surfaceOptions(h.settings, h.cfg.PreviewBlur)
	h.preview.SetOptions(o)
	h.record.SetOptions(o)
}

func (h *Host) teardown() {
	h.discardCapture("host stopped")
}

// CompletedCount is the number of guests whose session reached completion.
func (h *Host) CompletedCount() int {
	return h.lifecycle.CompletedCount()
}

// Snapshot is a read-only view for presentation code.
func (h *Host) Snapshot() session.Snapshot {
	h.mu.Lock()
	cs, art, started := h.capture, h.artifact, h.startedAt
	h.mu.Unlock()
	snap := buildSnapshot(h.State(), cs, art)
	snap.ID = h.id
	snap.RoomID = h.cfg.RoomID
	snap.Role = protocol.RoleHost
	snap.HostID = h.cfg.UserID
	snap.CompletedCount = h.lifecycle.CompletedCount()
	snap.StartedAt = started
	return snap
}
