package booth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/capture"
	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/composite"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/session"
)

type photosDecoded struct {
	round  uint64
	photos map[int]image.Image
	err    error
}

// Guest mirrors the Host's session. Its phase moves only on messages from the
// Host; the only transition it originates is leaving.
type Guest struct {
	*loop
	deps    Deps
	keyers  keyers
	preview *composite.Surface
	record  *composite.Surface

	// Loop-owned.
	round   uint64
	rec     *recorder.Recorder
	timing  protocol.Timing
	pending []int
	left    bool

	mu        sync.Mutex
	id        string
	capture   *capture.Session
	photos    map[int]image.Image
	artifact  *protocol.VideoFrameReady
	lastErr   *protocol.Error
	startedAt time.Time
}

func NewGuest(cfg Config, deps Deps) (*Guest, error) {
	if deps.Local == nil || deps.Transport == nil {
		return nil, errors.New("guest needs a local source and a transport")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("guest").With(zap.String("room_id", cfg.RoomID), zap.String("guest_id", cfg.UserID))

	g := &Guest{
		loop:   newLoop(cfg, logger),
		deps:   deps,
		keyers: newKeyers(chromakey.DefaultSettings()),
		id:     uuid.NewString(),
	}
	g.preview, g.record = surfaces(cfg, deps.Transport.Remote(), deps.Local, g.keyers)
	return g, nil
}

func (g *Guest) Preview() *composite.Surface { return g.preview }

// Run joins the room and mirrors the Host until the Guest leaves, the Host
// leaves (ErrHostLeft) or the join is rejected (ErrJoinRejected).
func (g *Guest) Run(ctx context.Context, inbound <-chan protocol.Message, outbound chan<- protocol.Message) error {
	if err := g.start(ctx, outbound); err != nil {
		return err
	}
	defer close(g.done)
	defer g.discardCapture("guest stopped")

	if up := g.deps.Uploader; up != nil {
		up.SetIdentity(g.cfg.RoomID, g.cfg.UserID)
	}
	g.mu.Lock()
	g.startedAt = time.Now().UTC()
	g.mu.Unlock()

	// The Host's session already exists when a guest connects.
	_, _ = g.apply(protocol.WaitingForGuest{Header: g.header()})
	g.send(protocol.Join{Header: g.header(), UserID: g.cfg.UserID, Role: protocol.RoleGuest})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := g.handle(msg); err != nil {
				return err
			}
		case cmd := <-g.cmds:
			cmd.reply <- cmd.fn()
			if g.left {
				return nil
			}
		case ev := <-g.events:
			g.handleEvent(ev)
		}
	}
}

func (g *Guest) handle(msg protocol.Message) error {
	prev := g.Phase()
	st, err := g.apply(msg)
	if err != nil {
		return nil
	}
	switch m := msg.(type) {
	case protocol.GuestJoined,
		protocol.ChromaKeySettings,
		protocol.HostDisplayOptions,
		protocol.GuestDisplayOptions,
		protocol.FrameLayoutSettings,
		protocol.SessionSettings:
		g.applySettings(st.Settings)
	case protocol.CountdownTick:
		if prev == session.PhaseGuestConnected {
			g.beginCapture(st, m.CaptureID)
		}
		if g.rec != nil && m.Count == g.timing.RecordingDurationSec {
			nominal := time.Duration(g.timing.RecordingDurationSec) * g.cfg.Tick
			if err := g.rec.Start(g.ctx, m.ShotNumber, nominal); err != nil {
				g.logger.Warn("segment recording not started", zap.Int("shot", m.ShotNumber), zap.Error(err))
			}
		}
	case protocol.CaptureNow:
		g.takePhoto(m.ShotNumber)
	case protocol.PhotosMerged:
		round := g.round
		photos := m.Photos
		go func() {
			decoded, err := compose.DecodePhotos(g.ctx, photos)
			g.post(photosDecoded{round: round, photos: decoded, err: err})
		}()
	case protocol.VideoFrameReady:
		g.mu.Lock()
		g.artifact = &m
		g.lastErr = nil
		g.mu.Unlock()
		g.logger.Info("artifact ready", zap.String("video_url", m.VideoURL))
	case protocol.SessionRestart:
		g.discardCapture("session restarted")
	case protocol.GuestLeft:
		g.discardCapture("left")
	case protocol.JoinRejected:
		if m.UserID == g.cfg.UserID {
			return fmt.Errorf("%w: %s", ErrJoinRejected, m.Reason)
		}
	case protocol.HostLeft:
		g.discardCapture("host left")
		return ErrHostLeft
	case protocol.Error:
		g.mu.Lock()
		g.lastErr = &m
		g.mu.Unlock()
		g.logger.Warn("host reported error", zap.String("code", m.Code), zap.String("detail", m.Detail), zap.Bool("retryable", m.Retryable))
	}
	return nil
}

func (g *Guest) handleEvent(ev any) {
	switch e := ev.(type) {
	case photosDecoded:
		if e.round != g.round {
			return
		}
		if e.err != nil {
			g.logger.Error("merged photos could not be decoded", zap.Error(e.err))
			return
		}
		g.mu.Lock()
		g.photos = e.photos
		g.mu.Unlock()
	}
}

func (g *Guest) applySettings(s protocol.HostSettings) {
	g.keyers.SetSettings(s.ChromaKey)
	o := surfaceOptions(s, g.cfg.PreviewBlur)
	g.preview.SetOptions(o)
	g.record.SetOptions(o)
}

// beginCapture joins the Host's capture so both sides' segments share its id.
func (g *Guest) beginCapture(st session.State, captureID string) {
	g.discardCapture("new capture")
	g.timing = st.Settings.Timing
	cs := capture.NewSessionWithID(captureID, st.Settings.Layout.SlotCount, st.Settings.Timing)
	var gen uint64
	if up := g.deps.Uploader; up != nil {
		gen = up.Begin(cs.ID())
	}
	g.mu.Lock()
	g.capture = cs
	g.mu.Unlock()
	g.rec = recorder.New(g.record, g.deps.Recorder, segmentSink(g.deps, gen), g.logger.Named("recorder"))
	g.logger.Info("capture started", zap.String("capture_id", cs.ID()), zap.Int("total_shots", cs.TotalShots()))
}

func (g *Guest) takePhoto(shot int) {
	g.mu.Lock()
	cs := g.capture
	g.mu.Unlock()
	if cs == nil {
		return
	}
	host := latestImage(g.deps.Transport.Remote())
	guest := latestImage(g.deps.Local)
	var merged image.Image
	if img, ok := g.record.Snapshot(); ok {
		merged = img
	}
	if err := cs.Record(shot, host, guest, merged); err != nil {
		g.logger.Warn("photo not recorded", zap.Int("shot", shot), zap.Error(err))
	}
	if g.rec != nil {
		g.rec.StopAfter(shot, g.rec.StopDelay())
	}
}

// discardCapture drops local capture data and cancels its uploads.
func (g *Guest) discardCapture(reason string) {
	g.round++
	if g.rec != nil {
		g.rec.Abort()
		g.rec = nil
	}
	g.pending = nil
	if up := g.deps.Uploader; up != nil {
		up.Discard()
	}
	g.mu.Lock()
	cs := g.capture
	g.capture = nil
	g.photos = nil
	g.artifact = nil
	g.mu.Unlock()
	if cs != nil {
		cs.Abort()
		g.logger.Info("capture discarded", zap.String("capture_id", cs.ID()), zap.String("reason", reason))
	}
}

// Select replaces the working selection and mirrors it to the Host. It may be
// partial; Confirm checks that it is complete.
func (g *Guest) Select(ctx context.Context, shots []int) error {
	return g.do(ctx, func() error {
		st := g.State()
		if st.Phase != session.PhaseProcessing {
			return fmt.Errorf("%w: select in phase %s", session.ErrPrecondition, st.Phase)
		}
		if len(g.Selectable()) == 0 {
			return fmt.Errorf("%w: photos not merged yet", session.ErrPrecondition)
		}
		slots, total := st.Settings.Layout.SlotCount, st.TotalShots()
		if len(shots) > slots {
			return fmt.Errorf("%w: %d shots for %d slots", capture.ErrInvalidSelection, len(shots), slots)
		}
		seen := make(map[int]bool, len(shots))
		for _, shot := range shots {
			if shot < 1 || shot > total || seen[shot] {
				return fmt.Errorf("%w: shot %d", capture.ErrInvalidSelection, shot)
			}
			seen[shot] = true
		}
		g.pending = append(g.pending[:0], shots...)
		indices := capture.Selection(g.pending).Indices()
		_, err := g.broadcast(protocol.PhotoSelectSync{Header: g.header(), SelectedIndices: indices})
		return err
	})
}

// Confirm sends the selection to the Host for composition. After a failed
// composition it may be called again without recapturing.
func (g *Guest) Confirm(ctx context.Context) error {
	return g.do(ctx, func() error {
		st := g.State()
		if st.Phase != session.PhaseProcessing {
			return fmt.Errorf("%w: confirm in phase %s", session.ErrPrecondition, st.Phase)
		}
		sel, err := capture.NewSelection(g.pending, st.Settings.Layout.SlotCount, st.TotalShots())
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.lastErr = nil
		g.mu.Unlock()
		_, err = g.broadcast(protocol.VideoFrameRequest{Header: g.header(), SelectedShotNumbers: sel.Shots()})
		return err
	})
}

// Leave tells the Host this guest is gone and stops the loop.
func (g *Guest) Leave(ctx context.Context) error {
	return g.do(ctx, func() error {
		g.discardCapture("left")
		_, _ = g.apply(protocol.GuestLeft{Header: g.header(), GuestID: g.cfg.UserID})
		g.send(protocol.GuestLeft{Header: g.header(), GuestID: g.cfg.UserID})
		g.left = true
		return nil
	})
}

// Selectable lists the shots whose merged photo has arrived, ascending.
func (g *Guest) Selectable() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, 0, len(g.photos))
	for shot := range g.photos {
		out = append(out, shot)
	}
	sort.Ints(out)
	return out
}

// Photo returns the merged photo for shot.
func (g *Guest) Photo(shot int) (image.Image, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.photos[shot]
	return img, ok
}

// LastError is the most recent error reported by the Host, cleared by a new
// request or a finished artifact.
func (g *Guest) LastError() (protocol.Error, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastErr == nil {
		return protocol.Error{}, false
	}
	return *g.lastErr, true
}

func (g *Guest) Snapshot() session.Snapshot {
	g.mu.Lock()
	cs, art, started := g.capture, g.artifact, g.startedAt
	g.mu.Unlock()
	snap := buildSnapshot(g.State(), cs, art)
	snap.ID = g.id
	snap.RoomID = g.cfg.RoomID
	snap.Role = protocol.RoleGuest
	snap.StartedAt = started
	return snap
}
