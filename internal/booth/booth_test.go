package booth

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pairbooth/internal/chromakey"
	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/media"
	"github.com/ent0n29/pairbooth/internal/protocol"
	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/reliability"
	"github.com/ent0n29/pairbooth/internal/session"
	"github.com/ent0n29/pairbooth/internal/upload"
)

const (
	waitFor = 3 * time.Second
	poll    = 5 * time.Millisecond
)

var fastPolicy = reliability.Policy{MaxAttempts: 2, Base: time.Millisecond, Cap: 2 * time.Millisecond}

type memSegments struct {
	mu    sync.Mutex
	shots map[string][]int
}

func (m *memSegments) UploadSegment(_ context.Context, up upload.SegmentUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shots == nil {
		m.shots = make(map[string][]int)
	}
	m.shots[up.UserID] = append(m.shots[up.UserID], up.Shot)
	return nil
}

type fakeVideo struct {
	mu    sync.Mutex
	fails int
	reqs  []compose.Request
}

func (f *fakeVideo) ComposeFromUploaded(_ context.Context, r compose.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, r)
	if f.fails > 0 {
		f.fails--
		return "", errors.New("compose service unavailable")
	}
	return "https://cdn.test/" + r.RoomID + "/video.mp4", nil
}

func (f *fakeVideo) requests() []compose.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compose.Request(nil), f.reqs...)
}

type fakeStore struct{}

func (fakeStore) PutArtifact(_ context.Context, roomID, name, _ string, _ []byte) (string, error) {
	return "https://cdn.test/" + roomID + "/" + name, nil
}

func frame(c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 36))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

type pair struct {
	ctx      context.Context
	host     *Host
	guest    *Guest
	video    *fakeVideo
	segments *memSegments
	hostIn   chan protocol.Message
	rejected chan protocol.JoinRejected
}

type pairOptions struct {
	tick             time.Duration
	timing           protocol.Timing
	selectionTimeout time.Duration
	videoFails       int
	noGuest          bool
}

func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()
	if opts.tick == 0 {
		opts.tick = 5 * time.Millisecond
	}
	if opts.timing == (protocol.Timing{}) {
		opts.timing = protocol.Timing{RecordingDurationSec: 2, CaptureIntervalSec: 0}
	}
	if opts.selectionTimeout == 0 {
		opts.selectionTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	single, err := layout.NewCatalog(layout.Defaults()...)
	require.NoError(t, err)
	l, err := single.Get("single")
	require.NoError(t, err)

	hostFrame := frame(color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	guestFrame := frame(color.NRGBA{R: 0, G: 255, B: 0, A: 255})

	hostCam := media.NewMailbox()
	hostCam.Publish(hostFrame)
	guestCam := media.NewMailbox()
	guestCam.Publish(guestFrame)
	hostTransport := NewMailboxTransport()
	hostTransport.Peer.Publish(guestFrame)
	guestTransport := NewMailboxTransport()
	guestTransport.Peer.Publish(hostFrame)

	segments := &memSegments{}
	video := &fakeVideo{fails: opts.videoFails}
	recCfg := recorder.Config{FPS: 100, StopDelay: 5 * time.Millisecond}
	base := Config{
		RoomID:           "room-1",
		Width:            64,
		Height:           36,
		Tick:             opts.tick,
		SettingsRefresh:  time.Minute,
		SelectionTimeout: opts.selectionTimeout,
		SendTimeout:      time.Second,
	}

	hostUp := upload.NewUploader(ctx, segments, upload.NewTracker(), upload.Options{Policy: fastPolicy})
	composer := compose.NewComposer(video, fakeStore{}, hostUp.Tracker(), compose.Config{MergeTimeout: 2 * time.Second, Policy: fastPolicy}, nil)
	hostCfg := base
	hostCfg.UserID = "host-1"
	settings := DefaultHostSettings(l)
	settings.Timing = opts.timing
	host, err := NewHost(hostCfg, settings, Deps{
		Local:     hostCam,
		Transport: hostTransport,
		Recorder:  recCfg,
		Uploader:  hostUp,
		Composer:  composer,
	})
	require.NoError(t, err)

	guestUp := upload.NewUploader(ctx, segments, upload.NewTracker(), upload.Options{Policy: fastPolicy})
	guestCfg := base
	guestCfg.UserID = "guest-1"
	guest, err := NewGuest(guestCfg, Deps{
		Local:     guestCam,
		Transport: guestTransport,
		Recorder:  recCfg,
		Uploader:  guestUp,
	})
	require.NoError(t, err)

	p := &pair{
		ctx:      ctx,
		host:     host,
		guest:    guest,
		video:    video,
		segments: segments,
		hostIn:   make(chan protocol.Message, 64),
		rejected: make(chan protocol.JoinRejected, 4),
	}
	hostOut := make(chan protocol.Message, 64)
	guestIn := make(chan protocol.Message, 64)
	guestOut := make(chan protocol.Message, 64)

	// Minimal room routing: host messages reach the guest except rejections,
	// guest messages reach the host.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-hostOut:
				if rej, ok := msg.(protocol.JoinRejected); ok {
					p.rejected <- rej
					continue
				}
				select {
				case guestIn <- msg:
				case <-ctx.Done():
					return
				}
			case msg := <-guestOut:
				select {
				case p.hostIn <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() { _ = host.Run(ctx, p.hostIn, hostOut) }()
	if !opts.noGuest {
		require.Eventually(t, func() bool { return host.Phase() == session.PhaseWaitingForGuest }, waitFor, poll)
		go func() { _ = guest.Run(ctx, guestIn, guestOut) }()
		require.Eventually(t, func() bool {
			return host.Phase() == session.PhaseGuestConnected && guest.Phase() == session.PhaseGuestConnected
		}, waitFor, poll)
	}
	return p
}

func (p *pair) waitProcessing(t *testing.T, shots int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.host.Phase() == session.PhaseProcessing &&
			p.guest.Phase() == session.PhaseProcessing &&
			len(p.guest.Selectable()) == shots
	}, waitFor, poll)
}

func TestEndToEndSingleSlotSession(t *testing.T) {
	p := newPair(t, pairOptions{})
	ctx := p.ctx

	require.NoError(t, p.host.StartCapture(ctx))
	p.waitProcessing(t, 2)
	assert.Equal(t, []int{1, 2}, p.host.Snapshot().CapturedShots)
	assert.Equal(t, 2, p.guest.State().LastShot)

	require.NoError(t, p.guest.Select(ctx, []int{2}))
	require.NoError(t, p.guest.Confirm(ctx))
	require.Eventually(t, func() bool {
		return p.host.Phase() == session.PhaseCompleted && p.guest.Phase() == session.PhaseCompleted
	}, waitFor, poll)

	reqs := p.video.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int{2}, reqs[0].SelectedShotNumbers)
	assert.Equal(t, "single", reqs[0].LayoutID)

	snap := p.host.Snapshot()
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "https://cdn.test/room-1/video.mp4", snap.Artifact.VideoURL)
	assert.NotEmpty(t, snap.Artifact.PhotoURL)
	assert.Equal(t, []int{2}, snap.Selection)
	require.NotNil(t, p.guest.Snapshot().Artifact)

	require.NoError(t, p.host.PrepareNextGuest(ctx))
	snap = p.host.Snapshot()
	assert.Equal(t, session.PhaseWaitingForGuest, snap.Phase)
	assert.Equal(t, 1, snap.CompletedCount)
	assert.Empty(t, snap.CapturedShots)
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Artifact)
	assert.Zero(t, snap.LastShot)
	assert.Empty(t, snap.GuestID)
	require.Eventually(t, func() bool { return p.guest.Phase() == session.PhaseWaitingForGuest }, waitFor, poll)
	assert.Empty(t, p.guest.Selectable())
}

func TestStartCaptureRequiresGuest(t *testing.T) {
	p := newPair(t, pairOptions{noGuest: true})
	require.Eventually(t, func() bool { return p.host.Phase() == session.PhaseWaitingForGuest }, waitFor, poll)

	err := p.host.StartCapture(p.ctx)
	require.ErrorIs(t, err, session.ErrPrecondition)
	assert.Equal(t, session.PhaseWaitingForGuest, p.host.Phase())
}

func TestStartCaptureRejectedWhileCapturing(t *testing.T) {
	p := newPair(t, pairOptions{tick: 20 * time.Millisecond, timing: protocol.Timing{RecordingDurationSec: 5}})
	require.NoError(t, p.host.StartCapture(p.ctx))
	require.ErrorIs(t, p.host.StartCapture(p.ctx), session.ErrPrecondition)
}

func TestSecondGuestIsRejected(t *testing.T) {
	p := newPair(t, pairOptions{})
	p.hostIn <- protocol.Join{Header: protocol.Header{RoomID: "room-1"}, UserID: "guest-2", Role: protocol.RoleGuest}

	select {
	case rej := <-p.rejected:
		assert.Equal(t, "guest-2", rej.UserID)
		assert.NotEmpty(t, rej.Reason)
	case <-time.After(waitFor):
		t.Fatal("no join-rejected for the second guest")
	}
	assert.Equal(t, "guest-1", p.host.Snapshot().GuestID)
}

func TestGuestLeavingMidCaptureAbortsSession(t *testing.T) {
	p := newPair(t, pairOptions{tick: 20 * time.Millisecond, timing: protocol.Timing{RecordingDurationSec: 5, CaptureIntervalSec: 1}})
	require.NoError(t, p.host.StartCapture(p.ctx))
	require.Eventually(t, func() bool { return p.host.Phase() == session.PhaseCapturing }, waitFor, poll)

	p.hostIn <- protocol.GuestLeft{Header: protocol.Header{RoomID: "room-1"}, GuestID: "guest-1"}
	require.Eventually(t, func() bool { return p.host.Phase() == session.PhaseWaitingForGuest }, waitFor, poll)

	time.Sleep(150 * time.Millisecond)
	snap := p.host.Snapshot()
	assert.Equal(t, session.PhaseWaitingForGuest, snap.Phase)
	assert.Empty(t, snap.CapturedShots)
	assert.Zero(t, snap.LastShot)
	assert.Empty(t, snap.GuestID)
	assert.Empty(t, p.video.requests())
}

func TestSelectionTimeoutAutoSelects(t *testing.T) {
	p := newPair(t, pairOptions{selectionTimeout: 30 * time.Millisecond})
	require.NoError(t, p.host.StartCapture(p.ctx))

	require.Eventually(t, func() bool {
		return p.host.Phase() == session.PhaseCompleted && p.guest.Phase() == session.PhaseCompleted
	}, waitFor, poll)
	reqs := p.video.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int{1}, reqs[0].SelectedShotNumbers)
	assert.Equal(t, []int{1}, p.guest.State().Selection)
}

func TestConfirmNeedsCompleteSelection(t *testing.T) {
	p := newPair(t, pairOptions{})
	require.NoError(t, p.host.StartCapture(p.ctx))
	p.waitProcessing(t, 2)

	require.ErrorIs(t, p.guest.Confirm(p.ctx), session.ErrPrecondition)
	require.ErrorIs(t, p.guest.Select(p.ctx, []int{1, 2}), session.ErrPrecondition)
	require.ErrorIs(t, p.guest.Select(p.ctx, []int{3}), session.ErrPrecondition)
	assert.Empty(t, p.video.requests())
}

func TestFailedCompositionCanBeRetried(t *testing.T) {
	p := newPair(t, pairOptions{videoFails: fastPolicy.MaxAttempts})
	require.NoError(t, p.host.StartCapture(p.ctx))
	p.waitProcessing(t, 2)

	require.NoError(t, p.guest.Select(p.ctx, []int{1}))
	require.NoError(t, p.guest.Confirm(p.ctx))
	var reported protocol.Error
	require.Eventually(t, func() bool {
		var ok bool
		reported, ok = p.guest.LastError()
		return ok
	}, waitFor, poll)
	assert.True(t, reported.Retryable)
	assert.Equal(t, session.PhaseProcessing, p.host.Phase())

	require.NoError(t, p.guest.Confirm(p.ctx))
	require.Eventually(t, func() bool { return p.guest.Phase() == session.PhaseCompleted }, waitFor, poll)
	assert.Len(t, p.video.requests(), fastPolicy.MaxAttempts+1)
}

func TestSettingsChangesReachGuest(t *testing.T) {
	p := newPair(t, pairOptions{})
	key := chromakey.Settings{Enabled: true, Color: chromakey.Color{B: 255}, Similarity: 30, Smoothness: 10}
	require.NoError(t, p.host.UpdateChromaKey(p.ctx, key))
	require.NoError(t, p.host.SetDisplayOptions(p.ctx, protocol.RoleGuest, protocol.DisplayOptions{MirrorHorizontal: true}))
	require.NoError(t, p.host.SetSessionSettings(p.ctx, protocol.Timing{RecordingDurationSec: 3, CaptureIntervalSec: 1}))

	require.Eventually(t, func() bool {
		s := p.guest.State().Settings
		return s.ChromaKey == key && s.GuestDisplay.MirrorHorizontal && s.Timing.RecordingDurationSec == 3
	}, waitFor, poll)
	assert.True(t, p.guest.Preview().Options().ForegroundMirror)
	assert.Equal(t, p.host.State().Settings, p.guest.State().Settings)

	require.ErrorIs(t, p.host.SetDisplayOptions(p.ctx, "audience", protocol.DisplayOptions{}), session.ErrPrecondition)
}

func TestLayoutChangeRefusedDuringCapture(t *testing.T) {
	p := newPair(t, pairOptions{tick: 20 * time.Millisecond, timing: protocol.Timing{RecordingDurationSec: 5}})
	strip := layout.Defaults()[1]
	require.NoError(t, p.host.StartCapture(p.ctx))
	require.Eventually(t, func() bool { return p.host.Phase() == session.PhaseCapturing }, waitFor, poll)
	require.ErrorIs(t, p.host.SelectLayout(p.ctx, strip), session.ErrPrecondition)
	assert.Equal(t, "single", p.host.State().Settings.Layout.LayoutID)
}

func TestCommandsFailWhenLoopStopped(t *testing.T) {
	p := newPair(t, pairOptions{noGuest: true})
	require.Eventually(t, func() bool { return p.host.Phase() == session.PhaseWaitingForGuest }, waitFor, poll)
	close(p.hostIn)
	require.Eventually(t, func() bool {
		return errors.Is(p.host.StartCapture(context.Background()), ErrNotRunning)
	}, waitFor, poll)
}

func TestPreviewAndRecordRenderConcurrently(t *testing.T) {
	p := newPair(t, pairOptions{})
	require.NotSame(t, p.host.keyers.preview, p.host.keyers.record)
	require.NotSame(t, p.guest.keyers.preview, p.guest.keyers.record)

	peer := p.host.deps.Transport.(*MailboxTransport).Peer
	frames := []*image.NRGBA{
		frame(color.NRGBA{R: 0, G: 255, B: 0, A: 255}),
		frame(color.NRGBA{R: 30, G: 90, B: 220, A: 255}),
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	render := func(fn func() (*image.RGBA, bool)) {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if img, ok := fn(); ok {
				_ = img.RGBAAt(0, 0)
			}
		}
	}
	wg.Add(2)
	go render(p.host.Preview().Render)
	go render(p.host.record.Snapshot)
	for i := 0; i < 3000; i++ {
		peer.Publish(frames[i%2])
	}
	close(stop)
	wg.Wait()

	// Solid key color on top of the red host frame keys away completely.
	peer.Publish(frames[0])
	img, ok := p.host.record.Snapshot()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{R: 200, G: 40, B: 40, A: 255}, img.RGBAAt(10, 10))
}

func TestGuestLeftForgetsKeyedGuestFrame(t *testing.T) {
	p := newPair(t, pairOptions{})
	remote := p.host.deps.Transport.Remote()
	_, ok := p.host.keyers.preview.Process(remote)
	require.True(t, ok)
	_, ok = p.host.keyers.record.Process(remote)
	require.True(t, ok)

	p.hostIn <- protocol.GuestLeft{Header: protocol.Header{RoomID: "room-1"}, GuestID: "guest-1"}
	require.Eventually(t, func() bool {
		_, prev := p.host.keyers.preview.Process(remote)
		_, rec := p.host.keyers.record.Process(remote)
		return p.host.Phase() == session.PhaseWaitingForGuest && !prev && !rec
	}, waitFor, poll)
}

func TestSendWaitsForSlowChannel(t *testing.T) {
	l := newLoop(Config{RoomID: "room-1", SendTimeout: 5 * time.Millisecond}.withDefaults(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan protocol.Message)
	require.NoError(t, l.start(ctx, out))

	sent := make(chan struct{})
	go func() {
		l.send(protocol.CaptureNow{Header: l.header(), ShotNumber: 3})
		close(sent)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-sent:
		t.Fatal("send returned before the message was taken")
	default:
	}

	select {
	case msg := <-out:
		assert.Equal(t, protocol.CaptureNow{Header: protocol.Header{RoomID: "room-1"}, ShotNumber: 3}, msg)
	case <-time.After(waitFor):
		t.Fatal("capture-now was dropped")
	}
	<-sent
}

func TestSendGivesUpWhenRunEnds(t *testing.T) {
	l := newLoop(Config{SendTimeout: time.Millisecond}.withDefaults(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.start(ctx, make(chan protocol.Message)))

	sent := make(chan struct{})
	go func() {
		l.send(protocol.CaptureNow{ShotNumber: 1})
		close(sent)
	}()
	cancel()
	select {
	case <-sent:
	case <-time.After(waitFor):
		t.Fatal("send still blocked after the run context ended")
	}
}
