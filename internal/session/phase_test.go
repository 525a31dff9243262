package session

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/ent0n29/pairbooth/internal/protocol"
)

const room = "room-1"

func hdr() protocol.Header { return protocol.Header{RoomID: room} }

func guestJoined(slots int) protocol.GuestJoined {
	return protocol.GuestJoined{
		Header:  hdr(),
		GuestID: "guest-1",
		HostSettings: protocol.HostSettings{
			Layout: protocol.LayoutSettings{LayoutID: "l", SlotCount: slots},
			Timing: protocol.Timing{RecordingDurationSec: 2, CaptureIntervalSec: 1},
		},
	}
}

// captureShot returns the countdown and capture-now messages for one shot.
func captureShot(shot, countdown int) []protocol.Message {
	var msgs []protocol.Message
	for c := countdown; c >= 0; c-- {
		msgs = append(msgs, protocol.CountdownTick{Header: hdr(), ShotNumber: shot, Count: c})
	}
	return append(msgs, protocol.CaptureNow{Header: hdr(), ShotNumber: shot})
}

func fullSession(slots int) []protocol.Message {
	msgs := []protocol.Message{
		protocol.WaitingForGuest{Header: hdr()},
		guestJoined(slots),
	}
	for shot := 1; shot <= slots*2; shot++ {
		msgs = append(msgs, captureShot(shot, 2)...)
	}
	return append(msgs,
		protocol.PhotosMerged{Header: hdr()},
		protocol.VideoFrameRequest{Header: hdr(), SelectedShotNumbers: []int{1}},
		protocol.VideoFrameReady{Header: hdr(), VideoURL: "http://x/v.mp4"},
	)
}

func TestReduceHappyPath(t *testing.T) {
	s := Initial()
	want := []Phase{PhaseWaitingForGuest, PhaseGuestConnected}
	msgs := fullSession(1)
	for i, msg := range msgs[:2] {
		var err error
		s, err = Reduce(s, msg)
		if err != nil {
			t.Fatalf("Reduce(%s) error = %v", msg.Kind(), err)
		}
		if s.Phase != want[i] {
			t.Fatalf("phase = %s, want %s", s.Phase, want[i])
		}
	}
	if s.TotalShots() != 2 {
		t.Fatalf("TotalShots() = %d, want 2", s.TotalShots())
	}

	for _, msg := range msgs[2:] {
		var err error
		s, err = Reduce(s, msg)
		if err != nil {
			t.Fatalf("Reduce(%s) error = %v", msg.Kind(), err)
		}
		if c, ok := msg.(protocol.CaptureNow); ok && c.ShotNumber == 1 && s.Phase != PhaseCapturing {
			t.Fatalf("after shot 1 phase = %s, want capturing", s.Phase)
		}
	}
	if s.Phase != PhaseCompleted {
		t.Fatalf("final phase = %s, want completed", s.Phase)
	}
	if s.VideoURL != "http://x/v.mp4" || len(s.Selection) != 1 {
		t.Fatalf("unexpected final state: %+v", s)
	}

	s, err := Reduce(s, protocol.SessionRestart{Header: hdr()})
	if err != nil {
		t.Fatalf("session-restart error = %v", err)
	}
	if s.Phase != PhaseWaitingForGuest || s.LastShot != 0 || s.VideoURL != "" || s.GuestID != "" {
		t.Fatalf("restart did not clear capture data: %+v", s)
	}
}

func TestReduceLastCaptureMovesToProcessing(t *testing.T) {
	msgs := append([]protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, captureShot(1, 1)...)
	msgs = append(msgs, captureShot(2, 1)...)
	s := Replay(msgs...)
	if s.Phase != PhaseProcessing || s.LastShot != 2 {
		t.Fatalf("state = %+v, want processing after shot 2", s)
	}
}

func TestReduceGuestLeftAbortsCapture(t *testing.T) {
	msgs := append([]protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(2)}, captureShot(1, 3)...)
	s := Replay(msgs...)
	if s.Phase != PhaseCapturing || s.LastShot != 1 {
		t.Fatalf("precondition: state = %+v", s)
	}
	s, err := Reduce(s, protocol.GuestLeft{Header: hdr(), GuestID: "guest-1"})
	if err != nil {
		t.Fatalf("guest-left error = %v", err)
	}
	if s.Phase != PhaseWaitingForGuest || s.LastShot != 0 || s.GuestID != "" {
		t.Fatalf("guest-left did not reset: %+v", s)
	}
}

func TestReduceGuestLeftWhileProcessing(t *testing.T) {
	msgs := fullSession(1)
	s := Replay(msgs[:len(msgs)-1]...)
	if s.Phase != PhaseProcessing {
		t.Fatalf("precondition: phase = %s", s.Phase)
	}
	s, _ = Reduce(s, protocol.GuestLeft{Header: hdr()})
	if s.Phase != PhaseWaitingForGuest {
		t.Fatalf("phase = %s, want waiting_for_guest", s.Phase)
	}
}

func TestReduceRejectsOutOfOrderMessages(t *testing.T) {
	cases := []struct {
		name string
		pre  []protocol.Message
		msg  protocol.Message
	}{
		{"guest-joined while idle", nil, guestJoined(1)},
		{"capture-now before countdown", []protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, protocol.CaptureNow{Header: hdr(), ShotNumber: 1}},
		{"tick for shot 2 first", []protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, protocol.CountdownTick{Header: hdr(), ShotNumber: 2, Count: 3}},
		{"video ready while waiting", []protocol.Message{protocol.WaitingForGuest{Header: hdr()}}, protocol.VideoFrameReady{Header: hdr()}},
		{"restart while capturing", append([]protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, captureShot(1, 1)[:1]...), protocol.SessionRestart{Header: hdr()}},
		{"capture-now mid countdown", append([]protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, captureShot(1, 2)[:2]...), protocol.CaptureNow{Header: hdr(), ShotNumber: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := Replay(tc.pre...)
			after, err := Reduce(before, tc.msg)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("error = %v, want ErrInvalidTransition", err)
			}
			if after.Phase != before.Phase || after.LastShot != before.LastShot {
				t.Fatalf("rejected message changed state: %+v -> %+v", before, after)
			}
		})
	}
}

func TestReducePhotoSelectSyncOnlyWhileProcessing(t *testing.T) {
	capturing := Replay(append([]protocol.Message{protocol.WaitingForGuest{Header: hdr()}, guestJoined(1)}, captureShot(1, 1)...)...)
	if capturing.Phase != PhaseCapturing {
		t.Fatalf("precondition: phase = %s", capturing.Phase)
	}
	after, err := Reduce(capturing, protocol.PhotoSelectSync{Header: hdr(), SelectedIndices: []int{0}})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sync while capturing error = %v, want ErrInvalidTransition", err)
	}
	if len(after.Selection) != 0 {
		t.Fatalf("sync while capturing set selection %v", after.Selection)
	}

	msgs := fullSession(1)
	processing := Replay(msgs[:len(msgs)-2]...)
	if processing.Phase != PhaseProcessing {
		t.Fatalf("precondition: phase = %s", processing.Phase)
	}
	for _, bad := range [][]int{{2}, {-1}, {0, 1}, {1, 1}} {
		if _, err := Reduce(processing, protocol.PhotoSelectSync{Header: hdr(), SelectedIndices: bad}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("indices %v error = %v, want ErrInvalidTransition", bad, err)
		}
	}
	s, err := Reduce(processing, protocol.PhotoSelectSync{Header: hdr(), SelectedIndices: []int{1}})
	if err != nil {
		t.Fatalf("sync while processing error = %v", err)
	}
	if len(s.Selection) != 1 || s.Selection[0] != 2 {
		t.Fatalf("Selection = %v, want [2]", s.Selection)
	}
	s, err = Reduce(s, protocol.PhotoSelectSync{Header: hdr()})
	if err != nil || len(s.Selection) != 0 {
		t.Fatalf("clearing selection: %v %v", s.Selection, err)
	}
}

func TestReduceSettingsAreLastValueWins(t *testing.T) {
	s := Replay(protocol.WaitingForGuest{Header: hdr()})
	s, _ = Reduce(s, protocol.HostDisplayOptions{Header: hdr(), Options: protocol.DisplayOptions{MirrorHorizontal: true}})
	s, _ = Reduce(s, protocol.HostDisplayOptions{Header: hdr(), Options: protocol.DisplayOptions{MirrorHorizontal: false}})
	s, _ = Reduce(s, protocol.SessionSettings{Header: hdr(), Timing: protocol.Timing{RecordingDurationSec: 7}})
	if s.Settings.HostDisplay.MirrorHorizontal {
		t.Fatalf("host mirror should be the last value (false)")
	}
	if s.Settings.Timing.RecordingDurationSec != 7 {
		t.Fatalf("timing = %+v", s.Settings.Timing)
	}
	if s.Phase != PhaseWaitingForGuest {
		t.Fatalf("settings changed phase to %s", s.Phase)
	}
}

func TestReduceHostLeftReturnsToIdle(t *testing.T) {
	msgs := append(fullSession(1)[:4], protocol.HostLeft{Header: hdr()})
	if got := Replay(msgs...).Phase; got != PhaseIdle {
		t.Fatalf("phase = %s, want idle", got)
	}
}

// Two independent replays of the same randomly ordered stream must agree.
func TestReplayIsDeterministic(t *testing.T) {
	pool := fullSession(2)
	pool = append(pool,
		protocol.GuestLeft{Header: hdr()},
		protocol.SessionRestart{Header: hdr()},
		protocol.HostLeft{Header: hdr()},
		protocol.ChromaKeySettings{Header: hdr()},
	)
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(len(pool) * 2)
		seq := make([]protocol.Message, n)
		for i := range seq {
			seq[i] = pool[rng.Intn(len(pool))]
		}
		host := NewMachine(nil)
		guest := NewMachine(nil)
		for _, msg := range seq {
			_, _ = host.Apply(msg)
			_, _ = guest.Apply(msg)
		}
		if host.Phase() != guest.Phase() || host.State().LastShot != guest.State().LastShot {
			t.Fatalf("round %d diverged: %s vs %s", round, host.Phase(), guest.Phase())
		}
	}
}

func TestMachineTransitionHook(t *testing.T) {
	m := NewMachine(nil)
	var moves []Phase
	m.OnTransition(func(_, to Phase, _ protocol.Message) { moves = append(moves, to) })

	for _, msg := range fullSession(1) {
		if _, err := m.Apply(msg); err != nil {
			t.Fatalf("Apply(%s) error = %v", msg.Kind(), err)
		}
	}
	want := []Phase{PhaseWaitingForGuest, PhaseGuestConnected, PhaseCapturing, PhaseProcessing, PhaseCompleted}
	if len(moves) != len(want) {
		t.Fatalf("moves = %v, want %v", moves, want)
	}
	for i := range want {
		if moves[i] != want[i] {
			t.Fatalf("moves = %v, want %v", moves, want)
		}
	}
}
