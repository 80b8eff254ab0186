package ingest

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/pipeline"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
	"github.com/relabs-tech/inertial_ingest/internal/serialport/serialtest"
	"github.com/relabs-tech/inertial_ingest/internal/wire"
)

var names = []string{"ttyA", "ttyB", "ttyC"}

func newTestService(op serialport.Opener, policy ConnectPolicy) *Service {
	po := pipeline.DefaultOptions()
	po.PollInterval = time.Millisecond
	return NewService(op, Options{Pipeline: po, Policy: policy})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectArity(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)

	for _, n := range [][]string{nil, names[:2], append(names, "ttyD")} {
		if err := s.Connect(n); !errors.Is(err, ErrChannelCount) {
			t.Errorf("Connect(%v) err = %v, want ErrChannelCount", n, err)
		}
	}
	if len(op.Attempts()) != 0 {
		t.Errorf("ports opened on bad arity: %v", op.Attempts())
	}
	if s.IsConnected() {
		t.Error("connected after bad arity")
	}
	for _, c := range s.Status().Channels {
		if c.Connected {
			t.Errorf("channel %d started", c.Channel)
		}
	}
}

func TestDisconnectWhenNeverConnected(t *testing.T) {
	s := newTestService(serialtest.NewOpener(), KeepPartial)
	s.Disconnect()
	s.Disconnect()
	if s.IsConnected() {
		t.Error("IsConnected true after Disconnect")
	}
}

func TestDeliversFromAllChannels(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	var mu sync.Mutex
	got := map[int][]imu.Sample{}
	s.Subscribe("collect", func(sample imu.Sample) {
		mu.Lock()
		got[sample.Channel] = append(got[sample.Channel], sample)
		mu.Unlock()
	})

	if err := s.Connect(names); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() || s.Session() == "" {
		t.Fatalf("connected=%v session=%q", s.IsConnected(), s.Session())
	}

	for i, n := range names {
		var stream []byte
		for k := 0; k < 2; k++ {
			stream = wire.AppendFrame(stream, imu.Frame{AX1: int16(i + 1), GZ2: int16(k)})
		}
		op.Port(n).Feed(stream)
	}

	eventually(t, "two samples per channel", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got[1]) == 2 && len(got[2]) == 2 && len(got[3]) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for ch := 1; ch <= 3; ch++ {
		for k, sample := range got[ch] {
			if sample.Frame.AX1 != int16(ch) || sample.Frame.GZ2 != int16(k) {
				t.Errorf("channel %d sample %d = %+v", ch, k, sample.Frame)
			}
			if sample.Seq != uint64(k+1) {
				t.Errorf("channel %d seq = %d, want %d", ch, sample.Seq, k+1)
			}
			if sample.Session != s.Session() {
				t.Errorf("session = %q, want %q", sample.Session, s.Session())
			}
		}
	}
}

func TestConnectAgain(t *testing.T) {
	op := serialtest.NewOpener(append(names, "ttyD")...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	session := s.Session()

	if err := s.Connect(names); err != nil {
		t.Errorf("same names: %v", err)
	}
	if s.Session() != session {
		t.Error("session changed on no-op connect")
	}
	if err := s.Connect([]string{"ttyA", "ttyB", "ttyD"}); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("other names err = %v, want ErrAlreadyConnected", err)
	}
	if len(op.Attempts()) != 3 {
		t.Errorf("attempts = %v", op.Attempts())
	}
}

func TestPartialConnectKeep(t *testing.T) {
	op := serialtest.NewOpener(names[:2]...)
	op.Fail("ttyC", os.ErrPermission)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	err := s.Connect(names)
	var ce *ChannelError
	if !errors.As(err, &ce) || ce.Channel != 3 || ce.Name != "ttyC" {
		t.Fatalf("err = %v, want ChannelError on channel 3", err)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("err does not wrap cause: %v", err)
	}
	var oe *serialport.OpenError
	if !errors.As(err, &oe) {
		t.Errorf("err does not wrap OpenError: %v", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected after partial failure")
	}

	st := s.Status()
	if !st.Channels[0].Connected || !st.Channels[1].Connected || st.Channels[2].Connected {
		t.Errorf("channel states = %v %v %v", st.Channels[0].Connected, st.Channels[1].Connected, st.Channels[2].Connected)
	}

	// frames on the open channels are not delivered yet
	var delivered atomic.Int64
	s.Subscribe("count", func(imu.Sample) { delivered.Add(1) })
	op.Port("ttyA").Feed(wire.Encode(imu.Frame{}))
	eventually(t, "undelivered frame", func() bool { return s.Status().Channels[0].Undelivered == 1 })
	if delivered.Load() != 0 {
		t.Error("frame delivered before all channels connected")
	}

	// retry reuses the open channels
	op.Fail("ttyC", nil)
	op.Add("ttyC")
	if err := s.Connect(names); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := op.Attempts(); len(got) != 4 || got[3] != "ttyC" {
		t.Errorf("attempts = %v, want only ttyC reopened", got)
	}
	if !s.IsConnected() {
		t.Error("not connected after retry")
	}
}

func TestPartialConnectRollback(t *testing.T) {
	op := serialtest.NewOpener(names[:2]...)
	s := newTestService(op, RollbackPartial)
	defer s.Close()

	err := s.Connect(names)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
	for _, c := range s.Status().Channels {
		if c.Connected {
			t.Errorf("channel %d left connected", c.Channel)
		}
	}
	if !op.Port("ttyA").Closed() || !op.Port("ttyB").Closed() {
		t.Error("opened ports not closed on rollback")
	}
}

func TestDisconnectDetaches(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	var delivered atomic.Int64
	s.Subscribe("count", func(imu.Sample) { delivered.Add(1) })
	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	s.Disconnect()

	if s.IsConnected() || s.Session() != "" {
		t.Error("still connected")
	}
	for _, n := range names {
		if !op.Port(n).Closed() {
			t.Errorf("%s not closed", n)
		}
	}
	if len(s.Status().Subscribers) != 1 {
		t.Error("subscribers dropped by Disconnect")
	}

	// reconnect gets a new session and resumes delivery
	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	op.Port("ttyB").Feed(wire.Encode(imu.Frame{}))
	eventually(t, "delivery after reconnect", func() bool { return delivered.Load() == 1 })
}

func TestUnsubscribe(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	var a, b atomic.Int64
	idA := s.Subscribe("a", func(imu.Sample) { a.Add(1) })
	s.Subscribe("b", func(imu.Sample) { b.Add(1) })

	if !s.Unsubscribe(idA) {
		t.Fatal("Unsubscribe returned false")
	}
	if s.Unsubscribe(idA) {
		t.Error("second Unsubscribe returned true")
	}

	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	op.Port("ttyA").Feed(wire.Encode(imu.Frame{}))
	eventually(t, "delivery to b", func() bool { return b.Load() == 1 })
	if a.Load() != 0 {
		t.Error("unsubscribed handler called")
	}
}

func TestQueueSubscriberDrops(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	q := make(chan imu.Sample, 2)
	s.SubscribeQueue("slow", q)
	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}

	var stream []byte
	for i := 0; i < 5; i++ {
		stream = wire.AppendFrame(stream, imu.Frame{AX1: int16(i)})
	}
	op.Port("ttyA").Feed(stream)

	eventually(t, "drops", func() bool {
		sub := s.Status().Subscribers[0]
		return sub.Sent == 2 && sub.Dropped == 3
	})
	if first := <-q; first.Frame.AX1 != 0 {
		t.Errorf("first queued sample = %+v", first.Frame)
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	var after atomic.Int64
	s.Subscribe("bad", func(imu.Sample) { panic("boom") })
	s.Subscribe("good", func(imu.Sample) { after.Add(1) })

	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	op.Port("ttyC").Feed(append(wire.Encode(imu.Frame{}), wire.Encode(imu.Frame{})...))

	eventually(t, "both samples reach the good subscriber", func() bool { return after.Load() == 2 })
	if p := s.Status().Subscribers[0].Panics; p != 2 {
		t.Errorf("panics = %d, want 2", p)
	}
	if !s.IsConnected() {
		t.Error("service disconnected by panic")
	}
}

func TestActivity(t *testing.T) {
	op := serialtest.NewOpener(names...)
	s := newTestService(op, KeepPartial)
	defer s.Close()

	var now atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now.Store(base.UnixNano())
	s.now = func() time.Time { return time.Unix(0, now.Load()) }

	if s.Active(1) {
		t.Error("active before any frame")
	}
	if err := s.Connect(names); err != nil {
		t.Fatal(err)
	}
	op.Port("ttyA").Feed(wire.Encode(imu.Frame{AX1: 5}))
	eventually(t, "frame", func() bool { _, ok := s.LastFrame(1); return ok })

	if !s.Active(1) || s.Active(2) {
		t.Errorf("active = %v %v, want true false", s.Active(1), s.Active(2))
	}
	now.Store(base.Add(701 * time.Millisecond).UnixNano())
	if s.Active(1) {
		t.Error("still active after timeout")
	}
	if last, _ := s.LastFrame(1); last.Frame.AX1 != 5 {
		t.Errorf("last frame = %+v", last.Frame)
	}
	if s.Active(0) || s.Active(4) {
		t.Error("out-of-range channel reported active")
	}
}

func TestChannelStatus(t *testing.T) {
	s := newTestService(serialtest.NewOpener(), KeepPartial)
	if _, err := s.Channel(4); !errors.Is(err, ErrNoChannel) {
		t.Errorf("Channel(4) err = %v", err)
	}
	cs, err := s.Channel(2)
	if err != nil || cs.Channel != 2 || cs.Connected {
		t.Errorf("Channel(2) = %+v, %v", cs, err)
	}
	if s.Status().Policy != "keep_partial" {
		t.Errorf("policy = %q", s.Status().Policy)
	}
}

func TestClose(t *testing.T) {
	s := newTestService(serialtest.NewOpener(names...), KeepPartial)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(names); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close err = %v", err)
	}
}

func TestParseConnectPolicy(t *testing.T) {
	tests := map[string]ConnectPolicy{
		"":                 KeepPartial,
		"keep_partial":     KeepPartial,
		"Rollback_Partial": RollbackPartial,
		"rollback":         RollbackPartial,
	}
	for in, want := range tests {
		got, err := ParseConnectPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseConnectPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseConnectPolicy("retry"); err == nil {
		t.Error("expected error")
	}
}
