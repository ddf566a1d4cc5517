package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
)

func sample(n byte) media.Sample {
	return media.Sample{TrackID: 0, Payload: []byte{n}}
}

func testViewer(capacity, threshold int, window time.Duration, clk clock.Clock) *Viewer {
	return newViewer(1, &Session{path: "cam"}, capacity, threshold, window, clk)
}

func TestViewerReceiveOrder(t *testing.T) {
	v := testViewer(8, 10, time.Second, clock.New())
	for i := byte(1); i <= 3; i++ {
		v.push(sample(i))
	}

	ctx := context.Background()
	for i := byte(1); i <= 3; i++ {
		s, err := v.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if s.Payload[0] != i {
			t.Errorf("expected sample %d, got %d", i, s.Payload[0])
		}
	}
}

func TestViewerDropOldest(t *testing.T) {
	v := testViewer(2, 10, time.Second, clock.New())
	for i := byte(1); i <= 4; i++ {
		v.push(sample(i))
	}

	if got := v.Dropped(); got != 2 {
		t.Errorf("expected 2 dropped samples, got %d", got)
	}

	ctx := context.Background()
	for _, want := range []byte{3, 4} {
		s, err := v.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if s.Payload[0] != want {
			t.Errorf("expected sample %d, got %d", want, s.Payload[0])
		}
	}
}

func TestViewerOverflowKick(t *testing.T) {
	v := testViewer(1, 2, time.Second, clock.New())

	v.push(sample(1))
	for i := 0; i < 2; i++ {
		if _, kicked := v.push(sample(2)); kicked {
			t.Fatalf("kicked after %d overflows, threshold is 2", i+1)
		}
	}
	if _, kicked := v.push(sample(3)); !kicked {
		t.Error("expected kick after exceeding overflow threshold")
	}
}

func TestViewerOverflowWindowPruning(t *testing.T) {
	clk := clock.NewMock()
	v := testViewer(1, 2, time.Second, clk)

	v.push(sample(1))
	v.push(sample(2))
	v.push(sample(3))

	// old overflows fall out of the window, so the budget resets
	clk.Add(2 * time.Second)

	v.push(sample(4))
	if _, kicked := v.push(sample(5)); kicked {
		t.Error("kicked even though earlier overflows were outside the window")
	}
	if _, kicked := v.push(sample(6)); !kicked {
		t.Error("expected kick after three overflows inside the window")
	}
}

func TestViewerCloseWakesReceive(t *testing.T) {
	v := testViewer(4, 10, time.Second, clock.New())
	want := errors.New("upstream gone")

	got := make(chan error, 1)
	go func() {
		_, err := v.Receive(context.Background())
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	v.close(want)

	select {
	case err := <-got:
		if !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after close")
	}
}

func TestViewerCloseFirstErrorWins(t *testing.T) {
	v := testViewer(4, 10, time.Second, clock.New())
	first := errors.New("first")
	v.close(first)
	v.close(errors.New("second"))

	_, err := v.Receive(context.Background())
	if !errors.Is(err, first) {
		t.Errorf("expected first close error, got %v", err)
	}
}

func TestViewerCloseDefaultsToClosedError(t *testing.T) {
	v := testViewer(4, 10, time.Second, clock.New())
	v.close(nil)

	_, err := v.Receive(context.Background())
	if !errors.Is(err, ErrViewerClosed) {
		t.Errorf("expected ErrViewerClosed, got %v", err)
	}
}

func TestViewerReceiveContextCancel(t *testing.T) {
	v := testViewer(4, 10, time.Second, clock.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestViewerPushAfterCloseIgnored(t *testing.T) {
	v := testViewer(4, 10, time.Second, clock.New())
	v.close(nil)

	if dropped, kicked := v.push(sample(1)); dropped || kicked {
		t.Error("push after close should be a no-op")
	}
	if got := v.Dropped(); got != 0 {
		t.Errorf("expected 0 dropped, got %d", got)
	}
}

func TestDistributorPublish(t *testing.T) {
	d := newDistributor()
	v1 := testViewer(4, 10, time.Second, clock.New())
	v2 := newViewer(2, &Session{path: "cam"}, 4, 10, time.Second, clock.New())
	d.subscribe(v1)
	d.subscribe(v2)

	d.publish(sample(1))
	if d.count() != 2 {
		t.Errorf("expected 2 viewers, got %d", d.count())
	}

	ctx := context.Background()
	for _, v := range []*Viewer{v1, v2} {
		s, err := v.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if s.Payload[0] != 1 {
			t.Errorf("expected sample 1, got %d", s.Payload[0])
		}
	}

	d.unsubscribe(v1.id)
	if d.count() != 1 {
		t.Errorf("expected 1 viewer after unsubscribe, got %d", d.count())
	}
}
