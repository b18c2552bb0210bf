package ipc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/turtle/internal/protocol"
)

// serveChannel claims kind on reg and serves it with handler until the test ends.
func serveChannel(t *testing.T, reg Registry, kind protocol.Kind, handler Handler) (Endpoint, context.CancelFunc) {
	t.Helper()

	listener, err := reg.Claim(context.Background(), kind)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- Serve(ctx, listener, handler)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-serveDone)
		})
	}
	t.Cleanup(stop)

	ep, err := reg.Resolve(kind)
	require.NoError(t, err)
	return ep, stop
}

func echoHandler(prefix string) Handler {
	return HandlerFunc(func(_ context.Context, payload []byte) []byte {
		return append([]byte(prefix), payload...)
	})
}

func TestCallRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	ep, _ := serveChannel(t, reg, protocol.KindPing, echoHandler("re:"))

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.Call(context.Background(), []byte("hello"), 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("re:hello"), reply)

	reply, err = conn.Call(context.Background(), nil, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("re:"), reply)
}

func TestDialMissingEndpoint(t *testing.T) {
	reg := testRegistry(t)

	start := time.Now()
	_, err := Dial(context.Background(), reg.Endpoint(protocol.KindBadge), 2*time.Second)
	require.ErrorIs(t, err, ErrEndpointNotFound)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCallTimeoutLeavesConnUsable(t *testing.T) {
	reg := testRegistry(t)
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		if bytes.Equal(payload, []byte("slow")) {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return append([]byte("re:"), payload...)
	})
	ep, _ := serveChannel(t, reg, protocol.KindBadge, handler)

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	timeout := 80 * time.Millisecond
	start := time.Now()
	_, err = conn.Call(context.Background(), []byte("slow"), timeout)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+150*time.Millisecond)

	// The slow reply arrives late and must not satisfy the next call.
	close(release)
	reply, err := conn.Call(context.Background(), []byte("fast"), 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("re:fast"), reply)
	require.NoError(t, conn.Err())
}

func TestConcurrentCallsAreNotCrossDelivered(t *testing.T) {
	reg := testRegistry(t)
	handler := HandlerFunc(func(_ context.Context, payload []byte) []byte {
		time.Sleep(2 * time.Millisecond)
		return append([]byte("re:"), payload...)
	})
	ep, _ := serveChannel(t, reg, protocol.KindCommand, handler)

	shared, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer shared.Close()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("request-%d", i))
			reply, callErr := shared.Call(context.Background(), payload, 2*time.Second)
			if callErr != nil {
				errs <- callErr
				return
			}
			if want := "re:" + string(payload); string(reply) != want {
				errs <- fmt.Errorf("got %q, want %q", reply, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestServeHandlesOneRequestAtATime(t *testing.T) {
	reg := testRegistry(t)
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	handler := HandlerFunc(func(_ context.Context, payload []byte) []byte {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return payload
	})
	ep, _ := serveChannel(t, reg, protocol.KindCommand, handler)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := Dial(context.Background(), ep, time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			for j := 0; j < 3; j++ {
				_, _ = conn.Call(context.Background(), []byte("x"), time.Second)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, peak)
}

func TestCallAfterServerStopReportsConnectionLost(t *testing.T) {
	reg := testRegistry(t)
	ep, stop := serveChannel(t, reg, protocol.KindPing, echoHandler(""))

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Call(context.Background(), []byte("one"), 200*time.Millisecond)
	require.NoError(t, err)

	stop()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not notice server shutdown")
	}

	_, err = conn.Call(context.Background(), []byte("two"), 200*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestWriteTimeoutEndsConn(t *testing.T) {
	reg := testRegistry(t)
	listener, err := reg.Claim(context.Background(), protocol.KindBadge)
	require.NoError(t, err)
	defer listener.Close()

	// Accept but never read, so a large frame cannot be written in full.
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	ep, err := reg.Resolve(protocol.KindBadge)
	require.NoError(t, err)
	conn, err := Dial(context.Background(), ep, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()

	_, err = conn.Call(context.Background(), bytes.Repeat([]byte{'x'}, MaxPayloadSize), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrConnectionLost)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn still open after a partial write")
	}
	require.ErrorIs(t, conn.Err(), ErrConnectionLost)

	_, err = conn.Call(context.Background(), []byte("next"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestCallAfterCloseReportsClosed(t *testing.T) {
	reg := testRegistry(t)
	ep, _ := serveChannel(t, reg, protocol.KindPing, echoHandler(""))

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Call(context.Background(), []byte("x"), 200*time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCallRespectsContextCancellation(t *testing.T) {
	reg := testRegistry(t)
	handler := HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		<-ctx.Done()
		return payload
	})
	ep, _ := serveChannel(t, reg, protocol.KindBadge, handler)

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = conn.Call(ctx, []byte("x"), time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeDropsMalformedFrames(t *testing.T) {
	reg := testRegistry(t)
	ep, _ := serveChannel(t, reg, protocol.KindPing, echoHandler(""))

	raw, err := net.Dial("unix", ep.Path)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0xff, 0xff, 0xff, 0xff, 1, 0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)

	_ = raw.SetReadDeadline(time.Now().Add(time.Second))
	var buf [1]byte
	_, err = raw.Read(buf[:])
	require.Error(t, err)

	conn, err := Dial(context.Background(), ep, 200*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()
	reply, err := conn.Call(context.Background(), []byte("still-serving"), 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("still-serving"), reply)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{typ: frameReply, id: 42, payload: []byte("abc")}))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frame{typ: frameReply, id: 42, payload: []byte("abc")}, got)

	err = writeFrame(&buf, frame{typ: framePush, payload: make([]byte, MaxPayloadSize+1)})
	require.Error(t, err)
}

func TestReadFrameRejectsBadType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{typ: frameType(9), id: 1}))

	_, err := readFrame(&buf)
	require.ErrorIs(t, err, errBadFrame)
}
