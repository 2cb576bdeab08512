package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemoryDialRefused(t *testing.T) {
	m := NewMemory()
	_, err := m.Dial("inproc://nobody")
	require.Equal(t, ErrConnectionRefused, err)

	_, err = Open(m, RoleClient, "inproc://nobody")
	require.Equal(t, ErrConnectionRefused, errors.Cause(err))
}

func TestMemoryListenTwice(t *testing.T) {
	m := NewMemory()
	r, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	_, err = m.Listen("inproc://svc")
	require.Equal(t, ErrAddressInUse, err)

	// The endpoint becomes free once the listener closes
	require.NoError(t, r.Close())
	r2, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	require.NoError(t, r2.Close())
}

func TestMemoryRouting(t *testing.T) {
	m := NewMemory()
	router, err := Open(m, RoleServer, "inproc://svc")
	require.NoError(t, err)
	defer router.Close()

	a, err := Open(m, RoleClient, "inproc://svc")
	require.NoError(t, err)
	b, err := Open(m, RoleClient, "inproc://svc")
	require.NoError(t, err)

	require.NoError(t, a.Send([][]byte{[]byte("from-a")}))
	require.NoError(t, b.Send([][]byte{[]byte("from-b")}))

	// The router sees the sender identity first and can answer each peer separately
	for i := 0; i < 2; i++ {
		msg, err := router.Recv()
		require.NoError(t, err)
		require.Len(t, msg, 2)
		reply := [][]byte{msg[0], append([]byte("re:"), msg[1]...)}
		require.NoError(t, router.Send(reply))
	}

	got, err := a.Recv()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("re:from-a")}, got)

	got, err = b.Recv()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("re:from-b")}, got)

	// Unknown identities are dropped silently
	require.NoError(t, router.Send([][]byte{[]byte("ghost"), []byte("x")}))
}

func TestMemoryFramesAreCopied(t *testing.T) {
	m := NewMemory()
	router, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	defer router.Close()
	d, err := m.Dial("inproc://svc")
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, d.Send([][]byte{buf}))
	buf[0] = 'X'

	msg, err := router.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), msg[1])
}

func TestMemoryRouterCloseResetsPeers(t *testing.T) {
	m := NewMemory()
	router, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	d, err := m.Dial("inproc://svc")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := d.Recv()
		errc <- err
	}()

	require.NoError(t, router.Close())
	select {
	case err := <-errc:
		require.Equal(t, ErrPeerReset, err)
	case <-time.After(time.Second):
		t.Fatal("dealer did not notice the reset")
	}
	require.Equal(t, ErrPeerReset, d.Send([][]byte{[]byte("x")}))
}

func TestMemoryDealerClose(t *testing.T) {
	m := NewMemory()
	router, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	defer router.Close()
	d, err := m.Dial("inproc://svc")
	require.NoError(t, err)

	require.NoError(t, d.Close())
	_, err = d.Recv()
	require.Equal(t, ErrClosed, err)
	require.Equal(t, ErrClosed, d.Send(nil))
}

func TestPollerDeliversEventsAndClose(t *testing.T) {
	m := NewMemory()
	router, err := m.Listen("inproc://svc")
	require.NoError(t, err)
	d, err := m.Dial("inproc://svc")
	require.NoError(t, err)

	p := NewPoller(16)
	defer p.Close()
	key := Key{Conn: 1, Gen: 3}
	p.Watch(key, d)

	msg, err := func() ([][]byte, error) {
		require.NoError(t, d.Send([][]byte{[]byte("ping")}))
		return router.Recv()
	}()
	require.NoError(t, err)
	require.NoError(t, router.Send([][]byte{msg[0], []byte("pong")}))

	evs, err := p.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, key, evs[0].Key)
	require.NoError(t, evs[0].Err)
	require.Equal(t, [][]byte{[]byte("pong")}, evs[0].Frames)

	require.NoError(t, router.Close())
	evs, err = p.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, ErrPeerReset, evs[0].Err)
}

func TestPollerTimeoutAndWake(t *testing.T) {
	p := NewPoller(1)
	defer p.Close()

	start := time.Now()
	evs, err := p.Poll(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, evs)
	require.True(t, time.Since(start) >= 30*time.Millisecond)

	p.Wake()
	start = time.Now()
	evs, err = p.Poll(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Empty(t, evs)
	require.True(t, time.Since(start) < time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Poll(ctx, time.Hour)
	require.Equal(t, context.Canceled, err)

	p.Close()
	_, err = p.Poll(context.Background(), time.Hour)
	require.Equal(t, ErrClosed, err)
}
