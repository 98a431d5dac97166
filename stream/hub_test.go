package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/bifurcate/engine"
	"github.com/pthm-cable/bifurcate/mpm"
)

func newTestEngine(t *testing.T) engine.FluidEngine {
	t.Helper()
	p := mpm.DefaultParams()
	p.Dims = 2
	p.GridRes = 32
	opts := engine.DefaultOptions()
	opts.Backend = engine.BackendFallback
	opts.Fallback.ParticleCount = 300
	e, err := engine.New(p, opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func command(t *testing.T, conn *websocket.Conn, cmd Command) Reply {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
	var r Reply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func TestPresentWithoutClients(t *testing.T) {
	e := newTestEngine(t)
	h := NewHub(e, 100, 2, 0.5)
	assert.NoError(t, e.Render(h))
}

func TestFrameBroadcast(t *testing.T) {
	e := newTestEngine(t)
	h := NewHub(e, 100, 2, 0.5)
	conn := dial(t, h)

	require.NoError(t, e.Step(2))
	require.NoError(t, e.Render(h))

	var msg FrameMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, TypeFrame, msg.Type)
	assert.Equal(t, int64(1), msg.Step)
	assert.Equal(t, "fallback", msg.Backend)
	assert.Equal(t, 300, msg.Total)
	assert.Equal(t, 3, msg.Stride)
	assert.Len(t, msg.X, 100)
	assert.Len(t, msg.Lobe, 100)
	assert.Empty(t, msg.Z)
	assert.Equal(t, 2, msg.Substeps)
}

func TestCommands(t *testing.T) {
	e := newTestEngine(t)
	h := NewHub(e, 0, 2, 0.5)
	conn := dial(t, h)

	r := command(t, conn, Command{Type: CmdPerturb})
	assert.Equal(t, TypeAck, r.Type)
	assert.Greater(t, e.Measure().KineticEnergy, 0.0)

	r = command(t, conn, Command{Type: CmdReset})
	assert.Equal(t, TypeAck, r.Type)
	assert.Zero(t, e.Measure().KineticEnergy)

	r = command(t, conn, Command{Type: CmdSubsteps, Value: 4})
	assert.Equal(t, TypeAck, r.Type)
	assert.Equal(t, 4, h.Substeps())

	r = command(t, conn, Command{Type: CmdPause})
	assert.Equal(t, TypeAck, r.Type)
	assert.True(t, h.Paused())
}

func TestCommandErrors(t *testing.T) {
	e := newTestEngine(t)
	h := NewHub(e, 0, 2, 0.5)
	conn := dial(t, h)

	neg := float32(-1)
	r := command(t, conn, Command{Type: CmdPerturb, Sigma: &neg})
	assert.Equal(t, TypeError, r.Type)
	assert.Contains(t, r.Error, "sigma")
	assert.Zero(t, e.Measure().KineticEnergy)

	r = command(t, conn, Command{Type: CmdSubsteps, Value: 0})
	assert.Equal(t, TypeError, r.Type)
	assert.Equal(t, 2, h.Substeps())

	r = command(t, conn, Command{Type: "explode"})
	assert.Equal(t, TypeError, r.Type)
	assert.Equal(t, "explode", r.Command)
}

func TestIndexPage(t *testing.T) {
	h := NewHub(newTestEngine(t), 0, 2, 0.5)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestConcurrentPauseToggles(t *testing.T) {
	h := NewHub(newTestEngine(t), 100, 2, 0.1)

	const toggles = 101
	var wg sync.WaitGroup
	for i := 0; i < toggles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.handle(Command{Type: CmdPause}))
		}()
	}
	wg.Wait()
	assert.True(t, h.Paused(), "an odd number of toggles must leave the hub paused")
}
