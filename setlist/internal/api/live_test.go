package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go_setlist/setlist/internal/config"
	"go_setlist/setlist/internal/orchestrator"
	"go_setlist/setlist/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

func dialLive(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?" + query
	return websocket.Dial(ctx, url, nil)
}

func readUpdate(t *testing.T, conn *websocket.Conn, format string) *types.LiveUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var u types.LiveUpdate
	if format == FormatMsgpack {
		assert.Equal(t, websocket.MessageBinary, typ)
		require.NoError(t, msgpack.Unmarshal(data, &u))
	} else {
		assert.Equal(t, websocket.MessageText, typ)
		require.NoError(t, json.Unmarshal(data, &u))
	}
	return &u
}

func addSong(t *testing.T, e *testEnv, eventID, title string) {
	t.Helper()
	_, err := e.orch.AddSong(context.Background(), orchestrator.AddSongRequest{
		EventID: eventID, DeviceID: "dev-1", Title: title, Artist: "Artist",
	})
	require.NoError(t, err)
}

func TestLive_SnapshotThenSongs(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatMsgpack} {
		t.Run(format, func(t *testing.T) {
			e := newTestEnv(t, nil)
			id := e.createEvent(t, "Live", "dev-1")
			addSong(t, e, id, "First")

			srv := httptest.NewServer(e.live.Handler())
			defer srv.Close()

			conn, _, err := dialLive(t, srv, "eventId="+id+"&format="+format)
			require.NoError(t, err)
			defer conn.CloseNow()

			snap := readUpdate(t, conn, format)
			assert.Equal(t, types.UpdateSnapshot, snap.Type)
			assert.Equal(t, 1, snap.TotalSongs)
			require.Len(t, snap.Songs, 1)
			assert.Equal(t, "First", snap.Songs[0].Title)

			addSong(t, e, id, "Second")

			update := readUpdate(t, conn, format)
			assert.Equal(t, types.UpdateSong, update.Type)
			assert.Equal(t, id, update.EventID)
			require.NotNil(t, update.Song)
			assert.Equal(t, "Second", update.Song.Title)
			assert.Equal(t, 2, update.TotalSongs)
		})
	}
}

func TestLive_EventClosed(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.createEvent(t, "Closing", "dev-1")

	srv := httptest.NewServer(e.live.Handler())
	defer srv.Close()

	conn, _, err := dialLive(t, srv, "eventId="+id)
	require.NoError(t, err)
	defer conn.CloseNow()
	readUpdate(t, conn, FormatJSON)

	e.clock.Advance(31 * 24 * time.Hour)
	_, err = e.orch.SweepExpired(context.Background())
	require.NoError(t, err)

	update := readUpdate(t, conn, FormatJSON)
	assert.Equal(t, types.UpdateClosed, update.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestLive_Rejections(t *testing.T) {
	e := newTestEnv(t, &config.RateConfig{MaxLiveConns: 1})
	id := e.createEvent(t, "Live", "dev-1")

	srv := httptest.NewServer(e.live.Handler())
	defer srv.Close()

	t.Run("unknown event", func(t *testing.T) {
		_, resp, err := dialLive(t, srv, "eventId=zzzzzzzz")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad format", func(t *testing.T) {
		_, resp, err := dialLive(t, srv, "eventId="+id+"&format=xml")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("too many connections", func(t *testing.T) {
		conn, _, err := dialLive(t, srv, "eventId="+id)
		require.NoError(t, err)
		defer conn.CloseNow()
		readUpdate(t, conn, FormatJSON)

		_, resp, err := dialLive(t, srv, "eventId="+id)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	assert.Eventually(t, func() bool {
		return e.hub.GetStats().ActiveSubscribers == 0
	}, 5*time.Second, 10*time.Millisecond, "subscribers are released when clients leave")
}
