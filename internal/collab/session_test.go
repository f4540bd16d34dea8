package collab

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ideasync/internal/document"
	"ideasync/internal/infrastructure/observability"
	"ideasync/internal/presence"
	"ideasync/internal/relay"
	"ideasync/pkg/auth"
	apperrors "ideasync/pkg/errors"
)

const waitFor = 5 * time.Second

func startRelay(t *testing.T) string {
	t.Helper()
	metrics := observability.NewCollector("test")
	hub := relay.NewHub(metrics, zap.NewNop())
	srv := relay.NewServer(hub, auth.AllowAll{}, metrics, relay.DefaultServerConfig(), zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testOptions(relayURL string) Options {
	return Options{
		RelayURL:         relayURL,
		ConnectTimeout:   time.Second,
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		InitialSyncWait:  300 * time.Millisecond,
		SendBuffer:       64,
		Presence: presence.Options{
			Heartbeat: 100 * time.Millisecond,
			Timeout:   400 * time.Millisecond,
			Debounce:  10 * time.Millisecond,
		},
	}
}

// flakyDialer can take the relay away from one client.
type flakyDialer struct {
	inner Dialer
	down  atomic.Bool

	mu    sync.Mutex
	conns []Conn
}

func (d *flakyDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.down.Load() {
		return nil, errors.New("relay unreachable")
	}
	c, err := d.inner.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *flakyDialer) cut() {
	d.down.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func (d *flakyDialer) restore() {
	d.down.Store(false)
}

func openSession(t *testing.T, dialer Dialer, relayURL, ideaID, userID, name string) *Session {
	t.Helper()
	m := NewManager(dialer, testOptions(relayURL), zap.NewNop())
	s, err := m.Open(context.Background(), ideaID, presence.User{ID: userID, Name: name})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitConnected(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		require.Eventually(t, func() bool { return s.Status() == StatusConnected }, waitFor, 5*time.Millisecond)
	}
}

// hangingDialer never connects before the dial context ends.
type hangingDialer struct{}

func (hangingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func appendBlock(s *Session, b document.Block) error {
	base := s.Blocks()
	next := append(append([]document.Block(nil), base...), b)
	return s.ApplyLocalChange(base, next)
}

func texts(blocks []document.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Content
	}
	return out
}

func TestManagerOpen(t *testing.T) {
	relayURL := startRelay(t)

	t.Run("Should reject a missing idea id or user id", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions(relayURL), zap.NewNop())

		_, err := m.Open(context.Background(), "", presence.User{ID: "u1"})
		assert.True(t, apperrors.IsValidation(err))

		_, err = m.Open(context.Background(), "42", presence.User{})
		assert.True(t, apperrors.IsValidation(err))

		_, err = m.Open(context.Background(), "a/b", presence.User{ID: "u1"})
		assert.True(t, apperrors.IsValidation(err))

		_, ok := m.Get("42")
		assert.False(t, ok, "a rejected open leaves nothing behind")
	})

	t.Run("Should return the same session for the same idea", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions(relayURL), zap.NewNop())
		defer m.CloseAll()

		s1, err := m.Open(context.Background(), "42", presence.User{ID: "u1"})
		require.NoError(t, err)
		s2, err := m.Open(context.Background(), "42", presence.User{ID: "u1"})
		require.NoError(t, err)
		assert.Same(t, s1, s2)
		assert.Equal(t, "idea-42", s1.Room())

		other, err := m.Open(context.Background(), "43", presence.User{ID: "u1"})
		require.NoError(t, err)
		assert.NotSame(t, s1, other)
	})

	t.Run("Should outlive the context it was opened with", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions(relayURL), zap.NewNop())
		defer m.CloseAll()

		ctx, cancel := context.WithCancel(context.Background())
		s, err := m.Open(ctx, "42", presence.User{ID: "u1"})
		require.NoError(t, err)
		cancel()

		waitConnected(t, s)
	})

	t.Run("Should close idempotently and forget the session", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions(relayURL), zap.NewNop())

		s, err := m.Open(context.Background(), "42", presence.User{ID: "u1"})
		require.NoError(t, err)
		waitConnected(t, s)

		assert.NoError(t, m.Close("42"))
		assert.NoError(t, s.Close())
		assert.NoError(t, m.Close("42"))
		assert.NoError(t, m.Close("never-opened"))
		assert.Equal(t, StatusClosed, s.Status())
		assert.ErrorIs(t, s.ApplyLocalChange(nil, []document.Block{document.Paragraph("x")}), ErrSessionClosed)

		reopened, err := m.Open(context.Background(), "42", presence.User{ID: "u1"})
		require.NoError(t, err)
		defer reopened.Close()
		assert.NotSame(t, s, reopened)
	})

	t.Run("Should close a session that never connected", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions("ws://127.0.0.1:1"), zap.NewNop())
		s, err := m.Open(context.Background(), "42", presence.User{ID: "u1"})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			s.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("close blocked on an unreachable relay")
		}
	})
}

func TestSessionSync(t *testing.T) {
	t.Run("Should converge two sessions editing the same idea", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "42", "u1", "Ada")
		s2 := openSession(t, WebsocketDialer{}, relayURL, "42", "u2", "Grace")
		waitConnected(t, s1, s2)

		remote := make(chan []document.Block, 16)
		s2.OnRemoteChange(func(blocks []document.Block) { remote <- blocks })

		require.NoError(t, s1.ApplyLocalChange(nil, []document.Block{document.Paragraph("hello")}))

		select {
		case blocks := <-remote:
			assert.Equal(t, []string{"hello"}, texts(blocks))
		case <-time.After(waitFor):
			t.Fatal("remote change was not delivered")
		}

		// Concurrent edits on both sides.
		require.NoError(t, appendBlock(s1, document.Paragraph("from ada")))
		require.NoError(t, appendBlock(s2, document.Paragraph("from grace")))

		require.Eventually(t, func() bool {
			return len(s1.Blocks()) == 3 && s1.Content() == s2.Content()
		}, waitFor, 10*time.Millisecond)
		assert.ElementsMatch(t, []string{"hello", "from ada", "from grace"}, texts(s1.Blocks()))
	})

	t.Run("Should bring a late joiner up to date", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "7", "u1", "Ada")
		waitConnected(t, s1)
		require.NoError(t, s1.ApplyLocalChange(nil, []document.Block{
			document.Heading(1, "Title"),
			document.Paragraph("body"),
		}))

		s2 := openSession(t, WebsocketDialer{}, relayURL, "7", "u2", "Grace")

		require.Eventually(t, func() bool { return s2.Content() == s1.Content() }, waitFor, 10*time.Millisecond)
		select {
		case <-s2.Synced():
		case <-time.After(waitFor):
			t.Fatal("late joiner never synced")
		}
	})

	t.Run("Should keep rooms apart", func(t *testing.T) {
		relayURL := startRelay(t)
		a := openSession(t, WebsocketDialer{}, relayURL, "1", "u1", "Ada")
		b := openSession(t, WebsocketDialer{}, relayURL, "2", "u2", "Grace")
		waitConnected(t, a, b)

		require.NoError(t, a.ApplyLocalChange(nil, []document.Block{document.Paragraph("only idea 1")}))

		time.Sleep(200 * time.Millisecond)
		assert.Empty(t, b.Blocks())
	})

	t.Run("Should keep a remote block merged after the local base was read", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "11", "u1", "Ada")
		s2 := openSession(t, WebsocketDialer{}, relayURL, "11", "u2", "Grace")
		waitConnected(t, s1, s2)

		require.NoError(t, s1.ApplyLocalChange(nil, []document.Block{document.Paragraph("P1")}))
		require.Eventually(t, func() bool { return len(s2.Blocks()) == 1 }, waitFor, 10*time.Millisecond)

		base := s2.Blocks()
		require.NoError(t, appendBlock(s1, document.Paragraph("x")))
		require.Eventually(t, func() bool { return len(s2.Blocks()) == 2 }, waitFor, 10*time.Millisecond)

		next := append(append([]document.Block(nil), base...), document.Paragraph("y"))
		require.NoError(t, s2.ApplyLocalChange(base, next))

		require.Eventually(t, func() bool {
			return len(s1.Blocks()) == 3 && s1.Content() == s2.Content()
		}, waitFor, 10*time.Millisecond)
		assert.ElementsMatch(t, []string{"P1", "x", "y"}, texts(s2.Blocks()))
	})

	t.Run("Should flush pending updates before leaving", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "12", "u1", "Ada")
		s2 := openSession(t, WebsocketDialer{}, relayURL, "12", "u2", "Grace")
		waitConnected(t, s1, s2)

		for i := 0; i < 20; i++ {
			require.NoError(t, appendBlock(s1, document.Paragraph("line")))
		}
		require.NoError(t, s1.Close())

		require.Eventually(t, func() bool { return len(s2.Blocks()) == 20 }, waitFor, 10*time.Millisecond)
	})

	t.Run("Should retain offline edits and deliver them after reconnecting", func(t *testing.T) {
		relayURL := startRelay(t)
		flaky := &flakyDialer{inner: WebsocketDialer{}}
		s1 := openSession(t, flaky, relayURL, "9", "u1", "Ada")
		s2 := openSession(t, WebsocketDialer{}, relayURL, "9", "u2", "Grace")
		waitConnected(t, s1, s2)

		var statuses []Status
		var mu sync.Mutex
		s1.OnStatusChange(func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		})

		flaky.cut()
		require.Eventually(t, func() bool { return s1.Status() != StatusConnected }, waitFor, 5*time.Millisecond)

		require.NoError(t, s1.ApplyLocalChange(nil, []document.Block{document.Paragraph("written offline")}))
		time.Sleep(150 * time.Millisecond)
		assert.Empty(t, s2.Blocks())

		flaky.restore()
		require.Eventually(t, func() bool {
			return len(s2.Blocks()) == 1 && s2.Content() == s1.Content()
		}, waitFor, 10*time.Millisecond)
		assert.Equal(t, "written offline", s2.Blocks()[0].Content)

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, statuses, StatusOffline)
		assert.Contains(t, statuses, StatusConnected)
	})
}

func TestSessionSnapshot(t *testing.T) {
	t.Run("Should seed an empty room from legacy content", func(t *testing.T) {
		relayURL := startRelay(t)
		s := openSession(t, WebsocketDialer{}, relayURL, "5", "u1", "Ada")

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		seeded, err := s.SeedIfEmpty(ctx, "an old plain text idea")
		require.NoError(t, err)
		assert.True(t, seeded)
		assert.Equal(t, []string{"an old plain text idea"}, texts(s.Blocks()))
	})

	t.Run("Should not reseed a room that already has content", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "5", "u1", "Ada")
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_, err := s1.SeedIfEmpty(ctx, "")
		require.NoError(t, err)

		s2 := openSession(t, WebsocketDialer{}, relayURL, "5", "u2", "Grace")
		seeded, err := s2.SeedIfEmpty(ctx, "something else")
		require.NoError(t, err)
		assert.False(t, seeded)

		require.Eventually(t, func() bool { return s2.Content() == s1.Content() }, waitFor, 10*time.Millisecond)
		assert.Equal(t, texts(document.DefaultTemplate()), texts(s2.Blocks()))
	})

	t.Run("Should render stored content when the relay is unreachable", func(t *testing.T) {
		m := NewManager(WebsocketDialer{}, testOptions("ws://127.0.0.1:1"), zap.NewNop())
		s, err := m.Open(context.Background(), "5", presence.User{ID: "u1"})
		require.NoError(t, err)
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		seeded, err := s.SeedIfEmpty(ctx, "stored offline")
		require.NoError(t, err)
		assert.True(t, seeded)
		assert.Equal(t, []string{"stored offline"}, texts(s.Blocks()))
		assert.NotEqual(t, StatusConnected, s.Status())
	})

	t.Run("Should stop waiting when the context ends", func(t *testing.T) {
		m := NewManager(hangingDialer{}, testOptions("ws://127.0.0.1:1"), zap.NewNop())
		s, err := m.Open(context.Background(), "5", presence.User{ID: "u1"})
		require.NoError(t, err)
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = s.SeedIfEmpty(ctx, "x")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSessionPresence(t *testing.T) {
	t.Run("Should list collaborators and drop one that closes", func(t *testing.T) {
		relayURL := startRelay(t)
		s1 := openSession(t, WebsocketDialer{}, relayURL, "3", "u1", "Ada")
		s2 := openSession(t, WebsocketDialer{}, relayURL, "3", "u2", "Grace")
		waitConnected(t, s1, s2)

		require.Eventually(t, func() bool {
			c := s1.Presence().Collaborators()
			return len(c) == 1 && c[0].Name == "Grace"
		}, waitFor, 10*time.Millisecond)

		s2.SetCursor(presence.Cursor{Block: "b1", Offset: 3}, nil)
		require.Eventually(t, func() bool {
			c := s1.Presence().Collaborators()
			return len(c) == 1 && c[0].Cursor != nil && c[0].Cursor.Offset == 3
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, s2.Close())
		require.Eventually(t, func() bool {
			return len(s1.Presence().Collaborators()) == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Should expire a collaborator that vanished without leaving", func(t *testing.T) {
		relayURL := startRelay(t)
		flaky := &flakyDialer{inner: WebsocketDialer{}}
		s1 := openSession(t, WebsocketDialer{}, relayURL, "3", "u1", "Ada")
		s2 := openSession(t, flaky, relayURL, "3", "u2", "Grace")
		waitConnected(t, s1, s2)

		changes := make(chan []presence.Entry, 32)
		s1.OnPresenceChange(func(entries []presence.Entry) { changes <- entries })

		require.Eventually(t, func() bool { return len(s1.Presence().Collaborators()) == 1 }, waitFor, 10*time.Millisecond)

		flaky.cut()
		start := time.Now()
		require.Eventually(t, func() bool {
			return len(s1.Presence().Collaborators()) == 0
		}, waitFor, 10*time.Millisecond)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.NotEmpty(t, changes)
	})
}
