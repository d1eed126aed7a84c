package core

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dbtap/dbtap/config"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.New()
	cfg.DataDir = t.TempDir()
	cfg.RecentWindow = 4
	e := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func freeTestPort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())
	return port
}

func TestCreateMockValidation(t *testing.T) {
	e := newEngine(t)

	_, err := e.CreateMock(&models.Mock{Protocol: "oracle", ProxyPort: 1, Pattern: "x", Response: "{}"})
	assert.Error(t, err)

	_, err = e.CreateMock(&models.Mock{Protocol: models.Redis, ProxyPort: 1, Pattern: "  ", Response: "{}"})
	assert.Error(t, err)

	_, err = e.CreateMock(&models.Mock{Protocol: models.Redis, ProxyPort: 1, Pattern: "GET k", Response: "{not json"})
	assert.Error(t, err)

	_, err = e.CreateMock(&models.Mock{Protocol: models.Redis, Pattern: "GET k", Response: `"v"`})
	assert.Error(t, err)
}

func TestCreateMockFillsDefaults(t *testing.T) {
	e := newEngine(t)

	created, err := e.CreateMock(&models.Mock{
		Protocol:  models.Postgres,
		ProxyPort: 5432,
		Pattern:   "SELECT 1",
		Response:  `{"rows":[],"rowCount":0}`,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "SELECT 1", created.Name)
	assert.Equal(t, models.SourceManual, created.Source)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := e.GetMock(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestToggleAndDeleteMock(t *testing.T) {
	e := newEngine(t)

	created, err := e.CreateMock(&models.Mock{
		Protocol:  models.Redis,
		ProxyPort: 6379,
		Pattern:   "GET k",
		Response:  `"v"`,
		Enabled:   true,
	})
	require.NoError(t, err)

	toggled, err := e.ToggleMock(created.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	require.NoError(t, e.DeleteMock(created.ID))
	_, err = e.GetMock(created.ID)
	assert.ErrorIs(t, err, models.ErrMockNotFound)
}

func TestDeleteMockFamily(t *testing.T) {
	e := newEngine(t)

	for i := 0; i < 3; i++ {
		_, err := e.CreateMock(&models.Mock{
			Protocol:  models.Redis,
			ProxyPort: 6379,
			Pattern:   fmt.Sprintf("GET k%d", i),
			Response:  `"v"`,
			Enabled:   true,
		})
		require.NoError(t, err)
	}
	_, err := e.CreateMock(&models.Mock{
		Protocol:  models.Postgres,
		ProxyPort: 5432,
		Pattern:   "SELECT 1",
		Response:  `{"rows":[],"rowCount":0}`,
		Enabled:   true,
	})
	require.NoError(t, err)

	// CreateMock classified the GET patterns; only that family goes
	results := e.DeleteMockFamily(6379, models.CmdGet)
	require.Len(t, results, 3)
	for id, resErr := range results {
		assert.NoError(t, resErr, id)
	}
	assert.Empty(t, e.ListMocksByProxy(6379))
	assert.Len(t, e.ListMocksByProxy(5432), 1)

	assert.Empty(t, e.DeleteMockFamily(5432, models.CmdInsert))
	assert.Len(t, e.ListMocksByProxy(5432), 1)
}

func TestCreateMockClassifiesCommand(t *testing.T) {
	e := newEngine(t)

	mock, err := e.CreateMock(&models.Mock{
		Protocol:  models.Postgres,
		ProxyPort: 5432,
		Pattern:   "INSERT INTO users VALUES (1)",
		Response:  `{"rows":[],"rowCount":1}`,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CmdInsert, mock.Command)

	mock, err = e.CreateMock(&models.Mock{
		Protocol:  models.MongoDB,
		ProxyPort: 27017,
		Pattern:   "find app.users",
		Response:  `{"ok":1}`,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CmdFind, mock.Command)
}

func TestRecentQueriesWindow(t *testing.T) {
	e := newEngine(t) // RecentWindow = 4

	for i := 0; i < 6; i++ {
		q := &models.Query{
			ID:        fmt.Sprintf("q-%d", i),
			ProxyPort: 6379,
			Protocol:  models.Redis,
			Timestamp: time.Now(),
			Payload:   models.QueryPayload{Kind: models.PayloadRedis, Args: []string{"GET", fmt.Sprintf("k%d", i)}},
			Command:   models.CmdGet,
		}
		e.OnQuery(q)
		e.OnResponse(q, &models.Response{QueryID: q.ID, Status: models.StatusSuccess})
	}

	recent := e.RecentQueries(6379)
	require.Len(t, recent, 4)
	assert.Equal(t, "q-2", recent[0].Query.ID)
	assert.Equal(t, "q-5", recent[3].Query.ID)
	for _, pair := range recent {
		require.NotNil(t, pair.Response)
		assert.Equal(t, pair.Query.ID, pair.Response.QueryID)
	}

	// evicted pairs no longer accept responses
	e.OnResponse(&models.Query{ID: "q-0", ProxyPort: 6379}, &models.Response{QueryID: "q-0"})
	assert.Empty(t, e.RecentQueries(5432))
}

func TestProxyLifecycleThroughEngine(t *testing.T) {
	e := newEngine(t)

	port := freeTestPort(t)
	require.NoError(t, e.CreateProxy(models.ProxyDefinition{
		Port:       port,
		Name:       "redis",
		Protocol:   models.Redis,
		TargetHost: "127.0.0.1",
		TargetPort: 6379,
	}))

	status, err := e.GetProxy(port)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyStopped, status.State)

	require.NoError(t, e.StartProxy(context.Background(), port))
	status, err = e.GetProxy(port)
	require.NoError(t, err)
	assert.Equal(t, models.ProxyRunning, status.State)

	assert.Error(t, e.DeleteProxy(port))

	require.NoError(t, e.StopProxy(context.Background(), port))
	require.NoError(t, e.DeleteProxy(port))
	assert.Empty(t, e.ListProxies())
}

func TestEventSubscription(t *testing.T) {
	e := newEngine(t)
	events, cancel := e.Subscribe(8)
	defer cancel()

	port := freeTestPort(t)
	require.NoError(t, e.CreateProxy(models.ProxyDefinition{
		Port:       port,
		Protocol:   models.Redis,
		TargetHost: "127.0.0.1",
		TargetPort: 6379,
	}))
	require.NoError(t, e.StartProxy(context.Background(), port))

	select {
	case ev := <-events:
		assert.Equal(t, models.EventProxyStarted, ev.Type)
		assert.Equal(t, port, ev.ProxyPort)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for proxy-started event")
	}
}
