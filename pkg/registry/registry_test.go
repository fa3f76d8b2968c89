package registry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/querylens/pkg/models"
)

func TestRegistryHealthLadder(t *testing.T) {
	r := New()
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp"})

	servers := r.List(models.RoleDatabase)
	require.Len(t, servers, 1)
	assert.Equal(t, models.ToolHealthy, servers[0].Status)

	// First consecutive failure: unhealthy.
	r.RecordProbe("http://db-1:9201/mcp", false)
	assert.Equal(t, models.ToolUnhealthy, r.List(models.RoleDatabase)[0].Status)

	// Second consecutive failure: error.
	r.RecordProbe("http://db-1:9201/mcp", false)
	assert.Equal(t, models.ToolError, r.List(models.RoleDatabase)[0].Status)

	// A successful probe restores healthy and resets the failure count.
	r.RecordProbe("http://db-1:9201/mcp", true)
	assert.Equal(t, models.ToolHealthy, r.List(models.RoleDatabase)[0].Status)

	r.RecordProbe("http://db-1:9201/mcp", false)
	assert.Equal(t, models.ToolUnhealthy, r.List(models.RoleDatabase)[0].Status)
}

func TestRegistryHeartbeatResetsHealth(t *testing.T) {
	r := New()
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp"})
	r.RecordProbe("http://db-1:9201/mcp", false)
	r.RecordProbe("http://db-1:9201/mcp", false)
	require.Equal(t, models.ToolError, r.List(models.RoleDatabase)[0].Status)

	// Re-registration (heartbeat) brings the entry back.
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp"})
	assert.Equal(t, models.ToolHealthy, r.List(models.RoleDatabase)[0].Status)
}

func TestRegistryHealthyFilter(t *testing.T) {
	r := New()
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp"})
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-2:9201/mcp"})
	r.Register(models.ToolDescriptor{Role: models.RoleKnowledgeBase, Endpoint: "http://kb-1:9202/mcp"})

	r.RecordProbe("http://db-2:9201/mcp", false)

	healthy := r.Healthy(models.RoleDatabase)
	require.Len(t, healthy, 1)
	assert.Equal(t, "http://db-1:9201/mcp", healthy[0].Endpoint)

	assert.Len(t, r.Healthy(models.RoleKnowledgeBase), 1)
}

func TestRegistrySweepStale(t *testing.T) {
	r := New()
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp"})

	// Fresh entries survive.
	assert.Equal(t, 0, r.SweepStale(time.Hour))
	assert.Len(t, r.List(""), 1)

	// Everything is stale against a zero age.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, r.SweepStale(time.Millisecond))
	assert.Empty(t, r.List(""))
}

func TestProberPass(t *testing.T) {
	r := New()
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "good"})
	r.Register(models.ToolDescriptor{Role: models.RoleDatabase, Endpoint: "bad"})

	probe := func(_ context.Context, endpoint string) error {
		if endpoint == "bad" {
			return errors.New("connection refused")
		}
		return nil
	}

	p := NewProber(r, probe, DefaultProberConfig(), nil)
	p.RunPass(context.Background())
	p.RunPass(context.Background())

	statuses := map[string]models.ToolStatus{}
	for _, d := range r.List("") {
		statuses[d.Endpoint] = d.Status
	}
	assert.Equal(t, models.ToolHealthy, statuses["good"])
	assert.Equal(t, models.ToolError, statuses["bad"])
}

func TestServerAndClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := New()
	srv := httptest.NewServer(NewServer(r).Router())
	defer srv.Close()

	client := NewClient(srv.URL)

	require.NoError(t, client.Register(ctx, models.ToolDescriptor{
		Role:         models.RoleDatabase,
		Endpoint:     "http://db-1:9201/mcp",
		Capabilities: []string{"list_tables", "execute_sql"},
	}))
	require.NoError(t, client.Register(ctx, models.ToolDescriptor{
		Role:     models.RoleDatabase,
		Endpoint: "http://db-2:9201/mcp",
	}))

	servers, err := client.Servers(ctx, models.RoleDatabase)
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	// Round-robin across both healthy replicas.
	first, err := client.Resolve(ctx, models.RoleDatabase)
	require.NoError(t, err)
	second, err := client.Resolve(ctx, models.RoleDatabase)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	third, err := client.Resolve(ctx, models.RoleDatabase)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestClientResolveNoLiveTool(t *testing.T) {
	ctx := context.Background()
	r := New()
	srv := httptest.NewServer(NewServer(r).Router())
	defer srv.Close()

	client := NewClient(srv.URL)

	// Nothing registered at all.
	_, err := client.Resolve(ctx, models.RoleDatabase)
	assert.ErrorIs(t, err, ErrNoLiveTool)

	// Registered but probed into error state.
	require.NoError(t, client.Register(ctx, models.ToolDescriptor{
		Role: models.RoleDatabase, Endpoint: "http://db-1:9201/mcp",
	}))
	r.RecordProbe("http://db-1:9201/mcp", false)

	_, err = client.Resolve(ctx, models.RoleDatabase)
	assert.ErrorIs(t, err, ErrNoLiveTool)
}

func TestServerRejectsIncompleteRegistration(t *testing.T) {
	r := New()
	srv := httptest.NewServer(NewServer(r).Router())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/register", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, 400, resp.StatusCode)
}
