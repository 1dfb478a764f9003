package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	shared "NetPulse/internal/shared/models"
)

func newTestRegistry(t *testing.T, cfg AgentRegistryConfig) (*AgentRegistry, *testClock, *eventRecorder) {
	t.Helper()
	clock := newTestClock()
	bus := events.NewBus(nil)
	rec := &eventRecorder{}
	bus.Subscribe(rec.handle)
	r := NewAgentRegistry(cfg, bus, nil)
	r.now = clock.Now
	return r, clock, rec
}

func validRegistration() *shared.RegisterRequest {
	return &shared.RegisterRequest{
		Hostname:     "h1",
		IP:           "10.0.0.5",
		Version:      "1.0.0",
		Capabilities: []string{"SNMP", "snmp", " http "},
		Tags:         []string{"dc1"},
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t, AgentRegistryConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(req *shared.RegisterRequest)
		want   error
	}{
		{"missing hostname", func(req *shared.RegisterRequest) { req.Hostname = " " }, ErrValidation},
		{"missing ip", func(req *shared.RegisterRequest) { req.IP = "" }, ErrValidation},
		{"missing version", func(req *shared.RegisterRequest) { req.Version = "" }, ErrValidation},
		{"bad ip", func(req *shared.RegisterRequest) { req.IP = "not-an-ip" }, ErrValidation},
		{"bad port", func(req *shared.RegisterRequest) { req.Port = 70000 }, ErrValidation},
		{"no capabilities", func(req *shared.RegisterRequest) { req.Capabilities = nil }, ErrCapability},
		{"blank capabilities", func(req *shared.RegisterRequest) { req.Capabilities = []string{"", " "} }, ErrCapability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRegistration()
			tt.mutate(req)
			_, err := r.Register(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, r.ListAgents(models.AgentFilter{}))
}

func TestRegisterAndReRegister(t *testing.T) {
	r, clock, rec := newTestRegistry(t, AgentRegistryConfig{TokenExpiry: time.Hour})
	ctx := context.Background()

	first, err := r.Register(ctx, validRegistration())
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.AgentID)
	assert.Equal(t, clock.Now().Add(time.Hour), first.ExpiresAt)

	agent, err := r.GetAgent(first.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"snmp", "http"}, agent.Capabilities)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.True(t, agent.Enabled)

	again := validRegistration()
	again.CollectorID = first.AgentID
	again.Version = "1.1.0"
	again.Capabilities = []string{"dns"}
	second, err := r.Register(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.NotEqual(t, first.Token, second.Token)

	agent, err = r.GetAgent(first.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", agent.Version)
	assert.Equal(t, []string{"dns"}, agent.Capabilities)

	assert.True(t, r.ValidateToken(first.Token, first.AgentID))
	assert.True(t, r.ValidateToken(second.Token, first.AgentID))
	assert.False(t, r.ValidateToken(second.Token, "someone-else"))
	assert.Equal(t, 2, rec.count(events.AgentRegistered))
}

func TestRegisterWithUnknownCollectorIDMintsNewID(t *testing.T) {
	r, _, _ := newTestRegistry(t, AgentRegistryConfig{})
	req := validRegistration()
	req.CollectorID = "collector-7"

	res, err := r.Register(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, "collector-7", res.AgentID)
	assert.NotEmpty(t, res.AgentID)

	_, err = r.GetAgent("collector-7")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.True(t, r.ValidateToken(res.Token, res.AgentID))
}

func TestTokenExpiry(t *testing.T) {
	r, clock, _ := newTestRegistry(t, AgentRegistryConfig{TokenExpiry: time.Minute})
	res, err := r.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	agent, err := r.Authenticate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.AgentID, agent.ID)

	clock.Advance(time.Minute)
	assert.False(t, r.ValidateToken(res.Token, res.AgentID))
	_, err = r.Authenticate(res.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, 1, r.PurgeExpiredTokens())
	assert.Zero(t, r.PurgeExpiredTokens())
}

func TestBootstrapTokens(t *testing.T) {
	r, clock, _ := newTestRegistry(t, AgentRegistryConfig{RequireBootstrapToken: true})
	ctx := context.Background()

	_, err := r.Register(ctx, validRegistration())
	assert.ErrorIs(t, err, ErrInvalidToken)

	bt, err := r.IssueBootstrapToken(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.WildcardAgentID, bt.AgentID)
	assert.True(t, r.ValidateToken(bt.Token, "any-agent"))

	_, err = r.Authenticate(bt.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	req := validRegistration()
	req.BootstrapToken = bt.Token
	res, err := r.Register(ctx, req)
	require.NoError(t, err)

	second := validRegistration()
	second.Hostname = "h2"
	second.BootstrapToken = bt.Token
	_, err = r.Register(ctx, second)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	third := validRegistration()
	third.BootstrapToken = bt.Token
	_, err = r.Register(ctx, third)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.GetAgent(res.AgentID)
	assert.NoError(t, err)
}

func TestListAgentsAndEnable(t *testing.T) {
	r, _, rec := newTestRegistry(t, AgentRegistryConfig{})
	ctx := context.Background()

	for _, h := range []string{"c-host", "a-host", "b-host"} {
		req := validRegistration()
		req.Hostname = h
		if h == "b-host" {
			req.Capabilities = []string{"dns"}
			req.Tags = nil
		}
		_, err := r.Register(ctx, req)
		require.NoError(t, err)
	}

	all := r.ListAgents(models.AgentFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a-host", all[0].Hostname)
	assert.Equal(t, "c-host", all[2].Hostname)

	assert.Len(t, r.ListAgents(models.AgentFilter{Capability: "snmp"}), 2)
	assert.Len(t, r.ListAgents(models.AgentFilter{Tag: "dc1"}), 2)
	assert.Len(t, r.ListAgents(models.AgentFilter{Status: models.AgentStatusOffline}), 0)

	agent, err := r.SetEnabled(all[0].ID, false)
	require.NoError(t, err)
	assert.False(t, agent.Enabled)
	assert.Len(t, r.ListAgents(models.AgentFilter{EnabledOnly: true}), 2)
	assert.Equal(t, 1, rec.count(events.AgentStatusChanged))

	_, err = r.SetEnabled("missing", true)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = r.GetAgent("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.Equal(t, 3, r.CountByStatus()[models.AgentStatusOnline])
}

func TestReturnedAgentsAreCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t, AgentRegistryConfig{})
	res, err := r.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	a, err := r.GetAgent(res.AgentID)
	require.NoError(t, err)
	a.Capabilities[0] = "mutated"
	a.Status = models.AgentStatusOffline

	b, err := r.GetAgent(res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "snmp", b.Capabilities[0])
	assert.Equal(t, models.AgentStatusOnline, b.Status)
}

func TestRestoreKnownAgents(t *testing.T) {
	r, _, _ := newTestRegistry(t, AgentRegistryConfig{})
	res, err := r.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	n := r.Restore([]*models.Agent{
		{ID: res.AgentID, Hostname: "stale", Status: models.AgentStatusOnline},
		{ID: "known-1", Hostname: "probe", Capabilities: []string{"tcp"}, Status: models.AgentStatusOnline, Enabled: true},
		nil,
		{ID: ""},
	})
	assert.Equal(t, 1, n)

	live, err := r.GetAgent(res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "h1", live.Hostname, "existing agents are not overwritten")

	restored, err := r.GetAgent("known-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, restored.Status)
	assert.True(t, restored.Enabled)

	// a restored agent regains a token only by registering again
	again, err := r.Register(context.Background(), &shared.RegisterRequest{
		CollectorID: "known-1", Hostname: "probe", IP: "10.0.0.9", Version: "1.0.0", Capabilities: []string{"tcp"},
	})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.True(t, r.ValidateToken(again.Token, "known-1"))
}
