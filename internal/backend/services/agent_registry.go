package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	shared "NetPulse/internal/shared/models"
	"NetPulse/pkg/uuidutil"
	"NetPulse/pkg/validator"
)

type AgentRegistryConfig struct {
	TokenExpiry           time.Duration
	BootstrapTokenExpiry  time.Duration
	RequireBootstrapToken bool
}

// AgentRegistry owns the known agents and their registration tokens.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	tokens map[string]*models.RegistrationToken

	config AgentRegistryConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewAgentRegistry(config AgentRegistryConfig, bus *events.Bus, logger *slog.Logger) *AgentRegistry {
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = 720 * time.Hour
	}
	if config.BootstrapTokenExpiry <= 0 {
		config.BootstrapTokenExpiry = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AgentRegistry{
		agents: make(map[string]*models.Agent),
		tokens: make(map[string]*models.RegistrationToken),
		config: config,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

type RegisterResult struct {
	AgentID    string
	Token      string
	ExpiresAt  time.Time
	ServerTime time.Time
	Created    bool
}

// Register creates a new agent, or refreshes a known one when CollectorID is
// supplied. A fresh token is issued either way; earlier tokens stay valid
// until they expire.
func (r *AgentRegistry) Register(ctx context.Context, req *shared.RegisterRequest) (*RegisterResult, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}
	capabilities := validator.NormalizeCapabilities(req.Capabilities)
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("%w: capabilities list is empty", ErrCapability)
	}

	token, err := uuidutil.NewToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	r.mu.Lock()
	now := r.now()

	if r.config.RequireBootstrapToken {
		bt := r.tokens[req.BootstrapToken]
		if !bt.ValidFor(req.CollectorID, now) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: bootstrap token required", ErrInvalidToken)
		}
	}

	agent, created := r.agents[req.CollectorID], false
	if agent == nil {
		created = true
		id := uuidutil.New()
		if req.CollectorID != "" {
			r.logger.Warn("unknown collector id, assigning a new one", "collector_id", req.CollectorID, "agent_id", id)
		}
		agent = &models.Agent{
			ID:            id,
			Status:        models.AgentStatusOnline,
			Enabled:       true,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		r.agents[id] = agent
	}

	agent.Hostname = strings.TrimSpace(req.Hostname)
	agent.IP = strings.TrimSpace(req.IP)
	agent.Port = req.Port
	agent.Version = strings.TrimSpace(req.Version)
	agent.Capabilities = capabilities
	agent.Tags = slices.Clone(req.Tags)
	agent.UpdatedAt = now

	expiresAt := now.Add(r.config.TokenExpiry)
	r.tokens[token] = &models.RegistrationToken{
		Token:     token,
		AgentID:   agent.ID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", snapshot.ID,
		"hostname", snapshot.Hostname,
		"capabilities", snapshot.Capabilities,
		"new", created,
	)
	r.bus.Publish(events.Event{
		Type:     events.AgentRegistered,
		Severity: events.SeverityInfo,
		Source:   "registry",
		Message:  fmt.Sprintf("agent %s registered from %s", snapshot.Hostname, snapshot.IP),
		Metadata: map[string]string{"agent_id": snapshot.ID, "hostname": snapshot.Hostname},
		Data:     snapshot,
	})

	return &RegisterResult{
		AgentID:    snapshot.ID,
		Token:      token,
		ExpiresAt:  expiresAt,
		ServerTime: now,
		Created:    created,
	}, nil
}

func validateRegistration(req *shared.RegisterRequest) error {
	var missing []string
	if strings.TrimSpace(req.Hostname) == "" {
		missing = append(missing, "hostname")
	}
	if strings.TrimSpace(req.IP) == "" {
		missing = append(missing, "ip")
	}
	if strings.TrimSpace(req.Version) == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if !validator.ValidateIP(req.IP) {
		return fmt.Errorf("%w: invalid ip %q", ErrValidation, req.IP)
	}
	if req.Port < 0 || req.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrValidation, req.Port)
	}
	return nil
}

// IssueBootstrapToken mints a wildcard token for first registrations.
func (r *AgentRegistry) IssueBootstrapToken(ttl time.Duration) (*models.RegistrationToken, error) {
	if ttl <= 0 {
		ttl = r.config.BootstrapTokenExpiry
	}
	token, err := uuidutil.NewToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	r.mu.Lock()
	now := r.now()
	t := &models.RegistrationToken{
		Token:     token,
		AgentID:   models.WildcardAgentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	r.tokens[token] = t
	r.mu.Unlock()

	r.logger.Info("bootstrap token issued", "expires_at", t.ExpiresAt)
	c := *t
	return &c, nil
}

// ValidateToken reports whether token is unexpired and bound to agentID.
func (r *AgentRegistry) ValidateToken(token, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[token].ValidFor(agentID, r.now())
}

// Authenticate resolves an agent-bound token to its agent.
func (r *AgentRegistry) Authenticate(token string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := r.tokens[token]
	if t == nil || t.AgentID == models.WildcardAgentID || !t.ValidFor(t.AgentID, r.now()) {
		return nil, ErrInvalidToken
	}
	agent, ok := r.agents[t.AgentID]
	if !ok {
		return nil, ErrInvalidToken
	}
	return agent.Clone(), nil
}

// PurgeExpiredTokens drops tokens past expiry and returns how many.
func (r *AgentRegistry) PurgeExpiredTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for k, t := range r.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(r.tokens, k)
			n++
		}
	}
	return n
}

func (r *AgentRegistry) GetAgent(id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent.Clone(), nil
}

// ListAgents returns the agents matching filter, sorted by hostname then id.
func (r *AgentRegistry) ListAgents(filter models.AgentFilter) []*models.Agent {
	r.mu.RLock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, id := range slices.Sorted(maps.Keys(r.agents)) {
		if a := r.agents[id]; filter.Match(a) {
			out = append(out, a.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *models.Agent) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	return out
}

func (r *AgentRegistry) SetEnabled(id string, enabled bool) (*models.Agent, error) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Enabled = enabled
	agent.UpdatedAt = r.now()
	snapshot := agent.Clone()
	r.mu.Unlock()

	r.logger.Info("agent enabled flag changed", "agent_id", id, "enabled", enabled)
	r.bus.Publish(events.Event{
		Type:     events.AgentStatusChanged,
		Severity: events.SeverityInfo,
		Source:   "registry",
		Message:  fmt.Sprintf("agent %s enabled=%t", snapshot.Hostname, enabled),
		Metadata: map[string]string{"agent_id": id, "status": string(snapshot.Status)},
		Data:     snapshot,
	})
	return snapshot, nil
}

// Restore seeds the registry with agents known from a previous run. They
// come back OFFLINE and without tokens, so each must re-register before it
// receives work. Agents already present are left alone.
func (r *AgentRegistry) Restore(agents []*models.Agent) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, a := range agents {
		if a == nil || a.ID == "" {
			continue
		}
		if _, ok := r.agents[a.ID]; ok {
			continue
		}
		c := a.Clone()
		c.Status = models.AgentStatusOffline
		r.agents[c.ID] = c
		n++
	}
	if n > 0 {
		r.logger.Info("restored known agents", "count", n)
	}
	return n
}

// CountByStatus returns how many agents are in each status.
func (r *AgentRegistry) CountByStatus() map[models.AgentStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.AgentStatus]int, 4)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

// update applies fn to the agent under the registry lock and returns a
// snapshot of the result.
func (r *AgentRegistry) update(id string, fn func(a *models.Agent, now time.Time)) (*models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	fn(agent, r.now())
	return agent.Clone(), nil
}
