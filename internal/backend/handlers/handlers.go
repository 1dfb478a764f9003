package handlers

import (
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/dependencies"
	"NetPulse/internal/backend/plugins"
	"NetPulse/internal/backend/services"
)

type Handlers struct {
	registry     *services.AgentRegistry
	monitor      *services.HeartbeatMonitor
	orchestrator *services.Orchestrator
	scheduler    *services.Scheduler
	history      *services.HistoryService
	agentLogs    *services.AgentLogService
	plugins      *plugins.Manager
	hub          *EventHub
	logger       *slog.Logger
}

func NewHandlers(container *dependencies.Container) *Handlers {
	logger := container.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry:     container.Registry,
		monitor:      container.Monitor,
		orchestrator: container.Orchestrator,
		scheduler:    container.Scheduler,
		history:      container.History,
		agentLogs:    container.AgentLogs,
		plugins:      container.Plugins,
		hub:          NewEventHub(container.Bus, logger.With("component", "ws")),
		logger:       logger.With("component", "http"),
	}
}

// Close disconnects websocket clients.
func (h *Handlers) Close() {
	h.hub.Close()
}

// Clients reports the number of connected websocket clients.
func (h *Handlers) Clients() int {
	return h.hub.Clients()
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
