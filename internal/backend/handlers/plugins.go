package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) ListPlugins(c *gin.Context) {
	list := h.plugins.List()
	running, total := h.plugins.CountRunning()
	c.JSON(http.StatusOK, SuccessResponse("plugins", gin.H{
		"plugins": list,
		"running": running,
		"total":   total,
	}))
}

func (h *Handlers) GetPlugin(c *gin.Context) {
	info, err := h.plugins.GetPlugin(c.Param("type"))
	if err != nil {
		h.respondError(c, "get plugin", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("plugin_found", info))
}

func (h *Handlers) PluginsHealth(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse("plugin_health", h.plugins.HealthCheckAll(c.Request.Context())))
}

func (h *Handlers) PluginHealth(c *gin.Context) {
	status, err := h.plugins.HealthCheck(c.Request.Context(), c.Param("type"))
	if err != nil {
		h.respondError(c, "plugin health", err)
		return
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, SuccessResponse("plugin_health", status))
}

// pluginAction runs a lifecycle operation and answers with the new state.
func (h *Handlers) pluginAction(op string, fn func(ctx context.Context, typ string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		typ := c.Param("type")
		if err := fn(c.Request.Context(), typ); err != nil {
			h.respondError(c, op+" plugin", err)
			return
		}
		info, err := h.plugins.GetPlugin(typ)
		if err != nil {
			h.respondError(c, "get plugin", err)
			return
		}
		h.logger.Info("plugin operation applied", "plugin", typ, "op", op, "state", info.State)
		c.JSON(http.StatusOK, SuccessResponse("plugin_"+op, info))
	}
}

func (h *Handlers) StartPlugin() gin.HandlerFunc   { return h.pluginAction("start", h.plugins.Start) }
func (h *Handlers) StopPlugin() gin.HandlerFunc    { return h.pluginAction("stop", h.plugins.Stop) }
func (h *Handlers) RestartPlugin() gin.HandlerFunc { return h.pluginAction("restart", h.plugins.Restart) }
func (h *Handlers) SuspendPlugin() gin.HandlerFunc { return h.pluginAction("suspend", h.plugins.Suspend) }
func (h *Handlers) ResumePlugin() gin.HandlerFunc  { return h.pluginAction("resume", h.plugins.Resume) }
