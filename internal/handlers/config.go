package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rohanbatrain/sbd-signaling/config"
)

// SignalConfig handles GET /signal/config: the ICE servers and connection
// policies clients need to build their peer connections. The values are
// deployment configuration relayed as-is; nothing here is computed.
func SignalConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ice_servers":          json.RawMessage(cfg.ICE.Servers),
			"ice_transport_policy": cfg.ICE.TransportPolicy,
			"bundle_policy":        cfg.ICE.BundlePolicy,
			"rtcp_mux_policy":      cfg.ICE.RTCPMuxPolicy,
		})
	}
}
