package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rohanbatrain/sbd-signaling/internal/relay"
)

// GetRoom handles GET /rooms/:roomId and returns the live snapshot: the
// participant list and the room's current sequence number. Rooms exist
// implicitly from the first join, so an unknown id is simply empty.
func GetRoom(rel *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := rel.Snapshot(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// Stats handles GET /stats with this instance's local gauge: how many rooms
// and sockets it is serving right now.
func Stats(rel *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, clients := rel.LocalStats()
		c.JSON(http.StatusOK, gin.H{"rooms": rooms, "clients": clients})
	}
}
