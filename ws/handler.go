package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vnkhanh/recallai-backend/utils"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// HandleDeckWebSocket streams the caller's deck changes. Browsers cannot set
// headers on a websocket handshake, so the token comes in the query string.
func HandleDeckWebSocket(hub *Hub, verifier *utils.TokenVerifier, allowedOrigins []string) gin.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := verifier.VerifyToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		userID := claims.UserID

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
			return
		}
		client := hub.Register(userID, conn)
		defer hub.Unregister(userID, conn)
		hub.log.Info("deck stream connected", "user_id", userID)

		hello, _ := json.Marshal(gin.H{"type": "connected"})
		client.Send <- hello

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		hub.log.Info("deck stream disconnected", "user_id", userID)
	}
}
