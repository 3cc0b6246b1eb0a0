package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"classtrack/internal/auth"
)

// Enrollment answers class-membership questions for join authorization.
type Enrollment interface {
	IsEnrolled(ctx context.Context, studentID, classID string) (bool, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers cannot set Authorization headers on WebSocket dials; the
	// token travels as a query parameter instead, so origins are open here
	// and auth happens on the token alone.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type clientCommand struct {
	Action  string `json:"action"`
	ClassID string `json:"class_id"`
}

type serverAck struct {
	Type    string `json:"type"`
	ClassID string `json:"class_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler upgrades authenticated subscribers and services their join/leave
// commands. A student may join only rooms of classes it is enrolled in;
// professors and administrators may join any room.
func Handler(hub *Hub, enrollment Enrollment, signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := auth.Parse(c.Query("token"), signingKey, issuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		switch claims.Role {
		case auth.RoleStudent, auth.RoleProfessor, auth.RoleAdministrator:
		default:
			c.JSON(http.StatusForbidden, gin.H{"error": "role cannot subscribe"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("ws upgrade failed for %s: %v", claims.Subject, err)
			return
		}

		client := NewClient(conn, claims.Subject, claims.Role)
		go client.WritePump()
		readLoop(c.Request.Context(), hub, enrollment, client)
	}
}

func readLoop(ctx context.Context, hub *Hub, enrollment Enrollment, client *Client) {
	defer func() {
		hub.Leave(client)
		close(client.send)
	}()

	client.conn.SetReadLimit(1024)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd clientCommand
		if err := client.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read error for %s: %v", client.userID, err)
			}
			return
		}

		switch cmd.Action {
		case "join":
			if cmd.ClassID == "" {
				sendAck(client, serverAck{Type: "error", Error: "class_id required"})
				continue
			}
			ok, err := authorizeJoin(ctx, enrollment, client, cmd.ClassID)
			if err != nil {
				sendAck(client, serverAck{Type: "error", ClassID: cmd.ClassID, Error: "authorization check failed"})
				continue
			}
			if !ok {
				sendAck(client, serverAck{Type: "join_denied", ClassID: cmd.ClassID, Error: "not enrolled"})
				continue
			}
			hub.Join(cmd.ClassID, client)
			sendAck(client, serverAck{Type: "joined", ClassID: cmd.ClassID})
		case "leave":
			hub.LeaveRoom(cmd.ClassID, client)
			sendAck(client, serverAck{Type: "left", ClassID: cmd.ClassID})
		default:
			sendAck(client, serverAck{Type: "error", Error: "unknown action"})
		}
	}
}

func authorizeJoin(ctx context.Context, enrollment Enrollment, client *Client, classID string) (bool, error) {
	if client.role != auth.RoleStudent {
		return true, nil
	}
	return enrollment.IsEnrolled(ctx, client.userID, classID)
}

func sendAck(client *Client, ack serverAck) {
	raw, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case client.send <- raw:
	default:
	}
}
