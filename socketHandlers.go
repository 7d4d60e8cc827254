package main

import (
	"log"

	socketio "github.com/googollee/go-socket.io"

	"sentinel/camera"
	"sentinel/detect"
	"sentinel/events"
	"sentinel/models"
)

// socketController pushes live pipeline state to connected dashboards:
// a status emit on connect, a threatUpdate per detection result, and
// eventOpened/eventClosed on lifecycle transitions.
type socketController struct {
	server  *socketio.Server
	source  *camera.Source
	worker  *detect.Worker
	manager *events.Manager
}

func newSocketController(server *socketio.Server, source *camera.Source, worker *detect.Worker, manager *events.Manager) *socketController {
	return &socketController{server: server, source: source, worker: worker, manager: manager}
}

func (c *socketController) emitStatus(socket socketio.Conn) {
	socket.Emit("status", statusSnapshot(c.source, c.worker))
}

func (c *socketController) broadcastThreatUpdate(result models.DetectionResult) {
	if !result.HasThreat() {
		return
	}
	c.server.BroadcastToNamespace("/", "threatUpdate", result)
}

func (c *socketController) broadcastEventOpened(event models.Event) {
	c.server.BroadcastToNamespace("/", "eventOpened", event)
}

func (c *socketController) broadcastEventClosed(event models.Event) {
	c.server.BroadcastToNamespace("/", "eventClosed", event)
}

func registerSocketHandlers(server *socketio.Server, controller *socketController) {
	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		connURL := socket.URL()
		log.Printf("CONNECTED: %s, transport: %s, remote addr: %s\n", socket.ID(), connURL.String(), socket.RemoteAddr())
		controller.emitStatus(socket)
		return nil
	})

	server.OnEvent("/", "requestStatus", func(socket socketio.Conn) {
		controller.emitStatus(socket)
	})

	server.OnEvent("/", "requestEvents", func(socket socketio.Conn) {
		open, shots, closed, _ := controller.manager.Snapshot()
		payload := map[string]interface{}{
			"shots":        shots,
			"closedEvents": closed,
		}
		if open != nil {
			payload["openEvent"] = open
		}
		socket.Emit("events", payload)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
	})
}
