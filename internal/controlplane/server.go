// Package controlplane exposes the local status API for a watch session:
// health, the current extension set, recent builds, and a websocket stream
// of processed batches for live-reload consumers.
package controlplane

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"devwatch/internal/journal"
	"devwatch/internal/models"
	"devwatch/internal/watcher"
)

// Server provides the HTTP status API for devwatch.
type Server struct {
	session *watcher.Session
	journal *journal.Journal
	hub     *Hub
	addr    string

	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer creates a server and subscribes it to the session's events.
func NewServer(session *watcher.Session, jrnl *journal.Journal, addr string) *Server {
	s := &Server{
		session: session,
		journal: jrnl,
		hub:     NewHub(),
		addr:    addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Loopback dev tool, any local page may subscribe
				return true
			},
		},
	}

	session.OnStart(func() {
		s.publish(readyMessage{Type: "ready", OutputRoot: session.OutputRoot()})
	})
	session.OnEvent(func(batch models.ReconciledBatch) {
		s.publish(batchMessage{
			Type:      "batch",
			BatchID:   batch.ID,
			Path:      batch.Path,
			Events:    eventSummaries(batch),
			StartedAt: batch.StartedAt,
		})
	})
	return s
}

// Start runs the hub and the HTTP server. Blocks until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.echo = s.router()
	log.Printf("Status API listening on %s", s.addr)
	return s.echo.Start(s.addr)
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", s.handleHealth)
	e.GET("/extensions", s.handleExtensions)
	e.GET("/builds", s.handleBuilds)
	e.GET("/events", s.handleEvents)
	return e
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

type readyMessage struct {
	Type       string `json:"type"`
	OutputRoot string `json:"output_root"`
}

type eventSummary struct {
	Kind   models.ChangeKind `json:"kind"`
	Handle string            `json:"handle"`
}

type batchMessage struct {
	Type      string         `json:"type"`
	BatchID   string         `json:"batch_id"`
	Path      string         `json:"path"`
	Events    []eventSummary `json:"events"`
	StartedAt time.Time      `json:"started_at"`
}

func eventSummaries(batch models.ReconciledBatch) []eventSummary {
	out := make([]eventSummary, 0, len(batch.Events))
	for _, ev := range batch.Events {
		out = append(out, eventSummary{Kind: ev.Kind, Handle: ev.Extension.Handle()})
	}
	return out
}

func (s *Server) publish(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling event message: %v", err)
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.session.State()),
	})
}

type extensionInfo struct {
	Handle      string `json:"handle"`
	Incremental bool   `json:"incremental"`
	OutputDir   string `json:"output_dir"`
}

func (s *Server) handleExtensions(c echo.Context) error {
	app := s.session.App()
	root := s.session.OutputRoot()
	infos := make([]extensionInfo, 0, len(app.Extensions))
	for _, ext := range app.Extensions {
		infos = append(infos, extensionInfo{
			Handle:      ext.Handle(),
			Incremental: ext.Incremental(),
			OutputDir:   filepath.Join(root, ext.Handle()),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"app":        app.Name,
		"extensions": infos,
	})
}

func (s *Server) handleBuilds(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	records, err := s.journal.RecentBuilds(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"builds": records})
}

// handleEvents upgrades to a websocket and streams batch messages.
func (s *Server) handleEvents(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump drains the connection to keep pong handling alive; subscribers
// do not send meaningful payloads.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
