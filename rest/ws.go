// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
)

// Live channel message names.
const (
	WSStatus           = "status"
	WSConsoleLog       = "console-log"
	WSConsoleLogs      = "console-logs"
	WSLegacyLog        = "log"
	WSLegacyLogs       = "logs"
	WSRunningProcesses = "running-processes"
	WSSystemInfo       = "system-info"
	WSProcessStarted   = "process-started"
	WSProcessExited    = "process-exited"
	WSSpawnFailed      = "spawn-failed"
	WSCommandFinished  = "command-finished"
	WSLogsCleared      = "logs-cleared"
	WSPing             = "ping"
	WSPong             = "pong"
)

// Live channel protocols, chosen with the protocol query parameter.  The
// default protocol sends log output as text lines.  The legacy protocol
// uses the older log and logs names, and records sends each log record
// as a structured object.
const (
	ProtocolText    = "text"
	ProtocolLegacy  = "legacy"
	ProtocolRecords = "records"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 8192
	minSendBuffer         = 16
)

// WSMessage is one message on the live channel.  Seq is the broadcast
// sequence number of live events, and is absent from the greeting.
type WSMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ProcessEvent is the payload of the process messages.
type ProcessEvent struct {
	ProcessId   string     `json:"processId,omitempty"`
	ProjectPath string     `json:"projectPath"`
	MainFile    string     `json:"mainFile"`
	Pid         int        `json:"pid,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
	Default     bool       `json:"default,omitempty"`
}

// CommandEvent is the payload of command-finished.
type CommandEvent struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Hub tracks the live channel clients.
type Hub struct {
	s       *nodevisor.Supervisor
	logger  nodevisor.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	maxMessage   int64
	sendBuffer   int
}

// WSClient is one live channel connection.  Every event reaches it in
// broadcast order; a client that cannot keep up is disconnected rather
// than skipped over.
type WSClient struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	sub   *nodevisor.Subscription
	proto string
	send  chan []byte
	quit  chan struct{}
	once  sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub returns a Hub feeding clients from s.
func NewHub(s *nodevisor.Supervisor, cfg config.WebSocketConfig, logger nodevisor.Logger) *Hub {
	h := &Hub{
		s:            s,
		logger:       logger,
		clients:      make(map[*WSClient]struct{}),
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongTimeout:  time.Duration(cfg.PongTimeout) * time.Second,
		maxMessage:   cfg.MaxMessageSize,
		sendBuffer:   cfg.SendBuffer,
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = defaultPongTimeout
	}
	if h.maxMessage <= 0 {
		h.maxMessage = defaultMaxMessageSize
	}
	if h.sendBuffer < minSendBuffer {
		h.sendBuffer = minSendBuffer
	}
	return h
}

// ServeHTTP upgrades the connection.  The greeting (status, backlog,
// running process ids and system information) is queued before the
// first live event, and reflects exactly the state that event follows.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	snap, sub := h.s.Subscribe(0)
	c := &WSClient{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		sub:   sub,
		proto: protocol(r.URL.Query().Get("protocol")),
		send:  make(chan []byte, h.sendBuffer),
		quit:  make(chan struct{}),
	}
	for _, msg := range c.greeting(snap) {
		c.queue(msg)
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
	go c.forward()
}

func protocol(name string) string {
	switch {
	case strings.EqualFold(name, ProtocolLegacy):
		return ProtocolLegacy
	case strings.EqualFold(name, ProtocolRecords):
		return ProtocolRecords
	}
	return ProtocolText
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", c.id, "clients", n)
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "client", c.id, "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *WSClient) greeting(snap *nodevisor.Snapshot) []WSMessage {
	msgs := []WSMessage{{Event: WSStatus, Data: snap.Status}}
	switch c.proto {
	case ProtocolLegacy:
		var sb strings.Builder
		for _, rec := range snap.Backlog {
			sb.WriteString(rec.Line())
		}
		msgs = append(msgs, WSMessage{Event: WSLegacyLogs, Data: sb.String()})
	case ProtocolRecords:
		backlog := snap.Backlog
		if backlog == nil {
			backlog = []nodevisor.LogRecord{}
		}
		msgs = append(msgs, WSMessage{Event: WSConsoleLogs, Data: backlog})
	default:
		lines := make([]string, 0, len(snap.Backlog))
		for _, rec := range snap.Backlog {
			lines = append(lines, rec.Line())
		}
		msgs = append(msgs, WSMessage{Event: WSConsoleLogs, Data: lines})
	}
	running := snap.Running
	if running == nil {
		running = []string{}
	}
	msgs = append(msgs,
		WSMessage{Event: WSRunningProcesses, Data: running},
		WSMessage{Event: WSSystemInfo, Data: c.hub.s.SystemInfo()},
	)
	return msgs
}

// message converts a broadcast event to its live channel form.
func (c *WSClient) message(ev nodevisor.Event) WSMessage {
	msg := WSMessage{Seq: ev.Seq}
	switch ev.Type {
	case nodevisor.EventLog:
		switch c.proto {
		case ProtocolLegacy:
			msg.Event = WSLegacyLog
			msg.Data = ev.Log.Line()
		case ProtocolRecords:
			msg.Event = WSConsoleLog
			msg.Data = ev.Log
		default:
			msg.Event = WSConsoleLog
			msg.Data = ev.Log.Line()
		}
	case nodevisor.EventStatus:
		msg.Event = WSStatus
		msg.Data = ev.Status
	case nodevisor.EventProcessStarted:
		msg.Event = WSProcessStarted
		msg.Data = processEvent(ev)
	case nodevisor.EventProcessExited:
		msg.Event = WSProcessExited
		pe := processEvent(ev)
		code := ev.ExitCode
		pe.ExitCode = &code
		msg.Data = pe
	case nodevisor.EventSpawnFailed:
		msg.Event = WSSpawnFailed
		msg.Data = processEvent(ev)
	case nodevisor.EventCommandFinished:
		msg.Event = WSCommandFinished
		msg.Data = CommandEvent{
			Command:  ev.Command,
			Cwd:      ev.Dir,
			ExitCode: ev.ExitCode,
			Error:    ev.Error,
		}
	case nodevisor.EventLogsCleared:
		msg.Event = WSLogsCleared
	default:
		msg.Event = string(ev.Type)
	}
	return msg
}

func processEvent(ev nodevisor.Event) ProcessEvent {
	pe := ProcessEvent{Error: ev.Error}
	if p := ev.Process; p != nil {
		pe.ProcessId = p.Id
		pe.ProjectPath = p.ProjectPath
		pe.MainFile = p.MainFile
		pe.Pid = p.Pid
		pe.Default = p.Default
		if !p.StartTime.IsZero() {
			t := p.StartTime
			pe.StartTime = &t
		}
	}
	return pe
}

// queue hands a message to the write pump, waiting if it is busy.  It
// returns false once the client is closing.
func (c *WSClient) queue(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal live message", "event", msg.Event, "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.quit:
		return false
	}
}

// forward copies the subscription to the client.
func (c *WSClient) forward() {
	for ev := range c.sub.Events() {
		if !c.queue(c.message(ev)) {
			return
		}
	}
	if err := c.sub.Err(); err != nil {
		c.hub.logger.Warn("websocket client dropped", "client", c.id, "error", err)
	}
	c.close()
}

func (c *WSClient) close() {
	c.once.Do(func() {
		close(c.quit)
		c.hub.s.Unsubscribe(c.sub)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

func (c *WSClient) readPump() {
	defer c.close()

	h := c.hub
	c.conn.SetReadLimit(h.maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))

		var msg WSMessage
		if json.Unmarshal(data, &msg) == nil && msg.Event == WSPing {
			if !c.queue(WSMessage{Event: WSPong}) {
				return
			}
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
