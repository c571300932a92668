package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fieldline/docsync/docsync"
	"github.com/fieldline/docsync/protocol"
)

type ServerSettings struct {
	Port     int
	DataPath string
	// HMAC secret for room tokens; empty disables auth
	Secret        string
	ClientTimeout time.Duration
	SaveDebounce  time.Duration
	// socket pump
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
	SchemaVersion  int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Port:           8080,
		DataPath:       "syncd.db",
		ClientTimeout:  10 * time.Second,
		SaveDebounce:   2 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		PingTimeout:    10 * time.Second,
		SendBufferSize: 64,
		SchemaVersion:  1,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the process-level room registry: one socket room per storage
// id, lazily opened from the latest persisted snapshot. No ambient globals;
// the registry's lifecycle is the server's lifecycle.
type Server struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *ServerSettings
	schema   docsync.Schema
	store    *SnapshotStore

	mutex sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	socketRoom *docsync.SocketRoom
	saveMutex  sync.Mutex
	saveTimer  *time.Timer
}

func NewServer(ctx context.Context, settings *ServerSettings) (*Server, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	store, err := OpenSnapshotStore(settings.DataPath)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		schema:   docsync.PermissiveSchema(settings.SchemaVersion, "presence"),
		store:    store,
		rooms:    map[string]*roomEntry{},
	}, nil
}

func (self *Server) Run() error {
	router := mux.NewRouter()
	router.HandleFunc("/status", self.handleStatus)
	router.HandleFunc("/rooms/{roomId}/connect", self.handleConnect)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", self.settings.Port),
		Handler: router,
	}

	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Server) Close() {
	self.cancel()

	self.mutex.Lock()
	rooms := map[string]*roomEntry{}
	for roomId, entry := range self.rooms {
		rooms[roomId] = entry
	}
	self.rooms = map[string]*roomEntry{}
	self.mutex.Unlock()

	for roomId, entry := range rooms {
		if err := self.store.SaveSnapshot(roomId, entry.socketRoom.Room().GetSnapshot()); err != nil {
			glog.Infof("[syncd]save %s error = %s\n", roomId, err)
		}
		entry.socketRoom.Close()
	}
	self.store.Close()
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version"`
		Status  string `json:"status"`
		Rooms   int    `json:"rooms"`
	}

	self.mutex.Lock()
	roomCount := len(self.rooms)
	self.mutex.Unlock()

	responseJson, err := json.Marshal(&StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
		Rooms:   roomCount,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["roomId"]
	sessionId := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")

	if sessionId == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[syncd]upgrade error = %s\n", err)
		return
	}

	// auth is checked after the upgrade so the rejection travels as a typed
	// incompatibility event the sync client understands
	if self.settings.Secret != "" {
		if err := VerifyRoomToken([]byte(self.settings.Secret), token, roomId); err != nil {
			glog.Infof("[syncd]%s not authorized for %s = %s\n", sessionId, roomId, err)
			rejectSocket(ws, protocol.ReasonNotAuthorized, self.settings.WriteTimeout)
			return
		}
	}

	entry, err := self.openRoom(roomId)
	if err != nil {
		glog.Infof("[syncd]open room %s error = %s\n", roomId, err)
		rejectSocket(ws, protocol.ReasonRoomNotFound, self.settings.WriteTimeout)
		return
	}

	socket := newWsSocket(ws, self.settings)
	if err := entry.socketRoom.HandleSocketConnect(sessionId, socket, r.RemoteAddr); err != nil {
		glog.Infof("[syncd]%s connect error = %s\n", sessionId, err)
		socket.Close()
		return
	}
	glog.V(2).Infof("[syncd]%s connected to %s\n", sessionId, roomId)

	// read pump
	go func() {
		defer func() {
			entry.socketRoom.HandleSocketClose(sessionId)
			socket.Close()
		}()

		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[syncd]%s<- closed = %s\n", sessionId, err)
				return
			}
			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if len(message) == 0 {
					// keepalive
					continue
				}
				entry.socketRoom.HandleSocketMessage(sessionId, string(message))
			}
		}
	}()
}

func (self *Server) openRoom(roomId string) (*roomEntry, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if entry, ok := self.rooms[roomId]; ok {
		return entry, nil
	}

	snapshot, err := self.store.LoadSnapshot(roomId)
	if err != nil {
		return nil, err
	}

	roomSettings := docsync.DefaultRoomSettings()
	roomSettings.ClientTimeout = self.settings.ClientTimeout
	room, err := docsync.NewRoom(snapshot, self.schema, roomSettings)
	if err != nil {
		return nil, err
	}

	entry := &roomEntry{
		socketRoom: docsync.NewSocketRoomWithDefaults(room),
	}
	entry.socketRoom.OnDataChange(func() {
		self.scheduleSave(roomId, entry)
	})
	self.rooms[roomId] = entry
	glog.Infof("[syncd]room %s open, clock=%d\n", roomId, room.Clock())
	return entry, nil
}

// scheduleSave debounces persistence: bursts of edits collapse into one
// snapshot write.
func (self *Server) scheduleSave(roomId string, entry *roomEntry) {
	entry.saveMutex.Lock()
	defer entry.saveMutex.Unlock()

	if entry.saveTimer != nil {
		return
	}
	entry.saveTimer = time.AfterFunc(self.settings.SaveDebounce, func() {
		entry.saveMutex.Lock()
		entry.saveTimer = nil
		entry.saveMutex.Unlock()

		snapshot := entry.socketRoom.Room().GetSnapshot()
		if err := self.store.SaveSnapshot(roomId, snapshot); err != nil {
			glog.Infof("[syncd]save %s error = %s\n", roomId, err)
		} else {
			glog.V(2).Infof("[syncd]saved %s at clock %d\n", roomId, snapshot.Clock)
		}
	})
}

func rejectSocket(ws *websocket.Conn, reason string, writeTimeout time.Duration) {
	b, err := protocol.EncodeMessage(&protocol.IncompatibilityError{Reason: reason})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteMessage(websocket.TextMessage, b)
	}
	ws.Close()
}

// wsSocket adapts a gorilla websocket to the docsync.Socket contract with a
// buffered send pump.
type wsSocket struct {
	ws       *websocket.Conn
	settings *ServerSettings

	send chan string
	done chan struct{}
	once sync.Once
}

func newWsSocket(ws *websocket.Conn, settings *ServerSettings) *wsSocket {
	socket := &wsSocket{
		ws:       ws,
		settings: settings,
		send:     make(chan string, settings.SendBufferSize),
		done:     make(chan struct{}),
	}
	go socket.run()
	return socket
}

func (self *wsSocket) run() {
	defer self.ws.Close()

	for {
		select {
		case <-self.done:
			return
		case frame := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				// a write deadline on a websocket cannot be recovered
				glog.V(2).Infof("[syncd]-> error = %s\n", err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *wsSocket) SendFrame(frame string) error {
	select {
	case <-self.done:
		return fmt.Errorf("socket closed")
	case self.send <- frame:
		return nil
	default:
		// backpressure: a client that cannot drain its updates is better
		// dropped than allowed to stall the room
		self.Close()
		return fmt.Errorf("send buffer full")
	}
}

func (self *wsSocket) Close() error {
	self.once.Do(func() {
		close(self.done)
	})
	return self.ws.Close()
}
