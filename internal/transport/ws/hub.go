// Package ws is the multi-process cluster substrate: rank 0 serves a
// websocket hub, ranks 1..P-1 dial it. Collectives relay through the
// hub's CollectiveHub; remote contributions arrive as JSON frames and
// results go back as COLLECTED frames.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridlock.dev/internal/protocol"
	"gridlock.dev/internal/transport"
)

const (
	writeTimeout = 30 * time.Second
	// Collectives can be minutes apart on big runs; reads stay open.
	readTimeout = 10 * time.Minute
)

// Hub is rank 0's cluster handle: it participates in every collective
// and relays the other ranks' frames.
type Hub struct {
	hub  *transport.CollectiveHub
	size int
	log  *log.Logger

	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[int]*peerConn

	seqNodeMap uint64
	seqMigrate uint64
	seqReduce  uint64
	seqGather  uint64
}

type peerConn struct {
	rank int
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peerConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// NewHub starts listening on addr. Call AwaitPeers before using the
// cluster.
func NewHub(addr string, size int, logger *log.Logger) (*Hub, error) {
	h := &Hub{
		hub:   transport.NewCollectiveHub(size),
		size:  size,
		log:   logger,
		conns: map[int]*peerConn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  256 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: listen %s: %w", protocol.ErrCodeIO, addr, err)
	}
	h.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", h.handleCluster)
	h.srv = &http.Server{Handler: mux}
	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("hub serve: %v", err)
		}
	}()
	return h, nil
}

// AwaitPeers blocks until every remote rank has joined.
func (h *Hub) AwaitPeers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		n := len(h.conns)
		h.mu.Unlock()
		if n == h.size-1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %d of %d peers joined", protocol.ErrCodeWorldSize, n, h.size-1)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (h *Hub) handleCluster(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	rank, ok := h.handshake(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	pc := &peerConn{rank: rank, conn: conn}

	h.mu.Lock()
	if _, dup := h.conns[rank]; dup {
		h.mu.Unlock()
		_ = pc.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version,
			Code: protocol.ErrCodeDupRank, Message: fmt.Sprintf("rank %d already joined", rank)})
		_ = conn.Close()
		return
	}
	h.conns[rank] = pc
	h.mu.Unlock()

	h.log.Printf("rank %d joined", rank)
	go h.readLoop(pc)
}

func (h *Hub) handshake(conn *websocket.Conn) (int, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, false
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeHello {
		return 0, false
	}
	if err := protocol.Validate(protocol.TypeHello, raw); err != nil {
		h.log.Printf("hello rejected: %v", err)
		return 0, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(raw, &hello); err != nil {
		return 0, false
	}
	if hello.ProtocolVersion != protocol.Version {
		return 0, false
	}
	if hello.WorldSize != h.size || hello.Rank <= 0 || hello.Rank >= h.size {
		h.log.Printf("hello rejected: rank=%d world_size=%d", hello.Rank, hello.WorldSize)
		return 0, false
	}

	welcome := protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version,
		Rank: hello.Rank, WorldSize: h.size}
	b, _ := json.Marshal(welcome)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, false
	}
	return hello.Rank, true
}

// readLoop relays a remote rank's collective frames into the hub. Each
// frame blocks in its own goroutine until the round completes, then
// the merged result goes back as COLLECTED.
func (h *Hub) readLoop(pc *peerConn) {
	for {
		_ = pc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			h.log.Printf("rank %d read: %v", pc.rank, err)
			return
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
			return
		}
		if err := protocol.Validate(base.Type, raw); err != nil {
			h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
			return
		}

		switch base.Type {
		case protocol.TypeNodeMap:
			var msg protocol.NodeMapMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
				return
			}
			go func() {
				owners := h.hub.SubmitNodeOwners(msg.Seq, msg.Owners)
				_ = pc.writeJSON(protocol.CollectedMsg{Type: protocol.TypeCollected,
					ProtocolVersion: protocol.Version, Seq: msg.Seq, Owners: owners})
			}()
		case protocol.TypeMigrate:
			var msg protocol.MigrateMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
				return
			}
			outgoing, err := decodeDestMap(msg.Agents)
			if err != nil {
				h.fatalFrame(pc, protocol.ErrCodeMigration, err)
				return
			}
			go func() {
				inbound, err := h.hub.SubmitMigrations(msg.Seq, msg.From, outgoing)
				if err != nil {
					_ = pc.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError,
						ProtocolVersion: protocol.Version, Code: protocol.ErrCodeMigration, Message: err.Error()})
					return
				}
				_ = pc.writeJSON(protocol.CollectedMsg{Type: protocol.TypeCollected,
					ProtocolVersion: protocol.Version, Seq: msg.Seq, Agents: inbound})
			}()
		case protocol.TypeReduce:
			var msg protocol.ReduceMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
				return
			}
			go func() {
				sum := h.hub.SubmitReduce(msg.Seq, msg.Value)
				_ = pc.writeJSON(protocol.CollectedMsg{Type: protocol.TypeCollected,
					ProtocolVersion: protocol.Version, Seq: msg.Seq, Sum: sum})
			}()
		case protocol.TypeGather:
			var msg protocol.GatherMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.fatalFrame(pc, protocol.ErrCodeMalformedInput, err)
				return
			}
			go func() {
				// Remote ranks never see the gathered set; ack only.
				h.hub.SubmitGather(msg.Seq, msg.Rank, msg.Values)
				_ = pc.writeJSON(protocol.CollectedMsg{Type: protocol.TypeCollected,
					ProtocolVersion: protocol.Version, Seq: msg.Seq})
			}()
		default:
			h.fatalFrame(pc, protocol.ErrCodeMalformedInput, fmt.Errorf("unexpected frame %s", base.Type))
			return
		}
	}
}

func (h *Hub) fatalFrame(pc *peerConn, code string, err error) {
	h.log.Printf("rank %d: %s: %v", pc.rank, code, err)
	_ = pc.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version,
		Code: code, Message: err.Error()})
	_ = pc.conn.Close()
}

func decodeDestMap(agents map[string][]protocol.AgentPackage) (map[int][]protocol.AgentPackage, error) {
	out := make(map[int][]protocol.AgentPackage, len(agents))
	for k, pkgs := range agents {
		dest, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("destination rank %q: %w", k, err)
		}
		out[dest] = pkgs
	}
	return out, nil
}

// Cluster interface: rank 0 contributes directly.

func (h *Hub) Rank() int { return 0 }
func (h *Hub) Size() int { return h.size }

func (h *Hub) ExchangeNodeOwners(local map[string]int) (map[string]int, error) {
	seq := h.seqNodeMap
	h.seqNodeMap++
	return h.hub.SubmitNodeOwners(seq, local), nil
}

func (h *Hub) ExchangeAgents(tick uint64, outgoing map[int][]protocol.AgentPackage) ([]protocol.AgentPackage, error) {
	seq := h.seqMigrate
	h.seqMigrate++
	return h.hub.SubmitMigrations(seq, 0, outgoing)
}

func (h *Hub) AllReduceInt(v int64) (int64, error) {
	seq := h.seqReduce
	h.seqReduce++
	return h.hub.SubmitReduce(seq, v), nil
}

func (h *Hub) Gather(values []float64) ([][]float64, error) {
	seq := h.seqGather
	h.seqGather++
	return h.hub.SubmitGather(seq, 0, values), nil
}

// Addr reports the bound listen address.
func (h *Hub) Addr() string { return h.ln.Addr().String() }

func (h *Hub) Close() error {
	h.mu.Lock()
	for _, pc := range h.conns {
		_ = pc.conn.Close()
	}
	h.mu.Unlock()
	return h.srv.Close()
}
