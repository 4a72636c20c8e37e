package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridlock.dev/internal/protocol"
)

// Client is a remote rank's cluster handle: every collective becomes a
// frame to the hub plus a blocking wait for the COLLECTED answer.
type Client struct {
	rank int
	size int
	log  *log.Logger

	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.CollectedMsg
	readErr error

	seqNodeMap uint64
	seqMigrate uint64
	seqReduce  uint64
	seqGather  uint64
}

// Dial joins the hub at url (ws://host:port/cluster) as the given
// rank and waits for the WELCOME.
func Dial(url string, rank, size int, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: dial %s: %w", protocol.ErrCodeIO, url, err)
	}

	c := &Client{
		rank:    rank,
		size:    size,
		log:     logger,
		conn:    conn,
		pending: map[uint64]chan protocol.CollectedMsg{},
	}

	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
		Rank: rank, WorldSize: size}
	if err := c.writeJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: welcome: %w", protocol.ErrCodeIO, err)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: expected WELCOME, got %q", protocol.ErrCodeMalformedInput, base.Type)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%s: %w", protocol.ErrCodeIO, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(fmt.Errorf("%s: %w", protocol.ErrCodeIO, err))
			return
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			c.failAll(err)
			return
		}
		switch base.Type {
		case protocol.TypeCollected:
			var msg protocol.CollectedMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.failAll(err)
				return
			}
			c.mu.Lock()
			ch := c.pending[msg.Seq]
			delete(c.pending, msg.Seq)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case protocol.TypeError:
			var msg protocol.ErrorMsg
			_ = json.Unmarshal(raw, &msg)
			c.failAll(fmt.Errorf("%s: %s", msg.Code, msg.Message))
			return
		default:
			c.failAll(fmt.Errorf("%s: unexpected frame %s", protocol.ErrCodeMalformedInput, base.Type))
			return
		}
	}
}

func (c *Client) failAll(err error) {
	c.log.Printf("cluster connection lost: %v", err)
	c.mu.Lock()
	c.readErr = err
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

// call sends a frame and waits for the COLLECTED answer with the same
// sequence number. Each collective kind has its own counter starting at
// 0, so seq values of different kinds overlap; answers are matched by
// seq alone, which holds because the engine never has two collectives
// in flight at once.
func (c *Client) call(seq uint64, frame any) (protocol.CollectedMsg, error) {
	ch := make(chan protocol.CollectedMsg, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return protocol.CollectedMsg{}, err
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.writeJSON(frame); err != nil {
		return protocol.CollectedMsg{}, err
	}
	msg, ok := <-ch
	if !ok {
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%s: collective aborted", protocol.ErrCodeCollect)
		}
		return protocol.CollectedMsg{}, err
	}
	return msg, nil
}

func (c *Client) Rank() int { return c.rank }
func (c *Client) Size() int { return c.size }

func (c *Client) ExchangeNodeOwners(local map[string]int) (map[string]int, error) {
	seq := c.seqNodeMap
	c.seqNodeMap++
	msg, err := c.call(seq, protocol.NodeMapMsg{Type: protocol.TypeNodeMap,
		ProtocolVersion: protocol.Version, Seq: seq, Rank: c.rank, Owners: local})
	if err != nil {
		return nil, err
	}
	return msg.Owners, nil
}

func (c *Client) ExchangeAgents(tick uint64, outgoing map[int][]protocol.AgentPackage) ([]protocol.AgentPackage, error) {
	seq := c.seqMigrate
	c.seqMigrate++
	wire := make(map[string][]protocol.AgentPackage, len(outgoing))
	for dest, pkgs := range outgoing {
		// nil slices would marshal as null, which the MIGRATE schema
		// rejects; send them as empty arrays.
		norm := make([]protocol.AgentPackage, len(pkgs))
		for i, p := range pkgs {
			if p.Trips == nil {
				p.Trips = []protocol.TripState{}
			}
			if p.Path == nil {
				p.Path = []string{}
			}
			norm[i] = p
		}
		wire[strconv.Itoa(dest)] = norm
	}
	msg, err := c.call(seq, protocol.MigrateMsg{Type: protocol.TypeMigrate,
		ProtocolVersion: protocol.Version, Seq: seq, Tick: tick, From: c.rank, Agents: wire})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.ErrCodeMigration, err)
	}
	return msg.Agents, nil
}

func (c *Client) AllReduceInt(v int64) (int64, error) {
	seq := c.seqReduce
	c.seqReduce++
	msg, err := c.call(seq, protocol.ReduceMsg{Type: protocol.TypeReduce,
		ProtocolVersion: protocol.Version, Seq: seq, Rank: c.rank, Value: v})
	if err != nil {
		return 0, err
	}
	return msg.Sum, nil
}

func (c *Client) Gather(values []float64) ([][]float64, error) {
	seq := c.seqGather
	c.seqGather++
	if _, err := c.call(seq, protocol.GatherMsg{Type: protocol.TypeGather,
		ProtocolVersion: protocol.Version, Seq: seq, Rank: c.rank, Values: values}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Client) Close() error { return c.conn.Close() }
