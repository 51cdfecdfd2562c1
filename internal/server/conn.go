package server

import (
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"
)

// envelope is the unit of the line protocol in both directions.
type envelope struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// payload is the data object of an outgoing envelope.
type payload map[string]interface{}

func failure(err string) payload {
	return payload{"ok": false, "error": err}
}

// client is the server-side handle of one TCP connection. The username and
// user id fields are owned by the connection's handler goroutine and set only
// on successful login; other goroutines touch a client exclusively through
// send and shutdown, which serialize on the write mutex.
type client struct {
	id     string
	logger *zap.SugaredLogger
	conn   net.Conn

	writeMu sync.Mutex
	closed  bool

	username string
	userID   int64
}

func newClient(id string, logger *zap.SugaredLogger, conn net.Conn) *client {
	return &client{
		id:     id,
		logger: logger,
		conn:   conn,
	}
}

func (c *client) authenticated() bool {
	return c.username != ""
}

// send writes one envelope followed by a newline. Pushes triggered by other
// connections' handlers interleave with this connection's own responses under
// the write mutex. A write failure is logged, not propagated: a dead peer must
// never break the handler that tried to reach it.
func (c *client) send(action string, data interface{}) {
	raw, err := json.Marshal(envelope{Action: action, Data: data})
	if err != nil {
		c.logger.Errorf("marshaling %s envelope: %v", action, err)
		return
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return
	}
	if _, err := c.conn.Write(raw); err != nil {
		c.logger.Debugf("writing %s to connection %s: %v", action, c.id, err)
	}
}

// shutdown closes the socket, which also unblocks the handler's read loop.
// Safe to call from any goroutine and more than once.
func (c *client) shutdown() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		c.logger.Debugf("closing connection %s: %v", c.id, err)
	}
}

func (c *client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}
