// Package zmq is an optional fast-wake hint for the block listener: it
// subscribes to a node's ZMQ hashblock topic and pings a wake channel
// so the listener's poll loop doesn't have to wait out the full
// blockRetrievalInterval before checking the chain tip again. It is
// never load-bearing — the listener's own polling loop is the
// authoritative source of new blocks.
package zmq

import (
	"strings"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// Client subscribes to one node's ZMQ PUB socket.
type Client struct {
	endpoint string
	wake     chan<- struct{}
	logger   *zap.Logger
	stopped  bool
	socket   *zmq4.Socket
}

// New builds a Client for endpoint (host:port, optionally tcp://-prefixed
// already). wake receives a non-blocking ping on every hashblock event.
func New(endpoint string, wake chan<- struct{}, logger *zap.Logger) *Client {
	if !strings.HasPrefix(endpoint, "tcp://") {
		endpoint = "tcp://" + endpoint
	}
	return &Client{endpoint: endpoint, wake: wake, logger: logger}
}

// Run connects and subscribes in the background. A connection failure
// is logged and the client simply never wakes the listener early; the
// listener's poll loop still makes progress on its own.
func (c *Client) Run() {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		c.logger.Warn("zmq: creating socket failed, fast-wake disabled", zap.Error(err))
		return
	}
	if err := socket.Connect(c.endpoint); err != nil {
		c.logger.Warn("zmq: connect failed, fast-wake disabled", zap.String("endpoint", c.endpoint), zap.Error(err))
		socket.Close()
		return
	}
	if err := socket.SetSubscribe("hashblock"); err != nil {
		c.logger.Warn("zmq: subscribe failed, fast-wake disabled", zap.Error(err))
		socket.Close()
		return
	}

	c.socket = socket
	c.logger.Info("zmq: fast-wake subscription active", zap.String("endpoint", c.endpoint))
	go c.subscribe()
}

func (c *Client) subscribe() {
	for !c.stopped {
		msgs, err := c.socket.RecvMessage(0)
		if err != nil {
			if c.stopped {
				return
			}
			c.logger.Warn("zmq: receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) < 1 || msgs[0] != "hashblock" {
			continue
		}
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Stop closes the subscription.
func (c *Client) Stop() {
	c.stopped = true
	if c.socket != nil {
		c.socket.Close()
	}
}
