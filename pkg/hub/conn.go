package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/proto"
)

const (
	// outboundBuffer is how many queued events a slow consumer may fall
	// behind before further sends to it are dropped.
	outboundBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageBytes = 4 << 20
)

// wsConn adapts one websocket to the registry's Transport. Sends go
// through a buffered channel drained by a single writer goroutine;
// gorilla permits only one concurrent writer per connection.
type wsConn struct {
	id       string
	identity proto.Identity
	ws       *websocket.Conn
	outbound chan *proto.Msg
	done     chan struct{}
	logger   *logx.Logger
	recorder *metrics.Recorder
}

func newWSConn(ws *websocket.Conn, identity proto.Identity, rec *metrics.Recorder) *wsConn {
	return &wsConn{
		id:       uuid.New().String(),
		identity: identity,
		ws:       ws,
		outbound: make(chan *proto.Msg, outboundBuffer),
		done:     make(chan struct{}),
		logger:   logx.NewLogger("hub"),
		recorder: rec,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues one event for the writer goroutine. A full queue means
// the consumer is not keeping up; the event is dropped and logged
// rather than blocking the sender.
func (c *wsConn) Send(event proto.Event, payload any) error {
	msg, err := proto.NewMsg(event, payload)
	if err != nil {
		return logx.Wrap(err, "encoding "+string(event))
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return logx.Errorf("connection %s closed", c.id)
	default:
		c.logger.Warn("outbound queue full for %s (%s), dropping %s", c.identity.ID, c.id, event)
		if c.recorder != nil {
			c.recorder.ObserveDroppedSend()
		}
		return logx.Errorf("outbound queue full for %s", c.id)
	}
}

// writePump is the sole writer on the websocket. It drains the outbound
// queue and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := msg.ToJSON()
			if err != nil {
				c.logger.Error("marshaling %s for %s: %v", msg.Event, c.identity.ID, err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logx.Debug("hub", "write to %s failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close signals the writer to stop. Safe to call once; the server's
// read loop owns the call.
func (c *wsConn) close() {
	close(c.done)
}
