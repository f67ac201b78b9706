// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confdio/confd/protocol"
	"github.com/confdio/confd/ws"
)

const (
	callTimeout = 5 * time.Second
)

// Client is one participant session against a signaling server: it owns
// the WebSocket connection, the simulated media pipeline and the
// fingerprint/rtcp telemetry loops. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	ws *ws.Client

	state int32

	mut      sync.RWMutex
	handlers map[EventType][]EventHandler

	// callMut serializes outbound RPCs: the wire protocol carries no
	// request id, so the coordinator's reply is only unambiguous when
	// at most one request is outstanding at a time.
	callMut    sync.Mutex
	waitersMut sync.Mutex
	waiters    map[string]chan protocol.ServerMessage

	session *session

	roster map[string]struct{} // userID set, excluding self
	// producers maps a producer id to the user id that owns it, learned
	// from joined/newProducer frames.
	producers map[string]string
	consumers map[string]string // consumer id -> producer id

	sendTransportID string
	recvTransportID string
	producerID      string

	wsDoneCh chan struct{}
	stopCh   chan struct{}
}

// New validates cfg and returns a disconnected Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sess, err := newSession()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media session: %w", err)
	}

	return &Client{
		cfg:       cfg,
		handlers:  make(map[EventType][]EventHandler),
		waiters:   make(map[string]chan protocol.ServerMessage),
		session:   sess,
		roster:    make(map[string]struct{}),
		producers: make(map[string]string),
		consumers: make(map[string]string),
		wsDoneCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}, nil
}

// On registers handler for eventType. Must be called before Connect.
func (c *Client) On(eventType EventType, handler EventHandler) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

func (c *Client) emit(eventType EventType) {
	c.mut.RLock()
	handlers := append([]EventHandler(nil), c.handlers[eventType]...)
	c.mut.RUnlock()
	for _, h := range handlers {
		if err := h(); err != nil {
			log.Printf("clientengine: event handler failed: %s", err)
		}
	}
}

// Connect dials the signaling server and performs the join handshake.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, clientStateNew, clientStateInit) {
		return fmt.Errorf("client is not in a new state")
	}

	wsClient, err := ws.NewClient(ws.ClientConfig{
		URL:       c.cfg.wsURL,
		AuthToken: c.cfg.AuthToken,
		AuthType:  ws.BearerClientAuthType,
		ClientID:  c.cfg.UserID,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.ws = wsClient

	go c.wsReader()

	joined, err := c.join(ctx)
	if err != nil {
		_ = c.ws.Close()
		return fmt.Errorf("join failed: %w", err)
	}

	c.mut.Lock()
	for _, userID := range joined.Participants {
		c.roster[userID] = struct{}{}
	}
	c.mut.Unlock()

	if err := c.setupMedia(ctx); err != nil {
		_ = c.ws.Close()
		return fmt.Errorf("media setup failed: %w", err)
	}

	c.startFingerprinting()
	c.startRTCPReporting()

	c.emit(WSConnectEvent)

	return nil
}

// Close gracefully leaves the meeting and tears down the connection.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.state, clientStateInit, clientStateClosing) {
		return nil
	}

	c.session.stop()
	close(c.stopCh)

	if c.ws == nil {
		atomic.StoreInt32(&c.state, clientStateClosed)
		c.emit(CloseEvent)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := c.leave(ctx); err != nil {
		log.Printf("clientengine: leave failed: %s", err)
	}

	err := c.ws.Close()
	<-c.wsDoneCh

	atomic.StoreInt32(&c.state, clientStateClosed)
	c.emit(CloseEvent)
	return err
}

func (c *Client) wsReader() {
	defer func() {
		close(c.wsDoneCh)
		c.emit(WSDisconnectEvent)
	}()

	for {
		select {
		case msg, ok := <-c.ws.ReceiveCh():
			if !ok {
				return
			}
			if err := c.handleFrame(msg.Data); err != nil {
				log.Printf("clientengine: failed to handle frame: %s", err)
			}
		case err, ok := <-c.ws.ErrorCh():
			if !ok {
				return
			}
			log.Printf("clientengine: ws error: %s", err)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) handleFrame(data []byte) error {
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		return err
	}

	if c.resolveWaiter(msg) {
		return nil
	}

	switch m := msg.(type) {
	case protocol.UserJoined:
		c.mut.Lock()
		c.roster[m.UserID] = struct{}{}
		c.mut.Unlock()
	case protocol.UserLeft:
		c.mut.Lock()
		delete(c.roster, m.UserID)
		c.mut.Unlock()
	case protocol.NewProducer:
		c.mut.Lock()
		c.producers[m.ProducerID] = m.ProducerUserID
		c.mut.Unlock()
		// consume() blocks on a reply from this same reader loop, so it
		// must run off-goroutine to avoid a self-deadlock.
		go func(producerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			if _, err := c.consume(ctx, producerID); err != nil {
				log.Printf("clientengine: auto-consume failed for producer %s: %s", producerID, err)
			}
		}(m.ProducerID)
	case protocol.TierChange:
		c.emit(TierChangeEvent)
	case protocol.AckSummary:
		// Surfaced to callers only through logs; confbot scenarios that
		// need the raw summary should observe server-side metrics
		// instead of polling the client for it.
	case protocol.Error:
		log.Printf("clientengine: server error %d: %s", m.Code, m.Message)
	}

	return nil
}

// call sends req and blocks until a frame of respType arrives, ctx is
// done, or the connection drops.
func (c *Client) call(ctx context.Context, req protocol.ClientMessage, respType string) (protocol.ServerMessage, error) {
	c.callMut.Lock()
	defer c.callMut.Unlock()

	waiter := c.registerWaiter(respType)
	defer c.forgetWaiter(respType)

	raw, err := protocol.EncodeClient(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.ws.Send(ws.TextMessage, raw); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-waiter:
		if errMsg, ok := resp.(protocol.Error); ok {
			return nil, fmt.Errorf("server rejected request: %d %s", errMsg.Code, errMsg.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.wsDoneCh:
		return nil, fmt.Errorf("connection closed while awaiting %s", respType)
	}
}

func (c *Client) registerWaiter(respType string) chan protocol.ServerMessage {
	ch := make(chan protocol.ServerMessage, 1)
	c.waitersMut.Lock()
	c.waiters[respType] = ch
	c.waitersMut.Unlock()
	return ch
}

func (c *Client) forgetWaiter(respType string) {
	c.waitersMut.Lock()
	delete(c.waiters, respType)
	c.waitersMut.Unlock()
}

// resolveWaiter delivers msg to a pending call awaiting its type,
// including error frames, which are routed to whichever call is
// currently outstanding.
func (c *Client) resolveWaiter(msg protocol.ServerMessage) bool {
	c.waitersMut.Lock()
	defer c.waitersMut.Unlock()

	if ch, ok := c.waiters[protocol.ServerMessageType(msg)]; ok {
		select {
		case ch <- msg:
		default:
		}
		return true
	}

	if _, ok := msg.(protocol.Error); ok && len(c.waiters) > 0 {
		for _, ch := range c.waiters {
			select {
			case ch <- msg:
			default:
			}
			return true
		}
	}

	return false
}
