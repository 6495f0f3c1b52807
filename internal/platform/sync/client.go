package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/conversation"
)

// Handler receives mutations delivered by the relay for the subscribed
// conversation.
type Handler func(ctx context.Context, mu conversation.Mutation)

// ErrPublishBuffer is returned when the outbound buffer is full, typically
// while the relay is unreachable. Local state is already committed; the
// journal and relay backlog re-converge the replica later.
var ErrPublishBuffer = errors.New("sync publish buffer full")

const (
	publishBuffer    = 256
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// Client is the replica side of the sync transport. It implements
// conversation.Transport: Publish queues a mutation frame for the relay,
// and Run delivers inbound frames to the handler, reconnecting with capped
// exponential backoff for as long as the context lives.
type Client struct {
	url            string
	conversationID string
	replicaID      string
	send           chan []byte
	logger         zerolog.Logger
}

// NewClient creates a client for one conversation. url is the relay's
// websocket endpoint, e.g. ws://relay:8090/sync.
func NewClient(url, conversationID, replicaID string, logger zerolog.Logger) *Client {
	return &Client{
		url:            url,
		conversationID: conversationID,
		replicaID:      replicaID,
		send:           make(chan []byte, publishBuffer),
		logger: logger.With().
			Str("component", "sync-client").
			Str("conversation_id", conversationID).
			Str("replica_id", replicaID).
			Logger(),
	}
}

// Publish queues a mutation for delivery to the other replicas. It returns
// immediately; actual transmission happens on the Run loop's connection.
func (c *Client) Publish(ctx context.Context, mu conversation.Mutation) error {
	frame, err := json.Marshal(mu)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrPublishBuffer
	}
}

// Run connects to the relay and pumps frames both ways until ctx is
// cancelled, reconnecting on failure. Malformed inbound frames are dropped
// with a diagnostic and never stop delivery of later frames.
func (c *Client) Run(ctx context.Context, h Handler) {
	backoff := reconnectInitial
	for {
		err := c.runOnce(ctx, h)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("sync connection lost")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context, h Handler) error {
	conn, _, err := gorillawebsocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := subscribeFrame{
		Action:         "subscribe",
		ConversationID: c.conversationID,
		ReplicaID:      c.replicaID,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	c.logger.Info().Msg("subscribed to relay")

	return c.pump(ctx, conn, h)
}

// pump runs both directions of one connection until it fails or ctx ends.
// A frame dequeued for a write that fails is requeued, so it is retried on
// the next connection instead of vanishing with this one.
func (c *Client) pump(ctx context.Context, conn Conn, h Handler) error {
	errCh := make(chan error, 2)
	connDone := make(chan struct{})

	go func() {
		for {
			select {
			case frame := <-c.send:
				if werr := conn.WriteMessage(gorillawebsocket.TextMessage, frame); werr != nil {
					select {
					case c.send <- frame:
					default:
						c.logger.Warn().Msg("publish buffer full, dropping unsent frame")
					}
					errCh <- werr
					return
				}
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-connDone:
				return
			}
		}
	}()

	go func() {
		for {
			_, frame, rerr := conn.ReadMessage()
			if rerr != nil {
				errCh <- rerr
				return
			}
			var mu conversation.Mutation
			if uerr := json.Unmarshal(frame, &mu); uerr != nil {
				c.logger.Warn().Err(uerr).Msg("dropping undecodable sync frame")
				continue
			}
			h(ctx, mu)
		}
	}()

	err := <-errCh
	close(connDone)
	conn.Close()
	return err
}
