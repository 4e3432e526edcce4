package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// JetStreamConfig configures the NATS JetStream channel.
type JetStreamConfig struct {
	URL    string
	Stream string
	// Subjects bound to the stream, e.g. "poolstream.>".
	Subjects      []string
	MaxAge        time.Duration
	DuplicatesWin time.Duration
	MaxMsgSize    int32
}

// JetStreamChannel publishes batches to a JetStream stream. The batch id travels as
// Nats-Msg-Id so the broker drops re-sends inside the duplicates window.
type JetStreamChannel struct {
	cfg    JetStreamConfig
	logger *zap.Logger

	conn *nats.Conn
	js   jetstream.JetStream
}

// NewJetStreamChannel builds an unconnected channel.
func NewJetStreamChannel(cfg JetStreamConfig, logger *zap.Logger) *JetStreamChannel {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.DuplicatesWin <= 0 {
		cfg.DuplicatesWin = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamChannel{cfg: cfg, logger: logger}
}

// Connect dials NATS and creates or updates the stream.
func (c *JetStreamChannel) Connect(ctx context.Context) error {
	if c.cfg.Stream == "" || len(c.cfg.Subjects) == 0 {
		return fmt.Errorf("jetstream stream and subjects are required")
	}

	logger := c.logger
	conn, err := nats.Connect(c.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "Normalized AMM pool events",
		Subjects:    c.cfg.Subjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      c.cfg.MaxAge,
		MaxMsgSize:  c.cfg.MaxMsgSize,
		Duplicates:  c.cfg.DuplicatesWin,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("create or update stream %s: %w", c.cfg.Stream, err)
	}

	c.conn = conn
	c.js = js
	logger.Info("jetstream stream ready",
		zap.String("stream", stream.CachedInfo().Config.Name),
		zap.Strings("subjects", c.cfg.Subjects),
	)
	return nil
}

// Publish sends payload and waits for the stream acknowledgement.
func (c *JetStreamChannel) Publish(ctx context.Context, topic, msgID string, payload []byte) error {
	if c.js == nil {
		return fmt.Errorf("jetstream channel is not connected")
	}

	header := nats.Header{}
	header.Set(nats.MsgIdHdr, msgID)
	ack, err := c.js.PublishMsg(ctx, &nats.Msg{
		Subject: topic,
		Data:    payload,
		Header:  header,
	})
	if err != nil {
		return classify(err)
	}
	if ack.Duplicate {
		c.logger.Debug("broker dropped duplicate batch", zap.String("batch_id", msgID), zap.Uint64("seq", ack.Sequence))
	}
	return nil
}

// Close drains and closes the connection.
func (c *JetStreamChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	c.js = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// classify marks errors no re-send can fix as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return fmt.Errorf("publish: %w", err)
}
