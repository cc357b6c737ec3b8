package realtime

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxFrameBytes = 64 * 1024
	defaultPingInterval  = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
)

// TransportConfig tunes the websocket pumps.
type TransportConfig struct {
	MaxFrameBytes int64
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

func (c TransportConfig) pongWait() time.Duration {
	return 2 * c.PingInterval
}

// Serve pumps frames between the socket and the session until either side
// goes away, then tears the session down. It blocks for the life of the
// connection.
func Serve(ctx context.Context, ws *websocket.Conn, session *Session, cfg TransportConfig) {
	cfg = cfg.withDefaults()
	conn := session.Connection()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(ws, conn, cfg, session.logger)
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()

	readPump(ctx, ws, session, cfg)
	session.Close()
	<-writerDone
	_ = ws.Close()
}

func readPump(ctx context.Context, ws *websocket.Conn, session *Session, cfg TransportConfig) {
	ws.SetReadLimit(cfg.MaxFrameBytes)
	extendDeadline := func() {
		if err := ws.SetReadDeadline(time.Now().Add(cfg.pongWait())); err != nil {
			session.logger.Debug("failed to extend read deadline", zap.Error(err))
		}
	}
	extendDeadline()
	ws.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			logReadError(session.logger, err)
			return
		}
		extendDeadline()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		session.Dispatch(ctx, frame)
	}
}

func writePump(ws *websocket.Conn, conn *Connection, cfg TransportConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// Unblocks the read pump.
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			if err := ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					logger.Warn("realtime write failed", zap.Error(err))
				}
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			deadline := time.Now().Add(cfg.WriteTimeout)
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil && !isExpectedCloseError(err) {
				logger.Debug("failed to send close frame", zap.Error(err))
			}
			return
		}
	}
}

func logReadError(logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("realtime frame exceeded read limit", zap.Error(err))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug("realtime client disconnected", zap.Error(err))
	case isExpectedCloseError(err):
		logger.Debug("realtime connection closed", zap.Error(err))
	default:
		logger.Info("realtime read failed", zap.Error(err))
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
