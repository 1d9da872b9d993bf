// Package stream runs admitted sessions over a WebSocket connection.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/StreamRoom/internal/app"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPingPeriod = 30 * time.Second
	DefaultReadLimit  = 1 << 20
	writeWait         = 5 * time.Second
)

var (
	json            = jsoniter.ConfigCompatibleWithStandardLibrary
	errSessionEnded = errors.New("session ended")
)

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Controller struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(readLimit int64, pingPeriod time.Duration) *Controller {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	return &Controller{ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// Serve pumps sess over conn until either side ends, then closes both.
// It returns nil for a normal close.
func (ctl *Controller) Serve(ctx context.Context, conn Conn, sess *app.Session) error {
	defer sess.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan *app.Reply, 8)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.readPump(gctx, conn, sess, replies) })
	g.Go(func() error { return ctl.writePump(gctx, conn, sess, replies) })
	g.Go(func() error {
		defer conn.Close()
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return errSessionEnded
		}
	})

	err := g.Wait()
	log.Info().Str("module", "adapters.stream").Str("sid", string(sess.ID)).Err(err).Msg("connection closed")
	if errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (ctl *Controller) readPump(ctx context.Context, conn Conn, sess *app.Session, replies chan<- *app.Reply) error {
	pongWait := ctl.PingPeriod * 10 / 9
	conn.SetReadLimit(ctl.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		reply, _ := sess.HandleMessage(ctx, mt == websocket.BinaryMessage, data)
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ctl *Controller) writePump(ctx context.Context, conn Conn, sess *app.Session, replies <-chan *app.Reply) error {
	sub := sess.Subscription()
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return errSessionEnded
		case <-sub.Notify():
			for _, m := range sub.Drain() {
				if err := write(conn, websocket.BinaryMessage, m.Payload); err != nil {
					return err
				}
			}
		case r := <-replies:
			b, err := json.Marshal(r)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.stream").Msg("marshal reply")
				continue
			}
			if err := write(conn, websocket.TextMessage, b); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func write(conn Conn, mt int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(mt, data)
}
