package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/pkg/log"
)

// DisconnectData is delivered with the local disconnect event.
type DisconnectData struct {
	Reason string `json:"reason"`
}

// run owns the reconnect loop. first receives the outcome of the first
// handshake only.
func (c *Conn) run(first chan<- error) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Reconnect.InitialInterval
	b.MaxInterval = c.cfg.Reconnect.MaxInterval
	b.Multiplier = c.cfg.Reconnect.Multiplier
	b.RandomizationFactor = c.cfg.Reconnect.RandomizationFactor
	b.Reset()

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	for {
		established, err := c.session(report)
		if c.ctx.Err() != nil {
			report(ErrClosed)
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			return
		}
		if established {
			b.Reset()
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if limit := c.cfg.Reconnect.MaxAttempts; limit > 0 && attempt > limit {
			c.log.Error().Int(log.FieldAttempt, attempt-1).Msg("giving up reconnecting")
			c.dispatchLocal(domain.EventError, domain.ErrorData{Code: "RETRIES_EXHAUSTED", Message: ErrRetriesExhausted.Error()})
			return
		}

		wait := b.NextBackOff()
		c.log.Info().Int(log.FieldAttempt, attempt).Dur("backoff", wait).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials, authenticates, joins the room and pumps frames until the
// transport drops. established reports whether the handshake completed.
func (c *Conn) session(report func(error)) (established bool, err error) {
	if !c.setState(domain.ConnConnecting) {
		return false, ErrClosed
	}

	ws, err := c.dial()
	if err != nil {
		c.setState(domain.ConnDisconnected)
		c.log.Warn().Err(err).Str(log.FieldState, string(domain.ConnDisconnected)).Msg("realtime dial failed")
		report(err)
		return false, err
	}

	if err := c.authenticate(ws); err != nil {
		ws.Close()
		c.clearDialing(ws)
		c.setState(domain.ConnDisconnected)
		if errors.Is(err, ErrAuthRejected) {
			c.log.Warn().Err(err).Msg("realtime auth rejected")
			c.dispatchLocal(domain.EventError, domain.ErrorData{Code: "UNAUTHORIZED", Message: err.Error()})
		} else {
			c.log.Warn().Err(err).Msg("realtime handshake failed")
		}
		report(err)
		return false, err
	}

	if c.roomID != "" {
		if err := c.writeFrame(ws, domain.FrameJoinRoom, domain.JoinRoomData{RoomID: c.roomID}); err != nil {
			ws.Close()
			c.clearDialing(ws)
			c.setState(domain.ConnDisconnected)
			c.log.Warn().Err(err).Msg("join room failed")
			report(err)
			return false, err
		}
	}

	send := make(chan []byte, sendBufferSize)
	stop := make(chan struct{})

	c.mu.Lock()
	if c.state == domain.ConnClosed {
		c.mu.Unlock()
		ws.Close()
		return false, ErrClosed
	}
	c.dialing = nil
	c.ws = ws
	c.send = send
	c.stop = stop
	c.state = domain.ConnConnected
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info().Str(log.FieldState, string(domain.ConnConnected)).Msg("realtime connected")
	c.dispatchLocal(domain.EventConnect, nil)
	report(nil)

	go c.writePump(ws, send, stop)
	readErr := c.readPump(ws)

	close(stop)
	ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.send = nil
		c.stop = nil
	}
	closed := c.state == domain.ConnClosed
	if !closed {
		c.state = domain.ConnDisconnected
	}
	c.mu.Unlock()

	if !closed {
		c.log.Warn().Err(readErr).Str(log.FieldState, string(domain.ConnDisconnected)).Msg("realtime disconnected")
		c.dispatchLocal(domain.EventDisconnect, DisconnectData{Reason: reason(readErr)})
	}
	return true, readErr
}

func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == domain.ConnClosed {
		c.mu.Unlock()
		ws.Close()
		return nil, ErrClosed
	}
	c.dialing = ws
	c.mu.Unlock()

	ws.SetReadLimit(c.cfg.MaxMessageSize)
	return ws, nil
}

func (c *Conn) clearDialing(ws *websocket.Conn) {
	c.mu.Lock()
	if c.dialing == ws {
		c.dialing = nil
	}
	c.mu.Unlock()
}

// authenticate sends the token as the first frame and waits for the
// verdict. Frames other than auth_result and error are skipped.
func (c *Conn) authenticate(ws *websocket.Conn) error {
	if err := c.writeFrame(ws, domain.FrameAuth, domain.AuthData{Token: c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth result: %w", err)
		}

		var frame domain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case domain.FrameAuthResult:
			var result domain.AuthResultData
			if err := json.Unmarshal(frame.Data, &result); err != nil {
				return fmt.Errorf("decode auth result: %w", err)
			}
			if !result.Success {
				return fmt.Errorf("%w: %s", ErrAuthRejected, result.Message)
			}
			return nil
		case domain.FrameError:
			var e domain.ErrorData
			json.Unmarshal(frame.Data, &e)
			return fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
		}
	}
}

func (c *Conn) writeFrame(ws *websocket.Conn, typ string, v any) error {
	data, err := stamp(v, c.now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(domain.Frame{Type: typ, Data: data})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var frame domain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.log.Debug().Msg("dropping malformed frame")
			continue
		}
		c.dispatch(frame.Type, frame.Data)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-stop:
			return

		case message := <-send:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func reason(err error) string {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &ce):
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("close %d", ce.Code)
	default:
		return err.Error()
	}
}
