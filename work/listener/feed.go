package listener

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dtv-relay/work/config"
	"dtv-relay/work/headers"
	"dtv-relay/work/logger"
	"dtv-relay/work/types"
)

// Sink receives every frame a feed reads.
type Sink interface {
	Publish(msg types.ChatMessage)
}

// Feed is a reusable listener task body for platforms whose chat arrives over a
// websocket: dial, optionally send a subscribe frame, keep a heartbeat going and
// forward frames to the sink until cancelled.
type Feed struct {
	Platform string
	Config   config.FeedConfig
	Policy   *headers.Policy
	Sink     Sink
	Dialer   *websocket.Dialer
}

// roomTemplate substitutes the room id into a URL or subscribe template.
func roomTemplate(tmpl, roomID string, escape bool) string {
	if escape {
		roomID = url.PathEscape(roomID)
	}
	return strings.ReplaceAll(tmpl, "{room}", roomID)
}

// Run is a Task. It returns nil when cancelled or when the server closes the feed
// normally.
func (f *Feed) Run(roomID string, cancel *Receiver) error {
	if f.Config.URL == "" {
		return fmt.Errorf("%s feed: no url configured", f.Platform)
	}

	ctx, stop := cancel.Context(context.Background())
	defer stop()

	endpoint := roomTemplate(f.Config.URL, roomID, true)

	hdr := f.Policy.HeadersFor(endpoint)
	// the websocket handshake owns Connection
	hdr.Del("Connection")

	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, f.Config.HandshakeTimeout)
	conn, _, err := dialer.DialContext(dialCtx, endpoint, hdr)
	cancelDial()
	if err != nil {
		if cancel.Cancelled() {
			return nil
		}
		return fmt.Errorf("%s feed dial for room %s: %w", f.Platform, roomID, err)
	}
	defer conn.Close()

	logger.Info("{listener/feed - Run} %s room %s: connected to chat feed", f.Platform, roomID)

	if f.Config.Subscribe != "" {
		frame := roomTemplate(f.Config.Subscribe, roomID, false)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return fmt.Errorf("%s feed subscribe for room %s: %w", f.Platform, roomID, err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- f.readLoop(conn, roomID)
	}()

	var heartbeat <-chan time.Time
	if f.Config.Heartbeat > 0 {
		ticker := time.NewTicker(f.Config.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			<-readErr
			logger.Debug("{listener/feed - Run} %s room %s: cancelled", f.Platform, roomID)
			return nil

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%s feed read for room %s: %w", f.Platform, roomID, err)

		case <-heartbeat:
			if err := f.beat(conn); err != nil {
				conn.Close()
				<-readErr
				return fmt.Errorf("%s feed heartbeat for room %s: %w", f.Platform, roomID, err)
			}
		}
	}
}

func (f *Feed) beat(conn *websocket.Conn) error {
	if f.Config.HeartbeatPayload == "" {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(f.Config.HeartbeatPayload))
}

func (f *Feed) readLoop(conn *websocket.Conn, roomID string) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg := types.ChatMessage{
			Platform: f.Platform,
			RoomID:   roomID,
			Received: time.Now(),
		}
		if kind == websocket.BinaryMessage {
			msg.Data = data
		} else {
			msg.Text = string(data)
		}
		f.Sink.Publish(msg)
	}
}

// ErrNoFeed is returned by Unconfigured.
var ErrNoFeed = errors.New("no chat feed configured for platform")

// Unconfigured is the task used for platforms without a feed in the config. It
// stays registered until cancelled so start/stop behave the same for every
// platform.
func Unconfigured(platform string) Task {
	return func(roomID string, cancel *Receiver) error {
		logger.Warn("{listener/feed - Unconfigured} %s room %s: %v, idling until stopped", platform, roomID, ErrNoFeed)
		<-cancel.Done()
		return nil
	}
}
