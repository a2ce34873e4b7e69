package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"concierge/bridge/internal/auth"
	"concierge/bridge/internal/types"
)

// CallHandler is invoked once the inbound handshake completes; it blocks
// for the lifetime of the call.
type CallHandler func(ctx context.Context, meta types.CallMetadata, conn Conn) error

// Server accepts inbound media-stream connections. When streamSecret is
// set, connections must carry a valid signed token bound to the call id.
type Server struct {
	setupWindow  time.Duration
	streamSecret string
	onCall       CallHandler
}

func NewServer(setupWindow time.Duration, streamSecret string, onCall CallHandler) *Server {
	return &Server{setupWindow: setupWindow, streamSecret: streamSecret, onCall: onCall}
}

// HandleMediaStream upgrades the connection and performs the inbound
// handshake: the provider must send its start frame within the setup
// window or the call is dropped with TransportUnavailable.
func (s *Server) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, nil)
	if err != nil {
		log.Printf("[telephony] ws accept: %v", err)
		return
	}

	ctx := r.Context()
	start, streamID, err := awaitStart(ctx, c, s.setupWindow)
	if err != nil {
		log.Printf("[telephony] handshake failed: %v", err)
		_ = c.Close(ws.StatusPolicyViolation, "handshake timeout")
		return
	}

	if s.streamSecret != "" {
		token := r.URL.Query().Get("token")
		if _, err := auth.ValidateStreamToken(s.streamSecret, token, start.CallID, time.Now(), 30*time.Second); err != nil {
			log.Printf("[telephony] rejected stream for call %s: %v", start.CallID, err)
			_ = c.Close(ws.StatusPolicyViolation, "invalid stream token")
			return
		}
	}

	meta := types.CallMetadata{
		CallID:     start.CallID,
		From:       start.From,
		To:         start.To,
		AccountRef: start.AccountRef,
	}
	conn := newWSConn(c, streamID)
	go conn.readPump(ctx)
	// The handshake already consumed the start frame; replay it so the
	// session observes transport readiness through the ordered stream.
	conn.events <- types.Event{Kind: types.EventCallStart, Ts: time.Now()}

	if err := s.onCall(ctx, meta, conn); err != nil {
		log.Printf("[telephony] call %s ended with error: %v", meta.CallID, err)
	}
	_ = conn.Close("done")
}

func awaitStart(ctx context.Context, c *ws.Conn, window time.Duration) (*startFrame, string, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("%w: no start frame within setup window: %v", types.ErrTransportUnavailable, err)
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Event == eventStart && f.Start != nil {
			return f.Start, f.StreamID, nil
		}
	}
}
