package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"concierge/bridge/internal/types"
)

// Conn is the session manager's view of one call's media stream.
type Conn interface {
	// Events delivers control events and caller audio in arrival order.
	// Closed when the stream ends.
	Events() <-chan types.Event
	// WriteAudio sends one mu-law frame toward the caller.
	WriteAudio(ctx context.Context, f types.AudioFrame) error
	// WriteMark asks the provider to acknowledge once queued audio before
	// the mark has been played out.
	WriteMark(ctx context.Context, name string) error
	// Clear discards audio the provider has buffered but not yet played.
	Clear(ctx context.Context) error
	Close(reason string) error
}

type wsConn struct {
	c        *ws.Conn
	streamID string

	events chan types.Event
	outSeq uint64

	closeOnce sync.Once
}

func newWSConn(c *ws.Conn, streamID string) *wsConn {
	return &wsConn{c: c, streamID: streamID, events: make(chan types.Event, 64)}
}

func (w *wsConn) Events() <-chan types.Event { return w.events }

// readPump translates wire frames into session events until the socket
// closes. Malformed frames are logged and skipped; a hangup is always
// delivered as a call_stop event before the channel closes.
func (w *wsConn) readPump(ctx context.Context) {
	defer close(w.events)
	sawStop := false
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			if !sawStop {
				w.events <- types.Event{Kind: types.EventCallStop, Ts: time.Now(), Reason: "stream_closed"}
			}
			return
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[telephony] sid=%s bad frame: %v", w.streamID, err)
			continue
		}
		switch f.Event {
		case eventMedia:
			if f.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				log.Printf("[telephony] sid=%s bad media payload seq=%d: %v", w.streamID, f.Media.Seq, err)
				continue
			}
			w.events <- types.Event{
				Kind: types.EventCallerAudio,
				Ts:   time.Now(),
				Frame: &types.AudioFrame{
					Source:  types.SourceTelephony,
					Seq:     f.Media.Seq,
					Ts:      time.UnixMilli(f.Media.Timestamp),
					Payload: payload,
				},
			}
		case eventStop:
			sawStop = true
			w.events <- types.Event{Kind: types.EventCallStop, Ts: time.Now(), Reason: "hangup"}
		case eventDTMF:
			if f.DTMF != nil {
				w.events <- types.Event{Kind: types.EventDTMF, Ts: time.Now(), Digit: f.DTMF.Digit}
			}
		case eventMark:
			name := ""
			if f.Mark != nil {
				name = f.Mark.Name
			}
			w.events <- types.Event{Kind: types.EventMark, Ts: time.Now(), Text: name}
		case eventStatus:
			w.events <- types.Event{Kind: types.EventCallStatus, Ts: time.Now(), Status: f.Status}
		}
	}
}

func (w *wsConn) write(ctx context.Context, f wireFrame) error {
	f.StreamID = w.streamID
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, ws.MessageText, b)
}

func (w *wsConn) WriteAudio(ctx context.Context, f types.AudioFrame) error {
	w.outSeq++
	return w.write(ctx, wireFrame{Event: eventMedia, Media: &mediaFrame{
		Seq:       w.outSeq,
		Timestamp: f.Ts.UnixMilli(),
		Payload:   base64.StdEncoding.EncodeToString(f.Payload),
	}})
}

func (w *wsConn) WriteMark(ctx context.Context, name string) error {
	return w.write(ctx, wireFrame{Event: eventMark, Mark: &markFrame{Name: name}})
}

func (w *wsConn) Clear(ctx context.Context) error {
	return w.write(ctx, wireFrame{Event: eventClear})
}

func (w *wsConn) Close(reason string) error {
	var err error
	w.closeOnce.Do(func() {
		err = w.c.Close(ws.StatusNormalClosure, reason)
	})
	return err
}
