package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"concierge/bridge/internal/tools"
	"concierge/bridge/internal/types"
)

// Conn is the session manager's view of the streaming speech-model
// session.
type Conn interface {
	// Events delivers model events in arrival order. Closed when the
	// stream ends.
	Events() <-chan types.Event
	// SendAudio streams one PCM16 input frame to the model.
	SendAudio(ctx context.Context, f types.AudioFrame) error
	// SendToolResult acknowledges a function call with its result (or
	// error text) and asks the model to continue the response.
	SendToolResult(ctx context.Context, callID string, result map[string]any, errText string) error
	// CancelResponse aborts the in-flight model response on barge-in.
	CancelResponse(ctx context.Context) error
	Close(reason string) error
}

// Options configures the model session.
type Options struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []tools.Declaration
	SampleRate   int
}

// Dial connects to the speech-model endpoint, sends the session
// configuration and starts the read pump. The dial is bounded; on timeout
// the caller sees TransportUnavailable.
func Dial(ctx context.Context, url, apiKey string, timeout time.Duration, opts Options) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hdr := http.Header{}
	if apiKey != "" {
		hdr.Set("Authorization", "Bearer "+apiKey)
	}
	c, _, err := ws.Dial(dialCtx, url+"?model="+opts.Model, &ws.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("%w: speech dial: %v", types.ErrTransportUnavailable, err)
	}

	conn := &wsConn{c: c, events: make(chan types.Event, 64)}
	if err := conn.configure(ctx, opts); err != nil {
		_ = c.Close(ws.StatusInternalError, "configure failed")
		return nil, fmt.Errorf("%w: speech configure: %v", types.ErrTransportUnavailable, err)
	}
	go conn.readPump(ctx)
	return conn, nil
}

type wsConn struct {
	c      *ws.Conn
	events chan types.Event

	mu     sync.Mutex // serializes writes
	inSeq  uint64

	closeOnce sync.Once
}

func (s *wsConn) Events() <-chan types.Event { return s.events }

func (s *wsConn) send(ctx context.Context, v map[string]any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Write(ctx, ws.MessageText, b)
}

func (s *wsConn) configure(ctx context.Context, opts Options) error {
	decls := make([]map[string]any, 0, len(opts.Tools))
	for _, t := range opts.Tools {
		decls = append(decls, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return s.send(ctx, map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":               opts.Voice,
			"instructions":        opts.Instructions,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      map[string]any{"type": "server_vad"},
			"tools":               decls,
		},
	})
}

func (s *wsConn) SendAudio(ctx context.Context, f types.AudioFrame) error {
	return s.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(f.Payload),
	})
}

func (s *wsConn) SendToolResult(ctx context.Context, callID string, result map[string]any, errText string) error {
	output := map[string]any{}
	if result != nil {
		output = result
	}
	if errText != "" {
		output["error"] = errText
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if err := s.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(encoded),
		},
	}); err != nil {
		return err
	}
	return s.send(ctx, map[string]any{"type": "response.create"})
}

func (s *wsConn) CancelResponse(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "response.cancel"})
}

func (s *wsConn) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.c.Close(ws.StatusNormalClosure, reason)
	})
	return err
}

// serverEvent is the subset of model events the bridge acts on.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func (s *wsConn) readPump(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.c.Read(ctx)
		if err != nil {
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[speech] bad event: %v", err)
			continue
		}
		now := time.Now()
		switch ev.Type {
		case "session.updated", "session.created":
			s.events <- types.Event{Kind: types.EventSpeechReady, Ts: now}

		case "response.audio.delta":
			payload, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				log.Printf("[speech] bad audio delta: %v", err)
				continue
			}
			s.inSeq++
			s.events <- types.Event{
				Kind: types.EventAudioDelta,
				Ts:   now,
				Frame: &types.AudioFrame{
					Source:  types.SourceSpeech,
					Seq:     s.inSeq,
					Ts:      now,
					Payload: payload,
				},
			}

		case "response.audio_transcript.delta":
			s.events <- types.Event{Kind: types.EventTranscriptPartial, Ts: now, Text: ev.Delta}

		case "conversation.item.input_audio_transcription.completed":
			s.events <- types.Event{Kind: types.EventTranscriptFinal, Ts: now, Text: ev.Transcript}

		case "input_audio_buffer.speech_started":
			s.events <- types.Event{Kind: types.EventSpeechStarted, Ts: now}

		case "response.function_call_arguments.done":
			args := map[string]any{}
			if ev.Arguments != "" {
				if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
					log.Printf("[speech] bad tool arguments for %s: %v", ev.Name, err)
				}
			}
			s.events <- types.Event{
				Kind: types.EventToolCallRequest,
				Ts:   now,
				Tool: &types.ToolRequest{CallID: ev.CallID, Name: ev.Name, Args: args},
			}

		case "response.done":
			s.events <- types.Event{Kind: types.EventResponseDone, Ts: now}

		case "error":
			msg := ""
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			s.events <- types.Event{Kind: types.EventSpeechError, Ts: now, Reason: msg}
		}
	}
}
