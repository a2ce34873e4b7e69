package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"concierge/bridge/internal/tools"
	"concierge/bridge/internal/types"
)

// scriptedModel accepts one session, captures the configuration frame,
// replays a scripted event sequence, then records every further client
// frame.
type scriptedModel struct {
	script   []map[string]any
	config   chan map[string]any
	received chan map[string]any
}

func newScriptedModel(script []map[string]any) *scriptedModel {
	return &scriptedModel{
		script:   script,
		config:   make(chan map[string]any, 1),
		received: make(chan map[string]any, 32),
	}
}

func (m *scriptedModel) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cfg map[string]any
		_ = json.Unmarshal(data, &cfg)
		m.config <- cfg

		for _, ev := range m.script {
			b, _ := json.Marshal(ev)
			if err := c.Write(ctx, ws.MessageText, b); err != nil {
				return
			}
		}

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f map[string]any
			if err := json.Unmarshal(data, &f); err == nil {
				m.received <- f
			}
		}
	}
}

func mustDial(t *testing.T, url string) Conn {
	t.Helper()
	conn, err := Dial(context.Background(), url, "test-key", 2*time.Second, Options{
		Model:        "test-model",
		Voice:        "alloy",
		Instructions: "be brief",
		Tools:        tools.NewRegistry().Declarations(),
		SampleRate:   24000,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func nextEvent(t *testing.T, conn Conn) types.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestDialConfiguresSession(t *testing.T) {
	model := newScriptedModel([]map[string]any{
		{"type": "session.updated"},
	})
	srv := httptest.NewServer(model.handler(t))
	defer srv.Close()

	conn := mustDial(t, srv.URL)
	defer conn.Close("done")

	cfg := <-model.config
	if cfg["type"] != "session.update" {
		t.Fatalf("first frame type = %v, want session.update", cfg["type"])
	}
	session, _ := cfg["session"].(map[string]any)
	if session["voice"] != "alloy" || session["input_audio_format"] != "pcm16" {
		t.Errorf("session config = %+v", session)
	}
	declared, _ := session["tools"].([]any)
	if len(declared) != 4 {
		t.Errorf("declared tools = %d, want 4", len(declared))
	}

	if ev := nextEvent(t, conn); ev.Kind != types.EventSpeechReady {
		t.Errorf("event = %s, want %s", ev.Kind, types.EventSpeechReady)
	}
}

func TestReadPumpTranslatesModelEvents(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	model := newScriptedModel([]map[string]any{
		{"type": "session.updated"},
		{"type": "input_audio_buffer.speech_started"},
		{"type": "conversation.item.input_audio_transcription.completed", "transcript": "any rooms tonight?"},
		{"type": "response.audio_transcript.delta", "delta": "Let me check"},
		{"type": "response.audio.delta", "delta": audio},
		{"type": "response.function_call_arguments.done", "call_id": "call_7", "name": "check_availability",
			"arguments": `{"check_in":"2026-09-01","check_out":"2026-09-02"}`},
		{"type": "response.done"},
		{"type": "error", "error": map[string]any{"code": "rate_limit", "message": "slow down"}},
	})
	srv := httptest.NewServer(model.handler(t))
	defer srv.Close()

	conn := mustDial(t, srv.URL)
	defer conn.Close("done")

	expect := []types.EventKind{
		types.EventSpeechReady,
		types.EventSpeechStarted,
		types.EventTranscriptFinal,
		types.EventTranscriptPartial,
		types.EventAudioDelta,
		types.EventToolCallRequest,
		types.EventResponseDone,
		types.EventSpeechError,
	}
	for i, kind := range expect {
		ev := nextEvent(t, conn)
		if ev.Kind != kind {
			t.Fatalf("event %d = %s, want %s", i, ev.Kind, kind)
		}
		switch kind {
		case types.EventTranscriptFinal:
			if ev.Text != "any rooms tonight?" {
				t.Errorf("final transcript = %q", ev.Text)
			}
		case types.EventAudioDelta:
			if ev.Frame == nil || len(ev.Frame.Payload) != 4 || ev.Frame.Seq != 1 {
				t.Errorf("audio frame = %+v", ev.Frame)
			}
		case types.EventToolCallRequest:
			if ev.Tool == nil || ev.Tool.CallID != "call_7" || ev.Tool.Name != "check_availability" {
				t.Fatalf("tool request = %+v", ev.Tool)
			}
			if ev.Tool.Args["check_in"] != "2026-09-01" {
				t.Errorf("tool args = %+v", ev.Tool.Args)
			}
		case types.EventSpeechError:
			if ev.Reason != "slow down" {
				t.Errorf("error reason = %q", ev.Reason)
			}
		}
	}
}

func TestSendToolResultAndCancel(t *testing.T) {
	model := newScriptedModel([]map[string]any{{"type": "session.updated"}})
	srv := httptest.NewServer(model.handler(t))
	defer srv.Close()

	conn := mustDial(t, srv.URL)
	defer conn.Close("done")
	nextEvent(t, conn)

	ctx := context.Background()
	if err := conn.SendToolResult(ctx, "call_3", map[string]any{"available": true}, ""); err != nil {
		t.Fatalf("send tool result: %v", err)
	}
	if err := conn.CancelResponse(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	wantTypes := []string{"conversation.item.create", "response.create", "response.cancel"}
	for _, want := range wantTypes {
		select {
		case f := <-model.received:
			if f["type"] != want {
				t.Fatalf("frame type = %v, want %s", f["type"], want)
			}
			if want == "conversation.item.create" {
				item, _ := f["item"].(map[string]any)
				if item["call_id"] != "call_3" || item["type"] != "function_call_output" {
					t.Errorf("item = %+v", item)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

func TestDialFailureIsTransportUnavailable(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1", "", 200*time.Millisecond, Options{Model: "m"})
	if !errors.Is(err, types.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}
