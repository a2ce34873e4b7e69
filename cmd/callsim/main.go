// Command callsim plays the telephony provider side of a call against a
// running bridge: it opens the media-stream channel, streams mu-law
// silence, optionally presses DTMF digits, acknowledges marks, and hangs
// up. Useful for exercising a bridge end to end without a carrier.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	ws "nhooyr.io/websocket"

	"concierge/bridge/internal/auth"
)

type frame struct {
	Event    string     `json:"event"`
	StreamID string     `json:"stream_id,omitempty"`
	Start    *startBody `json:"start,omitempty"`
	Media    *mediaBody `json:"media,omitempty"`
	DTMF     *dtmfBody  `json:"dtmf,omitempty"`
	Mark     *markBody  `json:"mark,omitempty"`
	Status   string     `json:"status,omitempty"`
}

type startBody struct {
	CallID string     `json:"call_id"`
	From   string     `json:"from,omitempty"`
	To     string     `json:"to,omitempty"`
	Format formatBody `json:"media_format"`
}

type formatBody struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type mediaBody struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp_ms"`
	Payload   string `json:"payload"`
}

type dtmfBody struct {
	Digit string `json:"digit"`
}

type markBody struct {
	Name string `json:"name"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/media-stream", "bridge media-stream URL")
	callID := flag.String("call", "sim-"+time.Now().Format("150405"), "call id")
	from := flag.String("from", "+15550100", "caller number")
	to := flag.String("to", "+15550200", "called number")
	secret := flag.String("secret", "", "stream secret; when set a signed token is attached")
	digits := flag.String("dtmf", "", "DTMF digits to press after 2s")
	duration := flag.Duration("duration", 15*time.Second, "how long to hold the call open")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration+10*time.Second)
	defer cancel()

	url := *addr
	if *secret != "" {
		tok := auth.GenerateStreamToken(*secret, *callID, time.Now().Add(5*time.Minute).Unix())
		url += "?token=" + tok
	}

	c, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		log.Fatalf("dial bridge: %v", err)
	}
	defer c.Close(ws.StatusNormalClosure, "done")

	send := func(f frame) {
		b, _ := json.Marshal(f)
		if err := c.Write(ctx, ws.MessageText, b); err != nil {
			log.Fatalf("write %s: %v", f.Event, err)
		}
	}

	fmt.Printf("=== callsim ===\ncall: %s\n\n", *callID)

	send(frame{Event: "start", StreamID: "sim-stream", Start: &startBody{
		CallID: *callID,
		From:   *from,
		To:     *to,
		Format: formatBody{Encoding: "audio/x-mulaw", SampleRate: 8000},
	}})

	// Receiver: print whatever the bridge sends, and ack marks the way a
	// real provider does after playing the buffered audio.
	go func() {
		var agentBytes int
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				fmt.Printf("\n[stream] closed: %v\n", err)
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Event {
			case "media":
				if f.Media != nil {
					raw, _ := base64.StdEncoding.DecodeString(f.Media.Payload)
					agentBytes += len(raw)
					fmt.Printf("\r[media] agent audio: %d bytes", agentBytes)
				}
			case "mark":
				name := ""
				if f.Mark != nil {
					name = f.Mark.Name
				}
				fmt.Printf("\n[mark] %s (acking)\n", name)
				time.Sleep(200 * time.Millisecond)
				send(frame{Event: "mark", Mark: &markBody{Name: name}})
			case "clear":
				fmt.Printf("\n[clear] buffered audio discarded\n")
				agentBytes = 0
			}
		}
	}()

	// 20ms mu-law silence frames.
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	payload := base64.StdEncoding.EncodeToString(silence)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(*duration)
	dtmfAt := time.After(2 * time.Second)

	var seq uint64
	for {
		select {
		case <-ticker.C:
			seq++
			send(frame{Event: "media", Media: &mediaBody{
				Seq:       seq,
				Timestamp: time.Now().UnixMilli(),
				Payload:   payload,
			}})
		case <-dtmfAt:
			for _, d := range *digits {
				fmt.Printf("[dtmf] pressing %c\n", d)
				send(frame{Event: "dtmf", DTMF: &dtmfBody{Digit: string(d)}})
			}
		case <-deadline:
			fmt.Println("\n[stop] hanging up")
			send(frame{Event: "stop"})
			time.Sleep(500 * time.Millisecond)
			return
		case <-ctx.Done():
			return
		}
	}
}
