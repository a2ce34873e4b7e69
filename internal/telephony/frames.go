package telephony

// Wire frames for the duplex media-stream channel. The telephony provider
// sends start/media/stop/dtmf frames inbound; the bridge writes media,
// mark and clear frames outbound.

type wireFrame struct {
	Event     string      `json:"event"`
	StreamID  string      `json:"stream_id,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	DTMF      *dtmfFrame  `json:"dtmf,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
	Status    string      `json:"status,omitempty"`
}

type startFrame struct {
	CallID     string      `json:"call_id"`
	AccountRef string      `json:"account_ref,omitempty"`
	From       string      `json:"from,omitempty"`
	To         string      `json:"to,omitempty"`
	Format     mediaFormat `json:"media_format"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type mediaFrame struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp_ms"`
	Payload   string `json:"payload"` // base64 mu-law
}

type dtmfFrame struct {
	Digit string `json:"digit"`
}

type markFrame struct {
	Name string `json:"name"`
}

const (
	eventStart  = "start"
	eventMedia  = "media"
	eventStop   = "stop"
	eventDTMF   = "dtmf"
	eventMark   = "mark"
	eventStatus = "status"
	eventClear  = "clear"
)
