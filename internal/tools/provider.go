package tools

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"

    "concierge/bridge/internal/types"
)

// Provider executes a named business action on behalf of the conversation.
type Provider interface {
    Call(ctx context.Context, name string, payload map[string]any, idempotencyKey string) (map[string]any, error)
}

// HTTPProvider posts tool calls to a uniform REST endpoint per tool.
type HTTPProvider struct {
    http *http.Client
    base string
}

func NewHTTPProvider(base string) *HTTPProvider {
    return &HTTPProvider{http: &http.Client{}, base: base}
}

func (c *HTTPProvider) Call(ctx context.Context, name string, payload map[string]any, idempotencyKey string) (map[string]any, error) {
    var body bytes.Buffer
    if err := json.NewEncoder(&body).Encode(payload); err != nil {
        return nil, err
    }
    req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/tools/"+name, &body)
    if err != nil { return nil, err }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("Idempotency-Key", idempotencyKey)

    resp, err := c.http.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()

    raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
    switch {
    case resp.StatusCode == 200:
        var out map[string]any
        if err := json.Unmarshal(raw, &out); err != nil {
            return nil, fmt.Errorf("tool %s: bad response body: %w", name, err)
        }
        return out, nil
    case resp.StatusCode == 400 || resp.StatusCode == 422:
        return nil, fmt.Errorf("%w: %s: provider rejected input: %s", types.ErrToolValidation, name, string(raw))
    default:
        return nil, fmt.Errorf("tool %s: unexpected status %d: %s", name, resp.StatusCode, string(raw))
    }
}
