package config

import (
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/spf13/viper"
)

type Config struct {
    Server struct {
        Port     string
        LogLevel string
    }
    Telephony struct {
        SetupWindow  time.Duration
        SampleRate   int
        StreamSecret string
    }
    Speech struct {
        URL          string
        APIKey       string
        Model        string
        Voice        string
        Instructions string
        DialTimeout  time.Duration
        SampleRate   int
    }
    Tools struct {
        BaseURL        string
        Timeout        time.Duration
        MaxConcurrency int
    }
    Fallback struct {
        CheckInterval  time.Duration
        ErrorRateLimit float64
        LatencyLimit   time.Duration
        WindowSize     int
        Message        string
    }
    Mux struct {
        BufferSize int
    }
}

func Load() Config {
    v := viper.New()
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()

    // Defaults
    v.SetDefault("server.port", 8080)
    v.SetDefault("server.log_level", "info")

    v.SetDefault("telephony.setup_window_ms", 5000)
    v.SetDefault("telephony.sample_rate", 8000)

    v.SetDefault("speech.url", "wss://api.openai.com/v1/realtime")
    v.SetDefault("speech.model", "gpt-4o-realtime-preview")
    v.SetDefault("speech.voice", "alloy")
    v.SetDefault("speech.instructions", "You are a friendly hotel front-desk assistant. Keep answers short and spoken-word natural.")
    v.SetDefault("speech.dial_timeout_ms", 5000)
    v.SetDefault("speech.sample_rate", 24000)

    v.SetDefault("tools.timeout_ms", 4000)
    v.SetDefault("tools.max_concurrency", 8)

    // No canonical upstream values exist for these; they are tunables.
    v.SetDefault("fallback.check_interval_ms", 1000)
    v.SetDefault("fallback.error_rate_limit", 0.5)
    v.SetDefault("fallback.latency_limit_ms", 6000)
    v.SetDefault("fallback.window_size", 10)
    v.SetDefault("fallback.message", "I'm sorry, I'm having trouble right now. Let me connect you with our front desk.")

    v.SetDefault("mux.buffer_size", 256)

    // Map envs
    v.BindEnv("server.port", "PORT")
    v.BindEnv("server.log_level", "LOG_LEVEL")

    v.BindEnv("telephony.setup_window_ms", "TELEPHONY_SETUP_WINDOW_MS")
    v.BindEnv("telephony.sample_rate", "TELEPHONY_SAMPLE_RATE")
    v.BindEnv("telephony.stream_secret", "TELEPHONY_STREAM_SECRET")

    v.BindEnv("speech.url", "SPEECH_URL")
    v.BindEnv("speech.api_key", "SPEECH_API_KEY")
    v.BindEnv("speech.model", "SPEECH_MODEL")
    v.BindEnv("speech.voice", "SPEECH_VOICE")
    v.BindEnv("speech.instructions", "SPEECH_INSTRUCTIONS")
    v.BindEnv("speech.dial_timeout_ms", "SPEECH_DIAL_TIMEOUT_MS")
    v.BindEnv("speech.sample_rate", "SPEECH_SAMPLE_RATE")

    v.BindEnv("tools.base_url", "TOOLS_BASE_URL")
    v.BindEnv("tools.timeout_ms", "TOOLS_TIMEOUT_MS")
    v.BindEnv("tools.max_concurrency", "TOOLS_MAX_CONCURRENCY")

    v.BindEnv("fallback.check_interval_ms", "FALLBACK_CHECK_INTERVAL_MS")
    v.BindEnv("fallback.error_rate_limit", "FALLBACK_ERROR_RATE_LIMIT")
    v.BindEnv("fallback.latency_limit_ms", "FALLBACK_LATENCY_LIMIT_MS")
    v.BindEnv("fallback.window_size", "FALLBACK_WINDOW_SIZE")
    v.BindEnv("fallback.message", "FALLBACK_MESSAGE")

    v.BindEnv("mux.buffer_size", "MUX_BUFFER_SIZE")

    var c Config
    c.Server.Port = toString(v.Get("server.port"))
    c.Server.LogLevel = v.GetString("server.log_level")

    c.Telephony.SetupWindow = time.Duration(v.GetInt("telephony.setup_window_ms")) * time.Millisecond
    c.Telephony.SampleRate = v.GetInt("telephony.sample_rate")
    c.Telephony.StreamSecret = v.GetString("telephony.stream_secret")

    c.Speech.URL = v.GetString("speech.url")
    c.Speech.APIKey = v.GetString("speech.api_key")
    c.Speech.Model = v.GetString("speech.model")
    c.Speech.Voice = v.GetString("speech.voice")
    c.Speech.Instructions = v.GetString("speech.instructions")
    c.Speech.DialTimeout = time.Duration(v.GetInt("speech.dial_timeout_ms")) * time.Millisecond
    c.Speech.SampleRate = v.GetInt("speech.sample_rate")

    c.Tools.BaseURL = v.GetString("tools.base_url")
    c.Tools.Timeout = time.Duration(v.GetInt("tools.timeout_ms")) * time.Millisecond
    c.Tools.MaxConcurrency = v.GetInt("tools.max_concurrency")

    c.Fallback.CheckInterval = time.Duration(v.GetInt("fallback.check_interval_ms")) * time.Millisecond
    c.Fallback.ErrorRateLimit = v.GetFloat64("fallback.error_rate_limit")
    c.Fallback.LatencyLimit = time.Duration(v.GetInt("fallback.latency_limit_ms")) * time.Millisecond
    c.Fallback.WindowSize = v.GetInt("fallback.window_size")
    c.Fallback.Message = v.GetString("fallback.message")

    c.Mux.BufferSize = v.GetInt("mux.buffer_size")

    log.Printf("config loaded: port=%s speech_url=%s tools_base=%s", c.Server.Port, c.Speech.URL, c.Tools.BaseURL)
    return c
}

func toString(v any) string { return fmt.Sprint(v) }
