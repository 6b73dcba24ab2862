package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Logger wraps a sugared zap logger and scrubs structured fields before
// they are written: secret-bearing keys are redacted outright, tenant
// identifiers are replaced with a salted hash so log lines stay
// correlatable without leaking the raw id.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for the given mode: "prod"/"production" emits JSON,
// "test" is silent, anything else uses the console development encoder.
func New(mode string) (*Logger, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		z, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return &Logger{SugaredLogger: z.Sugar()}, nil
	case "test":
		return &Logger{SugaredLogger: zap.NewNop().Sugar()}, nil
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		z, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return &Logger{SugaredLogger: z.Sugar()}, nil
	}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.SugaredLogger.Debugw(msg, scrubPairs(kv)...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.SugaredLogger.Infow(msg, scrubPairs(kv)...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.SugaredLogger.Warnw(msg, scrubPairs(kv)...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.SugaredLogger.Errorw(msg, scrubPairs(kv)...)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.SugaredLogger.Fatalw(msg, scrubPairs(kv)...)
}

// With returns a child logger carrying the (scrubbed) key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(scrubPairs(kv)...)}
}

// Key fragments that mark a value as secret or as a hashable tenant id.
var (
	secretFragments = []string{"token", "authorization", "password", "secret", "api_key", "apikey", "email"}
	hashFragments   = []string{"owner_org_id"}
)

var scrubState struct {
	once    sync.Once
	enabled bool
	salt    string
}

func scrubbing() bool {
	scrubState.once.Do(func() {
		switch strings.TrimSpace(strings.ToLower(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
			scrubState.enabled = false
		default:
			scrubState.enabled = true
		}
		scrubState.salt = strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))
	})
	return scrubState.enabled
}

// scrubPairs walks alternating key/value pairs. A trailing dangling key is
// passed through untouched; zap reports it as a malformed pair.
func scrubPairs(kv []interface{}) []interface{} {
	if len(kv) == 0 || !scrubbing() {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key := stringify(kv[i])
		out = append(out, key, scrubValue(strings.ToLower(strings.TrimSpace(key)), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, kv[len(kv)-1])
	}
	return out
}

func scrubValue(key string, val interface{}) interface{} {
	for _, frag := range secretFragments {
		if strings.Contains(key, frag) {
			return "[REDACTED]"
		}
	}
	for _, frag := range hashFragments {
		if strings.Contains(key, frag) {
			return hashedID(val)
		}
	}
	switch v := val.(type) {
	case map[string]interface{}:
		if v == nil {
			return v
		}
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			out[k] = scrubValue(strings.ToLower(strings.TrimSpace(k)), nested)
		}
		return out
	case []interface{}:
		if v == nil {
			return v
		}
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = scrubValue("", nested)
		}
		return out
	default:
		return val
	}
}

// hashedID shortens a salted sha256 to 12 hex chars: enough to correlate
// lines for one tenant, useless for recovering the id.
func hashedID(val interface{}) string {
	raw := stringify(val)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	if scrubState.salt != "" {
		_, _ = h.Write([]byte(scrubState.salt))
	}
	_, _ = h.Write([]byte(raw))
	sum := hex.EncodeToString(h.Sum(nil))
	if len(sum) > 12 {
		sum = sum[:12]
	}
	return "hash:" + sum
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
