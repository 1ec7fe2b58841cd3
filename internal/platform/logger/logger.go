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

// Logger wraps zap's sugared logger with key-aware redaction: secret-bearing
// fields are masked and correlating identifiers are pseudonymized before
// anything reaches a sink.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for the given run mode: production emits JSON at info,
// test keeps development output quiet at warn, anything else is development
// output at debug.
func New(mode string) (*Logger, error) {
	z, err := zapConfig(mode).Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: z.Sugar()}, nil
}

func zapConfig(mode string) zap.Config {
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		return cfg
	case "test":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		return cfg
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg
	}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.SugaredLogger.Debugw(msg, active().kvs(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.SugaredLogger.Infow(msg, active().kvs(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.SugaredLogger.Warnw(msg, active().kvs(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.SugaredLogger.Errorw(msg, active().kvs(keysAndValues)...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...any) {
	l.SugaredLogger.Fatalw(msg, active().kvs(keysAndValues)...)
}

func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(active().kvs(keysAndValues)...)}
}

// redactor rewrites structured fields before they reach zap. Masking can be
// switched off for local debugging via LOG_REDACTION_ENABLED=0.
type redactor struct {
	enabled bool
	salt    string
}

var (
	loadRedaction sync.Once
	redaction     redactor
)

func active() redactor {
	loadRedaction.Do(func() {
		enabled := true
		switch strings.TrimSpace(strings.ToLower(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
			enabled = false
		}
		redaction = redactor{
			enabled: enabled,
			salt:    strings.TrimSpace(os.Getenv("LOG_HASH_SALT")),
		}
	})
	return redaction
}

// maskedKeyParts flags values that must never appear in logs; hashedKeyParts
// flags identifiers that stay correlatable as salted hashes.
var (
	maskedKeyParts = []string{"token", "authorization", "password", "secret", "cookie", "api_key", "apikey", "email"}
	hashedKeyParts = []string{"tenant_id", "session_id"}
)

// kvs sanitizes alternating key/value pairs. A trailing key without a value
// passes through untouched.
func (r redactor) kvs(kv []any) []any {
	if len(kv) == 0 || !r.enabled {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := strings.TrimSpace(strings.ToLower(stringify(kv[i])))
		out = append(out, stringify(kv[i]), r.value(key, kv[i+1]))
	}
	return out
}

func (r redactor) value(key string, val any) any {
	if key != "" {
		if matchesAny(key, maskedKeyParts) {
			return "[REDACTED]"
		}
		if matchesAny(key, hashedKeyParts) {
			return r.pseudonym(val)
		}
	}
	switch v := val.(type) {
	case map[string]any:
		return r.mapValue(v)
	case []any:
		return r.sliceValue(v)
	case string:
		if resemblesJWT(v) {
			return "[REDACTED]"
		}
	}
	return val
}

func (r redactor) mapValue(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = r.value(strings.TrimSpace(strings.ToLower(k)), v)
	}
	return out
}

func (r redactor) sliceValue(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, r.value("", v))
	}
	return out
}

// pseudonym replaces an identifier with a short salted hash so log lines can
// still be correlated without exposing the identifier itself.
func (r redactor) pseudonym(val any) string {
	raw := stringify(val)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	if r.salt != "" {
		_, _ = h.Write([]byte(r.salt))
	}
	_, _ = h.Write([]byte(raw))
	sum := hex.EncodeToString(h.Sum(nil))
	if len(sum) > 12 {
		sum = sum[:12]
	}
	return "hash:" + sum
}

func matchesAny(key string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}

// resemblesJWT spots three dot-separated segments with sizable header and
// payload, the shape of a signed bearer token.
func resemblesJWT(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[0]) > 10 && len(parts[1]) > 10
}

func stringify(v any) string {
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
