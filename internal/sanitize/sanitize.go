package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	xerrors "ProofChain/internal/errors"
)

const (
	// DefaultMaxDepth is the deepest container nesting accepted by default.
	DefaultMaxDepth = 10
	// DefaultMaxBytes caps the canonical serialised size of a payload.
	DefaultMaxBytes = 64 << 10
)

const (
	CodeDepthExceeded   xerrors.Code = "DEPTH_EXCEEDED"
	CodePayloadTooLarge xerrors.Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidPayload  xerrors.Code = "INVALID_PAYLOAD"
)

func init() {
	xerrors.Register(CodeDepthExceeded, xerrors.Attributes{
		Message:  "payload nested too deeply",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePayloadTooLarge, xerrors.Attributes{
		Message:  "payload too large",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidPayload, xerrors.Attributes{
		Message:  "payload cannot be serialised",
		Severity: xerrors.SeverityInfo,
	})
}

// Config bounds the payloads a Sanitizer accepts. Zero values fall back to the
// package defaults.
type Config struct {
	MaxDepth int `json:"max_depth"`
	MaxBytes int `json:"max_bytes"`
}

// Sanitizer validates and escapes payloads. It holds no mutable state and is
// safe for concurrent use.
type Sanitizer struct {
	maxDepth int
	maxBytes int
}

// New constructs a Sanitizer.
func New(cfg Config) *Sanitizer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Sanitizer{maxDepth: cfg.MaxDepth, maxBytes: cfg.MaxBytes}
}

// MaxDepth reports the configured depth bound.
func (s *Sanitizer) MaxDepth() int { return s.maxDepth }

// MaxBytes reports the configured size bound.
func (s *Sanitizer) MaxBytes() int { return s.maxBytes }

// Payload is a sanitised, immutable payload together with its canonical
// serialisation.
type Payload struct {
	value     any
	canonical []byte
}

// Value returns a deep copy of the sanitised tree.
func (p Payload) Value() any {
	return clone(p.value)
}

// Canonical returns a copy of the canonical JSON bytes.
func (p Payload) Canonical() []byte {
	return bytes.Clone(p.canonical)
}

// Size is the length of the canonical serialisation.
func (p Payload) Size() int {
	return len(p.canonical)
}

// IsZero reports whether p was produced by a Sanitizer.
func (p Payload) IsZero() bool {
	return p.canonical == nil
}

// Sanitize bounds and escapes payload. Depth is enforced before anything is
// serialised so oversized nesting never reaches the hasher.
func (s *Sanitizer) Sanitize(payload any) (Payload, error) {
	if p, ok := payload.(Payload); ok {
		payload = p.value
	}
	if p, ok := payload.(*Payload); ok && p != nil {
		payload = p.value
	}

	cleaned, err := s.walk(payload, 0)
	if err != nil {
		return Payload{}, err
	}

	canonical, err := encodeCanonical(cleaned)
	if err != nil {
		return Payload{}, xerrors.Wrap(CodeInvalidPayload, err, "序列化载荷失败")
	}
	if len(canonical) > s.maxBytes {
		return Payload{}, xerrors.New(CodePayloadTooLarge,
			fmt.Sprintf("载荷大小 %d 字节超过上限 %d", len(canonical), s.maxBytes),
			xerrors.WithMetadata("size", strconv.Itoa(len(canonical))))
	}
	return Payload{value: cleaned, canonical: canonical}, nil
}

// Decode parses raw JSON into a payload tree, keeping numbers exact.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, xerrors.Wrap(CodeInvalidPayload, err, "解析载荷 JSON 失败")
	}
	if dec.More() {
		return nil, xerrors.New(CodeInvalidPayload, "载荷包含多余的 JSON 内容")
	}
	return out, nil
}

func (s *Sanitizer) walk(v any, depth int) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return EscapeString(val), nil
	case bool:
		return val, nil
	case json.Number:
		if _, err := strconv.ParseFloat(string(val), 64); err != nil {
			return nil, xerrors.Wrap(CodeInvalidPayload, err, "非法数字")
		}
		return val, nil
	case float64:
		return floatNumber(val)
	case float32:
		return floatNumber(float64(val))
	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(val, 10)), nil
	case map[string]any:
		if err := s.enter(depth); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(val))
		for key, child := range val {
			if err := s.putKey(out, key, child, depth); err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		if err := s.enter(depth); err != nil {
			return nil, err
		}
		out := make([]any, len(val))
		for i, child := range val {
			cleaned, err := s.walk(child, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	}
	return s.walkReflect(v, depth)
}

func (s *Sanitizer) walkReflect(v any, depth int) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return s.walk(rv.Elem().Interface(), depth)
	case reflect.String:
		return EscapeString(rv.String()), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return floatNumber(rv.Float())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, xerrors.New(CodeInvalidPayload, fmt.Sprintf("不支持的 map 键类型 %s", rv.Type().Key()))
		}
		if err := s.enter(depth); err != nil {
			return nil, err
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if err := s.putKey(out, iter.Key().String(), iter.Value().Interface(), depth); err != nil {
				return nil, err
			}
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if err := s.enter(depth); err != nil {
			return nil, err
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			cleaned, err := s.walk(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case reflect.Struct:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidPayload, err, "序列化结构体载荷失败")
		}
		decoded, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return s.walk(decoded, depth)
	default:
		return nil, xerrors.New(CodeInvalidPayload, fmt.Sprintf("不支持的载荷类型 %T", v))
	}
}

func (s *Sanitizer) enter(depth int) error {
	if depth+1 > s.maxDepth {
		return xerrors.New(CodeDepthExceeded,
			fmt.Sprintf("载荷嵌套层数超过上限 %d", s.maxDepth),
			xerrors.WithMetadata("max_depth", strconv.Itoa(s.maxDepth)))
	}
	return nil
}

func (s *Sanitizer) putKey(out map[string]any, key string, child any, depth int) error {
	escaped := EscapeString(key)
	if _, dup := out[escaped]; dup {
		return xerrors.New(CodeInvalidPayload, fmt.Sprintf("转义后键名冲突: %q", escaped))
	}
	cleaned, err := s.walk(child, depth+1)
	if err != nil {
		return err
	}
	out[escaped] = cleaned
	return nil
}

func floatNumber(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, xerrors.New(CodeInvalidPayload, "载荷包含 NaN 或 Inf")
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidPayload, err, "非法浮点数")
	}
	return json.Number(raw), nil
}

var entities = []string{"&amp;", "&lt;", "&gt;", "&quot;", "&#39;"}

// EscapeString escapes markup-significant characters. An ampersand that
// already begins one of the entities produced here is kept, which makes the
// function idempotent.
func EscapeString(s string) string {
	if !strings.ContainsAny(s, `<>&"'`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		case '&':
			if startsWithEntity(s[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func startsWithEntity(s string) bool {
	for _, entity := range entities {
		if strings.HasPrefix(s, entity) {
			return true
		}
	}
	return false
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = clone(child)
		}
		return out
	default:
		return val
	}
}
