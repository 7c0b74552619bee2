package sanitize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	xerrors "ProofChain/internal/errors"
)

func nested(levels int) any {
	var v any = "leaf"
	for i := 0; i < levels; i++ {
		v = map[string]any{"n": v}
	}
	return v
}

func TestSanitizeRejectsDeepNesting(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	if _, err := s.Sanitize(nested(10)); err != nil {
		t.Fatalf("10 levels should be accepted: %v", err)
	}

	_, err := s.Sanitize(nested(11))
	if err == nil {
		t.Fatal("expected 11 levels to be rejected")
	}
	if xerrors.CodeOf(err) != CodeDepthExceeded {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}

	deepList := []any{[]any{[]any{"x"}}}
	if _, err := New(Config{MaxDepth: 2}).Sanitize(deepList); xerrors.CodeOf(err) != CodeDepthExceeded {
		t.Fatalf("expected list nesting to count, got %v", err)
	}
}

func TestSanitizeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxBytes: 64})
	_, err := s.Sanitize(map[string]any{"blob": strings.Repeat("a", 128)})
	if xerrors.CodeOf(err) != CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestSanitizeEscapesEveryStringLeaf(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	p, err := s.Sanitize(map[string]any{
		"actor": "<script>alert('x')</script>",
		"tags":  []any{"a&b", `"quoted"`},
		"inner": map[string]any{"<k>": "v>"},
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	canonical := string(p.Canonical())
	for _, forbidden := range []string{"<", ">", "'", `\"quoted`} {
		if strings.Contains(canonical, forbidden) {
			t.Fatalf("canonical output still contains %q: %s", forbidden, canonical)
		}
	}
	if !strings.Contains(canonical, "a&amp;b") {
		t.Fatalf("expected ampersand to be escaped: %s", canonical)
	}
	if !strings.Contains(canonical, `"&lt;k&gt;"`) {
		t.Fatalf("expected keys to be escaped: %s", canonical)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	inputs := []any{
		map[string]any{"actor": "demo", "score": 0.5},
		map[string]any{"html": "<b>&amp; & &lt; 'x'</b>", "n": json.Number("12.50")},
		[]any{"&#39;", "&", int64(7), true, nil},
		"plain <string>",
	}
	for _, in := range inputs {
		once, err := s.Sanitize(in)
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
		twice, err := s.Sanitize(once.Value())
		if err != nil {
			t.Fatalf("second pass: %v", err)
		}
		if !bytes.Equal(once.Canonical(), twice.Canonical()) {
			t.Fatalf("sanitize not idempotent:\n%s\n%s", once.Canonical(), twice.Canonical())
		}
		again, err := s.Sanitize(once)
		if err != nil {
			t.Fatalf("payload pass: %v", err)
		}
		if !bytes.Equal(once.Canonical(), again.Canonical()) {
			t.Fatal("sanitizing a Payload must be a no-op")
		}
	}
}

func TestSanitizeIsDeterministicAcrossKeyOrder(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	a, err := s.Sanitize(map[string]any{"actor": "demo", "score": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Sanitize(map[string]any{"score": 0.5, "actor": "demo"})
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Canonical()) != `{"actor":"demo","score":0.5}` {
		t.Fatalf("unexpected canonical form %s", a.Canonical())
	}
	if !bytes.Equal(a.Canonical(), b.Canonical()) {
		t.Fatal("key order must not change canonical bytes")
	}
}

func TestSanitizeDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	input := map[string]any{"list": []any{"a"}}
	p, err := New(Config{}).Sanitize(input)
	if err != nil {
		t.Fatal(err)
	}
	input["list"].([]any)[0] = "mutated"
	out := p.Value().(map[string]any)
	if out["list"].([]any)[0] != "a" {
		t.Fatal("sanitized payload must not alias caller data")
	}
	out["list"] = nil
	if p.Value().(map[string]any)["list"] == nil {
		t.Fatal("Value must return a copy")
	}
}

func TestSanitizeRejectsUnsupportedValues(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	cases := []any{
		map[string]any{"ch": make(chan int)},
		map[int]string{1: "x"},
		map[string]any{"<": 1, "&lt;": 2},
	}
	for _, c := range cases {
		if _, err := s.Sanitize(c); xerrors.CodeOf(err) != CodeInvalidPayload {
			t.Fatalf("expected INVALID_PAYLOAD for %T, got %v", c, err)
		}
	}
}

func TestDecodeKeepsNumbersExact(t *testing.T) {
	t.Parallel()

	v, err := Decode([]byte(`{"score":0.10000000000000000001,"n":9007199254740993}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, err := New(Config{}).Sanitize(v)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(p.Canonical()), "9007199254740993") {
		t.Fatalf("large integer lost precision: %s", p.Canonical())
	}
	if _, err := Decode([]byte(`{} {}`)); xerrors.CodeOf(err) != CodeInvalidPayload {
		t.Fatalf("expected trailing data to be rejected, got %v", err)
	}
}
