// ABOUTME: Table-driven tests for kind and payload pattern matching.
// ABOUTME: Covers segment-aware wildcards, alternation, and compile errors.

package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, spec Spec) *Pattern {
	t.Helper()
	p, err := Compile(spec)
	require.NoError(t, err)
	return p
}

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		kind    string
		want    bool
	}{
		{"exact match", "chat/message", "chat/message", true},
		{"exact mismatch", "chat/message", "chat/typing", false},
		{"trailing star matches deep suffix", "mcp/*", "mcp/request:tools/call", true},
		{"trailing star matches single segment", "mcp/*", "mcp/response", true},
		{"trailing star requires a suffix", "mcp/*", "mcp", false},
		{"segment aware, no prefix false-match", "mcp/*", "mcpx/request", false},
		{"method-level wildcard", "mcp/request:tools/*", "mcp/request:tools/call", true},
		{"method-level wildcard mismatch", "mcp/request:tools/*", "mcp/request:resources/read", false},
		{"mid star matches one segment", "mcp/*/call", "mcp/request:tools/call", true},
		{"mid star not two segments", "mcp/*/call", "mcp/a/b/call", false},
		{"bare star matches everything", "*", "participant/shutdown", true},
		{"bare star matches single segment kind", "*", "ping", true},
		{"alternation hit", "participant/pause|resume", "participant/resume", true},
		{"alternation miss", "participant/pause|resume", "participant/shutdown", false},
		{"literal longer than pattern", "chat/message", "chat/message/extra", false},
		{"pattern longer than kind", "chat/message/extra", "chat/message", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, Spec{Kind: tt.pattern})
			assert.Equal(t, tt.want, p.Matches(tt.kind, nil))
		})
	}
}

func TestPayloadMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern map[string]any
		payload map[string]any
		want    bool
	}{
		{
			"literal leaf match",
			map[string]any{"method": "tools/call"},
			map[string]any{"method": "tools/call", "params": map[string]any{"name": "calc"}},
			true,
		},
		{
			"literal leaf mismatch",
			map[string]any{"method": "tools/call"},
			map[string]any{"method": "resources/read"},
			false,
		},
		{
			"required key absent",
			map[string]any{"method": "tools/call"},
			map[string]any{"params": map[string]any{}},
			false,
		},
		{
			"wildcard matches any present value",
			map[string]any{"method": "*"},
			map[string]any{"method": 42},
			true,
		},
		{
			"wildcard requires the key",
			map[string]any{"method": "*"},
			map[string]any{},
			false,
		},
		{
			"nested pattern",
			map[string]any{"params": map[string]any{"name": "calculator"}},
			map[string]any{"params": map[string]any{"name": "calculator", "args": "ignored"}},
			true,
		},
		{
			"nested mismatch",
			map[string]any{"params": map[string]any{"name": "calculator"}},
			map[string]any{"params": map[string]any{"name": "filesystem"}},
			false,
		},
		{
			"nested pattern against scalar",
			map[string]any{"params": map[string]any{"name": "calculator"}},
			map[string]any{"params": "not a map"},
			false,
		},
		{
			"numeric literal across json decodings",
			map[string]any{"version": 2},
			map[string]any{"version": float64(2)},
			true,
		},
		{
			"nil candidate payload",
			map[string]any{"method": "*"},
			nil,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, Spec{Kind: "mcp/*", Payload: tt.pattern})
			assert.Equal(t, tt.want, p.Matches("mcp/request:tools/call", tt.payload))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		err  error
	}{
		{"empty kind", Spec{Kind: ""}, ErrEmptyKind},
		{"empty segment", Spec{Kind: "mcp//call"}, ErrEmptySegment},
		{"embedded star", Spec{Kind: "mcp/req*est"}, ErrEmbeddedStar},
		{"star with suffix", Spec{Kind: "mcp/*x"}, ErrEmbeddedStar},
		{"empty alternation branch", Spec{Kind: "participant/pause|"}, ErrEmptyAlternate},
		{"empty payload key", Spec{Kind: "mcp/*", Payload: map[string]any{"": "x"}}, ErrBadPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCompileSet(t *testing.T) {
	t.Run("one bad pattern fails the set", func(t *testing.T) {
		_, err := CompileSet([]Spec{
			{Kind: "chat/*"},
			{Kind: "bad//kind"},
		})
		require.ErrorIs(t, err, ErrEmptySegment)
	})

	t.Run("preserves grant order", func(t *testing.T) {
		set, err := CompileSet([]Spec{{Kind: "chat/*"}, {Kind: "mcp/*"}})
		require.NoError(t, err)
		require.Equal(t, 2, set.Len())
		assert.Equal(t, "chat/*", set.Patterns()[0].String())
		assert.Equal(t, "mcp/*", set.Patterns()[1].String())
	})
}

func TestCanSend(t *testing.T) {
	set, err := CompileSet([]Spec{
		{Kind: "mcp/request:tools/*"},
		{Kind: "chat/message", Payload: map[string]any{"format": "plain"}},
	})
	require.NoError(t, err)

	// The §8 scenario: tools calls pass, lifecycle control does not.
	assert.True(t, set.CanSend("mcp/request:tools/call", nil))
	assert.False(t, set.CanSend("participant/shutdown", map[string]any{"reason": "test"}))

	// Payload-refined pattern: admission depends on the payload.
	assert.True(t, set.CanSend("chat/message", map[string]any{"format": "plain"}))
	assert.False(t, set.CanSend("chat/message", map[string]any{"format": "markdown"}))

	// Same kind queried twice with different payloads must not be served a
	// stale cached verdict.
	assert.True(t, set.CanSend("chat/message", map[string]any{"format": "plain"}))
}

func TestCanSendCachesKindOnlyVerdicts(t *testing.T) {
	set, err := CompileSet([]Spec{{Kind: "mcp/*"}})
	require.NoError(t, err)

	assert.True(t, set.CanSend("mcp/request:tools/call", nil))
	assert.False(t, set.CanSend("participant/pause", nil))

	// Cached answers stay correct on repeat queries.
	assert.True(t, set.CanSend("mcp/request:tools/call", map[string]any{"x": 1}))
	assert.False(t, set.CanSend("participant/pause", map[string]any{"x": 1}))
}

func TestFindMatching(t *testing.T) {
	set, err := CompileSet([]Spec{
		{Kind: "mcp/*"},
		{Kind: "mcp/request:tools/*"},
		{Kind: "chat/*"},
	})
	require.NoError(t, err)

	matched := set.FindMatching("mcp/request:tools/call", nil)
	require.Len(t, matched, 2)
	assert.Equal(t, "mcp/*", matched[0].String())
	assert.Equal(t, "mcp/request:tools/*", matched[1].String())

	assert.Empty(t, set.FindMatching("participant/pause", nil))
}
