package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalPartsRoundTrip(t *testing.T) {
	inv := &ToolInvocation{
		InvocationID: "inv-1",
		ToolName:     "create_file",
		Input:        map[string]any{"path": "main.go"},
		Output:       map[string]any{"ok": true},
		State:        HITLResolved,
	}
	in := []Part{TextPart{Text: "hello"}, inv}

	data, err := MarshalParts(in)
	require.NoError(t, err)

	out, err := UnmarshalParts(data)
	require.NoError(t, err)
	require.Len(t, out, 2)

	text, ok := out[0].(TextPart)
	require.True(t, ok)
	require.Equal(t, "hello", text.Text)

	got, ok := out[1].(*ToolInvocation)
	require.True(t, ok)
	require.Equal(t, "inv-1", got.InvocationID)
	require.Equal(t, "create_file", got.ToolName)
	require.Equal(t, HITLResolved, got.State)
	require.Equal(t, map[string]any{"ok": true}, got.Output)
}

func TestMarshalPartsPendingInvocationOmitsOutput(t *testing.T) {
	inv := &ToolInvocation{
		InvocationID: "inv-1",
		ToolName:     "deploy_app",
		State:        HITLPending,
	}
	data, err := MarshalParts([]Part{inv})
	require.NoError(t, err)
	require.NotContains(t, string(data), "output")

	out, err := UnmarshalParts(data)
	require.NoError(t, err)
	got := out[0].(*ToolInvocation)
	require.Nil(t, got.Output)
	require.False(t, got.Terminal())
}

func TestUnmarshalPartsUnknownTypeIsCorrupt(t *testing.T) {
	_, err := UnmarshalParts([]byte(`[{"type":"hologram"}]`))
	require.ErrorIs(t, err, ErrCorruptTurn)
}

func TestUnmarshalPartsMalformedJSONIsCorrupt(t *testing.T) {
	_, err := UnmarshalParts([]byte(`{not an array`))
	require.ErrorIs(t, err, ErrCorruptTurn)
}

func TestUnmarshalPartsMissingInvocationIDIsCorrupt(t *testing.T) {
	_, err := UnmarshalParts([]byte(`[{"type":"tool_invocation","tool_name":"x"}]`))
	require.ErrorIs(t, err, ErrCorruptTurn)
}

func TestUnmarshalPartsDefaultsState(t *testing.T) {
	out, err := UnmarshalParts([]byte(`[{"type":"tool_invocation","invocation_id":"i1","tool_name":"x"}]`))
	require.NoError(t, err)
	require.Equal(t, HITLNone, out[0].(*ToolInvocation).State)
}

func TestPendingInvocations(t *testing.T) {
	pending := &ToolInvocation{InvocationID: "i1", ToolName: "a", State: HITLPending}
	done := &ToolInvocation{InvocationID: "i2", ToolName: "b", State: HITLResolved, Output: "ok"}
	turns := []Turn{
		{ID: "t1", Role: RoleAssistant, Seq: 1, Parts: []Part{TextPart{Text: "x"}, done}},
		{ID: "t2", Role: RoleAssistant, Seq: 2, Parts: []Part{pending}},
	}

	got := PendingInvocations(turns)
	require.Len(t, got, 1)
	require.Same(t, pending, got[0])
}

func TestFindInvocation(t *testing.T) {
	inv := &ToolInvocation{InvocationID: "i1", ToolName: "a", State: HITLPending}
	turns := []Turn{
		{ID: "t1", Role: RoleAssistant, Seq: 1, Parts: []Part{inv}},
	}

	got := FindInvocation(turns, "i1")
	require.Same(t, inv, got)

	require.Nil(t, FindInvocation(turns, "ghost"))
}

func TestNextSeq(t *testing.T) {
	require.Equal(t, 0, NextSeq(nil))
	turns := []Turn{{Seq: 4}, {Seq: 2}}
	require.Equal(t, 5, NextSeq(turns))
}
