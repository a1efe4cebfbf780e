package mcpservice

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/sessions"
)

type fakeSession struct{ id string }

func (s *fakeSession) SessionID() string            { return s.id }
func (s *fakeSession) ProtocolVersion() string      { return mcp.LatestProtocolVersion }
func (s *fakeSession) State() sessions.SessionState { return sessions.SessionStateOpen }

type echoArgs struct {
	Message string `json:"message" jsonschema:"minLength=1"`
	Mode    string `json:"mode,omitempty" jsonschema:"enum=plain,enum=loud,default=plain"`
}

func echoTool() StaticTool {
	return NewTool[echoArgs]("echo", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[echoArgs]) error {
		msg := r.Args().Message
		if r.Args().Mode == "loud" {
			msg = strings.ToUpper(msg)
		}
		return w.AppendText(msg)
	}, WithToolDescription("Echo a message back to the caller"))
}

func TestToolsContainerRejectsDuplicateNames(t *testing.T) {
	_, err := NewToolsContainer(echoTool(), echoTool())
	require.ErrorIs(t, err, ErrDuplicateTool)

	tc := MustNewToolsContainer(echoTool())
	err = tc.Add(context.Background(), echoTool())
	require.ErrorIs(t, err, ErrDuplicateTool)

	// The failed add must not clobber the existing registration.
	res, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: []byte(`{"message":"hi"}`),
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "hi", res.Content[0].Text)
}

func TestToolsContainerUnknownToolIsFailedResult(t *testing.T) {
	tc := MustNewToolsContainer(echoTool())

	res, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "no-such-tool",
		Arguments: []byte(`{}`),
	})
	require.NoError(t, err, "an unknown tool is a tool-level failure, not a protocol error")
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "unknown tool")
}

func TestToolsContainerEnumeratesAllViolations(t *testing.T) {
	tc := MustNewToolsContainer(echoTool())

	res, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: []byte(`{"mode":"shouty","bogus":1}`),
	})
	require.NoError(t, err)
	require.True(t, res.IsError)

	text := res.Content[0].Text
	assert.Contains(t, text, `unknown argument "bogus"`)
	assert.Contains(t, text, `"mode" must be one of`)
	assert.Contains(t, text, `missing required argument "message"`)
}

func TestToolsContainerNormalizesEnumCasingAndDefaults(t *testing.T) {
	tc := MustNewToolsContainer(echoTool())
	sess := &fakeSession{id: "s1"}

	// Enum matching is case-insensitive and the handler sees canonical casing.
	res, err := tc.Call(context.Background(), sess, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: []byte(`{"message":"hi","mode":"LOUD"}`),
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "HI", res.Content[0].Text)

	// Absent optional property picks up its declared default.
	res, err = tc.Call(context.Background(), sess, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: []byte(`{"message":"hi"}`),
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "hi", res.Content[0].Text)
}

func TestToolsContainerTypeMismatch(t *testing.T) {
	tc := MustNewToolsContainer(echoTool())

	res, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: []byte(`{"message":42}`),
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, `"message" must be of type string`)
}

type sumArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type sumOut struct {
	Total float64 `json:"total"`
}

func TestToolWithOutputAttachesStructuredContent(t *testing.T) {
	tool := NewToolWithOutput[sumArgs, sumOut]("sum", func(ctx context.Context, s sessions.Session, w ToolResponseWriterTyped[sumOut], r *ToolRequest[sumArgs]) error {
		w.SetStructured(sumOut{Total: r.Args().A + r.Args().B})
		return w.AppendText("ok")
	})
	require.NotNil(t, tool.Descriptor.OutputSchema)
	require.Contains(t, tool.Descriptor.OutputSchema.Properties, "total")

	tc := MustNewToolsContainer(tool)
	res, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "sum",
		Arguments: []byte(`{"a":1.5,"b":2}`),
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, 3.5, res.StructuredContent["total"])
}

func TestToolsContainerEnforcesOutputSchema(t *testing.T) {
	// A tool that declares an output schema but never produces structured
	// content is broken server-side: the container surfaces that as an error
	// rather than a failed result.
	tool := NewToolWithOutput[sumArgs, sumOut]("bad-sum", func(ctx context.Context, s sessions.Session, w ToolResponseWriterTyped[sumOut], r *ToolRequest[sumArgs]) error {
		return w.AppendText("forgot the structured part")
	})
	tc := MustNewToolsContainer(tool)

	_, err := tc.Call(context.Background(), &fakeSession{id: "s1"}, &mcp.CallToolRequestReceived{
		Name:      "bad-sum",
		Arguments: []byte(`{"a":1,"b":2}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structured content")
}

func TestToolsContainerListToolsPaginates(t *testing.T) {
	mk := func(name string) StaticTool {
		return NewTool[struct{}](name, func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
			return nil
		})
	}
	tc := MustNewToolsContainer(mk("a"), mk("b"), mk("c"))
	tc.SetPageSize(2)
	sess := &fakeSession{id: "s1"}

	page1, err := tc.ListTools(context.Background(), sess, nil)
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	require.NotNil(t, page1.NextCursor)

	page2, err := tc.ListTools(context.Background(), sess, page1.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Nil(t, page2.NextCursor)
	assert.Equal(t, "c", page2.Items[0].Name)
}
