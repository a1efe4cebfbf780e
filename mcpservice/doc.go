// Package mcpservice provides building blocks for implementing server
// capabilities in a composable way. It exposes capability interfaces consumed
// by the streaming HTTP handler, plus helpers for static tools, argument
// validation, and change notifications.
//
// Quick start (static):
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"minLength=1"`
//	}
//	tools := mcpservice.MustNewToolsContainer(
//	    mcpservice.NewTool[EchoArgs]("echo",
//	        func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	            return w.AppendText("you said: " + r.Args().Message)
//	        },
//	        mcpservice.WithToolDescription("Echo a message back to the caller"),
//	    ),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsCapability(tools),
//	)
//
// Dynamic per-session capabilities:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithToolsProvider(func(ctx context.Context, s sessions.Session) (mcpservice.ToolsCapability, bool, error) {
//	        return mcpservice.NewDynamicTools(
//	            mcpservice.WithToolsListFn(func(ctx context.Context, _ sessions.Session, c *string) (mcpservice.Page[mcp.Tool], error) {
//	                return mcpservice.NewPage([]mcp.Tool{{Name: "now"}}), nil
//	            }),
//	        ), true, nil
//	    }),
//	)
//
// See server.go and capability files for full API details.
package mcpservice
