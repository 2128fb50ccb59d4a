// Package mcpserver exposes the recap pipeline as a Model Context Protocol
// tool, so assistants can summarise a transcript without the HTTP surface.
//
// The single tool, summarize_transcript, applies the same file name and
// decoding rules as the upload endpoint and runs the same [server.Processor].
package mcpserver

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/server"
)

// ToolName is the name clients call.
const ToolName = "summarize_transcript"

// SummarizeInput are the tool arguments.
type SummarizeInput struct {
	Filename string `json:"filename" jsonschema:"transcript file name ending in .txt, .vtt or .srt"`
	Text     string `json:"text" jsonschema:"full transcript text"`
}

// SummarizeOutput is the structured tool result.
type SummarizeOutput struct {
	RunID       string            `json:"run_id"`
	ChunkCount  int               `json:"chunk_count"`
	PlayerStory string            `json:"player_story"`
	Artifacts   map[string]string `json:"artifacts"`
}

// New builds an MCP server with the summarize_transcript tool bound to proc.
func New(proc server.Processor, version string) *mcpsdk.Server {
	srv := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "taleweaver", Version: version},
		nil,
	)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        ToolName,
		Description: "Normalise a tabletop session transcript and produce a GM recap and a player story.",
	}, summarize(proc))
	return srv
}

// Serve runs the tool server over stdin/stdout until ctx is done or the
// client disconnects.
func Serve(ctx context.Context, proc server.Processor, version string) error {
	if err := New(proc, version).Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcpserver: serve: %w", err)
	}
	return nil
}

func summarize(proc server.Processor) mcpsdk.ToolHandlerFor[SummarizeInput, SummarizeOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in SummarizeInput) (*mcpsdk.CallToolResult, SummarizeOutput, error) {
		text, err := server.DecodeTranscript(in.Filename, []byte(in.Text))
		if err != nil {
			return nil, SummarizeOutput{}, err
		}

		observe.Logger(ctx).Info("mcp summarize", "filename", in.Filename, "bytes", len(in.Text))
		res, arts, err := proc.Process(ctx, text, in.Filename)
		if err != nil {
			return nil, SummarizeOutput{}, err
		}
		return nil, SummarizeOutput{
			RunID:       res.RunID,
			ChunkCount:  res.ChunkCount,
			PlayerStory: res.PlayerFinalStory,
			Artifacts:   arts,
		}, nil
	}
}
