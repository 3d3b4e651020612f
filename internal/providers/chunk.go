package providers

// ChunkType tags a streamed Chunk.
type ChunkType string

const (
	ChunkContent       ChunkType = "content"
	ChunkToolCallStart ChunkType = "tool_call_start"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkToolCallEnd   ChunkType = "tool_call_end"
	ChunkFinish        ChunkType = "finish"
	ChunkUsage         ChunkType = "usage"
	ChunkError         ChunkType = "error"
)

// Finish reasons carried by finish chunks.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Chunk is one unit of a streamed response. Type selects the variant:
// content carries a text fragment, the tool_call_* chunks delimit one
// tool invocation and its argument fragments, finish carries the stop
// reason, usage the token counts, and error a mid-stream failure.
type Chunk struct {
	Type         ChunkType
	Content      string
	CallID       string
	Name         string
	ArgsDelta    string
	FinishReason string
	Usage        *Usage
	Err          error
}
