package llm

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// FormatKind selects how a provider constrains its reply.
type FormatKind int

const (
	// FormatText is free-form text, the default.
	FormatText FormatKind = iota

	// FormatJSONObject asks for any syntactically valid JSON object.
	FormatJSONObject

	// FormatJSONSchema asks for JSON conforming to Schema.
	FormatJSONSchema
)

// ResponseFormat describes a structured-output constraint.
type ResponseFormat struct {
	Kind FormatKind

	// Name identifies the schema to the provider. Required for FormatJSONSchema.
	Name string

	// Description is passed through to providers that accept one.
	Description string

	// Schema is a JSON Schema document. Used only with FormatJSONSchema.
	Schema map[string]any

	// Strict requests exact schema adherence where supported.
	Strict bool
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONSchema indicates the backend can enforce a JSON Schema response format.
	SupportsJSONSchema bool
}
