package llm

// ProviderName identifies a supported model provider.
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGoogle    ProviderName = "google"
	ProviderGroq      ProviderName = "groq"
	ProviderOllama    ProviderName = "ollama"
	// ProviderMock is the scripted in-process model used in tests and
	// development mode.
	ProviderMock ProviderName = "mock"
)

// Params are the per-call generation knobs passed through untouched.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// Config selects and configures the model a request runs against.
type Config struct {
	Provider ProviderName
	Model    string
	APIKey   string
	APIURL   string
	Params   Params
}
