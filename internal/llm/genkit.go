package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/pricing"
)

// ErrNoAPIKey is returned when the configured provider has no credentials.
var ErrNoAPIKey = errors.New("llm: no api key for provider")

// errHostExecuted is returned if genkit ever tries to run a tool itself.
// Tools are always returned to the processor instead.
var errHostExecuted = errors.New("llm: tools are executed by the session processor")

// GenkitConfig selects the provider behind a GenkitGenerator.
type GenkitConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string
	Model    string
	APIKey   string

	// Used by openai_compatible.
	CompatibleProvider string
	BaseURL            string
}

// GenkitGenerator implements Generator on top of genkit's streaming API.
// Tool requests are returned to the caller rather than executed by genkit.
type GenkitGenerator struct {
	g        *genkit.Genkit
	provider string
	model    string
	logger   *slog.Logger

	mu      sync.Mutex
	defined map[string]ai.Tool
}

// NewGenkitGenerator initialises genkit with the plugin for cfg.Provider.
func NewGenkitGenerator(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) (*GenkitGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w %q", ErrNoAPIKey, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
	logger.Info("genkit generator initialized", "provider", provider, "model", model)

	return &GenkitGenerator{
		g:        g,
		provider: provider,
		model:    model,
		logger:   logger,
		defined:  make(map[string]ai.Tool),
	}, nil
}

// Model returns the default model name used when a request names none.
func (gg *GenkitGenerator) Model() string { return gg.model }

// Generate implements Generator.
func (gg *GenkitGenerator) Generate(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		model := req.Model
		if model == "" {
			model = gg.model
		}
		opts := []ai.GenerateOption{ai.WithModelName(ModelNameForProvider(gg.provider, model))}
		if strings.TrimSpace(req.System) != "" {
			// WithSystem formats its argument.
			opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
		}
		if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
			opts = append(opts, ai.WithMessages(msgs...))
		}
		if refs := gg.toolRefs(req.Tools); len(refs) > 0 {
			opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
		}

		textID, reasoningID := "", ""
		closeParts := func() bool {
			if textID != "" {
				if !yield(StreamEvent{Kind: EventTextEnd, ID: textID}, nil) {
					return false
				}
				textID = ""
			}
			if reasoningID != "" {
				if !yield(StreamEvent{Kind: EventReasoningEnd, ID: reasoningID}, nil) {
					return false
				}
				reasoningID = ""
			}
			return true
		}

		for streamVal, err := range genkit.GenerateStream(ctx, gg.g, opts...) {
			if err != nil {
				yield(StreamEvent{}, fmt.Errorf("genkit stream: %w", providerError(err)))
				return
			}
			if streamVal.Chunk != nil {
				for _, part := range streamVal.Chunk.Content {
					switch {
					case part.Kind == ai.PartText && part.Text != "":
						if textID == "" {
							textID = uuid.NewString()
							if !yield(StreamEvent{Kind: EventTextStart, ID: textID}, nil) {
								return
							}
						}
						if !yield(StreamEvent{Kind: EventTextDelta, ID: textID, Text: part.Text}, nil) {
							return
						}
					case part.Kind == ai.PartReasoning && part.Text != "":
						if reasoningID == "" {
							reasoningID = uuid.NewString()
							if !yield(StreamEvent{Kind: EventReasoningStart, ID: reasoningID}, nil) {
								return
							}
						}
						if !yield(StreamEvent{Kind: EventReasoningDelta, ID: reasoningID, Text: part.Text}, nil) {
							return
						}
					}
				}
			}
			if !streamVal.Done || streamVal.Response == nil {
				continue
			}

			resp := streamVal.Response
			if !closeParts() {
				return
			}
			toolReqs := resp.ToolRequests()
			for _, tr := range toolReqs {
				id := tr.Ref
				if id == "" {
					id = uuid.NewString()
				}
				if !yield(StreamEvent{Kind: EventToolCallStart, ToolCallID: id, ToolName: tr.Name}, nil) {
					return
				}
				if !yield(StreamEvent{Kind: EventToolCallEnd, ToolCallID: id, ToolName: tr.Name, Input: toInputMap(tr.Input)}, nil) {
					return
				}
			}
			if resp.Usage != nil {
				cached := int64(resp.Usage.CachedContentTokens)
				input := int64(resp.Usage.InputTokens) - cached
				if input < 0 {
					input = 0
				}
				u := pricing.Usage{
					Input:     input,
					Output:    int64(resp.Usage.OutputTokens),
					Reasoning: int64(resp.Usage.ThoughtsTokens),
					CacheRead: cached,
				}
				if !yield(StreamEvent{Kind: EventUsage, Usage: u}, nil) {
					return
				}
			}
			yield(StreamEvent{Kind: EventFinish, FinishReason: mapFinishReason(string(resp.FinishReason), len(toolReqs) > 0)}, nil)
			return
		}
	}
}

// toolRefs defines each tool in the genkit registry once. Genkit panics on
// duplicate definitions, so names are tracked for the generator's lifetime.
func (gg *GenkitGenerator) toolRefs(specs []ToolSpec) []ai.ToolRef {
	if len(specs) == 0 {
		return nil
	}
	gg.mu.Lock()
	defer gg.mu.Unlock()
	refs := make([]ai.ToolRef, 0, len(specs))
	for _, spec := range specs {
		t, ok := gg.defined[spec.Name]
		if !ok {
			t = genkit.DefineTool(gg.g, spec.Name, describeTool(spec),
				func(_ *ai.ToolContext, _ map[string]any) (string, error) {
					return "", errHostExecuted
				})
			gg.defined[spec.Name] = t
		}
		refs = append(refs, t)
	}
	return refs
}

// describeTool folds the parameter schema into the description because the
// tool is defined with a free-form object input.
func describeTool(spec ToolSpec) string {
	if len(spec.Parameters) == 0 {
		return spec.Description
	}
	schema, err := json.Marshal(spec.Parameters)
	if err != nil {
		return spec.Description
	}
	return spec.Description + "\n\nParameters (JSON Schema): " + string(schema)
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	var out []*ai.Message
	for _, m := range msgs {
		switch m.Role {
		case RoleUser, RoleSystem:
			role := ai.RoleUser
			if m.Role == RoleSystem {
				role = ai.RoleSystem
			}
			if text := m.Text(); text != "" {
				out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(text)}})
			}
		case RoleAssistant:
			var content []*ai.Part
			var responses []*ai.Part
			for _, p := range m.Parts {
				switch p.Kind {
				case PartText:
					if p.Text != "" {
						content = append(content, ai.NewTextPart(p.Text))
					}
				case PartToolCall:
					tc := p.ToolCall
					if tc == nil {
						continue
					}
					content = append(content, ai.NewToolRequestPart(&ai.ToolRequest{
						Name:  tc.Tool,
						Ref:   tc.CallID,
						Input: tc.Input,
					}))
					responses = append(responses, toolResponsePart(tc))
				}
			}
			if len(content) > 0 {
				out = append(out, &ai.Message{Role: ai.RoleModel, Content: content})
			}
			if len(responses) > 0 {
				out = append(out, &ai.Message{Role: ai.RoleTool, Content: responses})
			}
		case RoleTool:
			var responses []*ai.Part
			for _, tc := range m.ToolCalls() {
				responses = append(responses, toolResponsePart(tc))
			}
			if len(responses) > 0 {
				out = append(out, &ai.Message{Role: ai.RoleTool, Content: responses})
			}
		}
	}
	return out
}

func toolResponsePart(tc *ToolCall) *ai.Part {
	output := map[string]any{"output": tc.Output}
	if tc.Error != "" {
		output["error"] = tc.Error
	}
	return ai.NewToolResponsePart(&ai.ToolResponse{
		Name:   tc.Tool,
		Ref:    tc.CallID,
		Output: output,
	})
}

func toInputMap(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	}
	data, err := json.Marshal(input)
	if err != nil {
		return map[string]any{"input": fmt.Sprint(input)}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"input": input}
	}
	return m
}

func mapFinishReason(reason string, hasToolCalls bool) FinishReason {
	switch strings.ToLower(reason) {
	case "stop":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	case "length":
		return FinishLength
	case "blocked":
		return FinishContentFilter
	}
	if hasToolCalls {
		return FinishToolCalls
	}
	return FinishOther
}

// DefaultModelForProvider returns the model used when none is configured.
func DefaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return "gemini-2.5-flash"
	}
}

// ModelNameForProvider returns the genkit registry name for model.
func ModelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
