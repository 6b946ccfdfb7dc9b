package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/mtzanidakis/foreman/internal/config"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"

	DefaultOllamaURL = "http://localhost:11434"
	defaultTimeout   = 2 * time.Minute
)

// KeyResolver turns a configured API key into its literal value, resolving
// "secret:<name>" references.
type KeyResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// ModelFactory builds a chat model for one model name.
type ModelFactory func(ctx context.Context, name string) (model.BaseChatModel, error)

// Client implements Completer over Eino chat models cached per model name.
type Client struct {
	mu      sync.Mutex
	cfg     config.LLMConfig
	keys    KeyResolver
	models  map[string]model.BaseChatModel
	factory ModelFactory
}

type Option func(*Client)

func WithKeyResolver(r KeyResolver) Option {
	return func(c *Client) { c.keys = r }
}

// WithModelFactory replaces provider model construction.
func WithModelFactory(f ModelFactory) Option {
	return func(c *Client) { c.factory = f }
}

func New(cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{cfg: cfg, models: make(map[string]model.BaseChatModel)}
	for _, o := range opts {
		o(c)
	}
	if c.factory == nil {
		c.factory = c.newChatModel
	}
	return c
}

// Reconfigure swaps the provider settings and drops cached models.
func (c *Client) Reconfigure(cfg config.LLMConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.models = make(map[string]model.BaseChatModel)
}

func (c *Client) config() config.LLMConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Client) Complete(ctx context.Context, p Prompt) (Completion, error) {
	cfg := c.config()
	name := p.Model
	if name == "" {
		name = cfg.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = cfg.MaxTokens
	}

	cm, err := c.chatModel(ctx, name)
	if err != nil {
		return Completion{}, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var messages []*schema.Message
	if p.System != "" {
		messages = append(messages, schema.SystemMessage(p.System))
	}
	messages = append(messages, schema.UserMessage(p.User))

	opts := []model.Option{model.WithTemperature(float32(p.Temperature))}
	if p.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.MaxTokens))
	}

	started := time.Now()
	resp, err := cm.Generate(ctx, messages, opts...)
	if err != nil {
		return Completion{}, &ProviderError{Provider: cfg.Provider, Model: name, Err: err}
	}
	if resp == nil {
		return Completion{}, &ProviderError{Provider: cfg.Provider, Model: name, Err: fmt.Errorf("empty response")}
	}

	out := Completion{Text: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		out.InputTokens = resp.ResponseMeta.Usage.PromptTokens
		out.OutputTokens = resp.ResponseMeta.Usage.CompletionTokens
	}
	slog.Debug("llm completion", "provider", cfg.Provider, "model", name,
		"input_tokens", out.InputTokens, "output_tokens", out.OutputTokens, "duration", time.Since(started))
	return out, nil
}

func (c *Client) chatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm, ok := c.models[name]; ok {
		return cm, nil
	}
	cm, err := c.factory(ctx, name)
	if err != nil {
		return nil, err
	}
	c.models[name] = cm
	return cm, nil
}

// newChatModel is called with c.mu held.
func (c *Client) newChatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	cfg := c.cfg
	key, err := c.apiKey(ctx, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		if key == "" {
			return nil, fmt.Errorf("%w: anthropic API key is required", ErrNotConfigured)
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}
		cc := &claude.Config{APIKey: key, Model: name, MaxTokens: maxTokens}
		if cfg.BaseURL != "" {
			cc.BaseURL = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, cc)

	case ProviderOpenAI:
		if key == "" {
			return nil, fmt.Errorf("%w: OpenAI API key is required", ErrNotConfigured)
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  key,
			Model:   name,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   name,
			Timeout: cfg.Timeout,
		})

	case ProviderGemini:
		if key == "" {
			return nil, fmt.Errorf("%w: gemini API key is required", ErrNotConfigured)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{Client: client, Model: name})

	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: anthropic, openai, ollama, gemini)", ErrNotConfigured, cfg.Provider)
	}
}

func (c *Client) apiKey(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || c.keys == nil {
		if strings.HasPrefix(raw, "secret:") {
			return "", fmt.Errorf("%w: api key %q needs the vault", ErrNotConfigured, raw)
		}
		return raw, nil
	}
	key, err := c.keys.Resolve(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: resolve api key: %v", ErrNotConfigured, err)
	}
	return key, nil
}

// ValidateProvider checks if the given provider string is supported.
func ValidateProvider(p string) error {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGemini:
		return nil
	}
	return fmt.Errorf("unsupported provider: %s", p)
}
