package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/msageha/taskvault/internal/retry"
)

// Ollama asks a local model served by Ollama. The server address comes from
// OLLAMA_HOST.
type Ollama struct {
	client *api.Client
	model  string
}

func NewOllama(model string) (*Ollama, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return NewOllamaWithClient(client, model), nil
}

func NewOllamaWithClient(client *api.Client, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Invoke(ctx context.Context, req Request) (string, error) {
	stream := false
	var out strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			return "", &retry.StatusError{Code: se.StatusCode, Err: err}
		}
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.String(), nil
}
