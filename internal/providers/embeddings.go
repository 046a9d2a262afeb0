package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmbeddingClient calls an OpenAI-compatible embeddings endpoint. It keeps
// its own key pool so embedding traffic tracks cooldowns independently of
// the chat transport.
type EmbeddingClient struct {
	baseURL string
	model   string
	pool    *KeyPool
	httpc   *http.Client
}

func NewEmbeddingClient(baseURL, model string, keys []string, timeoutSeconds int) *EmbeddingClient {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmbeddingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		pool:    NewKeyPool(keys),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the vector for one text. Satisfies store.Embedder.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	key, err := c.pool.Pick()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("providers: encode embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("providers: read embedding response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		apiErr := MapHTTPError(&HTTPError{
			Status:     httpResp.StatusCode,
			Body:       string(data),
			RetryAfter: ParseRetryAfter(httpResp.Header.Get("Retry-After")),
		})
		if apiErr.Kind == KindRateLimit {
			c.pool.MarkCooldown(key, apiErr.RetryAfter)
		}
		return nil, apiErr
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("providers: decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, errors.New("providers: embedding response carried no vector")
	}
	return parsed.Data[0].Embedding, nil
}
