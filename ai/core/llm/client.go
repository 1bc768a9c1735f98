package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/linshu368/starbot/internal/config"
)

const defaultTemperature = 0.7

// StreamClient issues one streaming chat-completion request against the
// endpoint a pipeline profile names. The first send on the token channel is
// the first-frame signal; EOF closes the channel; transport and status
// errors land on the error channel.
type StreamClient interface {
	Stream(ctx context.Context, profile config.PipelineProfile, messages []Message) (<-chan string, <-chan error)
}

// OpenAIStreamClient implements StreamClient over go-openai. One shared
// transport serves every profile; per-profile credentials and base URLs are
// applied per call.
type OpenAIStreamClient struct {
	httpClient *http.Client
}

func NewStreamClient() *OpenAIStreamClient {
	return &OpenAIStreamClient{httpClient: newHTTPClient()}
}

func (c *OpenAIStreamClient) Stream(ctx context.Context, profile config.PipelineProfile, messages []Message) (<-chan string, <-chan error) {
	tokenChan := make(chan string, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(tokenChan)
		defer close(errChan)

		clientConfig := openai.DefaultConfig(profile.Key)
		clientConfig.BaseURL = baseURLFromProfile(profile.URL)
		clientConfig.HTTPClient = c.httpClient
		client := openai.NewClientWithConfig(clientConfig)

		req := openai.ChatCompletionRequest{
			Model:       profile.Model,
			Temperature: defaultTemperature,
			Messages:    convertMessages(messages),
		}

		slog.Debug("upstream stream starting",
			"profile", profile.ID,
			"model", profile.Model,
			"messages", len(messages),
		)
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			select {
			case errChan <- fmt.Errorf("create stream: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }() //nolint:errcheck // cleanup

		chunkCount := 0
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				slog.Debug("upstream stream completed", "profile", profile.ID, "chunks", chunkCount)
				return
			}
			if err != nil {
				select {
				case errChan <- fmt.Errorf("stream recv: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			chunkCount++
			select {
			case tokenChan <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return tokenChan, errChan
}

// baseURLFromProfile turns a profile's full completions URL into the client
// base URL. Profiles typically carry ".../v1/chat/completions".
func baseURLFromProfile(url string) string {
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	return url
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	wireMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = openai.ChatMessageRoleUser
		}
		wireMessages[i] = openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		}
	}
	return wireMessages
}

// newHTTPClient builds the shared transport. No overall client timeout:
// stream lifetimes are bounded by per-profile deadlines on the context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
