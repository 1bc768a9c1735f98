// Package pipeline executes model channels: ordered profile lists attempted
// in turn, with per-step first-token and total-stream deadlines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linshu368/starbot/ai/core/llm"
	"github.com/linshu368/starbot/internal/config"
)

// DefaultInterChunkTimeout polices silence between tokens after TTFT when
// the runtime config has no ai_stream_inter_chunk_timeout.
const DefaultInterChunkTimeout = 3 * time.Second

var (
	// ErrNoFirstToken marks a step that produced nothing inside its
	// first-chunk deadline. The channel advances to the next profile.
	ErrNoFirstToken = errors.New("no first token")

	// ErrUpstreamExhausted is raised when every profile failed before
	// emitting a token.
	ErrUpstreamExhausted = errors.New("all pipeline steps exhausted")

	// ErrChannelNotFound marks a tier that resolves to no usable channel.
	ErrChannelNotFound = errors.New("channel not configured")
)

// Trace reports which step ultimately served (or last failed) a call.
// The caller owns it and passes it in; the channel fills it as it advances.
type Trace struct {
	AttemptCount int
	ModelName    string
	Provider     string
}

// Channel is one ordered list of profiles with failover semantics.
type Channel struct {
	id       string
	profiles []config.PipelineProfile
	upstream llm.StreamClient
}

func NewChannel(id string, profiles []config.PipelineProfile, upstream llm.StreamClient) *Channel {
	return &Channel{id: id, profiles: profiles, upstream: upstream}
}

func (c *Channel) ID() string {
	return c.id
}

// StreamGenerate attempts the profiles in order. Failover happens only
// before the first token: once anything was emitted, a stall, total-timeout
// or upstream error truncates the stream gracefully — the output channel
// closes normally and what was emitted stands. Only when every profile
// fails pre-token does the error channel carry ErrUpstreamExhausted.
func (c *Channel) StreamGenerate(ctx context.Context, messages []llm.Message, interChunk time.Duration, trace *Trace) (<-chan string, <-chan error) {
	if interChunk <= 0 {
		interChunk = DefaultInterChunkTimeout
	}

	out := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var lastErr error
		for i, profile := range c.profiles {
			if trace != nil {
				trace.AttemptCount = i + 1
				trace.ModelName = profile.Model
				trace.Provider = profile.Provider
			}

			emitted, err := c.runProfile(ctx, profile, messages, interChunk, out)
			if emitted || err == nil {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			slog.Warn("pipeline step failed before first token, failing over",
				"channel", c.id,
				"profile", profile.ID,
				"attempt", i+1,
				"error", err,
			)
		}

		if lastErr != nil {
			errc <- fmt.Errorf("%w: %v", ErrUpstreamExhausted, lastErr)
		}
	}()

	return out, errc
}

// runProfile drives one step. emitted reports whether the step produced a
// token (even one the caller stopped receiving on cancellation); once true
// the step never returns an error.
func (c *Channel) runProfile(ctx context.Context, profile config.PipelineProfile, messages []llm.Message, interChunk time.Duration, out chan<- string) (emitted bool, err error) {
	totalTimeout := time.Duration(profile.TotalTimeoutMs) * time.Millisecond
	firstTimeout := time.Duration(profile.FirstChunkTimeoutMs) * time.Millisecond

	pctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	tokens, errs := c.upstream.Stream(pctx, profile, messages)

	firstTimer := time.NewTimer(firstTimeout)
	defer firstTimer.Stop()

	// Wait for the first frame, bounded by the first-chunk deadline.
	for !emitted {
		select {
		case token, ok := <-tokens:
			if !ok {
				if err := pendingErr(errs); err != nil {
					return false, err
				}
				// Empty stream ended cleanly; treat as success.
				return false, nil
			}
			if !forward(ctx, out, token) {
				return true, nil
			}
			emitted = true
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return false, err
			}
		case <-firstTimer.C:
			cancel()
			return false, fmt.Errorf("%w: profile %s silent for %s", ErrNoFirstToken, profile.ID, firstTimeout)
		case <-pctx.Done():
			return false, pctx.Err()
		}
	}

	// TTFT met: police inter-chunk silence and the total deadline. From
	// here every exit keeps what was emitted.
	idleTimer := time.NewTimer(interChunk)
	defer idleTimer.Stop()

	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				return true, nil
			}
			if !forward(ctx, out, token) {
				return true, nil
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(interChunk)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				slog.Warn("upstream error mid-stream, truncating",
					"channel", c.id,
					"profile", profile.ID,
					"error", err,
				)
				cancel()
				return true, nil
			}
		case <-idleTimer.C:
			slog.Warn("inter-chunk stall, truncating",
				"channel", c.id,
				"profile", profile.ID,
				"timeout", interChunk,
			)
			cancel()
			return true, nil
		case <-pctx.Done():
			return true, nil
		}
	}
}

func forward(ctx context.Context, out chan<- string, token string) bool {
	select {
	case out <- token:
		return true
	case <-ctx.Done():
		return false
	}
}

// pendingErr drains an error the upstream may have buffered before closing.
func pendingErr(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
