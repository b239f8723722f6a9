// Package continuation detects upstream responses that stopped before
// reaching a natural completion marker and transparently issues follow-up
// requests to finish them, splicing the segments into one logical response.
package continuation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/upstream"
)

// continuePrompt asks the model to resume its previous output verbatim.
const continuePrompt = "Continue exactly where you left off. Do not repeat anything you already wrote, do not apologize, do not add any preamble."

// completionMarkers are the normalized finish reasons that mean the model
// finished on its own. Anything else at end of output — including no finish
// reason at all — is treated as truncation.
var completionMarkers = map[string]struct{}{
	"stop":          {},
	"end_turn":      {},
	"stop_sequence": {},
}

func finished(reason string) bool {
	_, ok := completionMarkers[strings.ToLower(strings.TrimSpace(reason))]
	return ok
}

// Submitter issues one fully retried upstream dispatch. *dispatch.Dispatcher
// satisfies it; the engine only ever receives success replies through it, so
// a failed attempt can never be mistaken for resumable output.
type Submitter interface {
	Execute(ctx context.Context, req *upstream.Request) (*dispatch.Reply, error)
}

// Options holds the optional collaborators and limits for an Engine.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// MaxContinuations caps the follow-up requests per logical response.
	// Default: upstream.MaxContinuations.
	MaxContinuations int
}

// Engine splices truncated upstream responses back together.
type Engine struct {
	submitter        Submitter
	maxContinuations int
	log              *slog.Logger
	metrics          *metrics.Registry
}

// New creates an Engine on top of submitter.
func New(submitter Submitter, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxCont := opts.MaxContinuations
	if maxCont <= 0 {
		maxCont = upstream.MaxContinuations
	}
	return &Engine{
		submitter:        submitter,
		maxContinuations: maxCont,
		log:              log,
		metrics:          opts.Metrics,
	}
}

// Stream relays first's stream to the returned channel. When a segment ends
// without a completion marker, the engine issues a continuation request and
// keeps relaying, up to MaxContinuations follow-ups. The channel is closed
// when the response completes, the budget runs out, or ctx is cancelled —
// everything received before that point is valid partial output.
//
// The engine takes ownership of first, including its Release.
func (e *Engine) Stream(ctx context.Context, req *upstream.Request, first *dispatch.Reply) <-chan upstream.StreamChunk {
	out := make(chan upstream.StreamChunk)

	go func() {
		defer close(out)

		reply := first
		var assembled strings.Builder

		for round := 0; ; round++ {
			reason, ok := e.relay(ctx, reply, out, &assembled)
			reply.Release()
			if !ok {
				return // client gone; nothing left to resolve
			}

			if finished(reason) {
				return
			}

			if round == e.maxContinuations {
				e.giveUp(req, round, reason, "budget exhausted")
				return
			}

			next, err := e.submitter.Execute(ctx, e.continuationRequest(req, assembled.String()))
			if err != nil {
				e.giveUp(req, round, reason, err.Error())
				return
			}

			e.log.Info("continuation_issued",
				slog.String("request_id", req.RequestID),
				slog.Int("round", round+1),
				slog.String("finish_reason", reason),
			)
			if e.metrics != nil {
				e.metrics.RecordContinuation()
			}
			reply = next
		}
	}()

	return out
}

// Complete resolves a buffered (non-streaming) reply, concatenating segment
// content and accumulating usage across continuations. The returned response
// is first's response with Content and Usage rewritten in place; the int is
// the number of continuation rounds that were issued.
func (e *Engine) Complete(ctx context.Context, req *upstream.Request, first *dispatch.Reply) (*upstream.Response, int, error) {
	resp := first.Response
	first.Release()

	var assembled strings.Builder
	assembled.WriteString(resp.Content)
	usage := resp.Usage
	reason := resp.FinishReason

	rounds := 0
	for round := 0; !finished(reason); round++ {
		if round == e.maxContinuations {
			e.giveUp(req, round, reason, "budget exhausted")
			break
		}

		next, err := e.submitter.Execute(ctx, e.continuationRequest(req, assembled.String()))
		if err != nil {
			e.giveUp(req, round, reason, err.Error())
			break
		}
		if e.metrics != nil {
			e.metrics.RecordContinuation()
		}
		rounds++

		seg := next.Response
		next.Release()

		assembled.WriteString(seg.Content)
		usage.InputTokens += seg.Usage.InputTokens
		usage.OutputTokens += seg.Usage.OutputTokens
		reason = seg.FinishReason
	}

	resp.Content = assembled.String()
	resp.Usage = usage
	resp.FinishReason = reason
	return resp, rounds, nil
}

// relay forwards one segment's chunks to out, appending content to
// assembled. Returns the segment's final finish reason and false when the
// client context was cancelled mid-relay.
func (e *Engine) relay(ctx context.Context, reply *dispatch.Reply, out chan<- upstream.StreamChunk, assembled *strings.Builder) (string, bool) {
	if reply.Stream == nil {
		// Buffered segment inside a streaming relay: forward as one chunk.
		chunk := upstream.StreamChunk{Content: reply.Content, FinishReason: reply.FinishReason}
		if !finished(chunk.FinishReason) {
			// A follow-up segment is coming; don't leak the marker.
			chunk.FinishReason = ""
		}
		select {
		case out <- chunk:
			assembled.WriteString(chunk.Content)
			return reply.FinishReason, true
		case <-ctx.Done():
			return "", false
		}
	}

	var reason string
	for {
		select {
		case chunk, open := <-reply.Stream:
			if !open {
				return reason, true
			}
			if chunk.FinishReason != "" {
				reason = chunk.FinishReason
				if !finished(chunk.FinishReason) {
					// Truncation markers are resolved by a follow-up
					// segment; only real completion reaches the client.
					chunk.FinishReason = ""
					if chunk.Content == "" {
						continue
					}
				}
			}
			select {
			case out <- chunk:
				assembled.WriteString(chunk.Content)
			case <-ctx.Done():
				return "", false
			}
		case <-ctx.Done():
			return "", false
		}
	}
}

// continuationRequest builds the follow-up request: original history, the
// output assembled so far as an assistant turn, then the continue prompt.
func (e *Engine) continuationRequest(req *upstream.Request, assembled string) *upstream.Request {
	messages := make([]upstream.Message, 0, len(req.Messages)+2)
	messages = append(messages, req.Messages...)
	messages = append(messages,
		upstream.Message{Role: "assistant", Content: assembled},
		upstream.Message{Role: "user", Content: continuePrompt},
	)

	next := *req
	next.Messages = messages
	return &next
}

// giveUp records a truncation the engine could not resolve. The partial
// output already delivered stands; this is an observability event, not an
// error surfaced to the client.
func (e *Engine) giveUp(req *upstream.Request, rounds int, reason, cause string) {
	e.log.Warn("continuation_unresolved",
		slog.String("request_id", req.RequestID),
		slog.Int("rounds", rounds),
		slog.String("finish_reason", reason),
		slog.String("cause", cause),
	)
	if e.metrics != nil {
		e.metrics.RecordContinuationUnresolved()
	}
}
