package filechannel

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/askcontinue/askcontinue-core/fsutil"
	"github.com/askcontinue/askcontinue-core/logger"
)

// AwaitResponse polls the channel's response file until a response for
// requestID appears, the timeout elapses, or ctx is done. A response without a
// requestId is accepted for compatibility with older writers. On success the
// response and request files are removed. On timeout both are removed too, so
// a late answer cannot be read as the reply to a later request; ErrTimeout is
// returned.
func AwaitResponse(ctx context.Context, ch Channel, requestID string, timeout, poll time.Duration) (Response, error) {
	log := logger.WithRequest(requestID)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if resp, ok := readResponse(ch, requestID); ok {
			cleanup(ch)
			log.Info("response received", "action", resp.Action)
			return resp, nil
		}

		select {
		case <-ctx.Done():
			cleanup(ch)
			return Response{}, ctx.Err()
		case <-deadline.C:
			cleanup(ch)
			log.Warn("no response before timeout", "timeout", timeout)
			return Response{}, ErrTimeout
		case <-ticker.C:
		}
	}
}

// readResponse reports a response addressed to requestID. Missing files,
// partial writes and responses for other requests all read as "not yet".
func readResponse(ch Channel, requestID string) (Response, bool) {
	data, err := os.ReadFile(ch.ResponsePath())
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.WithComponent("filechannel").Debug("unreadable response, will retry", "error", err)
		return Response{}, false
	}
	if resp.RequestID != "" && resp.RequestID != requestID {
		return Response{}, false
	}
	return resp, true
}

func cleanup(ch Channel) {
	log := logger.WithComponent("filechannel")
	if err := fsutil.RemoveIfExists(ch.ResponsePath()); err != nil {
		log.Warn("failed to remove response file", "error", err)
	}
	if err := fsutil.RemoveIfExists(ch.RequestPath()); err != nil {
		log.Warn("failed to remove request file", "error", err)
	}
}

// AskOptions tunes Ask. Zero values use the package defaults.
type AskOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Ask publishes summary on ch and waits for the answer.
func Ask(ctx context.Context, ch Channel, summary string, opts AskOptions) (Response, error) {
	req, err := Publish(ch, Request{Summary: summary})
	if err != nil {
		return Response{}, err
	}
	return AwaitResponse(ctx, ch, req.RequestID, opts.Timeout, opts.PollInterval)
}
