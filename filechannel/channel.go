// Package filechannel implements the polling request/response transport.
//
// A requester writes a request descriptor into a shared directory and polls a
// companion response file. A watcher in the process that owns the dialog polls
// the request file, claims a new request by deleting the file, and later writes
// the response. Each open window watches its own workspace-scoped pair plus the
// legacy global pair.
package filechannel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askcontinue/askcontinue-core/fsutil"
	"github.com/askcontinue/askcontinue-core/logger"
)

// ErrTimeout means no response arrived before the deadline. Callers treat it
// as "no answer", not as a failure.
var ErrTimeout = errors.New("timed out waiting for response")

const (
	DefaultTimeout       = 600 * time.Second
	DefaultPollInterval  = 300 * time.Millisecond
	DefaultWatchInterval = 500 * time.Millisecond

	requestBase  = "dialog_request"
	responseBase = "dialog_response"
)

// Request is the request descriptor a requester publishes.
type Request struct {
	Timestamp   int64  `json:"timestamp"`
	Summary     string `json:"summary"`
	RequestID   string `json:"requestId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Response is the response descriptor the dialog owner writes back.
type Response struct {
	RequestID string   `json:"requestId,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Action    string   `json:"action"`
	Feedback  string   `json:"feedback"`
	Images    []string `json:"images,omitempty"`
}

// Image is an attachment to be written next to a response.
type Image struct {
	MimeType string
	Data     []byte
}

// Channel names one request/response file pair. An empty WorkspaceID is the
// global pair.
type Channel struct {
	Dir         string
	WorkspaceID string
}

// Global returns the global pair in the same directory.
func (c Channel) Global() Channel {
	return Channel{Dir: c.Dir}
}

// IsGlobal reports whether c is the global pair.
func (c Channel) IsGlobal() bool {
	return c.WorkspaceID == ""
}

func (c Channel) name(base string) string {
	if c.WorkspaceID == "" {
		return base + ".json"
	}
	return base + "_" + c.WorkspaceID + ".json"
}

// RequestPath returns the request descriptor path.
func (c Channel) RequestPath() string {
	return filepath.Join(c.Dir, c.name(requestBase))
}

// ResponsePath returns the response descriptor path.
func (c Channel) ResponsePath() string {
	return filepath.Join(c.Dir, c.name(responseBase))
}

// Publish writes req to the channel's request file. Any response left over
// from an earlier exchange is removed first so it cannot be mistaken for the
// answer to this one. Missing Timestamp, RequestID and WorkspaceID are filled
// in and the completed request is returned.
func Publish(ch Channel, req Request) (Request, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = ch.WorkspaceID
	}

	if err := os.MkdirAll(ch.Dir, 0755); err != nil {
		return req, fmt.Errorf("failed to create channel directory: %w", err)
	}
	if err := fsutil.RemoveIfExists(ch.ResponsePath()); err != nil {
		return req, fmt.Errorf("failed to clear stale response: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return req, err
	}
	err = fsutil.Retry(func() error {
		return fsutil.WriteFileAtomic(ch.RequestPath(), data, 0644)
	})
	if err != nil {
		return req, fmt.Errorf("failed to write request: %w", err)
	}

	logger.WithRequest(req.RequestID).Debug("request published", "path", ch.RequestPath())
	return req, nil
}

// WriteResponse writes resp to the channel's response file, retrying once.
func WriteResponse(ch Channel, resp Response) error {
	if resp.Timestamp == 0 {
		resp.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	err = fsutil.Retry(func() error {
		if err := os.MkdirAll(ch.Dir, 0755); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(ch.ResponsePath(), data, 0644)
	})
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	logger.WithRequest(resp.RequestID).Debug("response written", "path", ch.ResponsePath(), "action", resp.Action)
	return nil
}

// SaveImages writes images into dir as img_<ms>_<i>.<ext> and returns their
// paths in order.
func SaveImages(dir string, images []Image, now time.Time) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	out := make([]string, 0, len(images))
	for i, img := range images {
		path := filepath.Join(dir, fmt.Sprintf("img_%d_%d.%s", now.UnixMilli(), i, imageExt(img.MimeType)))
		if err := os.WriteFile(path, img.Data, 0644); err != nil {
			return out, fmt.Errorf("failed to write image %d: %w", i, err)
		}
		out = append(out, path)
	}
	return out, nil
}

func imageExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/svg+xml":
		return "svg"
	case "":
		return "png"
	}
	if sub, ok := strings.CutPrefix(mimeType, "image/"); ok && sub != "" {
		return sub
	}
	return "png"
}
