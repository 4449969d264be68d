package tui

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/askcontinue/askcontinue-core/registry"
)

// imageDirective starts a draft line that attaches an image file.
const imageDirective = "@image "

// parseDraft splits draft text into feedback and image attachments. Lines of
// the form "@image <path>" are read from disk and removed from the feedback.
func parseDraft(text string) (string, []registry.Attachment, error) {
	var feedback []string
	var attachments []registry.Attachment
	for _, line := range strings.Split(text, "\n") {
		path, ok := strings.CutPrefix(strings.TrimSpace(line), imageDirective)
		if !ok {
			feedback = append(feedback, line)
			continue
		}
		a, err := LoadImage(strings.TrimSpace(path))
		if err != nil {
			return "", nil, err
		}
		attachments = append(attachments, a)
	}
	return strings.TrimSpace(strings.Join(feedback, "\n")), attachments, nil
}

// LoadImage reads an image file as an attachment. The type comes from the
// extension, or from the content when the extension is unknown.
func LoadImage(path string) (registry.Attachment, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return registry.Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return registry.Attachment{}, fmt.Errorf("attach %s: not an image (%s)", path, mimeType)
	}
	return registry.Attachment{MimeType: mimeType, Data: data}, nil
}
