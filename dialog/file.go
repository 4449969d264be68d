package dialog

import (
	"fmt"
	"time"

	"github.com/askcontinue/askcontinue-core/filechannel"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/registry"
)

// FileDelivery answers file-transport records by writing the response
// descriptor next to the request they came from. Attachments are saved under
// ImagesDir and listed by path.
type FileDelivery struct {
	ImagesDir string
	now       func() time.Time
}

// NewFileDelivery returns a FileDelivery saving images under imagesDir.
func NewFileDelivery(imagesDir string) *FileDelivery {
	return &FileDelivery{ImagesDir: imagesDir, now: time.Now}
}

// Deliver implements Deliverer.
func (f *FileDelivery) Deliver(rec registry.Record, d registry.Decision) error {
	ch, ok := rec.TransportContext.(filechannel.Channel)
	if !ok {
		return fmt.Errorf("request %s has no file channel", rec.ID)
	}

	resp := filechannel.Response{
		RequestID: rec.ID,
		Action:    string(d.Action),
		Feedback:  d.Feedback,
	}
	if len(d.Attachments) > 0 {
		images := make([]filechannel.Image, len(d.Attachments))
		for i, a := range d.Attachments {
			images[i] = filechannel.Image{MimeType: a.MimeType, Data: a.Data}
		}
		saved, err := filechannel.SaveImages(f.ImagesDir, images, f.now())
		if err != nil {
			// Deliver the text and whatever images made it to disk.
			logger.WithRequest(rec.ID).Warn("failed to save attachments", "error", err, "saved", len(saved))
		}
		resp.Images = saved
	}
	return filechannel.WriteResponse(ch, resp)
}
