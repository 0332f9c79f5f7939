// Package mime detects image MIME types from raw bytes.
package mime

import (
	"github.com/gabriel-vasile/mimetype"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// Detector sniffs MIME types from content rather than trusting
// client-supplied file extensions.
type Detector struct{}

func New() *Detector { return &Detector{} }

var _ imagevault.MimeTypeDetector = (*Detector)(nil)

func (d *Detector) Detect(data []byte) string {
	return mimetype.Detect(data).String()
}
