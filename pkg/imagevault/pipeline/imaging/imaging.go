// Package imaging implements the transformation pipeline on top of the
// disintegration/imaging library.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // register webp decoding

	"github.com/altapix/image-vault/pkg/imagevault"
)

// Pipeline applies canonical transformations to a source image. It is not
// safe for concurrent use: Process mutates per-call decode state, so each
// instance must be confined to one job at a time.
type Pipeline struct {
	resampling imaging.ResampleFilter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResampling overrides the resampling filter used for geometric
// operations. The default is Lanczos.
func WithResampling(filter imaging.ResampleFilter) Option {
	return func(p *Pipeline) { p.resampling = filter }
}

// New creates a pipeline instance.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{resampling: imaging.Lanczos}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ imagevault.TransformationPipeline = (*Pipeline)(nil)

// Process decodes source once and applies each transformation to the decoded
// image, returning results in request order.
func (p *Pipeline) Process(ctx context.Context, source []byte, transformations []imagevault.Transformation) ([]imagevault.PipelineResult, error) {
	src, formatName, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	format, err := formatFromName(formatName)
	if err != nil {
		return nil, err
	}

	sourceAttrs := imagevault.Attributes{
		Width:       src.Bounds().Dx(),
		Height:      src.Bounds().Dy(),
		Format:      format,
		Orientation: readOrientation(source),
	}

	results := make([]imagevault.PipelineResult, 0, len(transformations))
	for _, t := range transformations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if t.IsOriginal() {
			results = append(results, imagevault.PipelineResult{
				Data:       source,
				Attributes: sourceAttrs,
				NeedsLQIP:  true,
			})
			continue
		}

		result, err := p.apply(src, t)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (p *Pipeline) apply(src image.Image, t imagevault.Transformation) (imagevault.PipelineResult, error) {
	img := p.resizeStep(src, t)

	// Rotate is clockwise degrees; the library rotates counter-clockwise.
	switch t.Rotate {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}

	if t.FlipH {
		img = imaging.FlipH(img)
	}

	switch t.Filter {
	case imagevault.FilterGrayscale:
		img = imaging.Grayscale(img)
	case imagevault.FilterInvert:
		img = imaging.Invert(img)
	}

	if t.Blur > 0 {
		img = imaging.Blur(img, t.Blur)
	}

	if t.Padding.Amount > 0 {
		img = padImage(img, t.Padding)
	}

	data, err := encode(img, t.Format, t.Quality)
	if err != nil {
		return imagevault.PipelineResult{}, err
	}

	return imagevault.PipelineResult{
		Data: data,
		Attributes: imagevault.Attributes{
			Width:  img.Bounds().Dx(),
			Height: img.Bounds().Dy(),
			Format: t.Format,
		},
	}, nil
}

func (p *Pipeline) resizeStep(src image.Image, t imagevault.Transformation) *image.NRGBA {
	switch t.Fit {
	case imagevault.FitModeFill:
		return imaging.Fill(src, t.Width, t.Height, anchorFromGravity(t.Gravity), p.resampling)
	case imagevault.FitModeStretch:
		return imaging.Resize(src, t.Width, t.Height, p.resampling)
	case imagevault.FitModeCrop:
		return imaging.CropAnchor(src, t.Width, t.Height, anchorFromGravity(t.Gravity))
	default:
		return imaging.Fit(src, t.Width, t.Height, p.resampling)
	}
}

func padImage(img image.Image, pad imagevault.Padding) *image.NRGBA {
	bounds := img.Bounds()
	canvas := imaging.New(
		bounds.Dx()+2*pad.Amount,
		bounds.Dy()+2*pad.Amount,
		color.NRGBA{R: pad.Color.R, G: pad.Color.G, B: pad.Color.B, A: pad.Color.A},
	)
	return imaging.PasteCenter(canvas, img)
}

func encode(img image.Image, format imagevault.ImageFormat, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case imagevault.FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case imagevault.FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case imagevault.FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	default:
		return nil, fmt.Errorf("%w: no encoder for format %q", imagevault.ErrValidation, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func anchorFromGravity(g imagevault.Gravity) imaging.Anchor {
	switch g {
	case imagevault.GravityNorth:
		return imaging.Top
	case imagevault.GravityNorthEast:
		return imaging.TopRight
	case imagevault.GravityEast:
		return imaging.Right
	case imagevault.GravitySouthEast:
		return imaging.BottomRight
	case imagevault.GravitySouth:
		return imaging.Bottom
	case imagevault.GravitySouthWest:
		return imaging.BottomLeft
	case imagevault.GravityWest:
		return imaging.Left
	case imagevault.GravityNorthWest:
		return imaging.TopLeft
	default:
		return imaging.Center
	}
}

func formatFromName(name string) (imagevault.ImageFormat, error) {
	switch name {
	case "jpeg":
		return imagevault.FormatJPEG, nil
	case "png":
		return imagevault.FormatPNG, nil
	case "gif":
		return imagevault.FormatGIF, nil
	case "webp":
		return imagevault.FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unsupported image format %q", imagevault.ErrValidation, name)
	}
}

// readOrientation extracts the EXIF orientation tag. Images without EXIF
// report 0.
func readOrientation(source []byte) int {
	x, err := exif.Decode(bytes.NewReader(source))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	orientation, err := tag.Int(0)
	if err != nil || orientation < 1 || orientation > 8 {
		return 0
	}
	return orientation
}
