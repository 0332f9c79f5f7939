package imagevault

import (
	"context"
	"fmt"
	"math"
)

// AttributesFetch loads the original variant's attributes. The normalizer
// invokes it at most once, and not at all for original-variant requests, so
// callers can hand it a closure over repository or storage I/O without paying
// for it on the short-circuit path.
type AttributesFetch func(ctx context.Context) (Attributes, error)

// Normalize resolves a partially specified request against the original's
// attributes into a canonical Transformation.
//
// Normalize is a pure function of (req, fetched attributes): equal inputs
// always produce an equal Transformation and therefore an equal key.
func Normalize(ctx context.Context, req RequestedTransformation, fetch AttributesFetch) (Transformation, error) {
	if req.IsOriginal() {
		return OriginalVariant, nil
	}

	if req.AutoRotate && (req.Rotate != nil || req.FlipH != nil) {
		return Transformation{}, fmt.Errorf("%w: auto rotation conflicts with explicit rotate or flip", ErrValidation)
	}

	orig, err := fetch(ctx)
	if err != nil {
		return Transformation{}, fmt.Errorf("fetch original attributes: %w", err)
	}

	t := Transformation{
		Fit:     FitModeFit,
		Gravity: GravityCenter,
		Filter:  FilterNone,
		Format:  orig.Format,
	}
	// WebP originals decode but have no encoder; derived output falls back
	// to PNG, which keeps transparency.
	if !t.Format.Encodable() {
		t.Format = FormatPNG
	}
	if req.Fit != nil {
		t.Fit = *req.Fit
	}
	if req.Gravity != nil {
		if !req.Gravity.Valid() {
			return Transformation{}, fmt.Errorf("%w: unknown gravity %q", ErrValidation, *req.Gravity)
		}
		t.Gravity = *req.Gravity
	}
	if req.Filter != nil {
		if !req.Filter.Valid() {
			return Transformation{}, fmt.Errorf("%w: unknown filter %q", ErrValidation, *req.Filter)
		}
		t.Filter = *req.Filter
	}
	if req.Format != nil {
		if !req.Format.Valid() {
			return Transformation{}, fmt.Errorf("%w: unknown format %q", ErrValidation, *req.Format)
		}
		if !req.Format.Encodable() {
			return Transformation{}, fmt.Errorf("%w: %s output is not supported", ErrValidation, *req.Format)
		}
		t.Format = *req.Format
	}
	if req.Blur != nil {
		if *req.Blur < 0 {
			return Transformation{}, fmt.Errorf("%w: blur amount must be non-negative", ErrValidation)
		}
		t.Blur = *req.Blur
	}

	if err := resolveDimensions(&t, req, orig); err != nil {
		return Transformation{}, err
	}
	if err := resolveRotation(&t, req, orig); err != nil {
		return Transformation{}, err
	}
	if err := resolveQuality(&t, req); err != nil {
		return Transformation{}, err
	}
	if err := resolvePadding(&t, req); err != nil {
		return Transformation{}, err
	}

	return t, nil
}

func resolveDimensions(t *Transformation, req RequestedTransformation, orig Attributes) error {
	if orig.Width <= 0 || orig.Height <= 0 {
		return fmt.Errorf("%w: original has no usable dimensions", ErrInvariantViolation)
	}
	if req.Width != nil && *req.Width <= 0 {
		return fmt.Errorf("%w: width must be positive", ErrValidation)
	}
	if req.Height != nil && *req.Height <= 0 {
		return fmt.Errorf("%w: height must be positive", ErrValidation)
	}

	switch t.Fit {
	case FitModeFit:
		switch {
		case req.Width != nil && req.Height != nil:
			t.Width, t.Height = *req.Width, *req.Height
		case req.Width != nil:
			t.Width = *req.Width
			t.Height = scaleDimension(orig.Height, *req.Width, orig.Width)
		case req.Height != nil:
			t.Height = *req.Height
			t.Width = scaleDimension(orig.Width, *req.Height, orig.Height)
		default:
			t.Width, t.Height = orig.Width, orig.Height
		}
		// Fit never upscales past the original.
		clampToOriginal(t, orig)
	case FitModeFill, FitModeStretch, FitModeCrop:
		if req.Width == nil || req.Height == nil {
			return fmt.Errorf("%w: fit mode %q requires both width and height", ErrValidation, t.Fit)
		}
		t.Width, t.Height = *req.Width, *req.Height
	default:
		return fmt.Errorf("%w: unknown fit mode %q", ErrValidation, t.Fit)
	}
	return nil
}

// scaleDimension derives the unsupplied dimension preserving the original
// aspect ratio: round(other * supplied / base).
func scaleDimension(other, supplied, base int) int {
	d := int(math.Round(float64(other) * float64(supplied) / float64(base)))
	if d < 1 {
		return 1
	}
	return d
}

func clampToOriginal(t *Transformation, orig Attributes) {
	if t.Width <= orig.Width && t.Height <= orig.Height {
		return
	}
	ratio := math.Min(float64(orig.Width)/float64(t.Width), float64(orig.Height)/float64(t.Height))
	t.Width = max(1, int(math.Round(float64(t.Width)*ratio)))
	t.Height = max(1, int(math.Round(float64(t.Height)*ratio)))
}

func resolveRotation(t *Transformation, req RequestedTransformation, orig Attributes) error {
	if req.AutoRotate {
		t.Rotate, t.FlipH = rotationFromOrientation(orig.Orientation)
		return nil
	}
	if req.Rotate != nil {
		switch *req.Rotate {
		case 0, 90, 180, 270:
			t.Rotate = *req.Rotate
		default:
			return fmt.Errorf("%w: rotate must be one of 0, 90, 180, 270", ErrValidation)
		}
	}
	if req.FlipH != nil {
		t.FlipH = *req.FlipH
	}
	return nil
}

// rotationFromOrientation maps an EXIF orientation tag to the rotation and
// horizontal flip that upright the image.
func rotationFromOrientation(orientation int) (rotate int, flip bool) {
	switch orientation {
	case 2:
		return 0, true
	case 3:
		return 180, false
	case 4:
		return 180, true
	case 5:
		return 90, true
	case 6:
		return 90, false
	case 7:
		return 270, true
	case 8:
		return 270, false
	default:
		return 0, false
	}
}

func resolveQuality(t *Transformation, req RequestedTransformation) error {
	if !t.Format.SupportsVariableQuality() {
		// Quality is fixed by the format; an explicit request is ignored
		// rather than rejected so callers can send one blanket quality.
		t.Quality = t.Format.DefaultQuality()
		return nil
	}
	if req.Quality == nil {
		t.Quality = t.Format.DefaultQuality()
		return nil
	}
	if *req.Quality < 1 || *req.Quality > 100 {
		return fmt.Errorf("%w: quality must be in [1,100]", ErrValidation)
	}
	t.Quality = *req.Quality
	return nil
}

func resolvePadding(t *Transformation, req RequestedTransformation) error {
	if req.PadAmount != nil {
		if *req.PadAmount < 0 {
			return fmt.Errorf("%w: pad amount must be non-negative", ErrValidation)
		}
		t.Padding.Amount = *req.PadAmount
	}
	switch {
	case req.PadColor != nil:
		t.Padding.Color = *req.PadColor
	case t.Format.SupportsAlpha():
		t.Padding.Color = ColorTransparent
	default:
		t.Padding.Color = ColorWhite
	}
	return nil
}
