package imagevault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FitMode controls how a source image is mapped onto the requested dimensions.
type FitMode string

// Fit mode constants (typed).
const (
	FitModeFit     FitMode = "fit"
	FitModeFill    FitMode = "fill"
	FitModeStretch FitMode = "stretch"
	FitModeCrop    FitMode = "crop"
)

// Gravity selects the anchor used by fill and crop operations.
type Gravity string

// Gravity constants (typed).
const (
	GravityCenter    Gravity = "center"
	GravityNorth     Gravity = "north"
	GravityNorthEast Gravity = "northeast"
	GravityEast      Gravity = "east"
	GravitySouthEast Gravity = "southeast"
	GravitySouth     Gravity = "south"
	GravitySouthWest Gravity = "southwest"
	GravityWest      Gravity = "west"
	GravityNorthWest Gravity = "northwest"
)

// Valid reports whether g is a known gravity value.
func (g Gravity) Valid() bool {
	switch g {
	case GravityCenter, GravityNorth, GravityNorthEast, GravityEast, GravitySouthEast,
		GravitySouth, GravitySouthWest, GravityWest, GravityNorthWest:
		return true
	default:
		return false
	}
}

// Filter is a whole-image color filter applied after geometric operations.
type Filter string

// Filter constants (typed).
const (
	FilterNone      Filter = "none"
	FilterGrayscale Filter = "grayscale"
	FilterInvert    Filter = "invert"
)

// Valid reports whether f is a known filter value.
func (f Filter) Valid() bool {
	switch f {
	case FilterNone, FilterGrayscale, FilterInvert:
		return true
	default:
		return false
	}
}

// ImageFormat is the encoding of a stored variant.
type ImageFormat string

// Image format constants (typed).
const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatGIF  ImageFormat = "gif"
	FormatWebP ImageFormat = "webp"
)

// Valid reports whether f is a known image format.
func (f ImageFormat) Valid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP:
		return true
	default:
		return false
	}
}

// Encodable reports whether the pipeline can write the format. WebP is
// decode-only: uploads are accepted but derived variants must target
// another format.
func (f ImageFormat) Encodable() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF:
		return true
	default:
		return false
	}
}

// SupportsAlpha reports whether the format can encode transparency.
func (f ImageFormat) SupportsAlpha() bool {
	switch f {
	case FormatPNG, FormatGIF, FormatWebP:
		return true
	default:
		return false
	}
}

// SupportsVariableQuality reports whether the format has a tunable quality setting.
func (f ImageFormat) SupportsVariableQuality() bool {
	switch f {
	case FormatJPEG, FormatWebP:
		return true
	default:
		return false
	}
}

// DefaultQuality returns the format's default encoder quality. Formats without
// a variable quality setting report 100.
func (f ImageFormat) DefaultQuality() int {
	switch f {
	case FormatJPEG:
		return 85
	case FormatWebP:
		return 80
	default:
		return 100
	}
}

// RGBA is an 8-bit-per-channel color used for padding fills.
type RGBA struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// Common padding colors.
var (
	ColorTransparent = RGBA{}
	ColorWhite       = RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Padding adds a uniform border of Amount pixels filled with Color.
type Padding struct {
	Amount int  `json:"amount"`
	Color  RGBA `json:"color"`
}

// TransformationKey is the deterministic hash of a canonical Transformation.
// Variants are deduplicated per asset by this key.
type TransformationKey string

// OriginalKey is the well-known key of the unmodified original variant.
const OriginalKey TransformationKey = "orig"

// Transformation is a canonical, fully-resolved manipulation spec. Every field
// is concrete; producing one from user input is the normalizer's job.
type Transformation struct {
	Original bool        `json:"original,omitempty"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Fit      FitMode     `json:"fit"`
	Gravity  Gravity     `json:"gravity"`
	Rotate   int         `json:"rotate"`
	FlipH    bool        `json:"flip_h"`
	Filter   Filter      `json:"filter"`
	Blur     float64     `json:"blur"`
	Quality  int         `json:"quality"`
	Padding  Padding     `json:"padding"`
	Format   ImageFormat `json:"format"`
}

// OriginalVariant marks "no transformation": the as-uploaded image.
var OriginalVariant = Transformation{Original: true}

// IsOriginal reports whether t is the original-variant sentinel.
func (t Transformation) IsOriginal() bool {
	return t.Original
}

// Key derives the transformation's deduplication key.
//
// The encoding below is a compatibility contract: keys are persisted as
// variant identifiers, so the field order, the "v1" prefix and the formatting
// of each field must never change. Add a new version prefix instead.
func (t Transformation) Key() TransformationKey {
	if t.Original {
		return OriginalKey
	}
	h := sha256.New()
	fmt.Fprintf(h, "v1|w=%d|h=%d|fit=%s|g=%s|rot=%d|flip=%t|filter=%s|blur=%g|q=%d|pad=%d:%02x%02x%02x%02x|fmt=%s",
		t.Width, t.Height, t.Fit, t.Gravity, t.Rotate, t.FlipH, t.Filter, t.Blur, t.Quality,
		t.Padding.Amount, t.Padding.Color.R, t.Padding.Color.G, t.Padding.Color.B, t.Padding.Color.A,
		t.Format)
	return TransformationKey(hex.EncodeToString(h.Sum(nil)[:16]))
}

// RequestedTransformation is a user-supplied, partially specified
// transformation. Nil fields mean "not requested"; the normalizer resolves
// them against the original's attributes. The zero value denotes the original
// variant.
type RequestedTransformation struct {
	Width      *int         `json:"width,omitempty"`
	Height     *int         `json:"height,omitempty"`
	Fit        *FitMode     `json:"fit,omitempty"`
	Gravity    *Gravity     `json:"gravity,omitempty"`
	Rotate     *int         `json:"rotate,omitempty"`
	FlipH      *bool        `json:"flip_h,omitempty"`
	AutoRotate bool         `json:"auto_rotate,omitempty"`
	Filter     *Filter      `json:"filter,omitempty"`
	Blur       *float64     `json:"blur,omitempty"`
	Quality    *int         `json:"quality,omitempty"`
	PadAmount  *int         `json:"pad_amount,omitempty"`
	PadColor   *RGBA        `json:"pad_color,omitempty"`
	Format     *ImageFormat `json:"format,omitempty"`
}

// IsOriginal reports whether the request denotes the unmodified original.
func (r RequestedTransformation) IsOriginal() bool {
	return r.Width == nil && r.Height == nil && r.Fit == nil && r.Gravity == nil &&
		r.Rotate == nil && r.FlipH == nil && !r.AutoRotate && r.Filter == nil &&
		r.Blur == nil && r.Quality == nil && r.PadAmount == nil && r.PadColor == nil &&
		r.Format == nil
}

// Attributes are the measured properties of a stored variant: the ground
// truth that later normalizations resolve against.
type Attributes struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Format      ImageFormat `json:"format"`
	Orientation int         `json:"orientation,omitempty"` // EXIF orientation 1..8, 0 when unknown
	PageCount   int         `json:"page_count,omitempty"`
	LoopCount   int         `json:"loop_count,omitempty"`
}
