package imagevault

// StoreOriginalRequest carries everything needed to store a new asset.
type StoreOriginalRequest struct {
	Path    string            `json:"path"`
	AltText string            `json:"alt_text,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Tags    []string          `json:"tags,omitempty"`

	// Source is the uploaded image bytes.
	Source []byte `json:"-"`

	// Eager transformations are generated at background priority right after
	// the original is stored, instead of on first request.
	Eager []RequestedTransformation `json:"eager,omitempty"`
}
