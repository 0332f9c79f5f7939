package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// AssetHandler handles HTTP requests for image assets
type AssetHandler struct {
	service imagevault.Service
}

// NewAssetHandler creates a new asset handler
func NewAssetHandler(service imagevault.Service) *AssetHandler {
	return &AssetHandler{service: service}
}

// Routes returns the routes for assets. Asset paths contain slashes, so they
// travel in the "path" query parameter rather than the URL path.
func (h *AssetHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/assets", h.StoreOriginal)
	r.Get("/assets", h.ListAssets)
	r.Get("/asset", h.GetAsset)
	r.Delete("/assets", h.DeleteAssets)

	r.Post("/variants", h.RequestVariant)
	r.Get("/variants/data", h.DownloadVariant)

	return r
}

// VariantResponse is the response body for a variant
type VariantResponse struct {
	ID                string     `json:"id"`
	TransformationKey string     `json:"transformation_key"`
	IsOriginal        bool       `json:"is_original"`
	Width             int        `json:"width"`
	Height            int        `json:"height"`
	Format            string     `json:"format"`
	Ready             bool       `json:"ready"`
	CreatedAt         time.Time  `json:"created_at"`
	UploadedAt        *time.Time `json:"uploaded_at,omitempty"`
}

// AssetResponse is the response body for an asset
type AssetResponse struct {
	ID        string            `json:"id"`
	Path      string            `json:"path"`
	EntryID   int64             `json:"entry_id"`
	AltText   string            `json:"alt_text,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Ready     bool              `json:"ready"`
	Variants  []VariantResponse `json:"variants,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoreOriginal uploads a new original image. The request is multipart: a
// "file" part with the image bytes plus form fields for metadata.
func (h *AssetHandler) StoreOriginal(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file part is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	source, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusBadRequest)
		return
	}

	req := imagevault.StoreOriginalRequest{
		Path:    r.FormValue("path"),
		AltText: r.FormValue("alt_text"),
		Source:  source,
	}
	if v := r.FormValue("labels"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Labels); err != nil {
			http.Error(w, "labels must be a JSON object", http.StatusBadRequest)
			return
		}
	}
	if v := r.FormValue("tags"); v != "" {
		req.Tags = strings.Split(v, ",")
	}
	if v := r.FormValue("eager"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Eager); err != nil {
			http.Error(w, "eager must be a JSON array of transformations", http.StatusBadRequest)
			return
		}
	}

	asset, err := h.service.StoreOriginal(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, readyAssetResponse(asset))
}

// GetAsset retrieves one asset by path and entry id
func (h *AssetHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	entryID, err := entryIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	asset, err := h.service.FetchByPath(r.Context(), path, entryID, fetchOptions(r)...)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, assetResponse(asset))
}

// ListAssets retrieves every asset stored at a path
func (h *AssetHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	assets, err := h.service.FetchAllByPath(r.Context(), path, fetchOptions(r)...)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := make([]AssetResponse, 0, len(assets))
	for _, asset := range assets {
		resp = append(resp, assetResponse(asset))
	}
	render.JSON(w, r, resp)
}

// DeleteAssets deletes one asset when entry_id is given, otherwise every
// asset at the path. With recursive=true the path is treated as a prefix.
func (h *AssetHandler) DeleteAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")

	if q.Has("entry_id") {
		entryID, err := entryIDParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.service.DeleteAsset(r.Context(), path, entryID); err != nil {
			respondError(w, err)
			return
		}
		render.JSON(w, r, map[string]int{"deleted": 1})
		return
	}

	recursive := q.Get("recursive") == "true"
	deleted, err := h.service.DeleteAssetsUnderPath(r.Context(), path, recursive)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, map[string]int{"deleted": deleted})
}

// RequestVariantBody is the request body for requesting a variant
type RequestVariantBody struct {
	Path           string                             `json:"path"`
	EntryID        int64                              `json:"entry_id"`
	Transformation imagevault.RequestedTransformation `json:"transformation"`
}

// RequestVariant resolves or generates the requested variant and returns its
// metadata once it is ready.
func (h *AssetHandler) RequestVariant(w http.ResponseWriter, r *http.Request) {
	var body RequestVariantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	variant, err := h.service.RequestVariant(r.Context(), body.Path, body.EntryID, body.Transformation)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, variantResponse(variant))
}

// DownloadVariant serves the stored bytes of a variant
func (h *AssetHandler) DownloadVariant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	key := imagevault.TransformationKey(q.Get("key"))
	if key == "" {
		key = imagevault.OriginalKey
	}
	entryID, err := entryIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := h.service.FetchVariantData(r.Context(), path, entryID, key)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// Helpers

func entryIDParam(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("entry_id")
	if v == "" {
		return 0, nil
	}
	entryID, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("entry_id must be an integer")
	}
	return entryID, nil
}

func fetchOptions(r *http.Request) []imagevault.FetchOption {
	q := r.URL.Query()
	var opts []imagevault.FetchOption
	if q.Get("include_not_ready") == "true" {
		opts = append(opts, imagevault.IncludeNotReady())
	}
	for _, pair := range q["label"] {
		if k, v, ok := strings.Cut(pair, "="); ok {
			opts = append(opts, imagevault.WithLabel(k, v))
		}
	}
	if order := q.Get("order"); order != "" {
		opts = append(opts, imagevault.WithOrder(imagevault.FetchOrder(order)))
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		opts = append(opts, imagevault.WithLimit(limit))
	}
	return opts
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imagevault.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, imagevault.ErrAssetNotFound),
		errors.Is(err, imagevault.ErrVariantNotFound),
		errors.Is(err, imagevault.ErrObjectNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, imagevault.ErrVariantExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func assetResponse(asset imagevault.PersistedAsset) AssetResponse {
	switch a := asset.(type) {
	case imagevault.ReadyAsset:
		return readyAssetResponse(a)
	case imagevault.PendingPersistedAsset:
		return AssetResponse{
			ID:        a.ID.String(),
			Path:      a.Path,
			EntryID:   a.EntryID,
			AltText:   a.AltText,
			Labels:    a.Labels,
			Tags:      a.Tags,
			Variants:  []VariantResponse{pendingVariantResponse(a.Original)},
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
		}
	default:
		return AssetResponse{}
	}
}

func readyAssetResponse(a imagevault.ReadyAsset) AssetResponse {
	variants := make([]VariantResponse, 0, len(a.Variants))
	for _, v := range a.Variants {
		switch variant := v.(type) {
		case imagevault.ReadyVariant:
			variants = append(variants, variantResponse(variant))
		case imagevault.PendingVariant:
			variants = append(variants, pendingVariantResponse(variant))
		}
	}
	return AssetResponse{
		ID:        a.ID.String(),
		Path:      a.Path,
		EntryID:   a.EntryID,
		AltText:   a.AltText,
		Labels:    a.Labels,
		Tags:      a.Tags,
		Ready:     true,
		Variants:  variants,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func variantResponse(v imagevault.ReadyVariant) VariantResponse {
	resp := pendingVariantResponse(v.PendingVariant)
	resp.Ready = true
	uploadedAt := v.UploadedAt
	resp.UploadedAt = &uploadedAt
	return resp
}

func pendingVariantResponse(v imagevault.PendingVariant) VariantResponse {
	return VariantResponse{
		ID:                v.ID.String(),
		TransformationKey: string(v.TransformationKey),
		IsOriginal:        v.IsOriginalVariant,
		Width:             v.Attributes.Width,
		Height:            v.Attributes.Height,
		Format:            string(v.Attributes.Format),
		CreatedAt:         v.CreatedAt,
	}
}
