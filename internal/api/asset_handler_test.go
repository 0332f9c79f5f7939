package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altapix/image-vault/internal/api"
	"github.com/altapix/image-vault/pkg/imagevault"
	"github.com/altapix/image-vault/pkg/imagevault/mime"
	"github.com/altapix/image-vault/pkg/imagevault/pipeline/imaging"
	repomemory "github.com/altapix/image-vault/pkg/imagevault/repo/memory"
	"github.com/altapix/image-vault/pkg/imagevault/scheduler"
	memorystorage "github.com/altapix/image-vault/pkg/imagevault/storage/memory"
)

type assetJSON struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	EntryID int64  `json:"entry_id"`
	AltText string `json:"alt_text"`
	Ready   bool   `json:"ready"`

	Variants []struct {
		TransformationKey string `json:"transformation_key"`
		IsOriginal        bool   `json:"is_original"`
		Width             int    `json:"width"`
		Height            int    `json:"height"`
		Ready             bool   `json:"ready"`
	} `json:"variants"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	sched, err := scheduler.New(scheduler.Config{Workers: 2, QueueSize: 8}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pipelines, err := imagevault.NewPipelinePool(2, func() imagevault.TransformationPipeline {
		return imaging.New()
	})
	require.NoError(t, err)

	svc, err := imagevault.NewService(
		imagevault.WithRepository(repomemory.New()),
		imagevault.WithObjectStore(memorystorage.New()),
		imagevault.WithScheduler(sched),
		imagevault.WithPipelineSource(pipelines),
		imagevault.WithMimeDetector(mime.New()),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewAssetHandler(svc).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// uploadAsset POSTs a multipart upload and returns the decoded response.
func uploadAsset(t *testing.T, srv *httptest.Server, path string, fields map[string]string) assetJSON {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "test.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t, 200, 100))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("path", path))
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/assets", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var asset assetJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&asset))
	return asset
}

func TestStoreOriginalEndpoint(t *testing.T) {
	srv := newTestServer(t)

	asset := uploadAsset(t, srv, "/products/1/hero.png", map[string]string{
		"alt_text": "hero shot",
		"labels":   `{"team":"storefront"}`,
		"tags":     "hero,featured",
	})

	assert.Equal(t, "/products/1/hero.png", asset.Path)
	assert.Equal(t, int64(0), asset.EntryID)
	assert.Equal(t, "hero shot", asset.AltText)
	assert.True(t, asset.Ready)
	require.Len(t, asset.Variants, 1)
	assert.True(t, asset.Variants[0].IsOriginal)
	assert.Equal(t, "orig", asset.Variants[0].TransformationKey)
	assert.Equal(t, 200, asset.Variants[0].Width)
	assert.Equal(t, 100, asset.Variants[0].Height)
}

func TestStoreOriginalRejectsMissingFile(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("path", "/a.png"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/assets", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoreOriginalRejectsInvalidPath(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "test.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t, 10, 10))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("path", "relative/path.png"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/assets", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAssetEndpoint(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/cats/1.png", nil)

	resp, err := http.Get(srv.URL + "/asset?path=" + url.QueryEscape("/cats/1.png"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var asset assetJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&asset))
	assert.Equal(t, "/cats/1.png", asset.Path)
	assert.True(t, asset.Ready)
}

func TestGetAssetNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/asset?path=" + url.QueryEscape("/nope.png"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAssetsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/banners/top.png", nil)
	uploadAsset(t, srv, "/banners/top.png", nil)

	resp, err := http.Get(srv.URL + "/assets?path=" + url.QueryEscape("/banners/top.png"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var assets []assetJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&assets))
	require.Len(t, assets, 2)

	entryIDs := []int64{assets[0].EntryID, assets[1].EntryID}
	assert.ElementsMatch(t, []int64{0, 1}, entryIDs)
}

func TestRequestVariantEndpoint(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/gallery/wide.png", nil)

	width := 100
	body, err := json.Marshal(map[string]any{
		"path": "/gallery/wide.png",
		"transformation": imagevault.RequestedTransformation{
			Width: &width,
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/variants", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var variant struct {
		TransformationKey string `json:"transformation_key"`
		Width             int    `json:"width"`
		Height            int    `json:"height"`
		Ready             bool   `json:"ready"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&variant))
	assert.Len(t, variant.TransformationKey, 32)
	assert.Equal(t, 100, variant.Width)
	assert.Equal(t, 50, variant.Height)
	assert.True(t, variant.Ready)
}

func TestDownloadVariantEndpoint(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/dl/pic.png", nil)

	resp, err := http.Get(srv.URL + "/variants/data?path=" + url.QueryEscape("/dl/pic.png"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
}

func TestDeleteAssetsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/tmp/a.png", nil)
	uploadAsset(t, srv, "/tmp/b.png", nil)
	uploadAsset(t, srv, "/keep/c.png", nil)

	req, err := http.NewRequest(http.MethodDelete,
		srv.URL+"/assets?path="+url.QueryEscape("/tmp/")+"&recursive=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result["deleted"])

	check, err := http.Get(srv.URL + "/asset?path=" + url.QueryEscape("/keep/c.png"))
	require.NoError(t, err)
	defer check.Body.Close()
	assert.Equal(t, http.StatusOK, check.StatusCode)
}

func TestDeleteSingleAssetByEntryID(t *testing.T) {
	srv := newTestServer(t)
	uploadAsset(t, srv, "/multi/x.png", nil)
	uploadAsset(t, srv, "/multi/x.png", nil)

	req, err := http.NewRequest(http.MethodDelete,
		srv.URL+"/assets?path="+url.QueryEscape("/multi/x.png")+"&entry_id=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list, err := http.Get(srv.URL + "/assets?path=" + url.QueryEscape("/multi/x.png"))
	require.NoError(t, err)
	defer list.Body.Close()
	var assets []assetJSON
	require.NoError(t, json.NewDecoder(list.Body).Decode(&assets))
	require.Len(t, assets, 1)
	assert.Equal(t, int64(1), assets[0].EntryID)
}
