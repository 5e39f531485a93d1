// Package fetcher retrieves model and image assets referenced by
// request JSON from HTTP URLs or s3://bucket/key URIs, and performs
// the Base64 substitution the ABIs that deliver assets through JSON
// (rather than through guest memory directly) require.
package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/cache"
)

const defaultFetchTimeout = 120 * time.Second

// Fetcher resolves URL/URI-addressed assets, consulting the shared
// model cache before falling back to a network round trip.
type Fetcher struct {
	httpClient *http.Client
	models     *cache.ModelCache
	s3         *S3Client
}

func New(models *cache.ModelCache, s3 *S3Client) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		models:     models,
		s3:         s3,
	}
}

// Fetch resolves ref (an http(s):// URL or an s3://bucket/key URI)
// into bytes, via the model cache.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if b, ok := f.models.Get(ref); ok {
		return b, nil
	}

	b, err := f.fetchUncached(ctx, ref)
	if err != nil {
		return nil, abi.Wrap(abi.KindAssetFetch, err)
	}

	f.models.Put(ref, b)
	return b, nil
}

func (f *Fetcher) fetchUncached(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "s3://") {
		if f.s3 == nil {
			return nil, fmt.Errorf("fetch %s: no S3 client configured", ref)
		}
		return f.s3.Get(ctx, ref)
	}
	return f.fetchHTTP(ctx, ref)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", url, err)
	}
	return body, nil
}

// Substitute performs the request-JSON asset substitution the spec
// calls for on backends that deliver the model through JSON rather
// than out-of-band via set_model (in the out-of-band case the caller
// fetches the model itself and calls SubstituteImages only): a "model"
// field is fetched and Base64-encoded in
// place; "image" (string or array), and "image_urls"/"image_uris" per
// the sibling "replace_images" field, are fetched in parallel and
// substituted into "image" as Base64 string(s). Fields that are
// already Base64 data (no replace_images present) pass through
// unchanged, satisfying the substitution idempotence property.
func (f *Fetcher) Substitute(ctx context.Context, req map[string]json.RawMessage) error {
	if err := f.SubstituteModel(ctx, req); err != nil {
		return err
	}
	return f.SubstituteImages(ctx, req)
}

// SubstituteModel fetches a URL/URI-valued "model" field and
// Base64-encodes it back into the JSON in place. Used by ABIs that
// deliver the model inline (component); linear-memory callers instead
// fetch the model themselves and pass it via set_model, keeping it out
// of the JSON payload entirely.
func (f *Fetcher) SubstituteModel(ctx context.Context, req map[string]json.RawMessage) error {
	raw, ok := req["model"]
	if !ok {
		return nil
	}

	var url string
	if err := json.Unmarshal(raw, &url); err != nil || !LooksLikeRef(url) {
		return nil
	}

	b, err := f.Fetch(ctx, url)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(b))
	if err != nil {
		return abi.Wrap(abi.KindMarshal, err)
	}
	req["model"] = encoded
	return nil
}

// SubstituteImages performs the image/image_urls/image_uris +
// replace_images substitution described on Substitute, without
// touching the model field.
func (f *Fetcher) SubstituteImages(ctx context.Context, req map[string]json.RawMessage) error {
	mode, hasMode := replaceImagesMode(req)
	if !hasMode {
		return nil
	}

	urls, err := imageRefs(req, mode)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return nil
	}

	encoded, err := f.fetchAllBase64(ctx, urls)
	if err != nil {
		return err
	}

	if len(encoded) == 1 {
		single, err := json.Marshal(encoded[0])
		if err != nil {
			return abi.Wrap(abi.KindMarshal, err)
		}
		req["image"] = single
		return nil
	}

	arr, err := json.Marshal(encoded)
	if err != nil {
		return abi.Wrap(abi.KindMarshal, err)
	}
	req["image"] = arr
	return nil
}

// fetchAllBase64 fetches every ref in refs in parallel (one goroutine
// per URL/URI, per the spec's parallel pre-fetch requirement) and
// returns their Base64 encodings in the same order.
func (f *Fetcher) fetchAllBase64(ctx context.Context, refs []string) ([]string, error) {
	type result struct {
		encoded string
		err     error
	}
	results := make([]result, len(refs))

	var wg sync.WaitGroup
	wg.Add(len(refs))
	for i, ref := range refs {
		go func(i int, ref string) {
			defer wg.Done()
			b, err := f.Fetch(ctx, ref)
			if err != nil {
				results[i] = result{err: err}
				return
			}
			results[i] = result{encoded: base64.StdEncoding.EncodeToString(b)}
		}(i, ref)
	}
	wg.Wait()

	out := make([]string, len(refs))
	for i, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out[i] = r.encoded
	}
	return out, nil
}

// LooksLikeRef reports whether s is an http(s):// URL or s3://
// bucket/key URI that Fetch can resolve, as opposed to an opaque
// Base64 blob already embedded in the request.
func LooksLikeRef(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "s3://")
}

// replaceImagesMode reads the sibling replace_images field. Absent or
// any value other than "URL"/"S3" means no substitution.
func replaceImagesMode(req map[string]json.RawMessage) (string, bool) {
	raw, ok := req["replace_images"]
	if !ok {
		return "", false
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err != nil {
		return "", false
	}
	if mode != "URL" && mode != "S3" {
		return "", false
	}
	return mode, true
}

// imageRefs collects the refs to fetch: image_urls/image_uris arrays
// take precedence (matching the field named by mode), falling back to
// the image field itself (string or array of strings).
func imageRefs(req map[string]json.RawMessage, mode string) ([]string, error) {
	field := "image_urls"
	if mode == "S3" {
		field = "image_uris"
	}

	if raw, ok := req[field]; ok {
		var urls []string
		if err := json.Unmarshal(raw, &urls); err != nil {
			return nil, abi.Wrap(abi.KindBadRequest, err)
		}
		return urls, nil
	}

	raw, ok := req["image"]
	if !ok {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}

	return nil, abi.New(abi.KindBadRequest, "image field is neither a string nor an array of strings")
}
