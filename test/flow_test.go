package test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"
)

type uploadResp struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func uploadClip(t *testing.T, stack *testStack, owner string, content []byte) uploadResp {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, stack.server.URL+"/clips", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Owner-Token", owner)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload returned %d: %s", resp.StatusCode, body)
	}
	var out uploadResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func doJSON(t *testing.T, method, url, owner string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-Owner-Token", owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatal(err)
		}
	}
	return resp
}

func TestUploadAndFetchFlow(t *testing.T) {
	stack := createTestStack(t)
	content := []byte("pretend this is webm audio")

	up := uploadClip(t, stack, "owner-token-one", content)
	if len(up.Key) != 8 {
		t.Errorf("expected 8-char key, got %q", up.Key)
	}
	if up.URL != "/clips/"+up.Key+"/audio" {
		t.Errorf("unexpected audio url: %s", up.URL)
	}

	var meta struct {
		Key       string    `json:"key"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	resp := doJSON(t, http.MethodGet, stack.server.URL+"/clips/"+up.Key, "", nil, &meta)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata fetch returned %d", resp.StatusCode)
	}
	if meta.Key != up.Key {
		t.Errorf("metadata key mismatch: %s", meta.Key)
	}

	audioResp, err := http.Get(stack.server.URL + up.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer audioResp.Body.Close()
	if audioResp.StatusCode != http.StatusOK {
		t.Fatalf("audio fetch returned %d", audioResp.StatusCode)
	}
	got, _ := io.ReadAll(audioResp.Body)
	if !bytes.Equal(got, content) {
		t.Errorf("audio bytes mismatch: %q", got)
	}
	if audioResp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestUploadIdempotentOverHTTP(t *testing.T) {
	stack := createTestStack(t)
	content := []byte("exact same clip")

	first := uploadClip(t, stack, "owner-a", content)
	second := uploadClip(t, stack, "owner-b", content)
	if first.Key != second.Key {
		t.Errorf("identical uploads got different keys: %s vs %s", first.Key, second.Key)
	}
}

func TestMultipartUpload(t *testing.T) {
	stack := createTestStack(t)
	content := []byte("multipart clip payload")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	w.Close()

	req, err := http.NewRequest(http.MethodPost, stack.server.URL+"/clips", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Owner-Token", "owner-mp")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("multipart upload returned %d: %s", resp.StatusCode, body)
	}
	var up uploadResp
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatal(err)
	}
	audioResp, err := http.Get(stack.server.URL + up.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer audioResp.Body.Close()
	got, _ := io.ReadAll(audioResp.Body)
	if !bytes.Equal(got, content) {
		t.Errorf("multipart roundtrip mismatch: %q", got)
	}
}

func TestUploadRejectsEmptyAndOversized(t *testing.T) {
	stack := createTestStack(t)

	resp := doJSON(t, http.MethodPost, stack.server.URL+"/clips", "owner-x", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty upload returned %d", resp.StatusCode)
	}

	big := bytes.Repeat([]byte("a"), int(stack.cfg.MaxClipSize)+1)
	req, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/clips", bytes.NewReader(big))
	req.Header.Set("X-Owner-Token", "owner-x")
	bigResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer bigResp.Body.Close()
	if bigResp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized upload returned %d", bigResp.StatusCode)
	}
}

func TestUnknownClipIs404(t *testing.T) {
	stack := createTestStack(t)
	var errBody struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	resp := doJSON(t, http.MethodGet, stack.server.URL+"/clips/deadbeef", "", nil, &errBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown clip returned %d", resp.StatusCode)
	}
	if errBody.RequestID == "" {
		t.Error("error response missing request id")
	}
}

func TestDeleteFlow(t *testing.T) {
	stack := createTestStack(t)
	up := uploadClip(t, stack, "owner-owner", []byte("deletable clip"))

	// Wrong token is rejected and the clip stays readable.
	resp := doJSON(t, http.MethodDelete, stack.server.URL+"/clips/"+up.Key, "owner-intruder", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign delete returned %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, stack.server.URL+"/clips/"+up.Key, "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("clip gone after rejected delete: %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, stack.server.URL+"/clips/"+up.Key, "owner-owner", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner delete returned %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, stack.server.URL+"/clips/"+up.Key, "", nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("deleted clip returned %d, want 410", resp.StatusCode)
	}
}

func TestListMineAndValidate(t *testing.T) {
	stack := createTestStack(t)
	mine := uploadClip(t, stack, "owner-list", []byte("my clip"))
	theirs := uploadClip(t, stack, "owner-other", []byte("their clip"))
	retired := uploadClip(t, stack, "owner-list", []byte("retired clip"))
	doJSON(t, http.MethodDelete, stack.server.URL+"/clips/"+retired.Key, "owner-list", nil, nil)

	var listing struct {
		Clips []struct {
			Key string `json:"key"`
			URL string `json:"url"`
		} `json:"clips"`
	}
	resp := doJSON(t, http.MethodGet, stack.server.URL+"/me/clips", "owner-list", nil, &listing)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list returned %d", resp.StatusCode)
	}
	if len(listing.Clips) != 1 || listing.Clips[0].Key != mine.Key {
		t.Errorf("unexpected listing: %+v", listing.Clips)
	}

	var validated struct {
		Keys []string `json:"keys"`
	}
	body := map[string][]string{"keys": {mine.Key, theirs.Key, retired.Key, "unknown1"}}
	resp = doJSON(t, http.MethodPost, stack.server.URL+"/clips/validate", "", body, &validated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate returned %d", resp.StatusCode)
	}
	// Validation is ownerless: any live clip counts, retirement and unknown
	// keys are silently dropped.
	if len(validated.Keys) != 2 {
		t.Errorf("expected 2 accessible keys, got %v", validated.Keys)
	}
}

func TestValidateRejectsOversizedBody(t *testing.T) {
	stack := createTestStack(t)

	// Over a megabyte of keys must be cut off at the body reader, not
	// buffered and fed into the store.
	keys := make([]string, 0, 70000)
	for i := 0; i < 70000; i++ {
		keys = append(keys, "aaaabbbbccccdddd")
	}
	resp := doJSON(t, http.MethodPost, stack.server.URL+"/clips/validate", "", map[string][]string{"keys": keys}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized validate body returned %d, want 400", resp.StatusCode)
	}
}

func TestValidateLargeBatchOverHTTP(t *testing.T) {
	stack := createTestStack(t)
	up := uploadClip(t, stack, "owner-big", []byte("needle in the batch"))

	// Large but within the body bound: must return the accessible subset.
	keys := make([]string, 0, 2001)
	for i := 0; i < 2000; i++ {
		keys = append(keys, "ffffffff")
	}
	keys = append(keys, up.Key)
	var validated struct {
		Keys []string `json:"keys"`
	}
	resp := doJSON(t, http.MethodPost, stack.server.URL+"/clips/validate", "", map[string][]string{"keys": keys}, &validated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("large validate batch returned %d", resp.StatusCode)
	}
	if len(validated.Keys) != 1 || validated.Keys[0] != up.Key {
		t.Errorf("expected only %s, got %v", up.Key, validated.Keys)
	}
}

func TestOwnerCookieMinted(t *testing.T) {
	stack := createTestStack(t)
	resp, err := http.Post(stack.server.URL+"/clips", "application/octet-stream", bytes.NewReader([]byte("anon clip")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("anonymous upload returned %d", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == stack.cfg.OwnerCookieName && c.Value != "" && c.HttpOnly {
			found = true
		}
	}
	if !found {
		t.Error("owner cookie not minted for anonymous upload")
	}
}

func TestHealthAndReady(t *testing.T) {
	stack := createTestStack(t)
	resp, err := http.Get(stack.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}

	var ready struct {
		Ready bool   `json:"ready"`
		Cache string `json:"cache"`
	}
	resp = doJSON(t, http.MethodGet, stack.server.URL+"/ready", "", nil, &ready)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready returned %d", resp.StatusCode)
	}
	if !ready.Ready {
		t.Error("stack not ready")
	}
	if ready.Cache != "unavailable" {
		t.Errorf("expected cache unavailable without redis, got %s", ready.Cache)
	}
}

func TestRateLimitHeadersPresent(t *testing.T) {
	stack := createTestStack(t)
	up := uploadClip(t, stack, "owner-rl", []byte("rate limited clip"))
	resp, err := http.Get(stack.server.URL + "/clips/" + up.Key)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("missing X-RateLimit-Limit header")
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("missing X-RateLimit-Remaining header")
	}
}
