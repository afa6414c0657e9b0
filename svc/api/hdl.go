package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"audiopaste/cfg"
	"audiopaste/pkg/domain"
	"audiopaste/svc/svc"
	"audiopaste/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// maxValidateBody bounds the JSON body of bulk validation requests.
const maxValidateBody = 1 << 20

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type UploadResp struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ClipResp struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ValidateReq struct {
	Keys []string `json:"keys"`
}

type ValidateResp struct {
	Keys []string `json:"keys"`
}

func audioURL(key string) string {
	return "/clips/" + key + "/audio"
}

// ownerToken pulls the caller's opaque owner capability from header or
// cookie, minting a fresh one (and setting the cookie) when absent.
func (h *Hdl) ownerToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if tok := r.Header.Get("X-Owner-Token"); tok != "" {
		return tok, nil
	}
	if c, err := r.Cookie(h.cfg.OwnerCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	tok, err := util.NewOwnerToken()
	if err != nil {
		return "", errors.Wrap(err, "mint owner token")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.OwnerCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.cfg.Environment == "production",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
	})
	return tok, nil
}

// UploadClip accepts a clip either as a multipart "audio" part or as a raw
// request body, and responds with the content-addressed key.
func (h *Hdl) UploadClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	owner, err := h.ownerToken(w, r)
	if err != nil {
		log.Error().Err(err).Msg("owner token minting failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}

	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		if cl, err := strconv.ParseInt(clHeader, 10, 64); err == nil && cl > h.cfg.MaxClipSize*2 {
			log.Warn().Int64("content_length", cl).Msg("upload exceeds maximum size")
			writeErr(w, domain.ErrClipTooLarge, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxClipSize*2)

	content, err := readClipBody(r)
	if err != nil {
		log.Warn().Err(err).Msg("invalid upload body")
		writeErr(w, domain.ErrEmptyContent, requestID)
		return
	}

	var ttl time.Duration
	if ttlStr := r.URL.Query().Get("ttl"); ttlStr != "" {
		d, err := time.ParseDuration(ttlStr)
		if err != nil || d <= 0 {
			log.Warn().Str("ttl", ttlStr).Msg("invalid ttl")
			writeErr(w, domain.ErrInvalidTTL, requestID)
			return
		}
		ttl = d
	}

	rec, err := h.paste.Upload(r.Context(), domain.UploadParams{
		OwnerToken: owner,
		Content:    content,
		TTL:        ttl,
	})
	if err != nil {
		log.Warn().Err(err).Msg("upload failed")
		if errors.Is(err, domain.ErrClipTooLarge) ||
			errors.Is(err, domain.ErrEmptyContent) ||
			errors.Is(err, domain.ErrInvalidTTL) ||
			errors.Is(err, domain.ErrConflict) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	log.Info().
		Str("key", rec.Key).
		Int("size", len(content)).
		Time("expires_at", rec.ExpiresAt).
		Msg("clip uploaded")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(UploadResp{
		Key:       rec.Key,
		URL:       audioURL(rec.Key),
		ExpiresAt: rec.ExpiresAt,
	})
}

func readClipBody(r *http.Request) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		f, _, err := r.FormFile("audio")
		if err != nil {
			return nil, errors.Wrap(err, "missing audio part")
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return content, nil
}

// GetClip returns the clip's public metadata without touching the bytes.
func (h *Hdl) GetClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	key := chi.URLParam(r, "key")

	_, rec, err := h.paste.Read(r.Context(), key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("clip lookup failed")
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ClipResp{
		Key:       rec.Key,
		URL:       audioURL(rec.Key),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	})
}

// GetClipAudio streams the raw clip bytes with the store's media type.
func (h *Hdl) GetClipAudio(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	key := chi.URLParam(r, "key")

	content, _, err := h.paste.Read(r.Context(), key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("clip read failed")
		writeErr(w, err, requestID)
		return
	}
	ctype := mime.TypeByExtension(h.cfg.BlobSuffix)
	if ctype == "" {
		ctype = "audio/webm"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// ListMine returns the caller's accessible clips, newest first.
func (h *Hdl) ListMine(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	owner, err := h.ownerToken(w, r)
	if err != nil {
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	keys, err := h.paste.ListOwned(r.Context(), owner)
	if err != nil {
		log.Error().Err(err).Msg("list owned failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	clips := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		clips = append(clips, map[string]string{"key": k, "url": audioURL(k)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"clips": clips})
}

// ValidateClips returns the accessible subset of the requested keys, with
// no hint about why the others were excluded.
func (h *Hdl) ValidateClips(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxValidateBody)

	var req ValidateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid validate request")
		writeErr(w, domain.NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest), requestID)
		return
	}
	keys, err := h.paste.ValidateMany(r.Context(), req.Keys)
	if err != nil {
		log.Error().Err(err).Msg("validate many failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ValidateResp{Keys: keys})
}

// DeleteClip soft-deletes a clip owned by the caller.
func (h *Hdl) DeleteClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	key := chi.URLParam(r, "key")

	owner, err := h.ownerToken(w, r)
	if err != nil {
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	if err := h.paste.Delete(r.Context(), owner, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
