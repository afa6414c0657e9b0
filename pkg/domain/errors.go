package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = NewErr("CLIP_NOT_FOUND", "clip not found", http.StatusNotFound)
	ErrGone         = NewErr("CLIP_GONE", "clip expired or deleted", http.StatusGone)
	ErrForbidden    = NewErr("FORBIDDEN", "access denied", http.StatusForbidden)
	ErrConflict     = NewErr("KEY_CONFLICT", "key collides with different content", http.StatusConflict)
	ErrBlobMissing  = NewErr("BLOB_MISSING", "clip data unavailable", http.StatusNotFound)
	ErrDuplicateKey = NewErr("DUPLICATE_KEY", "record already exists", http.StatusConflict)
	ErrClipTooLarge = NewErr("CLIP_TOO_LARGE", "clip too large", http.StatusBadRequest)
	ErrEmptyContent = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidTTL   = NewErr("INVALID_TTL", "invalid ttl", http.StatusBadRequest)
	ErrRateLimited  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternal     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
