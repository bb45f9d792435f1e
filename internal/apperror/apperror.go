// Package apperror defines the errors callers of the video and ranking
// services can act on, with the HTTP status each maps to.
package apperror

import (
	"errors"
	"net/http"
)

type Error struct {
	Code       string
	Message    string
	StatusCode int
	Internal   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches on Code so wrapped copies produced by Wrap still satisfy
// errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrVideoNotFound = &Error{
		Code:       "video_not_found",
		Message:    "The requested video was not found",
		StatusCode: http.StatusNotFound,
	}

	ErrVideoNotVotable = &Error{
		Code:       "video_not_votable",
		Message:    "The video is not available for voting",
		StatusCode: http.StatusNotFound,
	}

	ErrDuplicateVote = &Error{
		Code:       "duplicate_vote",
		Message:    "You have already voted for this video",
		StatusCode: http.StatusBadRequest,
	}

	ErrDeleteNotAllowed = &Error{
		Code:       "delete_not_allowed",
		Message:    "The video cannot be deleted in its current state",
		StatusCode: http.StatusBadRequest,
	}

	ErrVideoNotOwned = &Error{
		Code:       "video_not_owned",
		Message:    "You do not have permission to modify this video",
		StatusCode: http.StatusForbidden,
	}

	ErrInternal = &Error{
		Code:       "internal_error",
		Message:    "An unexpected error occurred. Please try again later",
		StatusCode: http.StatusInternalServerError,
	}
)

func Wrap(err error, appErr *Error) *Error {
	return &Error{
		Code:       appErr.Code,
		Message:    appErr.Message,
		StatusCode: appErr.StatusCode,
		Internal:   err,
	}
}

func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func SafeMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}
