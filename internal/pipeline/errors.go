package pipeline

import (
	"context"
	"errors"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

// Kind groups failures by how the state machine reacts to them.
type Kind string

const (
	// KindTransientInfra covers queue, blob store and database hiccups.
	KindTransientInfra Kind = "transient_infra"
	// KindDataIntegrity is terminal for the attempt regardless of budget.
	KindDataIntegrity Kind = "data_integrity"
	// KindToolFailure is a non-zero transcoder exit or timeout.
	KindToolFailure Kind = "tool_failure"
)

var (
	ErrSourceMissing = errors.New("pipeline: source blob missing")
	ErrVideoMissing  = errors.New("pipeline: video record missing")
	ErrBadParams     = errors.New("pipeline: invalid processing parameters")
	// ErrPanic wraps a panic raised while a claimed record was being
	// processed. It is retried like an infrastructure failure.
	ErrPanic = errors.New("pipeline: panic during processing")
)

func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceMissing),
		errors.Is(err, ErrVideoMissing),
		errors.Is(err, ErrBadParams),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidKey):
		return KindDataIntegrity
	case errors.Is(err, video.ErrTranscodeFailed),
		errors.Is(err, video.ErrTimeout),
		errors.Is(err, video.ErrMetadataFailed),
		errors.Is(err, video.ErrInvalidVideo):
		return KindToolFailure
	case errors.Is(err, context.DeadlineExceeded):
		return KindToolFailure
	default:
		return KindTransientInfra
	}
}
