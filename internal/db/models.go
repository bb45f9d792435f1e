package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("db: record not found")
	ErrDuplicate    = errors.New("db: duplicate record")
	ErrNotVotable   = errors.New("db: video not votable")
	ErrClaimLost    = errors.New("db: claim no longer held")
	ErrInvalidState = errors.New("db: invalid state for operation")
)

type VideoState string

const (
	VideoStateUploaded   VideoState = "uploaded"
	VideoStateProcessing VideoState = "processing"
	VideoStateProcessed  VideoState = "processed"
	VideoStateError      VideoState = "error"
)

type AttemptState string

const (
	AttemptStatePending    AttemptState = "pending"
	AttemptStateProcessing AttemptState = "processing"
	AttemptStateCompleted  AttemptState = "completed"
	AttemptStateFailed     AttemptState = "failed"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ProcessingParams is captured when the attempt row is created so later
// configuration changes never alter in-flight work.
type ProcessingParams struct {
	MaxDurationSeconds int    `json:"maxDurationSeconds"`
	TargetResolution   string `json:"targetResolution"`
	Watermark          bool   `json:"watermark"`
}

func (p ProcessingParams) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

type Video struct {
	ID                  uuid.UUID
	PlayerID            uuid.UUID
	Title               string
	State               VideoState
	Visibility          Visibility
	OriginalKey         string
	ProcessedKey        *string
	OriginalDuration    int
	OriginalResolution  string
	ProcessedDuration   *int
	ProcessedResolution *string
	Format              string
	SizeBytes           int64
	UploadedAt          time.Time
	ProcessedAt         *time.Time
	ViewCount           int
}

type ProcessingAttempt struct {
	ID            uuid.UUID
	VideoID       uuid.UUID
	TaskID        *string
	State         AttemptState
	Attempts      int
	StartedAt     *time.Time
	FinishedAt    *time.Time
	NextAttemptAt *time.Time
	LastError     *string
	Params        ProcessingParams
	CreatedAt     time.Time
}

type Vote struct {
	ID        uuid.UUID
	VideoID   uuid.UUID
	VoterID   uuid.UUID
	Weight    int
	CreatedAt time.Time
}

type RankingEntry struct {
	ID        uuid.UUID
	PlayerID  uuid.UUID
	CityID    uuid.UUID
	Score     int
	Position  int
	Season    string
	UpdatedAt time.Time
}

// RankingRow is a RankingEntry joined with its player and city names.
type RankingRow struct {
	Position   int       `json:"position"`
	PlayerID   uuid.UUID `json:"player_id"`
	PlayerName string    `json:"username"`
	City       string    `json:"city"`
	Votes      int       `json:"votes"`
}

type PlayerScore struct {
	PlayerID   uuid.UUID
	CityID     uuid.UUID
	PlayerName string
	CityName   string
	Score      int
}

type Player struct {
	ID     uuid.UUID
	Name   string
	CityID uuid.UUID
}

type City struct {
	ID   uuid.UUID
	Name string
}

type CreateVideoParams struct {
	ID                 uuid.UUID
	PlayerID           uuid.UUID
	Title              string
	Visibility         Visibility
	OriginalKey        string
	OriginalDuration   int
	OriginalResolution string
	Format             string
	SizeBytes          int64
	Params             ProcessingParams
	UploadedAt         time.Time
}

type ClaimAttemptParams struct {
	VideoID uuid.UUID
	TaskID  string
	Now     time.Time
}

type CompleteAttemptParams struct {
	VideoID             uuid.UUID
	TaskID              string
	ProcessedKey        string
	ProcessedDuration   int
	ProcessedResolution string
	Now                 time.Time
}

type FailAttemptParams struct {
	VideoID uuid.UUID
	TaskID  string
	Error   string
	Now     time.Time
	// Retry returns the attempt to pending, claimable again after NextAttemptAt.
	Retry         bool
	NextAttemptAt time.Time
}

type ReleaseStaleParams struct {
	StartedBefore time.Time
	MaxAttempts   int
	Now           time.Time
}

type ReleasedClaim struct {
	VideoID  uuid.UUID
	Attempts int
	Failed   bool
}

type CastVoteParams struct {
	ID        uuid.UUID
	VideoID   uuid.UUID
	VoterID   uuid.UUID
	Weight    int
	CreatedAt time.Time
}

type ListRankingsParams struct {
	Season string
	City   string
	Skip   int
	Limit  int
}
