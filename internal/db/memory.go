package db

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and the scan backend in
// local development. It enforces the same guards as PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	cities   map[uuid.UUID]City
	players  map[uuid.UUID]Player
	videos   map[uuid.UUID]Video
	attempts map[uuid.UUID]ProcessingAttempt
	votes    map[uuid.UUID]Vote
	rankings map[string][]RankingEntry

	// ReplaceRankingsFailAfter, when positive, makes ReplaceSeasonRankings
	// fail after inserting that many rows. The season is left untouched.
	ReplaceRankingsFailAfter int
	// CompleteErr, when set, is returned by CompleteAttempt.
	CompleteErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cities:   make(map[uuid.UUID]City),
		players:  make(map[uuid.UUID]Player),
		videos:   make(map[uuid.UUID]Video),
		attempts: make(map[uuid.UUID]ProcessingAttempt),
		votes:    make(map[uuid.UUID]Vote),
		rankings: make(map[string][]RankingEntry),
	}
}

func (m *MemoryStore) UpsertCity(_ context.Context, c City) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities[c.ID] = c
	return nil
}

func (m *MemoryStore) UpsertPlayer(_ context.Context, p Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cities[p.CityID]; !ok {
		return ErrNotFound
	}
	m.players[p.ID] = p
	return nil
}

func (m *MemoryStore) CreateVideo(_ context.Context, arg CreateVideoParams) (Video, ProcessingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.players[arg.PlayerID]; !ok {
		return Video{}, ProcessingAttempt{}, ErrNotFound
	}
	if _, ok := m.videos[arg.ID]; ok {
		return Video{}, ProcessingAttempt{}, ErrDuplicate
	}

	visibility := arg.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	v := Video{
		ID:                 arg.ID,
		PlayerID:           arg.PlayerID,
		Title:              arg.Title,
		State:              VideoStateUploaded,
		Visibility:         visibility,
		OriginalKey:        arg.OriginalKey,
		OriginalDuration:   arg.OriginalDuration,
		OriginalResolution: arg.OriginalResolution,
		Format:             arg.Format,
		SizeBytes:          arg.SizeBytes,
		UploadedAt:         arg.UploadedAt,
	}
	a := ProcessingAttempt{
		ID:        uuid.New(),
		VideoID:   arg.ID,
		State:     AttemptStatePending,
		Params:    arg.Params,
		CreatedAt: arg.UploadedAt,
	}
	m.videos[v.ID] = v
	m.attempts[v.ID] = a
	return v, a, nil
}

func (m *MemoryStore) GetVideo(_ context.Context, id uuid.UUID) (Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, videoID uuid.UUID) (ProcessingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[videoID]
	if !ok {
		return ProcessingAttempt{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ClaimAttempt(_ context.Context, arg ClaimAttemptParams) (ProcessingAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[arg.VideoID]
	if !ok || a.State != AttemptStatePending || a.TaskID != nil {
		return ProcessingAttempt{}, false, nil
	}
	if a.NextAttemptAt != nil && a.NextAttemptAt.After(arg.Now) {
		return ProcessingAttempt{}, false, nil
	}

	taskID := arg.TaskID
	now := arg.Now
	a.State = AttemptStateProcessing
	a.TaskID = &taskID
	a.Attempts++
	a.StartedAt = &now
	a.FinishedAt = nil
	a.NextAttemptAt = nil
	m.attempts[arg.VideoID] = a

	v := m.videos[arg.VideoID]
	v.State = VideoStateProcessing
	m.videos[arg.VideoID] = v
	return a, true, nil
}

func (m *MemoryStore) heldBy(videoID uuid.UUID, taskID string) (ProcessingAttempt, bool) {
	a, ok := m.attempts[videoID]
	if !ok || a.State != AttemptStateProcessing || a.TaskID == nil || *a.TaskID != taskID {
		return ProcessingAttempt{}, false
	}
	return a, true
}

func (m *MemoryStore) CompleteAttempt(_ context.Context, arg CompleteAttemptParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CompleteErr != nil {
		return m.CompleteErr
	}
	a, ok := m.heldBy(arg.VideoID, arg.TaskID)
	if !ok {
		return ErrClaimLost
	}
	v, ok := m.videos[arg.VideoID]
	if !ok {
		return ErrNotFound
	}

	now := arg.Now
	a.State = AttemptStateCompleted
	a.FinishedAt = &now
	a.LastError = nil
	m.attempts[arg.VideoID] = a

	key, dur, res := arg.ProcessedKey, arg.ProcessedDuration, arg.ProcessedResolution
	v.State = VideoStateProcessed
	v.ProcessedKey = &key
	v.ProcessedDuration = &dur
	v.ProcessedResolution = &res
	v.ProcessedAt = &now
	m.videos[arg.VideoID] = v
	return nil
}

func (m *MemoryStore) FailAttempt(_ context.Context, arg FailAttemptParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.heldBy(arg.VideoID, arg.TaskID)
	if !ok {
		return ErrClaimLost
	}

	now := arg.Now
	msg := arg.Error
	a.FinishedAt = &now
	a.LastError = &msg
	if arg.Retry {
		next := arg.NextAttemptAt
		a.State = AttemptStatePending
		a.TaskID = nil
		a.NextAttemptAt = &next
	} else {
		a.State = AttemptStateFailed
		a.NextAttemptAt = nil
	}
	m.attempts[arg.VideoID] = a

	v := m.videos[arg.VideoID]
	v.State = VideoStateError
	v.ProcessedKey = nil
	v.ProcessedDuration = nil
	v.ProcessedResolution = nil
	v.ProcessedAt = nil
	m.videos[arg.VideoID] = v
	return nil
}

func (m *MemoryStore) ListClaimable(_ context.Context, now time.Time, limit int) ([]ProcessingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ProcessingAttempt
	for _, a := range m.attempts {
		if a.State != AttemptStatePending || a.TaskID != nil {
			continue
		}
		if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReleaseStaleClaims(_ context.Context, arg ReleaseStaleParams) ([]ReleasedClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []ReleasedClaim
	for id, a := range m.attempts {
		if a.State != AttemptStateProcessing || a.StartedAt == nil || !a.StartedAt.Before(arg.StartedBefore) {
			continue
		}
		now := arg.Now
		msg := "claim expired"
		a.FinishedAt = &now
		a.LastError = &msg
		a.NextAttemptAt = nil

		v := m.videos[id]
		failed := a.Attempts >= arg.MaxAttempts
		if failed {
			a.State = AttemptStateFailed
			v.State = VideoStateError
		} else {
			a.State = AttemptStatePending
			a.TaskID = nil
			v.State = VideoStateUploaded
		}
		m.attempts[id] = a
		m.videos[id] = v
		released = append(released, ReleasedClaim{VideoID: id, Attempts: a.Attempts, Failed: failed})
	}
	return released, nil
}

func (m *MemoryStore) DeleteVideo(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.videos[id]; !ok {
		return ErrNotFound
	}
	delete(m.videos, id)
	delete(m.attempts, id)
	for vid, vote := range m.votes {
		if vote.VideoID == id {
			delete(m.votes, vid)
		}
	}
	return nil
}

func (m *MemoryStore) CastVote(_ context.Context, arg CastVoteParams) (Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[arg.VideoID]
	if !ok || v.State != VideoStateProcessed || v.Visibility != VisibilityPublic {
		return Vote{}, ErrNotVotable
	}
	for _, existing := range m.votes {
		if existing.VideoID == arg.VideoID && existing.VoterID == arg.VoterID {
			return Vote{}, ErrDuplicate
		}
	}

	vote := Vote{
		ID:        arg.ID,
		VideoID:   arg.VideoID,
		VoterID:   arg.VoterID,
		Weight:    arg.Weight,
		CreatedAt: arg.CreatedAt,
	}
	if vote.Weight <= 0 {
		vote.Weight = 1
	}
	m.votes[vote.ID] = vote
	v.ViewCount++
	m.videos[arg.VideoID] = v
	return vote, nil
}

func (m *MemoryStore) aggregate(city string) []PlayerScore {
	totals := make(map[uuid.UUID]int)
	for _, vote := range m.votes {
		v, ok := m.videos[vote.VideoID]
		if !ok || v.State != VideoStateProcessed || v.Visibility != VisibilityPublic {
			continue
		}
		totals[v.PlayerID] += vote.Weight
	}

	scores := make([]PlayerScore, 0, len(totals))
	for playerID, score := range totals {
		p := m.players[playerID]
		c := m.cities[p.CityID]
		if city != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(city)) {
			continue
		}
		scores = append(scores, PlayerScore{
			PlayerID:   playerID,
			CityID:     p.CityID,
			PlayerName: p.Name,
			CityName:   c.Name,
			Score:      score,
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].PlayerID.String() < scores[j].PlayerID.String()
	})
	return scores
}

func (m *MemoryStore) AggregateScores(_ context.Context) ([]PlayerScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregate(""), nil
}

var errInjected = errors.New("db: injected failure")

func (m *MemoryStore) ReplaceSeasonRankings(_ context.Context, season string, entries []RankingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make([]RankingEntry, 0, len(entries))
	positions := make(map[int]bool, len(entries))
	players := make(map[uuid.UUID]bool, len(entries))
	for i, e := range entries {
		if m.ReplaceRankingsFailAfter > 0 && i >= m.ReplaceRankingsFailAfter {
			return errInjected
		}
		if positions[e.Position] || players[e.PlayerID] {
			return ErrDuplicate
		}
		positions[e.Position] = true
		players[e.PlayerID] = true
		e.Season = season
		staged = append(staged, e)
	}
	m.rankings[season] = staged
	return nil
}

// Rankings returns a copy of the stored entries for a season.
func (m *MemoryStore) Rankings(season string) []RankingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RankingEntry(nil), m.rankings[season]...)
}

func (m *MemoryStore) ListRankings(_ context.Context, arg ListRankingsParams) ([]RankingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append([]RankingEntry(nil), m.rankings[arg.Season]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })

	var rows []RankingRow
	for _, e := range entries {
		p := m.players[e.PlayerID]
		c := m.cities[e.CityID]
		if arg.City != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(arg.City)) {
			continue
		}
		rows = append(rows, RankingRow{
			Position:   e.Position,
			PlayerID:   e.PlayerID,
			PlayerName: p.Name,
			City:       c.Name,
			Votes:      e.Score,
		})
	}
	return page(rows, arg.Skip, arg.Limit), nil
}

func (m *MemoryStore) ListLiveRankings(_ context.Context, arg ListRankingsParams) ([]RankingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scores := m.aggregate(arg.City)
	rows := make([]RankingRow, 0, len(scores))
	for i, s := range scores {
		rows = append(rows, RankingRow{
			Position:   i + 1,
			PlayerID:   s.PlayerID,
			PlayerName: s.PlayerName,
			City:       s.CityName,
			Votes:      s.Score,
		})
	}
	return page(rows, arg.Skip, arg.Limit), nil
}

func page(rows []RankingRow, skip, limit int) []RankingRow {
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
