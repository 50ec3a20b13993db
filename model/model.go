package model

import (
	"time"
)

// StoryRecord is a story the user saved for offline reading.  Records are
// keyed by ID; saving the same ID again overwrites the earlier copy.
type StoryRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    string    `json:"photoUrl"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	SavedAt     time.Time `json:"savedAt"`
}

func (r *StoryRecord) Clone() *StoryRecord {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Lat != nil {
		lat := *r.Lat
		cpy.Lat = &lat
	}
	if r.Lon != nil {
		lon := *r.Lon
		cpy.Lon = &lon
	}
	return &cpy
}

// HasLocation is true when both coordinates are present.
func (r *StoryRecord) HasLocation() bool {
	return r.Lat != nil && r.Lon != nil
}

// Story is a story as the remote API reports it.
type Story struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	CreatedAt   string   `json:"createdAt"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

// Record converts an API story into a local record stamped with savedAt.
// An unparsable creation time is replaced by savedAt.
func (s *Story) Record(savedAt time.Time) *StoryRecord {
	created, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		created = savedAt
	}
	return (&StoryRecord{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		PhotoURL:    s.PhotoURL,
		Lat:         s.Lat,
		Lon:         s.Lon,
		CreatedAt:   created,
		SavedAt:     savedAt,
	}).Clone()
}

// Session is what we remember about a logged in user.
type Session struct {
	UserID string
	Name   string
	Token  string
}

// Window is an open application instance.
type Window struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}
