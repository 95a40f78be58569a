// Package types defines the wire types of the setlist HTTP and live APIs.
package types

import (
	"time"
)

// UpdateType is the kind of a live feed message.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateSong     UpdateType = "song"
	UpdateClosed   UpdateType = "closed"
)

// Song is the public view of a song. The submitting device is never exposed.
type Song struct {
	ID        string    `json:"id" msgpack:"id"`
	Title     string    `json:"title" msgpack:"title"`
	Artist    string    `json:"artist" msgpack:"artist"`
	DJName    string    `json:"djName" msgpack:"dj_name"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// LiveUpdate is one message on the live song feed of an event.
type LiveUpdate struct {
	Type       UpdateType `json:"type" msgpack:"type"`
	EventID    string     `json:"eventId" msgpack:"event_id"`
	Sequence   int64      `json:"sequence" msgpack:"sequence"`
	Timestamp  time.Time  `json:"timestamp" msgpack:"timestamp"`
	Song       *Song      `json:"song,omitempty" msgpack:"song,omitempty"`
	Songs      []Song     `json:"songs,omitempty" msgpack:"songs,omitempty"`
	TotalSongs int        `json:"totalSongs" msgpack:"total_songs"`
}

// CreateEventRequest is the body of POST /v1/events.
type CreateEventRequest struct {
	EventName     string `json:"eventName"`
	DeviceID      string `json:"deviceId"`
	EventURL      string `json:"eventURL,omitempty"`
	DJDisplayMode string `json:"djDisplayMode,omitempty"`
}

// AddSongRequest is the body of POST /v1/events/:eventId/songs.
type AddSongRequest struct {
	DeviceID string `json:"deviceId"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	DJName   string `json:"djName,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Usage carries the quota decisions made before the request failed.
	Usage interface{} `json:"usage,omitempty"`
}

// SweepResponse is the body of POST /admin/sweep.
type SweepResponse struct {
	Count int `json:"count"`
}
