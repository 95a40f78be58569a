// Package models provides the domain and persistence models for the setlist service.
package models

import (
	"time"
)

// DisplayMode controls how a DJ view orders the songs of an event.
type DisplayMode string

const (
	DisplayModeChronological DisplayMode = "chronological"
	DisplayModeArtist        DisplayMode = "artist"
	DisplayModeDJ            DisplayMode = "dj"
)

// Valid reports whether the display mode is one of the known values.
func (m DisplayMode) Valid() bool {
	switch m {
	case DisplayModeChronological, DisplayModeArtist, DisplayModeDJ:
		return true
	}
	return false
}

// Event is a short-lived container that songs are appended to.
type Event struct {
	ID            string      `db:"id" json:"id"`
	Name          string      `db:"name" json:"name"`
	OwnerDeviceID string      `db:"owner_device_id" json:"-"` // Never expose the owner
	DisplayMode   DisplayMode `db:"display_mode" json:"displayMode"`
	EventURL      string      `db:"event_url" json:"eventURL,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	ExpiresAt     time.Time   `db:"expires_at" json:"expiresAt"`
	Active        bool        `db:"is_active" json:"active"`
}

// IsExpired reports whether the event's retention window has elapsed at now.
func (e *Event) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Song is a single track appended to an event. Songs are never mutated.
type Song struct {
	ID        string    `db:"id" json:"id"`
	EventID   string    `db:"event_id" json:"eventId"`
	Title     string    `db:"title" json:"title"`
	Artist    string    `db:"artist" json:"artist"`
	DJName    string    `db:"dj_name" json:"djName"`
	DeviceID  string    `db:"device_id" json:"-"`
	Timestamp time.Time `db:"created_at" json:"createdAt"`
}
