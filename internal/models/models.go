// Package models defines the core data types shared by the resolver,
// failover engine, and control API.
package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProviderType identifies a stream provider.
type ProviderType string

const (
	// ProviderDLHD is the multi-backend CDN provider.
	ProviderDLHD ProviderType = "dlhd"
	// ProviderStreamBTW is a single-backend provider resolved through an
	// indirection API.
	ProviderStreamBTW ProviderType = "streambtw"
	// ProviderWikiSport is a single-backend provider with a direct URL template.
	ProviderWikiSport ProviderType = "wikisport"
)

// Valid reports whether the provider type is known.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderDLHD, ProviderStreamBTW, ProviderWikiSport:
		return true
	default:
		return false
	}
}

// StreamSource describes one live channel on one provider.
// It is immutable for the duration of a playback attempt; identity is
// Type+ChannelID.
type StreamSource struct {
	Type      ProviderType `json:"type"`
	ChannelID string       `json:"channel_id"`
	Title     string       `json:"title,omitempty"`
	Poster    string       `json:"poster,omitempty"`
}

// Key returns the identity of the source.
func (s StreamSource) Key() string {
	return string(s.Type) + ":" + s.ChannelID
}

// BackendState is the lifecycle state of one backend candidate within a
// load attempt.
type BackendState string

const (
	BackendPending  BackendState = "pending"
	BackendChecking BackendState = "checking"
	BackendSuccess  BackendState = "success"
	BackendFailed   BackendState = "failed"
)

// ServerStatus is the live telemetry record for one backend candidate.
// The engine mutates it in place as attempts proceed.
type ServerStatus struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Status  BackendState  `json:"status"`
	Elapsed time.Duration `json:"elapsed_ms,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// PlaybackState is the tagged playback lifecycle state. Modeling this as a
// single enum keeps illegal combinations (buffering and failed at once)
// unrepresentable.
type PlaybackState string

const (
	StateIdle       PlaybackState = "idle"
	StateFetching   PlaybackState = "fetching"
	StateConnecting PlaybackState = "connecting"
	StateBuffering  PlaybackState = "buffering"
	StatePlaying    PlaybackState = "playing"
	StateFailed     PlaybackState = "failed"
)

// Terminal reports whether the state ends a load attempt.
func (s PlaybackState) Terminal() bool {
	return s == StatePlaying || s == StateFailed
}

// NewSessionID generates a new ULID for a playback session.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
