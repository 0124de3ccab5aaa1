package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/internal/resolver"
)

// Session is one playback attempt of one stream source. All mutable state
// lives behind mu; the load goroutine is the only writer during a load.
type Session struct {
	ID          string
	Source      models.StreamSource
	Fingerprint string

	engine *Engine
	sink   MediaSink
	logger *slog.Logger

	mu         sync.Mutex
	state      models.PlaybackState
	statuses   []*models.ServerStatus
	started    map[string]time.Time
	active     *resolver.Backend
	manifest   *manifestResult
	lastErr    error
	failed     []string
	cancelLoad context.CancelFunc
	loadDone   chan struct{}

	events   chan Snapshot
	stopOnce sync.Once
	stopped  chan struct{}
}

// Snapshot is a point-in-time copy of session state, safe to serialize.
type Snapshot struct {
	ID          string                `json:"id"`
	Source      models.StreamSource   `json:"source"`
	State       models.PlaybackState  `json:"state"`
	Backends    []models.ServerStatus `json:"backends"`
	Active      string                `json:"active_backend,omitempty"`
	ManifestURL string                `json:"manifest_url,omitempty"`
	Encrypted   bool                  `json:"encrypted,omitempty"`
	Tuning      *PlayerTuning         `json:"tuning,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// NewSession creates a session for the source. Call Start to begin loading.
func (e *Engine) NewSession(source models.StreamSource, sink MediaSink) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	id := models.NewSessionID()
	return &Session{
		ID:          id,
		Source:      source,
		Fingerprint: uuid.NewString(),
		engine:      e,
		sink:        sink,
		logger:      e.logger.With(slog.String("session_id", id), slog.String("source", source.Key())),
		state:       models.StateIdle,
		started:     map[string]time.Time{},
		events:      make(chan Snapshot, statusBufferDepth),
		stopped:     make(chan struct{}),
	}
}

const statusBufferDepth = 32

// Start begins the load attempt across all backend candidates in order.
func (s *Session) Start(ctx context.Context) error {
	provider, err := s.engine.resolver.Provider(s.Source.Type)
	if err != nil {
		return err
	}
	s.startLoad(ctx, provider, provider.Candidates(nil))
	return nil
}

// SwitchBackend cancels any in-flight load and starts a fresh attempt
// pinned to the named backend. The pinned attempt never fails over: if the
// requested backend fails, the session fails. The in-flight attempt is
// fully cancelled before session state mutates.
func (s *Session) SwitchBackend(ctx context.Context, backendID string) error {
	provider, err := s.engine.resolver.Provider(s.Source.Type)
	if err != nil {
		return err
	}
	target, ok := provider.Backend(backendID)
	if !ok {
		return fmt.Errorf("unknown backend %q for provider %s", backendID, s.Source.Type)
	}

	s.abortLoad()
	s.startLoad(ctx, provider, []resolver.Backend{target})
	return nil
}

// Stop ends the session. Safe to call any number of times; only the first
// call has effect.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.abortLoad()
		s.sink.Pause()
		s.sink.Detach()

		s.mu.Lock()
		s.state = models.StateIdle
		s.mu.Unlock()

		if s.engine.analytics != nil {
			s.engine.analytics.SessionEnd(s.ID, s.Source)
		}
		close(s.stopped)
		s.logger.Info("session stopped")
	})
}

// Done is closed when the session has been stopped.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// Events returns the status stream. Snapshots are dropped, never blocked
// on, when the consumer lags.
func (s *Session) Events() <-chan Snapshot { return s.events }

// Snapshot returns a copy of the current session state. Elapsed values for
// in-flight backends reflect time spent so far.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:     s.ID,
		Source: s.Source,
		State:  s.state,
	}
	for _, st := range s.statuses {
		copied := *st
		if st.Status == models.BackendChecking {
			if start, ok := s.started[st.ID]; ok {
				copied.Elapsed = time.Since(start)
			}
		}
		snap.Backends = append(snap.Backends, copied)
	}
	if s.active != nil {
		snap.Active = s.active.ID
	}
	if s.manifest != nil {
		snap.ManifestURL = s.playbackURL(s.manifest.URL)
		snap.Encrypted = s.manifest.Encrypted
		tuning := s.engine.playerTuning()
		snap.Tuning = &tuning
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// playbackURL tags the manifest URL with the session fingerprint so edge
// logs can be tied back to a session.
func (s *Session) playbackURL(manifestURL string) string {
	sep := "?"
	for _, c := range manifestURL {
		if c == '?' {
			sep = "&"
			break
		}
	}
	return manifestURL + sep + "fp=" + s.Fingerprint
}

// abortLoad cancels the in-flight load goroutine and waits for it to
// finish.
func (s *Session) abortLoad() {
	s.mu.Lock()
	cancel := s.cancelLoad
	done := s.loadDone
	s.cancelLoad = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// startLoad resets per-attempt state and launches the failover controller
// goroutine over the given candidates.
func (s *Session) startLoad(ctx context.Context, provider *resolver.Provider, candidates []resolver.Backend) {
	loadCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancelLoad = cancel
	s.loadDone = done
	s.state = models.StateFetching
	s.active = nil
	s.manifest = nil
	s.lastErr = nil
	s.failed = nil
	s.statuses = make([]*models.ServerStatus, 0, len(candidates))
	s.started = map[string]time.Time{}
	for _, b := range candidates {
		s.statuses = append(s.statuses, &models.ServerStatus{
			ID:     b.ID,
			Name:   b.DisplayName,
			Status: models.BackendPending,
		})
	}
	s.mu.Unlock()
	s.publish()

	go func() {
		defer close(done)
		defer cancel()
		s.runFailover(loadCtx, provider, candidates)
	}()
}

// runFailover walks the candidates in order. Retryable failures advance to
// the next backend after a fixed cooldown; a not-live signal and candidate
// exhaustion are terminal.
func (s *Session) runFailover(ctx context.Context, provider *resolver.Provider, candidates []resolver.Backend) {
	var triedNames []string
	var lastClass models.ErrorClass

	for i := range candidates {
		backend := candidates[i]

		if ctx.Err() != nil {
			return
		}

		if i == 0 {
			s.markChecking(backend.ID)
		}
		result, err := s.attemptBackend(ctx, backend)
		if err == nil {
			s.finishSuccess(ctx, backend, result)
			return
		}
		if ctx.Err() != nil {
			return
		}

		class := models.ClassOf(err)
		s.markFailed(backend.ID, err)
		triedNames = append(triedNames, backend.DisplayName)
		lastClass = class

		s.logger.Warn("backend failed",
			slog.String("backend", backend.ID),
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)

		if !class.Retryable() || !provider.Failover {
			s.finishFailed(err)
			return
		}

		if i < len(candidates)-1 {
			// The next candidate reads as checking through the cooldown, so
			// telemetry never shows a gap between attempts.
			s.markChecking(candidates[i+1].ID)
			cooldown := s.engine.cfg.Failover.Cooldown
			if cooldown > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(cooldown):
				}
			}
		}
	}

	if len(triedNames) == 0 {
		s.finishFailed(models.NewStreamError(models.ClassExhausted, "no backend candidates", nil))
		return
	}
	s.finishFailed(models.ExhaustedError(triedNames, lastClass))
}

// attemptBackend resolves and acquires the manifest for one backend.
func (s *Session) attemptBackend(ctx context.Context, backend resolver.Backend) (*manifestResult, error) {
	s.mu.Lock()
	skip := append([]string(nil), s.failed...)
	s.mu.Unlock()

	manifestURL, err := s.engine.resolver.ResolveManifest(ctx, s.Source, backend, skip)
	if err != nil {
		return nil, err
	}
	return s.engine.acquireManifest(ctx, s.Source, manifestURL)
}

func (s *Session) markChecking(backendID string) {
	s.mu.Lock()
	s.state = models.StateConnecting
	for _, st := range s.statuses {
		if st.ID == backendID {
			st.Status = models.BackendChecking
			s.started[backendID] = time.Now()
		}
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Session) markFailed(backendID string, err error) {
	s.mu.Lock()
	for _, st := range s.statuses {
		if st.ID == backendID {
			st.Status = models.BackendFailed
			st.Error = err.Error()
			if start, ok := s.started[backendID]; ok {
				st.Elapsed = time.Since(start)
			}
		}
	}
	s.failed = append(s.failed, backendID)
	s.lastErr = err
	s.mu.Unlock()
	s.publish()
}

// finishSuccess records the winning backend and hands the stream to the
// sink. The active backend is exactly the one whose attempt succeeded.
func (s *Session) finishSuccess(ctx context.Context, backend resolver.Backend, result *manifestResult) {
	s.mu.Lock()
	for _, st := range s.statuses {
		if st.ID == backend.ID {
			st.Status = models.BackendSuccess
			if start, ok := s.started[backend.ID]; ok {
				st.Elapsed = time.Since(start)
			}
		}
	}
	active := backend
	s.active = &active
	s.manifest = result
	s.lastErr = nil
	s.state = models.StateBuffering
	playURL := s.playbackURL(result.URL)
	s.mu.Unlock()
	s.publish()

	if err := s.sink.PlayMuted(playURL, s.engine.playerTuning()); err != nil {
		s.mu.Lock()
		s.state = models.StateFailed
		s.lastErr = err
		s.mu.Unlock()
		s.publish()
		return
	}

	delay := s.engine.cfg.Playback.UnmuteDelay
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	s.sink.Unmute()

	s.mu.Lock()
	s.state = models.StatePlaying
	s.mu.Unlock()
	s.publish()

	s.logger.Info("playback started",
		slog.String("backend", backend.ID),
		slog.Bool("encrypted", result.Encrypted),
		slog.Int("segments", result.SegmentCount),
	)

	if s.engine.analytics != nil {
		s.engine.analytics.SessionBegin(s.ID, s.Source, backend.ID)
	}
}

func (s *Session) finishFailed(err error) {
	s.mu.Lock()
	s.state = models.StateFailed
	s.lastErr = err
	s.mu.Unlock()
	s.publish()
}

// publish emits a snapshot on the event channel, dropping it when the
// consumer is behind.
func (s *Session) publish() {
	snap := s.Snapshot()
	select {
	case s.events <- snap:
	default:
	}
}
