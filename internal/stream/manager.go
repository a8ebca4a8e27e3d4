// Package stream manages per-utterance audio sessions between devices and
// the streaming recognizer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// Config configures the session manager.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// Grace keeps an ended session's id reserved so late chunks are rejected
	// as inactive rather than unknown.
	Grace time.Duration
	// ReorderWindow bounds how many early chunks are held while waiting for a gap.
	ReorderWindow int
	// StrictOrdering rejects any chunk that is not exactly the next sequence.
	StrictOrdering bool
	FlushTimeout   time.Duration

	DefaultAudio entities.AudioConfig
	Recognition  repositories.RecognitionConfig

	Clock func() time.Time
}

// DefaultConfig returns a 5 minute idle timeout swept every minute.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 60 * time.Second,
		Grace:         30 * time.Second,
		ReorderWindow: 16,
		FlushTimeout:  5 * time.Second,
		DefaultAudio: entities.AudioConfig{
			SampleRate: 16000,
			Encoding:   "LINEAR16",
			Language:   "ko-KR",
		},
		Recognition: repositories.RecognitionConfig{
			EnableAutomaticPunctuation: true,
			Model:                      "latest_short",
			AlternativeLanguages:       []string{"en-US"},
			InterimResults:             true,
		},
		Clock: time.Now,
	}
}

// StartRequest opens a session. An empty SessionID is assigned by the manager.
type StartRequest struct {
	SessionID string
	UserID    string
	DeviceID  string
	Audio     entities.AudioConfig
}

// ResultHandler receives recognition results in arrival order. Interim
// results that arrive after a final one are never delivered. It runs on the
// session's pump goroutine and must not call EndStream synchronously.
type ResultHandler func(session entities.StreamSession, result entities.RecognitionResult)

type ownerKey struct {
	userID   string
	deviceID string
}

// streamState is guarded by mu. sendMu orders writes to the recognition
// stream and is always taken before mu; mu is never held across a send.
type streamState struct {
	sendMu sync.Mutex

	mu         sync.Mutex
	session    *entities.StreamSession
	stream     repositories.RecognitionStream
	cancel     context.CancelFunc
	reorder    map[uint64][]byte
	finalSeen  bool
	transcript string
	pumpDone   chan struct{}
}

// Manager owns all stream sessions. At most one session is active per
// (user, device); sequence numbers inside a session strictly increase.
type Manager struct {
	cfg        Config
	recognizer repositories.StreamingRecognizer
	logger     *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*streamState
	byOwner    map[ownerKey]string
	tombstones *gocache.Cache

	handlerMu sync.RWMutex
	handler   ResultHandler

	stopOnce sync.Once
	stopChan chan struct{}
	loopDone chan struct{}
}

// NewManager creates a session manager backed by recognizer.
func NewManager(cfg Config, recognizer repositories.StreamingRecognizer, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = def.ReorderWindow
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.DefaultAudio.SampleRate <= 0 {
		cfg.DefaultAudio = def.DefaultAudio
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     logger,
		sessions:   make(map[string]*streamState),
		byOwner:    make(map[ownerKey]string),
		tombstones: gocache.New(cfg.Grace, 0),
		stopChan:   make(chan struct{}),
	}
}

// SetResultHandler installs the callback that receives recognition results.
func (m *Manager) SetResultHandler(h ResultHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Manager) resultHandler() ResultHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock()
}

// StartStream opens a recognition stream for a new session. A session
// already active for the same user and device is ended first.
func (m *Manager) StartStream(ctx context.Context, req StartRequest) (*entities.StreamSession, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.UserID == "" {
		req.UserID = req.DeviceID
	}
	audio := m.withDefaults(req.Audio)

	session := entities.NewStreamSession(req.SessionID, req.UserID, req.DeviceID, audio, m.now())
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	owner := ownerKey{userID: req.UserID, deviceID: req.DeviceID}
	m.mu.Lock()
	if m.existsLocked(req.SessionID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, req.SessionID)
	}
	previous := m.byOwner[owner]
	m.mu.Unlock()

	if previous != "" {
		m.logger.Info("Superseding active stream session",
			zap.String("sessionID", previous),
			zap.String("newSessionID", req.SessionID),
			zap.String("deviceID", req.DeviceID))
		m.end(previous, "superseded")
	}

	rc := m.cfg.Recognition
	rc.AudioConfig = audio
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := m.recognizer.Open(streamCtx, req.SessionID, rc)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open recognition stream: %w", err)
	}

	st := &streamState{
		session:  session,
		stream:   stream,
		cancel:   cancel,
		reorder:  make(map[uint64][]byte),
		pumpDone: make(chan struct{}),
	}

	m.mu.Lock()
	if m.existsLocked(req.SessionID) {
		m.mu.Unlock()
		_ = stream.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, req.SessionID)
	}
	raced := m.byOwner[owner]
	m.sessions[req.SessionID] = st
	m.byOwner[owner] = req.SessionID
	active := len(m.sessions)
	m.mu.Unlock()

	if raced != "" {
		m.end(raced, "superseded")
	}

	go m.pump(st)

	metrics.SessionsStartedTotal.Inc()
	metrics.ActiveSessions.Set(float64(active))
	m.logger.Info("Stream session started",
		zap.String("sessionID", req.SessionID),
		zap.String("userID", req.UserID),
		zap.String("deviceID", req.DeviceID),
		zap.Int("sampleRate", audio.SampleRate),
		zap.String("language", audio.Language))

	out := *session
	return &out, nil
}

func (m *Manager) withDefaults(a entities.AudioConfig) entities.AudioConfig {
	if a.SampleRate <= 0 {
		a.SampleRate = m.cfg.DefaultAudio.SampleRate
	}
	if a.Encoding == "" {
		a.Encoding = m.cfg.DefaultAudio.Encoding
	}
	if a.Language == "" {
		a.Language = m.cfg.DefaultAudio.Language
	}
	return a
}

func (m *Manager) existsLocked(id string) bool {
	if _, ok := m.sessions[id]; ok {
		return true
	}
	_, ok := m.tombstones.Get(id)
	return ok
}

// lookup returns the live state for id, or the restart error that applies.
func (m *Manager) lookup(id string) (*streamState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.sessions[id]; ok {
		return st, nil
	}
	if _, ok := m.tombstones.Get(id); ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionInactive, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

// ProcessChunk forwards one audio chunk. Chunks at or below the last
// forwarded sequence are rejected; chunks ahead of a gap are held until the
// gap fills or the reorder window overflows.
func (m *Manager) ProcessChunk(sessionID string, chunk []byte, seq uint64) error {
	st, err := m.lookup(sessionID)
	if err != nil {
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		return err
	}

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	batch, err := m.accept(st, chunk, seq)
	if err != nil {
		return err
	}
	return m.send(st, batch)
}

type pendingChunk struct {
	seq  uint64
	data []byte
}

// accept validates seq and returns the chunks that are now due, in order.
func (m *Manager) accept(st *streamState, chunk []byte, seq uint64) ([]pendingChunk, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsActive {
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionInactive, st.session.ID)
	}

	last := st.session.SequenceNumber
	if seq <= last {
		metrics.ChunksTotal.WithLabelValues("out_of_order").Inc()
		return nil, fmt.Errorf("%w: got %d after %d", domain.ErrOutOfOrderChunk, seq, last)
	}
	st.session.Touch(m.now())

	if seq == last+1 {
		st.session.SequenceNumber = seq
		return m.drain(st, []pendingChunk{{seq: seq, data: chunk}}), nil
	}

	if m.cfg.StrictOrdering {
		metrics.ChunksTotal.WithLabelValues("out_of_order").Inc()
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrOutOfOrderChunk, seq, last+1)
	}
	if _, dup := st.reorder[seq]; dup {
		metrics.ChunksTotal.WithLabelValues("out_of_order").Inc()
		return nil, fmt.Errorf("%w: duplicate %d", domain.ErrOutOfOrderChunk, seq)
	}

	st.reorder[seq] = chunk
	metrics.ChunksTotal.WithLabelValues("buffered").Inc()
	if len(st.reorder) > m.cfg.ReorderWindow {
		return m.skipGap(st, nil), nil
	}
	return nil, nil
}

// send writes batch to the recognition stream. Every chunk is attempted;
// the first failure is returned.
func (m *Manager) send(st *streamState, batch []pendingChunk) error {
	var first error
	for _, c := range batch {
		if err := st.stream.SendAudio(c.data); err != nil {
			metrics.ChunksTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("Failed to forward audio chunk",
				zap.String("sessionID", st.session.ID),
				zap.Uint64("sequence", c.seq),
				zap.Error(err))
			if first == nil {
				first = fmt.Errorf("forward chunk %d: %w", c.seq, err)
			}
			continue
		}
		metrics.ChunksTotal.WithLabelValues("forwarded").Inc()
	}
	return first
}

// drain appends buffered chunks that directly follow the last sequence.
func (m *Manager) drain(st *streamState, batch []pendingChunk) []pendingChunk {
	for {
		next := st.session.SequenceNumber + 1
		chunk, ok := st.reorder[next]
		if !ok {
			return batch
		}
		delete(st.reorder, next)
		st.session.SequenceNumber = next
		batch = append(batch, pendingChunk{seq: next, data: chunk})
	}
}

// skipGap gives up on the missing chunks before the lowest buffered one.
func (m *Manager) skipGap(st *streamState, batch []pendingChunk) []pendingChunk {
	lowest := lowestKey(st.reorder)
	m.logger.Warn("Reorder window overflow, skipping missing chunks",
		zap.String("sessionID", st.session.ID),
		zap.Uint64("from", st.session.SequenceNumber+1),
		zap.Uint64("to", lowest-1))
	metrics.ChunksTotal.WithLabelValues("gap_skipped").Inc()
	st.session.SequenceNumber = lowest - 1
	return m.drain(st, batch)
}

// flushReorder returns everything still buffered, skipping gaps.
func (m *Manager) flushReorder(st *streamState) []pendingChunk {
	var batch []pendingChunk
	for len(st.reorder) > 0 {
		batch = m.skipGap(st, batch)
	}
	return batch
}

func lowestKey(buf map[uint64][]byte) uint64 {
	keys := make([]uint64, 0, len(buf))
	for k := range buf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}

func (m *Manager) pump(st *streamState) {
	defer close(st.pumpDone)

	for res := range st.stream.Results() {
		st.mu.Lock()
		res.SessionID = st.session.ID
		if res.IsFinal {
			st.finalSeen = true
		} else if st.finalSeen {
			st.mu.Unlock()
			m.logger.Debug("Dropping interim result after final",
				zap.String("sessionID", res.SessionID))
			continue
		}
		st.transcript = res.Transcript
		st.session.Touch(m.now())
		snapshot := *st.session
		st.mu.Unlock()

		if h := m.resultHandler(); h != nil {
			h(snapshot, res)
		}
	}
}

// EndStream flushes buffered audio, half-closes the recognition stream and
// waits for its last results. Ending an already ended session is a no-op.
func (m *Manager) EndStream(ctx context.Context, sessionID string) error {
	_, err := m.lookup(sessionID)
	switch {
	case errors.Is(err, domain.ErrSessionInactive):
		return nil
	case err != nil:
		return err
	}
	m.endWithReason(ctx, sessionID, "client")
	return nil
}

func (m *Manager) end(sessionID, reason string) bool {
	return m.endWithReason(context.Background(), sessionID, reason)
}

func (m *Manager) endWithReason(ctx context.Context, sessionID, reason string) bool {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	started := time.Now()
	st.sendMu.Lock()
	st.mu.Lock()
	if !st.session.IsActive {
		st.mu.Unlock()
		st.sendMu.Unlock()
		return false
	}
	pending := m.flushReorder(st)
	st.session.End(m.now())
	ended := *st.session
	st.mu.Unlock()

	_ = m.send(st, pending)
	if err := st.stream.CloseSend(); err != nil {
		m.logger.Warn("Failed to half-close recognition stream",
			zap.String("sessionID", sessionID),
			zap.Error(err))
	}
	st.sendMu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	owner := ownerKey{userID: ended.UserID, deviceID: ended.DeviceID}
	if m.byOwner[owner] == sessionID {
		delete(m.byOwner, owner)
	}
	m.tombstones.Set(sessionID, ended, gocache.DefaultExpiration)
	active := len(m.sessions)
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.FlushTimeout)
	select {
	case <-st.pumpDone:
	case <-timer.C:
		m.logger.Warn("Timed out waiting for final recognition results",
			zap.String("sessionID", sessionID),
			zap.Duration("timeout", m.cfg.FlushTimeout))
	case <-ctx.Done():
	}
	timer.Stop()

	if err := st.stream.Close(); err != nil {
		m.logger.Debug("Recognition stream close", zap.String("sessionID", sessionID), zap.Error(err))
	}
	st.cancel()

	metrics.SessionsEndedTotal.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(active))
	metrics.FlushLatency.Observe(float64(time.Since(started).Milliseconds()))
	m.logger.Info("Stream session ended",
		zap.String("sessionID", sessionID),
		zap.String("reason", reason),
		zap.Uint64("lastSequence", ended.SequenceNumber))
	return true
}

// Get returns a snapshot of a live or recently ended session.
func (m *Manager) Get(sessionID string) (entities.StreamSession, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		v, found := m.tombstones.Get(sessionID)
		m.mu.Unlock()
		if found {
			return v.(entities.StreamSession), nil
		}
		return entities.StreamSession{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.session, nil
}

// Transcript returns the latest transcript seen for an active session.
func (m *Manager) Transcript(sessionID string) (string, bool) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.transcript, true
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep ends sessions idle longer than the idle timeout and forgets ended
// sessions past their grace period. It returns how many sessions it ended.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	states := make(map[string]*streamState, len(m.sessions))
	for id, st := range m.sessions {
		states[id] = st
	}
	m.mu.Unlock()

	var idle []string
	for id, st := range states {
		st.mu.Lock()
		if st.session.IsIdle(now, m.cfg.IdleTimeout) {
			idle = append(idle, id)
		}
		st.mu.Unlock()
	}

	ended := 0
	for _, id := range idle {
		if m.end(id, "idle") {
			ended++
		}
	}
	m.mu.Lock()
	m.tombstones.DeleteExpired()
	m.mu.Unlock()

	if ended > 0 {
		m.logger.Info("Expired idle stream sessions", zap.Int("count", ended))
	}
	return ended
}
