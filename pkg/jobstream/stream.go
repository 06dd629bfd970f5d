package jobstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/notify"
)

// DefaultInterval is the fixed delay between the end of one poll and the
// start of the next.
const DefaultInterval = 500 * time.Millisecond

// Gate is consulted before every poll. While ConsentPending reports true the
// network call is skipped for that cycle and the loop re-arms as usual.
// transport.Session satisfies Gate.
type Gate interface {
	ConsentPending() bool
}

// Config configures stream behavior.
type Config struct {
	// Interval is the delay between polls. It applies after failures too.
	// Default: 500ms
	Interval time.Duration

	// DrainIdlePolls controls polling after the job completes. Zero keeps
	// draining output until StopPolling. N > 0 stops the stream after N
	// consecutive post-completion polls that add no output or events.
	// Default: 0
	DrainIdlePolls int

	// CallTimeout bounds connect, disconnect and push-input calls.
	// Default: 10s
	CallTimeout time.Duration

	// Gate withholds polls while consent is pending. Optional.
	Gate Gate

	// ReadyMatcher detects the output line announcing that the interactive
	// server has started. Default: DefaultReadyMatcher
	ReadyMatcher func(text string) bool

	// OnReady is called once, on the poller goroutine, when an interactive
	// stream latches session-ready. Optional.
	OnReady func(*Stream)

	// Logger receives poll diagnostics. Default: no-op
	Logger *zap.Logger

	// After schedules the next poll. Default: time.After
	After func(time.Duration) <-chan time.Time
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     DefaultInterval,
		CallTimeout:  10 * time.Second,
		ReadyMatcher: DefaultReadyMatcher,
		After:        time.After,
	}
}

// Stream polls one remote job and owns its local logs.
//
// The logs are mutated only by the stream's own poll cycles. Readers may call
// any accessor concurrently. At most one poll loop runs at a time; a loop is
// started by StartPolling and stopped cooperatively by StopPolling, which lets
// an in-flight request finish but prevents the loop from re-arming.
type Stream struct {
	id      Identity
	client  Client
	cfg     Config
	logger  *zap.Logger
	changed notify.Registry

	mu        sync.RWMutex
	outputs   []OutputLine
	events    []LifecycleEvent
	files     []FileEntry
	token     string
	port      string
	ready     bool
	polled    bool
	completed bool
	hasError  bool
	polling   bool
	inFlight  bool
	stop      chan struct{}
	idlePolls int

	// background tracks the poll loop and session calls.
	background sync.WaitGroup
}

// New creates a stream. Zero-valued config fields take their defaults.
func New(id Identity, client Client, cfg Config) *Stream {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.DrainIdlePolls < 0 {
		cfg.DrainIdlePolls = 0
	}
	if cfg.ReadyMatcher == nil {
		cfg.ReadyMatcher = def.ReadyMatcher
	}
	if cfg.After == nil {
		cfg.After = def.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Stream{
		id:     id,
		client: client,
		cfg:    cfg,
		logger: logger.With(
			zap.String("workload_id", id.WorkloadID),
			zap.String("job_id", id.JobID)),
	}
}

// Identity returns the job identity.
func (s *Stream) Identity() Identity {
	return s.id
}

// Subscribe registers fn to be called after every applied poll and every
// session-state change. Callbacks run outside the stream lock.
func (s *Stream) Subscribe(fn func()) (cancel func()) {
	return s.changed.Subscribe(fn)
}

// StartPolling starts the poll loop and issues the first poll immediately.
// For interactive jobs that have not completed it also issues a one-shot
// connect-session call in the background.
//
// It returns false, doing nothing, if the stream is already polling.
func (s *Stream) StartPolling(ctx context.Context) bool {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return false
	}
	s.polling = true
	s.idlePolls = 0
	stop := make(chan struct{})
	s.stop = stop
	connect := s.id.Interactive && !s.completed
	s.mu.Unlock()

	s.logger.Debug("Polling started", zap.Bool("interactive", s.id.Interactive))

	s.background.Add(1)
	go s.run(ctx, stop)

	if connect {
		s.background.Add(1)
		go s.connectSession(ctx)
	}
	return true
}

// StopPolling clears the polling flag. An in-flight poll completes and is
// applied, but the loop does not re-arm. For interactive jobs a one-shot
// disconnect-session call is issued in the background.
//
// It returns false if the stream was not polling.
func (s *Stream) StopPolling() bool {
	s.mu.Lock()
	if !s.polling {
		s.mu.Unlock()
		return false
	}
	s.polling = false
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()

	s.logger.Debug("Polling stopped")

	if s.id.Interactive {
		s.background.Add(1)
		go s.disconnectSession()
	}
	return true
}

// IsPolling reports whether the poll loop is scheduled.
func (s *Stream) IsPolling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling
}

// Wait blocks until the poll loop and any background session calls have
// returned. Call it after StopPolling.
func (s *Stream) Wait() {
	s.background.Wait()
}

// PollOnce runs a single poll cycle. It is a no-op returning false when the
// stream is not polling or another poll is still in flight. It returns true
// when a response was applied.
func (s *Stream) PollOnce(ctx context.Context) bool {
	return s.pollOnce(ctx, nil)
}

func (s *Stream) run(ctx context.Context, stop chan struct{}) {
	defer s.background.Done()
	defer s.release(stop)

	for {
		s.pollOnce(ctx, stop)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-s.cfg.After(s.cfg.Interval):
		}
	}
}

// release clears the polling flag if this loop is still the current one and
// is exiting because its context ended. Interactive sessions are detached as
// StopPolling would.
func (s *Stream) release(stop chan struct{}) {
	s.mu.Lock()
	released := s.polling && s.stop == stop
	if released {
		s.polling = false
		s.stop = nil
	}
	s.mu.Unlock()

	if released && s.id.Interactive {
		s.logger.Debug("Polling ended with context, detaching session")
		s.background.Add(1)
		go s.disconnectSession()
	}
}

// pollOnce runs one cycle. A non-nil owner restricts the cycle to the loop
// that owns that stop channel, so a loop replaced by Stop+Start cannot poll.
// At most one cycle is in flight per stream; apply ends it.
func (s *Stream) pollOnce(ctx context.Context, owner chan struct{}) bool {
	s.mu.Lock()
	active := s.polling && (owner == nil || s.stop == owner) && !s.inFlight
	if active {
		s.inFlight = true
	}
	req := PullRequest{
		WorkloadID:      s.id.WorkloadID,
		JobID:           s.id.JobID,
		LastEventIndex:  len(s.events),
		LastOutputIndex: len(s.outputs),
	}
	s.mu.Unlock()

	if !active {
		return false
	}

	if s.cfg.Gate != nil && s.cfg.Gate.ConsentPending() {
		s.endPoll()
		s.logger.Debug("Poll skipped: consent pending")
		return false
	}

	resp, err := s.client.PullJobUpdate(ctx, req)
	if err != nil {
		s.endPoll()
		s.logger.Debug("Poll failed",
			zap.Int("last_output_index", req.LastOutputIndex),
			zap.Int("last_event_index", req.LastEventIndex),
			zap.Error(err))
		return false
	}
	if resp == nil {
		resp = &PullResponse{}
	}

	res := s.apply(req, resp)
	for _, name := range res.badTimes {
		s.logger.Warn("Ignoring unparseable file modification time", zap.String("file", name))
	}
	if !res.applied {
		s.logger.Debug("Stale poll response dropped",
			zap.Int("last_output_index", req.LastOutputIndex),
			zap.Int("last_event_index", req.LastEventIndex))
		return false
	}

	s.changed.Emit()

	if res.becameReady && s.cfg.OnReady != nil {
		s.cfg.OnReady(s)
	}
	if res.drained {
		s.logger.Debug("Stream drained after completion", zap.Int("idle_polls", s.cfg.DrainIdlePolls))
		s.StopPolling()
	}
	return true
}

func (s *Stream) endPoll() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

type applyResult struct {
	applied     bool
	becameReady bool
	drained     bool
	badTimes    []string
}

// apply folds a response into the logs and ends the in-flight cycle. The
// response is dropped unless both logs still have the lengths sent as cursors.
func (s *Stream) apply(req PullRequest, resp *PullResponse) applyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	if len(s.outputs) != req.LastOutputIndex || len(s.events) != req.LastEventIndex {
		return applyResult{}
	}

	var res applyResult
	res.applied = true

	for i, text := range resp.Output {
		style := ""
		if i < len(resp.OutputStyle) {
			style = resp.OutputStyle[i]
		}
		s.outputs = append(s.outputs, OutputLine{Index: len(s.outputs), Text: text, Style: style})

		if !s.ready && s.cfg.ReadyMatcher(text) {
			s.ready = true
			if s.id.Interactive {
				res.becameReady = true
			}
		}
	}

	for _, raw := range resp.Events {
		kind := EventKind(raw)
		s.events = append(s.events, LifecycleEvent{Index: len(s.events), Kind: kind})
		switch {
		case kind.IsTerminal():
			s.completed = true
		case kind == EventError:
			s.hasError = true
		}
	}

	if resp.Files != nil {
		s.files, res.badTimes = manifestFromWire(resp.Files)
	}

	if resp.SessionToken != "" {
		s.token = resp.SessionToken
	}

	s.polled = true

	if s.completed && s.cfg.DrainIdlePolls > 0 {
		if len(resp.Output) > 0 || len(resp.Events) > 0 {
			s.idlePolls = 0
		} else {
			s.idlePolls++
		}
		res.drained = s.idlePolls >= s.cfg.DrainIdlePolls
	}

	return res
}

func (s *Stream) connectSession(ctx context.Context) {
	defer s.background.Done()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	port, err := s.client.ConnectSession(callCtx, s.id.JobID)
	if err != nil {
		s.logger.Warn("Connect session failed", zap.Error(err))
		return
	}
	if port == "" {
		return
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.logger.Debug("Session connected", zap.String("port", port))
	s.changed.Emit()
}

func (s *Stream) disconnectSession() {
	defer s.background.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	if err := s.client.DisconnectSession(ctx, s.id.JobID); err != nil {
		s.logger.Warn("Disconnect session failed", zap.Error(err))
	}
}

// PushInput delivers one line of input to the remote job in the background.
// No local state changes and no acknowledgement is awaited.
func (s *Stream) PushInput(line string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()

		err := s.client.PushInput(ctx, PushInputRequest{
			WorkloadID: s.id.WorkloadID,
			JobID:      s.id.JobID,
			Line:       line,
		})
		if err != nil {
			s.logger.Warn("Push input failed", zap.Error(err))
		}
	}()
}

// Status returns the derived status.
func (s *Stream) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Stream) statusLocked() Status {
	switch {
	case s.completed:
		return StatusCompleted
	case s.polled:
		return StatusRunning
	default:
		return StatusInitializing
	}
}

// HasError reports whether the event log contains an error event.
func (s *Stream) HasError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasError
}

// SessionReady reports whether the interactive server has announced itself.
// Once true it stays true.
func (s *Stream) SessionReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// SessionToken returns the most recent session token, if any.
func (s *Stream) SessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SessionPort returns the port reported by connect-session, if any.
func (s *Stream) SessionPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Output returns a copy of the output log.
func (s *Stream) Output() []OutputLine {
	return s.OutputFrom(0)
}

// OutputFrom returns a copy of the output log starting at index from.
func (s *Stream) OutputFrom(from int) []OutputLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(s.outputs) {
		return nil
	}
	out := make([]OutputLine, len(s.outputs)-from)
	copy(out, s.outputs[from:])
	return out
}

// Events returns a copy of the event log.
func (s *Stream) Events() []LifecycleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Files returns a copy of the current file manifest.
func (s *Stream) Files() []FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileEntry, len(s.files))
	copy(out, s.files)
	return out
}

// Snapshot returns a consistent copy of the whole stream state.
func (s *Stream) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Identity:     s.id,
		Status:       s.statusLocked(),
		HasError:     s.hasError,
		Output:       make([]OutputLine, len(s.outputs)),
		Events:       make([]LifecycleEvent, len(s.events)),
		Files:        make([]FileEntry, len(s.files)),
		SessionToken: s.token,
		SessionPort:  s.port,
		SessionReady: s.ready,
		Polling:      s.polling,
	}
	copy(snap.Output, s.outputs)
	copy(snap.Events, s.events)
	copy(snap.Files, s.files)
	return snap
}
