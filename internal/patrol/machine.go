// Package patrol drives the patrol protocol: baseline capture, review,
// live monitoring, lock and re-verification, and the closing summary.
//
// All state transitions run on a single loop goroutine (Run). Commands and
// stream callbacks are posted to that loop as closures; long calls (deep
// scans, credential checks, archiving) run on their own goroutines and post
// their outcome back, so live narration keeps flowing while they are in
// flight.
package patrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/patrol/internal/alert"
	"github.com/triage-ai/patrol/internal/auth"
	"github.com/triage-ai/patrol/internal/deepscan"
	"github.com/triage-ai/patrol/internal/device"
	"github.com/triage-ai/patrol/internal/engine"
	"github.com/triage-ai/patrol/internal/evidence"
	"github.com/triage-ai/patrol/internal/frames"
	"github.com/triage-ai/patrol/internal/storage"
	"github.com/triage-ai/patrol/internal/store"
	"github.com/triage-ai/patrol/internal/stream"
	"go.uber.org/zap"
)

const eventBuffer = 256

// Scanner runs one-shot deep scans. Implementations never fail; service
// errors come back as a degraded result.
type Scanner interface {
	Analyze(ctx context.Context, jpeg []byte, comparison string) deepscan.Result
}

// LiveSession is an open perception stream.
type LiveSession interface {
	Close() error
}

// SessionOpener opens the perception stream for an ACTIVE patrol.
type SessionOpener func(ctx context.Context, media *device.Media, h stream.Handler) (LiveSession, error)

// LaunchWith adapts a stream.Launcher to a SessionOpener.
func LaunchWith(l *stream.Launcher) SessionOpener {
	return func(ctx context.Context, media *device.Media, h stream.Handler) (LiveSession, error) {
		s, err := l.Open(ctx, media, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Archiver persists a finished patrol. *store.Store implements it.
type Archiver interface {
	ArchiveSession(ctx context.Context, rec store.ArchiveRecord) (*store.Archive, error)
}

// Config wires the machine's collaborators. Device, Open and Scanner are
// required; the rest have working defaults.
type Config struct {
	Device     device.Capability
	Open       SessionOpener
	Scanner    Scanner
	Verifier   auth.Verifier
	Evidence   *evidence.Store
	Classifier *engine.Classifier
	Alerter    alert.Alerter
	Archiver   Archiver
	Events     storage.EventWriter
	Encoder    frames.Encoder
	Logger     *zap.Logger
	Now        func() time.Time
}

// Machine is the patrol controller. Create with New and drive with Run.
type Machine struct {
	device     device.Capability
	open       SessionOpener
	scanner    Scanner
	verifier   auth.Verifier
	evidence   *evidence.Store
	classifier *engine.Classifier
	alerter    alert.Alerter
	archiver   Archiver
	events     storage.EventWriter
	encoder    frames.Encoder
	journal    *Journal
	logger     *zap.Logger
	now        func() time.Time

	loop    chan func()
	stopped chan struct{}
	running atomic.Bool
	volume  atomic.Uint32 // math.Float32bits of the latest level
	liveGen atomic.Uint64 // generation allowed to report volume

	// Loop-owned state. Only touched from closures run by Run.
	state         State
	gen           uint64 // bumped whenever the live session or patrol is discarded
	patrolID      string
	startedAt     time.Time
	media         *device.Media
	session       LiveSession
	baseline      *BaselineProfile
	level         engine.ThreatLevel
	scanPrev      engine.ThreatLevel // level shown before ANALYZING
	stats         SessionStats
	activeSince   time.Time
	elapsed       time.Duration
	lastNarration string
	authPending   bool
	archiving     bool
	summary       *Summary
}

// New validates cfg and returns an idle machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Device == nil || cfg.Open == nil || cfg.Scanner == nil {
		return nil, errors.New("patrol.New: device, session opener and scanner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	verifier := cfg.Verifier
	if verifier == nil {
		v, _ := auth.NewBcryptVerifier("")
		verifier = v
	}
	evStore := cfg.Evidence
	if evStore == nil {
		evStore = evidence.NewStore(evidence.DefaultCapacity, evidence.DefaultSpacing, logger.Named("evidence"))
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = engine.NewClassifier(engine.DefaultMinLogLength)
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = alert.Func(func(string) {})
	}
	events := cfg.Events
	if events == nil {
		events = storage.NewLogWriter(logger.Named("events"))
	}
	encoder := cfg.Encoder
	if encoder.MaxWidth == 0 {
		encoder = frames.DefaultEncoder()
	}

	return &Machine{
		device:     cfg.Device,
		open:       cfg.Open,
		scanner:    cfg.Scanner,
		verifier:   verifier,
		evidence:   evStore,
		classifier: classifier,
		alerter:    alerter,
		archiver:   cfg.Archiver,
		events:     events,
		encoder:    encoder,
		journal:    NewJournal(now),
		logger:     logger,
		now:        now,
		loop:       make(chan func(), eventBuffer),
		stopped:    make(chan struct{}),
		state:      StateIdle,
		level:      engine.ThreatSafe,
	}, nil
}

// Run processes commands and stream events until ctx is cancelled, then
// tears down any live session and releases the devices.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("patrol.Run: already running")
	}
	defer close(m.stopped)

	for {
		select {
		case fn := <-m.loop:
			fn()
		case <-ctx.Done():
			m.closeSession()
			m.releaseMedia()
			m.logger.Info("patrol loop stopped", zap.String("state", m.state.String()))
			return nil
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Machine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.loop <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	}
}

// post queues fn on the loop from a background goroutine or callback.
func (m *Machine) post(fn func()) {
	select {
	case m.loop <- fn:
	case <-m.stopped:
	}
}

// Start acquires the devices and runs the baseline scan. It returns once
// the patrol reaches REVIEW, or IDLE on failure.
func (m *Machine) Start(ctx context.Context) error {
	var (
		err   error
		media *device.Media
		gen   uint64
	)
	if doErr := m.do(ctx, func() {
		if m.state != StateIdle {
			err = m.invalid("start")
			return
		}
		media, err = m.device.Acquire(ctx)
		if err != nil {
			m.logf(SourceSystem, "Camera or microphone unavailable: %v", err)
			err = fmt.Errorf("Start: %w: %v", ErrDeviceUnavailable, err)
			return
		}
		m.media = media
		m.patrolID = newID()
		m.startedAt = m.now()
		m.transition(StateBaseline)
		m.log(SourceSystem, "Patrol started, capturing baseline")
		gen = m.gen
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	return m.captureBaseline(ctx, media, gen)
}

// Retake discards the reviewed baseline and captures a new one.
func (m *Machine) Retake(ctx context.Context) error {
	var (
		err   error
		media *device.Media
		gen   uint64
	)
	if doErr := m.do(ctx, func() {
		if m.state != StateReview {
			err = m.invalid("retake")
			return
		}
		m.baseline = nil
		m.transition(StateBaseline)
		m.log(SourceSystem, "Baseline discarded, retaking")
		media, gen = m.media, m.gen
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	return m.captureBaseline(ctx, media, gen)
}

func (m *Machine) captureBaseline(ctx context.Context, media *device.Media, gen uint64) error {
	img, snapErr := m.snapshot(media)
	var res deepscan.Result
	if snapErr != nil {
		res = deepscan.FailSafe("no camera frame")
	} else {
		res = m.scanner.Analyze(ctx, img, "")
	}

	var err error
	if doErr := m.do(context.Background(), func() {
		if m.gen != gen || m.state != StateBaseline {
			err = m.invalid("baseline")
			return
		}
		if res.Degraded {
			m.logf(SourceSystem, "Baseline scan failed: %s", res.Analysis)
			m.abortPatrol()
			err = ErrBaselineFailed
			return
		}
		m.baseline = &BaselineProfile{
			Analysis:   res.Analysis,
			Action:     res.Action,
			Confidence: res.Confidence,
			Snapshot:   img,
			CapturedAt: m.now(),
		}
		m.log(SourceReasoning, "Baseline: "+res.Analysis)
		m.transition(StateReview)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Confirm accepts the baseline and goes live.
func (m *Machine) Confirm(ctx context.Context) error {
	var err error
	if doErr := m.do(ctx, func() {
		if m.state != StateReview {
			err = m.invalid("confirm")
			return
		}
		m.gen++
		gen := m.gen
		session, openErr := m.open(ctx, m.media, m.handler(gen))
		if openErr != nil {
			m.logf(SourceSystem, "Live link failed: %v", openErr)
			if errors.Is(openErr, stream.ErrDevice) {
				err = fmt.Errorf("Confirm: %w: %v", ErrDeviceUnavailable, openErr)
			} else {
				err = fmt.Errorf("Confirm: %w: %v", ErrLinkFailed, openErr)
			}
			return
		}
		m.session = session
		m.liveGen.Store(gen)
		m.stats = SessionStats{}
		m.evidence.Reset()
		m.level = engine.ThreatSafe
		m.lastNarration = ""
		m.activeSince = m.now()
		m.elapsed = 0
		m.transition(StateActive)
		m.log(SourceSystem, "Baseline confirmed, monitoring")
	}); doErr != nil {
		return doErr
	}
	return err
}

// handler routes stream callbacks for the session of generation gen onto
// the loop. Events from an older session are ignored.
func (m *Machine) handler(gen uint64) stream.Handler {
	return stream.Handler{
		OnOpen: func() {
			go m.post(func() {
				if m.gen == gen && m.state == StateActive {
					m.log(SourceSystem, "Live link established")
				}
			})
		},
		OnNarration: func(text string) {
			m.post(func() {
				if m.gen == gen && m.state == StateActive {
					m.onNarration(text)
				}
			})
		},
		OnVolume: func(level float32) {
			if m.liveGen.Load() == gen {
				m.volume.Store(math.Float32bits(level))
			}
		},
		// OnClosed runs inside the session teardown, which a concurrent
		// Close on the loop waits for; posting synchronously could deadlock.
		OnClosed: func(reason error) {
			go m.post(func() {
				if m.gen == gen && m.state == StateActive {
					m.onLinkLost(reason)
				}
			})
		},
	}
}

func (m *Machine) onNarration(text string) {
	res := m.classifier.Classify(text)
	m.lastNarration = text
	if res.Loggable {
		m.log(SourcePerception, text)
	}
	if !res.Matched {
		return
	}
	m.level = res.Level
	if res.Level == engine.ThreatDanger {
		m.raiseThreat("narration: " + res.Keyword)
	}
}

// onLinkLost handles a remote close or transport failure while ACTIVE: the
// patrol locks so the operator must re-verify.
func (m *Machine) onLinkLost(reason error) {
	m.session = nil
	m.gen++
	m.liveGen.Store(0)
	m.volume.Store(0)
	m.settleLevel()
	m.elapsed = m.now().Sub(m.activeSince)
	m.logf(SourceSystem, "Live link lost: %v", reason)
	m.transition(StateAuth)
}

// raiseThreat runs the DANGER side effects: count, alarm, evidence.
func (m *Machine) raiseThreat(reason string) {
	m.stats.ThreatCount++
	go m.alerter.Sound(reason)

	item, err := m.evidence.Capture(func() ([]byte, error) { return m.snapshot(m.media) })
	switch {
	case err == nil:
		m.logf(SourceSystem, "Intrusion evidence captured (%d)", m.evidence.Len())
		m.logger.Info("intrusion evidence stored", zap.String("evidence_id", item.ID))
	case errors.Is(err, evidence.ErrTooSoon), errors.Is(err, evidence.ErrStoreFull):
		m.logger.Debug("evidence capture skipped", zap.Error(err))
	default:
		m.logf(SourceSystem, "Evidence capture failed: %v", err)
	}
}

// Lock ends live monitoring and requires re-verification.
func (m *Machine) Lock(ctx context.Context) error {
	var err error
	if doErr := m.do(ctx, func() {
		if m.state != StateActive {
			err = m.invalid("lock")
			return
		}
		m.closeSession()
		m.settleLevel()
		m.elapsed = m.now().Sub(m.activeSince)
		m.log(SourceSystem, fmt.Sprintf("Terminal locked after %s", m.elapsed.Round(time.Second)))
		m.transition(StateAuth)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Unlock re-verifies the operator: the credential must pass and a fresh
// snapshot compared against the baseline must come back SAFE. Any failure
// leaves the patrol in AUTH.
func (m *Machine) Unlock(ctx context.Context, credential string) error {
	var (
		err      error
		media    *device.Media
		baseline string
		gen      uint64
	)
	if doErr := m.do(ctx, func() {
		if m.state != StateAuth {
			err = m.invalid("unlock")
			return
		}
		if m.authPending {
			err = ErrAuthInProgress
			return
		}
		m.authPending = true
		media, gen = m.media, m.gen
		if m.baseline != nil {
			baseline = m.baseline.Analysis
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	analysis, err := m.verify(ctx, media, credential, baseline)

	if doErr := m.do(context.Background(), func() {
		m.authPending = false
		if m.gen != gen || m.state != StateAuth {
			err = m.invalid("unlock")
			return
		}
		if analysis != "" {
			m.log(SourceReasoning, "Verification: "+analysis)
		}
		if err != nil {
			m.logf(SourceSystem, "Verification denied: %v", err)
			return
		}
		m.log(SourceSystem, "Operator verified")
		m.summary = m.buildSummary()
		m.transition(StateSummary)
	}); doErr != nil {
		return doErr
	}
	return err
}

// verify checks the credential first; the camera and the reasoning
// service are only consulted for a credential that passes.
func (m *Machine) verify(ctx context.Context, media *device.Media, credential, baseline string) (string, error) {
	if err := m.verifier.Verify(credential); err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrongCredential, err)
	}

	img, err := m.snapshot(media)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}

	res := m.scanner.Analyze(ctx, img, "Compare against baseline: "+baseline)
	switch {
	case res.Degraded:
		return res.Analysis, ErrServiceUnavailable
	case res.ThreatLevel != engine.ThreatSafe:
		return res.Analysis, fmt.Errorf("%w: %s", ErrBiometricMismatch, res.ThreatLevel)
	}
	return res.Analysis, nil
}

// DeepScan runs a manual scan alongside live monitoring. The displayed
// level reads ANALYZING until the result lands; a degraded result restores
// the previous level.
func (m *Machine) DeepScan(ctx context.Context) (deepscan.Result, error) {
	var (
		err   error
		media *device.Media
		prev  engine.ThreatLevel
		gen   uint64
	)
	if doErr := m.do(ctx, func() {
		if m.state != StateActive {
			err = m.invalid("deep scan")
			return
		}
		m.stats.ManualScanCount++
		prev = m.level
		if prev == engine.ThreatAnalyzing {
			prev = m.scanPrev
		}
		m.scanPrev = prev
		m.level = engine.ThreatAnalyzing
		media, gen = m.media, m.gen
		m.log(SourceSystem, "Manual deep scan requested")
	}); doErr != nil {
		return deepscan.Result{}, doErr
	}
	if err != nil {
		return deepscan.Result{}, err
	}

	var res deepscan.Result
	if img, snapErr := m.snapshot(media); snapErr != nil {
		res = deepscan.FailSafe("no camera frame")
	} else {
		res = m.scanner.Analyze(ctx, img, "")
	}

	m.post(func() {
		m.log(SourceReasoning, fmt.Sprintf("%s (%d%%): %s", res.ThreatLevel, res.Confidence, res.Analysis))
		if m.gen != gen || m.state != StateActive {
			return
		}
		if res.Degraded {
			if m.level == engine.ThreatAnalyzing {
				m.level = prev
			}
			return
		}
		m.level = res.ThreatLevel
		if res.ThreatLevel == engine.ThreatDanger {
			m.raiseThreat("deep scan")
		}
	})
	return res, nil
}

// Discard ends the patrol without persisting it.
func (m *Machine) Discard(ctx context.Context) error {
	var err error
	if doErr := m.do(ctx, func() {
		if m.state != StateSummary || m.archiving {
			err = m.invalid("discard")
			return
		}
		m.logger.Info("patrol discarded", zap.String("patrol_id", m.patrolID))
		m.resetPatrol()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Archive persists the summary and evidence, then resets to IDLE. If the
// archiver fails the patrol stays in SUMMARY.
func (m *Machine) Archive(ctx context.Context) error {
	var (
		err error
		rec store.ArchiveRecord
		gen uint64
	)
	if doErr := m.do(ctx, func() {
		if m.state != StateSummary || m.archiving {
			err = m.invalid("archive")
			return
		}
		m.archiving = true
		rec = m.archiveRecord()
		gen = m.gen
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	if m.archiver != nil {
		if a, archErr := m.archiver.ArchiveSession(ctx, rec); archErr != nil {
			err = fmt.Errorf("Archive: %w: %v", ErrArchiveFailed, archErr)
		} else {
			m.logger.Info("patrol archived",
				zap.String("patrol_id", rec.PatrolID),
				zap.String("archive_id", a.ID),
				zap.Int("evidence", len(rec.Evidence)),
			)
		}
	}

	if doErr := m.do(context.Background(), func() {
		m.archiving = false
		if m.gen != gen || m.state != StateSummary {
			return
		}
		if err != nil {
			m.logf(SourceSystem, "Archive failed: %v", err)
			return
		}
		m.resetPatrol()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Status returns a snapshot of the machine.
func (m *Machine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func() {
		st = Status{
			PatrolID:      m.patrolID,
			State:         m.state,
			ThreatLevel:   m.level,
			Live:          m.session != nil,
			Volume:        math.Float32frombits(m.volume.Load()),
			LastNarration: m.lastNarration,
			Stats:         m.stats,
			Elapsed:       m.elapsed,
			EvidenceCount: m.evidence.Len(),
			LogCount:      m.journal.Len(),
			AuthPending:   m.authPending,
			Summary:       m.summary,
		}
		if m.state == StateActive {
			st.Elapsed = m.now().Sub(m.activeSince)
		}
		if m.baseline != nil {
			b := *m.baseline
			st.Baseline = &b
		}
	})
	return st, err
}

// Logs returns journal entries after the first skip.
func (m *Machine) Logs(skip int) []LogEntry {
	return m.journal.Entries(skip)
}

// Evidence returns the captured evidence of the current patrol.
func (m *Machine) Evidence() []evidence.Item {
	return m.evidence.Items()
}

func (m *Machine) buildSummary() *Summary {
	return &Summary{
		PatrolID:         m.patrolID,
		StartedAt:        m.startedAt,
		Duration:         m.elapsed,
		Stats:            m.stats,
		FinalThreatLevel: m.level,
		EvidenceCount:    m.evidence.Len(),
		LogCount:         m.journal.Len(),
	}
}

func (m *Machine) archiveRecord() store.ArchiveRecord {
	rec := store.ArchiveRecord{
		PatrolID:         m.patrolID,
		StartedAt:        m.startedAt,
		Duration:         m.elapsed,
		ThreatCount:      m.stats.ThreatCount,
		ManualScanCount:  m.stats.ManualScanCount,
		FinalThreatLevel: m.level.String(),
		Evidence:         m.evidence.Items(),
		LogCount:         m.journal.Len(),
	}
	if m.baseline != nil {
		rec.BaselineAnalysis = m.baseline.Analysis
		rec.BaselineSnapshot = m.baseline.Snapshot
	}
	return rec
}

// resetPatrol returns to IDLE, dropping the baseline, journal, evidence
// and devices.
func (m *Machine) resetPatrol() {
	m.closeSession()
	m.releaseMedia()
	m.gen++
	m.transition(StateIdle)
	m.baseline = nil
	m.journal.Reset()
	m.evidence.Reset()
	m.stats = SessionStats{}
	m.level = engine.ThreatSafe
	m.lastNarration = ""
	m.elapsed = 0
	m.summary = nil
	m.patrolID = ""
}

// abortPatrol returns a patrol that never went live to IDLE. The journal
// keeps the failure entry.
func (m *Machine) abortPatrol() {
	m.releaseMedia()
	m.gen++
	m.transition(StateIdle)
	m.baseline = nil
	m.patrolID = ""
}

// settleLevel drops ANALYZING when monitoring ends with a scan still in
// flight; that scan's result is discarded.
func (m *Machine) settleLevel() {
	if m.level == engine.ThreatAnalyzing {
		m.level = m.scanPrev
	}
}

func (m *Machine) closeSession() {
	if m.session == nil {
		return
	}
	m.gen++
	if err := m.session.Close(); err != nil {
		m.logger.Warn("live session close failed", zap.Error(err))
	}
	m.session = nil
	m.liveGen.Store(0)
	m.volume.Store(0)
}

func (m *Machine) releaseMedia() {
	if m.media != nil {
		m.media.Release()
		m.media = nil
	}
}

func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	m.logger.Info("patrol state change",
		zap.String("patrol_id", m.patrolID),
		zap.String("from", m.state.String()),
		zap.String("to", to.String()),
	)
	m.state = to
}

func (m *Machine) invalid(cmd string) error {
	return fmt.Errorf("%s in %s: %w", cmd, m.state, ErrInvalidTransition)
}

// snapshot grabs and encodes one frame. media is read-only here, so it is
// safe off the loop.
func (m *Machine) snapshot(media *device.Media) ([]byte, error) {
	if media == nil || media.Video == nil {
		return nil, device.ErrUnavailable
	}
	img, err := media.Video.CaptureFrame()
	if err != nil {
		return nil, err
	}
	data, _, err := m.encoder.Encode(img)
	return data, err
}

// log appends to the journal and forwards the entry to the event writer.
// Loop only.
func (m *Machine) log(source Source, message string) {
	e := m.journal.Append(source, message)
	m.events.Write(&storage.PatrolEvent{
		EventID:     e.ID,
		PatrolID:    m.patrolID,
		Timestamp:   e.Timestamp,
		Source:      string(e.Source),
		Message:     e.Message,
		State:       m.state.String(),
		ThreatLevel: m.level.String(),
	})
}

func (m *Machine) logf(source Source, format string, args ...any) {
	m.log(source, fmt.Sprintf(format, args...))
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
