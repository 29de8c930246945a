// Package cycle implements the update-cycle state machine: the
// long-running loop that interleaves online polling, offline
// (removable-media) updates, command-queue dispatch, pause/abort, and
// reboot-gated completion, and the single-attempt fetch→verify→
// download→install→report pipeline that each transition into
// CheckingForUpdates/CheckingForUpdatesOffline drives.
//
// Uses a fixed-cadence ticker loop on the cycle thread and the
// cmdqueue worker for the cycle-thread/worker-thread split, structured as
// an explicit state machine over an owned struct rather than a fixed
// task graph.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ota-uptane/client-core/internal/fsstore"
	"github.com/ota-uptane/client-core/internal/lockfile"
	"github.com/ota-uptane/client-core/internal/scopedguard"
	"github.com/ota-uptane/client-core/pkg/cmdqueue"
	"github.com/ota-uptane/client-core/pkg/metrics"
	"github.com/ota-uptane/client-core/pkg/pkgmanager"
	"github.com/ota-uptane/client-core/pkg/secondary"
	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/errs"
	"github.com/ota-uptane/client-core/pkg/uptane/verify"
)

const (
	tickCadence        = 1 * time.Second
	offlinePollPeriod  = 1 * time.Second
	spinGuardWindow    = 10 * time.Second
	spinGuardMaxEvents = 100
	spinGuardCooldown  = 10 * time.Second
)

// Config carries the fixed parameters of one Cycle.
type Config struct {
	PrimaryECUSerial string
	LockFilePath     string
	PollingInterval  time.Duration
	OfflineEnabled   bool
	Once             bool
	StagingDir       string
}

// fsStager writes downloaded content where the configured
// PackageManager backend expects to find it (e.g. imagefile's
// staged/<name> convention).
type fsStager struct{ dir string }

func (s fsStager) stage(target uptane.Target, data []byte) error {
	return fsstore.WriteFileAtomic(filepath.Join(s.dir, target.Name), data, 0o644)
}

// Cycle drives the state machine. All mutable fields are touched only
// from the cycle thread (Run's goroutine); external callers interact
// solely through Pause/Resume/Abort/Stop and the CommandQueue they
// indirectly exercise.
type Cycle struct {
	cfg Config
	log *slog.Logger
	met *metrics.Cycle

	queue *cmdqueue.Queue

	online  Fetcher
	offline OfflineSource

	directorVerifier *verify.Verifier
	imageVerifier    *verify.Verifier

	pm          pkgmanager.PackageManager
	secondaries map[string]secondary.Transport

	state               State
	offlinePresenceSeen bool
	nextOnlinePoll      time.Time
	nextOfflinePoll     time.Time
	hadOnlineRoundTrip  bool

	transitionTimes []time.Time
	pendingAttempt  attemptState

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Cycle. directorTrust/imageTrust are the provisioned
// trust anchors; online is required, offline may be nil if offline
// updates are not wired up.
func New(cfg Config, log *slog.Logger, met *metrics.Cycle, queue *cmdqueue.Queue, online Fetcher, offline OfflineSource, directorTrust, imageTrust *verify.TrustRoot, pm pkgmanager.PackageManager, secondaries map[string]secondary.Transport) *Cycle {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 10 * time.Minute
	}
	return &Cycle{
		cfg:              cfg,
		log:              log,
		met:              met,
		queue:            queue,
		online:           online,
		offline:          offline,
		directorVerifier: verify.New(directorTrust),
		imageVerifier:    verify.New(imageTrust),
		pm:               pm,
		secondaries:      secondaries,
		state:            StateUnprovisioned,
		stopCh:           make(chan struct{}),
	}
}

// Pause stops dequeueing from the CommandQueue; the in-flight
// operation is not cancelled.
func (c *Cycle) Pause() error { return c.queue.Pause() }

// Resume releases a Pause.
func (c *Cycle) Resume() { c.queue.Resume() }

// Abort signals the cancellation token observed by long-running
// operations and preempts online work in favor of offline detection.
func (c *Cycle) Abort() { c.queue.Abort() }

// Stop halts the drive loop after the current tick.
func (c *Cycle) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run drives the state machine until ctx is cancelled, Stop is called,
// or (in once mode) the cycle reaches Idle after a round-trip.
func (c *Cycle) Run(ctx context.Context) (Result, error) {
	guard := scopedguard.New(func() {
		c.log.Info("cycle loop exiting", "state", c.state)
	})
	defer guard.Close()

	ticker := time.NewTicker(tickCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ResultCancelled, ctx.Err()
		case <-c.stopCh:
			return ResultCancelled, nil
		case <-ticker.C:
		}

		if c.spinGuardTripped() {
			c.log.Warn("spin guard engaged, cooling down", "window", spinGuardWindow, "cooldown", spinGuardCooldown)
			time.Sleep(spinGuardCooldown)
			c.transitionTimes = nil
		}

		if c.offlineProbeDue() {
			triggered, err := c.pollOffline(ctx)
			if err != nil {
				c.log.Error("offline probe failed", "error", err)
			}
			if triggered {
				continue
			}
		}

		stepState, stepStart := c.state, time.Now()
		result, done, err := c.step(ctx)
		if c.met != nil {
			c.met.RecordPhaseDuration(ctx, string(stepState), time.Since(stepStart))
		}
		if err != nil {
			c.log.Error("cycle step failed", "state", c.state, "error", err)
		}
		if done {
			return result, err
		}
	}
}

func (c *Cycle) recordTransition(next State) {
	c.log.Info("cycle transition", "from", c.state, "to", next)
	c.transitionTimes = append(c.transitionTimes, time.Now())
	c.state = next
	if c.met != nil {
		c.met.RecordTransition(context.Background(), string(next))
	}
}

func (c *Cycle) spinGuardTripped() bool {
	if len(c.transitionTimes) < spinGuardMaxEvents {
		return false
	}
	cutoff := time.Now().Add(-spinGuardWindow)
	recent := 0
	for _, t := range c.transitionTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	return recent >= spinGuardMaxEvents
}

func (c *Cycle) offlineProbeDue() bool {
	if !c.cfg.OfflineEnabled || c.offline == nil {
		return false
	}
	if !onlineStates[c.state] {
		return false
	}
	return c.nextOfflinePoll.IsZero() || !time.Now().Before(c.nextOfflinePoll)
}

// pollOffline checks the removable-media mount point for the
// absence→presence edge trigger and, on the edge, preempts any
// in-flight online operation.
func (c *Cycle) pollOffline(ctx context.Context) (triggered bool, err error) {
	c.nextOfflinePoll = time.Now().Add(offlinePollPeriod)

	present, err := c.offline.Present(ctx)
	if err != nil {
		return false, err
	}

	edge := present && !c.offlinePresenceSeen
	c.offlinePresenceSeen = present
	if !edge {
		return false, nil
	}

	c.queue.Abort()
	c.recordTransition(StateCheckingForUpdatesOffline)
	return true, nil
}

// step drives exactly one transition of the current state and reports
// whether the cycle is now finished (once-mode NoUpdates, or a
// terminal state).
func (c *Cycle) step(ctx context.Context) (Result, bool, error) {
	switch c.state {
	case StateUnprovisioned:
		return c.doProvision(ctx)
	case StateSendingDeviceData:
		c.recordTransition(StateIdle)
		return "", false, nil
	case StateIdle:
		return c.doIdle(ctx)
	case StateSendingManifest:
		c.recordTransition(StateIdle)
		return "", false, nil
	case StateCheckingForUpdates:
		return c.doCheckForUpdates(ctx)
	case StateDownloading:
		return c.doDownload(ctx, c.online, StateInstalling)
	case StateInstalling:
		return c.doInstall(ctx, false)
	case StateCheckingForUpdatesOffline:
		return c.doCheckForUpdatesOffline(ctx)
	case StateFetchingImagesOffline:
		return c.doDownload(ctx, c.offline, StateInstallingOffline)
	case StateInstallingOffline:
		return c.doInstall(ctx, true)
	case StateAwaitReboot:
		return ResultRebootRequired, true, nil
	default:
		return "", false, fmt.Errorf("%w: unknown state %q", errs.ErrInternal, c.state)
	}
}

func (c *Cycle) doProvision(ctx context.Context) (Result, bool, error) {
	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.online.ReportManifest(ctx, manifestFor("", uptane.Unknown, ResultNoUpdates, "initial provisioning"))
	})
	if err != nil {
		c.log.Warn("device data report failed, retrying next tick", "error", err)
		return "", false, nil
	}
	c.recordTransition(StateSendingDeviceData)
	return "", false, nil
}

func (c *Cycle) doIdle(ctx context.Context) (Result, bool, error) {
	if c.cfg.Once && c.hadOnlineRoundTrip {
		return ResultNoUpdates, true, nil
	}
	if c.nextOnlinePoll.IsZero() || !time.Now().Before(c.nextOnlinePoll) {
		c.recordTransition(StateCheckingForUpdates)
	}
	return "", false, nil
}

func (c *Cycle) doCheckForUpdates(ctx context.Context) (Result, bool, error) {
	c.nextOnlinePoll = time.Now().Add(c.cfg.PollingInterval)
	c.hadOnlineRoundTrip = true
	if c.met != nil {
		c.met.RecordAttempt(ctx)
	}

	assignments, chain, chkErr := c.checkForUpdates(ctx, c.online)
	if chkErr != nil {
		c.log.Error("check for updates failed", "error", chkErr)
		c.recordTransition(StateSendingManifest)
		return "", false, nil
	}
	if len(assignments) == 0 {
		c.recordTransition(StateIdle)
		return "", false, nil
	}

	c.pendingAttempt = attemptState{assignments: assignments, chain: chain}
	c.recordTransition(StateDownloading)
	return "", false, nil
}

func (c *Cycle) doCheckForUpdatesOffline(ctx context.Context) (Result, bool, error) {
	assignments, chain, chkErr := c.checkForUpdates(ctx, c.offline)
	if chkErr != nil {
		c.log.Error("offline check for updates failed", "error", chkErr)
		c.recordTransition(StateUnprovisioned)
		return "", false, nil
	}
	if len(assignments) == 0 {
		c.recordTransition(StateUnprovisioned)
		return "", false, nil
	}
	c.pendingAttempt = attemptState{assignments: assignments, chain: chain}
	c.recordTransition(StateFetchingImagesOffline)
	return "", false, nil
}

// attemptState threads the work resolved by checkForUpdates (in the
// CheckingForUpdates/CheckingForUpdatesOffline state) through
// Downloading/FetchingImagesOffline and into Installing/
// InstallingOffline.
type attemptState struct {
	assignments   []assignment
	chain         secondary.TrustChain
	downloaded    map[string][]byte
	correlationID string
}

func (c *Cycle) checkForUpdates(ctx context.Context, f Fetcher) ([]assignment, secondary.TrustChain, error) {
	var assignments []assignment
	var chain secondary.TrustChain

	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		dir, err := verifyRepo(ctx, f, uptane.RepoDirector, c.directorVerifier)
		if err != nil {
			return nil, err
		}
		img, err := verifyRepo(ctx, f, uptane.RepoImage, c.imageVerifier)
		if err != nil {
			return nil, err
		}

		for _, a := range resolveAssignments(dir) {
			if err := verifyTargetMatchesImage(a, img); err != nil {
				return nil, err
			}
			assignments = append(assignments, a)
		}

		chain = secondary.TrustChain{}
		return nil, nil
	})
	return assignments, chain, err
}

// doDownload fetches and hash-verifies every assigned target's
// content, then advances to installState (Installing or
// InstallingOffline). Download failures are reported the same as
// install failures.
func (c *Cycle) doDownload(ctx context.Context, f Fetcher, installState State) (Result, bool, error) {
	attempt := c.pendingAttempt
	downloaded := make(map[string][]byte, len(attempt.assignments))
	correlationID := attempt.correlationID

	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		for _, a := range attempt.assignments {
			data, err := downloadAndVerify(ctx, f, a.target)
			if err != nil {
				return nil, err
			}
			downloaded[a.target.Name] = data
			if a.target.Custom != nil && a.target.Custom.CorrelationID != "" {
				correlationID = a.target.Custom.CorrelationID
			}
		}
		return nil, nil
	})
	if err != nil {
		c.reportAttemptFailure(ctx, correlationID, err, installState == StateInstallingOffline)
		return "", false, nil
	}

	attempt.downloaded = downloaded
	attempt.correlationID = correlationID
	c.pendingAttempt = attempt
	c.recordTransition(installState)
	return "", false, nil
}

// doInstall gates on the advisory update lock, then installs every
// downloaded assignment to its primary or secondary destination.
func (c *Cycle) doInstall(ctx context.Context, offline bool) (Result, bool, error) {
	attempt := c.pendingAttempt

	lock, err := lockfile.TryAcquire(c.cfg.LockFilePath)
	if err != nil {
		c.log.Warn("install lock held by another process, skipping attempt", "error", err)
		if offline {
			c.recordTransition(StateUnprovisioned)
		} else {
			c.recordTransition(StateIdle)
		}
		return "", false, nil
	}
	guard := scopedguard.New(func() { lock.Release() })
	defer guard.Close()

	stagingDir := c.cfg.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "uptane-staging")
	}
	stager := fsStager{dir: stagingDir}

	needsCompletion := false
	_, err = c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		for _, a := range attempt.assignments {
			data, ok := attempt.downloaded[a.target.Name]
			if !ok {
				return nil, fmt.Errorf("%w: no downloaded content staged for %s", errs.ErrInternal, a.target.Name)
			}
			nc, err := installAssignment(ctx, a, data, c.cfg.PrimaryECUSerial, c.pm, c.secondaries, attempt.chain, stager)
			if err != nil {
				return nil, err
			}
			if nc {
				needsCompletion = true
			}
		}
		return nil, nil
	})
	if err != nil {
		c.reportAttemptFailure(ctx, attempt.correlationID, err, offline)
		return "", false, nil
	}

	if needsCompletion {
		c.recordTransition(StateAwaitReboot)
		return "", false, nil
	}
	if offline {
		c.recordTransition(StateUnprovisioned)
		return "", false, nil
	}
	c.recordTransition(StateSendingManifest)
	return "", false, nil
}

func (c *Cycle) reportAttemptFailure(ctx context.Context, correlationID string, err error, offline bool) {
	current, _ := c.pm.GetCurrent(ctx)
	if !offline {
		_ = c.online.ReportManifest(ctx, manifestFor(correlationID, current, ResultUpdateFailed, err.Error()))
	}
	if c.met != nil {
		c.met.RecordFailure(ctx, string(classify(err)))
	}
	if offline {
		c.recordTransition(StateUnprovisioned)
	} else {
		c.recordTransition(StateSendingManifest)
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, errs.ErrNetwork):
		return errs.ErrNetwork
	case errors.Is(err, errs.ErrIntegrity):
		return errs.ErrIntegrity
	case errors.Is(err, errs.ErrBackendInstall):
		return errs.ErrBackendInstall
	default:
		return errs.ErrInternal
	}
}

// submit hands work to the CommandQueue and blocks for its result,
// keeping the drive loop itself free of network I/O.
func (c *Cycle) submit(ctx context.Context, task cmdqueue.Task) (interface{}, error) {
	f, err := c.queue.Enqueue(task)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}
