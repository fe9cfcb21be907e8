// Package cachesync copies the host dependency cache into the shared volume
// with a one-shot helper container.
package cachesync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/metrics"
)

// ContainerName is the fixed name of the helper container. At most one sync
// runs per host.
const ContainerName = "inga_cache_sync"

const (
	sourcePath = "/src"
	targetPath = "/dst"
)

// Config describes what to copy and with which image.
type Config struct {
	HostDir  string
	Volume   string
	Image    domain.ImageRef
	Platform string
}

// Syncer runs the helper container.
type Syncer struct {
	cfg    Config
	daemon ports.Daemon
	log    *slog.Logger

	mu      sync.Mutex
	percent int
}

func New(cfg Config, daemon ports.Daemon, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{cfg: cfg, daemon: daemon, log: log.With(slog.String("component", "cache-sync"))}
}

// Percent returns the last progress percentage parsed from the helper's output.
func (s *Syncer) Percent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percent
}

// Command returns the copy command run by the helper. Lock files are not copied.
func Command() []string {
	return []string{"rsync", "-a", "--info=progress2", "--exclude=*.lock", sourcePath + "/", targetPath + "/"}
}

// Sync copies the cache and blocks until the helper exits. It is a no-op when
// a helper is already running or when the host cache does not exist. A helper
// left behind without running is removed and replaced.
func (s *Syncer) Sync(ctx context.Context, progress domain.ProgressFunc) error {
	running, err := s.helperRunning(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheSyncFailed, err)
	}
	if running {
		s.log.Info("cache sync already running")
		return nil
	}

	if s.cfg.HostDir == "" {
		s.log.Info("no host cache configured, skipping")
		return nil
	}
	if _, err := os.Stat(s.cfg.HostDir); errors.Is(err, os.ErrNotExist) {
		s.log.Info("host cache not found, skipping", slog.String("dir", s.cfg.HostDir))
		return nil
	}

	if err := s.run(ctx, progress); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheSyncFailed, err)
	}
	return nil
}

func (s *Syncer) helperRunning(ctx context.Context) (bool, error) {
	c, err := s.daemon.FindByName(ctx, ContainerName)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up helper: %w", err)
	}
	if c.Running() {
		return true, nil
	}
	s.log.Warn("removing stale cache sync helper", slog.String("id", c.ID), slog.String("state", string(c.State)))
	if err := s.daemon.RemoveContainer(ctx, c.ID); err != nil {
		return false, fmt.Errorf("removing stale helper: %w", err)
	}
	return false, nil
}

func (s *Syncer) run(ctx context.Context, progress domain.ProgressFunc) error {
	s.mu.Lock()
	s.percent = 0
	s.mu.Unlock()

	if err := s.daemon.CreateVolume(ctx, s.cfg.Volume); err != nil {
		return fmt.Errorf("creating volume %s: %w", s.cfg.Volume, err)
	}
	err := s.daemon.PullImage(ctx, s.cfg.Image, s.cfg.Platform, func(status string) {
		progress.Emit(domain.ProgressEvent{Kind: domain.ProgressPull, Unit: domain.UnitCacheSync, Message: status})
	})
	metrics.ObservePull(s.cfg.Image.Repository, err)
	if err != nil {
		return err
	}

	id, err := s.daemon.CreateContainer(ctx, domain.ServiceSpec{
		FixedName: ContainerName,
		Image:     s.cfg.Image,
		Platform:  s.cfg.Platform,
		Cmd:       Command(),
		Mounts: []domain.Mount{
			{Source: s.cfg.HostDir, Target: sourcePath, ReadOnly: true},
			{Volume: true, Source: s.cfg.Volume, Target: targetPath},
		},
		AutoRemove: true,
	})
	if err != nil {
		// another install started the helper between our check and create
		if c, lerr := s.daemon.FindByName(ctx, ContainerName); lerr == nil && c.Running() {
			s.log.Info("cache sync already running")
			return nil
		}
		return fmt.Errorf("creating helper: %w", err)
	}

	type exit struct {
		code int64
		err  error
	}
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	done := make(chan exit, 1)
	go func() {
		code, err := s.daemon.WaitForExit(waitCtx, id)
		done <- exit{code, err}
	}()

	if err := s.daemon.StartContainer(ctx, id); err != nil {
		cancelWait()
		<-done
		s.discard(id)
		return fmt.Errorf("starting helper: %w", err)
	}
	s.log.Info("syncing dependency cache", slog.String("from", s.cfg.HostDir), slog.String("volume", s.cfg.Volume))

	logs, err := s.daemon.Logs(ctx, id, true)
	if err != nil {
		s.log.Warn("cannot follow helper output", slog.Any("error", err))
	} else {
		s.follow(logs, progress)
		logs.Close()
	}

	res := <-done
	if res.err != nil {
		s.discard(id)
		return fmt.Errorf("waiting for helper: %w", res.err)
	}
	if res.code != 0 {
		return fmt.Errorf("helper exited with code %d", res.code)
	}
	s.setPercent(100, progress)
	return nil
}

// discard removes a helper that will not remove itself. The context of the
// failed sync may already be done.
func (s *Syncer) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.daemon.RemoveContainer(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("removing helper failed", slog.String("id", id), slog.Any("error", err))
	}
}

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// ParsePercent returns the last NN% value in line.
func ParsePercent(line string) (int, bool) {
	m := percentPattern.FindAllStringSubmatch(line, -1)
	if len(m) == 0 {
		return 0, false
	}
	p, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil || p > 100 {
		return 0, false
	}
	return p, true
}

func (s *Syncer) follow(r io.Reader, progress domain.ProgressFunc) {
	sc := bufio.NewScanner(r)
	// rsync rewrites its progress line with carriage returns
	sc.Split(scanLinesOrReturns)
	for sc.Scan() {
		if p, ok := ParsePercent(sc.Text()); ok {
			s.setPercent(p, progress)
		}
	}
}

func (s *Syncer) setPercent(p int, progress domain.ProgressFunc) {
	s.mu.Lock()
	changed := p != s.percent
	s.percent = p
	s.mu.Unlock()
	if !changed {
		return
	}
	metrics.SetCacheSyncPercent(p)
	progress.Emit(domain.ProgressEvent{Kind: domain.ProgressSync, Unit: domain.UnitCacheSync, Percent: p})
}

func scanLinesOrReturns(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
