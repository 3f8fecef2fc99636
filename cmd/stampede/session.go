package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/coordinator"
	"github.com/msageha/stampede/internal/events"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/lock"
	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/model"
)

// buildSession is a running coordinator plus everything it owns: the
// session lock, the status watcher and the event pipeline.
type buildSession struct {
	id      string
	store   *buildstatus.Store
	coord   *coordinator.Coordinator
	lock    *lock.FileLock
	watcher *buildstatus.Watcher
	bus     *events.Bus
	audit   *events.AuditLogger
	logger  *logging.Logger
}

// openSession locks the session, wires the status watcher and the audit log
// to a new coordinator for g and starts it. The caller must close the
// returned session.
func (a *app) openSession(sessionID string, g *graph.Graph, cfg model.CoordinatorConfig) (_ *buildSession, err error) {
	s := &buildSession{
		id:     sessionID,
		store:  buildstatus.NewStore(a.project.Config.Status.Dir),
		logger: a.logger.With("session"),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if _, err := s.store.Get(sessionID); err == nil {
		return nil, fmt.Errorf("session %s already has a final status", sessionID)
	} else if !errors.Is(err, buildstatus.ErrNotFound) {
		return nil, err
	}

	s.watcher, err = buildstatus.NewWatcher(s.store, sessionID, a.logger.With("watcher"))
	if err != nil {
		return nil, err
	}
	s.lock = lock.NewFileLock(s.store.LockPath(sessionID))
	if err := s.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("session %s is already being served: %w", sessionID, err)
	}

	audit := a.project.Config.Audit
	s.bus = events.NewBus(audit.BufferSize)
	if audit.Path != "" {
		s.audit, err = events.NewAuditLogger(audit.Path, int64(audit.MaxSizeMB)<<20)
		if err != nil {
			return nil, err
		}
		s.audit.Attach(s.bus, func(err error) {
			s.logger.Log(logging.LevelWarn, "audit log: %v", err)
		})
	}

	s.coord, err = coordinator.New(coordinator.Options{
		SessionID: sessionID,
		Graph:     g,
		Config:    cfg,
		Checker:   s.watcher,
		Bus:       s.bus,
		Logger:    a.logger.With("coordinator"),
	})
	if err != nil {
		return nil, err
	}
	if err := s.coord.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// wait blocks until the build is finished and returns its exit code. The
// code comes from the coordinator when it decided the outcome itself, and
// from the recorded status when another process finished the session.
func (s *buildSession) wait(ctx context.Context) (int, error) {
	select {
	case <-s.coord.Done():
	case <-s.watcher.Done():
		// Let the coordinator observe the status too, so that it stops
		// handing out work and publishes the finish.
		_, _ = s.coord.IsBuildFinished(s.id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if code, ok := s.coord.ExitCode(); ok {
		return code, nil
	}
	if st, ok := s.watcher.Status(); ok {
		return st.ExitCode, nil
	}
	st, err := s.store.Get(s.id)
	if err != nil {
		return 0, fmt.Errorf("build finished without a recorded status: %w", err)
	}
	return st.ExitCode, nil
}

// record writes the final status unless another process already did.
func (s *buildSession) record(code int, source string) error {
	_, err := s.store.Put(s.id, code, source)
	if errors.Is(err, buildstatus.ErrAlreadyFinal) {
		s.logger.Log(logging.LevelDebug, "session=%s status already recorded", s.id)
		return nil
	}
	return err
}

// linger keeps the endpoint up for d so polling minions can learn that the
// build is over.
func (s *buildSession) linger(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// close tears everything down in reverse order. Safe on a partially opened
// session.
func (s *buildSession) close() {
	if s.coord != nil {
		if err := s.coord.Close(); err != nil {
			s.logger.Log(logging.LevelWarn, "close coordinator: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.Close()
		if n := s.bus.Dropped(); n > 0 {
			s.logger.Log(logging.LevelWarn, "session=%s dropped %d events, raise audit.buffer_size", s.id, n)
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Log(logging.LevelWarn, "close audit log: %v", err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Log(logging.LevelWarn, "release session lock: %v", err)
		}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// newSessionID returns id, or a fresh one when id is empty.
func newSessionID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return model.GenerateID(model.IDTypeSession)
}
