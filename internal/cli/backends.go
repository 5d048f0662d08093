package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/subprocess"
)

// env holds the stores and sinks a command works against. Close releases
// whatever was opened.
type env struct {
	cfg         Config
	projectDir  string
	logger      *slog.Logger
	checkpoints checkpoint.Store
	sessions    *session.Manager
	events      *events.Emitter
	closers     []io.Closer
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openEnv(ctx context.Context, cfg Config, projectDir string, logger *slog.Logger) (*env, error) {
	e := &env{cfg: cfg, projectDir: projectDir, logger: logger}
	var err error
	if e.checkpoints, err = e.openCheckpoints(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if e.sessions, err = e.openSessions(); err != nil {
		e.Close()
		return nil, err
	}
	sink, err := e.openSinks()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.events = events.NewEmitter(sink, logger)
	e.closers = append(e.closers, e.events)
	return e, nil
}

func (e *env) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	c := e.cfg.Checkpoints
	switch c.Backend {
	case "postgres":
		if c.Postgres == "" {
			return nil, errdefs.Config("checkpoints.postgres_dsn is required for the postgres backend")
		}
		s, err := checkpoint.OpenPostgres(ctx, c.Postgres, checkpoint.PostgresOptions{Retain: c.Retain, Logger: e.logger})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s)
		return s, nil
	case "redis":
		return checkpoint.OpenRedis(c.Redis, checkpoint.RedisOptions{Retain: c.Retain, Logger: e.logger})
	case "badger":
		s, err := checkpoint.OpenBadger(c.Badger, c.Retain, e.logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s)
		return s, nil
	}
	opts := checkpoint.DefaultFileStoreOptions(e.projectDir)
	opts.Retain = c.Retain
	opts.Logger = e.logger
	if checkpoint.StrategyKind(c.Strategy) == checkpoint.StrategyGlobal {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errdefs.WrapConfig(err, "failed to resolve home directory")
		}
		opts.Strategy = checkpoint.GlobalStrategy(home, filepath.Base(e.projectDir))
	}
	return checkpoint.NewFileStore(opts)
}

func (e *env) openSessions() (*session.Manager, error) {
	c := e.cfg.Sessions
	var store session.Store
	if c.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(c.SQLite), 0o755); err != nil {
			return nil, errdefs.Storage("open session database", err)
		}
		s, err := session.OpenSQLite(c.SQLite)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s)
		store = s
	} else {
		s, err := session.NewFileStore(c.Dir)
		if err != nil {
			return nil, err
		}
		store = s
	}
	return session.NewManager(store, session.ManagerOptions{Logger: e.logger}), nil
}

func (e *env) openSinks() (events.Sink, error) {
	var sinks []events.Sink
	for _, name := range e.cfg.Events.Sinks {
		switch name {
		case "jsonl":
			sinks = append(sinks, events.NewFileLogger(e.cfg.Events.Dir))
		case "nats":
			p, err := events.NewNATSPublisher(e.cfg.Events.NATS)
			if err != nil {
				return nil, errdefs.WrapConfig(err, "failed to open nats event sink")
			}
			sinks = append(sinks, p)
		case "redis":
			p, err := events.NewRedisPublisher(e.cfg.Events.Redis)
			if err != nil {
				return nil, errdefs.WrapConfig(err, "failed to open redis event sink")
			}
			sinks = append(sinks, p)
		}
	}
	if len(sinks) == 0 {
		return events.NullSink{}, nil
	}
	return events.NewFanout(sinks...), nil
}

func (e *env) runner() subprocess.Runner {
	a := e.cfg.Assistant
	return subprocess.NewExecRunner(subprocess.ExecOptions{
		Shell:           a.Shell,
		AssistantBinary: a.Binary,
		AssistantArgs:   a.Args,
		LogDir:          a.LogDir,
		Logger:          e.logger,
	})
}
