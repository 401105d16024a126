// Package app assembles the indexer and its collaborators from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"internline/internal/cache"
	"internline/internal/codec"
	"internline/internal/config"
	"internline/internal/domain"
	"internline/internal/events"
	"internline/internal/idgen"
	"internline/internal/indexer"
	"internline/internal/logging"
	"internline/internal/metrics"
	"internline/internal/quota"
	"internline/internal/store/dynamo"
	"internline/internal/store/memory"
	"internline/internal/store/pebble"
	"internline/internal/store/postgres"
	redisstore "internline/internal/store/redis"
	"internline/internal/store/sqlite"
)

// SequenceName names the counter id blocks are reserved from.
const SequenceName = "string_index"

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Service holds the wired components. Strings is the entry point for
// callers; it is Indexer, optionally behind a cache.
type Service struct {
	Config   *config.Config
	Logger   *slog.Logger
	Backend  indexer.Backend
	Indexer  *indexer.Indexer
	Strings  indexer.StringIndexer
	Bus      *events.Bus
	Quota    *quota.Calculator
	Enforcer *quota.Enforcer

	redis   *goredis.Client
	closers []func() error
}

func (s *Service) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open builds a Service. On error everything acquired so far is released.
func Open(ctx context.Context, cfg *config.Config, opts Options) (svc *Service, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	}
	svc = &Service{Config: cfg, Logger: logger, Bus: &events.Bus{Logger: logger}}
	defer func() {
		if err != nil {
			_ = svc.Close()
			svc = nil
		}
	}()

	if svc.Backend, err = svc.openBackend(ctx, opts.Workspace); err != nil {
		return nil, err
	}
	seq, err := svc.openSequence(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := idgen.New(uint8(cfg.IDs.Version), seq)
	if err != nil {
		return nil, err
	}
	kc, err := codec.ByName(cfg.CodecName())
	if err != nil {
		return nil, err
	}

	ix := indexer.New(svc.Backend, gen, kc)
	ix.Policy = indexer.Policy{MaxStringLength: cfg.Policy.MaxStringLength, UseCases: cfg.UseCases()}
	ix.Workers = cfg.Policy.Workers
	ix.Logger = logger
	ix.Events = svc.Bus
	if opts.Registerer != nil {
		ix.Metrics = metrics.New(opts.Registerer)
	}
	svc.Indexer = ix
	svc.Strings = ix

	var store cache.Store
	switch cfg.Cache.Kind {
	case config.CacheLRU:
		store = cache.NewLRU(cfg.Cache.Size, cfg.Cache.TTL)
	case config.CacheRedis:
		client, err := svc.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		store = cache.Redis{Client: client, Prefix: "internline:"}
	}
	if store != nil {
		ci := cache.NewCachingIndexer(ix, store, cfg.Cache.TTL)
		ci.Logger = logger
		svc.Strings = ci
	}

	if _, ok := svc.Backend.(indexer.Counter); ok {
		// The expirable LRU has one TTL for every entry, so quota counts get their own.
		qstore := store
		if _, lru := store.(*cache.LRU); lru || store == nil {
			qstore = cache.NewLRU(0, cfg.Quota.TTL)
		}
		calc := quota.NewCalculator(ix, qstore)
		calc.PerStringAllowance = cfg.Quota.PerStringAllowance
		calc.Minimum = cfg.Quota.Minimum
		calc.TTL = cfg.Quota.TTL
		calc.Window = cfg.Quota.Window
		calc.Logger = logger
		svc.Quota = calc
		svc.Bus.Subscribe(calc.Listener())
		if cfg.Quota.Enabled {
			svc.Enforcer = quota.NewEnforcer(calc)
		}
	} else if cfg.Quota.Enabled {
		return nil, fmt.Errorf("quota needs a backend that counts strings; %s does not", svc.Backend.Name())
	}

	logger.Debug("service ready", "backend", svc.Backend.Name(), "codec", cfg.CodecName(), "sequence", cfg.IDs.Sequence, "cache", cfg.Cache.Kind)
	return svc, nil
}

func resolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

func (s *Service) openBackend(ctx context.Context, workspace string) (indexer.Backend, error) {
	sc := s.Config.Storage
	switch sc.Backend {
	case config.BackendMemory:
		return memory.New(0), nil
	case config.BackendSQLite:
		conn, err := sqlite.Open(sqlite.Config{Workspace: workspace, Path: resolvePath(workspace, sc.Path)})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s.onClose(conn.Close)
		if _, err := sqlite.Migrate(ctx, conn); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return sqlite.Store{DB: conn}, nil
	case config.BackendPostgres:
		pool, err := postgres.Open(ctx, sc.DSN, postgres.PoolConfig{MaxConns: sc.MaxConns})
		if err != nil {
			return nil, err
		}
		s.onClose(func() error { pool.Close(); return nil })
		return postgres.Store{Pool: pool}, nil
	case config.BackendPebble:
		st, err := pebble.Open(resolvePath(workspace, sc.Path))
		if err != nil {
			return nil, err
		}
		s.onClose(st.Close)
		return st, nil
	case config.BackendDynamoDB:
		client, err := dynamo.NewClient(ctx, sc.Region, sc.Endpoint)
		if err != nil {
			return nil, err
		}
		st := dynamo.New(client, sc.Table)
		st.Logger = s.Logger
		return st, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (s *Service) openSequence(ctx context.Context) (idgen.Sequence, error) {
	ic := s.Config.IDs
	switch ic.Sequence {
	case config.SequenceMemory:
		return idgen.NewAtomicSequence(0), nil
	case config.SequenceBackend:
		r, ok := s.Backend.(idgen.Reserver)
		if !ok {
			return nil, fmt.Errorf("backend %s cannot reserve id blocks", s.Backend.Name())
		}
		return idgen.NewBlockSequence(r, SequenceName, ic.BlockSize), nil
	case config.SequenceRedis:
		client, err := s.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return idgen.NewBlockSequence(redisstore.Reserver{Client: client}, SequenceName, ic.BlockSize), nil
	}
	return nil, fmt.Errorf("unknown id sequence %q", ic.Sequence)
}

func (s *Service) redisClient(ctx context.Context) (*goredis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	rc := s.Config.Redis
	client, err := redisstore.Dial(ctx, redisstore.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err != nil {
		return nil, err
	}
	s.redis = client
	s.onClose(client.Close)
	return client, nil
}

// Count returns how many strings org has interned under uc.
func (s *Service) Count(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	return s.Indexer.Count(ctx, uc, orgID)
}

// Migrate applies schema migrations for backends that have them and returns
// the resulting version.
func Migrate(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (uint, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		conn, err := sqlite.Open(sqlite.Config{Workspace: workspace, Path: resolvePath(workspace, cfg.Storage.Path)})
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		v, err := sqlite.Migrate(ctx, conn)
		return uint(v), err
	case config.BackendPostgres:
		m, err := postgres.NewMigrator(cfg.Storage.DSN, logger)
		if err != nil {
			return 0, err
		}
		defer m.Close()
		return m.Up()
	}
	return 0, fmt.Errorf("storage backend %s has no migrations", cfg.Storage.Backend)
}
