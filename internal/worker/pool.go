package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/metrics"
	"github.com/andresmejia3/facevec/internal/types"
)

// ErrPoolClosed is returned by Embed once Close has been called.
var ErrPoolClosed = errors.New("engine pool closed")

// Engine is one embedding backend. It serves a single request at a time.
type Engine interface {
	Embed(img *imageio.Image) ([]types.Face, error)
	Close()
}

// SpawnFunc starts engine number id.
type SpawnFunc func(ctx context.Context, id int) (Engine, error)

// PythonSpawner returns a SpawnFunc that launches PythonWorkers with cfg.
func PythonSpawner(cfg Config) SpawnFunc {
	return func(ctx context.Context, id int) (Engine, error) {
		w, err := NewPythonWorker(ctx, id, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

type slot struct {
	id  int
	eng Engine
}

// Pool hands out a fixed set of engines, one request per engine at a time.
type Pool struct {
	spawn  SpawnFunc
	size   int
	idle   chan *slot
	done   chan struct{}
	logger *slog.Logger

	// respawn goroutines run under this context and stop when the pool closes
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	respawns sync.WaitGroup
}

// NewPool starts size engines in parallel. onReady, if set, is called from the
// starting goroutine as each engine finishes loading. If any engine fails, the
// ones already started are closed and the error is returned.
func NewPool(ctx context.Context, size int, spawn SpawnFunc, logger *slog.Logger, onReady func(id int)) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	engines := make([]Engine, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		id := i
		g.Go(func() error {
			eng, err := spawn(gctx, id)
			if err != nil {
				return fmt.Errorf("engine %d failed to start: %w", id, err)
			}
			engines[id] = eng
			if onReady != nil {
				onReady(id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, eng := range engines {
			if eng != nil {
				eng.Close()
			}
		}
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		spawn:  spawn,
		size:   size,
		idle:   make(chan *slot, size),
		done:   make(chan struct{}),
		logger: logger,
		ctx:    pctx,
		cancel: cancel,
	}
	for id, eng := range engines {
		p.idle <- &slot{id: id, eng: eng}
	}
	metrics.EnginesIdle.Set(float64(size))
	return p, nil
}

// Size is the number of engines the pool was started with.
func (p *Pool) Size() int {
	return p.size
}

// Idle is the number of engines currently waiting for work.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Embed waits for an idle engine and runs img through it.
// A crashed engine is replaced in the background and the error is returned to the caller.
func (p *Pool) Embed(ctx context.Context, img *imageio.Image) ([]types.Face, error) {
	var s *slot
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
	metrics.EnginesIdle.Dec()

	faces, err := s.eng.Embed(img)
	if errors.Is(err, ErrEngineCrashed) {
		p.logger.Error("engine crashed, respawning", "engine", s.id, "err", err)
		p.respawn(s.id, s.eng)
		return nil, err
	}

	p.release(s)
	return faces, err
}

// release puts s back into rotation, or closes it if the pool is shutting down.
func (p *Pool) release(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.eng.Close()
		return
	}
	// Never blocks: at most size slots exist
	p.idle <- s
	metrics.EnginesIdle.Inc()
}

// respawn closes dead and starts a replacement, both off the request goroutine.
// Closing a wedged engine can take up to killGrace.
func (p *Pool) respawn(id int, dead Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go dead.Close()
		return
	}

	p.respawns.Add(1)
	go func() {
		defer p.respawns.Done()
		dead.Close()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.Multiplier = 2

		for {
			eng, err := p.spawn(p.ctx, id)
			if err == nil {
				metrics.EngineRespawnsTotal.Inc()
				p.logger.Info("engine respawned", "engine", id)
				p.release(&slot{id: id, eng: eng})
				return
			}

			delay := bo.NextBackOff()
			p.logger.Error("engine respawn failed, retrying", "engine", id, "err", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Close stops all engines. Engines busy with a request are closed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.cancel()
	p.mu.Unlock()

	p.respawns.Wait()
	for {
		select {
		case s := <-p.idle:
			s.eng.Close()
		default:
			metrics.EnginesIdle.Set(0)
			return
		}
	}
}
