// Package worker provides the pools that consume claimable tasks. A pool
// blocks on the dispatch queue for wake-ups and drains every claimable task
// when woken; the idle timeout doubles as the fallback poll so tasks whose
// wake-up was lost are still picked up.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TocharianOU/newrag/common"
)

// Notifier is the dispatch queue wake-up side.
type Notifier interface {
	Wait(ctx context.Context, timeout time.Duration) (string, error)
}

// Processor claims and runs one task. It returns false when nothing was
// claimable.
type Processor interface {
	ProcessNext(ctx context.Context, workerID string) (bool, error)
}

// Config configures a pool.
type Config struct {
	Name     string
	Size     int
	IdleWait time.Duration
}

// Pool manages a named set of workers.
type Pool struct {
	name      string
	workers   []*poolWorker
	notifier  Notifier
	processor Processor
	idleWait  time.Duration
	wg        sync.WaitGroup
	log       *common.ContextLogger
}

type poolWorker struct {
	id string
}

// NewPool creates a pool. Worker ids embed the hostname so lease owners are
// identifiable across processes.
func NewPool(notifier Notifier, processor Processor, config Config) *Pool {
	size := config.Size
	if size <= 0 {
		size = 1
	}
	idleWait := config.IdleWait
	if idleWait == 0 {
		idleWait = 5 * time.Second
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()[:8]
	}

	pool := &Pool{
		name:      config.Name,
		notifier:  notifier,
		processor: processor,
		idleWait:  idleWait,
		log:       common.ServiceLogger("worker"),
	}
	for i := 0; i < size; i++ {
		pool.workers = append(pool.workers, &poolWorker{
			id: fmt.Sprintf("%s-%s-%d", config.Name, hostname, i),
		})
	}
	return pool
}

// Start launches all workers. They stop when ctx is cancelled; Wait blocks
// until the last one returns.
func (p *Pool) Start(ctx context.Context) {
	p.log.WithField("pool", p.name).WithField("workers", len(p.workers)).Info("Starting worker pool")
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *poolWorker) {
			defer p.wg.Done()
			p.run(ctx, w)
		}(w)
	}
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.log.WithField("pool", p.name).Info("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, w *poolWorker) {
	log := p.log.WithField("worker", w.id)
	for {
		if ctx.Err() != nil {
			return
		}

		if p.notifier != nil {
			if _, err := p.notifier.Wait(ctx, p.idleWait); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Dispatch wait failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
		}

		// Drain everything claimable before blocking again. The wake-up
		// carries no claim; another worker may win the task.
		for {
			if ctx.Err() != nil {
				return
			}
			claimed, err := p.processor.ProcessNext(ctx, w.id)
			if err != nil {
				log.WithError(err).Error("Task processing error")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				break
			}
			if !claimed {
				break
			}
		}

		if p.notifier == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idleWait):
			}
		}
	}
}
