// Package sweep runs the optional background hygiene jobs: demoting stale
// searching rows and releasing users stuck in_call on a dead session.
// Correctness never depends on these sweeps; the candidate query's freshness
// windows already ignore stale state lazily.
package sweep

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"vidmatch-backend/internal/config"
)

const (
	taskSweepSearching = "video:sweep_searching"
	taskSweepCalls     = "video:sweep_calls"
)

// Store is the slice of the storage layer the sweeps need.
type Store interface {
	DemoteStaleSearching(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseStaleCalls(ctx context.Context, cutoff time.Time) (int64, error)
}

type Processor struct {
	store  Store
	cfg    config.SweepConfig
	server *asynq.Server
	addr   string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewProcessor(store Store, redisURL string, cfg config.SweepConfig) *Processor {
	addr := parseRedisAddr(redisURL)

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: addr},
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				"cleanup": 1,
			},
		},
	)

	return &Processor{
		store:  store,
		cfg:    cfg,
		server: server,
		addr:   addr,
	}
}

func (p *Processor) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskSweepSearching, p.handleSweepSearching)
	mux.HandleFunc(taskSweepCalls, p.handleSweepCalls)

	go func() {
		if err := p.server.Run(mux); err != nil {
			log.Printf("Asynq server error: %v", err)
		}
	}()

	// The enqueue loop runs on its own cancelable context so Stop can end
	// it even when the parent context is never canceled.
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.startPeriodicSweep(ctx)
	}()

	log.Println("Sweep processor started")
	return nil
}

// Stop ends the periodic enqueue loop, waits for it to drain and shuts the
// asynq server down.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.server.Shutdown()
}

func (p *Processor) handleSweepSearching(ctx context.Context, task *asynq.Task) error {
	cutoff := time.Now().Add(-p.cfg.StaleSearchingAfter)

	demoted, err := p.store.DemoteStaleSearching(ctx, cutoff)
	if err != nil {
		log.Printf("[SWEEP] error demoting stale searching rows: %v", err)
		return err
	}
	if demoted > 0 {
		log.Printf("[SWEEP] demoted %d stale searching users to idle", demoted)
	}
	return nil
}

func (p *Processor) handleSweepCalls(ctx context.Context, task *asynq.Task) error {
	cutoff := time.Now().Add(-p.cfg.MaxCallAge)

	released, err := p.store.ReleaseStaleCalls(ctx, cutoff)
	if err != nil {
		log.Printf("[SWEEP] error releasing stale calls: %v", err)
		return err
	}
	if released > 0 {
		log.Printf("[SWEEP] released %d users from dead calls", released)
	}
	return nil
}

func (p *Processor) startPeriodicSweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: p.addr})
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{taskSweepSearching, taskSweepCalls} {
				task := asynq.NewTask(name, nil)
				if _, err := client.Enqueue(task, asynq.Queue("cleanup")); err != nil {
					log.Printf("Error enqueueing %s task: %v", name, err)
				}
			}
		}
	}
}

func parseRedisAddr(redisURL string) string {
	if redisURL == "" {
		return "localhost:6379"
	}

	addr := strings.TrimPrefix(redisURL, "redis://")
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		addr = addr[at+1:]
	}
	if addr == "" {
		return "localhost:6379"
	}
	return addr
}
