package rollout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// Scheduler держит по одному контрольному циклу на активный релиз.
// Состояние живёт в Store, поэтому после рестарта циклы продолжаются
// с последнего записанного (status, stage).
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	mu    sync.Mutex
	ctx   context.Context
	loops map[string]chan struct{}
	wg    sync.WaitGroup
}

func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	s := &Scheduler{engine: engine, interval: interval, loops: make(map[string]chan struct{})}
	engine.OnChange = s.Notify
	return s
}

// Run блокируется до отмены ctx и дожидается остановки всех циклов.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	log := logs.With("scheduler")
	if err := s.engine.Recover(ctx); err != nil {
		log.WithError(err).Error("recover rolled back releases")
	}
	s.sync(ctx)
	log.WithField("interval", s.interval).Info("rollout scheduler started")

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info("rollout scheduler stopped")
			return nil
		case <-t.C:
			s.sync(ctx)
		}
	}
}

// Notify будит цикл релиза (или заводит его, если релиз новый).
func (s *Scheduler) Notify(id string) {
	s.mu.Lock()
	ch, ok := s.loops[id]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		if ctx != nil && ctx.Err() == nil {
			s.ensure(ctx, id)
		}
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Active — релизы с запущенным циклом.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) sync(ctx context.Context) {
	rs, err := s.engine.store.ListByStatus(ctx, models.StatusPending, models.StatusInProgress)
	if err != nil {
		logs.With("scheduler").WithError(err).Error("list active releases")
		return
	}
	for _, r := range rs {
		s.ensure(ctx, r.ID)
	}
}

func (s *Scheduler) ensure(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[id]; ok {
		return
	}
	wake := make(chan struct{}, 1)
	s.loops[id] = wake
	s.wg.Add(1)
	go s.loop(ctx, id, wake)
}

func (s *Scheduler) loop(ctx context.Context, id string, wake chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.loops[id] == wake {
			delete(s.loops, id)
		}
		s.mu.Unlock()
	}()

	log := logs.With("scheduler").WithField("release", id)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		r, err := s.engine.Step(ctx, id)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errs.CodeOf(err) == errs.CodeEmptyFleet:
			log.WithError(err).Debug("release waiting for devices")
		case errs.CodeOf(err) == errs.CodeNotFound && r == nil:
			log.WithError(err).Warn("release disappeared, stopping loop")
			return
		default:
			log.WithError(err).Warn("rollout step failed")
		}
		if r != nil && !r.Active() && err == nil {
			log.WithFields(logrus.Fields{"status": r.Status, "stage": r.Stage}).Debug("release loop finished")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-wake:
		}
	}
}
