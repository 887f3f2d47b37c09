package rollout

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/fleet"
	"aura/internal/health"
	"aura/internal/logs"
	"aura/internal/models"
)

type Selector interface {
	Partition(ctx context.Context, fleetTag, releaseID string) (fleet.Cohorts, error)
}

type Artifacts interface {
	Verify(ctx context.Context, id string) (*models.Firmware, error)
	Describe(ctx context.Context, id string) (*models.Firmware, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, req health.Request) (health.Verdict, error)
}

type Delivery interface {
	Install(ctx context.Context, deviceID, releaseID string, fw *models.Firmware, previousFirmwareID string) error
	Revert(ctx context.Context, deviceID, releaseID string, previous *models.Firmware) error
}

type Devices interface {
	InstalledFirmware(ctx context.Context, ids []string) (map[string]string, error)
}

type Deps struct {
	Store     Store
	Selector  Selector
	Artifacts Artifacts
	Evaluator Evaluator
	Delivery  Delivery
	Devices   Devices
}

// Engine исполняет переходы релизов. Все переходы одного релиза идут под
// его мьютексом; разные релизы независимы.
type Engine struct {
	store     Store
	selector  Selector
	artifacts Artifacts
	evaluator Evaluator
	delivery  Delivery
	devices   Devices
	window    time.Duration

	Now func() time.Time
	// OnChange — релиз изменился вне цикла (создан, ручная команда).
	OnChange func(releaseID string)

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]context.CancelFunc
	aborting map[string]bool
}

func NewEngine(d Deps, window time.Duration) *Engine {
	return &Engine{
		store:     d.Store,
		selector:  d.Selector,
		artifacts: d.Artifacts,
		evaluator: d.Evaluator,
		delivery:  d.Delivery,
		devices:   d.Devices,
		window:    window,
		Now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		inflight:  make(map[string]context.CancelFunc),
		aborting:  make(map[string]bool),
	}
}

// run — состояние одного шага: релиз, его история и лог.
type run struct {
	e      *Engine
	r      *models.Release
	events []models.ReleaseEvent
	h      *history
	log    *logrus.Entry
}

func (e *Engine) load(ctx context.Context, id string) (*run, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return &run{
		e:      e,
		r:      r,
		events: events,
		h:      replay(events),
		log:    logs.With("rollout").WithField("release", id),
	}, nil
}

func newEvent(typ string, stage models.Stage, p any) models.ReleaseEvent {
	return models.ReleaseEvent{Type: typ, Stage: stage, Payload: payload(p)}
}

// commit сохраняет релиз вместе с новыми событиями. Отмена шага (abort)
// не должна оборвать запись, поэтому контекст без отмены.
func (x *run) commit(ctx context.Context, evs ...models.ReleaseEvent) error {
	now := x.e.Now().UTC()
	for i := range evs {
		evs[i].ReleaseID = x.r.ID
		evs[i].Status = x.r.Status
		evs[i].CreatedAt = now
	}
	all := append(append([]models.ReleaseEvent(nil), x.events...), evs...)
	x.r.Progress = progressJSON(all)
	x.r.UpdatedAt = now
	if err := x.e.store.Save(context.WithoutCancel(ctx), x.r, evs...); err != nil {
		return err
	}
	x.events = all
	x.h = replay(all)
	return nil
}

func (e *Engine) lock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Step — одна итерация контрольного цикла релиза.
func (e *Engine) Step(ctx context.Context, id string) (*models.Release, error) {
	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[id] = cancel
	if e.aborting[id] {
		cancel()
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
		cancel()
	}()

	x, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch x.r.Status {
	case models.StatusPending:
		err = e.start(ctx, x)
	case models.StatusInProgress:
		err = e.observe(ctx, x)
	case models.StatusRolledBack:
		if !x.h.reverted {
			err = e.revert(ctx, x)
		}
	}
	return x.r, err
}

// start: прошивка проверена и во флите есть устройства — иначе релиз
// остаётся pending, причина пишется в историю.
func (e *Engine) start(ctx context.Context, x *run) error {
	fw, err := e.artifacts.Verify(ctx, x.r.FirmwareID)
	if err != nil {
		return e.block(ctx, x, err)
	}
	cohorts, err := e.selector.Partition(ctx, x.r.TargetFleet, x.r.ID)
	if err != nil {
		return e.block(ctx, x, err)
	}
	next, err := Next(StateOf(x.r), EventStart)
	if err != nil {
		return err
	}

	now := e.Now().UTC()
	x.r.Status, x.r.Stage = next.Status, next.Stage
	x.r.StageStartedAt = &now
	x.r.LastVerdict = ""
	if err := x.commit(ctx, newEvent(EvStageStarted, next.Stage, stageStartedPayload{Cohort: cohorts.Canary})); err != nil {
		return err
	}
	x.log.WithFields(logrus.Fields{"stage": next.Stage, "cohort": len(cohorts.Canary), "fleet_size": cohorts.Total()}).
		Info("release started")
	return e.deliver(ctx, x, fw, cohorts.Canary)
}

func (e *Engine) block(ctx context.Context, x *run, cause error) error {
	switch errs.CodeOf(cause) {
	case errs.CodeEmptyFleet, errs.CodeCorrupt, errs.CodeNotFound:
	default:
		return cause
	}
	code := string(errs.CodeOf(cause))
	if last := x.h.last; last != nil && last.Type == EvStartBlocked {
		var prev blockedPayload
		if json.Unmarshal(last.Payload, &prev) == nil && prev.Code == code {
			return cause
		}
	}
	x.log.WithError(cause).Warn("release cannot start")
	if err := x.commit(ctx, newEvent(EvStartBlocked, x.r.Stage, blockedPayload{Code: code, Detail: cause.Error()})); err != nil {
		return err
	}
	return cause
}

// deliver отправляет прошивку устройствам когорты, которые её ещё не
// получали. Стоящие уже на этой прошивке пропускаются и не считаются
// затронутыми релизом.
func (e *Engine) deliver(ctx context.Context, x *run, fw *models.Firmware, cohort []string) error {
	var todo []string
	for _, id := range cohort {
		if !x.h.handled[id] {
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	installed, err := e.devices.InstalledFirmware(ctx, todo)
	if err != nil {
		return err
	}

	p := deliveredPayload{Previous: map[string]string{}}
	var sendErr error
	for _, id := range todo {
		if err := ctx.Err(); err != nil {
			sendErr = err
			break
		}
		prev := installed[id]
		if prev == fw.ID {
			p.Skipped = append(p.Skipped, id)
			continue
		}
		if err := e.delivery.Install(ctx, id, x.r.ID, fw, prev); err != nil {
			sendErr = err
			break
		}
		p.Devices = append(p.Devices, id)
		if prev != "" {
			p.Previous[id] = prev
		}
	}
	if len(p.Devices)+len(p.Skipped) > 0 {
		if err := x.commit(ctx, newEvent(EvDelivered, x.r.Stage, p)); err != nil {
			return err
		}
		x.log.WithFields(logrus.Fields{"stage": x.r.Stage, "sent": len(p.Devices), "skipped": len(p.Skipped)}).
			Info("firmware delivered")
	}
	return sendErr
}

// observe — шаг in_progress: дослать недоставленным, оценить здоровье,
// решить судьбу стадии. Ручная политика сама никуда не переходит.
func (e *Engine) observe(ctx context.Context, x *run) error {
	fw, err := e.artifacts.Describe(ctx, x.r.FirmwareID)
	if err != nil {
		return err
	}
	if err := e.deliver(ctx, x, fw, x.h.cohorts[x.r.Stage]); err != nil {
		return err
	}
	v, err := e.verdict(ctx, x)
	if err != nil {
		return err
	}
	if x.r.HealthPolicy == models.PolicyManual {
		return nil
	}
	switch {
	case v.Status == health.Failed, v.Complete && v.Status == health.Degraded:
		return e.rollback(ctx, x, EventHealthFailed, transitionPayload{Verdict: &v})
	case v.Complete && v.Status == health.Healthy:
		return e.promote(ctx, x, transitionPayload{Verdict: &v})
	}
	return nil
}

// verdict оценивает когорту текущей стадии; событие пишется только при
// изменении вердикта.
func (e *Engine) verdict(ctx context.Context, x *run) (health.Verdict, error) {
	since := e.Now().UTC()
	if x.r.StageStartedAt != nil {
		since = *x.r.StageStartedAt
	}
	v, err := e.evaluator.Evaluate(ctx, health.Request{
		ReleaseID: x.r.ID,
		Stage:     x.r.Stage,
		Cohort:    x.h.cohorts[x.r.Stage],
		Since:     since,
		Deadline:  since.Add(e.window),
	})
	if err != nil {
		return health.Verdict{}, err
	}
	if prev, ok := x.h.verdicts[x.r.Stage]; !ok || !sameVerdict(prev, v) {
		x.r.LastVerdict = string(v.Status)
		if err := x.commit(ctx, newEvent(EvEvaluated, x.r.Stage, v)); err != nil {
			return v, err
		}
	}
	return v, nil
}

func sameVerdict(a, b health.Verdict) bool {
	return a.Status == b.Status && a.Complete == b.Complete && a.Targeted == b.Targeted &&
		a.Healthy == b.Healthy && a.Degraded == b.Degraded && a.Failed == b.Failed && a.Missing == b.Missing
}

// promote: StagePassed. Следующая когорта — снимок на момент старта стадии
// без устройств, уже попавших в релиз; production забирает весь остаток флита.
func (e *Engine) promote(ctx context.Context, x *run, p transitionPayload) error {
	from := x.r.Stage
	next, err := Next(StateOf(x.r), EventStagePassed)
	if err != nil {
		return err
	}
	passed := newEvent(EvStagePassed, from, p)

	if next.Status == models.StatusCompleted {
		x.r.Status, x.r.Stage = next.Status, next.Stage
		if err := x.commit(ctx, passed, newEvent(EvCompleted, next.Stage, nil)); err != nil {
			return err
		}
		x.log.Info("release completed")
		return nil
	}

	fw, err := e.artifacts.Verify(ctx, x.r.FirmwareID)
	if err != nil {
		x.log.WithError(err).Error("firmware failed verification, stage held")
		return err
	}
	cohort, err := e.nextCohort(ctx, x, next.Stage)
	if err != nil {
		return err
	}

	now := e.Now().UTC()
	x.r.Status, x.r.Stage = next.Status, next.Stage
	x.r.StageStartedAt = &now
	x.r.LastVerdict = ""
	if err := x.commit(ctx, passed, newEvent(EvStageStarted, next.Stage, stageStartedPayload{Cohort: cohort})); err != nil {
		return err
	}
	x.log.WithFields(logrus.Fields{"from": from, "stage": next.Stage, "cohort": len(cohort), "manual": p.Manual}).
		Info("stage passed")
	return e.deliver(ctx, x, fw, cohort)
}

func (e *Engine) nextCohort(ctx context.Context, x *run, stage models.Stage) ([]string, error) {
	cohorts, err := e.selector.Partition(ctx, x.r.TargetFleet, x.r.ID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeEmptyFleet {
			return []string{}, nil
		}
		return nil, err
	}
	candidates := cohorts.Stage(stage)
	if stage == models.StageProduction {
		candidates = append(append(append([]string(nil), cohorts.Canary...), cohorts.Staging...), cohorts.Production...)
	}
	assigned := x.h.assigned()
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if !assigned[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// rollback: HealthFailed или ManualAbort, затем откат всех затронутых.
func (e *Engine) rollback(ctx context.Context, x *run, ev Event, p transitionPayload) error {
	from := x.r.Stage
	next, err := Next(StateOf(x.r), ev)
	if err != nil {
		return err
	}
	typ := EvHealthFailed
	if ev == EventManualAbort {
		typ = EvAborted
	}
	x.r.Status, x.r.Stage = next.Status, next.Stage
	if err := x.commit(ctx, newEvent(typ, from, p)); err != nil {
		return err
	}
	x.log.WithFields(logrus.Fields{"from": from, "reason": typ, "touched": len(x.h.touched)}).Warn("release rolling back")
	return e.revert(ctx, x)
}

// revert шлёт revert каждому устройству, получившему прошивку в этом релизе.
// Событие reverted пишется только когда дошло до всех; иначе шаг повторится.
func (e *Engine) revert(ctx context.Context, x *run) error {
	ctx = context.WithoutCancel(ctx)
	prevs := map[string]*models.Firmware{}
	var sent []string
	var firstErr error
	for _, id := range x.h.touched {
		var prev *models.Firmware
		if pid := x.h.previous[id]; pid != "" {
			if fw, ok := prevs[pid]; ok {
				prev = fw
			} else if fw, err := e.artifacts.Describe(ctx, pid); err == nil {
				prevs[pid], prev = fw, fw
			} else {
				prevs[pid] = nil
			}
		}
		if err := e.delivery.Revert(ctx, id, x.r.ID, prev); err != nil {
			x.log.WithError(err).WithField("device", id).Error("revert instruction failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent = append(sent, id)
	}
	if firstErr != nil {
		return firstErr
	}
	if err := x.commit(ctx, newEvent(EvReverted, models.StageRollback, revertedPayload{Devices: sent})); err != nil {
		return err
	}
	x.log.WithField("devices", len(sent)).Info("revert instructions issued")
	return nil
}

// Command — операторская команда PUT status: действие или целевое состояние.
type Command struct {
	Action string
	Status models.ReleaseStatus
	Stage  models.Stage
}

func (c Command) event(from State) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(c.Action)) {
	case "advance", "promote":
		return EventStagePassed, nil
	case "abort", "rollback":
		return EventManualAbort, nil
	case "start":
		return EventStart, nil
	case "":
	default:
		return "", errs.New(errs.CodeInvalidArgument, "unknown action %q", c.Action)
	}
	if c.Status == "" {
		return "", errs.New(errs.CodeInvalidArgument, "status or action is required")
	}
	return eventFor(from, c.Status, c.Stage)
}

// Apply исполняет ручную команду. Abort отменяет шаг, который сейчас
// выполняется для релиза, и не ждёт конца окна наблюдения.
func (e *Engine) Apply(ctx context.Context, id string, cmd Command) (*models.Release, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := cmd.event(StateOf(r))
	if err != nil {
		return nil, err
	}
	if ev == EventManualAbort {
		e.mu.Lock()
		e.aborting[id] = true
		if cancel, ok := e.inflight[id]; ok {
			cancel()
		}
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.aborting, id)
			e.mu.Unlock()
		}()
	}

	l := e.lock(id)
	l.Lock()
	defer l.Unlock()

	x, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := Next(StateOf(x.r), ev); err != nil {
		return nil, err
	}
	switch ev {
	case EventStart:
		err = e.start(ctx, x)
	case EventStagePassed:
		err = e.advance(ctx, x)
	case EventManualAbort:
		err = e.rollback(ctx, x, EventManualAbort, transitionPayload{Manual: true, Detail: "operator abort"})
	}
	if e.OnChange != nil {
		e.OnChange(id)
	}
	if err != nil {
		return nil, err
	}
	return x.r, nil
}

// advance — ручной StagePassed. Под auto-rollback стадия не продвигается,
// пока в когорте есть упавшие устройства; manual — оператор решает сам.
func (e *Engine) advance(ctx context.Context, x *run) error {
	p := transitionPayload{Manual: true}
	if x.r.HealthPolicy != models.PolicyManual {
		v, err := e.verdict(ctx, x)
		if err != nil {
			return err
		}
		// при auto-rollback ручной advance не обходит fail-closed: молчание
		// после дедлайна и завершённый degraded тоже блокируют
		switch {
		case v.Status == health.Failed:
			return errs.New(errs.CodeIllegalTransition, "stage %s failed health check (%d failed, %d missing)",
				x.r.Stage, v.Failed, v.Missing)
		case v.Complete && v.Status == health.Degraded:
			return errs.New(errs.CodeIllegalTransition, "stage %s is degraded (%d degraded, %d missing)",
				x.r.Stage, v.Degraded, v.Missing)
		}
		p.Verdict = &v
	}
	return e.promote(ctx, x, p)
}

// Recover дорабатывает откаты, прерванные рестартом процесса.
func (e *Engine) Recover(ctx context.Context) error {
	rs, err := e.store.ListByStatus(ctx, models.StatusRolledBack)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if _, err := e.Step(ctx, r.ID); err != nil {
			logs.With("rollout").WithError(err).WithField("release", r.ID).Error("resume revert failed")
		}
	}
	return nil
}
