// Package health сводит сэмплы телеметрии когорты в вердикт стадии.
package health

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Failed   Status = "failed"
)

// Verdict — вердикт по когорте. Complete=false — окно наблюдения ещё идёт
// и статус предварительный.
type Verdict struct {
	Status        Status   `json:"status"`
	Complete      bool     `json:"complete"`
	Targeted      int      `json:"targeted"`
	Healthy       int      `json:"healthy"`
	Degraded      int      `json:"degraded"`
	Failed        int      `json:"failed"`
	Missing       int      `json:"missing"`
	FailedDevices []string `json:"failed_devices,omitempty"`
}

type Request struct {
	ReleaseID string
	Stage     models.Stage
	Cohort    []string
	Since     time.Time
	Deadline  time.Time
}

type Policy struct {
	// MaxMissingFraction — доля молчащих устройств, после которой когорта failed.
	MaxMissingFraction float64
	// RetryMaxInterval — потолок backoff при чтении фида.
	RetryMaxInterval time.Duration
}

type Evaluator struct {
	store  Store
	policy Policy
	Now    func() time.Time
}

func NewEvaluator(store Store, policy Policy) *Evaluator {
	if policy.RetryMaxInterval <= 0 {
		policy.RetryMaxInterval = 5 * time.Second
	}
	return &Evaluator{store: store, policy: policy, Now: time.Now}
}

var severities = map[string]models.Severity{
	"install_ok": models.SeverityOK,
	"boot_ok":    models.SeverityOK,
	"heartbeat":  models.SeverityOK,

	"install_failed":    models.SeverityHard,
	"checksum_mismatch": models.SeverityHard,
	"crash_loop":        models.SeverityHard,
	"boot_failed":       models.SeverityHard,
	"rolled_back":       models.SeverityHard, // устройство само вернулось на старый слот

	"metric_threshold": models.SeveritySoft,
	"degraded":         models.SeveritySoft,
	"warning":          models.SeveritySoft,
}

// Classify — серьёзность по виду сэмпла. Неизвестный вид считается soft:
// оператор увидит его в degraded, но откат он не вызовет.
func Classify(kind string) models.Severity {
	if s, ok := severities[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return s
	}
	return models.SeveritySoft
}

// Ingest принимает сэмпл из фида (HTTP-отчёт устройства или MQTT).
func (e *Evaluator) Ingest(ctx context.Context, s models.HealthSample) (*models.HealthSample, error) {
	s.DeviceID = strings.TrimSpace(s.DeviceID)
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.DeviceID == "" || s.Kind == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "device_id and kind are required")
	}
	switch s.Severity {
	case models.SeverityOK, models.SeveritySoft, models.SeverityHard:
	case "":
		s.Severity = Classify(s.Kind)
	default:
		return nil, errs.New(errs.CodeInvalidArgument, "unknown severity %q", s.Severity)
	}
	if s.ReportedAt.IsZero() {
		s.ReportedAt = e.Now()
	}
	s.ReportedAt = s.ReportedAt.UTC()
	if err := e.store.Append(ctx, &s); err != nil {
		return nil, err
	}
	if s.Severity == models.SeverityHard {
		logs.With("health").WithFields(logrus.Fields{
			"device": s.DeviceID, "release": s.ReleaseID, "kind": s.Kind,
		}).Warn("hard failure reported")
	}
	return &s, nil
}

// Evaluate: любой hard — failed сразу; по истечении окна доля молчащих выше
// порога — failed, soft или молчащие — degraded, иначе healthy.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	v := Verdict{Targeted: len(req.Cohort)}
	if len(req.Cohort) == 0 {
		v.Status, v.Complete = Healthy, true
		return v, nil
	}
	now := e.Now()
	expired := !now.Before(req.Deadline)
	until := req.Deadline
	if expired {
		// после окна продолжаем видеть поздние отказы (ручное удержание стадии)
		until = now
	}

	samples, err := e.read(ctx, req, until, expired)
	if err != nil {
		if !expired {
			return Verdict{}, err
		}
		// окно закрыто, фид не читается — молчание считается отказом
		logs.With("health").WithError(err).WithField("release", req.ReleaseID).
			Warn("health feed unreadable after deadline, counting cohort as missing")
		samples = nil
	}

	latest := make(map[string]models.Severity, len(req.Cohort))
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].ReportedAt.Before(samples[j].ReportedAt) })
	for _, s := range samples {
		if latest[s.DeviceID] == models.SeverityHard {
			continue
		}
		latest[s.DeviceID] = s.Severity
	}
	for _, id := range req.Cohort {
		sev, ok := latest[id]
		switch {
		case !ok:
			v.Missing++
		case sev == models.SeverityHard:
			v.Failed++
			v.FailedDevices = append(v.FailedDevices, id)
		case sev == models.SeveritySoft:
			v.Degraded++
		default:
			v.Healthy++
		}
	}

	switch {
	case v.Failed > 0:
		v.Status, v.Complete = Failed, true
	case !expired:
		v.Status = Healthy
		if v.Degraded > 0 || v.Missing > 0 {
			v.Status = Degraded
		}
	case float64(v.Missing)/float64(v.Targeted) > e.policy.MaxMissingFraction:
		v.Status, v.Complete = Failed, true
	case v.Degraded > 0 || v.Missing > 0:
		v.Status, v.Complete = Degraded, true
	default:
		v.Status, v.Complete = Healthy, true
	}
	return v, nil
}

// read ретраит фид с экспоненциальным backoff, но не дольше дедлайна окна.
func (e *Evaluator) read(ctx context.Context, req Request, until time.Time, expired bool) ([]models.HealthSample, error) {
	var out []models.HealthSample
	op := func() error {
		var err error
		out, err = e.store.Window(ctx, req.ReleaseID, req.Cohort, req.Since, until)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	if expired {
		if err := op(); err != nil {
			return nil, errs.Wrap(errs.CodeUnavailable, err, "health feed")
		}
		return out, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = e.policy.RetryMaxInterval
	b.MaxElapsedTime = 0

	bctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()
	err := backoff.RetryNotify(op, backoff.WithContext(b, bctx), func(err error, next time.Duration) {
		logs.With("health").WithError(err).WithField("release", req.ReleaseID).
			Debugf("health feed read failed, retry in %s", next)
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, err, "health feed")
	}
	return out, nil
}
