// Package rollout ведёт релиз по стадиям canary → staging → production
// с откатом по здоровью когорты.
package rollout

import (
	"aura/internal/errs"
	"aura/internal/models"
)

type Event string

const (
	EventStart        Event = "start"
	EventStagePassed  Event = "stage_passed"
	EventHealthFailed Event = "health_failed"
	EventManualAbort  Event = "manual_abort"
)

// State — композитное состояние (status, stage); двигаются только вместе.
type State struct {
	Status models.ReleaseStatus `json:"status"`
	Stage  models.Stage         `json:"stage"`
}

func StateOf(r *models.Release) State { return State{Status: r.Status, Stage: r.Stage} }

var promotions = map[models.Stage]State{
	models.StageCanary:     {models.StatusInProgress, models.StageStaging},
	models.StageStaging:    {models.StatusInProgress, models.StageProduction},
	models.StageProduction: {models.StatusCompleted, models.StageCompleted},
}

var rolledBack = State{models.StatusRolledBack, models.StageRollback}

// Next — единственная таблица переходов. Всё, чего в ней нет, — IllegalTransition.
func Next(from State, ev Event) (State, error) {
	switch {
	case ev == EventStart && from == State{models.StatusPending, models.StageCanary}:
		return State{models.StatusInProgress, models.StageCanary}, nil

	case from.Status == models.StatusInProgress:
		if _, forward := promotions[from.Stage]; !forward {
			break
		}
		switch ev {
		case EventStagePassed:
			return promotions[from.Stage], nil
		case EventHealthFailed, EventManualAbort:
			return rolledBack, nil
		}
	}
	return State{}, errs.New(errs.CodeIllegalTransition, "%s not allowed from (%s, %s)", ev, from.Status, from.Stage)
}

// eventFor подбирает событие, которое переводит from в целевой статус
// (и стадию, если она задана). Используется для PUT status.
func eventFor(from State, status models.ReleaseStatus, stage models.Stage) (Event, error) {
	for _, ev := range []Event{EventStart, EventStagePassed, EventManualAbort} {
		to, err := Next(from, ev)
		if err != nil {
			continue
		}
		if to.Status == status && (stage == "" || to.Stage == stage) {
			return ev, nil
		}
	}
	target := string(status)
	if stage != "" {
		target += "/" + string(stage)
	}
	return "", errs.New(errs.CodeIllegalTransition, "cannot move from (%s, %s) to %s", from.Status, from.Stage, target)
}
