package rollout

import (
	"encoding/json"

	"gorm.io/datatypes"

	"aura/internal/health"
	"aura/internal/models"
)

// Типы событий истории релиза.
const (
	EvCreated      = "created"
	EvStartBlocked = "start_blocked"
	EvStageStarted = "stage_started"
	EvDelivered    = "delivered"
	EvEvaluated    = "evaluated"
	EvStagePassed  = "stage_passed"
	EvHealthFailed = "health_failed"
	EvAborted      = "aborted"
	EvReverted     = "reverted"
	EvCompleted    = "completed"
)

type stageStartedPayload struct {
	Cohort []string `json:"cohort"`
}

type deliveredPayload struct {
	Devices  []string          `json:"devices"`
	Previous map[string]string `json:"previous,omitempty"`
	Skipped  []string          `json:"skipped,omitempty"`
}

type blockedPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type transitionPayload struct {
	Manual  bool            `json:"manual,omitempty"`
	Verdict *health.Verdict `json:"verdict,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

type revertedPayload struct {
	Devices []string `json:"devices"`
}

// StageProgress — счётчики стадии, выводятся только из событий.
type StageProgress struct {
	Targeted int    `json:"targeted"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped,omitempty"`
	Healthy  int    `json:"healthy"`
	Degraded int    `json:"degraded"`
	Failed   int    `json:"failed"`
	Missing  int    `json:"missing"`
	Verdict  string `json:"verdict,omitempty"`
}

// history — состояние релиза, восстановленное из append-only событий.
type history struct {
	cohorts   map[models.Stage][]string
	handled   map[string]bool // получили инструкцию или уже стояли на прошивке
	touched   []string        // получили прошивку в этом релизе, по порядку
	previous  map[string]string
	reverted  bool
	last      *models.ReleaseEvent
	verdicts  map[models.Stage]health.Verdict
	progress  map[models.Stage]*StageProgress
	lastStage models.Stage
}

func replay(events []models.ReleaseEvent) *history {
	h := &history{
		cohorts:  map[models.Stage][]string{},
		handled:  map[string]bool{},
		previous: map[string]string{},
		verdicts: map[models.Stage]health.Verdict{},
		progress: map[models.Stage]*StageProgress{},
	}
	for i := range events {
		ev := &events[i]
		h.last = ev
		switch ev.Type {
		case EvStageStarted:
			var p stageStartedPayload
			_ = json.Unmarshal(ev.Payload, &p)
			h.cohorts[ev.Stage] = p.Cohort
			h.lastStage = ev.Stage
			h.stage(ev.Stage).Targeted = len(p.Cohort)
		case EvDelivered:
			var p deliveredPayload
			_ = json.Unmarshal(ev.Payload, &p)
			for _, id := range p.Devices {
				if !h.handled[id] {
					h.touched = append(h.touched, id)
				}
				h.handled[id] = true
				if prev, ok := p.Previous[id]; ok {
					h.previous[id] = prev
				}
			}
			for _, id := range p.Skipped {
				h.handled[id] = true
			}
			sp := h.stage(ev.Stage)
			sp.Updated += len(p.Devices)
			sp.Skipped += len(p.Skipped)
		case EvEvaluated:
			var v health.Verdict
			_ = json.Unmarshal(ev.Payload, &v)
			h.verdicts[ev.Stage] = v
			sp := h.stage(ev.Stage)
			sp.Healthy, sp.Degraded, sp.Failed, sp.Missing = v.Healthy, v.Degraded, v.Failed, v.Missing
			sp.Verdict = string(v.Status)
		case EvHealthFailed, EvAborted:
			h.stage(models.StageRollback).Targeted = len(h.touched)
		case EvReverted:
			var p revertedPayload
			_ = json.Unmarshal(ev.Payload, &p)
			h.reverted = true
			h.stage(models.StageRollback).Updated = len(p.Devices)
		}
	}
	return h
}

func (h *history) stage(s models.Stage) *StageProgress {
	sp, ok := h.progress[s]
	if !ok {
		sp = &StageProgress{}
		h.progress[s] = sp
	}
	return sp
}

// assigned — все устройства, попавшие в когорты предыдущих стадий.
func (h *history) assigned() map[string]bool {
	out := map[string]bool{}
	for _, ids := range h.cohorts {
		for _, id := range ids {
			out[id] = true
		}
	}
	for id := range h.handled {
		out[id] = true
	}
	return out
}

// RebuildProgress — прогресс по стадиям из истории событий.
func RebuildProgress(events []models.ReleaseEvent) map[models.Stage]StageProgress {
	h := replay(events)
	out := make(map[models.Stage]StageProgress, len(h.progress))
	for s, p := range h.progress {
		out[s] = *p
	}
	return out
}

// TouchedDevices — устройства, получившие прошивку релиза (цель отката).
func TouchedDevices(events []models.ReleaseEvent) []string {
	return append([]string(nil), replay(events).touched...)
}

func progressJSON(events []models.ReleaseEvent) datatypes.JSON {
	b, err := json.Marshal(RebuildProgress(events))
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func payload(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
