package rollout

import (
	"context"
	"testing"
	"time"

	"aura/internal/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedulerDrivesReleases(t *testing.T) {
	f := newFixture(t, 20)
	sched := NewScheduler(f.engine, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- sched.Run(ctx) }()

	rel := f.create(t, models.PolicyAutoRollback)
	status := func() models.ReleaseStatus {
		r, err := f.svc.Get(context.Background(), rel.ID)
		if err != nil {
			t.Fatal(err)
		}
		return r.Status
	}
	waitFor(t, "release start", func() bool { return status() == models.StatusInProgress })

	if _, err := f.svc.Command(context.Background(), rel.ID, Command{Action: "abort"}); err != nil {
		t.Fatalf("abort: %v", err)
	}
	waitFor(t, "loop exit", func() bool { return len(sched.Active()) == 0 })
	if status() != models.StatusRolledBack {
		t.Fatalf("status = %s", status())
	}

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerResumesActiveReleases(t *testing.T) {
	f := newFixture(t, 20)
	rel := f.create(t, models.PolicyAutoRollback)

	// релиз создан до старта планировщика: подхватывается из Store
	sched := NewScheduler(f.engine, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	waitFor(t, "resumed release start", func() bool {
		r, err := f.svc.Get(context.Background(), rel.ID)
		return err == nil && r.Status == models.StatusInProgress
	})
}
