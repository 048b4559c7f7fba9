package daemon

import (
	"context"
	"testing"
)

func TestWorkerAnswersAskTask(t *testing.T) {
	rig := newTestRig(t, &scriptedOracle{}, newFakePlatform())
	worker := NewWorker(rig.store, rig.scheduler.brain, rig.scheduler.reflector, rig.scheduler, rig.bus,
		rig.scheduler.strategy, nil)

	if _, err := rig.store.AddTask("ask", "how are things going?"); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	worker.drain(context.Background())

	if task, _ := rig.store.NextPendingTask(); task != nil {
		t.Fatalf("task %d still pending after drain", task.ID)
	}
	types := eventTypes(rig.bus)
	if types[EventTaskDone] != 1 {
		t.Errorf("task_done events = %d, want 1", types[EventTaskDone])
	}
}

func TestWorkerFailsUnknownTaskType(t *testing.T) {
	rig := newTestRig(t, &scriptedOracle{}, newFakePlatform())
	worker := NewWorker(rig.store, rig.scheduler.brain, rig.scheduler.reflector, rig.scheduler, rig.bus,
		rig.scheduler.strategy, nil)

	rig.store.AddTask("dance", "")
	worker.drain(context.Background())

	events := rig.bus.Recent(0)
	if len(events) != 1 || events[0].Type != EventTaskDone {
		t.Fatalf("expected one task_done event, got %v", events)
	}
	if ok, _ := events[0].Payload["ok"].(bool); ok {
		t.Error("unknown task type reported as ok")
	}
}

func TestWorkerHeartbeatTaskTriggersScheduler(t *testing.T) {
	rig := newTestRig(t, &scriptedOracle{}, newFakePlatform())
	worker := NewWorker(rig.store, rig.scheduler.brain, rig.scheduler.reflector, rig.scheduler, rig.bus,
		rig.scheduler.strategy, nil)

	rig.store.AddTask("heartbeat", "")
	worker.drain(context.Background())

	select {
	case <-rig.scheduler.trigger:
	default:
		t.Error("heartbeat task did not arm the trigger")
	}
}

func TestBusPersistsAndKeepsRing(t *testing.T) {
	rig := newTestRig(t, &scriptedOracle{}, newFakePlatform())

	rig.bus.Publish(EventPostCreated, map[string]any{"post_id": "p1"})
	rig.bus.Publish(EventUpvoteCast, map[string]any{"post_id": "p2"})

	recent := rig.bus.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("ring has %d events, want 2", len(recent))
	}
	if recent[0].Type != EventPostCreated || recent[1].Type != EventUpvoteCast {
		t.Errorf("ring order wrong: %s, %s", recent[0].Type, recent[1].Type)
	}

	select {
	case <-rig.bus.Wake():
	default:
		t.Error("publish did not arm the wake channel")
	}

	durable, err := rig.store.ConsumeEvents(10)
	if err != nil {
		t.Fatalf("ConsumeEvents: %v", err)
	}
	if len(durable) != 2 {
		t.Fatalf("durable events = %d, want 2", len(durable))
	}
	// Consume-once: a second read returns nothing.
	again, _ := rig.store.ConsumeEvents(10)
	if len(again) != 0 {
		t.Errorf("events consumed twice: %d", len(again))
	}
}

func TestFormatEventSilencesUnlistedTypes(t *testing.T) {
	if reportedEvents[EventHeartbeatSkip] {
		t.Error("heartbeat_skip must not interrupt the operator")
	}
	if reportedEvents[EventUpvoteCast] {
		t.Error("upvote_cast must not interrupt the operator")
	}
	if !reportedEvents[EventDMNeedsHuman] {
		t.Error("dm_needs_human must reach the operator")
	}
}
