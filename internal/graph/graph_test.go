package graph

import (
	"context"
	"testing"
)

const validYAML = `
appId: demo.app
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: trigger
        transitions:
          - to: w1
      - aid: w1
        type: worker
        worker: demo.worker
`

func TestLoadValid(t *testing.T) {
	app, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if app.AppID != "demo.app" {
		t.Errorf("AppID = %q, want demo.app", app.AppID)
	}
	if len(app.Graphs) != 1 || len(app.Graphs[0].Activities) != 2 {
		t.Fatalf("unexpected shape: %+v", app)
	}
}

func TestValidateAcceptsWellFormedApp(t *testing.T) {
	app, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(context.Background(), app); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingAppID(t *testing.T) {
	const src = `
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: trigger
`
	app, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(context.Background(), app); err == nil {
		t.Error("expected validation error for missing appId")
	}
}

func TestValidateRejectsUnknownActivityType(t *testing.T) {
	const src = `
appId: demo.app
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: bogus
`
	app, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(context.Background(), app); err == nil {
		t.Error("expected validation error for unknown activity type")
	}
}

func TestValidateRejectsDanglingTransition(t *testing.T) {
	const src = `
appId: demo.app
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: trigger
        transitions:
          - to: ghost
`
	app, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(context.Background(), app); err == nil {
		t.Error("expected validation error for transition to unknown aid")
	}
}

func TestValidateRejectsDanglingParent(t *testing.T) {
	const src = `
appId: demo.app
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: trigger
        parent: ghost
`
	app, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(context.Background(), app); err == nil {
		t.Error("expected validation error for parent referencing unknown aid")
	}
}

func TestRetryPolicyMaximumIntervalUnsetVsZero(t *testing.T) {
	const src = `
appId: demo.app
version: "1"
graphs:
  - subscribes: demo.topic
    activities:
      - aid: t1
        type: trigger
        retry:
          maximumAttempts: 3
      - aid: t2
        type: trigger
        retry:
          maximumAttempts: 3
          maximumInterval: "0s"
`
	app, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	acts := app.Graphs[0].Activities
	if acts[0].Retry.HasMaximumInterval() {
		t.Error("activity with no maximumInterval in source should report HasMaximumInterval() == false")
	}
	if !acts[1].Retry.HasMaximumInterval() {
		t.Error("activity with maximumInterval: \"0s\" in source should report HasMaximumInterval() == true")
	}
}
