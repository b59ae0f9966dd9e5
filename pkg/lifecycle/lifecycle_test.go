package lifecycle

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/multierr"
)

type fakeSvc struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fakeSvc) Name() string { return f.name }
func (f *fakeSvc) Start(context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}
func (f *fakeSvc) Stop(context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func TestManager_StartInOrder_StopInReverse(t *testing.T) {
	var log []string
	m := New()
	m.Add(&fakeSvc{name: "a", log: &log})
	m.Add(&fakeSvc{name: "b", log: &log})
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log=%v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log=%v", log)
		}
	}
}

func TestManager_StartFailure_RollsBackStarted(t *testing.T) {
	var log []string
	m := New()
	m.Add(&fakeSvc{name: "a", log: &log})
	m.Add(&fakeSvc{name: "b", startErr: errors.New("boom"), log: &log})
	m.Add(&fakeSvc{name: "c", log: &log})
	if err := m.StartAll(context.Background()); err == nil {
		t.Fatalf("want start error")
	}
	want := []string{"start:a", "start:b", "stop:a"}
	if len(log) != len(want) || log[2] != "stop:a" {
		t.Fatalf("log=%v", log)
	}
}

func TestManager_StopAll_CollectsErrors(t *testing.T) {
	var log []string
	m := New()
	m.Add(&fakeSvc{name: "a", stopErr: errors.New("x"), log: &log})
	m.Add(&fakeSvc{name: "b", stopErr: errors.New("y"), log: &log})
	_ = m.StartAll(context.Background())
	err := m.StopAll(context.Background())
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("want 2 errors, got %d (%v)", got, err)
	}
}
