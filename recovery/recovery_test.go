package recovery_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wudi/pdfscrub/recovery"
)

func TestStrictStrategyFails(t *testing.T) {
	s := recovery.NewStrictStrategy()
	if got := s.OnError(context.Background(), errors.New("boom"), recovery.Location{Component: "parser"}); got != recovery.ActionFail {
		t.Fatalf("expected fail, got %s", got)
	}
}

func TestLenientStrategyRecordsAndDrains(t *testing.T) {
	s := recovery.NewLenientStrategy()
	errA := errors.New("missing >>")
	errB := errors.New("bad number")
	locA := recovery.Location{ByteOffset: 10, ObjectNum: 3, Component: "parser"}
	locB := recovery.Location{ByteOffset: 42, Component: "scanner:number"}

	if got := s.OnError(context.Background(), errA, locA); got != recovery.ActionFix {
		t.Fatalf("expected fix, got %s", got)
	}
	s.OnError(context.Background(), errB, locB)

	want := []recovery.Event{
		{Err: errA, Location: locA, Action: recovery.ActionFix},
		{Err: errB, Location: locB, Action: recovery.ActionFix},
	}
	if diff := cmp.Diff(want, s.Drain(), cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if len(s.Drain()) != 0 || len(s.Errors) != 0 {
		t.Fatalf("drain did not reset the strategy")
	}
}

func TestLenientStrategyConcurrentUse(t *testing.T) {
	s := recovery.NewLenientStrategy()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.OnError(context.Background(), errors.New("x"), recovery.Location{ObjectNum: i})
		}(i)
	}
	wg.Wait()
	if n := len(s.Drain()); n != 8 {
		t.Fatalf("expected 8 events, got %d", n)
	}
}

func TestActionString(t *testing.T) {
	got := []string{recovery.ActionFail.String(), recovery.ActionSkip.String(), recovery.ActionFix.String(), recovery.ActionWarn.String()}
	if diff := cmp.Diff([]string{"fail", "skip", "fix", "warn"}, got); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}
