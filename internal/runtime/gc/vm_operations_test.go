package gc

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/orizon-lang/regiongc/internal/cli"
)

type recordingOp struct {
	sp        *Safepoint
	readiness Readiness
	steps     []string
	inPause   bool
}

func (op *recordingOp) Name() string { return "recording" }

func (op *recordingOp) Prepare() Readiness {
	op.steps = append(op.steps, "prepare")
	return op.readiness
}

func (op *recordingOp) Execute() {
	op.steps = append(op.steps, "execute")
	op.inPause = op.sp.InProgress()
}

func (op *recordingOp) Finish() { op.steps = append(op.steps, "finish") }

func TestDispatcherRunsOperations(t *testing.T) {
	tests := []struct {
		name      string
		readiness Readiness
		steps     []string
	}{
		{"ready", Ready, []string{"prepare", "execute", "finish"}},
		{"refused", Retry, []string{"prepare"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &Safepoint{}
			d := newDispatcher(sp, cli.DiscardLogger())
			d.Start()
			defer d.Stop()

			op := &recordingOp{sp: sp, readiness: tt.readiness}
			res, err := d.Submit(context.Background(), op)
			if err != nil {
				t.Fatal(err)
			}
			if res != tt.readiness {
				t.Errorf("result = %v, want %v", res, tt.readiness)
			}
			if !reflect.DeepEqual(op.steps, tt.steps) {
				t.Errorf("steps = %v, want %v", op.steps, tt.steps)
			}
			if tt.readiness == Ready {
				if !op.inPause {
					t.Error("Execute ran outside the safepoint")
				}
				if sp.Count() != 1 || sp.InProgress() {
					t.Errorf("safepoint count %d, in progress %v", sp.Count(), sp.InProgress())
				}
			} else if sp.Count() != 0 {
				t.Error("refused operation began a safepoint")
			}
		})
	}
}

func TestDispatcherAfterStop(t *testing.T) {
	d := newDispatcher(&Safepoint{}, cli.DiscardLogger())
	d.Start()
	d.Stop()
	d.Stop()
	if _, err := d.Submit(context.Background(), &recordingOp{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestDispatcherSubmitHonoursContext(t *testing.T) {
	// not started, so nothing receives the request
	d := newDispatcher(&Safepoint{}, cli.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Submit(ctx, &recordingOp{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSafepointWaitsForParticipants(t *testing.T) {
	var sp Safepoint
	sp.Enter()
	inPause := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		sp.Begin()
		inPause <- sp.InProgress()
		sp.End()
		close(done)
	}()
	waitFor(t, "the pause request", sp.ShouldYield)
	select {
	case <-inPause:
		t.Fatal("pause began with a participant inside")
	default:
	}
	sp.Yield() // lets the pause run and rejoins once it ends
	<-done
	if !<-inPause {
		t.Error("pause not reported in progress")
	}
	if sp.InProgress() || sp.ShouldYield() {
		t.Error("pause still visible after End")
	}
	sp.Leave()
	if sp.Count() != 1 {
		t.Errorf("count = %d", sp.Count())
	}
}

func TestReadinessString(t *testing.T) {
	if Ready.String() != "ready" || Retry.String() != "retry" {
		t.Errorf("got %q and %q", Ready, Retry)
	}
}
