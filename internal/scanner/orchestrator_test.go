package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bloom/internal/camera"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/rotation"
	"bloom/internal/scanner"
)

type fakeStage struct {
	mu          sync.Mutex
	position    float64
	rotations   int
	homes       int
	cleanups    int
	failAt      int
	gate        chan struct{}
	interrupted int
	// onRotate runs at the start of every rotation with its zero-based index.
	onRotate    func(index int)
}

func newFakeStage() *fakeStage { return &fakeStage{failAt: -1} }

func (f *fakeStage) Initialize(context.Context, rotation.Settings) (rotation.Status, error) {
	return rotation.Status{Initialized: true, UsingMock: true, Available: true}, nil
}

func (f *fakeStage) RotateBy(ctx context.Context, degrees float64) (float64, error) {
	f.mu.Lock()
	hook, index := f.onRotate, f.rotations
	f.mu.Unlock()
	if hook != nil {
		hook(index)
		if ctx.Err() != nil {
			f.mu.Lock()
			f.interrupted++
			f.mu.Unlock()
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return f.Position(), ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotations == f.failAt {
		f.rotations++
		return f.position, fmt.Errorf("%w: daq:rotate: motor stalled", faults.ErrHardware)
	}
	f.rotations++
	f.position = rotation.Wrap(f.position + degrees)
	return f.position, nil
}

func (f *fakeStage) Home(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homes++
	f.position = 0
	return nil
}

func (f *fakeStage) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeStage) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeStage) counts() (rotations, homes, cleanups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotations, f.homes, f.cleanups
}

type fakeCamera struct {
	mu          sync.Mutex
	connectErr  error
	captures    int
	panicAt     int
	disconnects int
}

func newFakeCamera() *fakeCamera { return &fakeCamera{panicAt: -1} }

func (f *fakeCamera) Connect(_ context.Context, settings camera.Settings) (camera.Status, error) {
	if f.connectErr != nil {
		return camera.Status{}, f.connectErr
	}
	return camera.Status{Connected: true, Available: true, UsingMock: true, Address: settings.Address}, nil
}

func (f *fakeCamera) Capture(context.Context, *camera.Partial) (camera.Frame, error) {
	f.mu.Lock()
	index := f.captures
	f.captures++
	f.mu.Unlock()
	if index == f.panicAt {
		panic("sensor driver crashed")
	}
	return camera.Frame{
		Image:      []byte{byte(index)},
		MediaType:  "image/png",
		Width:      4,
		Height:     3,
		Settings:   camera.Settings{Address: "mock", ExposureTime: 10000, Gamma: 1},
		CapturedAt: time.Now(),
	}, nil
}

func (f *fakeCamera) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeCamera) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakePersister struct {
	mu       sync.Mutex
	commits  int
	frames   []scanner.FrameRecord
	metadata scanner.Metadata
	ctxErr   error
	err      error
}

func (f *fakePersister) Commit(ctx context.Context, sess *scanner.Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	f.ctxErr = ctx.Err()
	f.metadata = sess.Request().Metadata
	if f.err != nil {
		return "", f.err
	}
	f.frames = sess.Frames()
	return "scan-1", nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	hook   func(events.Event)
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, evt := range r.snapshot() {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) terminals() []events.Event {
	var out []events.Event
	for _, evt := range r.snapshot() {
		if evt.Terminal() {
			out = append(out, evt)
		}
	}
	return out
}

func validRequest(frames int) scanner.Request {
	return scanner.Request{
		Metadata: scanner.Metadata{
			PhenotyperID:  "alice",
			ExperimentID:  "exp-1",
			PlantID:       "plant-7",
			AccessionName: "Col-0",
			WaveNumber:    1,
			PlantAgeDays:  14,
		},
		Settings: scanner.Settings{
			Camera: camera.Settings{Address: "mock", ExposureTime: 10000, Gain: 0, Gamma: 1},
			Rotation: rotation.Settings{
				DeviceName:         "cDAQ1Mod1",
				SamplingRate:       40000,
				StepPin:            0,
				DirPin:             1,
				StepsPerRevolution: 6400,
				NumFrames:          frames,
				SecondsPerRotation: 7,
			},
		},
	}
}

type rig struct {
	stage     *fakeStage
	camera    *fakeCamera
	persister *fakePersister
	events    *recorder
	orch      *scanner.Orchestrator
}

func newRig() *rig {
	r := &rig{
		stage:     newFakeStage(),
		camera:    newFakeCamera(),
		persister: &fakePersister{},
		events:    &recorder{},
	}
	r.orch = scanner.New(r.stage, r.camera, r.persister, r.events, scanner.WithSettleDelay(0))
	return r
}

func (r *rig) assertReleasedOnce(t *testing.T) {
	t.Helper()
	if _, _, cleanups := r.stage.counts(); cleanups != 1 {
		t.Fatalf("expected rotation cleanup exactly once, got %d", cleanups)
	}
	if n := r.camera.disconnectCount(); n != 1 {
		t.Fatalf("expected camera disconnect exactly once, got %d", n)
	}
	if terms := r.events.terminals(); len(terms) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(terms))
	}
}

func TestRunCompletesFullRevolution(t *testing.T) {
	r := newRig()

	out, err := r.orch.Run(context.Background(), validRequest(72))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != scanner.StateCompleted {
		t.Fatalf("expected completed, got %s", out.State)
	}
	if out.ScanID != "scan-1" || out.FrameCount != 72 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	if len(r.persister.frames) != 72 {
		t.Fatalf("expected 72 committed frames, got %d", len(r.persister.frames))
	}
	for i, frame := range r.persister.frames {
		if frame.Index != i {
			t.Fatalf("frame %d has index %d", i, frame.Index)
		}
		want := rotation.Wrap(float64(i+1) * 5)
		if diff := frame.Position - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("frame %d position = %v, want %v", i, frame.Position, want)
		}
	}

	if got := r.events.count(events.KindInitialized); got != 1 {
		t.Fatalf("expected one initialized event, got %d", got)
	}
	progress := 0
	for _, evt := range r.events.snapshot() {
		if evt.Kind != events.KindProgress {
			continue
		}
		if evt.FrameIndex != progress || evt.TotalFrames != 72 {
			t.Fatalf("progress event out of order: %+v", evt)
		}
		progress++
	}
	if progress != 72 {
		t.Fatalf("expected 72 progress events, got %d", progress)
	}
	terms := r.events.terminals()
	if len(terms) != 1 || terms[0].Kind != events.KindCompleted || terms[0].ScanID != "scan-1" || terms[0].FrameCount != 72 {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	rotations, homes, _ := r.stage.counts()
	if rotations != 72 {
		t.Fatalf("expected 72 rotations, got %d", rotations)
	}
	if homes != 2 {
		t.Fatalf("expected home before and after capture, got %d", homes)
	}
	r.assertReleasedOnce(t)

	status := r.orch.Status()
	if status.State != scanner.StateIdle || status.Last == nil || status.Last.State != scanner.StateCompleted {
		t.Fatalf("unexpected status after run: %+v", status)
	}
}

func TestRunFailsOnRotationFailure(t *testing.T) {
	r := newRig()
	r.stage.failAt = 30

	out, err := r.orch.Run(context.Background(), validRequest(72))
	if err == nil {
		t.Fatal("expected error")
	}
	if out.State != scanner.StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.ErrorKind != faults.KindHardware {
		t.Fatalf("expected hardware kind, got %s", out.ErrorKind)
	}
	if out.FrameCount != 30 {
		t.Fatalf("expected 30 frames discarded, got %d", out.FrameCount)
	}
	if r.persister.commits != 0 {
		t.Fatalf("expected no commit after failure, got %d", r.persister.commits)
	}
	if got := r.events.count(events.KindProgress); got != 30 {
		t.Fatalf("expected 30 progress events, got %d", got)
	}
	terms := r.events.terminals()
	if len(terms) != 1 || terms[0].Kind != events.KindError || terms[0].ErrorKind != string(faults.KindHardware) {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	if !strings.Contains(terms[0].Message, "frame 31/72") {
		t.Fatalf("expected frame context in message, got %q", terms[0].Message)
	}
	r.assertReleasedOnce(t)
}

func TestCancelStopsAtFrameBoundary(t *testing.T) {
	r := newRig()
	r.events.hook = func(evt events.Event) {
		if evt.Kind == events.KindProgress && evt.FrameIndex == 10 {
			if _, ok := r.orch.Cancel(); !ok {
				t.Errorf("expected an active session to cancel")
			}
		}
	}

	out, err := r.orch.Run(context.Background(), validRequest(72))
	if !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if out.State != scanner.StateCancelled {
		t.Fatalf("expected cancelled, got %s", out.State)
	}
	if out.FrameCount != 11 {
		t.Fatalf("expected 11 frames captured before cancel, got %d", out.FrameCount)
	}
	if r.persister.commits != 0 {
		t.Fatal("cancelled scan must not be committed")
	}
	rotations, homes, _ := r.stage.counts()
	if rotations != 11 {
		t.Fatalf("expected no rotation after cancel, got %d rotations", rotations)
	}
	if homes != 2 {
		t.Fatalf("expected home on init and on cancel, got %d", homes)
	}
	terms := r.events.terminals()
	if len(terms) != 1 || terms[0].Kind != events.KindCancelled || terms[0].FrameCount != 11 {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	r.assertReleasedOnce(t)
}

func TestStartRejectsSecondSession(t *testing.T) {
	r := newRig()
	r.stage.gate = make(chan struct{})

	sess, err := r.orch.Start(context.Background(), validRequest(3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = r.orch.Start(context.Background(), validRequest(3))
	if !errors.Is(err, faults.ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if kind := faults.KindOf(err); kind != faults.KindBusy {
		t.Fatalf("expected busy kind, got %s", kind)
	}

	status := r.orch.Status()
	if status.SessionID != sess.ID() {
		t.Fatalf("status session = %q, want %q", status.SessionID, sess.ID())
	}

	close(r.stage.gate)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	if out := sess.Outcome(); out.State != scanner.StateCompleted {
		t.Fatalf("expected completed, got %+v", out)
	}

	if _, err := r.orch.Run(context.Background(), validRequest(2)); err != nil {
		t.Fatalf("expected rig free after session, got %v", err)
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*scanner.Request)
		want   string
	}{
		{name: "missing plant", mutate: func(r *scanner.Request) { r.Metadata.PlantID = "" }, want: "metadata.plant_id is required"},
		{name: "zero frames", mutate: func(r *scanner.Request) { r.Settings.Rotation.NumFrames = 0 }, want: "settings.rotation.num_frames"},
		{name: "same pins", mutate: func(r *scanner.Request) { r.Settings.Rotation.DirPin = 0 }, want: "settings.rotation.dir_pin"},
		{name: "blank accession", mutate: func(r *scanner.Request) { r.Metadata.AccessionName = "   " }, want: "metadata.accession_name is required"},
		{name: "no camera address", mutate: func(r *scanner.Request) { r.Settings.Camera.Address = "" }, want: "settings.camera.camera_ip_address is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig()
			req := validRequest(4)
			tt.mutate(&req)

			_, err := r.orch.Run(context.Background(), req)
			if faults.KindOf(err) != faults.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, err.Error())
			}
			if rotations, homes, cleanups := r.stage.counts(); rotations+homes+cleanups != 0 {
				t.Fatal("validation failure must not touch hardware")
			}
			if len(r.events.snapshot()) != 0 {
				t.Fatal("validation failure must not emit events")
			}
		})
	}
}

func TestRunFailsWhenCameraConnectFails(t *testing.T) {
	r := newRig()
	r.camera.connectErr = fmt.Errorf("%w: camera:connect: no route to host", faults.ErrHardware)

	out, err := r.orch.Run(context.Background(), validRequest(8))
	if err == nil || out.State != scanner.StateFailed {
		t.Fatalf("expected failure, got %+v, %v", out, err)
	}
	if out.FrameCount != 0 {
		t.Fatalf("expected no frames, got %d", out.FrameCount)
	}
	if got := r.events.count(events.KindInitialized); got != 0 {
		t.Fatalf("expected no initialized event, got %d", got)
	}
	r.assertReleasedOnce(t)
}

func TestPanicDuringCaptureStillReleasesHardware(t *testing.T) {
	r := newRig()
	r.camera.panicAt = 2

	out, err := r.orch.Run(context.Background(), validRequest(8))
	if err == nil {
		t.Fatal("expected error")
	}
	if out.State != scanner.StateFailed || out.ErrorKind != faults.KindHardware {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if r.persister.commits != 0 {
		t.Fatal("panicked scan must not be committed")
	}
	r.assertReleasedOnce(t)

	if status := r.orch.Status(); status.State != scanner.StateIdle {
		t.Fatalf("expected idle after panic, got %s", status.State)
	}
}

func TestPersistenceFailureIsReportedDistinctly(t *testing.T) {
	r := newRig()
	r.persister.err = errors.New("disk full")

	out, err := r.orch.Run(context.Background(), validRequest(6))
	if err == nil {
		t.Fatal("expected error")
	}
	if out.ErrorKind != faults.KindPersistence {
		t.Fatalf("expected persistence kind, got %s", out.ErrorKind)
	}
	if !strings.Contains(out.Error, "capture succeeded, save failed") {
		t.Fatalf("unexpected message %q", out.Error)
	}
	if rotations, _, _ := r.stage.counts(); rotations != 6 {
		t.Fatalf("frames must not be recaptured, got %d rotations", rotations)
	}
	r.assertReleasedOnce(t)
}

func TestContextCancellationEndsAsCancelled(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithCancel(context.Background())
	r.events.hook = func(evt events.Event) {
		if evt.Kind == events.KindProgress && evt.FrameIndex == 1 {
			cancel()
		}
	}

	out, _ := r.orch.Run(ctx, validRequest(5))
	if out.State != scanner.StateCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	r.assertReleasedOnce(t)
}

func TestContextCancelledWhileFinalizingStillCommits(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.events.hook = func(evt events.Event) {
		if evt.Kind == events.KindProgress && evt.FrameIndex == evt.TotalFrames-1 {
			cancel()
		}
	}

	out, err := r.orch.Run(ctx, validRequest(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != scanner.StateCompleted || out.ScanID != "scan-1" || out.FrameCount != 4 {
		t.Fatalf("expected completed scan, got %+v", out)
	}
	if r.persister.ctxErr != nil {
		t.Fatalf("commit ran on a cancelled context: %v", r.persister.ctxErr)
	}
	terms := r.events.terminals()
	if len(terms) != 1 || terms[0].Kind != events.KindCompleted {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	r.assertReleasedOnce(t)
}

func TestFinalizingFailureIsAlwaysPersistence(t *testing.T) {
	r := newRig()
	r.persister.err = fmt.Errorf("begin scan tx: %w", context.Canceled)

	out, err := r.orch.Run(context.Background(), validRequest(3))
	if err == nil {
		t.Fatal("expected error")
	}
	if out.State != scanner.StateFailed || out.ErrorKind != faults.KindPersistence {
		t.Fatalf("expected failed(persistence), got %+v", out)
	}
	terms := r.events.terminals()
	if len(terms) != 1 || terms[0].Kind != events.KindError || terms[0].ErrorKind != string(faults.KindPersistence) {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
}

func TestContextCancelledMidCommandFinishesFrame(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.stage.onRotate = func(index int) {
		if index == 2 {
			cancel()
		}
	}

	out, err := r.orch.Run(ctx, validRequest(8))
	if !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if out.State != scanner.StateCancelled || out.FrameCount != 3 {
		t.Fatalf("expected cancel after the in-flight frame, got %+v", out)
	}
	if r.stage.interrupted != 0 {
		t.Fatalf("rotation saw a cancelled context %d time(s)", r.stage.interrupted)
	}
	if rotations, homes, _ := r.stage.counts(); rotations != 3 || homes != 2 {
		t.Fatalf("expected 3 rotations and 2 homes, got %d and %d", rotations, homes)
	}
	if got := r.events.count(events.KindProgress); got != 3 {
		t.Fatalf("expected 3 progress events, got %d", got)
	}
	if r.persister.commits != 0 {
		t.Fatal("cancelled scan must not be committed")
	}
	r.assertReleasedOnce(t)
}

func TestRunTrimsMetadata(t *testing.T) {
	r := newRig()
	req := validRequest(2)
	req.Metadata.PlantID = "  plant-7\t"
	req.Metadata.ExperimentID = " exp-1 "

	if _, err := r.orch.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.persister.metadata.PlantID != "plant-7" || r.persister.metadata.ExperimentID != "exp-1" {
		t.Fatalf("metadata not trimmed: %+v", r.persister.metadata)
	}
}

func TestMetadataValidateRejectsBlankFields(t *testing.T) {
	meta := validRequest(1).Metadata
	meta.PhenotyperID = " \t "
	err := meta.Validate()
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "phenotyper_id is required") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
