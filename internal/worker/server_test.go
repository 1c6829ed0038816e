package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"strings"
	"testing"
	"time"

	"bloom/internal/camera"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/hwchannel"
	"bloom/internal/persist"
	"bloom/internal/rotation"
	"bloom/internal/scanner"
	"bloom/internal/testsupport"
	"bloom/internal/worker"
)

func daqSettings(frames int) rotation.Settings {
	return rotation.Settings{
		DeviceName:         "cDAQ1Mod1",
		SamplingRate:       40000,
		StepPin:            0,
		DirPin:             1,
		StepsPerRevolution: 6400,
		NumFrames:          frames,
		SecondsPerRotation: 7,
	}
}

func cameraSettings() camera.Settings {
	return camera.Settings{Address: "mock", ExposureTime: 10000, Gamma: 1}
}

func TestServerAnswersHousekeepingCommands(t *testing.T) {
	ch := testsupport.StartWorker(t, worker.WithVersion("1.2.3"))
	ctx := context.Background()

	var pong struct {
		Status string `json:"status"`
	}
	if err := ch.Send(ctx, hwchannel.CmdPing, nil, &pong); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong.Status != "ok" {
		t.Fatalf("unexpected ping result %+v", pong)
	}

	var version struct {
		Version string `json:"version"`
		Mock    bool   `json:"mock"`
	}
	if err := ch.Send(ctx, hwchannel.CmdVersion, nil, &version); err != nil {
		t.Fatalf("get_version: %v", err)
	}
	if version.Version != "1.2.3" || !version.Mock {
		t.Fatalf("unexpected version %+v", version)
	}

	err := ch.Send(ctx, "daq:teleport", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if faults.KindOf(err) != faults.KindHardware {
		t.Fatalf("expected hardware kind for rejected command, got %s", faults.KindOf(err))
	}
}

func TestRotationControllerAgainstMockDAQ(t *testing.T) {
	ch := testsupport.StartWorker(t)
	ctx := context.Background()
	stage := rotation.New(ch)

	if _, err := stage.RotateBy(ctx, 10); err == nil {
		t.Fatal("expected rotate before initialize to fail")
	}
	if _, err := stage.Initialize(ctx, daqSettings(4)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pos, err := stage.RotateBy(ctx, -10)
	if err != nil {
		t.Fatalf("RotateBy: %v", err)
	}
	if pos != 350 {
		t.Fatalf("expected 350, got %v", pos)
	}
	status, err := stage.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Position != 350 || !status.UsingMock || !status.Initialized {
		t.Fatalf("worker disagrees with controller: %+v", status)
	}
	if _, err := stage.Step(ctx, 1600, 1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := stage.Position(); got != 80 {
		t.Fatalf("expected 80 after quarter turn, got %v", got)
	}
	if err := stage.Home(ctx); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if err := stage.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

func TestCameraControllerCapturesPNG(t *testing.T) {
	ch := testsupport.StartWorker(t)
	ctx := context.Background()
	cam := camera.New(ch, nil)

	if _, err := cam.Connect(ctx, cameraSettings()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gain := 4.0
	frame, err := cam.Capture(ctx, &camera.Partial{Gain: &gain})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if frame.MediaType != "image/png" {
		t.Fatalf("unexpected media type %q", frame.MediaType)
	}
	img, err := png.Decode(bytes.NewReader(frame.Image))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("unexpected frame size %v", b)
	}
	if frame.Settings.Gain != 4 {
		t.Fatalf("override not reflected in frame settings: %+v", frame.Settings)
	}
	if err := cam.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestFullScanThroughMockWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ch := testsupport.StartWorker(t)

	bus := events.NewBus(256, nil)
	gate := persist.New(store, cfg.Paths.ScansDir, cfg.Scanner.Name)
	orch := scanner.New(rotation.New(ch), camera.New(ch, nil), gate, bus, scanner.WithSettleDelay(0))

	req := scanner.Request{
		Metadata: scanner.Metadata{
			PhenotyperID: "carol", ExperimentID: "exp-2", PlantID: "p-100",
			AccessionName: "Col-0", WaveNumber: 1, PlantAgeDays: 12,
		},
		Settings: scanner.Settings{Camera: cameraSettings(), Rotation: daqSettings(72)},
	}
	out, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	images, err := store.ScanImages(context.Background(), out.ScanID)
	if err != nil {
		t.Fatalf("ScanImages: %v", err)
	}
	if len(images) != 72 || images[0].FrameNumber != 1 || images[71].FrameNumber != 72 {
		t.Fatalf("unexpected image rows: %d", len(images))
	}

	evts, _ := bus.Tail(256)
	if len(evts) != 74 {
		t.Fatalf("expected initialized + 72 progress + completed, got %d events", len(evts))
	}
	if evts[len(evts)-1].Kind != events.KindCompleted {
		t.Fatalf("last event = %s", evts[len(evts)-1].Kind)
	}
}

func TestInjectedRotationFaultFailsScan(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ch := testsupport.StartWorker(t, worker.WithFaults(worker.Faults{FailRotateAt: 30, FailCaptureAt: -1}))

	gate := persist.New(store, cfg.Paths.ScansDir, cfg.Scanner.Name)
	orch := scanner.New(rotation.New(ch), camera.New(ch, nil), gate, nil, scanner.WithSettleDelay(0))
	req := scanner.Request{
		Metadata: scanner.Metadata{
			PhenotyperID: "carol", ExperimentID: "exp-2", PlantID: "p-101",
			AccessionName: "Col-0", WaveNumber: 1, PlantAgeDays: 12,
		},
		Settings: scanner.Settings{Camera: cameraSettings(), Rotation: daqSettings(72)},
	}
	out, err := orch.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected failure")
	}
	if out.ErrorKind != faults.KindHardware || out.FrameCount != 30 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(out.Error, "stepper stalled") {
		t.Fatalf("worker message not surfaced: %q", out.Error)
	}
	if ch.Err() != nil {
		t.Fatalf("channel should survive a command failure, got %v", ch.Err())
	}
}

func TestFaultsFromEnv(t *testing.T) {
	env := map[string]string{worker.EnvFailCaptureAt: "5"}
	f, err := worker.FaultsFromEnv(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("FaultsFromEnv: %v", err)
	}
	if f.FailCaptureAt != 5 || f.FailRotateAt != -1 {
		t.Fatalf("unexpected faults %+v", f)
	}

	env[worker.EnvFailRotateAt] = "soon"
	if _, err := worker.FaultsFromEnv(func(k string) string { return env[k] }); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
}

func TestServeReportsMalformedLines(t *testing.T) {
	in := strings.NewReader("not json\n" + `{"id":"a1","command":"ping"}` + "\n")
	var out bytes.Buffer
	srv := worker.NewServer(in, &out)
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected ready, error and data lines, got %q", lines)
	}
	if !strings.HasPrefix(lines[0], hwchannel.PrefixStatus) || !strings.HasPrefix(lines[1], hwchannel.PrefixError) {
		t.Fatalf("unexpected lines %q", lines)
	}
	var resp hwchannel.Response
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], hwchannel.PrefixData)), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "a1" || !resp.Success {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestStreamPushesFramesUntilStopped(t *testing.T) {
	ch := testsupport.StartWorker(t, worker.WithStreamInterval(5*time.Millisecond))
	frames := make(chan string, 64)
	ch.SetFrameHandler(func(payload string) {
		select {
		case frames <- payload:
		default:
		}
	})
	ctx := context.Background()

	if err := ch.Send(ctx, hwchannel.CmdCameraStream, nil, nil); err == nil || !strings.Contains(err.Error(), "camera not connected") {
		t.Fatalf("expected stream without a camera to fail, got %v", err)
	}
	if err := ch.Send(ctx, hwchannel.CmdCameraConnect, cameraSettings(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var started struct {
		Streaming bool `json:"streaming"`
	}
	if err := ch.Send(ctx, hwchannel.CmdCameraStream, nil, &started); err != nil {
		t.Fatalf("start_stream: %v", err)
	}
	if !started.Streaming {
		t.Fatalf("unexpected start result %+v", started)
	}

	for i := 0; i < 3; i++ {
		select {
		case payload := <-frames:
			data, mediaType, err := camera.DecodeDataURI(payload)
			if err != nil || mediaType != "image/png" {
				t.Fatalf("frame %d: %q %v", i, mediaType, err)
			}
			img, err := png.Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("frame %d: decode png: %v", i, err)
			}
			if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
				t.Fatalf("frame %d: unexpected size %v", i, b)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}

	var stopped struct {
		Streaming bool `json:"streaming"`
	}
	if err := ch.Send(ctx, hwchannel.CmdCameraStopStream, nil, &stopped); err != nil {
		t.Fatalf("stop_stream: %v", err)
	}
	if stopped.Streaming {
		t.Fatal("worker still reports streaming")
	}
	// Frames written before the stop reply were handled before Send returned.
	for len(frames) > 0 {
		<-frames
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(frames); n != 0 {
		t.Fatalf("received %d frames after stop", n)
	}
}

func TestStreamFramesDoNotConsumeCaptureFaults(t *testing.T) {
	ch := testsupport.StartWorker(t,
		worker.WithStreamInterval(time.Millisecond),
		worker.WithFaults(worker.Faults{FailRotateAt: -1, FailCaptureAt: 1}),
	)
	seen := make(chan struct{}, 1)
	ch.SetFrameHandler(func(string) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	ctx := context.Background()
	cam := camera.New(ch, nil)
	if _, err := cam.Connect(ctx, cameraSettings()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cam.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream frame")
	}
	if err := cam.StopStream(ctx); err != nil {
		t.Fatalf("StopStream: %v", err)
	}

	if _, err := cam.Capture(ctx, nil); err != nil {
		t.Fatalf("first capture should succeed: %v", err)
	}
	if _, err := cam.Capture(ctx, nil); err == nil {
		t.Fatal("second capture should hit the injected fault")
	}
}
