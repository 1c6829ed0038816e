package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"bloom/internal/api"
	"bloom/internal/config"
	"bloom/internal/daemon"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/hwchannel"
	"bloom/internal/logging"
	"bloom/internal/scanner"
	"bloom/internal/testsupport"
	"bloom/internal/worker"
)

type pipeLink struct{ ch *hwchannel.Channel }

func (l pipeLink) Channel() *hwchannel.Channel { return l.ch }

func (pipeLink) Pid() int { return 0 }

func (l pipeLink) Close() error { return l.ch.Close() }

func pipeConnector(t *testing.T, opts ...worker.Option) daemon.Connector {
	return func(context.Context) (daemon.Link, error) {
		return pipeLink{ch: testsupport.StartWorker(t, opts...)}, nil
	}
}

func newDaemon(t *testing.T, cfg *config.Config, opts ...worker.Option) *daemon.Daemon {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.WithConnector(pipeConnector(t, opts...)))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func metadata(plant string) scanner.Metadata {
	return scanner.Metadata{
		PhenotyperID:  "dana",
		ExperimentID:  "exp-9",
		PlantID:       plant,
		AccessionName: "Col-0",
		WaveNumber:    2,
		PlantAgeDays:  21,
	}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Status().Running {
		t.Fatal("expected daemon to report running")
	}
	if d.APIAddr() != "" {
		t.Fatalf("api should be disabled, got %q", d.APIAddr())
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other := newDaemon(t, cfg)
	err := other.Start(ctx)
	if err == nil {
		t.Fatal("expected rig lock to block a second daemon")
	}
	if faults.KindOf(err) != faults.KindBusy {
		t.Fatalf("expected busy kind, got %s (%v)", faults.KindOf(err), err)
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected daemon to be stopped")
	}
	if _, err := d.StartScan(scanner.Request{Metadata: metadata("p-1"), Settings: daemon.DefaultSettings(cfg)}); faults.KindOf(err) != faults.KindChannel {
		t.Fatalf("expected channel error after stop, got %v", err)
	}
}

func TestScanThroughHTTPAPI(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFrames(8), testsupport.WithAPIToken("s3cret"))
	d := newDaemon(t, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client, err := api.NewClient(d.APIAddr(), "s3cret")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	hw, err := client.Hardware(ctx)
	if err != nil {
		t.Fatalf("Hardware: %v", err)
	}
	if !hw.Camera.Available || !hw.DAQ.Mock || hw.WorkerVersion == "" {
		t.Fatalf("unexpected hardware status %+v", hw)
	}

	started, err := client.StartScan(ctx, scanner.Request{Metadata: metadata("p-7"), Settings: daemon.DefaultSettings(cfg)})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if started.TotalFrames != 8 {
		t.Fatalf("unexpected start response %+v", started)
	}

	var (
		since    uint64
		terminal events.Event
		progress int
	)
	for terminal.Kind == "" {
		resp, err := client.Events(ctx, since, 0, true)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		for _, evt := range resp.Events {
			if evt.Kind == events.KindProgress {
				progress++
			}
			if evt.Terminal() {
				terminal = evt
			}
		}
		since = resp.Next
	}
	if terminal.Kind != events.KindCompleted || terminal.FrameCount != 8 || progress != 8 {
		t.Fatalf("unexpected terminal event %+v after %d progress events", terminal, progress)
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Scanner.State != scanner.StateIdle || status.Scanner.Last == nil || status.Scanner.Last.ScanID != terminal.ScanID {
		t.Fatalf("unexpected status %+v", status.Scanner)
	}

	base := "http://" + d.APIAddr()
	var detail api.ScanDetailResponse
	getJSON(t, base+"/api/scans/"+terminal.ScanID, "s3cret", http.StatusOK, &detail)
	if detail.Scan.PlantID != "p-7" || len(detail.Images) != 8 {
		t.Fatalf("unexpected detail %+v with %d images", detail.Scan, len(detail.Images))
	}

	var list api.ScanListResponse
	getJSON(t, base+"/api/scans?experiment=exp-9&wave=2", "s3cret", http.StatusOK, &list)
	if list.Total != 1 || len(list.Scans) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/scans/"+terminal.ScanID, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	getJSON(t, base+"/api/scans?experiment=exp-9", "s3cret", http.StatusOK, &list)
	if list.Total != 0 {
		t.Fatalf("deleted scan still listed: %+v", list)
	}

	getJSON(t, base+"/api/status", "wrong", http.StatusUnauthorized, nil)
}

func TestStartScanRejectsInvalidMetadataOverHTTP(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	client, err := api.NewClient(d.APIAddr(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.StartScan(context.Background(), scanner.Request{Settings: daemon.DefaultSettings(cfg)})
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := client.CancelScan(context.Background()); err == nil {
		t.Fatal("expected cancel with no active scan to fail")
	}
}

// releaseLink records whether the active session had finished when the
// daemon closed the worker.
type releaseLink struct {
	pipeLink
	session        *atomic.Pointer[scanner.Session]
	closedAfterEnd atomic.Bool
}

func (l *releaseLink) Close() error {
	if sess := l.session.Load(); sess != nil {
		select {
		case <-sess.Done():
			l.closedAfterEnd.Store(true)
		default:
		}
	}
	return l.pipeLink.Close()
}

func TestStopAfterSignalEndsScanAtFrameBoundary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	store := testsupport.MustOpenStore(t, cfg)

	var (
		current  atomic.Pointer[scanner.Session]
		link     *releaseLink
		workerCx context.Context
	)
	connect := func(ctx context.Context) (daemon.Link, error) {
		workerCx = ctx
		link = &releaseLink{
			pipeLink: pipeLink{ch: testsupport.StartWorker(t, worker.WithMaxMotion(20*time.Millisecond))},
			session:  &current,
		}
		return link, nil
	}
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.WithConnector(connect))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	signalCtx, signal := context.WithCancel(context.Background())
	defer signal()
	if err := d.Start(signalCtx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	firstFrame := make(chan struct{}, 1)
	unsubscribe := d.Events().Subscribe(func(evt events.Event) {
		if evt.Kind == events.KindProgress {
			select {
			case firstFrame <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	sess, err := d.StartScan(scanner.Request{Metadata: metadata("p-3"), Settings: daemon.DefaultSettings(cfg)})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	current.Store(sess)
	select {
	case <-firstFrame:
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before timeout")
	}

	// The serve runtime cancels its context on SIGINT and then stops the daemon.
	signal()
	if workerCx.Err() != nil {
		t.Fatal("signal reached the worker before Stop")
	}
	d.Stop()

	select {
	case <-sess.Done():
	default:
		t.Fatal("Stop returned before the session finished")
	}
	out := sess.Outcome()
	if out.State != scanner.StateCancelled || out.ErrorKind != "" {
		t.Fatalf("expected a clean cancel, got %+v", out)
	}
	if out.FrameCount == 0 || out.FrameCount >= 72 {
		t.Fatalf("unexpected frame count %d", out.FrameCount)
	}
	if !link.closedAfterEnd.Load() {
		t.Fatal("worker was closed before the session released the hardware")
	}
	if workerCx.Err() == nil {
		t.Fatal("Stop should end the worker context")
	}
}

func TestCancelledStartContextDoesNotInterruptScan(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFrames(5))
	cfg.API.Bind = ""
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	unsubscribe := d.Events().Subscribe(func(evt events.Event) {
		if evt.Kind == events.KindProgress && evt.FrameIndex == evt.TotalFrames-1 {
			cancel()
		}
	})
	defer unsubscribe()

	sess, err := d.StartScan(scanner.Request{Metadata: metadata("p-4"), Settings: daemon.DefaultSettings(cfg)})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("session did not finish")
	}

	out := sess.Outcome()
	if out.State != scanner.StateCompleted || out.FrameCount != 5 || out.ScanID == "" {
		t.Fatalf("expected the captured scan to be saved, got %+v", out)
	}
	scan, err := d.Store().GetScan(context.Background(), out.ScanID)
	if err != nil || scan == nil {
		t.Fatalf("GetScan: %v %v", scan, err)
	}
	images, err := d.Store().ScanImages(context.Background(), out.ScanID)
	if err != nil || len(images) != 5 {
		t.Fatalf("expected 5 saved images, got %d (%v)", len(images), err)
	}
	if status := d.Status(); !status.Running || status.ChannelError != "" {
		t.Fatalf("daemon should still be serving, got %+v", status)
	}
}

func TestPreviewYieldsToScan(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFrames(4))
	d := newDaemon(t, cfg, worker.WithStreamInterval(5*time.Millisecond), worker.WithMaxMotion(20*time.Millisecond))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	client, err := api.NewClient(d.APIAddr(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := client.StartPreview(ctx); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	var preview api.PreviewResponse
	for preview.Sequence == 0 {
		if preview, err = client.Preview(ctx); err != nil {
			t.Fatalf("Preview: %v", err)
		}
		if ctx.Err() != nil {
			t.Fatal("no preview frame before timeout")
		}
	}
	if !preview.Streaming || preview.MediaType != "image/png" || len(preview.Image) == 0 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if !d.Status().Preview {
		t.Fatal("status should report the preview")
	}

	sess, err := d.StartScan(scanner.Request{Metadata: metadata("p-5"), Settings: daemon.DefaultSettings(cfg)})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if d.Status().Preview {
		t.Fatal("starting a scan should stop the preview")
	}
	_, err = client.StartPreview(ctx)
	if faults.KindOf(err) != faults.KindBusy {
		t.Fatalf("expected busy while scanning, got %v", err)
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		t.Fatal("scan did not finish")
	}
	if out := sess.Outcome(); out.State != scanner.StateCompleted || out.FrameCount != 4 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, err := client.StopPreview(ctx); err != nil {
		t.Fatalf("StopPreview with nothing running: %v", err)
	}
}

func getJSON(t *testing.T, url, token string, wantStatus int, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}
