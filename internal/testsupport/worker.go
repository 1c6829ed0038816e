package testsupport

import (
	"context"
	"io"
	"testing"
	"time"

	"bloom/internal/hwchannel"
	"bloom/internal/worker"
)

// StartWorker runs an in-process mock worker joined to a Channel by pipes.
// Frames default to a small size so tests stay fast.
func StartWorker(t testing.TB, opts ...worker.Option) *hwchannel.Channel {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	opts = append([]worker.Option{worker.WithFrameSize(32, 24)}, opts...)
	srv := worker.NewServer(reqR, respW, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
		_ = respW.Close()
	}()

	ch := hwchannel.New(respR, reqW, hwchannel.WithTimeout(5*time.Second))
	t.Cleanup(func() {
		_ = ch.Close()
		_ = reqR.Close()
		<-done
	})
	return ch
}
