package faults_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"bloom/internal/faults"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := faults.Wrap(faults.ErrHardware, "rotation", "rotate", "stalled", base)
	if !errors.Is(err, faults.ErrHardware) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	for _, fragment := range []string{"rotation", "rotate", "stalled", "boom"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in error string %q", fragment, err.Error())
		}
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := faults.Wrap(faults.ErrValidation, "", "", "", nil)
	if err.Error() != "validation error: scanner failure" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

type classified struct{}

func (classified) Error() string          { return "custom" }
func (classified) ErrorKind() faults.Kind { return faults.KindPersistence }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"nil", nil, ""},
		{"validation", faults.Wrap(faults.ErrValidation, "scanner", "start", "plant_id required", nil), faults.KindValidation},
		{"channel", faults.Wrap(faults.ErrChannel, "hwchannel", "daq:rotate", "", errors.New("eof")), faults.KindChannel},
		{"hardware", faults.Wrap(faults.ErrHardware, "camera", "capture", "", nil), faults.KindHardware},
		{"persistence", fmt.Errorf("save: %w", faults.ErrPersistence), faults.KindPersistence},
		{"cancelled", faults.ErrCancelled, faults.KindCancelled},
		{"context cancelled", fmt.Errorf("wait: %w", context.Canceled), faults.KindCancelled},
		{"busy", faults.ErrBusy, faults.KindBusy},
		{"classifier", classified{}, faults.KindPersistence},
		{"unknown", errors.New("mystery"), faults.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := faults.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOfPrefersChannelOverHardware(t *testing.T) {
	inner := faults.Wrap(faults.ErrChannel, "hwchannel", "camera:capture", "", errors.New("worker exited"))
	outer := faults.Wrap(faults.ErrHardware, "camera", "capture", "", inner)
	if got := faults.KindOf(outer); got != faults.KindChannel {
		t.Fatalf("expected channel kind, got %q", got)
	}
}
