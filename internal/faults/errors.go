package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrChannel     = errors.New("hardware channel error")
	ErrHardware    = errors.New("hardware command error")
	ErrPersistence = errors.New("persistence error")
	ErrCancelled   = errors.New("scan cancelled")
	ErrBusy        = errors.New("scanner busy")
)

// Kind is the coarse classification reported in error events and API payloads.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindChannel     Kind = "channel"
	KindHardware    Kind = "hardware"
	KindPersistence Kind = "persistence"
	KindCancelled   Kind = "cancelled"
	KindBusy        Kind = "busy"
	KindUnknown     Kind = "unknown"
)

// Classifier lets an error declare its own kind without wrapping a sentinel.
type Classifier interface {
	ErrorKind() Kind
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrHardware
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err. Channel failures win over hardware failures because a
// lost channel is fatal for the whole rig, not just the command that saw it.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrChannel):
		return KindChannel
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrHardware):
		return KindHardware
	}
	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return KindUnknown
}

// Hint returns a short operator-facing next step for the error kind.
func Hint(kind Kind) string {
	switch kind {
	case KindValidation:
		return "correct the scan metadata or settings and start again"
	case KindChannel:
		return "the hardware worker stopped responding; restart it and check its log"
	case KindHardware:
		return "check camera and turntable connections, then retry the scan"
	case KindPersistence:
		return "frames were captured but not saved; check disk space and database permissions"
	case KindBusy:
		return "wait for the active scan to finish or cancel it"
	default:
		return "check logs for details"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "scanner failure"
	}
	return strings.Join(parts, ": ")
}
