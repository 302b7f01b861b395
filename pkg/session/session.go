// Package session ties the transport, identity, and burner packages
// together into the enumerate-classify-drive lifecycle a CLI or monitor
// actually runs: open a device, find out what it is, get a Burner for
// it, and — for the BROM case — wait for it to reappear as UBOOT after
// the loader jump.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"kburn/internal/kerr"
	"kburn/pkg/brom"
	"kburn/pkg/burner"
	"kburn/pkg/identity"
	"kburn/pkg/kburn"
	"kburn/pkg/uboot"
	"kburn/pkg/usbtransport"
)

// Session is one opened, classified device and the Burner driving it.
// ID is a fresh UUID string stamped by each Open and included in its
// "session opened" log line. The session WaitForUboot returns after the
// BROM->UBOOT handoff comes from a new Open and so carries a new ID.
type Session struct {
	ID         string
	Descriptor kburn.DeviceDescriptor
	Kind       kburn.DeviceKind
	Burner     burner.Burner
	Logger     kburn.Logger

	handle *usbtransport.Handle
}

// Open claims descriptor's device, classifies it, and constructs the
// matching Burner. version selects the UBOOT wrapper format when the
// device classifies as UBOOT; it is ignored otherwise.
func Open(ctx context.Context, usbCtx *usbtransport.Context, descriptor kburn.DeviceDescriptor, version int, logger kburn.Logger) (*Session, error) {
	if logger == nil {
		logger = kburn.NopLogger{}
	}

	handle, err := usbCtx.Open(descriptor)
	if err != nil {
		return nil, err
	}

	kind, err := identity.Classify(handle)
	if err != nil {
		handle.Close()
		return nil, err
	}
	if kind == kburn.KindInvalid {
		handle.Close()
		return nil, kerr.Msg(kerr.KindDevice, "session.Open", "unrecognized device at %s", descriptor.Path)
	}

	s := &Session{
		ID:         uuid.NewString(),
		Descriptor: descriptor,
		Kind:       kind,
		Logger:     logger,
		handle:     handle,
	}
	s.Descriptor.Kind = kind

	switch kind {
	case kburn.KindBrom:
		s.Burner = brom.New(handle)
	case kburn.KindUboot:
		ub, err := uboot.New(ctx, handle, version)
		if err != nil {
			handle.Close()
			return nil, err
		}
		s.Burner = ub
	}

	logger.Log(kburn.LevelInfo, "session %s opened %s as %s", s.ID, descriptor, kind)
	return s, nil
}

// Close releases the underlying USB handle.
func (s *Session) Close() error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Close()
}

// WaitForUboot re-enumerates vid/pid devices every pollInterval until
// one at path (or, if path is empty, the first one found) classifies as
// UBOOT, or ctx is done. Pass a context with no deadline for the
// "wait forever" behavior the original CLI defaults to.
func WaitForUboot(ctx context.Context, usbCtx *usbtransport.Context, vid, pid uint16, path string, pollInterval time.Duration, version int, logger kburn.Logger) (*Session, error) {
	if pollInterval <= 0 {
		pollInterval = kburn.DefaultPollInterval
	}

	for {
		descriptors, err := usbCtx.List(vid, pid)
		if err == nil {
			for _, d := range descriptors {
				if path != "" && d.Path != path {
					continue
				}

				s, err := Open(ctx, usbCtx, d, version, logger)
				if err != nil {
					continue
				}
				if s.Kind != kburn.KindUboot {
					s.Close()
					continue
				}
				return s, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, kerr.Wrap(kerr.KindTimeout, "session.WaitForUboot", err)
		}

		select {
		case <-ctx.Done():
			return nil, kerr.Wrap(kerr.KindTimeout, "session.WaitForUboot", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
