// Package usbtransport is the USB transport primitive layer: enumerate,
// open, claim, detach-kernel-driver, and blocking bulk/control I/O with
// timeouts. It is the only package in this module that imports gousb;
// every other core package talks to a device through the Handle type
// defined here.
package usbtransport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"

	"kburn/internal/kerr"
	"kburn/pkg/kburn"
)

const (
	openRetries      = 3
	openRetryDelay   = 500 * time.Millisecond
	claimRetries     = 20
	claimRetryDelay  = 500 * time.Millisecond
)

// Lister enumerates devices by VID/PID. Satisfied by *Context;
// session.WaitForUboot takes a *Context directly rather than a Lister.
type Lister interface {
	List(vid, pid uint16) ([]kburn.DeviceDescriptor, error)
}

// Context owns the process-wide gousb context. Exactly one should exist
// per process; the extraction cache and USB context are both meant to be
// process singletons, so Context is the one piece of shared state the
// core keeps explicit instead of global.
type Context struct {
	ctx *gousb.Context
}

// NewContext creates a USB context. Callers must Close it on shutdown.
func NewContext() *Context {
	return &Context{ctx: gousb.NewContext()}
}

// Close releases the underlying libusb context.
func (c *Context) Close() error {
	return c.ctx.Close()
}

// List enumerates every device matching vid/pid and returns a
// descriptor per physical location.
func (c *Context) List(vid, pid uint16) ([]kburn.DeviceDescriptor, error) {
	var out []kburn.DeviceDescriptor

	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil && len(devs) == 0 {
		return nil, kerr.Wrap(kerr.KindUsb, "usbtransport.List", err)
	}

	for _, d := range devs {
		out = append(out, kburn.DeviceDescriptor{
			VID:  uint16(d.Desc.Vendor),
			PID:  uint16(d.Desc.Product),
			Path: busPortPath(d.Desc),
		})
		d.Close()
	}

	return out, nil
}

func busPortPath(desc *gousb.DeviceDesc) string {
	if len(desc.Port) == 0 {
		return strconv.Itoa(desc.Bus)
	}
	parts := make([]string, len(desc.Port))
	for i, p := range desc.Port {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(parts, "."))
}

// Handle is an opened, claimed USB interface plus its discovered bulk
// endpoints. While a Handle exists the interface is claimed and any
// kernel driver is detached; Close releases both.
type Handle struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	EpOutMPS int
}

// OutMaxPacketSize returns the OUT endpoint's max packet size, the unit
// the ZLP-after-exact-multiple quirk sizes its check against.
func (h *Handle) OutMaxPacketSize() int { return h.EpOutMPS }

// Open finds and claims the device at descriptor's physical path: up to
// 3 retries at 500ms for a device still settling after enumeration,
// kernel-driver detach where supported, then up to 20 claim retries at
// 500ms because a prior session may still be releasing the interface.
func (c *Context) Open(descriptor kburn.DeviceDescriptor) (*Handle, error) {
	var dev *gousb.Device
	var err error

	for attempt := 0; attempt < openRetries; attempt++ {
		dev, err = c.findAtPath(descriptor)
		if err == nil {
			break
		}
		time.Sleep(openRetryDelay)
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.KindUsb, "usbtransport.Open", err)
	}

	_ = dev.SetAutoDetach(true)

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, kerr.Wrap(kerr.KindUsb, "usbtransport.Open.Config", err)
	}

	var intf *gousb.Interface
	for attempt := 0; attempt < claimRetries; attempt++ {
		intf, err = cfg.Interface(kburn.USBInterface, 0)
		if err == nil {
			break
		}
		time.Sleep(claimRetryDelay)
	}
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, kerr.Msg(kerr.KindUsb, "usbtransport.Open.Claim", "interface busy after %d retries: %v", claimRetries, err)
	}

	h := &Handle{dev: dev, cfg: cfg, intf: intf}
	if err := h.discoverEndpoints(); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (c *Context) findAtPath(descriptor kburn.DeviceDescriptor) (*gousb.Device, error) {
	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == descriptor.VID &&
			uint16(desc.Product) == descriptor.PID &&
			busPortPath(desc) == descriptor.Path
	})
	if err != nil || len(devs) == 0 {
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("device not found at path %s", descriptor.Path)
	}
	// Close any duplicates beyond the first (shouldn't happen for a
	// unique physical path, but stay defensive).
	for _, d := range devs[1:] {
		d.Close()
	}
	return devs[0], nil
}

// discoverEndpoints walks the claimed interface's active alternate
// setting and records the last bulk IN/OUT endpoint found, matching the
// device which exposes exactly one pair.
func (h *Handle) discoverEndpoints() error {
	desc := h.intf.Setting
	for _, ep := range desc.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			in, err := h.intf.InEndpoint(ep.Number)
			if err != nil {
				return kerr.Wrap(kerr.KindUsb, "usbtransport.discoverEndpoints.In", err)
			}
			h.epIn = in
		} else {
			out, err := h.intf.OutEndpoint(ep.Number)
			if err != nil {
				return kerr.Wrap(kerr.KindUsb, "usbtransport.discoverEndpoints.Out", err)
			}
			h.epOut = out
			h.EpOutMPS = ep.MaxPacketSize
		}
	}

	if h.epIn == nil || h.epOut == nil {
		return kerr.Msg(kerr.KindUsb, "usbtransport.discoverEndpoints", "no bulk IN/OUT endpoint pair found")
	}
	return nil
}

// Close releases the claimed interface and closes the device.
func (h *Handle) Close() error {
	if h.intf != nil {
		h.intf.Close()
	}
	if h.cfg != nil {
		h.cfg.Close()
	}
	if h.dev != nil {
		return h.dev.Close()
	}
	return nil
}

// ControlIn issues a vendor IN control transfer and returns the bytes
// read.
func (h *Handle) ControlIn(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, length)
	n, err := h.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		request, value, index, buf)
	if err != nil {
		return nil, classifyErr(ctx, "usbtransport.ControlIn", err)
	}
	return buf[:n], nil
}

// ControlOut issues a vendor OUT control transfer with no data stage.
func (h *Handle) ControlOut(request uint8, value, index uint16, timeout time.Duration) error {
	_, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := h.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		request, value, index, nil)
	if err != nil {
		return kerr.Wrap(kerr.KindUsb, "usbtransport.ControlOut", err)
	}
	return nil
}

// BulkOut writes data to the OUT endpoint, returning a Timeout kerr.Error
// on deadline exceeded and a Usb error on any other failure.
func (h *Handle) BulkOut(data []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := h.epOut.WriteContext(ctx, data)
	if err != nil {
		return classifyErr(ctx, "usbtransport.BulkOut", err)
	}
	if n != len(data) {
		return kerr.Msg(kerr.KindUsb, "usbtransport.BulkOut", "short write %d != %d", n, len(data))
	}
	return nil
}

// BulkIn reads up to len(buf) bytes from the IN endpoint. Returns the
// byte count and, on a deadline-exceeded failure, a *kerr.Error with
// Kind == kerr.KindTimeout so callers can distinguish timeouts from
// fatal I/O errors and decide whether to retry.
func (h *Handle) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := h.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, classifyErr(ctx, "usbtransport.BulkIn", err)
	}
	return n, nil
}

func classifyErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return kerr.Wrap(kerr.KindTimeout, op, err)
	}
	return kerr.Wrap(kerr.KindUsb, op, err)
}
