// Package main is the kburn-cli entrypoint: enumerate the K230, drive
// it through BROM and/or UBOOT, and show progress in a terminal UI.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atotto/clipboard"

	"kburn/cmd/kburn-cli/internal/progressui"
	"kburn/internal/config"
	"kburn/internal/diag"
	"kburn/internal/kerr"
	"kburn/pkg/brom"
	"kburn/pkg/image"
	"kburn/pkg/kburn"
	"kburn/pkg/session"
	"kburn/pkg/usbtransport"
)

var (
	flagPath       = flag.String("path", "", "bus-port path of the device to use (default: first match)")
	flagMedium     = flag.String("medium", "emmc", "target medium: emmc, sdcard, spi_nand, spi_nor, otp")
	flagImage      = flag.String("image", "", "path to the firmware image to burn")
	flagLoadAddr   = flag.Uint64("load-address", brom.DefaultAddress, "SRAM load/jump address for the BROM loader")
	flagVersion    = flag.Int("wire-version", kburn.DefaultUbootWireVersion, "UBOOT wrapper version (0 or 1)")
	flagTimeout    = flag.Duration("wait-timeout", 0, "how long to wait for the UBOOT re-enumeration (0 = forever)")
	flagCopyInfo   = flag.Bool("copy-chip-info", false, "copy the identified device's descriptor string to the clipboard and exit")
	flagListOnly   = flag.Bool("list", false, "list matching devices and exit")
)

type stdoutLogger struct{}

func (stdoutLogger) Log(level kburn.Level, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]any{levelTag(level)}, args...)...)
}

func levelTag(l kburn.Level) string {
	switch l {
	case kburn.LevelTrace:
		return "trace"
	case kburn.LevelDebug:
		return "debug"
	case kburn.LevelError:
		return "error"
	default:
		return "info"
	}
}

func main() {
	flag.Parse()

	logger := stdoutLogger{}
	diag.LogHostInfo(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}

	medium := parseMedium(*flagMedium)
	if medium == kburn.MediumInvalid {
		fatal("unknown medium %q", *flagMedium)
	}

	ctx, cancel := signalContext()
	defer cancel()

	usbCtx := usbtransport.NewContext()
	defer usbCtx.Close()

	if *flagListOnly {
		listDevices(usbCtx, cfg)
		return
	}

	descriptors, err := usbCtx.List(cfg.VID, cfg.PID)
	if err != nil || len(descriptors) == 0 {
		fatal("no device found at vid=%04x pid=%04x", cfg.VID, cfg.PID)
	}
	target := descriptors[0]
	if *flagPath != "" {
		target = findByPath(descriptors, *flagPath)
	}

	sess, err := session.Open(ctx, usbCtx, target, *flagVersion, logger)
	if err != nil {
		fatal("open session: %v", err)
	}

	if *flagCopyInfo {
		text := sess.Descriptor.String()
		if err := clipboard.WriteAll(text); err != nil {
			logger.Log(kburn.LevelError, "clipboard copy failed: %v", err)
		} else {
			fmt.Println("copied:", text)
		}
		sess.Close()
		return
	}

	switch sess.Kind {
	case kburn.KindBrom:
		sess = runBrom(ctx, usbCtx, sess, medium, cfg, logger)
	case kburn.KindUboot:
		// already in UBOOT mode; fall through to the burn step below
	}

	if *flagImage == "" {
		logger.Log(kburn.LevelInfo, "no -image given, stopping after handoff")
		sess.Close()
		return
	}

	if err := burnImage(ctx, sess, medium, *flagImage, cfg); err != nil {
		fatal("burn failed: %v", err)
	}
	sess.Close()
}

func runBrom(ctx context.Context, usbCtx *usbtransport.Context, sess *session.Session, medium kburn.MediumType, cfg *config.Config, logger kburn.Logger) *session.Session {
	b, ok := sess.Burner.(*brom.Burner)
	if !ok {
		fatal("session burner is not a brom.Burner")
	}
	b.SetMediumType(medium)

	loader, ok := b.GetLoader()
	if !ok {
		fatal("no embedded loader for medium %s", medium)
	}

	err := progressui.Run("uploading loader", func(sink kburn.ProgressSink) error {
		return b.Write(ctx, bytes.NewReader(loader), uint64(len(loader)), *flagLoadAddr, 0, 0, sink)
	})
	if err != nil {
		fatal("loader upload failed: %v", err)
	}

	if err := b.BootFrom(ctx, *flagLoadAddr); err != nil {
		fatal("boot from loader failed: %v", err)
	}
	sess.Close()

	time.Sleep(kburn.PostJumpSettleDelay)

	waitCtx := ctx
	var cancel context.CancelFunc
	if *flagTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, *flagTimeout)
		defer cancel()
	}

	next, err := session.WaitForUboot(waitCtx, usbCtx, cfg.VID, cfg.PID, sess.Descriptor.Path, 0, *flagVersion, logger)
	if err != nil {
		fatal("wait for uboot: %v", err)
	}
	return next
}

// eraseMaxRetry bounds how many times burnImage re-reads an EraseLba
// status before giving up on a single partition's erase.
const eraseMaxRetry = 5

func burnImage(ctx context.Context, sess *session.Session, medium kburn.MediumType, path string, cfg *config.Config) error {
	img, err := image.Open(path)
	if err != nil {
		return kerr.Wrap(kerr.KindIO, "main.burnImage", err)
	}
	defer img.Close()

	if err := sess.Burner.Probe(ctx, medium); err != nil {
		return err
	}
	if _, err := sess.Burner.Info(ctx); err != nil {
		return err
	}

	items, err := img.Extract(ctx, cfg.CacheDir)
	if err != nil {
		return err
	}

	for _, item := range items {
		item := item
		if err := sess.Burner.Erase(ctx, item.Offset, item.Size, eraseMaxRetry); err != nil {
			return err
		}
		err := progressui.Run(fmt.Sprintf("writing %s", item.Name), func(sink kburn.ProgressSink) error {
			f, err := os.Open(item.Path)
			if err != nil {
				return kerr.Wrap(kerr.KindIO, "main.burnImage", err)
			}
			defer f.Close()
			return sess.Burner.Write(ctx, f, item.Size, item.Offset, item.MaxSize, item.Flags, sink)
		})
		if err != nil {
			return err
		}
	}

	return sess.Burner.Reboot(ctx)
}

func listDevices(usbCtx *usbtransport.Context, cfg *config.Config) {
	descriptors, err := usbCtx.List(cfg.VID, cfg.PID)
	if err != nil {
		fatal("list devices: %v", err)
	}
	for _, d := range descriptors {
		fmt.Println(d.String())
	}
}

func findByPath(descriptors []kburn.DeviceDescriptor, path string) kburn.DeviceDescriptor {
	for _, d := range descriptors {
		if d.Path == path {
			return d
		}
	}
	fatal("no device at path %s", path)
	return kburn.DeviceDescriptor{}
}

func parseMedium(s string) kburn.MediumType {
	switch s {
	case "emmc":
		return kburn.MediumEmmc
	case "sdcard":
		return kburn.MediumSdCard
	case "spi_nand":
		return kburn.MediumSpiNand
	case "spi_nor":
		return kburn.MediumSpiNor
	case "otp":
		return kburn.MediumOtp
	default:
		return kburn.MediumInvalid
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "kburn-cli: "+format+"\n", args...)
	os.Exit(1)
}
