package kbuild

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// isBlockDevice reports whether path exists and is a block device node.
func isBlockDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK
}

// waitForBlockDevice polls every two seconds, without bound, until the
// device node appears. The target environment is removable media, so the
// missing device is an operator action away, not an error. Only an operator
// interrupt of the whole run ends the wait early.
func waitForBlockDevice(ctx context.Context, path string) error {
	if isBlockDevice(path) {
		return nil
	}
	colArrow.Print("-> ")
	colNote.Println("Insert your USB key...")
	for !isBlockDevice(path) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// flash raw-copies the packed kernel onto the configured partition, then
// optionally installs modules and device-tree blobs into the root
// filesystem. Optional at both levels: skipped entirely without a kernel
// partition UUID, and the rootfs install is skipped without a root UUID.
func (b *Builder) flash() error {
	if b.cfg.KernelPartUUID == "" {
		return nil
	}

	kernelPart := "/dev/disk/by-partuuid/" + b.cfg.KernelPartUUID
	if err := waitForBlockDevice(b.rootExec.Context, kernelPart); err != nil {
		return err
	}

	if err := b.run(Invocation{
		Args:       []string{"dd", "if=" + b.packedKernel, "of=" + kernelPart},
		Root:       true,
		ShowPrompt: true,
	}); err != nil {
		return err
	}
	if err := b.run(Invocation{Args: []string{"sync"}, ShowPrompt: true}); err != nil {
		return err
	}

	if b.cfg.RootUUID == "" {
		return nil
	}

	rootDev := "/dev/disk/by-uuid/" + b.cfg.RootUUID
	if err := waitForBlockDevice(b.rootExec.Context, rootDev); err != nil {
		return err
	}

	mountPt, err := os.MkdirTemp("", "kbuild-root-")
	if err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	defer os.Remove(mountPt)

	mountCmd := exec.Command("mount", "UUID="+b.cfg.RootUUID, mountPt)
	if err := b.rootExec.Run(mountCmd); err != nil {
		return fmt.Errorf("mount failed for UUID=%s: %w", b.cfg.RootUUID, err)
	}

	var installErr error
	if b.cfg.InstallModules {
		installErr = b.runMake(map[string]string{"INSTALL_MOD_PATH": mountPt},
			[]string{"modules_install"}, true, false)
	}
	if installErr == nil && b.cfg.InstallDtbs {
		installErr = b.runMake(map[string]string{"INSTALL_DTBS_PATH": mountPt},
			[]string{"dtbs_install"}, true, false)
	}

	// Unmount unconditionally, whatever the install outcome.
	umountCmd := exec.Command("umount", mountPt)
	if err := b.rootExec.Run(umountCmd); err != nil {
		if installErr == nil {
			installErr = fmt.Errorf("failed to umount %s: %w", mountPt, err)
		} else {
			cPrintf(colWarn, "Failed to umount %s: %v\n", mountPt, err)
		}
	}
	return installErr
}
