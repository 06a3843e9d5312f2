package kbuild

import (
	"fmt"
	"os"
	"path/filepath"
)

// packageKernel wraps the compiled kernel for the bootloader. The phase is
// optional: nothing runs without a configured mkimage, and the verified-boot
// pack only runs when vbutil_kernel is also configured.
func (b *Builder) packageKernel() error {
	if b.cfg.Mkimage == "" {
		return nil
	}

	uimg := filepath.Join(b.outputPath, "vmlinux.uimg")
	if err := b.run(Invocation{
		Args: []string{
			b.cfg.Mkimage,
			"-D", `""-I dts -O dtb -p 2048""`,
			"-f", b.cfg.ItsFile,
			uimg,
		},
		ShowPrompt: true,
	}); err != nil {
		return err
	}

	if b.cfg.VbutilKernel == "" {
		return nil
	}

	// The packed image needs a bootloader stub; a zero-filled sector does.
	zero := filepath.Join(b.outputPath, "zero.bin")
	if err := b.run(Invocation{
		Args:       []string{"dd", "if=/dev/zero", "of=" + zero, "bs=512", "count=1"},
		ShowPrompt: true,
	}); err != nil {
		return err
	}

	cmdline := filepath.Join(b.outputPath, "cmdline")
	if err := os.WriteFile(cmdline, []byte(b.cfg.Cmdline), 0o644); err != nil {
		return fmt.Errorf("failed to write kernel cmdline: %w", err)
	}

	if err := b.run(Invocation{
		Args: []string{
			b.cfg.VbutilKernel,
			"--pack", b.packedKernel,
			"--version", "1",
			"--vmlinuz", uimg,
			"--arch", b.cfg.VbutilArch,
			"--keyblock", b.cfg.Keyblock,
			"--signprivate", b.cfg.DataKey,
			"--config", cmdline,
			"--bootloader", zero,
		},
		ShowPrompt: true,
	}); err != nil {
		return err
	}

	if err := writeChecksumFile(b.packedKernel); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Packed kernel: %s\n", b.packedKernel)

	// Bundle the staged module tree next to the packed image so it can be
	// shipped to a mirror alongside the kernel.
	if b.cfg.InstallModules {
		modulesDir := filepath.Join(b.outputPath, "installed_modules")
		if _, err := os.Stat(modulesDir); err == nil {
			bundle := filepath.Join(b.outputPath, "modules.tar.zst")
			if err := createTarZst(modulesDir, bundle); err != nil {
				return fmt.Errorf("failed to bundle modules: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Printf("Module bundle: %s\n", bundle)
		}
	}

	return nil
}
