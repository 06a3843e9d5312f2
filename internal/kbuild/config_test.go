package kbuild

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
[target]
kernel_part_uuid = ABCD-1234-EF
root_uuid = 0000-AAAA

[build]
defconfig = multi_v7_defconfig
kernel_arch = arm
compiler = gcc-12
compiler_install = /opt/cross
jobs = 8
mkimage = /usr/bin/mkimage
its_file = kernel.its
vbutil_kernel = /usr/bin/vbutil_kernel
keyblock = kernel.keyblock
data_key = kernel_data_key.vbprivk
cmdline = console=ttyS0 root=/dev/sda3
vbutil_arch = arm
install_modules = yes
install_dtbs = true
completion_text = all done
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.KernelPartUUID != "abcd-1234-ef" {
		t.Errorf("kernel_part_uuid not lowercased: %q", cfg.KernelPartUUID)
	}
	if cfg.RootUUID != "0000-aaaa" {
		t.Errorf("root_uuid = %q", cfg.RootUUID)
	}
	if !cfg.Source.IsDefconfig() || cfg.Source.Defconfig() != "multi_v7_defconfig" {
		t.Errorf("config source = %+v", cfg.Source)
	}
	if cfg.Jobs != 8 {
		t.Errorf("jobs = %d, want 8", cfg.Jobs)
	}
	if !cfg.InstallModules || !cfg.InstallDtbs {
		t.Errorf("install flags not parsed: modules=%v dtbs=%v", cfg.InstallModules, cfg.InstallDtbs)
	}
	if cfg.InstallHeaders || cfg.GenerateHtmldocs {
		t.Errorf("unset bools should default to false")
	}
	if cfg.Cmdline != "console=ttyS0 root=/dev/sda3" {
		t.Errorf("cmdline = %q", cfg.Cmdline)
	}
	if cfg.Mirror != nil {
		t.Errorf("no [mirror] section, got %+v", cfg.Mirror)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[build]
config_file = /home/me/configs/rk3399.config
kernel_arch = arm64
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Jobs != 1 {
		t.Errorf("jobs should default to 1, got %d", cfg.Jobs)
	}
	if cfg.KernelPartUUID != "" || cfg.RootUUID != "" {
		t.Errorf("uuids should default to empty")
	}
	if cfg.Source.IsDefconfig() {
		t.Errorf("source should be an out-of-tree file")
	}
	if got := cfg.Source.Postfix(); got != "rk3399.config" {
		t.Errorf("postfix = %q, want rk3399.config", got)
	}
}

func TestLoadConfigBothSourcesFails(t *testing.T) {
	path := writeConfig(t, `
[build]
defconfig = defconfig
config_file = /tmp/some.config
kernel_arch = arm64
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when both defconfig and config_file are set")
	} else if !strings.Contains(err.Error(), "invalid") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestLoadConfigNoSourceFails(t *testing.T) {
	path := writeConfig(t, `
[build]
kernel_arch = arm64
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when neither defconfig nor config_file is set")
	}
}

func TestLoadConfigMissingArchFails(t *testing.T) {
	path := writeConfig(t, `
[build]
defconfig = defconfig
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when kernel_arch is missing")
	}
}

func TestLoadConfigMirrorSection(t *testing.T) {
	path := writeConfig(t, `
[build]
defconfig = defconfig
kernel_arch = arm64

[mirror]
endpoint = https://minio.example.com
bucket = kernels
access_key = AK
secret_key = SK
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mirror == nil {
		t.Fatal("mirror section not parsed")
	}
	if cfg.Mirror.Region != "auto" {
		t.Errorf("region should default to auto, got %q", cfg.Mirror.Region)
	}
}

func TestLoadConfigMirrorIncompleteFails(t *testing.T) {
	path := writeConfig(t, `
[build]
defconfig = defconfig
kernel_arch = arm64

[mirror]
endpoint = https://minio.example.com
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for incomplete [mirror] section")
	}
}

func TestNewConfigSource(t *testing.T) {
	src, err := NewConfigSource("my_defconfig", "")
	if err != nil {
		t.Fatalf("NewConfigSource: %v", err)
	}
	if got := src.Postfix(); got != "my_defconfig" {
		t.Errorf("postfix = %q", got)
	}

	if _, err := NewConfigSource("a", "b"); err == nil {
		t.Error("both set should fail")
	}
	if _, err := NewConfigSource("", ""); err == nil {
		t.Error("neither set should fail")
	}
}
