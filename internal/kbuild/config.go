package kbuild

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// ConfigSource selects where the kernel .config comes from: either a named
// in-tree defconfig target or an out-of-tree config file copied into the
// output directory. Exactly one may be set; the invalid combinations are
// rejected here so the phases never re-check.
type ConfigSource struct {
	defconfig  string
	configFile string
}

func NewConfigSource(defconfig, configFile string) (ConfigSource, error) {
	if defconfig != "" && configFile != "" {
		return ConfigSource{}, fmt.Errorf("specifying both defconfig and config_file is invalid")
	}
	if defconfig == "" && configFile == "" {
		return ConfigSource{}, fmt.Errorf("one of defconfig or config_file must be set")
	}
	return ConfigSource{defconfig: defconfig, configFile: configFile}, nil
}

// IsDefconfig reports whether the source is a named defconfig target.
func (s ConfigSource) IsDefconfig() bool { return s.defconfig != "" }

func (s ConfigSource) Defconfig() string { return s.defconfig }

func (s ConfigSource) ConfigFile() string { return s.configFile }

// Postfix returns the identifier used in output directory names: the
// defconfig name, or the basename of the out-of-tree config file.
func (s ConfigSource) Postfix() string {
	if s.defconfig != "" {
		return s.defconfig
	}
	return filepath.Base(s.configFile)
}

// MirrorConfig holds the optional S3-compatible mirror used by
// 'kbuild upload'. All fields except Region are required when the
// [mirror] section is present.
type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Config is the immutable per-run build configuration, loaded once from an
// ini file and owned by a single Builder.
type Config struct {
	KernelPartUUID string
	RootUUID       string

	Source          ConfigSource
	KernelArch      string
	Compiler        string
	CompilerInstall string
	Jobs            int

	VbutilKernel string
	Keyblock     string
	DataKey      string
	Cmdline      string
	VbutilArch   string

	Mkimage string
	ItsFile string

	InstallModules   bool
	InstallDtbs      bool
	InstallHeaders   bool
	GenerateHtmldocs bool
	CompletionText   string

	Mirror *MirrorConfig
}

// LoadConfig reads an ini build configuration. Partition UUIDs are
// normalized to lower case, jobs defaults to 1, boolean install/doc
// switches default to off.
func LoadConfig(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	target := f.Section("target")
	build := f.Section("build")

	source, err := NewConfigSource(build.Key("defconfig").String(),
		build.Key("config_file").String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg := &Config{
		KernelPartUUID: strings.ToLower(target.Key("kernel_part_uuid").String()),
		RootUUID:       strings.ToLower(target.Key("root_uuid").String()),

		Source:          source,
		KernelArch:      build.Key("kernel_arch").String(),
		Compiler:        build.Key("compiler").String(),
		CompilerInstall: build.Key("compiler_install").String(),
		Jobs:            build.Key("jobs").MustInt(1),

		VbutilKernel: build.Key("vbutil_kernel").String(),
		Keyblock:     build.Key("keyblock").String(),
		DataKey:      build.Key("data_key").String(),
		Cmdline:      build.Key("cmdline").String(),
		VbutilArch:   build.Key("vbutil_arch").String(),

		Mkimage: build.Key("mkimage").String(),
		ItsFile: build.Key("its_file").String(),

		InstallModules:   build.Key("install_modules").MustBool(false),
		InstallDtbs:      build.Key("install_dtbs").MustBool(false),
		InstallHeaders:   build.Key("install_headers").MustBool(false),
		GenerateHtmldocs: build.Key("generate_htmldocs").MustBool(false),
		CompletionText:   build.Key("completion_text").String(),
	}

	if cfg.KernelArch == "" {
		return nil, fmt.Errorf("%s: kernel_arch is not set", path)
	}

	if mirror, err := f.GetSection("mirror"); err == nil {
		mc := &MirrorConfig{
			Endpoint:  mirror.Key("endpoint").String(),
			Bucket:    mirror.Key("bucket").String(),
			AccessKey: mirror.Key("access_key").String(),
			SecretKey: mirror.Key("secret_key").String(),
			Region:    mirror.Key("region").MustString("auto"),
		}
		if mc.Endpoint == "" || mc.Bucket == "" || mc.AccessKey == "" || mc.SecretKey == "" {
			return nil, fmt.Errorf("%s: [mirror] requires endpoint, bucket, access_key and secret_key", path)
		}
		cfg.Mirror = mc
	}

	return cfg, nil
}
