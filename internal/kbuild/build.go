package kbuild

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// BuildOptions are the per-run switches that come from the command line
// rather than the config file.
type BuildOptions struct {
	GenerateCompileDB bool
	GeneratePkg       bool
	FailOnStderr      bool
	Kselftest         bool
}

// Invocation describes one external command run by a build phase: the
// argument vector, the environment overlay, and the flags steering the
// error-classification step afterwards. Constructed fresh per phase.
type Invocation struct {
	Args         []string
	ExtraEnv     []string // KEY=VALUE pairs appended to the inherited environment
	Root         bool     // escalate via sudo -E
	FailOnStderr bool     // general stderr lines join the continue/abort gate
	ShowPrompt   bool     // false marks a non-interactive phase: abort on any failure
}

// Builder drives the sequential phase state machine for one configuration.
// Phases are strictly sequential: the next invocation never starts before
// the previous process has exited and both output streams are drained.
type Builder struct {
	cfg  *Config
	opts BuildOptions

	outputPath   string
	packedKernel string

	userExec *Executor
	rootExec *Executor

	stdin       *bufio.Reader
	interactive bool
	logw        io.Writer

	// run and fetch are swapped out in tests.
	run   func(inv Invocation) error
	fetch func() error
}

// outputDirFor derives the per-configuration output directory name under
// the current working directory.
func outputDirFor(cfg *Config, opts BuildOptions) (string, error) {
	prefix := "build"
	if cfg.GenerateHtmldocs {
		prefix = "htmldocs"
	} else if opts.Kselftest {
		prefix = "kselftest"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd,
		fmt.Sprintf(".%s_%s-%s", prefix, cfg.KernelArch, cfg.Source.Postfix())), nil
}

// NewBuilder validates the configuration, creates (or reuses) the
// per-configuration output directory and wires up the executors.
func NewBuilder(ctx context.Context, cfg *Config, opts BuildOptions) (*Builder, error) {
	outputPath, err := outputDirFor(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outputPath, err)
	}

	b := &Builder{
		cfg:          cfg,
		opts:         opts,
		outputPath:   outputPath,
		packedKernel: filepath.Join(outputPath, "vmlinux.kpart"),
		userExec:     NewExecutor(ctx, false),
		rootExec:     NewExecutor(ctx, true),
		stdin:        bufio.NewReader(os.Stdin),
		interactive:  term.IsTerminal(int(os.Stdin.Fd())),
	}
	b.run = b.runCommand
	b.fetch = b.fetchCrossWrapper

	colArrow.Print("-> ")
	colSuccess.Printf("Output directory: %s\n", outputPath)
	return b, nil
}

// runCommand prints the invocation banner, runs the command with both
// streams drained concurrently, then routes the capture through the
// classifier. This is the only place external commands are executed.
func (b *Builder) runCommand(inv Invocation) error {
	banner := fmt.Sprintf("\n#############################################################\n#\n# %s\n#\n",
		strings.Join(inv.Args, " "))
	fmt.Print(banner)
	if b.logw != nil {
		fmt.Fprint(b.logw, banner)
	}

	e := b.userExec
	if inv.Root {
		e = b.rootExec
	}
	res, err := e.RunCapture(inv.Args, inv.ExtraEnv, b.logw)
	if err != nil {
		return err
	}
	return b.reviewCapture(inv, res)
}

// runMake invokes the kernel build through the cross wrapper. The kernel
// Makefile is inconsistent about which arguments may be environment
// variables and which must be command-line assignments, so everything is
// rendered as an assignment.
func (b *Builder) runMake(env map[string]string, targets []string, root, bear bool) error {
	assigns := map[string]string{
		"ARCH": b.cfg.KernelArch,
		"O":    b.outputPath,
	}
	for k, v := range env {
		assigns[k] = v
	}

	var args []string
	if bear {
		args = append(args, "bear")
	}
	args = append(args, "./make.cross")

	keys := make([]string, 0, len(assigns))
	for k := range assigns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+assigns[k])
	}

	args = append(args, "-j"+strconv.Itoa(b.cfg.Jobs))
	args = append(args, targets...)

	// make.cross picks the toolchain up from the environment.
	extraEnv := []string{
		"COMPILER=" + b.cfg.Compiler,
		"COMPILER_INSTALL_PATH=" + b.cfg.CompilerInstall,
	}

	return b.run(Invocation{
		Args:         args,
		ExtraEnv:     extraEnv,
		Root:         root,
		FailOnStderr: b.opts.FailOnStderr,
		ShowPrompt:   true,
	})
}

// configure selects the kernel configuration, then normalizes it via the
// resolve-defaults target when it came from an out-of-tree file.
func (b *Builder) configure() error {
	if b.cfg.Source.IsDefconfig() {
		return b.runMake(nil, []string{b.cfg.Source.Defconfig()}, false, false)
	}

	src := b.cfg.Source.ConfigFile()
	colArrow.Print("-> ")
	colSuccess.Printf("Using out-of-tree config %s\n", src)

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", src, err)
	}
	dst := filepath.Join(b.outputPath, ".config")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return b.runMake(nil, []string{"olddefconfig"}, false, false)
}

// compile runs the main build target plus the conditional install and
// compile-database steps.
func (b *Builder) compile() error {
	// When bear is available, the compilation database falls out of the main
	// build; otherwise the in-tree generator script runs afterwards.
	useBear := false
	if b.opts.GenerateCompileDB {
		if _, err := exec.LookPath("bear"); err == nil {
			useBear = true
		}
	}

	var target string
	switch {
	case b.opts.GeneratePkg && !b.opts.Kselftest:
		target = "bindeb-pkg"
	case b.cfg.GenerateHtmldocs:
		target = "htmldocs"
	case b.opts.Kselftest:
		target = "kselftest"
	default:
		target = "all"
	}
	if err := b.runMake(nil, []string{target}, false, useBear); err != nil {
		return err
	}

	if b.cfg.InstallModules {
		modulesDst := filepath.Join(b.outputPath, "installed_modules")
		if err := b.runMake(map[string]string{"INSTALL_MOD_PATH": modulesDst},
			[]string{"modules_install"}, false, false); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Installed modules to %s\n", modulesDst)
	}

	if b.opts.GenerateCompileDB && !useBear {
		script := "scripts/gen_compile_commands.py"
		if _, err := os.Stat(script); err != nil {
			script = "scripts/clang-tools/gen_compile_commands.py"
		}
		// Documentation/tooling step: never prompts, aborts on failure.
		if err := b.run(Invocation{
			Args:       []string{script, "-d", b.outputPath, "--log_level", "INFO"},
			ShowPrompt: false,
		}); err != nil {
			return err
		}
	}

	if b.cfg.InstallDtbs {
		if err := b.runMake(nil, []string{"dtbs"}, false, false); err != nil {
			return err
		}
	}

	if b.cfg.InstallHeaders {
		headersDst := filepath.Join(b.outputPath, "headers")
		if err := b.runMake(map[string]string{"INSTALL_HDR_PATH": headersDst},
			[]string{"headers_install"}, false, false); err != nil {
			return err
		}
	}

	return nil
}

// Build runs the whole phase sequence for one configuration. The first
// unrecovered phase failure terminates the run.
func (b *Builder) Build() (err error) {
	logPath := filepath.Join(b.outputPath, "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create build log: %w", err)
	}
	b.logw = logFile
	defer func() {
		b.logw = nil
		logFile.Close()
		if cerr := compressBuildLog(logPath); cerr != nil {
			debugf("log compression failed: %v\n", cerr)
		}
		colArrow.Print("-> ")
		colSuccess.Println("Finished")
	}()

	if err := b.fetch(); err != nil {
		return err
	}

	if err := b.configure(); err != nil {
		return err
	}
	if err := b.compile(); err != nil {
		return err
	}

	if !b.opts.Kselftest {
		if err := b.packageKernel(); err != nil {
			return err
		}
		if err := b.flash(); err != nil {
			return err
		}
	}

	if b.cfg.CompletionText != "" {
		cPrintln(colNote, b.cfg.CompletionText)
	}
	return nil
}
