package kbuild

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// configList implements a repeatable -config flag.
type configList []string

func (c *configList) String() string { return strings.Join(*c, ",") }

func (c *configList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: kbuild <command> [arguments]")
	colSuccess.Println("Run 'kbuild <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build", "-config PATH [options]", "Configure, compile, package and flash a kernel"},
		{"log", "-config PATH", "View the compressed build log for a configuration"},
		{"upload", "-config PATH", "Upload built artifacts to the configured mirror"},
		{"version", "", "Version information"},
		{"help", "", "Show this help"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usage string
		if c.Args != "" {
			usage = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usage = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usage)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/kbuild.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
				cancel()

				// Give the child a moment to die and flush its buffers.
				time.Sleep(100 * time.Millisecond)

				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					color.Danger.Println("Second interrupt received. Forcing immediate exit.")
					os.Exit(130)
				case <-time.After(2 * time.Second):
					colArrow.Print("\n-> ")
					color.Danger.Println("Graceful shutdown timeout. Exiting.")
					os.Exit(130)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if os.Getenv("KBUILD_DEBUG") == "1" {
		Debug = true
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	var err error
	switch os.Args[1] {
	case "build", "b":
		err = handleBuildCommand(ctx, os.Args[2:])
	case "log":
		err = handleLogCommand(os.Args[2:])
	case "upload":
		err = handleUploadCommand(ctx, os.Args[2:])
	case "version", "--version":
		fmt.Printf("kbuild %s (%s, built %s)\n", version, hostArch, buildDate)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func handleBuildCommand(ctx context.Context, args []string) error {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	var configs configList
	buildCmd.Var(&configs, "config", "Build config path (repeatable)")
	skipCompileDB := buildCmd.Bool("skip-compile-db", false, "Skip generating a compilation database")
	genPkg := buildCmd.Bool("pkg", false, "Generate distribution packages")
	kselftest := buildCmd.Bool("kselftest", false, "Do a kselftest build")
	noFailOnStderr := buildCmd.Bool("nofail-on-stderr", false, "Don't gate the build on stderr output")
	if err := buildCmd.Parse(args); err != nil {
		return err
	}

	if len(configs) == 0 {
		buildCmd.PrintDefaults()
		return fmt.Errorf("at least one -config is required")
	}

	opts := BuildOptions{
		GenerateCompileDB: !*skipCompileDB,
		GeneratePkg:       *genPkg,
		FailOnStderr:      !*noFailOnStderr,
		Kselftest:         *kselftest,
	}

	for _, path := range configs {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		b, err := NewBuilder(ctx, cfg, opts)
		if err != nil {
			return err
		}
		if err := b.Build(); err != nil {
			return err
		}
	}
	return nil
}

func handleLogCommand(args []string) error {
	logCmd := flag.NewFlagSet("log", flag.ExitOnError)
	configPath := logCmd.String("config", "", "Build config path")
	kselftest := logCmd.Bool("kselftest", false, "Show the kselftest build's log")
	if err := logCmd.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		logCmd.PrintDefaults()
		return fmt.Errorf("-config is required")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	outputPath, err := outputDirFor(cfg, BuildOptions{Kselftest: *kselftest})
	if err != nil {
		return err
	}
	return showBuildLog(outputPath)
}

func handleUploadCommand(ctx context.Context, args []string) error {
	uploadCmd := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := uploadCmd.String("config", "", "Build config path")
	if err := uploadCmd.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		uploadCmd.PrintDefaults()
		return fmt.Errorf("-config is required")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	outputPath, err := outputDirFor(cfg, BuildOptions{})
	if err != nil {
		return err
	}
	return uploadArtifacts(ctx, cfg, outputPath)
}
