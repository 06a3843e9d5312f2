package kbuild

import (
	"fmt"
	"regexp"
	"strings"
)

// stderrIgnore lists known benign warnings that are dropped before
// classification and never gate a build.
var stderrIgnore = []*regexp.Regexp{
	regexp.MustCompile(`#warning syscall (io_pgetevents|rseq) not implemented`),
}

// drmPattern tags stderr lines originating in the DRM subsystem's source tree.
var drmPattern = regexp.MustCompile(`(drivers/gpu/drm|include/drm|include/uapi/drm)`)

// Classification partitions one invocation's captured stderr lines.
// Ignored lines matched a known-benign pattern, DRM lines matched the
// subsystem path pattern, everything else is General.
type Classification struct {
	Ignored []string
	DRM     []string
	General []string
}

// Clean reports whether nothing but benign noise was captured.
func (c Classification) Clean() bool {
	return len(c.DRM) == 0 && len(c.General) == 0
}

func classifyStderr(lines []string) Classification {
	var c Classification
	for _, l := range lines {
		ignored := false
		for _, re := range stderrIgnore {
			if re.MatchString(l) {
				c.Ignored = append(c.Ignored, l)
				ignored = true
				break
			}
		}
		if ignored {
			continue
		}
		if drmPattern.MatchString(l) {
			c.DRM = append(c.DRM, l)
		} else {
			c.General = append(c.General, l)
		}
	}
	return c
}

const bannerRule = "***********************************************************"

// printErrorGroup prints one group of classified lines under its banner, or
// the clean banner when the group is empty.
func printErrorGroup(prefix string, lines []string) {
	fmt.Println(bannerRule)
	fmt.Println("*")
	if len(lines) > 0 {
		cPrintf(colWarn, "*              %s WARNINGS/ERRORS\n", prefix)
		fmt.Println("*")
		for _, l := range lines {
			fmt.Println(l)
		}
		fmt.Println("*")
	} else {
		cPrintf(colSuccess, "*              %s BUILD IS CLEAN\n", prefix)
		fmt.Println("*")
	}
	fmt.Println(bannerRule)
}

// CommandError reports a failed or operator-aborted external command.
type CommandError struct {
	Args     []string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d",
		strings.Join(e.Args, " "), e.ExitCode)
}

// reviewCapture applies the classification policy to a finished invocation.
//
// Policy: a non-empty DRM group always gates one continue/abort prompt; the
// general group is informational unless fail-on-stderr was requested, in
// which case it joins the same gate. At most one stderr prompt is shown per
// invocation. A non-zero exit code gates its own prompt. Phases flagged
// non-interactive never prompt and abort immediately on a non-zero exit.
func (b *Builder) reviewCapture(inv Invocation, res *CaptureResult) error {
	c := classifyStderr(res.StderrLines)
	for _, l := range c.Ignored {
		fmt.Printf("IGNORE: %s\n", l)
	}

	if len(c.DRM) > 0 {
		printErrorGroup("DRM", c.DRM)
	}
	// The kernel banner is always shown, reporting a clean build when the
	// general group is empty.
	printErrorGroup("KERNEL", c.General)

	gated := len(c.DRM) > 0 || (inv.FailOnStderr && len(c.General) > 0)
	if gated && inv.ShowPrompt {
		if !b.confirm("Would you like to continue?") {
			return &CommandError{Args: inv.Args, ExitCode: 1}
		}
	}

	if res.ExitCode != 0 {
		if !inv.ShowPrompt {
			return &CommandError{Args: inv.Args, ExitCode: res.ExitCode}
		}
		if !b.confirm("Build failed, would you like to continue?") {
			return &CommandError{Args: inv.Args, ExitCode: res.ExitCode}
		}
	}
	return nil
}
