package kbuild

import (
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug     bool
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	hostArch  = runtime.GOARCH
)

// crossWrapperURL is where the make.cross wrapper script lives upstream.
const crossWrapperURL = "https://raw.githubusercontent.com/intel/lkp-tests/master/sbin/make.cross"

// color helpers
var (
	colWarn    = color.Warn // style provided by gookit/color
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
