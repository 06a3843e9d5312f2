package kbuild

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
)

// interactiveMu ensures only one interactive prompt reads stdin at a time.
var interactiveMu sync.Mutex

// askToContinue reads a line from reader, normalizes case, and accepts
// answers beginning with "y" as proceed and "n" as abort. Anything else
// reprompts. EOF (Ctrl+D) counts as abort.
func askToContinue(reader *bufio.Reader, prompt string) bool {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	for {
		colArrow.Print("-> ")
		cPrintf(colNote, "%s (y/n): ", prompt)

		response, err := reader.ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if strings.HasPrefix(response, "y") {
			return true
		}
		if strings.HasPrefix(response, "n") {
			return false
		}
		if err != nil {
			fmt.Println()
			return false
		}
		cPrintln(colWarn, "Invalid input.")
	}
}

// confirm asks the operator to continue. Without a terminal on stdin there
// is nobody to answer, so the gate resolves to abort immediately.
func (b *Builder) confirm(prompt string) bool {
	if !b.interactive {
		cPrintln(colWarn, "stdin is not a terminal, aborting.")
		return false
	}
	return askToContinue(b.stdin, prompt)
}
