// Package ui provides terminal output for the pagevision CLI.
package ui

import (
	"github.com/fatih/color"
)

var verboseFlag bool

// Init applies color and verbosity settings for the process lifetime.
func Init(noColor, verbose bool) {
	verboseFlag = verbose
	if noColor {
		color.NoColor = true
	}
}

// Verbose reports whether verbose output was requested.
func Verbose() bool {
	return verboseFlag
}
