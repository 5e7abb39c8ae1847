package client

import (
	"al.essio.dev/pkg/shellescape"
)

// ShellCommand joins argv into one command line safe to run through a POSIX
// shell on the device, as the paramiko driver does.
func ShellCommand(argv ...string) string {
	return shellescape.QuoteCommand(argv)
}

// ShellCommands quotes each argv as its own command line.
func ShellCommands(argvs ...[]string) []string {
	out := make([]string, 0, len(argvs))
	for _, argv := range argvs {
		out = append(out, ShellCommand(argv...))
	}
	return out
}
