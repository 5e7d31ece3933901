package procwatch

import "strings"

// interestingCommands are the substrings that make a new process worth
// classifying. Everything else is tracked in the tree but never reported
// to OnNewInteresting subscribers.
var interestingCommands = []string{
	"pip", "pip3", "python -m pip",
	"git", "wget", "curl", "aria2c",
	"apt", "apt-get", "yum", "dnf",
	"npm", "yarn", "node",
}

// IsInteresting reports whether the command or full command line mentions a
// package manager, version control or fetch tool.
func IsInteresting(p ProcessSnapshot) bool {
	command := strings.ToLower(p.Command)
	cmdline := strings.ToLower(p.CommandLine)
	for _, cmd := range interestingCommands {
		if strings.Contains(command, cmd) || strings.Contains(cmdline, cmd) {
			return true
		}
	}
	return false
}
