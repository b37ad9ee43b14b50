package policy

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// allowedCommands can run without HITL when no unsafe flags are present.
var allowedCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "echo": {}, "pwd": {}, "whoami": {}, "date": {},
	"which": {}, "head": {}, "tail": {}, "grep": {}, "find": {}, "wc": {},
	"sort": {}, "uniq": {}, "diff": {}, "tree": {}, "file": {}, "stat": {},
	"git": {}, "python": {}, "python3": {}, "node": {}, "npm": {}, "pip": {},
	"pip3": {}, "docker": {}, "curl": {}, "wget": {}, "jq": {}, "sed": {},
	"awk": {}, "cut": {}, "tr": {}, "basename": {}, "dirname": {},
}

// dangerousMetacharacters force HITL regardless of the executable.
const dangerousMetacharacters = ";|&><`$(){}[]*?~!^\n\r"

// ParseCommand splits command into executable and arguments using POSIX
// word splitting.
func ParseCommand(command string) (string, []string, error) {
	if strings.TrimSpace(command) == "" {
		return "", nil, fmt.Errorf("command cannot be empty")
	}
	parts, err := shlex.Split(command)
	if err != nil {
		return "", nil, fmt.Errorf("invalid command syntax: %v", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("command cannot be empty")
	}
	return parts[0], parts[1:], nil
}

// CheckCommandSafety reports whether command may execute without HITL and,
// when it may not, why.
func CheckCommandSafety(command string) (bool, string) {
	for _, c := range command {
		if strings.ContainsRune(dangerousMetacharacters, c) {
			return false, fmt.Sprintf("contains dangerous metacharacter: %q", string(c))
		}
	}

	base, args, err := ParseCommand(command)
	if err != nil {
		return false, err.Error()
	}

	if _, ok := allowedCommands[base]; !ok {
		return false, fmt.Sprintf("command %q not in allowlist", base)
	}

	if base == "rm" && (strings.Contains(command, "-rf") || strings.Contains(command, "-fr")) {
		return false, "recursive force delete requires approval"
	}

	if base == "curl" || base == "wget" {
		for _, arg := range args {
			switch arg {
			case "-o", "--output", "-O", ">":
				return false, fmt.Sprintf("output redirection with %s requires approval", arg)
			}
		}
	}

	return true, "command is safe"
}
