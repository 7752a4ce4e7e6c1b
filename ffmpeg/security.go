package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateOutputArgs checks configured per-job encoder flags. They are
// appended after the filter graph, so they may not add inputs, replace the
// filter graph, or carry shell metacharacters.
func ValidateOutputArgs(args []string) error {
	for _, arg := range args {
		switch arg {
		case "-i", "-vf", "-filter:v", "-filter_complex":
			return fmt.Errorf("flag not allowed in output args: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// ParseOutputArgs splits and validates an OUTPUT_ARGS string.
func ParseOutputArgs(s string) ([]string, error) {
	args, err := SplitCommand(s)
	if err != nil {
		return nil, err
	}
	if err := ValidateOutputArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
