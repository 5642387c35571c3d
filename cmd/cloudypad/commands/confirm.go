package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// confirm asks a yes/no question on in. Anything but yes aborts with a
// UserAbort error. assumeYes skips the question.
func confirm(in io.Reader, out io.Writer, question string, assumeYes bool) error {
	if assumeYes {
		return nil
	}

	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return engine.NewUserAbortError("operation aborted")
	}
}
