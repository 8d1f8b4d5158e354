package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the user for a secret.  The returned string never
// carries the trailing newline.
type Prompter func(prompt string) (string, error)

// TerminalPrompter reads without echo from the terminal behind in,
// printing the prompt on out.  It fails when in is not a terminal.
func TerminalPrompter(in *os.File, out io.Writer) Prompter {
	return func(prompt string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("cannot prompt for a password: stdin is not a terminal (use --password-stdin)")
		}
		fmt.Fprint(out, prompt)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pass), nil
	}
}

// LinePrompter takes each secret from the next line of r, for piped
// input.  The prompt is not shown.
func LinePrompter(r *bufio.Reader) Prompter {
	return func(string) (string, error) {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// passphraseFunc adapts p for encrypted key files.
func passphraseFunc(p Prompter) func(string) ([]byte, error) {
	return func(keyPath string) ([]byte, error) {
		s, err := p(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
		return []byte(s), err
	}
}
