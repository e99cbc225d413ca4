package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

const (
	minPasswordLength = 6
	// bcrypt ignores everything past 72 bytes
	maxPasswordLength = 72
)

var (
	errPasswordMismatch = errors.New("passwords do not match")
	errPasswordTooShort = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	errPasswordTooLong  = fmt.Errorf("password must be at most %d bytes", maxPasswordLength)
	errNoHash           = errors.New("no hash given and ADMIN_PASSWORD_HASH is not set")
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	prompt := newPrompter(os.Stdin, os.Stderr)

	switch command {
	case "generate":
		if !generate(prompt, os.Stdout, bcrypt.DefaultCost) {
			os.Exit(1)
		}
	case "verify":
		hash := os.Getenv("ADMIN_PASSWORD_HASH")
		if len(os.Args) > 2 {
			hash = os.Args[2]
		}
		if !verify(prompt, os.Stdout, hash) {
			os.Exit(1)
		}
	default:
		// Sanitize command input using allowlist to break taint chain
		sanitized := sanitizeCommand(command)
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", sanitized)
		printUsage()
		os.Exit(1)
	}
}

// sanitizeCommand returns a safe representation of a command string for display.
// It uses an allowlist approach, replacing any character that is not alphanumeric,
// a hyphen, or an underscore with '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage() {
	fmt.Println("Feed Transcoder Admin Password Tool")
	fmt.Println("")
	fmt.Println("Usage: hashpw <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  generate        - Prompt for a password and print its bcrypt hash")
	fmt.Println("  verify [hash]   - Check a password against a hash")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Println("  ADMIN_PASSWORD_HASH - Hash checked by verify when none is given")
}

// prompter reads passwords without echo when stdin is a terminal and one
// line at a time otherwise, so the tool also works in pipelines.
type prompter struct {
	in       *bufio.Reader
	out      io.Writer
	readTerm func() ([]byte, error)
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		p.readTerm = func() ([]byte, error) {
			return term.ReadPassword(fd)
		}
	}
	return p
}

func (p *prompter) read(label string) ([]byte, error) {
	fmt.Fprint(p.out, label)
	if p.readTerm != nil {
		password, err := p.readTerm()
		fmt.Fprintln(p.out)
		return password, err
	}

	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// validatePassword checks the confirmation and the length limits.
func validatePassword(password, confirm []byte) error {
	if !bytes.Equal(password, confirm) {
		return errPasswordMismatch
	}
	if len(password) < minPasswordLength {
		return errPasswordTooShort
	}
	if len(password) > maxPasswordLength {
		return errPasswordTooLong
	}
	return nil
}

func generate(p *prompter, out io.Writer, cost int) bool {
	password, err := p.read("New Password: ")
	if err != nil {
		fmt.Fprintf(p.out, "Error reading password: %v\n", err)
		return false
	}
	confirm, err := p.read("Confirm Password: ")
	if err != nil {
		fmt.Fprintf(p.out, "Error reading password: %v\n", err)
		return false
	}

	if err := validatePassword(password, confirm); err != nil {
		fmt.Fprintf(p.out, "Error: %v\n", err)
		return false
	}

	hash, err := bcrypt.GenerateFromPassword(password, cost)
	if err != nil {
		fmt.Fprintf(p.out, "Error: failed to hash password: %v\n", err)
		return false
	}

	fmt.Fprintln(out, string(hash))
	fmt.Fprintln(p.out, "Set ADMIN_PASSWORD_HASH (or admin.password_hash) to the line above.")
	return true
}

func verify(p *prompter, out io.Writer, hash string) bool {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		fmt.Fprintf(p.out, "Error: %v\n", errNoHash)
		return false
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		fmt.Fprintf(p.out, "Error: not a bcrypt hash: %v\n", err)
		return false
	}

	password, err := p.read("Password: ")
	if err != nil {
		fmt.Fprintf(p.out, "Error reading password: %v\n", err)
		return false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), password); err != nil {
		fmt.Fprintln(out, "Password does not match.")
		return false
	}
	fmt.Fprintln(out, "Password matches.")
	return true
}
