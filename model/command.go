package model

import (
	"fmt"
	"strings"
)

// Command is one executable step of a task. Commands run sequentially in the
// task working directory; a nonzero exit aborts the remaining steps.
type Command struct {
	// Cmd is the shell-like command line, tokenised with Tokens.
	Cmd string `json:"cmd"`

	// Prompts are answers written to the process stdin, one per line.
	Prompts []string `json:"prompts,omitempty"`

	// MPI marks the command to be fanned out by the message-passing job
	// runner instead of executed as a plain process.
	MPI bool `json:"mpi,omitempty"`
}

// Tokens splits the command line into arguments, honouring single and double
// quotes. Escapes inside quotes are not interpreted.
func (c *Command) Tokens() ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inArg   bool
	)
	for _, r := range c.Cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command: %s", c.Cmd)
	}
	if inArg {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}
