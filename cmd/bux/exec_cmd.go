package main

import (
	"context"
	"fmt"
	"os"

	isatty "github.com/mattn/go-isatty"
	"golang.org/x/term"

	bux "github.com/banksean/bux"
)

type ExecCmd struct {
	VM    string   `arg:"" help:"VM name or ID (prefix allowed)"`
	Argv  []string `arg:"" passthrough:"" help:"command to run inside the VM"`
	UID   uint32   `default:"0" help:"uid to run as inside the VM"`
	GID   uint32   `default:"0" help:"gid to run as inside the VM"`
	Cwd   string   `placeholder:"<dir>" help:"working directory inside the VM"`
	NoTTY bool     `name:"no-tty" help:"don't put the local terminal in raw mode, even if stdin is a terminal"`
}

// withRawTerminal puts stdin into raw mode for the duration of fn when
// stdin is a terminal and the caller hasn't opted out, the same way
// docker/ssh clients do for interactive sessions, and always restores it
// before returning.
func withRawTerminal(disabled bool, fn func() error) error {
	if disabled || !isatty.IsTerminal(os.Stdin.Fd()) {
		return fn()
	}
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fn()
	}
	defer term.Restore(fd, state)
	return fn()
}

type stdStream struct{}

func (stdStream) Stdout(p []byte) { os.Stdout.Write(p) }
func (stdStream) Stderr(p []byte) { os.Stderr.Write(p) }

func (c *ExecCmd) Run(cctx *Context) error {
	ctx := context.Background()

	vm, err := bux.ResolveVm(ctx, cctx.Registry, c.VM)
	if err != nil {
		return err
	}
	if len(c.Argv) == 0 {
		return fmt.Errorf("bux: exec requires a command")
	}

	var code int32
	err = withRawTerminal(c.NoTTY, func() error {
		var execErr error
		code, execErr = vm.Exec(ctx, c.Argv, nil, c.Cwd, c.UID, c.GID, os.Stdin, stdStream{})
		return execErr
	})
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(int(code))
	}
	return nil
}
