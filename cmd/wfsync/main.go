package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"wfsync/internal/client"
	"wfsync/internal/session"
)

const (
	exitCodeSuccess      = 0
	exitCodeUsage        = 1
	exitCodeRejected     = 2
	exitCodeNetwork      = 3
	exitCodeUnauthorized = 4
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	return runWith(args, out, errOut, dependencies{})
}

func runWith(args []string, out io.Writer, errOut io.Writer, deps dependencies) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(out, errOut, deps)
	root := newRootCommand(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	app.finish()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitCodeSuccess
}

func exitCode(err error) int {
	var netErr net.Error
	switch {
	case err == nil:
		return exitCodeSuccess
	case errors.Is(err, session.ErrInvalidCredentials), client.IsUnauthorized(err):
		return exitCodeUnauthorized
	case client.StatusCode(err) != 0:
		return exitCodeRejected
	case errors.As(err, &netErr):
		return exitCodeNetwork
	default:
		return exitCodeUsage
	}
}
