// Command procd is the daemon: it binds a unixpacket socket and
// supervises processes spawned on behalf of connected clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/behrlich/procd/internal/daemon"
	"github.com/behrlich/procd/internal/logging"
)

func main() {
	var (
		quiet    = flag.Bool("q", false, "quiet: only warnings and errors")
		verbose  = flag.Bool("v", false, "verbose: debug logging")
		detach   = flag.Bool("D", false, "daemonize: detach from the controlling terminal")
		sockPath = flag.String("u", "", "unix socket path to listen on (required)")
	)
	flag.Parse()

	if *sockPath == "" {
		fmt.Fprintln(os.Stderr, "procd: -u <unix_socket_path> is required")
		os.Exit(1)
	}

	level := logging.LevelInfo
	switch {
	case *verbose:
		level = logging.LevelDebug
	case *quiet:
		level = logging.LevelWarn
	}
	logging.SetDefault(logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr}))

	if *detach {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "procd: daemonize: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	d := daemon.New()
	logging.Infof("procd: listening on %s", *sockPath)
	if err := d.ListenAndServe(ctx, *sockPath); err != nil {
		fmt.Fprintf(os.Stderr, "procd: %v\n", err)
		os.Exit(1)
	}
}

// daemonize detaches the process from its controlling terminal by
// starting a new session and redirecting stdio to /dev/null. Unlike a
// traditional SysV double-fork, a Go process never re-execs itself to
// shed controlling-terminal ownership, so establishing session
// leadership via Setsid is sufficient on its own.
func daemonize() error {
	if _, err := syscall.Setsid(); err != nil {
		return err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	fd := int(devNull.Fd())
	for _, std := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if err := syscall.Dup2(fd, int(std.Fd())); err != nil {
			return err
		}
	}
	return nil
}
