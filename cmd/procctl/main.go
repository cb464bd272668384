// Command procctl is the procd client: it starts, attaches to, lists,
// and kills processes supervised by a procd daemon, streaming stdio
// for the process it is attached to.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/behrlich/procd/client"
	"github.com/behrlich/procd/internal/logging"
)

func main() {
	var (
		quiet    bool
		verbose  bool
		sockPath string
	)

	args := os.Args[1:]
	args = parseGlobalFlags(args, &quiet, &verbose, &sockPath)

	level := logging.LevelInfo
	switch {
	case verbose:
		level = logging.LevelDebug
	case quiet:
		level = logging.LevelWarn
	}
	logging.SetDefault(logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr}))

	if sockPath == "" {
		fatalf("-u <unix_socket_path> is required")
	}
	if len(args) == 0 {
		fatalf("usage: procctl -u <path> <start|attach|list|kill> ...")
	}

	conn, err := client.Dial(sockPath)
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer conn.Close()

	switch args[0] {
	case "start":
		runStart(conn, args[1:])
	case "attach":
		runAttach(conn, args[1:])
	case "list":
		runList(conn)
	case "kill":
		runKill(conn, args[1:])
	default:
		fatalf("unknown command %q", args[0])
	}
}

// parseGlobalFlags extracts -q/-v/-D/-u from anywhere in args (they
// may precede the subcommand), returning the remaining positional args.
func parseGlobalFlags(args []string, quiet, verbose *bool, sockPath *string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-q":
			*quiet = true
		case "-v":
			*verbose = true
		case "-D":
			// accepted, no effect on the client
		case "-u":
			i++
			if i < len(args) {
				*sockPath = args[i]
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return rest
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "procctl: "+format+"\n", a...)
	os.Exit(1)
}

func runStart(conn *client.Connection, args []string) {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fatalf("usage: procctl start -- <path> [args...]")
	}
	path := args[0]
	argv := args
	if err := conn.Start(path, argv, os.Environ()); err != nil {
		fatalf("start: %v", err)
	}
	stream(conn)
}

func runAttach(conn *client.Connection, args []string) {
	if len(args) != 1 {
		fatalf("usage: procctl attach <id>")
	}
	if err := conn.Attach(args[0]); err != nil {
		fatalf("attach: %v", err)
	}
	stream(conn)
}

func runList(conn *client.Connection) {
	infos, err := conn.List()
	if err != nil {
		fatalf("list: %v", err)
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, info := range infos {
		fmt.Fprintf(w, "%-40s %-8s %d\n", info.ID, info.Status, info.Code)
	}
}

func runKill(conn *client.Connection, args []string) {
	if len(args) != 2 {
		fatalf("usage: procctl kill <id> <signum>")
	}
	sig, err := strconv.Atoi(args[1])
	if err != nil {
		fatalf("bad signal number %q", args[1])
	}
	if err := conn.Kill(args[0], sig); err != nil {
		fatalf("kill: %v", err)
	}
}

// stream copies local stdin to the remote process, remote stdout/
// stderr to local, and terminates the client the same way the remote
// process terminated: exiting with its exit code, or re-raising its
// terminating signal on itself.
func stream(conn *client.Connection) {
	exitCh := make(chan int, 1)
	killCh := make(chan int, 1)

	conn.Callbacks.OnStdout = func(b []byte) { os.Stdout.Write(b) }
	conn.Callbacks.OnStderr = func(b []byte) { os.Stderr.Write(b) }
	conn.Callbacks.OnExit = func(code int) { exitCh <- code }
	conn.Callbacks.OnKill = func(sig int) { killCh <- sig }

	go copyStdin(conn)

	for {
		select {
		case code := <-exitCh:
			os.Exit(code)
		case sig := <-killCh:
			reraise(syscall.Signal(sig))
			return
		default:
			if err := conn.Poll(200 * time.Millisecond); err != nil {
				fatalf("connection lost: %v", err)
			}
		}
	}
}

func copyStdin(conn *client.Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := conn.WriteStdin(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.Warnf("procctl: stdin read: %v", err)
			}
			_ = conn.CloseStdin()
			return
		}
	}
}

// reraise restores the default disposition for sig and re-sends it to
// this process, so the signal actually terminates procctl instead of
// being caught again by Go's runtime signal handler (a raw re-kill, as
// the original C client could rely on, isn't enough on its own in Go).
func reraise(sig syscall.Signal) {
	signal.Reset(sig)
	_ = syscall.Kill(os.Getpid(), sig)
	// Give the re-raised signal a moment to take effect; if it
	// doesn't (e.g. sig is not one the OS treats as fatal), fall back
	// to a matching exit code.
	time.Sleep(100 * time.Millisecond)
	os.Exit(128 + int(sig))
}
