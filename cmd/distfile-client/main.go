// Command distfile-client is a thin one-shot CLI for exercising a
// running distfiled node, generalizing the teacher's cmd/client/main.go
// dial-and-send loop from a raw protobuf RPC frame onto a wire.Message
// command, and trading its interactive REPL for a single argv-driven
// request since scripting against the daemon, not an interactive shell,
// is what this tool is for.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/danmuck/distfile/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "distfiled TCP address")
	timeout := flag.Duration("timeout", 10*time.Second, "connect and round-trip timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	action := args[0]

	msg, err := buildRequest(action, args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "distfile-client:", err)
		os.Exit(1)
	}

	reply, err := roundTrip(*addr, *timeout, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distfile-client:", err)
		os.Exit(1)
	}

	resp, err := wire.DecodeResponsePayload(reply.Content)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distfile-client: malformed response:", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, "error:", resp.Message)
		os.Exit(1)
	}
	if len(resp.Data) > 0 {
		if action == wire.ActionRead {
			data, err := wire.DecodeBytes(resp.Data)
			if err != nil {
				fmt.Fprintln(os.Stderr, "distfile-client: bad file data:", err)
				os.Exit(1)
			}
			os.Stdout.Write(data)
			return
		}
		fmt.Println(string(resp.Data))
		return
	}
	fmt.Println(resp.Message)
}

func buildRequest(action string, rest []string) (*wire.Message, error) {
	switch action {
	case wire.ActionRead, wire.ActionDelete:
		if len(rest) != 1 {
			return nil, fmt.Errorf("%s requires exactly one path argument", action)
		}
		return wire.NewCommand(action, rest[0], nil, "distfile-client", 0), nil

	case wire.ActionMkdir, wire.ActionList:
		path := ""
		if len(rest) > 0 {
			path = rest[0]
		}
		return wire.NewCommand(action, path, nil, "distfile-client", 0), nil

	case wire.ActionCreate, wire.ActionWrite:
		if len(rest) != 2 {
			return nil, fmt.Errorf("%s requires a path and a local source file", action)
		}
		data, err := os.ReadFile(rest[1])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rest[1], err)
		}
		return wire.NewCommand(action, rest[0], wire.EncodeBytes(data), "distfile-client", 0), nil

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func roundTrip(addr string, timeout time.Duration, msg *wire.Message) (*wire.Message, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := wire.WriteMessage(conn, msg); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	reply, err := wire.ReadMessage(conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return reply, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: distfile-client [-addr host:port] <action> [args]

actions:
  create <path> <local-file>   upload local-file to path, failing if it exists
  write  <path> <local-file>   upload local-file to path, overwriting it
  read   <path>                print the remote file's contents to stdout
  delete <path>                delete the remote file
  mkdir  <path>                create a remote directory
  list   [path]                list the remote directory's entries`)
}
