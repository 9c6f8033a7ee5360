// Command agtmux is a minimal placeholder client. CLI argument parsing,
// output formatting, and fzf recipes are out of scope (spec.md §1); this
// just confirms a daemon is reachable over its socket.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/agtmux/agtmux/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agtmux: daemon unreachable at %s: %v\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := fmt.Fprintln(conn, `{"jsonrpc":"2.0","id":1,"method":"daemon.info"}`); err != nil {
		fmt.Fprintf(os.Stderr, "agtmux: write: %v\n", err)
		os.Exit(1)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "agtmux: read: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprint(os.Stdout, reply)
}
