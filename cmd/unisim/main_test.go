package main

import (
	"fmt"
	"net"
	"os"
	"testing"
)

func TestMain(t *testing.T) {
	portFinder, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("could not find an open port: %v", err)
	}
	port := portFinder.Addr().(*net.TCPAddr).Port
	portFinder.Close()

	// Make sure running the demo end to end doesn't panic, and that it
	// terminates once the TCP and DNS demos both complete — there's no
	// long-running serve loop left to interrupt.
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"unisim", fmt.Sprintf("-prom=:%d", port)}

	main()
}
