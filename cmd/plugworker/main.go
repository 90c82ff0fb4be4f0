// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Command plugworker is the child process behind the "process" worker
// kind. It is started by the plugos host and is not meant to be run by hand.
package main

import (
	"fmt"
	"os"

	"github.com/plugos/plugos/internal/sandbox/luaworker"
	"github.com/plugos/plugos/internal/sandbox/procworker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("plugworker protocol", procworker.HandshakeConfig.ProtocolVersion)
		return
	}
	procworker.Serve(luaworker.Limits{
		CallStackSize:   256,
		RegistryMaxSize: 1 << 20,
	})
}
