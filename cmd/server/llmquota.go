// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package main

import (
	"os"

	"github.com/square/llmquota/cmd/server/server"
)

func main() {
	server.RunServer(os.Args[1:])
}
