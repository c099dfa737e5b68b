// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package main

import (
	"os"

	"github.com/square/llmquota/cmd/client/client"
)

func main() {
	client.RunClient(os.Args[1:])
}
