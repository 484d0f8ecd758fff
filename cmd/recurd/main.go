// Command recurd serves the recur subscription engine over HTTP.
package main

import "github.com/xraph/recur/internal/cli"

func main() {
	cli.Execute()
}
