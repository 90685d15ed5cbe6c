// Command rowguard terminates PostgreSQL client connections, authenticates
// against an external control plane, and rewrites SQL in flight according
// to a bytecode-compiled access policy.
package main

import "github.com/rowguard/rowguard/cmd/rowguard/cmd"

func main() {
	cmd.Execute()
}
