package main

import "github.com/yukia3e/trading-agent-signer/cmd/signerctl/cmd"

func main() {
	cmd.Execute()
}
