package main

import "github.com/nfrund/protobus/cmd/protobusgen/cmd"

func main() {
	cmd.Execute()
}
