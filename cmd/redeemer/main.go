package main

import "github.com/vietddude/redeemer/internal/cli"

func main() {
	cli.Execute()
}
