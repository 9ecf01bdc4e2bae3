package main

import "github.com/agusx1211/courier/internal/cli"

func main() {
	cli.Execute()
}
