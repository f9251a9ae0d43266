package main

import "gpu-price-oracle/internal/cli"

func main() {
	cli.Execute()
}
