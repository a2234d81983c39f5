package main

import "price-oracle-aggregator/internal/cli"

func main() {
	cli.Execute()
}
