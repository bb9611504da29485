package main

import "github.com/RAttab/slick-network/cmd"

func main() {
	cmd.Execute()
}
