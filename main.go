package main

import "meetscribe/cmd"

func main() {
	cmd.Execute()
}
