package main

import "ipamd/cmd"

func main() {
	cmd.Execute()
}
