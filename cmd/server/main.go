package main

import "github.com/Tyrowin/chatcore/internal/daemon"

func main() {
	daemon.Main()
}
