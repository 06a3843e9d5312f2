package main

import "github.com/atseanpaul/build-kernel/internal/kbuild"

func main() {
	kbuild.Main()
}
