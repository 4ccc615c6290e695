package main

import (
	"github.com/billm/infralink/cmd"
)

func main() {
	cmd.Execute()
}
