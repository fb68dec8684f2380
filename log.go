package main

import (
	"fmt"
	"os"

	gologging "github.com/sigmonsays/go-logging"
)

var log gologging.Logger

func init() {
	log = gologging.Register("cgigate", func(newlog gologging.Logger) { log = newlog })
}

func ExitError(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+msg+"\n", args...)
	os.Exit(1)
}
