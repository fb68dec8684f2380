package gateway

import (
	gologging "github.com/sigmonsays/go-logging"
)

var log gologging.Logger

func init() {
	log = gologging.Register("cgigate.gateway", func(newlog gologging.Logger) { log = newlog })
}
