package main

import "os"

// shutdownSignals cancel the server context. Platform files may add to it.
var shutdownSignals = []os.Signal{os.Interrupt}
