package main

import (
	"github.com/hyperlens/hyperlens/cmd/hyperlens/cmds"
	"github.com/hyperlens/hyperlens/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.HyperlensVersion.Build = Build
	}
	cmds.New().Execute()
}
