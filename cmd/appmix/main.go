package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/appmix/appmix/pkg/appmix"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.versionTag=v0.2.0 -X main.gitCommit=abc123"
var (
	gitCommit  string
	versionTag string
	buildType  string
)

var verbose bool

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging)")
	flag.BoolVar(&verbose, "v", false, "shorthand for -verbose")
	flag.Parse()
}

func main() {
	logger, err := appmix.NewLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	a, err := appmix.NewAppMix(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create appmix object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := versionTag
		if identifier == "" {
			identifier = gitCommit
		}

		a.SetVersion(fmt.Sprintf("Version %s-%s", identifier, buildType))
	}

	if err = a.Initialize(); err != nil {
		named.Fatalw("Failed to initialize appmix", "error", err)
	}
}
