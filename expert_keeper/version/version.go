package version

import (
	"flag"
	"fmt"
	"os"
)

var (
	// assigned by -ldflags "-X .../version.GitCommitId=<sha>" at build time
	GitCommitId string
	flagVersion = flag.Bool("version", false, "print version")
)

func MayPrintVersionAndExit() {
	if *flagVersion {
		fmt.Printf("git commit id: %s\n", GitCommitId)
		os.Exit(0)
	}
}
