package main

import (
	_ "net/http/pprof"

	"github.com/stevedore-project/stevedore/registry"
	_ "github.com/stevedore-project/stevedore/storage/driver/filesystem"
	_ "github.com/stevedore-project/stevedore/storage/driver/inmemory"
)

func main() {
	// nolint:errcheck
	registry.RootCmd.Execute()
}
