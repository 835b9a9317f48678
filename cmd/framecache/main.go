package main

import (
	"github.com/alecthomas/kong"
)

var Version = "dev"

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the coordinator and its control API"`
	Worker   WorkerCmd   `cmd:"" help:"Run one decode worker (started by the coordinator or on a remote host)"`
	Prefetch PrefetchCmd `cmd:"" help:"Load a video and fill the cache around a frame"`

	Version kong.VersionFlag `help:"Print version and exit"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("framecache"),
		kong.Description("Parallel decoded-frame cache for video scrubbing."),
		kong.Vars{"version": Version},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
