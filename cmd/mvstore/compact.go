package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/mvstore"
)

type cmdCompact struct {
	fileArg
}

func (cmd *cmdCompact) Execute([]string) error {
	var file = cmd.File.Path
	before, err := os.Stat(file)
	if err != nil {
		return err
	}
	if err := mvstore.CompactFile(file, mvstore.WithLogger(logger())); err != nil {
		return err
	}
	after, err := os.Stat(file)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "compacted %s: %s -> %s\n", file,
		humanize.IBytes(uint64(before.Size())), humanize.IBytes(uint64(after.Size())))
	return err
}

type cmdCleanup struct {
	fileArg
}

func (cmd *cmdCleanup) Execute([]string) error {
	return mvstore.CleanupCompaction(cmd.File.Path, mvstore.WithLogger(logger()))
}
