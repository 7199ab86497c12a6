package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	"golang.org/x/xerrors"
)

const rmHelp = `gmpack rm ARCHIVE FILENAME

Tombstones FILENAME in ARCHIVE: the record is marked removed and the
index is rewritten, but the file's payload bytes stay on disk until
ARCHIVE is rebuilt from scratch.
`

func rm(args []string) error {
	fset := flag.NewFlagSet("rm", flag.ExitOnError)
	fset.Usage = usage(fset, rmHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) != 2 {
		fset.Usage()
		return xerrors.New("rm: need an archive path and a filename")
	}
	archivePath, filename := rest[0], rest[1]

	m, err := gmpack.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("rm: loading %s: %w", archivePath, err)
	}
	if err := m.RemoveDataFile(filename); err != nil {
		printManagerErrors(m)
		return xerrors.Errorf("rm: %w", err)
	}

	f, err := os.OpenFile(archivePath, os.O_RDWR, 0o644)
	if err != nil {
		return xerrors.Errorf("rm: reopening %s: %w", archivePath, err)
	}
	defer f.Close()
	if err := m.SaveFileInfo(f); err != nil {
		printManagerErrors(m)
		return xerrors.Errorf("rm: saving %s: %w", archivePath, err)
	}
	fmt.Println("Build success!")
	return nil
}

// printManagerErrors echoes m's accumulated diagnostic trail to stdout,
// for commands that want more detail than the single returned error.
func printManagerErrors(m *gmpack.Manager) {
	for _, msg := range m.Errors() {
		fmt.Printf("  %s\n", msg)
	}
}
