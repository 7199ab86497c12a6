package main

import (
	"flag"
	"os"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	"golang.org/x/xerrors"
)

const catHelp = `gmpack cat ARCHIVE FILENAME

Writes FILENAME's decompressed contents from ARCHIVE to stdout.
`

func cat(args []string) error {
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	fset.Usage = usage(fset, catHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) != 2 {
		fset.Usage()
		return xerrors.New("cat: need an archive path and a filename")
	}
	archivePath, filename := rest[0], rest[1]

	m, err := gmpack.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("cat: loading %s: %w", archivePath, err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("cat: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	data, err := m.ReadDataFileByName(f, filename)
	if err != nil {
		printManagerErrors(m)
		return xerrors.Errorf("cat: %w", err)
	}
	if _, err := os.Stdout.Write(data); err != nil {
		return xerrors.Errorf("cat: writing stdout: %w", err)
	}
	return nil
}
