package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	"golang.org/x/xerrors"
)

const tagHelp = `gmpack tag ARCHIVE N

Rewrites every record's tag to N, tombstoned records included, and
persists the updated index.
`

func tag(args []string) error {
	fset := flag.NewFlagSet("tag", flag.ExitOnError)
	fset.Usage = usage(fset, tagHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) != 2 {
		fset.Usage()
		return xerrors.New("tag: need an archive path and an integer tag")
	}
	archivePath := rest[0]
	var n int32
	if _, err := fmt.Sscanf(rest[1], "%d", &n); err != nil {
		return xerrors.Errorf("tag: %q is not an integer: %w", rest[1], err)
	}

	m, err := gmpack.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("tag: loading %s: %w", archivePath, err)
	}
	m.SetGlobalTag(n)

	f, err := os.OpenFile(archivePath, os.O_RDWR, 0o644)
	if err != nil {
		return xerrors.Errorf("tag: reopening %s: %w", archivePath, err)
	}
	defer f.Close()
	if err := m.SaveFileInfo(f); err != nil {
		printManagerErrors(m)
		return xerrors.Errorf("tag: saving %s: %w", archivePath, err)
	}
	fmt.Println("Build success!")
	return nil
}
