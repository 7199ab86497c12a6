package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/gmtoolkit/gmpack/internal/gmpack"
	pkginstall "github.com/gmtoolkit/gmpack/internal/gmpack/install"
	"github.com/gmtoolkit/gmpack/internal/oninterrupt"
	"github.com/gmtoolkit/gmpack/internal/task"
	"golang.org/x/xerrors"
)

const installHelp = `gmpack install -root DIR [-tag N]... [-dir PATH]... [-file NAME]... ARCHIVE

Extracts ARCHIVE's records under DIR. With no -tag/-dir/-file flags,
every live record is installed. Each flag may repeat; a record is
installed if it passes the tag filter (when given) AND matches at
least one of the -dir/-file filters (when either is given). If no
record matches any -dir/-file filter, every record that passes the
tag filter is installed.
`

type repeatedFlag []string

func (r *repeatedFlag) String() string { return fmt.Sprint([]string(*r)) }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func install(args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	root := fset.String("root", "", "destination root directory (required)")
	verbose := fset.Bool("v", false, "print one line of progress per file")
	var tags repeatedFlag
	var dirs repeatedFlag
	var files repeatedFlag
	fset.Var(&tags, "tag", "install only records with this tag (repeatable)")
	fset.Var(&dirs, "dir", "install only records under this directory (repeatable)")
	fset.Var(&files, "file", "install only this exact filename (repeatable)")
	fset.Usage = usage(fset, installHelp)
	fset.Parse(args)

	rest := fset.Args()
	if *root == "" || len(rest) != 1 {
		fset.Usage()
		return xerrors.New("install: -root and exactly one ARCHIVE argument are required")
	}
	archivePath := rest[0]

	var tagInts []int32
	for _, t := range tags {
		var n int32
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return xerrors.Errorf("install: -tag %q is not an integer: %w", t, err)
		}
		tagInts = append(tagInts, n)
	}

	oninterrupt.Register(func() {
		fmt.Printf("\ninterrupted, %s may be partially installed\n", *root)
	})

	filter := gmpack.Filter{
		TagList:      tagInts,
		DirList:      dirs,
		FilenameList: files,
	}

	var in *pkginstall.Installer
	progressCh, resultCh := task.Run(context.Background(), func(report func(task.Progress)) error {
		in = pkginstall.New(func(filename string, index, total, percent int) {
			report(task.Progress{Filename: filename, Index: index, Percent: percent})
		})
		return in.Install(*root, archivePath, filter)
	})
	for p := range progressCh {
		if *verbose {
			fmt.Printf("\r%5d, %3d%%, %s", p.Index+1, p.Percent, p.Filename)
		}
	}
	if *verbose {
		fmt.Println()
	}
	res := <-resultCh

	if res.Err != nil {
		for _, msg := range in.Errors() {
			fmt.Printf("  %s\n", msg)
		}
		return xerrors.Errorf("install: %w", res.Err)
	}
	fmt.Println("Install Success!")
	return nil
}
