package main

import (
	"context"
	"flag"
	"fmt"

	pkgbuild "github.com/gmtoolkit/gmpack/internal/gmpack/build"
	"github.com/gmtoolkit/gmpack/internal/oninterrupt"
	"github.com/gmtoolkit/gmpack/internal/task"
	"golang.org/x/xerrors"
)

const buildHelp = `gmpack build [-flags] ARCHIVE SRCDIR...

Builds ARCHIVE from the first SRCDIR, then appends each remaining
SRCDIR in order. If ARCHIVE already exists, the first SRCDIR is still
treated as a fresh build and overwrites it — use a separate archive
name to avoid clobbering an existing one.
`

func build(args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	compress := fset.Bool("compress", true, "whether to deflate-compress file payloads and the index")
	level := fset.Int("level", -1, "deflate compression level, -1 (default) or 0..9")
	tag := fset.Int("tag", 0, "tag value recorded against every file in this invocation")
	verbose := fset.Bool("v", false, "print one line of progress per file")
	cpioManifest := fset.String("cpio-manifest", "", "also write a cpio archive of the first SRCDIR's tree to this path")
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) < 2 {
		fset.Usage()
		return xerrors.New("build: need an archive path and at least one source directory")
	}
	archivePath := rest[0]
	srcDirs := rest[1:]

	// Only an explicitly-given -compress/-level carries into Append: an
	// Append onto an existing archive must leave its compression setting
	// alone unless the caller asked to change it, and a pointer is the
	// only way to tell "flag not given" apart from an explicit false/0.
	var compressSet, levelSet bool
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "compress":
			compressSet = true
		case "level":
			levelSet = true
		}
	})

	oninterrupt.Register(func() {
		fmt.Printf("\ninterrupted, %s may be incomplete\n", archivePath)
	})

	var failed []string
	for i, dir := range srcDirs {
		opts := pkgbuild.Options{
			Tag:              int32(*tag),
			CPIOManifestPath: *cpioManifest,
		}
		// A fresh build (i == 0) always applies -compress/-level, the
		// same as any other from-scratch archive setting; only Append
		// needs the "was it explicitly given" distinction.
		if i == 0 || compressSet {
			opts.Compress = compress
		}
		if i == 0 || levelSet {
			opts.CompressionLevel = level
		}

		var b *pkgbuild.Builder
		progressCh, resultCh := task.Run(context.Background(), func(report func(task.Progress)) error {
			localOpts := opts
			localOpts.Progress = func(filename string, index, total, percent int) {
				report(task.Progress{Filename: filename, Index: index, Percent: percent})
			}
			b = pkgbuild.New(localOpts)
			if i == 0 {
				return b.Build(dir, archivePath)
			}
			return b.Append(dir, archivePath)
		})
		printProgress := *verbose
		for p := range progressCh {
			if printProgress {
				fmt.Printf("\r%5d, %3d%%, %s", p.Index+1, p.Percent, p.Filename)
			}
		}
		if printProgress {
			fmt.Println()
		}
		res := <-resultCh

		if res.Err != nil {
			failed = append(failed, dir)
			fmt.Printf("  %s: %v\n", dir, res.Err)
			for _, msg := range b.Errors() {
				fmt.Printf("    %s\n", msg)
			}
		}
	}
	if len(failed) > 0 {
		return xerrors.Errorf("build: %d of %d source directories failed", len(failed), len(srcDirs))
	}
	fmt.Println("Build success!")
	return nil
}
