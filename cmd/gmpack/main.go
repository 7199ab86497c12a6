// Command gmpack builds, installs, and inspects gmpack archives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const rootHelp = `Usage: gmpack <command> [flags] [arguments]

Commands:
    build    ARCHIVE SRCDIR...   build (or extend) an archive from directories
    install  -root DIR ARCHIVE   install an archive's files under a root directory
    rm       ARCHIVE FILENAME    tombstone a file in an archive
    tag      ARCHIVE N           rewrite every record's tag to N
    cat      ARCHIVE FILENAME    print one file's contents to stdout
    encrypt  SRC DST [KEYFILE]   RC4-encrypt or -decrypt a file

Run "gmpack <command> -h" for flags specific to a command.
`

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fset.PrintDefaults()
	}
}

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, rootHelp)
		return
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "build":
		err = build(args)
	case "install":
		err = install(args)
	case "rm":
		err = rm(args)
	case "tag":
		err = tag(args)
	case "cat":
		err = cat(args)
	case "encrypt":
		err = encrypt(args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stderr, rootHelp)
		return
	default:
		fmt.Printf("gmpack: unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, rootHelp)
		return
	}
	if err != nil {
		log.Printf("  %v", err)
	}
}
