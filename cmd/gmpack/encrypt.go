package main

import (
	"flag"
	"os"

	"github.com/gmtoolkit/gmpack/internal/rc4cipher"
	"golang.org/x/xerrors"
)

const encryptHelp = `gmpack encrypt SRC DST [KEYFILE]

RC4-streams SRC to DST using KEYFILE's contents as the key, or the
tool's built-in default key if KEYFILE is omitted. RC4 is symmetric,
so running encrypt twice with the same key recovers the original.
`

func encrypt(args []string) error {
	fset := flag.NewFlagSet("encrypt", flag.ExitOnError)
	fset.Usage = usage(fset, encryptHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) != 2 && len(rest) != 3 {
		fset.Usage()
		return xerrors.New("encrypt: need SRC and DST, with an optional KEYFILE")
	}
	srcPath, dstPath := rest[0], rest[1]

	key := []byte(rc4cipher.DefaultKey)
	if len(rest) == 3 {
		k, err := os.ReadFile(rest[2])
		if err != nil {
			return xerrors.Errorf("encrypt: reading keyfile %s: %w", rest[2], err)
		}
		key = k
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return xerrors.Errorf("encrypt: opening %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Errorf("encrypt: creating %s: %w", dstPath, err)
	}
	defer dst.Close()

	if err := rc4cipher.Stream(dst, src, key); err != nil {
		return xerrors.Errorf("encrypt: %w", err)
	}
	return dst.Close()
}
