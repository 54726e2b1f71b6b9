//go:build fuse

package main

import (
	"fmt"
	"log"

	"github.com/KarpelesLab/xv6fs"
)

func mountCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing image path or mountpoint")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()

	srv, err := xv6fs.MountFUSE(x, args[1], false)
	if err != nil {
		return err
	}
	log.Printf("xv6fs: mounted %s on %s", args[0], args[1])
	srv.Wait()
	return nil
}
