package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/Toasterson/vm-manager/internal/image"
)

func (a *app) cmdImage(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vmctl image <pull|list> [arguments]")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "pull":
		return a.cmdImagePull(rest)
	case "list":
		return a.cmdImageList(rest)
	default:
		return fmt.Errorf("vmctl image: unknown subcommand %q", sub)
	}
}

func (a *app) cmdImagePull(args []string) error {
	fs := flag.NewFlagSet("image pull", flag.ExitOnError)
	name := fs.String("name", "", "name to cache the image under (default: URL basename)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: vmctl image pull [--name NAME] <url>")
	}
	url := fs.Arg(0)

	path, err := image.Pull(context.Background(), a.cfg.DataDir, url, *name)
	if err != nil {
		return err
	}
	fmt.Printf("pulled %s -> %s\n", url, path)
	return nil
}

func (a *app) cmdImageList(args []string) error {
	fs := flag.NewFlagSet("image list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	names, err := image.List(a.cfg.DataDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No cached images.")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
