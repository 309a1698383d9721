// Command xbps is a thin front-end over the transaction engine: install,
// remove, and update subcommands backed entirely by the handle, repopool,
// pkgdb, transaction, and executor packages. It is not the primary
// deliverable (a full CLI surface is out of scope), but kept for the same
// reason the teacher ships a cmd/ entrypoint: so the library packages are
// exercised end-to-end rather than only from tests.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voidlinux/xbpsgo/executor"
	"github.com/voidlinux/xbpsgo/handle"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if xerr, ok := err.(*xbpserr.Error); ok {
			os.Exit(xerr.Kind.ExitCode())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootdir string

	root := &cobra.Command{
		Use:   "xbps",
		Short: "query and manipulate the package database",
	}
	root.PersistentFlags().StringVar(&rootdir, "rootdir", "/", "target root directory")

	root.AddCommand(newInstallCmd(&rootdir))
	root.AddCommand(newRemoveCmd(&rootdir))
	root.AddCommand(newUpdateCmd(&rootdir))
	return root
}

func openHandle(ctx context.Context, rootdir string) (*handle.Handle, error) {
	return handle.Init(ctx, handle.Config{
		Rootdir: rootdir,
		StateCallback: func(phase executor.Phase, pkgname string, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", phase, pkgname, err)
				return
			}
			fmt.Printf("%s %s\n", phase, pkgname)
		},
	})
}

func newInstallCmd(rootdir *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install <pattern>...",
		Short: "install one or more packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := openHandle(ctx, *rootdir)
			if err != nil {
				return err
			}
			defer h.End()

			b := h.NewBuilder()
			for _, pattern := range args {
				if err := b.InstallPkg(pattern, force); err != nil {
					return err
				}
			}
			transd, err := b.Prepare()
			if err != nil {
				return err
			}
			return h.NewExecutor().Commit(ctx, transd)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reinstall even if already installed")
	return cmd
}

func newRemoveCmd(rootdir *string) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "remove <pkgname>...",
		Short: "remove one or more installed packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := openHandle(ctx, *rootdir)
			if err != nil {
				return err
			}
			defer h.End()

			b := h.NewBuilder()
			for _, name := range args {
				if err := b.RemovePkg(name, recursive); err != nil {
					return err
				}
			}
			transd, err := b.Prepare()
			if err != nil {
				return err
			}
			return h.NewExecutor().Commit(ctx, transd)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "also remove packages left orphaned by this removal")
	return cmd
}

func newUpdateCmd(rootdir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "update every non-held installed package",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := openHandle(ctx, *rootdir)
			if err != nil {
				return err
			}
			defer h.End()

			b := h.NewBuilder()
			if err := b.UpdatePackages(); err != nil {
				return err
			}
			transd, err := b.Prepare()
			if err != nil {
				return err
			}
			return h.NewExecutor().Commit(ctx, transd)
		},
	}
	return cmd
}
