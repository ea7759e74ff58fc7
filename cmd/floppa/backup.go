package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *app) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a backup of the registry to blob storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.backup(cmd.Context())
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored backups",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.listBackups(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "verify KEY",
			Short: "Check a backup's digest and decode it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.verifyBackup(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func (a *app) backup(ctx context.Context) (err error) {
	e, err := a.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := e.close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	res, err := e.backups.Backup(ctx, e.svc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s\t%d registries, %d commands, %d users, %s\n",
		res.Key, res.Registries, res.Commands, res.Users, humanize.Bytes(uint64(res.Size)))
	return err
}

func (a *app) listBackups(ctx context.Context) (err error) {
	e, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	infos, err := e.backups.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Key, humanize.Bytes(uint64(info.Size)), humanize.Time(info.LastModified))
	}
	return tw.Flush()
}

func (a *app) verifyBackup(ctx context.Context, key string) (err error) {
	e, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	doc, err := e.backups.Read(ctx, key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "ok\tformat %d, created %s, %d registries, %d commands, %d users\n",
		doc.Format, doc.CreatedAt.UTC().Format(time.RFC3339), len(doc.Registries), len(doc.Commands), len(doc.Users))
	return err
}
