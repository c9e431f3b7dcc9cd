package main

import (
	"fmt"
	"time"

	"github.com/nspass/singbox-console/pkg/connview"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/spf13/cobra"
)

func (a *app) newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections [query]",
		Aliases: []string{"conns"},
		Short:   "列出活跃连接，可按host、目标IP、规则或出站链过滤",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			conns, err := a.client.GetConnections(ctx)
			if err != nil {
				return fmt.Errorf("获取连接列表失败: %w", err)
			}
			matched := connview.Filter(conns, query)
			a.print(cmd, connview.RenderAll(matched, time.Now()))

			if a.table() {
				total := connview.Sum(matched)
				fmt.Fprintln(cmd.OutOrStdout(), output.Dim("共 %d 条连接，↑ %s ↓ %s",
					total.Count, connview.FormatBytes(total.Upload), connview.FormatBytes(total.Download)))
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "关闭指定连接",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.newSession()
			defer session.Stop()

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			if err := session.CloseConnection(ctx, args[0]); err != nil {
				return fmt.Errorf("关闭连接失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "连接 %s 已关闭\n", args[0])
			return nil
		},
	})
	return cmd
}
