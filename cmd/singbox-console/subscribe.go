package main

import (
	"fmt"

	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/nspass/singbox-console/pkg/sections"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func (a *app) newSubscribeCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "subscribe <url>",
		Short: "导入订阅中的代理节点",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			resp, err := a.client.Subscribe(ctx, args[0], name)
			if err != nil {
				return fmt.Errorf("导入订阅失败: %w", err)
			}
			logger.LogAudit("subscribe", args[0], logrus.Fields{
				"name":     name,
				"imported": resp.Imported,
			})

			if a.table() {
				fmt.Fprintf(cmd.OutOrStdout(), "已导入 %d 个节点\n", resp.Imported)
				return nil
			}
			a.print(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "订阅名称")
	return cmd
}

func (a *app) newOutboundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbounds",
		Short: "列出出站，区分代理节点与系统出站",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			raw, err := a.client.GetSection(ctx, sections.Outbounds)
			if err != nil {
				return fmt.Errorf("获取出站配置失败: %w", err)
			}
			doc, err := sections.FromJSON(sections.Outbounds, raw)
			if err != nil {
				return err
			}
			nodes, system := doc.PartitionOutbounds()

			if !a.table() {
				a.print(cmd, map[string][]sections.Outbound{
					"nodes":  nodes,
					"system": system,
				})
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, output.Dim("代理节点 (%d)", len(nodes)))
			fmt.Fprint(w, a.formatter.Format(nodes))
			fmt.Fprintln(w)
			fmt.Fprintln(w, output.Dim("系统出站 (%d)", len(system)))
			fmt.Fprint(w, a.formatter.Format(system))
			return nil
		},
	}
}
