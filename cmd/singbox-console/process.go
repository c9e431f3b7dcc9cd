package main

import (
	"fmt"

	"github.com/nspass/singbox-console/pkg/console"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/spf13/cobra"
)

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "查看代理进程状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			status, err := a.client.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("获取状态失败: %w", err)
			}
			if a.table() {
				fmt.Fprintln(cmd.OutOrStdout(), output.StatusLine(*status))
				return nil
			}
			a.print(cmd, status)
			return nil
		},
	}
}

// newProcessCmd start/stop/restart。默认等待延迟刷新后输出稳定后的状态
func (a *app) newProcessCmd(command console.Command, short string) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   string(command),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.newSession()
			defer session.Stop()

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			if err := session.Command(ctx, command); err != nil {
				return fmt.Errorf("%s 失败: %w", command, err)
			}
			if !noWait {
				session.Settle()
			}

			status := session.Store().Status()
			if a.table() {
				fmt.Fprintln(cmd.OutOrStdout(), output.StatusLine(status))
				return nil
			}
			a.print(cmd, status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "不等待延迟刷新，立即输出当前状态")
	return cmd
}
