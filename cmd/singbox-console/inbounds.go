package main

import (
	"fmt"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/inbound"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// appConfigFlags 覆盖AppConfig字段的命令行参数，只有显式指定的参数才生效
type appConfigFlags struct {
	mode       string
	mixedPort  int
	tproxyPort int
	redirPort  int
	lanProxy   bool
	autoStart  bool
}

func (f *appConfigFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.mode, "mode", "", "代理模式: tun, tproxy, redir")
	fs.IntVar(&f.mixedPort, "mixed-port", 0, "mixed入站端口")
	fs.IntVar(&f.tproxyPort, "tproxy-port", 0, "TPROXY入站端口")
	fs.IntVar(&f.redirPort, "redir-port", 0, "REDIRECT入站端口")
	fs.BoolVar(&f.lanProxy, "lan", false, "允许局域网设备使用代理")
	fs.BoolVar(&f.autoStart, "auto-start", false, "控制面启动时自动启动代理进程")
}

func (f *appConfigFlags) apply(fs *pflag.FlagSet, cfg *api.AppConfig) {
	if fs.Changed("mode") {
		cfg.ProxyMode = api.ProxyMode(f.mode)
	}
	if fs.Changed("mixed-port") {
		cfg.MixedPort = f.mixedPort
	}
	if fs.Changed("tproxy-port") {
		cfg.TProxyPort = f.tproxyPort
	}
	if fs.Changed("redir-port") {
		cfg.RedirPort = f.redirPort
	}
	if fs.Changed("lan") {
		cfg.LanProxy = f.lanProxy
	}
	if fs.Changed("auto-start") {
		cfg.AutoStart = f.autoStart
	}
}

func (a *app) newInboundsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbounds",
		Short: "查看或根据代理模式生成入站配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			inbounds, err := a.client.GetInbounds(ctx)
			if err != nil {
				return fmt.Errorf("获取入站配置失败: %w", err)
			}
			a.print(cmd, inbounds)
			return nil
		},
	}
	cmd.AddCommand(a.newInboundsPlanCmd(), a.newInboundsApplyCmd(), a.newInboundsModesCmd())
	return cmd
}

func (a *app) newInboundsPlanCmd() *cobra.Command {
	var (
		flags      appConfigFlags
		fromRemote bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "预览生成的入站配置，不做任何修改",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := api.DefaultAppConfig()
			if fromRemote {
				ctx, cancel := a.requestContext(cmd)
				defer cancel()

				remote, err := a.client.GetAppConfig(ctx)
				if err != nil {
					return fmt.Errorf("获取当前设置失败: %w", err)
				}
				cfg = *remote
			}
			flags.apply(cmd.Flags(), &cfg)

			inbounds, err := inbound.Synthesize(cfg)
			if err != nil {
				return err
			}
			a.print(cmd, inbounds)
			return nil
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&fromRemote, "from-remote", false, "以控制面当前设置为基础，而不是默认设置")
	return cmd
}

func (a *app) newInboundsApplyCmd() *cobra.Command {
	var (
		flags      appConfigFlags
		checkPorts bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "修改代理模式等设置并下发对应的入站配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.newSession()
			defer session.Stop()

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			current, err := a.client.GetAppConfig(ctx)
			if err != nil {
				return fmt.Errorf("获取当前设置失败: %w", err)
			}
			cfg := *current
			flags.apply(cmd.Flags(), &cfg)

			inbounds, err := session.ApplyAppConfig(ctx, cfg, checkPorts)
			if err != nil {
				return err
			}
			a.print(cmd, inbounds)
			return nil
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&checkPorts, "check-ports", false, "下发前检查本机端口占用（需与控制面在同一主机）")
	return cmd
}

func (a *app) newInboundsModesCmd() *cobra.Command {
	type modeRow struct {
		Mode        api.ProxyMode `json:"mode" yaml:"mode"`
		Description string        `json:"description" yaml:"description"`
	}

	return &cobra.Command{
		Use:   "modes",
		Short: "列出支持的代理模式",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([]modeRow, 0, len(inbound.Modes))
			for _, m := range inbound.Modes {
				rows = append(rows, modeRow{Mode: m.Mode, Description: m.Description})
			}
			a.print(cmd, rows)
			return nil
		},
	}
}
