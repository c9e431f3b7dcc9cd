package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/config"
	"github.com/nspass/singbox-console/pkg/console"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// 版本信息，构建时通过 -ldflags 注入
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// app 一次命令执行共享的状态，由PersistentPreRunE填充
type app struct {
	// 全局参数
	configPath   string
	logLevel     string
	serverURL    string
	outputFormat string

	cfg       *config.Config
	client    *api.Client
	formatter output.Formatter
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "singbox-console",
		Short: "sing-box 管理控制台",
		Long: `singbox-console 连接 singbox-manager 控制面，查看代理进程状态、日志、流量与连接，
并执行启停、切换节点、关闭连接和下发入站设置等操作。`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", config.DefaultPath, "配置文件路径")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "日志级别 (debug, info, warn, error)，默认取配置文件")
	flags.StringVar(&a.serverURL, "server", "", "控制面API地址，例如 http://127.0.0.1:8080/api")
	flags.StringVarP(&a.outputFormat, "output", "o", output.FormatTable, "输出格式: table, json, yaml")

	rootCmd.AddCommand(
		a.newStatusCmd(),
		a.newProcessCmd(console.CommandStart, "启动代理进程"),
		a.newProcessCmd(console.CommandStop, "停止代理进程"),
		a.newProcessCmd(console.CommandRestart, "重启代理进程"),
		a.newWatchCmd(),
		a.newLogsCmd(),
		a.newTrafficCmd(),
		a.newConnectionsCmd(),
		a.newProxiesCmd(),
		a.newInboundsCmd(),
		a.newConfigCmd(),
		a.newSubscribeCmd(),
		a.newOutboundsCmd(),
	)
	return rootCmd
}

// setup 加载配置、初始化日志并创建客户端和格式化器
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if !output.ValidFormat(a.outputFormat) {
		return fmt.Errorf("不支持的输出格式: %s", a.outputFormat)
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}

	// 命令行参数优先于配置文件
	if a.serverURL != "" {
		cfg.API.BaseURL = a.serverURL
	}
	if a.logLevel != "" {
		cfg.Logger.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	if err := logger.Initialize(cfg.Logger); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger.GetSystemLogger().WithFields(logrus.Fields{
		"version": Version,
		"command": cmd.CommandPath(),
		"config":  a.configPath,
	}).Debug("命令开始执行")

	client, err := api.NewClient(cfg.API)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.client = client
	a.formatter = output.NewFormatter(a.outputFormat)
	return nil
}

// newSession 一次性命令使用的会话，不启动后台任务
func (a *app) newSession() *console.Session {
	return console.NewSession(a.cfg, a.client)
}

// requestContext 单次请求的超时上下文
func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := time.Duration(a.cfg.API.Timeout) * time.Second
	return context.WithTimeout(cmd.Context(), timeout)
}

// table 是否为表格输出
func (a *app) table() bool {
	_, ok := a.formatter.(*output.TableFormatter)
	return ok
}

func (a *app) print(cmd *cobra.Command, data any) {
	fmt.Fprint(cmd.OutOrStdout(), a.formatter.Format(data))
}
