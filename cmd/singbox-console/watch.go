package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/connview"
	"github.com/nspass/singbox-console/pkg/console"
	"github.com/nspass/singbox-console/pkg/exporter"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// watchFrame watch命令每次刷新输出的摘要
type watchFrame struct {
	Time        time.Time          `json:"time" yaml:"time"`
	Status      api.StatusResponse `json:"status" yaml:"status"`
	Traffic     api.TrafficSample  `json:"traffic" yaml:"traffic"`
	Connections connview.Totals    `json:"connections" yaml:"connections"`
	Logs        int                `json:"logs" yaml:"logs"`
	Groups      []api.ProxyGroup   `json:"groups" yaml:"groups"`
}

func (a *app) newWatchCmd() *cobra.Command {
	var (
		metricsListen string
		interval      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "持续镜像远端状态，可选导出Prometheus指标",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-listen") {
				a.cfg.Metrics.Listen = metricsListen
			}
			if interval <= 0 {
				return fmt.Errorf("--interval 必须大于0")
			}
			return a.watch(cmd, interval)
		},
	}
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Prometheus指标监听地址，例如 :9101，默认取配置文件")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "刷新输出的间隔")
	return cmd
}

func (a *app) watch(cmd *cobra.Command, interval time.Duration) error {
	startTime := time.Now()
	systemLogger := logger.GetSystemLogger()

	session := a.newSession()
	if err := session.Start(); err != nil {
		return err
	}

	logger.LogStartup("singbox-console", Version, map[string]interface{}{
		"api_url":           a.client.GetBaseURL(),
		"status_interval":   a.cfg.Poll.StatusInterval,
		"connections_every": a.cfg.Poll.ConnectionsInterval,
		"metrics_listen":    a.cfg.Metrics.Listen,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metricsErr := make(chan error, 1)
	metricsRunning := false
	if listen := a.cfg.Metrics.Listen; listen != "" {
		collector := exporter.NewCollector(session.Store(), session.Groups(), session.History(), a.cfg.Metrics.Prefix)
		metricsRunning = true
		go func() {
			metricsErr <- exporter.Serve(ctx, listen, collector)
		}()
	}

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ticker.C:
			a.renderWatch(cmd.OutOrStdout(), session)
		case err := <-metricsErr:
			metricsRunning = false
			if err != nil {
				runErr = fmt.Errorf("指标服务异常退出: %w", err)
				break loop
			}
		case sig := <-sigChan:
			systemLogger.WithField("signal", sig).Info("singbox-console 正在关闭...")
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownStart := time.Now()
	cancel()
	session.Stop()
	if metricsRunning {
		if err := <-metricsErr; err != nil {
			logger.LogError(err, "关闭指标服务失败", nil)
		}
	}

	logger.LogShutdown("singbox-console", time.Since(shutdownStart))
	systemLogger.WithFields(logrus.Fields{
		"total_duration": time.Since(startTime).Milliseconds(),
	}).Info("singbox-console 已安全关闭")
	return runErr
}

func (a *app) renderWatch(w io.Writer, session *console.Session) {
	snap := session.Store().Snapshot()
	frame := watchFrame{
		Time:        time.Now(),
		Status:      snap.Status,
		Traffic:     snap.Traffic,
		Connections: connview.Sum(snap.Connections),
		Logs:        len(snap.Logs),
		Groups:      session.Groups().Groups(),
	}

	if !a.table() {
		fmt.Fprint(w, a.formatter.Format(frame))
		return
	}

	fmt.Fprintf(w, "%s %s  ↑ %s  ↓ %s  连接 %d (↑ %s ↓ %s)\n",
		output.Dim("[%s]", frame.Time.Format("15:04:05")),
		output.StatusLine(frame.Status),
		connview.FormatRate(frame.Traffic.Up),
		connview.FormatRate(frame.Traffic.Down),
		frame.Connections.Count,
		connview.FormatBytes(frame.Connections.Upload),
		connview.FormatBytes(frame.Connections.Download),
	)
	if len(frame.Groups) > 0 {
		parts := make([]string, 0, len(frame.Groups))
		for _, g := range frame.Groups {
			active := g.Active
			if active == "" {
				active = "-"
			}
			parts = append(parts, g.Name+"="+active)
		}
		fmt.Fprintln(w, "  "+output.Dim("代理组: %s", strings.Join(parts, "  ")))
	}
}
