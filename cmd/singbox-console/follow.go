package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/connview"
	"github.com/nspass/singbox-console/pkg/console"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/nspass/singbox-console/pkg/stream"
	"github.com/nspass/singbox-console/pkg/traffic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// followContext 在收到SIGINT/SIGTERM时结束
func followContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) streamOptions(name string) stream.Options {
	return stream.Options{
		Name:           name,
		ReconnectDelay: a.cfg.ReconnectDelay(),
		Jitter:         a.cfg.ReconnectJitter(),
	}
}

func (a *app) newLogsCmd() *cobra.Command {
	var (
		follow bool
		level  string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "查看代理进程日志，默认持续跟随",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := followContext(cmd)
			defer cancel()

			w := cmd.OutOrStdout()
			show := func(e api.LogEntry) {
				if level != "" && !strings.EqualFold(string(e.Level), level) {
					return
				}
				a.printLogEntry(w, e)
			}

			// 先输出控制面缓存的日志
			reqCtx, reqCancel := a.requestContext(cmd)
			entries, err := a.client.GetLogs(reqCtx)
			reqCancel()
			if err != nil {
				if !follow {
					return fmt.Errorf("获取日志失败: %w", err)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), output.Dim("获取历史日志失败: %v", err))
			}
			for _, e := range entries {
				show(e)
			}
			if !follow {
				return nil
			}

			sub, ch := stream.Channel(console.StreamFactory(a.client, stream.LogsPath),
				stream.DecodeLogEntry, 64, a.streamOptions("logs"))
			defer sub.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					show(e)
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "持续跟随新日志")
	cmd.Flags().StringVar(&level, "level", "", "只显示指定级别的日志")
	return cmd
}

// printLogEntry json/yaml下每条日志独立成文档，便于管道处理
func (a *app) printLogEntry(w io.Writer, e api.LogEntry) {
	switch a.formatter.(type) {
	case *output.JSONFormatter:
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(data))
	case *output.YAMLFormatter:
		data, err := yaml.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "---\n%s", data)
	default:
		ts := ""
		if !e.Time.IsZero() {
			ts = e.Time.Local().Format("15:04:05") + " "
		}
		fmt.Fprintf(w, "%s%-5s %s\n", ts, strings.ToUpper(string(e.Level)), e.Message)
	}
}

func (a *app) newTrafficCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "跟随实时流量，结束时输出窗口统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("--count 不能为负数")
			}
			ctx, cancel := followContext(cmd)
			defer cancel()

			history := traffic.NewHistory(nil)
			sub, ch := stream.Channel(console.StreamFactory(a.client, stream.TrafficPath),
				stream.DecodeTraffic, 16, a.streamOptions("traffic"))
			defer sub.Close()

			w := cmd.OutOrStdout()
			received := 0
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case sample, ok := <-ch:
					if !ok {
						break loop
					}
					p := history.Append(sample)
					received++
					if a.table() {
						fmt.Fprintf(w, "%s  ↑ %-12s ↓ %s\n", p.Time.Format("15:04:05"),
							connview.FormatRate(sample.Up), connview.FormatRate(sample.Down))
					} else {
						a.print(cmd, p)
					}
					if count > 0 && received >= count {
						break loop
					}
				}
			}

			sum := history.Summarize()
			if a.table() {
				fmt.Fprintf(w, "\n最近 %d 个采样: 峰值 ↑ %s ↓ %s，平均 ↑ %s ↓ %s\n", sum.Samples,
					connview.FormatRate(sum.PeakUp), connview.FormatRate(sum.PeakDown),
					connview.FormatRate(sum.AvgUp), connview.FormatRate(sum.AvgDown))
				return nil
			}
			a.print(cmd, sum)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "收到指定数量的采样后退出，0表示一直跟随")
	return cmd
}
