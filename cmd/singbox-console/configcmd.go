package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/config"
	"github.com/nspass/singbox-console/pkg/output"
	"github.com/nspass/singbox-console/pkg/sections"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// appSection app-config在config子命令中的名称
const appSection = "app"

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "读取或替换sing-box配置段与控制面设置",
	}
	cmd.AddCommand(a.newConfigGetCmd(), a.newConfigSetCmd(), a.newConfigInitCmd())
	return cmd
}

func sectionNames(names []string) string {
	return strings.Join(append(slices.Clone(names), appSection), "|")
}

func (a *app) newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("get <%s>", sectionNames(api.Sections)),
		Short: "读取配置段",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			if args[0] == appSection {
				cfg, err := a.client.GetAppConfig(ctx)
				if err != nil {
					return fmt.Errorf("获取设置失败: %w", err)
				}
				a.print(cmd, cfg)
				return nil
			}

			raw, err := a.client.GetSection(ctx, args[0])
			if err != nil {
				return fmt.Errorf("获取配置段失败: %w", err)
			}
			doc, err := sections.FromJSON(args[0], raw)
			if err != nil {
				return err
			}

			// 配置段是任意嵌套的文档，表格格式下以YAML输出
			formatter := a.formatter
			if a.table() {
				formatter = output.NewFormatter(output.FormatYAML)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(doc.Interface()))
			return nil
		},
	}
}

func (a *app) newConfigSetCmd() *cobra.Command {
	var (
		file       string
		checkPorts bool
	)

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("set <%s> -f <file>", sectionNames(api.SettableSections)),
		Short: "以YAML或JSON文件整体替换配置段",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == sections.Inbounds {
				return sections.ErrInboundsReadOnly
			}
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}

			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			if args[0] == appSection {
				cfg := api.DefaultAppConfig()
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return &api.ValidationError{Field: appSection, Reason: fmt.Sprintf("解析失败: %v", err)}
				}

				session := a.newSession()
				defer session.Stop()

				inbounds, err := session.ApplyAppConfig(ctx, cfg, checkPorts)
				if err != nil {
					return err
				}
				a.print(cmd, inbounds)
				return nil
			}

			doc, err := sections.Parse(args[0], data)
			if err != nil {
				return err
			}
			body, err := doc.JSON()
			if err != nil {
				return err
			}
			if _, err := a.client.PutSection(ctx, doc.Section, body); err != nil {
				return fmt.Errorf("更新配置段失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置段 %s 已更新\n", doc.Section)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML或JSON文件，- 表示标准输入")
	cmd.Flags().BoolVar(&checkPorts, "check-ports", false, "设置app时检查本机端口占用")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "将当前生效的配置写入配置文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return fmt.Errorf("配置文件已存在: %s，使用 --force 覆盖", a.configPath)
			}
			if err := config.SaveConfig(a.cfg, a.configPath); err != nil {
				return fmt.Errorf("保存配置文件失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置已写入 %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "覆盖已存在的配置文件")
	return cmd
}

// readInput 读取文件内容，"-" 表示标准输入
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return data, nil
}
