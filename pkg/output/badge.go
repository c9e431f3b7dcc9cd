package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/nspass/singbox-console/pkg/api"
)

var (
	badgeStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	statusColors = map[api.AppStatus]lipgloss.Color{
		api.StatusRunning:  lipgloss.Color("10"),
		api.StatusStarting: lipgloss.Color("11"),
		api.StatusStopping: lipgloss.Color("11"),
		api.StatusStopped:  lipgloss.Color("8"),
		api.StatusError:    lipgloss.Color("9"),
	}

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// StatusBadge 带颜色的状态标签。非终端输出时lipgloss自动退化为纯文本
func StatusBadge(status api.AppStatus) string {
	color, ok := statusColors[status]
	if !ok {
		color = lipgloss.Color("15")
	}
	label := strings.ToUpper(string(status))
	if label == "" {
		label = "UNKNOWN"
	}
	return badgeStyle.Foreground(color).Render(label)
}

// StatusLine 状态及错误信息的单行描述
func StatusLine(status api.StatusResponse) string {
	line := StatusBadge(status.Status)
	if status.Error != "" {
		line += " " + errorStyle.Render(status.Error)
	}
	return line
}

// Dim 次要信息
func Dim(format string, args ...any) string {
	return dimStyle.Render(fmt.Sprintf(format, args...))
}
