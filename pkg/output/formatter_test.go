package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nspass/singbox-console/pkg/api"
	"gopkg.in/yaml.v3"
)

type item struct {
	Name   string `json:"name" yaml:"name"`
	Ports  []int  `json:"ports" yaml:"ports"`
	Secret string `json:"-" yaml:"-"`
	hidden int
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format string
		want   Formatter
	}{
		{"table", &TableFormatter{}},
		{"", &TableFormatter{}},
		{"unknown", &TableFormatter{}},
		{"JSON", &JSONFormatter{}},
		{"yaml", &YAMLFormatter{}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got := NewFormatter(tt.format)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("格式化器不符 (-want +got):\n%s", diff)
			}
		})
	}

	if ValidFormat("xml") || !ValidFormat("") || !ValidFormat("yaml") {
		t.Error("ValidFormat 结果错误")
	}
}

func TestTableFormatterSlice(t *testing.T) {
	data := []item{
		{Name: "a", Ports: []int{1, 2}, Secret: "x", hidden: 1},
		{Name: "long-name"},
	}
	out := (&TableFormatter{}).Format(data)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("期望3行，实际: %q", out)
	}

	if got := strings.Fields(lines[0]); !cmp.Equal(got, []string{"NAME", "PORTS"}) {
		t.Errorf("表头错误: %q", lines[0])
	}
	if got := strings.Fields(lines[1]); !cmp.Equal(got, []string{"a", "1,2"}) {
		t.Errorf("第一行错误: %q", lines[1])
	}
	if strings.Index(lines[0], "PORTS") != strings.Index(lines[1], "1,2") {
		t.Errorf("列未对齐:\n%s", out)
	}
	if strings.Contains(out, "SECRET") {
		t.Errorf("不应输出忽略的字段: %q", out)
	}
}

func TestTableFormatterShapes(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{name: "空切片", data: []item{}, want: EmptyTable},
		{name: "nil指针", data: (*item)(nil), want: EmptyTable},
		{name: "字符串切片", data: []string{"hk-01", "jp-01"}, want: "hk-01\njp-01\n"},
		{name: "标量", data: 42, want: "42\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (&TableFormatter{}).Format(tt.data); got != tt.want {
				t.Errorf("期望 %q，实际 %q", tt.want, got)
			}
		})
	}

	t.Run("结构体", func(t *testing.T) {
		out := (&TableFormatter{}).Format(&item{Name: "proxy", Ports: []int{7890}})
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		want := [][]string{{"name:", "proxy"}, {"ports:", "7890"}}
		for i, line := range lines {
			if !cmp.Equal(strings.Fields(line), want[i]) {
				t.Errorf("第%d行错误: %q", i, line)
			}
		}
	})

	t.Run("map按键排序", func(t *testing.T) {
		out := (&TableFormatter{}).Format(map[string]int{"b": 2, "a": 1})
		if strings.Index(out, "a:") > strings.Index(out, "b:") {
			t.Errorf("未排序: %q", out)
		}
	})
}

func TestJSONAndYAMLFormatter(t *testing.T) {
	data := []item{{Name: "a", Ports: []int{1}, Secret: "x"}}

	var fromJSON []map[string]any
	if err := json.Unmarshal([]byte((&JSONFormatter{}).Format(data)), &fromJSON); err != nil {
		t.Fatalf("JSON输出无效: %v", err)
	}
	var fromYAML []map[string]any
	if err := yaml.Unmarshal([]byte((&YAMLFormatter{}).Format(data)), &fromYAML); err != nil {
		t.Fatalf("YAML输出无效: %v", err)
	}

	wantJSON := []map[string]any{{"name": "a", "ports": []any{float64(1)}}}
	wantYAML := []map[string]any{{"name": "a", "ports": []any{1}}}
	if diff := cmp.Diff(wantJSON, fromJSON); diff != "" {
		t.Errorf("JSON内容不符 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantYAML, fromYAML); diff != "" {
		t.Errorf("YAML内容不符 (-want +got):\n%s", diff)
	}
}

func TestStatusBadge(t *testing.T) {
	for _, s := range []api.AppStatus{api.StatusRunning, api.StatusStopped, api.StatusError, "paused"} {
		if got := StatusBadge(s); !strings.Contains(got, strings.ToUpper(string(s))) {
			t.Errorf("%s: 标签缺少状态文字: %q", s, got)
		}
	}
	if got := StatusBadge(""); !strings.Contains(got, "UNKNOWN") {
		t.Errorf("空状态应显示UNKNOWN: %q", got)
	}

	line := StatusLine(api.StatusResponse{Status: api.StatusError, Error: "config invalid"})
	if !strings.Contains(line, "ERROR") || !strings.Contains(line, "config invalid") {
		t.Errorf("状态行不完整: %q", line)
	}
}
