package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/connview"
)

type recorded struct {
	Method string
	Path   string
	Body   string
}

// controlPlane 测试用控制面
type controlPlane struct {
	mu       sync.Mutex
	status   api.AppStatus
	requests []recorded
}

func (c *controlPlane) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: strings.TrimSpace(string(body))})
}

func (c *controlPlane) mutations() []recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recorded
	for _, r := range c.requests {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (c *controlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		status := c.status
		c.mu.Unlock()
		writeJSON(w, api.StatusResponse{Status: status})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		c.mu.Lock()
		c.status = api.StatusStopped
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, api.ConnectionsResponse{Connections: []api.Connection{
			{ID: "c1", Metadata: &api.ConnectionMetadata{Host: "example.com", Network: "tcp", SourceIP: "10.0.0.2", SourcePort: "5000", DestinationPort: "443"}, Chains: []string{"proxy", "hk-01"}, Rule: "final", Upload: 2048},
			{ID: "c2", Metadata: &api.ConnectionMetadata{DestinationIP: "192.168.1.1"}, Chains: []string{"direct"}, Rule: "ip_is_private"},
		}})
	})
	mux.HandleFunc("DELETE /api/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/config/outbounds", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type":"vmess","tag":"hk-01","server":"hk.example.com","server_port":443},{"type":"direct","tag":"direct"}]`))
	})
	mux.HandleFunc("GET /api/config/route", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"final":"proxy"}`))
	})
	mux.HandleFunc("GET /api/app-config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"proxy_mode":"tun","listen_port":7890,"redir_port":7892,"tproxy_port":7893,"mixed_port":7890,"lan_proxy":false,"auto_start":true}`))
	})
	mux.HandleFunc("PUT /api/app-config", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /api/config/{section}", func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		_, _ = w.Write([]byte(`{}`))
	})
	return mux
}

// run 以给定参数执行一次命令，返回标准输出
func run(t *testing.T, cp *controlPlane, args ...string) (string, error) {
	t.Helper()

	srv := httptest.NewServer(cp.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgData := "api:\n  base_url: " + srv.URL + "/api\n" +
		"commands:\n  start_repoll_delay: 10\n  restart_repoll_delay: 10\n" +
		"logger:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfgData), 0600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	cp := &controlPlane{status: api.StatusRunning}

	out, err := run(t, cp, "-o", "json", "status")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var got api.StatusResponse
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	if got.Status != api.StatusRunning {
		t.Errorf("状态错误: %+v", got)
	}

	out, err = run(t, cp, "status")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if !strings.Contains(out, "RUNNING") {
		t.Errorf("表格输出缺少状态: %q", out)
	}
}

func TestStopCommandWaitsForRepoll(t *testing.T) {
	cp := &controlPlane{status: api.StatusRunning}

	out, err := run(t, cp, "-o", "json", "stop")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var got api.StatusResponse
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	if got.Status != api.StatusStopped {
		t.Errorf("应输出刷新后的状态: %+v", got)
	}
	if diff := cmp.Diff([]recorded{{Method: http.MethodPost, Path: "/api/stop"}}, cp.mutations()); diff != "" {
		t.Errorf("请求不符 (-want +got):\n%s", diff)
	}
}

func TestConnectionsCommand(t *testing.T) {
	cp := &controlPlane{}

	out, err := run(t, cp, "-o", "json", "connections", "EXAMPLE")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var rows []connview.Row
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	want := []connview.Row{{
		ID:       "c1",
		Host:     "example.com",
		Endpoint: "10.0.0.2:5000 → :443",
		Network:  "TCP",
		Chains:   "proxy → hk-01",
		Rule:     "final",
		Upload:   "2.0KB",
		Download: "0B",
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("连接行不符 (-want +got):\n%s", diff)
	}

	t.Run("close", func(t *testing.T) {
		out, err := run(t, cp, "connections", "close", "c2")
		if err != nil {
			t.Fatalf("执行失败: %v", err)
		}
		if !strings.Contains(out, "c2") {
			t.Errorf("输出不符: %q", out)
		}
		if diff := cmp.Diff([]recorded{{Method: http.MethodDelete, Path: "/api/connections/c2"}}, cp.mutations()); diff != "" {
			t.Errorf("请求不符 (-want +got):\n%s", diff)
		}
	})
}

func TestInboundsPlanCommand(t *testing.T) {
	out, err := run(t, &controlPlane{}, "-o", "json", "inbounds", "plan", "--mode", "tproxy", "--lan")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var inbounds []api.Inbound
	if err := json.Unmarshal([]byte(out), &inbounds); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	want := []api.Inbound{
		{Type: api.InboundTProxy, Tag: "tproxy-in", Listen: "0.0.0.0", ListenPort: 7893, Sniff: true, Network: "tcp udp"},
		{Type: api.InboundMixed, Tag: "mixed-in", Listen: "0.0.0.0", ListenPort: 7890, Sniff: true},
	}
	if diff := cmp.Diff(want, inbounds); diff != "" {
		t.Errorf("入站不符 (-want +got):\n%s", diff)
	}

	if _, err := run(t, &controlPlane{}, "inbounds", "plan", "--mode", "socks"); err == nil {
		t.Error("未知模式应报错")
	}
}

func TestInboundsApplyKeepsRemoteFields(t *testing.T) {
	cp := &controlPlane{}

	out, err := run(t, cp, "-o", "json", "inbounds", "apply", "--mode", "redir")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var inbounds []api.Inbound
	if err := json.Unmarshal([]byte(out), &inbounds); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	if len(inbounds) != 2 || inbounds[0].Tag != "redir-in" {
		t.Errorf("入站不符: %+v", inbounds)
	}

	got := cp.mutations()
	if len(got) != 2 || got[0].Path != "/api/app-config" || got[1].Path != "/api/config/inbounds" {
		t.Fatalf("请求不符: %+v", got)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(got[0].Body), &body); err != nil {
		t.Fatalf("请求体不是JSON: %q", got[0].Body)
	}
	want := map[string]any{
		"proxy_mode":  "redir",
		"mixed_port":  float64(7890),
		"tproxy_port": float64(7893),
		"redir_port":  float64(7892),
		"lan_proxy":   false,
		"auto_start":  true,
		"listen_port": float64(7890),
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("读改写应保留未修改的字段 (-want +got):\n%s", diff)
	}
}

func TestConfigCommands(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		cp := &controlPlane{}
		file := filepath.Join(t.TempDir(), "route.yaml")
		if err := os.WriteFile(file, []byte("final: proxy\nauto_detect_interface: true\n"), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := run(t, cp, "config", "set", "route", "-f", file); err != nil {
			t.Fatalf("执行失败: %v", err)
		}
		got := cp.mutations()
		if len(got) != 1 || got[0].Method != http.MethodPut || got[0].Path != "/api/config/route" {
			t.Fatalf("请求不符: %+v", got)
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(got[0].Body), &body); err != nil {
			t.Fatalf("请求体不是JSON: %q", got[0].Body)
		}
		if diff := cmp.Diff(map[string]any{"final": "proxy", "auto_detect_interface": true}, body); diff != "" {
			t.Errorf("请求体不符 (-want +got):\n%s", diff)
		}
	})

	t.Run("set拒绝无效内容", func(t *testing.T) {
		cp := &controlPlane{}
		file := filepath.Join(t.TempDir(), "outbounds.yaml")
		if err := os.WriteFile(file, []byte("type: direct\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := run(t, cp, "config", "set", "outbounds", "-f", file); err == nil {
			t.Fatal("应报错")
		}
		if len(cp.mutations()) != 0 {
			t.Errorf("校验失败时不应发送请求: %+v", cp.mutations())
		}
	})

	t.Run("set拒绝inbounds", func(t *testing.T) {
		cp := &controlPlane{}
		file := filepath.Join(t.TempDir(), "inbounds.yaml")
		if err := os.WriteFile(file, []byte("- {type: socks, tag: hand-edited, listen: 0.0.0.0, listen_port: 1080}\n"), 0600); err != nil {
			t.Fatal(err)
		}

		_, err := run(t, cp, "config", "set", "inbounds", "-f", file)
		var verr *api.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("期望ValidationError，实际: %v", err)
		}
		if !strings.Contains(verr.Reason, "inbounds apply") {
			t.Errorf("错误信息应提示替代命令: %s", verr.Reason)
		}
		if len(cp.mutations()) != 0 {
			t.Errorf("不应发送请求: %+v", cp.mutations())
		}
	})

	t.Run("get以YAML输出", func(t *testing.T) {
		out, err := run(t, &controlPlane{}, "config", "get", "route")
		if err != nil {
			t.Fatalf("执行失败: %v", err)
		}
		if strings.TrimSpace(out) != "final: proxy" {
			t.Errorf("输出不符: %q", out)
		}
	})
}

func TestOutboundsCommand(t *testing.T) {
	out, err := run(t, &controlPlane{}, "-o", "json", "outbounds")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var got map[string][]map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("输出不是JSON: %q", out)
	}
	if len(got["nodes"]) != 1 || got["nodes"][0]["tag"] != "hk-01" {
		t.Errorf("代理节点不符: %v", got["nodes"])
	}
	if len(got["system"]) != 1 || got["system"][0]["tag"] != "direct" {
		t.Errorf("系统出站不符: %v", got["system"])
	}
}

func TestInvalidOutputFormat(t *testing.T) {
	if _, err := run(t, &controlPlane{}, "-o", "xml", "status"); err == nil {
		t.Error("不支持的输出格式应报错")
	}
}
