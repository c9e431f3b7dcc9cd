package proxygroup

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nspass/singbox-console/pkg/api"
)

type fakeRemote struct {
	proxies   *api.ProxiesResponse
	getErr    error
	selectErr error
	selected  [][2]string
}

func (f *fakeRemote) GetProxies(ctx context.Context) (*api.ProxiesResponse, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.proxies, nil
}

func (f *fakeRemote) SelectProxy(ctx context.Context, group, name string) error {
	f.selected = append(f.selected, [2]string{group, name})
	return f.selectErr
}

func sampleProxies() *api.ProxiesResponse {
	return &api.ProxiesResponse{Proxies: map[string]api.ProxyInfo{
		"proxy":  {Name: "proxy", Type: "Selector", Now: "hk-01", All: []string{"hk-01", "jp-01", "auto"}},
		"auto":   {Name: "auto", Type: "URLTest", Now: "jp-01", All: []string{"hk-01", "jp-01"}},
		"hk-01":  {Name: "hk-01", Type: "Shadowsocks"},
		"direct": {Name: "direct", Type: "Direct"},
		"empty":  {Name: "empty", Type: "Selector"},
	}}
}

func newRefreshed(t *testing.T, remote *fakeRemote) *Controller {
	t.Helper()
	c := NewController(remote)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	return c
}

func TestRefreshKeepsSelectorAndURLTest(t *testing.T) {
	c := newRefreshed(t, &fakeRemote{proxies: sampleProxies()})

	want := []api.ProxyGroup{
		{Name: "auto", Type: "URLTest", Members: []string{"hk-01", "jp-01"}, Active: "jp-01"},
		{Name: "empty", Type: "Selector"},
		{Name: "proxy", Type: "Selector", Members: []string{"hk-01", "jp-01", "auto"}, Active: "hk-01"},
	}
	if diff := cmp.Diff(want, c.Groups()); diff != "" {
		t.Errorf("代理组不符 (-want +got):\n%s", diff)
	}
}

func TestRefreshFailureKeepsMirror(t *testing.T) {
	remote := &fakeRemote{proxies: sampleProxies()}
	c := newRefreshed(t, remote)
	before := c.Groups()

	remote.getErr = &api.TransportError{Op: "GET /proxies", Err: errors.New("connection refused")}
	if err := c.Refresh(context.Background()); !api.IsTransport(err) {
		t.Fatalf("期望TransportError，实际: %v", err)
	}
	if diff := cmp.Diff(before, c.Groups()); diff != "" {
		t.Errorf("刷新失败不应修改镜像 (-want +got):\n%s", diff)
	}
}

func TestSelect(t *testing.T) {
	t.Run("成功后更新active", func(t *testing.T) {
		remote := &fakeRemote{proxies: sampleProxies()}
		c := newRefreshed(t, remote)

		if err := c.Select(context.Background(), "proxy", "jp-01"); err != nil {
			t.Fatalf("切换失败: %v", err)
		}
		g, _ := c.Group("proxy")
		if g.Active != "jp-01" {
			t.Errorf("active应为jp-01，实际 %s", g.Active)
		}
		if diff := cmp.Diff([][2]string{{"proxy", "jp-01"}}, remote.selected); diff != "" {
			t.Errorf("远端请求不符 (-want +got):\n%s", diff)
		}
	})

	t.Run("远端失败时active不变", func(t *testing.T) {
		remote := &fakeRemote{proxies: sampleProxies()}
		c := newRefreshed(t, remote)
		remote.selectErr = &api.RemoteRejection{Op: "PUT /proxies/proxy", StatusCode: 500, Message: "selector not found"}

		err := c.Select(context.Background(), "proxy", "jp-01")
		if !api.IsRejection(err) {
			t.Fatalf("期望RemoteRejection，实际: %v", err)
		}
		g, _ := c.Group("proxy")
		if g.Active != "hk-01" {
			t.Errorf("失败后active不应变化，实际 %s", g.Active)
		}
	})

	t.Run("节点不属于代理组", func(t *testing.T) {
		remote := &fakeRemote{proxies: sampleProxies()}
		c := newRefreshed(t, remote)

		var verr *api.ValidationError
		if err := c.Select(context.Background(), "auto", "us-01"); !errors.As(err, &verr) {
			t.Fatalf("期望ValidationError，实际: %v", err)
		}
		if len(remote.selected) != 0 {
			t.Errorf("校验失败不应发出请求: %v", remote.selected)
		}
	})

	t.Run("未镜像的代理组直接下发", func(t *testing.T) {
		remote := &fakeRemote{proxies: sampleProxies()}
		c := NewController(remote)

		if err := c.Select(context.Background(), "proxy", "jp-01"); err != nil {
			t.Fatalf("切换失败: %v", err)
		}
		if _, ok := c.Group("proxy"); ok {
			t.Error("未刷新时不应凭空生成镜像")
		}
	})
}

func TestGroupsReturnsCopies(t *testing.T) {
	c := newRefreshed(t, &fakeRemote{proxies: sampleProxies()})
	groups := c.Groups()
	groups[0].Members[0] = "mutated"

	g, _ := c.Group("auto")
	if g.Members[0] != "hk-01" {
		t.Error("外部修改不应影响镜像")
	}
}
