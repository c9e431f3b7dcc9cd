// Package proxygroup 镜像远端的Selector/URLTest代理组并切换其当前节点。
package proxygroup

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Remote 代理组相关的控制面接口
type Remote interface {
	GetProxies(ctx context.Context) (*api.ProxiesResponse, error)
	SelectProxy(ctx context.Context, group, name string) error
}

// Controller 代理组镜像。切换节点只有在远端确认成功后才更新本地Active
type Controller struct {
	remote Remote

	mu     sync.RWMutex
	groups map[string]api.ProxyGroup

	log *logrus.Entry
}

// NewController 创建代理组控制器
func NewController(remote Remote) *Controller {
	return &Controller{
		remote: remote,
		groups: make(map[string]api.ProxyGroup),
		log:    logger.GetComponentLogger("proxygroup"),
	}
}

// Mirrored 是否为需要镜像的代理组类型
func Mirrored(typ string) bool {
	return typ == api.GroupTypeSelector || typ == api.GroupTypeURLTest
}

// FromProxies 从 /proxies 响应中提取代理组，按名称排序
func FromProxies(resp *api.ProxiesResponse) []api.ProxyGroup {
	if resp == nil {
		return nil
	}
	var groups []api.ProxyGroup
	for name, p := range resp.Proxies {
		if !Mirrored(p.Type) {
			continue
		}
		groups = append(groups, api.ProxyGroup{
			Name:    name,
			Type:    p.Type,
			Members: slices.Clone(p.All),
			Active:  p.Now,
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// Refresh 拉取远端代理组并整体替换本地镜像。失败时保留原镜像
func (c *Controller) Refresh(ctx context.Context) error {
	resp, err := c.remote.GetProxies(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]api.ProxyGroup)
	for _, g := range FromProxies(resp) {
		next[g.Name] = g
	}

	c.mu.Lock()
	c.groups = next
	c.mu.Unlock()

	c.log.WithField("groups", len(next)).Debug("代理组已刷新")
	return nil
}

// Groups 按名称排序的代理组副本
func (c *Controller) Groups() []api.ProxyGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]api.ProxyGroup, 0, len(c.groups))
	for _, g := range c.groups {
		g.Members = slices.Clone(g.Members)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// Group 获取单个代理组
func (c *Controller) Group(name string) (api.ProxyGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if ok {
		g.Members = slices.Clone(g.Members)
	}
	return g, ok
}

// Select 切换代理组当前节点。远端失败时本地状态不变
func (c *Controller) Select(ctx context.Context, group, member string) error {
	if group == "" || member == "" {
		return &api.ValidationError{Field: "group", Reason: "代理组和节点名称不能为空"}
	}
	if g, ok := c.Group(group); ok && !slices.Contains(g.Members, member) {
		return &api.ValidationError{Field: "member", Reason: fmt.Sprintf("%q 不属于代理组 %q", member, group)}
	}

	if err := c.remote.SelectProxy(ctx, group, member); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"group":  group,
			"member": member,
		}).Warn("切换节点失败")
		return err
	}

	c.mu.Lock()
	if g, ok := c.groups[group]; ok {
		g.Active = member
		c.groups[group] = g
	}
	c.mu.Unlock()

	logger.LogAudit("select_proxy", group, logrus.Fields{"member": member})
	return nil
}
