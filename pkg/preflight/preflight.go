// Package preflight 在下发入站配置前检查本机端口占用。
package preflight

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/inbound"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// DefaultIgnoredProcesses 占用端口时不算冲突的进程（代理进程自身）
var DefaultIgnoredProcesses = []string{"sing-box"}

// Conflict 一个被占用的端口
type Conflict struct {
	Tag      string `json:"tag" yaml:"tag"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Address  string `json:"address" yaml:"address"`
	PID      int32  `json:"pid" yaml:"pid"`
	Process  string `json:"process,omitempty" yaml:"process,omitempty"`
}

func (c Conflict) String() string {
	owner := fmt.Sprintf("pid %d", c.PID)
	if c.Process != "" {
		owner = fmt.Sprintf("%s(pid %d)", c.Process, c.PID)
	}
	return fmt.Sprintf("%s %s/%d 已被 %s 占用(%s)", c.Tag, c.Protocol, c.Port, owner, c.Address)
}

// Checker 端口占用检查
type Checker struct {
	ignore   []string
	sockets  func(ctx context.Context, kind string) ([]net.ConnectionStat, error)
	procName func(ctx context.Context, pid int32) (string, error)
	log      *logrus.Entry
}

// NewChecker 创建检查器，ignore为空时使用DefaultIgnoredProcesses
func NewChecker(ignore ...string) *Checker {
	if len(ignore) == 0 {
		ignore = DefaultIgnoredProcesses
	}
	return &Checker{
		ignore:   ignore,
		sockets:  net.ConnectionsWithContext,
		procName: processName,
		log:      logger.GetComponentLogger("preflight"),
	}
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// Conflicts 列出与listeners冲突的本机套接字。tproxy入站同时检查UDP
func (c *Checker) Conflicts(ctx context.Context, listeners []inbound.Listener) ([]Conflict, error) {
	if len(listeners) == 0 {
		return nil, nil
	}

	tcp, err := c.sockets(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("获取TCP监听端口失败: %w", err)
	}
	var udp []net.ConnectionStat
	if slices.ContainsFunc(listeners, func(l inbound.Listener) bool { return l.Tag == inbound.TagTProxy }) {
		if udp, err = c.sockets(ctx, "udp"); err != nil {
			return nil, fmt.Errorf("获取UDP端口失败: %w", err)
		}
	}

	names := make(map[int32]string)
	var conflicts []Conflict
	for _, l := range listeners {
		for _, s := range tcp {
			if s.Status == "LISTEN" && sameEndpoint(l, s.Laddr) {
				conflicts = c.appendConflict(ctx, conflicts, names, l, "tcp", s)
			}
		}
		if l.Tag != inbound.TagTProxy {
			continue
		}
		for _, s := range udp {
			if s.Raddr.IP == "" && sameEndpoint(l, s.Laddr) {
				conflicts = c.appendConflict(ctx, conflicts, names, l, "udp", s)
			}
		}
	}
	return conflicts, nil
}

func (c *Checker) appendConflict(ctx context.Context, out []Conflict, names map[int32]string, l inbound.Listener, proto string, s net.ConnectionStat) []Conflict {
	name, ok := names[s.Pid]
	if !ok && s.Pid > 0 {
		n, err := c.procName(ctx, s.Pid)
		if err != nil {
			c.log.WithError(err).WithField("pid", s.Pid).Debug("获取进程名失败")
		}
		name = n
		names[s.Pid] = name
	}
	if name != "" && slices.Contains(c.ignore, name) {
		return out
	}
	return append(out, Conflict{
		Tag:      l.Tag,
		Port:     l.Port,
		Protocol: proto,
		Address:  fmt.Sprintf("%s:%d", s.Laddr.IP, s.Laddr.Port),
		PID:      s.Pid,
		Process:  name,
	})
}

// Check 存在冲突时返回ValidationError
func (c *Checker) Check(ctx context.Context, listeners []inbound.Listener) error {
	conflicts, err := c.Conflicts(ctx, listeners)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		c.log.WithField("listeners", len(listeners)).Debug("端口检查通过")
		return nil
	}

	reasons := make([]string, 0, len(conflicts))
	for _, cf := range conflicts {
		reasons = append(reasons, cf.String())
	}
	return &api.ValidationError{Field: "listen_port", Reason: strings.Join(reasons, "; ")}
}

func isWildcard(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::" || ip == "*"
}

// sameEndpoint 端口相同且地址重叠（任一方为通配地址即视为重叠）
func sameEndpoint(l inbound.Listener, addr net.Addr) bool {
	if int(addr.Port) != l.Port {
		return false
	}
	return isWildcard(l.Address) || isWildcard(addr.IP) || addr.IP == l.Address
}
