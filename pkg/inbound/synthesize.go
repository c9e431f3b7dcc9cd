// Package inbound 根据代理模式、端口和局域网开关生成sing-box入站配置。
//
// 生成结果总是恰好包含一个模式入站和一个mixed入站。除TUN模式下的mixed入站固定
// 监听本机外，其余入站的监听地址都由lan_proxy决定。
package inbound

import (
	"fmt"

	"github.com/nspass/singbox-console/pkg/api"
)

// 入站标签
const (
	TagTUN    = "tun-in"
	TagTProxy = "tproxy-in"
	TagRedir  = "redir-in"
	TagMixed  = "mixed-in"
)

// 监听地址
const (
	ListenLoopback = "127.0.0.1"
	ListenAll      = "0.0.0.0"
)

// TUN 固定参数
const (
	TUNInterface = "tun0"
	TUNStack     = "mixed"
)

// TUNRouteAddress IPv4与IPv6的默认路由拆分为两半，覆盖系统默认路由
var TUNRouteAddress = []string{"0.0.0.0/1", "128.0.0.0/1", "::/1", "8000::/1"}

// Modes 支持的代理模式及说明
var Modes = []struct {
	Mode        api.ProxyMode
	Description string
}{
	{api.ModeTUN, "虚拟网卡接管全部流量，支持TCP/UDP"},
	{api.ModeTProxy, "iptables/nftables TPROXY，支持TCP/UDP，适合旁路由"},
	{api.ModeRedir, "iptables NAT REDIRECT，仅支持TCP"},
}

// Synthesize 生成入站列表，第一个为模式入站，第二个为mixed入站
func Synthesize(cfg api.AppConfig) ([]api.Inbound, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	listen := ListenLoopback
	if cfg.LanProxy {
		listen = ListenAll
	}
	mixed := api.Inbound{
		Type:       api.InboundMixed,
		Tag:        TagMixed,
		Listen:     listen,
		ListenPort: cfg.MixedPort,
		Sniff:      true,
	}

	switch cfg.ProxyMode {
	case api.ModeTUN:
		tun := api.Inbound{
			Type:          api.InboundTUN,
			Tag:           TagTUN,
			InterfaceName: TUNInterface,
			AutoRoute:     true,
			AutoRedirect:  true,
			StrictRoute:   true,
			Stack:         TUNStack,
			RouteAddress:  append([]string(nil), TUNRouteAddress...),
			Sniff:         true,
			SniffOverride: true,
		}
		// TUN模式下mixed端口不对局域网开放
		mixed.Listen = ListenLoopback
		return []api.Inbound{tun, mixed}, nil

	case api.ModeTProxy:
		return []api.Inbound{{
			Type:       api.InboundTProxy,
			Tag:        TagTProxy,
			Listen:     listen,
			ListenPort: cfg.TProxyPort,
			Network:    "tcp udp",
			Sniff:      true,
		}, mixed}, nil

	default: // api.ModeRedir
		return []api.Inbound{{
			Type:       api.InboundRedirect,
			Tag:        TagRedir,
			Listen:     listen,
			ListenPort: cfg.RedirPort,
			Sniff:      true,
		}, mixed}, nil
	}
}

// ActivePort 当前模式使用的端口，TUN模式没有监听端口返回0
func ActivePort(cfg api.AppConfig) int {
	switch cfg.ProxyMode {
	case api.ModeTProxy:
		return cfg.TProxyPort
	case api.ModeRedir:
		return cfg.RedirPort
	}
	return 0
}

// Validate 只校验当前模式实际使用的端口和mixed端口，未使用的端口保留原值
func Validate(cfg api.AppConfig) error {
	switch cfg.ProxyMode {
	case api.ModeTUN, api.ModeTProxy, api.ModeRedir:
	default:
		return &api.ValidationError{Field: "proxy_mode", Reason: fmt.Sprintf("不支持的代理模式 %q", cfg.ProxyMode)}
	}

	if err := checkPort("mixed_port", cfg.MixedPort); err != nil {
		return err
	}

	switch cfg.ProxyMode {
	case api.ModeTProxy:
		if err := checkPort("tproxy_port", cfg.TProxyPort); err != nil {
			return err
		}
	case api.ModeRedir:
		if err := checkPort("redir_port", cfg.RedirPort); err != nil {
			return err
		}
	}

	if port := ActivePort(cfg); port != 0 && port == cfg.MixedPort {
		return &api.ValidationError{Field: "mixed_port", Reason: fmt.Sprintf("与%s模式端口冲突: %d", cfg.ProxyMode, port)}
	}
	return nil
}

func checkPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &api.ValidationError{Field: field, Reason: fmt.Sprintf("端口必须在1-65535之间: %d", port)}
	}
	return nil
}

// ListenPorts 入站列表中需要在本机监听的端口
func ListenPorts(inbounds []api.Inbound) []Listener {
	var out []Listener
	for _, in := range inbounds {
		if in.ListenPort == 0 {
			continue
		}
		out = append(out, Listener{Tag: in.Tag, Address: in.Listen, Port: in.ListenPort})
	}
	return out
}

// Listener 一个监听端口
type Listener struct {
	Tag     string
	Address string
	Port    int
}
