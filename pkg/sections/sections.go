// Package sections 处理sing-box配置中不做结构化建模的配置段（dns、route、outbounds、inbounds）。
//
// inbounds只读：入站总是由代理模式设置生成，不接受手写内容。
// 操作员提交的YAML/JSON先解析为protobuf Struct/ListValue，校验能无损表示为JSON并符合配置段的
// 基本形状后再下发；读取到的配置段同样经由protobuf值转换为JSON或YAML输出。
package sections

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nspass/singbox-console/pkg/api"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// 配置段名称
const (
	DNS       = "dns"
	Route     = "route"
	Outbounds = "outbounds"
	Inbounds  = "inbounds"
)

// SystemOutboundTypes 非代理节点的出站类型
var SystemOutboundTypes = []string{"direct", "block", "dns-out", "selector", "urltest", "dns"}

// ErrInboundsReadOnly 入站配置段不接受手写内容
var ErrInboundsReadOnly = &api.ValidationError{
	Field:  "section",
	Reason: "inbounds 由代理模式设置生成，请使用 inbounds apply 或 config set app",
}

// Document 一个配置段的内容
type Document struct {
	Section string
	Value   *structpb.Value
}

// Parse 解析YAML或JSON（JSON是YAML的子集）并校验配置段形状
func Parse(section string, data []byte) (*Document, error) {
	if section == Inbounds {
		return nil, ErrInboundsReadOnly
	}
	if !slices.Contains(api.SettableSections, section) {
		return nil, &api.ValidationError{Field: "section", Reason: fmt.Sprintf("不支持的配置段 %q", section)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &api.ValidationError{Field: section, Reason: "内容为空"}
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &api.ValidationError{Field: section, Reason: fmt.Sprintf("解析失败: %v", err)}
	}

	normalized, err := normalize(raw, section)
	if err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(normalized)
	if err != nil {
		return nil, &api.ValidationError{Field: section, Reason: fmt.Sprintf("无法表示为JSON: %v", err)}
	}

	doc := &Document{Section: section, Value: value}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromJSON 由控制面返回的JSON构造
func FromJSON(section string, raw json.RawMessage) (*Document, error) {
	var value structpb.Value
	if err := protojson.Unmarshal(raw, &value); err != nil {
		return nil, &api.DecodeError{What: "配置段 " + section, Err: err}
	}
	return &Document{Section: section, Value: &value}, nil
}

// normalize 将YAML解码结果转换为structpb可接受的类型
func normalize(v interface{}, path string) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			n, err := normalize(val, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, &api.ValidationError{Field: path, Reason: fmt.Sprintf("对象键必须是字符串: %v", k)}
			}
			n, err := normalize(val, path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			n, err := normalize(val, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case int:
		if n := int64(t); n > 1<<53 || n < -(1<<53) {
			return nil, &api.ValidationError{Field: path, Reason: fmt.Sprintf("整数超出JSON安全范围: %d", t)}
		}
		return t, nil
	default:
		return t, nil
	}
}

// validate dns/route必须是对象；outbounds必须是对象数组，且每项都有字符串type和tag
func (d *Document) validate() error {
	switch d.Section {
	case DNS, Route:
		if d.Value.GetStructValue() == nil {
			return &api.ValidationError{Field: d.Section, Reason: "必须是对象"}
		}
	case Outbounds:
		list := d.Value.GetListValue()
		if list == nil {
			return &api.ValidationError{Field: d.Section, Reason: "必须是数组"}
		}
		tags := make(map[string]bool)
		for i, item := range list.GetValues() {
			obj := item.GetStructValue()
			field := fmt.Sprintf("%s[%d]", d.Section, i)
			if obj == nil {
				return &api.ValidationError{Field: field, Reason: "必须是对象"}
			}
			if typ := obj.GetFields()["type"].GetStringValue(); typ == "" {
				return &api.ValidationError{Field: field, Reason: "缺少type"}
			}
			tag := obj.GetFields()["tag"].GetStringValue()
			if tag == "" {
				return &api.ValidationError{Field: field, Reason: "缺少tag"}
			}
			if tags[tag] {
				return &api.ValidationError{Field: field, Reason: fmt.Sprintf("tag重复: %s", tag)}
			}
			tags[tag] = true
		}
	}
	return nil
}

// JSON 紧凑JSON，用作请求体
func (d *Document) JSON() (json.RawMessage, error) {
	data, err := protojson.Marshal(d.Value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Interface 转换为普通Go值，用于JSON/YAML输出
func (d *Document) Interface() interface{} {
	return d.Value.AsInterface()
}

// Outbound 出站摘要
type Outbound struct {
	Tag    string `json:"tag" yaml:"tag"`
	Type   string `json:"type" yaml:"type"`
	Server string `json:"server,omitempty" yaml:"server,omitempty"`
	Port   int    `json:"server_port,omitempty" yaml:"server_port,omitempty"`
}

// PartitionOutbounds 将出站分为代理节点和系统出站
func (d *Document) PartitionOutbounds() (nodes, system []Outbound) {
	for _, item := range d.Value.GetListValue().GetValues() {
		fields := item.GetStructValue().GetFields()
		ob := Outbound{
			Tag:    fields["tag"].GetStringValue(),
			Type:   fields["type"].GetStringValue(),
			Server: fields["server"].GetStringValue(),
			Port:   int(fields["server_port"].GetNumberValue()),
		}
		if slices.Contains(SystemOutboundTypes, ob.Type) {
			system = append(system, ob)
		} else {
			nodes = append(nodes, ob)
		}
	}
	return nodes, system
}
