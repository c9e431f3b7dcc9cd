// Package exporter 将会话的本地镜像以Prometheus指标的形式导出
package exporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nspass/singbox-console/pkg/api"
	"github.com/nspass/singbox-console/pkg/logger"
	"github.com/nspass/singbox-console/pkg/store"
	"github.com/nspass/singbox-console/pkg/traffic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateSource 状态快照来源
type StateSource interface {
	Snapshot() store.Snapshot
}

// GroupSource 代理组来源
type GroupSource interface {
	Groups() []api.ProxyGroup
}

// HistorySource 流量窗口统计来源
type HistorySource interface {
	Summarize() traffic.Summary
}

var allStatuses = []api.AppStatus{
	api.StatusStopped, api.StatusStarting, api.StatusRunning, api.StatusStopping, api.StatusError,
}

// Collector 实现 prometheus.Collector，每次采集时读取一次快照，不另做缓存
type Collector struct {
	state   StateSource
	groups  GroupSource
	history HistorySource

	up                 *prometheus.Desc
	status             *prometheus.Desc
	uploadSpeed        *prometheus.Desc
	downloadSpeed      *prometheus.Desc
	peakUpload         *prometheus.Desc
	peakDownload       *prometheus.Desc
	activeConnections  *prometheus.Desc
	connectionUpload   *prometheus.Desc
	connectionDownload *prometheus.Desc
	logsBuffered       *prometheus.Desc
	logsDropped        *prometheus.Desc
	groupActive        *prometheus.Desc
}

// NewCollector 创建采集器，groups和history可为nil
func NewCollector(state StateSource, groups GroupSource, history HistorySource, prefix string) *Collector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(prefix, "", name)
	}
	return &Collector{
		state:   state,
		groups:  groups,
		history: history,
		up: prometheus.NewDesc(
			fqName("up"),
			"Whether the proxy process is running (1) or not (0).",
			nil, nil,
		),
		status: prometheus.NewDesc(
			fqName("status"),
			"Current proxy process status, 1 for the active status.",
			[]string{"status"}, nil,
		),
		uploadSpeed: prometheus.NewDesc(
			fqName("traffic_upload_speed_bytes"),
			"Current upload speed in bytes per second.",
			nil, nil,
		),
		downloadSpeed: prometheus.NewDesc(
			fqName("traffic_download_speed_bytes"),
			"Current download speed in bytes per second.",
			nil, nil,
		),
		peakUpload: prometheus.NewDesc(
			fqName("traffic_window_peak_upload_bytes"),
			"Peak upload speed within the rolling traffic window.",
			nil, nil,
		),
		peakDownload: prometheus.NewDesc(
			fqName("traffic_window_peak_download_bytes"),
			"Peak download speed within the rolling traffic window.",
			nil, nil,
		),
		activeConnections: prometheus.NewDesc(
			fqName("connections_active_total"),
			"Total number of active connections.",
			nil, nil,
		),
		connectionUpload: prometheus.NewDesc(
			fqName("connection_upload_bytes"),
			"Uploaded bytes aggregated by source, destination and outbound.",
			[]string{"source_host", "destination", "outbound_node"}, nil,
		),
		connectionDownload: prometheus.NewDesc(
			fqName("connection_download_bytes"),
			"Downloaded bytes aggregated by source, destination and outbound.",
			[]string{"source_host", "destination", "outbound_node"}, nil,
		),
		logsBuffered: prometheus.NewDesc(
			fqName("logs_buffered"),
			"Number of log entries currently held in the local buffer.",
			nil, nil,
		),
		logsDropped: prometheus.NewDesc(
			fqName("logs_dropped_total"),
			"Log entries discarded because the local buffer was full.",
			nil, nil,
		),
		groupActive: prometheus.NewDesc(
			fqName("proxy_group_active"),
			"Active member of a selector or urltest group.",
			[]string{"group", "type", "member"}, nil,
		),
	}
}

// Describe 将所有指标描述符发送到 channel
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.status
	ch <- c.uploadSpeed
	ch <- c.downloadSpeed
	ch <- c.peakUpload
	ch <- c.peakDownload
	ch <- c.activeConnections
	ch <- c.connectionUpload
	ch <- c.connectionDownload
	ch <- c.logsBuffered
	ch <- c.logsDropped
	ch <- c.groupActive
}

// Collect 读取快照并生成指标
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.state.Snapshot()

	up := 0.0
	if snap.Status.Status == api.StatusRunning {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
	for _, s := range allStatuses {
		v := 0.0
		if snap.Status.Status == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, string(s))
	}

	ch <- prometheus.MustNewConstMetric(c.uploadSpeed, prometheus.GaugeValue, float64(snap.Traffic.Up))
	ch <- prometheus.MustNewConstMetric(c.downloadSpeed, prometheus.GaugeValue, float64(snap.Traffic.Down))
	if c.history != nil {
		sum := c.history.Summarize()
		ch <- prometheus.MustNewConstMetric(c.peakUpload, prometheus.GaugeValue, float64(sum.PeakUp))
		ch <- prometheus.MustNewConstMetric(c.peakDownload, prometheus.GaugeValue, float64(sum.PeakDown))
	}

	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(len(snap.Connections)))

	type connKey struct {
		sourceHost   string
		destination  string
		outboundNode string
	}
	type connTraffic struct {
		upload   int64
		download int64
	}
	aggregated := make(map[connKey]connTraffic)
	for _, conn := range snap.Connections {
		outboundNode := "DIRECT"
		if len(conn.Chains) > 0 {
			outboundNode = conn.Chains[len(conn.Chains)-1]
		}
		var sourceHost, destination string
		if m := conn.Metadata; m != nil {
			sourceHost = m.SourceIP
			destination = m.Host
			if destination == "" {
				destination = m.DestinationIP
			}
		}
		if sourceHost == "" || destination == "" || outboundNode == "" {
			// 标签为空的连接不导出
			continue
		}

		key := connKey{sourceHost: sourceHost, destination: destination, outboundNode: outboundNode}
		t := aggregated[key]
		t.upload += conn.Upload
		t.download += conn.Download
		aggregated[key] = t
	}
	for key, t := range aggregated {
		ch <- prometheus.MustNewConstMetric(c.connectionUpload, prometheus.GaugeValue, float64(t.upload), key.sourceHost, key.destination, key.outboundNode)
		ch <- prometheus.MustNewConstMetric(c.connectionDownload, prometheus.GaugeValue, float64(t.download), key.sourceHost, key.destination, key.outboundNode)
	}

	ch <- prometheus.MustNewConstMetric(c.logsBuffered, prometheus.GaugeValue, float64(len(snap.Logs)))
	ch <- prometheus.MustNewConstMetric(c.logsDropped, prometheus.CounterValue, float64(snap.LogsDropped))

	if c.groups != nil {
		for _, g := range c.groups.Groups() {
			if g.Active == "" {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.groupActive, prometheus.GaugeValue, 1, g.Name, g.Type, g.Active)
		}
	}
}

// Serve 在addr上提供 /metrics，ctx结束时优雅关闭
func Serve(ctx context.Context, addr string, collector prometheus.Collector) error {
	log := logger.GetComponentLogger("exporter")

	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
			<head><title>sing-box console exporter</title></head>
			<body>
			<h1>sing-box console exporter</h1>
			<p><a href="/metrics">Metrics</a></p>
			</body>
			</html>`))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("指标服务已启动")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("指标服务已关闭")
		return nil
	}
}
