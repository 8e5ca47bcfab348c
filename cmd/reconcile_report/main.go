package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"order-replicator-go/config"
	"order-replicator-go/gateway"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/store"
	"order-replicator-go/order"
)

// TrailFunc 返回映射的审计轨迹
type TrailFunc func(ctx context.Context, mappingID string) ([]audit.Entry, error)

type reportRow struct {
	Mapping    order.CopyMapping        `json:"mapping"`
	SecurityID string                   `json:"securityId,omitempty"`
	Trail      []audit.Entry            `json:"trail"`
	Position   *gateway.PositionPayload `json:"destinationPosition,omitempty"`
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	asJSON := flag.Bool("json", false, "输出 JSON")
	noPositions := flag.Bool("noPositions", false, "不查询目标账户持仓")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.Driver != config.StorePostgres {
		fmt.Fprintln(os.Stderr, "对账报表需要 postgres 存储（内存存储不跨进程）")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	gs, err := store.OpenGorm(cfg.Store.DSN, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接存储失败: %v\n", err)
		os.Exit(1)
	}
	defer gs.Close()

	trail, err := trailSource(cfg, gs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开审计记录失败: %v\n", err)
		os.Exit(1)
	}

	mappings, err := gs.ListByStates(ctx, order.StateReconcile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询映射失败: %v\n", err)
		os.Exit(1)
	}

	var positions []gateway.PositionPayload
	if !*noPositions && len(mappings) > 0 {
		client := &gateway.BrokerRESTClient{
			BaseURL:    cfg.Destination.RESTURL,
			Auth:       gateway.NewStaticTokenProvider(cfg.Destination.ClientID, cfg.Destination.AccessToken, nil),
			HTTPClient: gateway.NewDefaultHTTPClient(),
		}
		if positions, err = client.Positions(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "查询目标账户持仓失败: %v\n", err)
		}
	}

	rows, err := buildReport(ctx, mappings, trail, positions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "生成报表失败: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
		return
	}
	render(os.Stdout, rows)
}

// trailSource 优先使用数据库审计表，否则读取审计文件
func trailSource(cfg config.AppConfig, gs *store.GormStore) (TrailFunc, error) {
	for _, s := range cfg.Audit.Sinks {
		if s == config.AuditPostgres {
			sink, err := audit.NewGormSink(gs.DB())
			if err != nil {
				return nil, err
			}
			return sink.ForMapping, nil
		}
	}
	path := cfg.Audit.FilePath
	return func(ctx context.Context, mappingID string) ([]audit.Entry, error) {
		return audit.ReadFile(path, mappingID)
	}, nil
}

func buildReport(ctx context.Context, mappings []order.CopyMapping, trail TrailFunc, positions []gateway.PositionPayload) ([]reportRow, error) {
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].UpdatedAt < mappings[j].UpdatedAt })
	bySecurity := make(map[string]gateway.PositionPayload, len(positions))
	for _, p := range positions {
		bySecurity[p.SecurityID] = p
	}

	rows := make([]reportRow, 0, len(mappings))
	for _, m := range mappings {
		entries, err := trail(ctx, m.SourceOrderID)
		if err != nil {
			return nil, fmt.Errorf("trail %s: %w", m.SourceOrderID, err)
		}
		row := reportRow{Mapping: m, Trail: entries, SecurityID: securityOf(entries)}
		if p, ok := bySecurity[row.SecurityID]; ok {
			row.Position = &p
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// securityOf 从 RECEIVED 记录里的源事件取证券代码
func securityOf(entries []audit.Entry) string {
	for _, e := range entries {
		if e.Action != audit.ActionReceived || len(e.Request) == 0 {
			continue
		}
		var ev order.SourceOrderEvent
		if err := json.Unmarshal(e.Request, &ev); err == nil && ev.SecurityID != "" {
			return ev.SecurityID
		}
	}
	return ""
}

func render(w io.Writer, rows []reportRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "没有需要人工对账的订单")
		return
	}
	fmt.Fprintf(w, "需要人工对账: %d\n\n", len(rows))
	for _, r := range rows {
		m := r.Mapping
		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintf(tw, "源订单\t%s\n", m.SourceOrderID)
		fmt.Fprintf(tw, "目标订单\t%s\n", m.DestinationOrderID)
		fmt.Fprintf(tw, "原因\t%s\n", m.Reason)
		fmt.Fprintf(tw, "数量\t%d (已成交 %d)\n", m.ComputedQuantity, m.FilledQuantity)
		fmt.Fprintf(tw, "更新时间\t%s\n", time.UnixMilli(m.UpdatedAt).Format(time.RFC3339))
		if r.Position != nil {
			fmt.Fprintf(tw, "目标持仓\t%s %s net=%d\n", r.Position.SecurityID, r.Position.ProductType, r.Position.NetQty)
		}
		_ = tw.Flush()

		tw = tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "  时间\t动作\t错误")
		for _, e := range r.Trail {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", time.UnixMilli(e.Timestamp).Format("15:04:05.000"), e.Action, e.Error)
		}
		_ = tw.Flush()
		fmt.Fprintln(w)
	}
}
