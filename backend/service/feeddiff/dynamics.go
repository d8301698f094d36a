package feeddiff

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
)

// dynamicsCacheSize bounds the retained snapshot. The feed endpoint
// pages far deeper, but diffing only needs the recent window.
const dynamicsCacheSize = 10

type dynamicsClient interface {
	AllDynamics(ctx context.Context, updateBaseline string) (*bilibili.AllDynamicsData, error)
}

// NewDynamicsEngine watches the followed-dynamics feed. New items fire
// one event per item, typed by the dynamic kind; edits to an already
// seen item fire dynamic.updated. Items never "end", they just age out
// of the window.
func NewDynamicsEngine(client dynamicsClient, bus publisher, dataDir string, selfUID int64, pause time.Duration, log *zap.Logger) *Engine[bilibili.DynamicItem] {
	spec := Spec[bilibili.DynamicItem]{
		Kind: "dynamics",
		Fetch: func(ctx context.Context, baseline string) ([]bilibili.DynamicItem, string, bool, error) {
			data, err := client.AllDynamics(ctx, baseline)
			if err != nil {
				return nil, "", false, err
			}
			if data == nil {
				return nil, "", false, nil
			}
			return data.Items, data.UpdateBaseline, true, nil
		},
		Identity: func(item bilibili.DynamicItem) string {
			return item.IDStr
		},
		Fingerprint: dynamicFingerprint,
		OrderKey: func(item bilibili.DynamicItem) int64 {
			return item.Modules.Author.PubTs
		},
		EventType: func(item bilibili.DynamicItem, change string) string {
			if change == "updated" {
				return "dynamic.updated"
			}
			return "dynamic." + item.Kind()
		},
		Merge:     mergeDynamics,
		EmitEnded: false,
	}
	return New(spec, bus, dataDir, selfUID, pause, log)
}

// dynamicFingerprint hashes the fields whose change means the dynamic
// was materially edited.
func dynamicFingerprint(item bilibili.DynamicItem) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s|%d|%s|%s|%d|%s|%s",
		item.IDStr,
		item.Modules.Author.Mid,
		item.Modules.Author.Name,
		item.Type,
		item.Modules.Author.PubTs,
		item.DescText(),
		item.MajorType()))
	return fmt.Sprintf("%x", sum)
}

// mergeDynamics folds the fetched page into the cached window: the
// fetched copy wins on conflict, newest first, truncated to the window
// size.
func mergeDynamics(cached, fetched []bilibili.DynamicItem) []bilibili.DynamicItem {
	merged := make([]bilibili.DynamicItem, 0, len(cached)+len(fetched))
	seen := make(map[string]struct{}, len(cached)+len(fetched))
	for _, item := range fetched {
		if _, dup := seen[item.IDStr]; dup {
			continue
		}
		seen[item.IDStr] = struct{}{}
		merged = append(merged, item)
	}
	for _, item := range cached {
		if _, dup := seen[item.IDStr]; dup {
			continue
		}
		seen[item.IDStr] = struct{}{}
		merged = append(merged, item)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Modules.Author.PubTs > merged[j].Modules.Author.PubTs
	})
	if len(merged) > dynamicsCacheSize {
		merged = merged[:dynamicsCacheSize]
	}
	return merged
}
