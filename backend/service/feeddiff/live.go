package feeddiff

import (
	"context"
	"crypto/md5"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/service/bilibili"
)

type liveClient interface {
	LiveUsers(ctx context.Context) (*bilibili.LiveUsersData, error)
}

// NewLiveEngine watches the followed live-broadcast roster. A streamer
// appearing fires live.started, a title change fires live.updated, and
// dropping off the roster fires live.ended. The snapshot is the roster
// itself, replaced wholesale each tick.
func NewLiveEngine(client liveClient, bus publisher, dataDir string, selfUID int64, pause time.Duration, log *zap.Logger) *Engine[bilibili.LiveUser] {
	spec := Spec[bilibili.LiveUser]{
		Kind: "live",
		Fetch: func(ctx context.Context, _ string) ([]bilibili.LiveUser, string, bool, error) {
			data, err := client.LiveUsers(ctx)
			if err != nil {
				return nil, "", false, err
			}
			if data == nil {
				return nil, "", false, nil
			}
			return data.Items, "", true, nil
		},
		Identity: func(user bilibili.LiveUser) string {
			return fmt.Sprintf("%d", user.Mid)
		},
		Fingerprint: liveFingerprint,
		OrderKey: func(user bilibili.LiveUser) int64 {
			return user.Mid
		},
		EventType: func(_ bilibili.LiveUser, change string) string {
			switch change {
			case "new":
				return "live.started"
			case "ended":
				return "live.ended"
			default:
				return "live.updated"
			}
		},
		EmitEnded: true,
	}
	return New(spec, bus, dataDir, selfUID, pause, log)
}

func liveFingerprint(user bilibili.LiveUser) string {
	sum := md5.Sum(fmt.Appendf(nil, "%d|%d|%s|%s",
		user.Mid, user.RoomID, user.Title, user.Uname))
	return fmt.Sprintf("%x", sum)
}
