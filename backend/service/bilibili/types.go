package bilibili

import (
	"net/http"
	"strings"
)

// UserInfo is the identity snapshot from the nav endpoint.
type UserInfo struct {
	IsLogin    bool   `json:"isLogin"`
	Mid        int64  `json:"mid"`
	Uname      string `json:"uname"`
	Face       string `json:"face"`
	FaceBase64 string `json:"faceBase64,omitempty"`
}

// UserCard is a public profile from the space acc/info endpoint.
type UserCard struct {
	Mid        int64  `json:"mid"`
	Name       string `json:"name"`
	Face       string `json:"face"`
	Sign       string `json:"sign"`
	Level      int    `json:"level"`
	FaceBase64 string `json:"faceBase64,omitempty"`
}

type QRCode struct {
	URL string `json:"url"`
	Key string `json:"qrcode_key"`
}

// QRPoll carries the inner poll result. Code is the handshake state,
// not the outer envelope code: 0 confirmed, 86090 scanned, 86101
// waiting, 86038 expired.
type QRPoll struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	URL          string `json:"url"`
	RefreshToken string `json:"refresh_token"`

	Cookies []*http.Cookie `json:"-"`
}

const (
	QRPollConfirmed = 0
	QRPollScanned   = 86090
	QRPollWaiting   = 86101
	QRPollExpired   = 86038
)

// Message type codes on the private-message wire.
const (
	MsgTypeText   = 1
	MsgTypeImage  = 2
	MsgTypeRecall = 5
)

type SessionInfo struct {
	TalkerID    int64 `json:"talker_id"`
	SessionType int   `json:"session_type"`
	AckSeqno    int64 `json:"ack_seqno"`
	UnreadCount int   `json:"unread_count"`
	MaxSeqno    int64 `json:"max_seqno"`
}

type NewSessionsData struct {
	SessionList []SessionInfo `json:"session_list"`
}

type PrivateMessage struct {
	SenderUID int64  `json:"sender_uid"`
	MsgType   int    `json:"msg_type"`
	Content   string `json:"content"`
	MsgSeqno  int64  `json:"msg_seqno"`
	Timestamp int64  `json:"timestamp"`
	MsgKey    uint64 `json:"msg_key"`
	MsgStatus int    `json:"msg_status"`
}

// Withdrawn reports whether the message is a retraction marker rather
// than deliverable content.
func (m PrivateMessage) Withdrawn() bool {
	return m.MsgStatus == 1 || m.MsgType == MsgTypeRecall
}

type SessionMessagesData struct {
	Messages []PrivateMessage `json:"messages"`
	HasMore  int              `json:"has_more"`
	MaxSeqno int64            `json:"max_seqno"`
	MinSeqno int64            `json:"min_seqno"`
}

type SendMessageData struct {
	MsgKey uint64 `json:"msg_key"`
}

type UploadImageData struct {
	ImageURL    string `json:"image_url"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
	ImgSize     int64  `json:"img_size"`
}

// DynamicItem is one entry of the followed-dynamics feed. Only the
// fields the diff engine and the host events need are mapped.
type DynamicItem struct {
	IDStr   string `json:"id_str"`
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
	Modules struct {
		Author struct {
			Mid   int64  `json:"mid"`
			Name  string `json:"name"`
			Face  string `json:"face"`
			PubTs int64  `json:"pub_ts"`
		} `json:"module_author"`
		Dynamic struct {
			Desc *struct {
				Text string `json:"text"`
			} `json:"desc"`
			Major *struct {
				Type string `json:"type"`
			} `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

func (d DynamicItem) DescText() string {
	if d.Modules.Dynamic.Desc == nil {
		return ""
	}
	return d.Modules.Dynamic.Desc.Text
}

func (d DynamicItem) MajorType() string {
	if d.Modules.Dynamic.Major == nil {
		return ""
	}
	return d.Modules.Dynamic.Major.Type
}

// Kind maps the upstream type string to a coarse event taxonomy.
func (d DynamicItem) Kind() string {
	switch strings.TrimSpace(d.Type) {
	case "DYNAMIC_TYPE_AV":
		return "video"
	case "DYNAMIC_TYPE_DRAW":
		return "image"
	case "DYNAMIC_TYPE_WORD":
		return "text"
	case "DYNAMIC_TYPE_ARTICLE":
		return "article"
	case "DYNAMIC_TYPE_LIVE_RCMD", "DYNAMIC_TYPE_LIVE":
		return "live"
	case "DYNAMIC_TYPE_FORWARD":
		return "forward"
	default:
		return "other"
	}
}

type AllDynamicsData struct {
	Items          []DynamicItem `json:"items"`
	UpdateBaseline string        `json:"update_baseline"`
	HasMore        bool          `json:"has_more"`
}

// LiveUser is one entry of the followed live-broadcast roster.
type LiveUser struct {
	Mid    int64  `json:"mid"`
	Uname  string `json:"uname"`
	Face   string `json:"face"`
	RoomID int64  `json:"room_id"`
	Title  string `json:"title"`
	Link   string `json:"link"`
}

type LiveUsersData struct {
	Count int        `json:"count"`
	Items []LiveUser `json:"items"`
}

type FollowingUser struct {
	Mid   int64  `json:"mid"`
	Uname string `json:"uname"`
	Face  string `json:"face"`
	Sign  string `json:"sign"`
}

type FollowingsData struct {
	List  []FollowingUser `json:"list"`
	Total int             `json:"total"`
}

// Relation attribute values meaning "already following".
const (
	relationFollowing = 2
	relationMutual    = 6
)

type relationData struct {
	Attribute int `json:"attribute"`
}
