package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GenerateQR requests a fresh login QR code. Login flow errors are not
// neutralized: the state machine needs to see them.
func (c *Client) GenerateQR(ctx context.Context) (*QRCode, error) {
	if c.Disposed() {
		return nil, nil
	}
	data, _, _, err := requestJSON[QRCode](c, ctx, http.MethodGet, qrCodeGenerateAPI, nil, false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(data.URL) == "" || strings.TrimSpace(data.Key) == "" {
		return nil, errors.New("invalid qrcode response")
	}
	return &data, nil
}

// PollQR checks the scan state of a pending QR code. The returned
// Cookies are only populated on confirmation.
func (c *Client) PollQR(ctx context.Context, qrKey string) (*QRPoll, error) {
	if c.Disposed() {
		return nil, nil
	}
	pollURL := qrCodePollAPI + "?qrcode_key=" + url.QueryEscape(qrKey) + "&source=main_mini"
	data, _, cookies, err := requestJSON[QRPoll](c, ctx, http.MethodGet, pollURL, nil, false)
	if err != nil {
		return nil, err
	}
	data.Cookies = cookies
	return &data, nil
}

// MyInfo probes the cached session. A neutral nil result means the
// session is not usable; only malformed responses surface as errors.
func (c *Client) MyInfo(ctx context.Context) (*UserInfo, error) {
	if c.Disposed() {
		return nil, nil
	}
	data, _, _, err := requestJSON[UserInfo](c, ctx, http.MethodGet, navAPI, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("identity probe failed", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if !data.IsLogin {
		c.log.Warn("identity probe rejected: session not logged in")
		return nil, nil
	}
	if c.cfg.AvatarBase64 && data.Face != "" {
		if inline, faceErr := c.FetchImageBase64(ctx, data.Face); faceErr == nil {
			data.FaceBase64 = inline
		}
	}
	return &data, nil
}

// NewSessions lists talker sessions with activity at or after the
// millisecond cursor. nil means the poll failed.
func (c *Client) NewSessions(ctx context.Context, beginTs int64) (*NewSessionsData, error) {
	if c.Disposed() {
		return nil, nil
	}
	target := fmt.Sprintf("%s?begin_ts=%d&build=0&mobi_app=web", newSessionsAPI, beginTs)
	data, _, _, err := requestJSON[NewSessionsData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("new_sessions failed", zap.Int64("beginTs", beginTs), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// FetchSessionMessages pulls one page of a session, newest first.
func (c *Client) FetchSessionMessages(ctx context.Context, talkerID int64, sessionType int, beginSeqno int64, size int) (*SessionMessagesData, error) {
	if c.Disposed() {
		return nil, nil
	}
	if size <= 0 {
		size = 20
	}
	target := fmt.Sprintf("%s?talker_id=%d&session_type=%d&begin_seqno=%d&size=%d&build=0&mobi_app=web",
		sessionMessagesAPI, talkerID, sessionType, beginSeqno, size)
	data, _, _, err := requestJSON[SessionMessagesData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("fetch_session_msgs failed",
				zap.Int64("talkerId", talkerID), zap.Int64("beginSeqno", beginSeqno), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// UpdateAck advances the read pointer of a session. Callers treat
// failures as non-fatal: redelivery is absorbed by the dedup cache.
func (c *Client) UpdateAck(ctx context.Context, talkerID int64, sessionType int, ackSeqno int64) error {
	if c.Disposed() {
		return nil
	}
	csrf, err := c.creds.CSRF()
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("talker_id", strconv.FormatInt(talkerID, 10))
	form.Set("session_type", strconv.Itoa(sessionType))
	form.Set("ack_seqno", strconv.FormatInt(ackSeqno, 10))
	form.Set("build", "0")
	form.Set("mobi_app", "web")
	form.Set("csrf", csrf)
	form.Set("csrf_token", csrf)
	_, _, _, err = requestJSON[json.RawMessage](c, ctx, http.MethodPost, updateAckAPI, form, true)
	return err
}

// SendMessage sends one private message. The query is WBI-signed, the
// body carries the msg[...] form. nil result means the send was
// refused upstream (rate limit, anti-abuse, blocked peer).
func (c *Client) SendMessage(ctx context.Context, receiverID int64, msgType int, content string) (*SendMessageData, error) {
	if c.Disposed() {
		return nil, nil
	}
	csrf, err := c.creds.CSRF()
	if err != nil {
		return nil, err
	}
	senderUID := c.creds.UID()
	if senderUID <= 0 {
		return nil, errors.New("missing DedeUserID in credentials")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, map[string]string{
		"w_sender_uid":   strconv.FormatInt(senderUID, 10),
		"w_receiver_id":  strconv.FormatInt(receiverID, 10),
		"w_dev_id":       c.devID,
		"web_location":   "333.1296",
		"x-bili-web-req": "1",
	})
	if err != nil {
		return nil, fmt.Errorf("sign send_msg: %w", err)
	}

	form := url.Values{}
	form.Set("msg[sender_uid]", strconv.FormatInt(senderUID, 10))
	form.Set("msg[receiver_id]", strconv.FormatInt(receiverID, 10))
	form.Set("msg[receiver_type]", "1")
	form.Set("msg[msg_type]", strconv.Itoa(msgType))
	form.Set("msg[msg_status]", "0")
	form.Set("msg[dev_id]", c.devID)
	form.Set("msg[timestamp]", strconv.FormatInt(time.Now().Unix(), 10))
	form.Set("msg[new_face_version]", "0")
	form.Set("msg[content]", content)
	form.Set("csrf", csrf)
	form.Set("csrf_token", csrf)

	target := sendMessageAPI + "?" + signed.Encode()
	data, _, _, err := requestJSON[SendMessageData](c, ctx, http.MethodPost, target, form, true)
	if err != nil {
		if code, ok := businessCode(err); ok {
			switch code {
			case codeSendRateLimited:
				c.log.Warn("send refused: upstream rate limit", zap.Int64("receiverId", receiverID))
			case codeAntiAbuse:
				c.log.Error("send refused: anti-abuse interception, slow down or re-login",
					zap.Int64("receiverId", receiverID))
			default:
				c.log.Warn("send refused", zap.Int("code", code), zap.Int64("receiverId", receiverID))
			}
			return nil, nil
		}
		if isUpstreamFailure(err) {
			c.log.Warn("send_msg failed", zap.Int64("receiverId", receiverID), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, receiverID int64, text string) (*SendMessageData, error) {
	content, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, err
	}
	return c.SendMessage(ctx, receiverID, MsgTypeText, string(content))
}

// SendImage uploads the image and sends it as an image message.
func (c *Client) SendImage(ctx context.Context, receiverID int64, fileName string, imageData []byte) (*SendMessageData, error) {
	uploaded, err := c.UploadImage(ctx, fileName, imageData)
	if err != nil {
		return nil, err
	}
	if uploaded == nil {
		return nil, nil
	}
	content, err := json.Marshal(map[string]any{
		"url":      uploaded.ImageURL,
		"width":    uploaded.ImageWidth,
		"height":   uploaded.ImageHeight,
		"imageType": "jpeg",
		"original": 1,
		"size":     len(imageData) / 1024,
	})
	if err != nil {
		return nil, err
	}
	return c.SendMessage(ctx, receiverID, MsgTypeImage, string(content))
}

// RecallMessage retracts a previously sent message by its msg_key.
func (c *Client) RecallMessage(ctx context.Context, receiverID int64, msgKey uint64) (*SendMessageData, error) {
	return c.SendMessage(ctx, receiverID, MsgTypeRecall, strconv.FormatUint(msgKey, 10))
}

// UploadImage pushes image bytes to the im upload endpoint.
func (c *Client) UploadImage(ctx context.Context, fileName string, imageData []byte) (*UploadImageData, error) {
	if c.Disposed() {
		return nil, nil
	}
	csrf, err := c.creds.CSRF()
	if err != nil {
		return nil, err
	}
	if len(imageData) == 0 {
		return nil, errors.New("empty image payload")
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = "upload.jpg"
	}
	data, err := requestMultipart[UploadImageData](c, ctx, uploadImageAPI, map[string]string{
		"biz":  "im",
		"csrf": csrf,
	}, "file_up", fileName, imageData)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("image upload failed", zap.String("fileName", fileName), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(data.ImageURL) == "" {
		return nil, errors.New("upload response carried no image url")
	}
	return &data, nil
}

// GetUser fetches a public profile via the WBI-signed acc/info
// endpoint.
func (c *Client) GetUser(ctx context.Context, mid int64) (*UserCard, error) {
	if c.Disposed() {
		return nil, nil
	}
	signed, err := c.signer.Sign(ctx, map[string]string{
		"mid": strconv.FormatInt(mid, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("sign acc/info: %w", err)
	}
	target := accInfoAPI + "?" + signed.Encode()
	data, _, _, err := requestJSON[UserCard](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("get user failed", zap.Int64("mid", mid), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	if c.cfg.AvatarBase64 && data.Face != "" {
		if inline, faceErr := c.FetchImageBase64(ctx, data.Face); faceErr == nil {
			data.FaceBase64 = inline
		}
	}
	return &data, nil
}

// FollowUser follows the given uid. False means the request was
// refused upstream.
func (c *Client) FollowUser(ctx context.Context, mid int64) (bool, error) {
	return c.modifyRelation(ctx, mid, 1)
}

// UnfollowUser removes the given uid from the following list.
func (c *Client) UnfollowUser(ctx context.Context, mid int64) (bool, error) {
	return c.modifyRelation(ctx, mid, 2)
}

func (c *Client) modifyRelation(ctx context.Context, mid int64, act int) (bool, error) {
	if c.Disposed() {
		return false, nil
	}
	csrf, err := c.creds.CSRF()
	if err != nil {
		return false, err
	}
	form := url.Values{}
	form.Set("fid", strconv.FormatInt(mid, 10))
	form.Set("act", strconv.Itoa(act))
	form.Set("re_src", "11")
	form.Set("csrf", csrf)
	_, _, _, err = requestJSON[json.RawMessage](c, ctx, http.MethodPost, relationModifyAPI, form, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("relation modify failed", zap.Int64("mid", mid), zap.Int("act", act), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsFollowing reports whether the logged-in account follows mid.
func (c *Client) IsFollowing(ctx context.Context, mid int64) (bool, error) {
	if c.Disposed() {
		return false, nil
	}
	target := fmt.Sprintf("%s?fid=%d", relationAPI, mid)
	data, _, _, err := requestJSON[relationData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("relation query failed", zap.Int64("mid", mid), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	return data.Attribute == relationFollowing || data.Attribute == relationMutual, nil
}

// Followings lists one page of the accounts the session follows.
func (c *Client) Followings(ctx context.Context, page int, pageSize int) (*FollowingsData, error) {
	if c.Disposed() {
		return nil, nil
	}
	uid := c.creds.UID()
	if uid <= 0 {
		return nil, errors.New("missing DedeUserID in credentials")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 50 {
		pageSize = 50
	}
	target := fmt.Sprintf("%s?vmid=%d&pn=%d&ps=%d&order=desc", followingsAPI, uid, page, pageSize)
	data, _, _, err := requestJSON[FollowingsData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("followings failed", zap.Int("page", page), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// AllDynamics fetches the first page of the followed-dynamics feed.
// updateBaseline may be empty on the seed poll.
func (c *Client) AllDynamics(ctx context.Context, updateBaseline string) (*AllDynamicsData, error) {
	if c.Disposed() {
		return nil, nil
	}
	params := map[string]string{
		"type":     "all",
		"page":     "1",
		"platform": "web",
		"features": "itemOpusStyle",
	}
	if strings.TrimSpace(updateBaseline) != "" {
		params["update_baseline"] = updateBaseline
	}
	signed, err := c.signer.Sign(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("sign feed/all: %w", err)
	}
	target := allDynamicsAPI + "?" + signed.Encode()
	data, _, _, err := requestJSON[AllDynamicsData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("feed/all failed", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// PersonalDynamics fetches the dynamics feed of one account.
func (c *Client) PersonalDynamics(ctx context.Context, hostMid int64) (*AllDynamicsData, error) {
	if c.Disposed() {
		return nil, nil
	}
	signed, err := c.signer.Sign(ctx, map[string]string{
		"host_mid": strconv.FormatInt(hostMid, 10),
		"platform": "web",
		"features": "itemOpusStyle",
	})
	if err != nil {
		return nil, fmt.Errorf("sign feed/space: %w", err)
	}
	target := personalDynamicsAPI + "?" + signed.Encode()
	data, _, _, err := requestJSON[AllDynamicsData](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("feed/space failed", zap.Int64("hostMid", hostMid), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &data, nil
}

// DynamicDetail fetches one dynamic by its id_str.
func (c *Client) DynamicDetail(ctx context.Context, idStr string) (*DynamicItem, error) {
	if c.Disposed() {
		return nil, nil
	}
	target := dynamicDetailAPI + "?id=" + url.QueryEscape(idStr)
	wrapper, _, _, err := requestJSON[struct {
		Item DynamicItem `json:"item"`
	}](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("dynamic detail failed", zap.String("id", idStr), zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &wrapper.Item, nil
}

// LiveUsers fetches the currently broadcasting subset of followed
// accounts.
func (c *Client) LiveUsers(ctx context.Context) (*LiveUsersData, error) {
	if c.Disposed() {
		return nil, nil
	}
	target := livePortalAPI + "?up_list_more=1&web_location=333.1365"
	wrapper, _, _, err := requestJSON[struct {
		LiveUsers LiveUsersData `json:"live_users"`
	}](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("live portal failed", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return &wrapper.LiveUsers, nil
}

// Search runs a comprehensive search. The raw result payload is passed
// through so the host can pick the sections it needs.
func (c *Client) Search(ctx context.Context, keyword string) (json.RawMessage, error) {
	return c.search(ctx, searchAllAPI, map[string]string{"keyword": keyword})
}

// SearchByType runs a typed search (video, bili_user, live, article).
func (c *Client) SearchByType(ctx context.Context, searchType string, keyword string) (json.RawMessage, error) {
	return c.search(ctx, searchTypeAPI, map[string]string{
		"search_type": searchType,
		"keyword":     keyword,
	})
}

func (c *Client) search(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	if c.Disposed() {
		return nil, nil
	}
	signed, err := c.signer.Sign(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("sign search: %w", err)
	}
	target := endpoint + "?" + signed.Encode()
	data, _, _, err := requestJSON[json.RawMessage](c, ctx, http.MethodGet, target, nil, true)
	if err != nil {
		if isUpstreamFailure(err) {
			c.log.Warn("search failed", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// GetMessage scans the recent page of a session for one message.
func (c *Client) GetMessage(ctx context.Context, talkerID int64, sessionType int, msgKey uint64) (*PrivateMessage, error) {
	page, err := c.FetchSessionMessages(ctx, talkerID, sessionType, 0, 20)
	if err != nil || page == nil {
		return nil, err
	}
	for i := range page.Messages {
		if page.Messages[i].MsgKey == msgKey {
			return &page.Messages[i], nil
		}
	}
	return nil, nil
}
