// Package padclient is the HTTP/WebSocket client for the WeChatPad
// gateway: outbound text sends, contact lookup and the inbound sync socket.
package padclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
	}
}

// wstr is the gateway's wrapped string shape: {"str": "..."}.
type wstr struct {
	Str string `json:"str"`
}

type sendTextRequest struct {
	MsgItem []sendTextItem `json:"MsgItem"`
}

type sendTextItem struct {
	AtWxIDList   []string `json:"AtWxIDList"`
	ImageContent string   `json:"ImageContent"`
	MsgType      int      `json:"MsgType"`
	TextContent  string   `json:"TextContent"`
	ToUserName   string   `json:"ToUserName"`
}

type sendTextResponse struct {
	Code int    `json:"Code"`
	Text string `json:"Text,omitempty"`
	Data []struct {
		IsSendSuccess bool   `json:"isSendSuccess"`
		ErrMsg        string `json:"errMsg,omitempty"`
	} `json:"Data,omitempty"`
}

// SendTextMessage delivers one text message. The boolean contract is all the
// gateway offers; no delivery guarantee beyond it.
func (c *Client) SendTextMessage(ctx context.Context, toUser, text string) error {
	if c == nil {
		return fmt.Errorf("padclient is not initialized")
	}
	toUser = strings.TrimSpace(toUser)
	if toUser == "" {
		return fmt.Errorf("padclient: recipient is required")
	}

	payload := sendTextRequest{
		MsgItem: []sendTextItem{{
			AtWxIDList:  []string{},
			MsgType:     0,
			TextContent: text,
			ToUserName:  toUser,
		}},
	}
	raw, status, err := c.postJSON(ctx, "/message/SendTextMessage", payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("padclient: send http %d", status)
	}

	var out sendTextResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("padclient: decode send response: %w", err)
	}
	if out.Code != 200 {
		msg := strings.TrimSpace(out.Text)
		if msg == "" {
			msg = "unknown_error"
		}
		return fmt.Errorf("padclient: send rejected: %s", msg)
	}
	if len(out.Data) == 0 {
		return fmt.Errorf("padclient: send response has no result")
	}
	if !out.Data[0].IsSendSuccess {
		msg := strings.TrimSpace(out.Data[0].ErrMsg)
		if msg == "" {
			msg = "unknown_error"
		}
		return fmt.Errorf("padclient: send failed: %s", msg)
	}
	return nil
}

type searchContactRequest struct {
	FromScene   int    `json:"FromScene"`
	OpCode      int    `json:"OpCode"`
	SearchScene int    `json:"SearchScene"`
	UserName    string `json:"UserName"`
}

type searchContactResponse struct {
	Code int `json:"Code"`
	Data struct {
		UserName wstr `json:"user_name"`
	} `json:"Data"`
}

// SearchContact resolves a WeChat account name to its wxid.
func (c *Client) SearchContact(ctx context.Context, account string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("padclient is not initialized")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return "", fmt.Errorf("padclient: account is required")
	}

	raw, status, err := c.postJSON(ctx, "/friend/SearchContact", searchContactRequest{UserName: account})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("padclient: search http %d", status)
	}

	var out searchContactResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("padclient: decode search response: %w", err)
	}
	wxid := strings.TrimSpace(out.Data.UserName.Str)
	if out.Code != 200 || wxid == "" {
		return "", fmt.Errorf("padclient: contact not found: %s", account)
	}
	return wxid, nil
}

// SyncSocketURL is the websocket endpoint emitting one frame per inbound
// chat event.
func (c *Client) SyncSocketURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/GetSyncMsg?key=" + url.QueryEscape(c.token)
}

// DialSync opens the inbound sync socket.
func (c *Client) DialSync(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.SyncSocketURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("padclient: dial sync socket: %w", err)
	}
	return conn, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, int, error) {
	if c.http == nil {
		return nil, 0, fmt.Errorf("padclient is not initialized")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	endpoint := c.baseURL + path + "?key=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, readErr
	}
	return raw, resp.StatusCode, nil
}
