package message

import (
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MsgType is the GeWe message type tag. Values are compared as opaque integers.
type MsgType int

const (
	MsgTypeText  MsgType = 1
	MsgTypeImage MsgType = 3
	MsgTypeApp   MsgType = 49
)

// Context is the parsed view of one inbound event. Identity and payload
// fields are fixed at construction; processed data is the only mutable part
// and is shared by every handler touching the event during one traversal.
//
// Processed data access is serialized, but no ordering is defined between
// concurrent writers: the last write to a key wins.
type Context struct {
	id         string
	typeName   string
	appID      string
	wxid       string
	msgType    MsgType
	fromUser   string
	toUser     string
	content    string
	createTime int64
	imgBuf     string

	xmlOnce sync.Once
	xmlView *Element

	mu        sync.RWMutex
	processed map[string]any
}

// NewContext builds a context from a decoded payload. It never fails.
func NewContext(payload Payload) *Context {
	return &Context{
		id:         uuid.NewString(),
		typeName:   payload.TypeName,
		appID:      payload.AppID,
		wxid:       payload.Wxid,
		msgType:    MsgType(payload.Data.MsgType),
		fromUser:   payload.Data.FromUserName.String,
		toUser:     payload.Data.ToUserName.String,
		content:    payload.Data.Content.String,
		createTime: payload.Data.CreateTime,
		imgBuf:     payload.Data.ImgBuf.Buffer,
		processed:  make(map[string]any),
	}
}

func (c *Context) ID() string { return c.id }
func (c *Context) TypeName() string { return c.typeName }
func (c *Context) AppID() string { return c.appID }
func (c *Context) Wxid() string { return c.wxid }
func (c *Context) MsgType() MsgType { return c.msgType }
func (c *Context) FromUser() string { return c.fromUser }
func (c *Context) ToUser() string { return c.toUser }
func (c *Context) Content() string { return c.content }
func (c *Context) CreateTime() int64 { return c.createTime }
func (c *Context) ImgBuf() string { return c.imgBuf }
func (c *Context) HasImgBuf() bool { return c.imgBuf != "" }
func (c *Context) CreatedAt() time.Time { return time.Unix(c.createTime, 0).UTC() }

// XML returns the structured view of the content for image and app messages.
// It is parsed on first call; nil means the message has no view or the markup
// could not be parsed.
func (c *Context) XML() *Element {
	c.xmlOnce.Do(func() {
		if strings.TrimSpace(c.content) == "" {
			return
		}
		if c.msgType != MsgTypeImage && c.msgType != MsgTypeApp {
			return
		}

		root, err := ParseXML(c.content)
		if err != nil {
			return
		}
		c.xmlView = root
	})

	return c.xmlView
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[key] = value
}

// Update stores every entry of values under a single lock.
func (c *Context) Update(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.processed, values)
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.processed[key]
	return value, ok
}

// GetString returns the string stored under key, or "" when absent or of another type.
func (c *Context) GetString(key string) string {
	value, _ := c.Get(key)
	text, _ := value.(string)
	return text
}

// GetBool returns the bool stored under key, or false.
func (c *Context) GetBool(key string) bool {
	value, _ := c.Get(key)
	flag, _ := value.(bool)
	return flag
}

// GetInt returns the int stored under key.
func (c *Context) GetInt(key string) (int, bool) {
	value, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	number, ok := value.(int)
	return number, ok
}

// Snapshot returns a copy of the processed data.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.processed)
}
