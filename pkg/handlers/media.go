package handlers

import (
	"context"
	"log/slog"
	"strconv"

	"wechatbot/pkg/handler"
	"wechatbot/pkg/message"
)

// Text logs incoming text messages.
type Text struct {
	log *slog.Logger
}

func (h *Text) Kind() handler.Kind { return KindText }

func (h *Text) CanHandle(_ context.Context, mc *message.Context) bool {
	return mc.MsgType() == message.MsgTypeText
}

func (h *Text) Handle(_ context.Context, mc *message.Context) bool {
	h.log.Info("Received text message", "event_id", mc.ID(), "from_user", mc.FromUser(), "content", preview(mc.Content()))
	return true
}

// Image extracts the thumbnail CDN url and AES key of image messages.
type Image struct {
	log *slog.Logger
}

func (h *Image) Kind() handler.Kind { return KindImage }

func (h *Image) CanHandle(_ context.Context, mc *message.Context) bool {
	return mc.MsgType() == message.MsgTypeImage
}

func (h *Image) Handle(_ context.Context, mc *message.Context) bool {
	root := mc.XML()
	if root == nil {
		h.log.Error("Image message has no XML view", "event_id", mc.ID(), "from_user", mc.FromUser())
		return false
	}

	img := root.Find("img")
	if img == nil {
		h.log.Error("Image message has no img element", "event_id", mc.ID(), "from_user", mc.FromUser())
		return false
	}

	mc.Update(map[string]any{
		KeyCDNURL: img.Attr("cdnthumburl"),
		KeyAESKey: img.Attr("aeskey"),
	})

	h.log.Info("Received image message",
		"event_id", mc.ID(),
		"from_user", mc.FromUser(),
		"has_thumbnail", mc.HasImgBuf(),
		"thumbnail_bytes", len(mc.ImgBuf()),
	)
	return true
}

// File extracts attachment metadata from file app messages.
type File struct {
	log *slog.Logger
}

func (h *File) Kind() handler.Kind { return KindFile }

func (h *File) CanHandle(_ context.Context, mc *message.Context) bool {
	return mc.MsgType() == message.MsgTypeApp
}

func (h *File) Handle(_ context.Context, mc *message.Context) bool {
	log := h.log.With("event_id", mc.ID(), "from_user", mc.FromUser())

	root := mc.XML()
	if root == nil {
		log.Error("File message has no XML view")
		return false
	}

	appmsg := root.Find("appmsg")
	if appmsg == nil {
		log.Error("File message has no appmsg element")
		return false
	}
	attach := appmsg.Find("appattach")
	if attach == nil {
		log.Error("File message has no appattach element")
		return false
	}

	// An absent totallen means size 0; a present one must be an integer.
	size := 0
	if totallen := attach.Child("totallen"); totallen != nil {
		rawSize := totallen.TextValue()
		parsed, err := strconv.Atoi(rawSize)
		if err != nil {
			log.Error("File size is not an integer", "totallen", rawSize, "error", err)
			return false
		}
		size = parsed
	}

	info := map[string]any{
		KeyFileName: appmsg.Child("title").TextValue(),
		KeyFileExt:  appmsg.Find("fileext").TextValue(),
		KeyFileSize: size,
		KeyCDNURL:   attach.Child("cdnattachurl").TextValue(),
		KeyAESKey:   attach.Child("aeskey").TextValue(),
	}
	mc.Update(info)

	log.Info("Received file message", "file_name", info[KeyFileName], "file_ext", info[KeyFileExt], "file_size", size)
	return true
}
