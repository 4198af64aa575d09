package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/feed"
)

const timeLayout = "2006-01-02 15:04:05"

type nameSource interface {
	Channel(bt backend.Type, id string) (backend.Channel, bool)
	SenderName(msg backend.Message) string
}

type printer struct {
	w     io.Writer
	names nameSource
	loc   *time.Location
}

func newPrinter(w io.Writer, names nameSource) *printer {
	return &printer{w: w, names: names, loc: time.Local}
}

// Message writes one feed line: time, backend, channel, sender and body.
func (p *printer) Message(msg backend.Message) {
	fmt.Fprintf(p.w, "%s  %-8s  %s  %s: %s\n",
		msg.Timestamp.In(p.loc).Format(timeLayout),
		msg.Backend,
		p.channelLabel(msg.Backend, msg.ChannelID),
		p.names.SenderName(msg),
		messageBody(msg),
	)
}

// Directory writes the rooms and direct conversations of one backend.
func (p *printer) Directory(bt backend.Type, dir feed.Directory) {
	fmt.Fprintf(p.w, "%s\n", bt)
	writeGroup := func(title, prefix string, channels []backend.Channel) {
		if len(channels) == 0 {
			return
		}
		fmt.Fprintf(p.w, "  %s:\n", title)
		for _, ch := range channels {
			fmt.Fprintf(p.w, "    %s%s (%s)\n", prefix, ch.Name, ch.ID)
		}
	}
	writeGroup("rooms", "#", dir.Rooms)
	writeGroup("direct", "@", dir.Direct)
	if len(dir.Rooms) == 0 && len(dir.Direct) == 0 {
		fmt.Fprintln(p.w, "  (no channels)")
	}
}

func (p *printer) channelLabel(bt backend.Type, id string) string {
	if id == "" {
		return "-"
	}
	ch, ok := p.names.Channel(bt, id)
	if !ok {
		return "#" + id
	}
	if ch.IsDirect {
		return "@" + ch.Name
	}
	return "#" + ch.Name
}

func messageBody(msg backend.Message) string {
	parts := make([]string, 0, len(msg.Attachments)+1)
	if text := strings.TrimSpace(msg.Text); text != "" {
		parts = append(parts, text)
	}
	for _, att := range msg.Attachments {
		label := att.Name
		if label == "" {
			label = att.URL
		}
		parts = append(parts, fmt.Sprintf("[%s: %s]", att.Kind, label))
	}
	return strings.Join(parts, " ")
}
