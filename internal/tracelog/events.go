package tracelog

import (
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventPageView     EventType = "page_view"
	EventClick        EventType = "click"
	EventScroll       EventType = "scroll"
	EventCustom       EventType = "custom"
	EventWebVitals    EventType = "web_vitals"
)

type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

type ClickData struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Tag  string `json:"tag,omitempty"`
	Text string `json:"text,omitempty"`
}

type ScrollData struct {
	Depth     int             `json:"depth"`
	Direction ScrollDirection `json:"direction"`
}

type PageViewData struct {
	Referrer string `json:"referrer,omitempty"`
	Title    string `json:"title,omitempty"`
}

type CustomData struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type WebVitalsData struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type SessionEndReason string

const (
	EndReasonInactivity SessionEndReason = "inactivity"
	EndReasonManual     SessionEndReason = "manual_stop"
	EndReasonTabClosed  SessionEndReason = "tab_closed"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	PageURL   string         `json:"page_url,omitempty"`
	Click     *ClickData     `json:"click_data,omitempty"`
	Scroll    *ScrollData    `json:"scroll_data,omitempty"`
	PageView  *PageViewData  `json:"page_view,omitempty"`
	Custom    *CustomData    `json:"custom_event,omitempty"`
	WebVitals *WebVitalsData `json:"web_vitals,omitempty"`
	EndReason SessionEndReason `json:"session_end_reason,omitempty"`
}

type QueueBatch struct {
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	Device         string         `json:"device,omitempty"`
	Events         []Event        `json:"events"`
	GlobalMetadata map[string]any `json:"global_metadata,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// identityKey is the per-type identity used for repeat coalescing and the
// flush-time composite dedup pass.
func (e Event) identityKey() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	switch e.Type {
	case EventPageView:
		b.WriteString(e.PageURL)
	case EventClick:
		if e.Click != nil {
			b.WriteString(strconv.Itoa(e.Click.X))
			b.WriteByte(',')
			b.WriteString(strconv.Itoa(e.Click.Y))
		}
	case EventScroll:
		if e.Scroll != nil {
			b.WriteString(strconv.Itoa(e.Scroll.Depth))
			b.WriteByte(',')
			b.WriteString(string(e.Scroll.Direction))
		}
	case EventCustom:
		if e.Custom != nil {
			b.WriteString(e.Custom.Name)
		}
	case EventWebVitals:
		if e.WebVitals != nil {
			b.WriteString(e.WebVitals.Name)
		}
	default:
		b.WriteString(e.PageURL)
	}
	return b.String()
}
