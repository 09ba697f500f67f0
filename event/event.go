// Package event carries typed status events from the core to its consumers.
//
// Handlers run synchronously on the publishing goroutine. A handler that needs
// to touch UI state must hand off to its own goroutine.
package event

import (
	"fmt"
	"sync"
)

// Kind classifies an Error event.
type Kind string

const (
	KindLinkDown             Kind = "LinkDown"
	KindPortBusy             Kind = "PortBusy"
	KindPortNotFound         Kind = "PortNotFound"
	KindPortPermission       Kind = "PortPermission"
	KindFrameChecksum        Kind = "FrameChecksum"
	KindResponseTimeout      Kind = "ResponseTimeout"
	KindUnsupportedKey       Kind = "UnsupportedKey"
	KindUnsupportedCharacter Kind = "UnsupportedCharacter"
	KindInvalidScriptSyntax  Kind = "InvalidScriptSyntax"
	KindInvalidScriptArg     Kind = "InvalidScriptArgument"
	KindPacketBudget         Kind = "PacketBudgetExceeded"
	KindLayoutNotFound       Kind = "LayoutNotFound"
	KindDevice               Kind = "DeviceError"
)

// Error is a non-fatal failure surfaced to the user.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e Error) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// ConnectionChanged is published when the serial link goes up or down.
type ConnectionChanged struct {
	Up   bool
	Port string
}

// DataReceived carries every valid inbound frame.
type DataReceived struct {
	Cmd     byte
	Payload []byte
}

// KeyStatesChanged reports a new lock LED state from the device.
type KeyStatesChanged struct {
	NumLock    bool
	CapsLock   bool
	ScrollLock bool
}

// USBSwitchChanged reports where the shared USB port is routed.
type USBSwitchChanged struct {
	ToHost bool
}

// BaudrateChanged is published when auto-detection settles on a different speed.
type BaudrateChanged struct {
	From, To int
}

// MouseLocation is the last absolute position sent to the target, in 0..4095.
type MouseLocation struct {
	X, Y int
}

// ScreenshotRequested is raised by scripts. Rect is empty for full screen.
type ScreenshotRequested struct {
	Path string
	Rect [4]int
	Full bool
}

// ScriptFinished closes a script run.
type ScriptFinished struct {
	RunID   string
	Success bool
}

// PasteFinished closes a paste run.
type PasteFinished struct {
	RunID     string
	Typed     int
	Skipped   int
	Cancelled bool
}

// ModeChanged is published when the dispatcher switches mouse mode.
type ModeChanged struct {
	Absolute bool
}

// Hub fans published events out to subscribers. The zero value is ready to
// use and a nil *Hub drops everything.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(any)
}

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{} }

// Publish delivers ev to every subscriber interested in its type.
func (h *Hub) Publish(ev any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	fns := make([]func(any), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SubscribeAll registers fn for every event. The returned func unsubscribes.
func (h *Hub) SubscribeAll(fn func(any)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]func(any){}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Subscribe registers fn for events of type T only.
func Subscribe[T any](h *Hub, fn func(T)) (cancel func()) {
	return h.SubscribeAll(func(ev any) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}
