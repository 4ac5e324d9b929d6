package etwmain

import "etw_listener/internal/etw/record"

// EventRecordReceiver consumes events on the dispatch goroutine.
//
// The view is only valid until ReceiveEvent returns. Receivers that keep
// event data must Clone the view first, and must not block for long since
// delivery of every following event waits on them.
type EventRecordReceiver interface {
	ReceiveEvent(v *record.View)
}

// ReceiverFunc adapts a function to EventRecordReceiver.
type ReceiverFunc func(v *record.View)

func (f ReceiverFunc) ReceiveEvent(v *record.View) { f(v) }

// AbnormalShutdownHandler is called from the dispatch goroutine when
// processing ends while the session was still expected to be tracing, for
// example after another tool stopped it. err is the ProcessTrace result.
type AbnormalShutdownHandler func(session string, err error)
