package accountdeck

import "pkt.systems/accountdeck/schema"

type eventFanout struct {
	sinks []schema.EventSink
}

func (f eventFanout) Publish(event schema.Event) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.Publish(event)
	}
}
