package orchestration

import "github.com/koscakluka/ema-avatar/core/events"

type eventEmitter func(events.Event)

func noopEventEmitter(events.Event) {}

// emit folds event into the view before handing it out, so handlers that
// read View see the state the event describes.
func (o *Orchestrator) emit(event events.Event) {
	o.viewMu.Lock()
	o.view = o.view.Apply(event)
	o.viewMu.Unlock()

	o.eventHandler(event)
}
