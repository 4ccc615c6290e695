// Package events provides the typed event surfaces used across the messaging
// layer.
//
// An Emitter dispatches named events to listeners registered with On or Once.
// Fire-once listeners carry an explicit flag and are dropped by the emitter
// before they run, rather than being tagged after the fact.
//
// Example usage:
//
//	em := events.NewEmitter[string]()
//	id := em.On("greeting", func(s string) { fmt.Println(s) })
//	em.Once("greeting", func(s string) { fmt.Println("first:", s) })
//
//	em.Emit("greeting", "hello") // both listeners run
//	em.Emit("greeting", "again") // only the On listener runs
//	em.Off("greeting", id)
package events
