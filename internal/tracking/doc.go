// Package tracking implements the device session for a hand-tracking service.
//
// A Session owns one connection to the tracking service and a background
// polling goroutine. The goroutine asks the service for the next message with
// a bounded wait, classifies it, updates shared state and hands it to the
// registered Callback.
//
// # Architecture
//
//	┌──────────────┐  Poll   ┌──────────────┐  sync   ┌──────────────┐
//	│   tracking   │◄────────│ polling loop │────────►│   Callback   │
//	│   service    │         │  (session)   │         │  (consumer)  │
//	└──────────────┘         └──────┬───────┘         └──────▲───────┘
//	                                │ Post                   │
//	                                ▼                        │
//	                         ┌──────────────┐   drain        │
//	                         │  Dispatcher  │────────────────┘
//	                         │ (main thread)│
//	                         └──────────────┘
//
// # Dispatch
//
// Connection, tracking and image events are delivered synchronously on the
// polling goroutine. Device, log, policy, tracking-mode and config events are
// posted to a Dispatcher and delivered later on the goroutine that drains it.
// Deferred tasks hold only a weak reference to the session and check the
// context Guard before touching it, so a session destroyed in the meantime is
// never used.
//
// # Shared State
//
// The latest tracking frame and the current device record are the only state
// shared across goroutines. Both live in FrameState behind one mutex and are
// replaced wholesale.
//
// # Usage
//
//	loop := mainthread.New(mainthread.Config{QueueSize: 1024}, logger)
//	session := tracking.NewSession(connector, tracking.Config{},
//	    tracking.WithDispatcher(loop),
//	    tracking.WithLogger(logger),
//	)
//	if err := session.Open(myCallback); err != nil {
//	    return err
//	}
//	defer session.Destroy()
//
//	go loop.Run(ctx) // deferred callbacks run here
//
//	if frame := session.LatestFrame(); frame != nil {
//	    fmt.Println(len(frame.Hands))
//	}
package tracking
