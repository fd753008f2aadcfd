// Package process keeps the flow controller in step with the furnace
// program during an anneal.
//
// A Controller owns the run state of one furnace and one flow controller
// channel. Start programs the recipe into the furnace segments and starts
// the program. From then on the controller only observes: every Snapshot
// handed to HandleSnapshot is mapped from furnace segment to recipe stage,
// and when the stage changes the stage's flow range and setpoint are pushed
// to the flow controller.
//
// # States
//
//	Idle ──Start──▶ Running ──overrun / wraparound / EndRun──▶ PostAnneal
//	  ▲                │                                          │
//	  └──────Stop──────┴───────Stop or temperature < 30 °C────────┘
//
// When the program ends, either because the furnace entered a segment past
// the recipe (overrun) or because its segment counter returned to 0
// (wraparound), the furnace is reset and the chamber is purged at a small
// constant flow. The purge is shut off once a snapshot reports a
// temperature below the safety threshold. Stop skips the purge and shuts the
// gas off at once.
//
// All state changes, Start, Stop, EndRun and HandleSnapshot, are serialized
// by one mutex. Events are delivered to subscribers synchronously after the
// mutex is released.
package process
