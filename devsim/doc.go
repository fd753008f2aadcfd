// Package devsim provides deterministic simulations of the instruments driven
// by go-anneal: a UP150 program temperature controller speaking PC-link, and
// an MKS 647B multi-channel flow controller speaking its ASCII command set.
//
// The simulations answer raw request bytes, so they exercise the real
// driver encoders and decoders end to end. Plug them into a driver through
// their Port method:
//
//	furnace := devsim.NewFurnace()
//	drv, err := up150.Open(ctx, furnace.Port(), up150.WithSettleDelay(0))
//
// Simulated time only advances when Advance is called (or while Drive runs),
// which keeps tests reproducible.
package devsim
